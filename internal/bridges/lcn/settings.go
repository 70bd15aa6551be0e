package lcn

import (
	"fmt"
	"time"
)

// Default timing values.
const (
	defaultConnectionTimeout = 10 * time.Second
	defaultRequestTimeout    = 3500 * time.Millisecond
	defaultMaxRetries        = 3
	defaultPollIntervalFast  = 30 * time.Second
	defaultPollIntervalSlow  = 10 * time.Minute

	// defaultReconnectInterval is the initial delay between connection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval caps the reconnection backoff.
	maxReconnectInterval = 2 * time.Minute

	// statusRequestDelayAfterCommand is how long after a state-changing
	// command the affected status is re-read.
	statusRequestDelayAfterCommand = 2 * time.Second

	// maxOfflineFrames bounds the frames held while the link is not ready.
	maxOfflineFrames = 256
)

// Settings holds the timing parameters of one gateway connection.
// It is copied into the connection at construction and never changes.
type Settings struct {
	// ConnectionTimeout bounds dialling, each handshake step and the wait
	// for the bus-connected notification.
	ConnectionTimeout time.Duration

	// RequestTimeout is how long a status request or command may stay
	// unanswered before it is retried.
	RequestTimeout time.Duration

	// MaxRetries is the number of attempts per request.
	MaxRetries int

	// PollIntervalFast is the refresh interval of polled categories.
	PollIntervalFast time.Duration

	// PollIntervalSlow is the keepalive interval of event-based categories.
	PollIntervalSlow time.Duration
}

// DefaultSettings returns the settings used for unset fields.
func DefaultSettings() Settings {
	return Settings{
		ConnectionTimeout: defaultConnectionTimeout,
		RequestTimeout:    defaultRequestTimeout,
		MaxRetries:        defaultMaxRetries,
		PollIntervalFast:  defaultPollIntervalFast,
		PollIntervalSlow:  defaultPollIntervalSlow,
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.ConnectionTimeout == 0 {
		s.ConnectionTimeout = d.ConnectionTimeout
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = d.RequestTimeout
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.PollIntervalFast == 0 {
		s.PollIntervalFast = d.PollIntervalFast
	}
	if s.PollIntervalSlow == 0 {
		s.PollIntervalSlow = d.PollIntervalSlow
	}
	return s
}

// Validate checks the settings are usable.
func (s Settings) Validate() error {
	switch {
	case s.ConnectionTimeout <= 0:
		return fmt.Errorf("%w: connection timeout must be positive", ErrInvalidSettings)
	case s.RequestTimeout <= 0:
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidSettings)
	case s.MaxRetries < 1:
		return fmt.Errorf("%w: max retries must be at least 1", ErrInvalidSettings)
	case s.PollIntervalFast <= 0:
		return fmt.Errorf("%w: fast poll interval must be positive", ErrInvalidSettings)
	case s.PollIntervalSlow < s.PollIntervalFast:
		return fmt.Errorf("%w: slow poll interval %s is shorter than fast %s",
			ErrInvalidSettings, s.PollIntervalSlow, s.PollIntervalFast)
	}
	return nil
}
