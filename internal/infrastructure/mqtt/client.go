package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-lcn/internal/infrastructure/config"
)

// Client is the bridge's connection to the Gray Logic broker.
//
// paho reconnects on its own; Client remembers the subscriptions made
// through it and restores them on every reconnect, and reports connection
// changes through the hooks set with SetOnConnect and SetOnDisconnect.
// All methods are safe for concurrent use.
type Client struct {
	paho pahomqtt.Client
	cfg  config.MQTTConfig

	mu               sync.RWMutex
	subs             map[string]subscription
	onConnect        func()
	onConnectionLost func(error)
	logger           Logger
}

// Logger is the subset of logging.Logger the client uses.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives messages of a subscription. paho calls it from
// its own goroutine. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker named in cfg and waits for the first CONNACK.
//
// The will defaults to an offline system status; the bridge replaces it
// with its health LWT through WithWill.
func Connect(cfg config.MQTTConfig, options ...Option) (*Client, error) {
	o := applyOptions(cfg.Broker.ClientID, options)
	c := &Client{
		cfg:    cfg,
		subs:   make(map[string]subscription),
		logger: o.logger,
	}

	opts := buildClientOptions(cfg)
	opts.SetWill(o.willTopic, string(o.willPayload), 1, true)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.connectionLost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.logWarn("MQTT reconnecting", "broker", brokerURL(cfg))
	})

	c.paho = pahomqtt.NewClient(opts)
	token := c.paho.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return c, nil
}

// connected runs on the first connect and on every reconnect.
func (c *Client) connected() {
	c.resubscribe()
	c.paho.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true,
		buildStatusPayload(c.cfg.Broker.ClientID, "online", ""))

	c.mu.RLock()
	hook := c.onConnect
	c.mu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (c *Client) connectionLost(err error) {
	c.logWarn("MQTT connection lost", "error", err)

	c.mu.RLock()
	hook := c.onConnectionLost
	c.mu.RUnlock()
	if hook != nil {
		hook(err)
	}
}

// Close publishes a graceful offline status and disconnects. Closing a
// client that never connected is a no-op.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.paho.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true,
			buildStatusPayload(c.cfg.Broker.ClientID, "offline", "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	return nil
}

// HealthCheck fails with ErrNotConnected while the link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the connection to the broker is open. It is
// false while paho is reconnecting.
func (c *Client) IsConnected() bool {
	return c != nil && c.paho != nil && c.paho.IsConnectionOpen()
}

// SetOnConnect sets a hook run after every reconnect, once the
// subscriptions are restored.
func (c *Client) SetOnConnect(hook func()) {
	c.mu.Lock()
	c.onConnect = hook
	c.mu.Unlock()
}

// SetOnDisconnect sets a hook run when the connection is lost.
func (c *Client) SetOnDisconnect(hook func(err error)) {
	c.mu.Lock()
	c.onConnectionLost = hook
	c.mu.Unlock()
}

// SetLogger replaces the logger given with WithLogger.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) logWarn(msg string, args ...any) {
	c.mu.RLock()
	logger := c.logger
	c.mu.RUnlock()
	if logger != nil {
		logger.Warn(msg, args...)
	}
}

func (c *Client) logError(msg string, args ...any) {
	c.mu.RLock()
	logger := c.logger
	c.mu.RUnlock()
	if logger != nil {
		logger.Error(msg, args...)
	}
}

// await waits for a token and wraps a failure in kind.
func await(token pahomqtt.Token, kind error) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", kind, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}
