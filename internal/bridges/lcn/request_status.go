package lcn

import "time"

// SendOnce is the max age of a category that is requested until the first
// answer and never polled again, such as the firmware version.
const SendOnce time.Duration = -1

// RequestStatus tracks the request/response cycle of one status category on
// one module: when it was last asked for, when it was last answered, and how
// many attempts remain for the outstanding request.
//
// A RequestStatus is not safe for concurrent use; its module serialises access.
type RequestStatus struct {
	label      string
	maxAge     time.Duration
	retriesMax int

	retriesRemaining int
	active           bool
	lastRequest      time.Time
	lastResponse     time.Time // zero until the first answer
	failures         uint64

	// nextRequest is an explicit deadline set by NextRequestIn. It survives
	// replies to requests sent before scheduledAt.
	nextRequest time.Time
	scheduledAt time.Time
}

// NewRequestStatus creates a tracker. maxAge is the refresh interval, or
// SendOnce. maxRetries below 1 is treated as 1.
func NewRequestStatus(label string, maxAge time.Duration, maxRetries int) *RequestStatus {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &RequestStatus{
		label:            label,
		maxAge:           maxAge,
		retriesMax:       maxRetries,
		retriesRemaining: maxRetries,
	}
}

// Label names the category in logs.
func (s *RequestStatus) Label() string { return s.label }

// MaxAge returns the refresh interval, or SendOnce.
func (s *RequestStatus) MaxAge() time.Duration { return s.maxAge }

// SetMaxAge changes the refresh interval.
func (s *RequestStatus) SetMaxAge(d time.Duration) { s.maxAge = d }

// RetriesRemaining returns the attempts left for the current request.
func (s *RequestStatus) RetriesRemaining() int { return s.retriesRemaining }

// RetriesMax returns the configured attempts per request.
func (s *RequestStatus) RetriesMax() int { return s.retriesMax }

// IsActive reports whether a request is outstanding.
func (s *RequestStatus) IsActive() bool { return s.active }

// Failures counts requests abandoned after exhausting their retries.
func (s *RequestStatus) Failures() uint64 { return s.failures }

// LastResponse returns when the category was last answered, or the zero
// time if it never was.
func (s *RequestStatus) LastResponse() time.Time { return s.lastResponse }

// Refresh makes the category due on the next update.
func (s *RequestStatus) Refresh() {
	s.lastResponse = time.Time{}
	s.nextRequest = time.Time{}
}

// NextRequestIn makes a polled category due delay after now. A reply to a
// request that was already outstanding does not cancel it.
// It has no effect on SendOnce categories.
func (s *RequestStatus) NextRequestIn(delay time.Duration, now time.Time) {
	if s.maxAge == SendOnce {
		return
	}
	s.nextRequest = now.Add(delay)
	s.scheduledAt = now
}

// OnRequestSent records a transmitted request.
func (s *RequestStatus) OnRequestSent(now time.Time) {
	s.active = true
	s.lastRequest = now
	if s.retriesRemaining > 0 {
		s.retriesRemaining--
	}
}

// OnResponseReceived records an answer. Calling it without an outstanding
// request only moves the response timestamp. A pending NextRequestIn
// deadline is kept when the answer belongs to a request sent before it.
func (s *RequestStatus) OnResponseReceived(now time.Time) {
	if !s.nextRequest.IsZero() && !(s.active && s.lastRequest.Before(s.scheduledAt)) {
		s.nextRequest = time.Time{}
	}
	s.active = false
	s.lastResponse = now
	s.retriesRemaining = s.retriesMax
}

// ShouldSendNextRequest reports whether a request should be sent now: either
// the category is due and idle, or the outstanding request timed out and
// may be retried.
func (s *RequestStatus) ShouldSendNextRequest(timeout time.Duration, now time.Time) bool {
	if s.retriesRemaining == 0 {
		return false
	}
	if s.active {
		return s.IsTimedOut(timeout, now)
	}
	return s.isDue(now)
}

// IsTimedOut reports whether the outstanding request has gone unanswered
// for at least timeout.
func (s *RequestStatus) IsTimedOut(timeout time.Duration, now time.Time) bool {
	return s.active && now.Sub(s.lastRequest) >= timeout
}

// IsFailed reports whether the outstanding request timed out with no
// attempts left. The caller is expected to log and call Abandon.
func (s *RequestStatus) IsFailed(timeout time.Duration, now time.Time) bool {
	return s.retriesRemaining == 0 && s.IsTimedOut(timeout, now)
}

// Abandon gives up on the outstanding request so polling can resume later.
func (s *RequestStatus) Abandon() {
	s.active = false
	s.failures++
	s.retriesRemaining = s.retriesMax
}

func (s *RequestStatus) isDue(now time.Time) bool {
	if !s.nextRequest.IsZero() {
		return !now.Before(s.nextRequest)
	}
	if s.lastResponse.IsZero() {
		return true
	}
	if s.maxAge == SendOnce {
		return false
	}
	return now.Sub(s.lastResponse) >= s.maxAge
}
