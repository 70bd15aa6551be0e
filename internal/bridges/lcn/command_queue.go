package lcn

import (
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-lcn/internal/bridges/lcn/pck"
)

// FrameSink accepts module frames for transmission.
// Connection implements it; tests use a recording fake.
type FrameSink interface {
	Queue(addr pck.ModuleAddress, wantsAck bool, data []byte) error
}

// CommandOutcome is how an acknowledged command ended.
type CommandOutcome int

// Command outcomes.
const (
	// CommandAcked means the module acknowledged the command.
	CommandAcked CommandOutcome = iota

	// CommandRejected means the module answered with an error code.
	CommandRejected

	// CommandDropped means no acknowledgement arrived within the retries.
	CommandDropped
)

// String returns the outcome name used in ack messages.
func (o CommandOutcome) String() string {
	switch o {
	case CommandAcked:
		return "acked"
	case CommandRejected:
		return "rejected"
	case CommandDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// PendingCommand is a command waiting for its bus acknowledgement.
type PendingCommand struct {
	ID         string
	Payload    []byte
	EnqueuedAt time.Time
}

// CommandResult reports the end of a PendingCommand.
type CommandResult struct {
	ID      string
	Payload []byte
	Outcome CommandOutcome
	Code    int // module error code for CommandRejected
}

// CommandQueue sends acknowledged commands to one module strictly in FIFO
// order. Only the head is ever on the bus; it leaves the queue on an
// acknowledgement or after its retries run out.
type CommandQueue struct {
	addr       pck.ModuleAddress
	maxRetries int
	log        Logger
	onResult   func(CommandResult)

	pending []PendingCommand
	head    *RequestStatus
	dropped uint64
}

// NewCommandQueue creates a queue for addr. onResult may be nil.
func NewCommandQueue(addr pck.ModuleAddress, maxRetries int, log Logger, onResult func(CommandResult)) *CommandQueue {
	if log == nil {
		log = (*logRef)(nil)
	}
	q := &CommandQueue{
		addr:       addr,
		maxRetries: maxRetries,
		log:        log,
		onResult:   onResult,
	}
	q.resetHead()
	return q
}

// Len returns the number of queued commands, including the one in flight.
func (q *CommandQueue) Len() int { return len(q.pending) }

// Dropped counts commands given up after exhausting their retries.
func (q *CommandQueue) Dropped() uint64 { return q.dropped }

// Enqueue appends cmd and sends it at once if nothing is in flight.
// An empty ID is replaced with a new UUID, which is returned.
func (q *CommandQueue) Enqueue(sink FrameSink, cmd PendingCommand, now time.Time) string {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = now
	}
	q.pending = append(q.pending, cmd)
	if !q.head.IsActive() {
		q.sendHead(sink, now)
	}
	return cmd.ID
}

// OnAck completes the command in flight and sends the next one.
// It reports false for a stale acknowledgement that matches nothing.
func (q *CommandQueue) OnAck(sink FrameSink, positive bool, code int, now time.Time) bool {
	if len(q.pending) == 0 || !q.head.IsActive() {
		return false
	}
	cmd := q.pop()

	outcome := CommandAcked
	if !positive {
		outcome = CommandRejected
		q.log.Warn("command rejected by module",
			"module", q.addr.String(), "payload", string(cmd.Payload), "code", code)
	}
	q.report(CommandResult{ID: cmd.ID, Payload: cmd.Payload, Outcome: outcome, Code: code})

	if len(q.pending) > 0 {
		q.sendHead(sink, now)
	}
	return true
}

// Tick drops a head that ran out of retries, or (re)sends a head that is
// due. It reports whether a frame was sent.
func (q *CommandQueue) Tick(sink FrameSink, timeout time.Duration, now time.Time) bool {
	if len(q.pending) == 0 {
		return false
	}
	if q.head.IsFailed(timeout, now) {
		cmd := q.pop()
		q.dropped++
		q.log.Warn("dropping command, no acknowledgement",
			"module", q.addr.String(), "payload", string(cmd.Payload), "attempts", q.maxRetries)
		q.report(CommandResult{ID: cmd.ID, Payload: cmd.Payload, Outcome: CommandDropped})
		return false
	}
	if !q.head.ShouldSendNextRequest(timeout, now) {
		return false
	}
	q.sendHead(sink, now)
	return true
}

func (q *CommandQueue) sendHead(sink FrameSink, now time.Time) {
	cmd := q.pending[0]
	if err := sink.Queue(q.addr, true, cmd.Payload); err != nil {
		q.log.Warn("sending command failed",
			"module", q.addr.String(), "payload", string(cmd.Payload), "error", err)
	}
	q.head.OnRequestSent(now)
}

func (q *CommandQueue) pop() PendingCommand {
	cmd := q.pending[0]
	q.pending[0] = PendingCommand{}
	q.pending = q.pending[1:]
	q.resetHead()
	return cmd
}

func (q *CommandQueue) resetHead() {
	q.head = NewRequestStatus("command", SendOnce, q.maxRetries)
}

func (q *CommandQueue) report(res CommandResult) {
	if q.onResult != nil {
		q.onResult(res)
	}
}
