package lcn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-lcn/internal/bridges/lcn/pck"
)

// Listener receives connection events. Calls are made outside the
// connection lock, one at a time and in the order the events happened, so
// a listener may call back into the Connection.
type Listener interface {
	// OnOnline is called when the bus becomes usable.
	OnOnline(gateway string)

	// OnOffline is called when the bus stops being usable.
	OnOffline(gateway, reason string)

	// OnStatus delivers a decoded status line from a registered module.
	// Typeless variable replies arrive already resolved as pck.VariableStatus.
	OnStatus(gateway string, msg pck.Message)

	// OnCommandResult reports the end of an acknowledged command.
	OnCommandResult(gateway string, addr pck.ModuleAddress, res CommandResult)
}

// ConnectionConfig configures one gateway connection.
type ConnectionConfig struct {
	// ID names the gateway in logs, topics and the registry.
	ID string

	// URL is "tcp://host:port" or "serial:///dev/ttyUSB0?baud=9600".
	URL string

	// Username and Password answer the PCHK login prompts. With an empty
	// Username the login steps are skipped.
	Username string
	Password string

	Settings Settings

	// ReconnectInterval is the first delay between connection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// Dialer opens the transport. Default: DialTransport.
	Dialer Dialer
}

// ConnectionStats holds operational statistics.
type ConnectionStats struct {
	State          string
	Online         bool
	FramesTx       uint64
	LinesRx        uint64
	LinesIgnored   uint64 // unparseable or from unknown modules
	OfflineDropped uint64 // frames dropped because the offline buffer was full
	Reconnects     uint64
	Modules        int
}

// ModuleStats is a snapshot of one module's scheduler.
type ModuleStats struct {
	Address         pck.ModuleAddress
	Firmware        pck.Firmware
	Serial          string
	PendingCommands int
	DroppedCommands uint64
	FailedRequests  uint64
}

// Command is a module command issued through a Connection.
type Command struct {
	// ID correlates the CommandResult. Generated when empty.
	ID string

	// Payload is the PCK command without the address header.
	Payload string

	// WantsAck queues the command for acknowledgement and retries.
	WantsAck bool

	// Refresh lists statuses to re-read shortly after the command.
	Refresh []Target
}

type linkState int

const (
	linkUnknown linkState = iota
	linkOnline
	linkOffline
)

// Connection runs one gateway link: it dials, logs in, waits for the bus,
// routes inbound lines to module schedulers and forwards their frames.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - One mutex guards the state, the module map and the write path.
//   - Listener calls are queued under the mutex and delivered after it is
//     released.
//
// Lifecycle:
//   - Run dials and reconnects with exponential backoff until the context
//     ends, Close is called, or the gateway reports insufficient licences.
//   - Tick drives the module schedulers and only acts while the bus is up.
type Connection struct {
	cfg      ConnectionConfig
	dial     Dialer
	listener Listener
	log      *logRef

	mu            sync.Mutex
	state         state
	transport     Transport
	modules       map[pck.ModuleAddress]*Module
	order         []pck.ModuleAddress
	offline       [][]byte
	link          linkState
	reachedActive bool
	fatal         error
	stopTimer     func() bool
	timerGen      uint64
	pending       []func()

	notifyMu sync.Mutex

	// Clock hooks, replaced in tests.
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	done *closeOnce

	framesTx       atomic.Uint64
	linesRx        atomic.Uint64
	linesIgnored   atomic.Uint64
	offlineDropped atomic.Uint64
	reconnects     atomic.Uint64
}

// NewConnection creates a connection in the connecting state. It does not
// dial until Run is called. A nil listener discards events.
func NewConnection(cfg ConnectionConfig, listener Listener) (*Connection, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: gateway id is required", ErrInvalidSettings)
	}
	if _, err := parseConnectionURL(cfg.URL); err != nil && cfg.Dialer == nil {
		return nil, fmt.Errorf("%w: gateway %s: %w", ErrInvalidSettings, cfg.ID, err)
	}
	cfg.Settings = cfg.Settings.withDefaults()
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if listener == nil {
		listener = nopListener{}
	}

	dial := cfg.Dialer
	if dial == nil {
		dial = DialTransport
	}

	c := &Connection{
		cfg:      cfg,
		dial:     dial,
		listener: listener,
		log:      &logRef{},
		modules:  make(map[pck.ModuleAddress]*Module),
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		done: newCloseOnce(),
	}
	c.state = connectingState{}
	return c, nil
}

// ID returns the gateway ID.
func (c *Connection) ID() string { return c.cfg.ID }

// Settings returns the timing settings in use.
func (c *Connection) Settings() Settings { return c.cfg.Settings }

// SetLogger sets the logger for this connection and its modules.
func (c *Connection) SetLogger(logger Logger) {
	c.log.set(logger)
}

// Run connects and keeps the connection up until ctx is done or Close is
// called, in which case it returns nil. It returns ErrInsufficientLicenses
// if the gateway refuses the connection for lack of licences.
func (c *Connection) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	backoff := c.cfg.ReconnectInterval
	for {
		reached, err := c.runOnce(ctx)
		if errors.Is(err, ErrInsufficientLicenses) {
			return err
		}
		if c.isClosed() {
			return nil
		}
		if reached {
			backoff = c.cfg.ReconnectInterval
		}

		c.log.Info("reconnecting to gateway", "gateway", c.cfg.ID, "backoff", backoff.String(), "error", err)
		select {
		case <-c.done.Done():
			return nil
		case <-time.After(backoff):
		}
		c.reconnects.Add(1)

		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > maxReconnectInterval {
			backoff = maxReconnectInterval
		}
	}
}

// runOnce dials, runs the read loop until the link drops, and reports
// whether the bus was reached.
func (c *Connection) runOnce(ctx context.Context) (bool, error) {
	var closed bool
	c.do(func() {
		if _, ok := c.state.(shutdownState); ok {
			closed = true
			return
		}
		c.reachedActive = false
		c.setStateLocked(connectingState{})
	})
	if closed {
		return false, ErrShutdown
	}

	t, err := c.dial(ctx, c.cfg.URL, c.cfg.Settings.ConnectionTimeout)
	if err != nil {
		c.do(func() {
			c.failLocked("connect failed: " + err.Error())
		})
		return false, err
	}

	c.do(func() {
		if _, ok := c.state.(shutdownState); ok {
			closed = true
			return
		}
		c.transport = t
		c.log.Info("connected to gateway", "gateway", c.cfg.ID, "url", c.cfg.URL)
		c.setStateLocked(newHandshakeState(c.cfg))
	})
	if closed {
		_ = t.Close()
		return false, ErrShutdown
	}

	for {
		line, err := t.ReadLine()
		if err != nil {
			c.OnConnectionLost(err)
			break
		}
		c.OnLineReceived(line)
	}

	c.mu.Lock()
	reached, fatal := c.reachedActive, c.fatal
	c.mu.Unlock()
	if fatal != nil {
		return reached, fatal
	}
	return reached, ErrConnectionFailed
}

// Close shuts the connection down for good. Buffered frames are discarded.
func (c *Connection) Close() error {
	c.done.Close()
	c.do(func() {
		if _, ok := c.state.(shutdownState); ok {
			return
		}
		c.offline = nil
		c.closeTransportLocked()
		c.reportOfflineLocked("connection closed")
		c.setStateLocked(shutdownState{})
	})
	return nil
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Queue sends a module command, or buffers it while the bus is not ready.
func (c *Connection) Queue(addr pck.ModuleAddress, wantsAck bool, data []byte) error {
	var err error
	c.do(func() {
		err = c.state.queue(c, addr, wantsAck, data)
	})
	return err
}

// Send writes a raw line to the gateway, bypassing the state.
func (c *Connection) Send(data []byte) error {
	var err error
	c.do(func() {
		err = c.writeLocked(data)
	})
	return err
}

// OnLineReceived feeds one inbound line to the current state.
func (c *Connection) OnLineReceived(line string) {
	c.linesRx.Add(1)
	c.do(func() {
		c.state.onLine(c, line)
	})
}

// OnConnectionLost reports a transport failure. The connection goes
// offline and Run reconnects.
func (c *Connection) OnConnectionLost(err error) {
	c.do(func() {
		switch c.state.(type) {
		case shutdownState, failedState:
			return
		}
		c.failLocked("connection lost: " + err.Error())
	})
}

// Tick gives every module one chance to transmit. It does nothing unless
// the bus is up.
func (c *Connection) Tick(now time.Time) {
	c.do(func() {
		if _, ok := c.state.(activeState); !ok {
			return
		}
		sink := lockedSink{c}
		for _, addr := range c.order {
			c.modules[addr].Update(sink, c.cfg.Settings.RequestTimeout, now)
		}
	})
}

// State returns the name of the current state.
func (c *Connection) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.name()
}

// IsOnline reports whether the bus is usable.
func (c *Connection) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link == linkOnline
}

// Stats returns current operational statistics.
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	state, online, modules := c.state.name(), c.link == linkOnline, len(c.modules)
	c.mu.Unlock()

	return ConnectionStats{
		State:          state,
		Online:         online,
		FramesTx:       c.framesTx.Load(),
		LinesRx:        c.linesRx.Load(),
		LinesIgnored:   c.linesIgnored.Load(),
		OfflineDropped: c.offlineDropped.Load(),
		Reconnects:     c.reconnects.Load(),
		Modules:        modules,
	}
}

// AddModule registers a module for scheduling.
func (c *Connection) AddModule(addr pck.ModuleAddress) error {
	if err := addr.Validate(); err != nil {
		return err
	}
	var err error
	c.do(func() {
		if _, ok := c.modules[addr]; ok {
			err = fmt.Errorf("%w: %s on %s", ErrDuplicateModule, addr, c.cfg.ID)
			return
		}
		c.modules[addr] = NewModule(addr, c.cfg.Settings, c.log, func(res CommandResult) {
			c.notify(func() { c.listener.OnCommandResult(c.cfg.ID, addr, res) })
		})
		i, _ := slices.BinarySearchFunc(c.order, addr, compareAddress)
		c.order = slices.Insert(c.order, i, addr)
	})
	return err
}

// RemoveModule stops scheduling a module. Its queued commands are discarded.
func (c *Connection) RemoveModule(addr pck.ModuleAddress) error {
	var err error
	c.do(func() {
		if _, ok := c.modules[addr]; !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownModule, addr)
			return
		}
		delete(c.modules, addr)
		if i, found := slices.BinarySearchFunc(c.order, addr, compareAddress); found {
			c.order = slices.Delete(c.order, i, i+1)
		}
	})
	return err
}

// Modules returns a snapshot of every registered module, in address order.
func (c *Connection) Modules() []ModuleStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ModuleStats, 0, len(c.order))
	for _, addr := range c.order {
		m := c.modules[addr]
		out = append(out, ModuleStats{
			Address:         addr,
			Firmware:        m.Firmware(),
			Serial:          m.Serial(),
			PendingCommands: m.PendingCommands(),
			DroppedCommands: m.DroppedCommands(),
			FailedRequests:  m.FailedRequests(),
		})
	}
	return out
}

func (c *Connection) withModule(addr pck.ModuleAddress, fn func(m *Module) error) error {
	var err error
	c.do(func() {
		m, ok := c.modules[addr]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownModule, addr)
			return
		}
		err = fn(m)
	})
	return err
}

// Refresh makes one status of a module due on the next tick.
func (c *Connection) Refresh(addr pck.ModuleAddress, t Target) error {
	return c.withModule(addr, func(m *Module) error { return m.Refresh(t) })
}

// RefreshOutput re-reads output n of a module.
func (c *Connection) RefreshOutput(addr pck.ModuleAddress, n int) error {
	return c.withModule(addr, func(m *Module) error { return m.RefreshOutput(n) })
}

// RefreshRelays re-reads the relays of a module.
func (c *Connection) RefreshRelays(addr pck.ModuleAddress) error {
	return c.withModule(addr, func(m *Module) error { m.RefreshRelays(); return nil })
}

// RefreshBinarySensors re-reads the binary sensors of a module.
func (c *Connection) RefreshBinarySensors(addr pck.ModuleAddress) error {
	return c.withModule(addr, func(m *Module) error { m.RefreshBinarySensors(); return nil })
}

// RefreshVariable re-reads a variable of a module.
func (c *Connection) RefreshVariable(addr pck.ModuleAddress, v pck.Variable) error {
	return c.withModule(addr, func(m *Module) error { return m.RefreshVariable(v) })
}

// RefreshLedsAndLogic re-reads the LEDs and logic operations of a module.
func (c *Connection) RefreshLedsAndLogic(addr pck.ModuleAddress) error {
	return c.withModule(addr, func(m *Module) error { m.RefreshLedsAndLogic(); return nil })
}

// RefreshKeyLocks re-reads the key locks of a module.
func (c *Connection) RefreshKeyLocks(addr pck.ModuleAddress) error {
	return c.withModule(addr, func(m *Module) error { m.RefreshKeyLocks(); return nil })
}

// RefreshAll re-reads every polled status of a module.
func (c *Connection) RefreshAll(addr pck.ModuleAddress) error {
	return c.withModule(addr, func(m *Module) error { m.RefreshAll(); return nil })
}

// SendCommand issues a module command and schedules the re-reads it asks
// for. It returns the command ID; results of acknowledged commands arrive
// through Listener.OnCommandResult.
func (c *Connection) SendCommand(addr pck.ModuleAddress, cmd Command) (string, error) {
	var id string
	err := c.withModule(addr, func(m *Module) error {
		var err error
		id, err = c.sendCommandLocked(m, cmd)
		return err
	})
	return id, err
}

func (c *Connection) sendCommandLocked(m *Module, cmd Command) (string, error) {
	now := c.now()
	for _, t := range cmd.Refresh {
		if _, err := m.statusFor(t); err != nil {
			return "", err
		}
	}

	sink := lockedSink{c}
	id := cmd.ID
	if cmd.WantsAck {
		id = m.QueueCommandWithAck(sink, PendingCommand{ID: cmd.ID, Payload: []byte(cmd.Payload)}, now)
	} else if err := c.state.queue(c, m.Address(), false, []byte(cmd.Payload)); err != nil {
		return "", err
	}

	for _, t := range cmd.Refresh {
		_ = m.ScheduleRefresh(t, statusRequestDelayAfterCommand, now) //nolint:errcheck // checked above
	}
	return id, nil
}

// SetVariable moves v on a module to value with a relative change, which
// needs the current value to be known.
func (c *Connection) SetVariable(addr pck.ModuleAddress, v pck.Variable, value int64, id string) (string, error) {
	var out string
	err := c.withModule(addr, func(m *Module) error {
		delta, err := m.VariableDelta(v, value)
		if err != nil {
			return err
		}
		payload, err := pck.ChangeVariableRelative(v, delta, m.Firmware())
		if err != nil {
			return err
		}
		out, err = c.sendCommandLocked(m, Command{
			ID:       id,
			Payload:  payload,
			WantsAck: true,
			Refresh:  []Target{{Category: CategoryVariable, Variable: v}},
		})
		return err
	})
	return out, err
}

// do runs fn under the lock and then delivers queued notifications.
func (c *Connection) do(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
	c.flush()
}

// notify queues a listener call. Must hold mu.
func (c *Connection) notify(fn func()) {
	c.pending = append(c.pending, fn)
}

// flush delivers queued listener calls in order. If another goroutine is
// already delivering, it picks up the new entries; a listener calling back
// into the connection ends up here with notifyMu held and returns at once.
func (c *Connection) flush() {
	for {
		if !c.notifyMu.TryLock() {
			return
		}
		for {
			c.mu.Lock()
			batch := c.pending
			c.pending = nil
			c.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
		c.notifyMu.Unlock()

		c.mu.Lock()
		empty := len(c.pending) == 0
		c.mu.Unlock()
		if empty {
			return
		}
	}
}

func (c *Connection) setStateLocked(s state) {
	c.cancelTimerLocked()
	if c.state != nil && c.state.name() != s.name() {
		c.log.Debug("gateway state change", "gateway", c.cfg.ID, "from", c.state.name(), "to", s.name())
	}
	c.state = s
	s.enter(c)
}

// armTimerLocked runs fn under the lock after d unless the timer is
// cancelled or replaced first.
func (c *Connection) armTimerLocked(d time.Duration, fn func()) {
	c.cancelTimerLocked()
	gen := c.timerGen
	c.stopTimer = c.afterFunc(d, func() {
		c.do(func() {
			if gen != c.timerGen {
				return
			}
			c.stopTimer = nil
			fn()
		})
	})
}

func (c *Connection) cancelTimerLocked() {
	c.timerGen++
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
}

func (c *Connection) reportOnlineLocked() {
	if c.link == linkOnline {
		return
	}
	c.link = linkOnline
	c.log.Info("gateway online", "gateway", c.cfg.ID)
	c.notify(func() { c.listener.OnOnline(c.cfg.ID) })
}

func (c *Connection) reportOfflineLocked(reason string) {
	if c.link == linkOffline {
		return
	}
	c.link = linkOffline
	c.log.Warn("gateway offline", "gateway", c.cfg.ID, "reason", reason)
	c.notify(func() { c.listener.OnOffline(c.cfg.ID, reason) })
}

// failLocked drops the link and waits for Run to reconnect.
func (c *Connection) failLocked(reason string) {
	if _, ok := c.state.(shutdownState); ok {
		return
	}
	c.reportOfflineLocked(reason)
	c.closeTransportLocked()
	c.setStateLocked(failedState{reason: reason})
}

// fatalLocked drops the link for good.
func (c *Connection) fatalLocked(err error) {
	c.log.Error("gateway refused connection", "gateway", c.cfg.ID, "error", err)
	c.fatal = err
	c.offline = nil
	c.reportOfflineLocked(err.Error())
	c.closeTransportLocked()
	c.setStateLocked(failedState{reason: err.Error()})
}

func (c *Connection) closeTransportLocked() {
	if c.transport == nil {
		return
	}
	if err := c.transport.Close(); err != nil {
		c.log.Debug("closing transport", "gateway", c.cfg.ID, "error", err)
	}
	c.transport = nil
}

func (c *Connection) writeLocked(line []byte) error {
	if c.transport == nil {
		return ErrNotConnected
	}
	if err := c.transport.Write(line); err != nil {
		return fmt.Errorf("%w: write: %w", ErrConnectionFailed, err)
	}
	c.framesTx.Add(1)
	return nil
}

// bufferLocked holds a frame until the bus is up.
func (c *Connection) bufferLocked(frame []byte) {
	if len(c.offline) >= maxOfflineFrames {
		c.offlineDropped.Add(1)
		c.log.Debug("offline buffer full, dropping frame", "gateway", c.cfg.ID, "frame", string(frame))
		return
	}
	c.offline = append(c.offline, frame)
}

// flushOfflineLocked sends every buffered frame.
func (c *Connection) flushOfflineLocked() {
	frames := c.offline
	c.offline = nil
	for _, f := range frames {
		if err := c.writeLocked(f); err != nil {
			c.log.Warn("sending buffered frame failed", "gateway", c.cfg.ID, "error", err)
			return
		}
	}
}

// lockedSink lets modules queue frames while the connection lock is held.
type lockedSink struct{ c *Connection }

func (s lockedSink) Queue(addr pck.ModuleAddress, wantsAck bool, data []byte) error {
	return s.c.state.queue(s.c, addr, wantsAck, data)
}

func compareAddress(a, b pck.ModuleAddress) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

type nopListener struct{}

func (nopListener) OnOnline(string) {}

func (nopListener) OnOffline(string, string) {}

func (nopListener) OnStatus(string, pck.Message) {}

func (nopListener) OnCommandResult(string, pck.ModuleAddress, CommandResult) {}

// Ensure Connection implements FrameSink.
var _ FrameSink = (*Connection)(nil)
