package lcn

import (
	"strings"

	"github.com/nerrad567/gray-logic-lcn/internal/bridges/lcn/pck"
)

// state is one stage of the connection lifecycle. Exactly one state is
// current; every method runs with the connection lock held.
type state interface {
	name() string

	// enter runs once when the state becomes current.
	enter(c *Connection)

	// queue forwards or buffers a module frame.
	queue(c *Connection, addr pck.ModuleAddress, wantsAck bool, data []byte) error

	// onLine handles one inbound line.
	onLine(c *Connection, line string)
}

// buffering holds module frames until the bus is up.
type buffering struct{}

func (buffering) queue(c *Connection, addr pck.ModuleAddress, wantsAck bool, data []byte) error {
	c.bufferLocked(pck.Frame(addr, wantsAck, string(data)))
	return nil
}

// connectingState is the state while the transport is being opened.
type connectingState struct{ buffering }

func (connectingState) name() string { return "connecting" }

func (connectingState) enter(*Connection) {}

func (connectingState) onLine(*Connection, string) {}

// failedState is entered after a connect failure, a lost link or a fatal
// gateway error. Run decides whether to reconnect.
type failedState struct {
	buffering
	reason string
}

func (failedState) name() string { return "failed" }

func (failedState) enter(*Connection) {}

func (failedState) onLine(*Connection, string) {}

// handshakeStep waits for expect and answers with reply, if any.
type handshakeStep struct {
	expect string
	reply  string
	secret bool
}

// handshakeState walks the login sequence one step at a time. Each step
// must complete within the connection timeout.
type handshakeState struct {
	buffering
	steps []handshakeStep
	step  int
}

func newHandshakeState(cfg ConnectionConfig) handshakeState {
	if cfg.Username == "" {
		return handshakeState{}
	}
	return handshakeState{steps: []handshakeStep{
		{expect: pck.UsernamePrompt, reply: cfg.Username},
		{expect: pck.PasswordPrompt, reply: cfg.Password, secret: true},
		{expect: pck.AuthOK},
	}}
}

func (handshakeState) name() string { return "handshake" }

func (s handshakeState) enter(c *Connection) {
	if s.step >= len(s.steps) {
		if err := c.writeLocked([]byte(pck.ModeDecimal)); err != nil {
			c.failLocked("setting gateway mode: " + err.Error())
			return
		}
		c.setStateLocked(waitForBusState{fallback: true})
		return
	}
	c.armTimerLocked(c.cfg.Settings.ConnectionTimeout, func() {
		c.failLocked(ErrHandshakeTimeout.Error())
	})
}

func (s handshakeState) onLine(c *Connection, line string) {
	line = strings.TrimSpace(line)
	switch line {
	case pck.InsufficientLicenses:
		c.fatalLocked(ErrInsufficientLicenses)
		return
	case pck.AuthFailed:
		c.failLocked(ErrAuthFailed.Error())
		return
	}

	step := s.steps[s.step]
	if line != step.expect {
		c.log.Debug("ignoring line during handshake", "gateway", c.cfg.ID, "line", line)
		return
	}
	if step.reply != "" {
		if err := c.writeLocked([]byte(step.reply)); err != nil {
			c.failLocked("handshake: " + err.Error())
			return
		}
		if !step.secret {
			c.log.Debug("handshake step sent", "gateway", c.cfg.ID, "prompt", step.expect)
		}
	}
	s.step++
	c.setStateLocked(s)
}

// waitForBusState waits for the gateway to report the bus link. Old
// gateways never report it, so with fallback set the bus is assumed up
// after the connection timeout. The assumption is best effort: nothing
// confirms it.
type waitForBusState struct {
	buffering
	fallback bool
}

func (waitForBusState) name() string { return "wait_for_bus" }

func (s waitForBusState) enter(c *Connection) {
	if !s.fallback {
		return
	}
	c.armTimerLocked(c.cfg.Settings.ConnectionTimeout, func() {
		c.log.Info("no bus state from gateway, assuming connected", "gateway", c.cfg.ID)
		c.setStateLocked(activeState{})
	})
}

func (waitForBusState) onLine(c *Connection, line string) {
	switch strings.TrimSpace(line) {
	case pck.BusConnected:
		c.setStateLocked(activeState{})
	case pck.BusDisconnected:
		c.reportOfflineLocked("bus disconnected")
		c.setStateLocked(waitForBusState{})
	case pck.InsufficientLicenses:
		c.fatalLocked(ErrInsufficientLicenses)
	default:
		c.log.Debug("ignoring line while waiting for bus", "gateway", c.cfg.ID, "line", line)
	}
}

// activeState is normal operation: frames go straight to the transport
// and status lines are routed to their modules.
type activeState struct{}

func (activeState) name() string { return "active" }

func (activeState) enter(c *Connection) {
	c.reachedActive = true
	c.reportOnlineLocked()
	c.flushOfflineLocked()
}

func (activeState) queue(c *Connection, addr pck.ModuleAddress, wantsAck bool, data []byte) error {
	return c.writeLocked(pck.Frame(addr, wantsAck, string(data)))
}

func (activeState) onLine(c *Connection, line string) {
	switch strings.TrimSpace(line) {
	case pck.BusConnected:
		return
	case pck.BusDisconnected:
		c.reportOfflineLocked("bus disconnected")
		c.setStateLocked(waitForBusState{})
		return
	case pck.InsufficientLicenses:
		c.fatalLocked(ErrInsufficientLicenses)
		return
	}
	c.routeLocked(line)
}

// shutdownState is terminal.
type shutdownState struct{}

func (shutdownState) name() string { return "shutdown" }

func (shutdownState) enter(c *Connection) {
	c.offline = nil
}

func (shutdownState) queue(*Connection, pck.ModuleAddress, bool, []byte) error {
	return ErrShutdown
}

func (shutdownState) onLine(*Connection, string) {}

// routeLocked decodes a module line and hands it to its scheduler.
func (c *Connection) routeLocked(line string) {
	msg, err := pck.Parse(line)
	if err != nil {
		c.linesIgnored.Add(1)
		c.log.Debug("ignoring line", "gateway", c.cfg.ID, "line", line)
		return
	}
	m, ok := c.modules[msg.Address()]
	if !ok {
		c.linesIgnored.Add(1)
		c.log.Debug("line from unknown module", "gateway", c.cfg.ID, "module", msg.Address().String())
		return
	}

	now := c.now()
	switch v := msg.(type) {
	case pck.Ack:
		if !m.OnAck(lockedSink{c}, v.Positive(), v.Code, now) {
			c.log.Debug("stale acknowledgement", "gateway", c.cfg.ID, "module", m.Address().String())
		}
		return
	case pck.SerialNumber:
		m.OnFirmwareReceived(v.Firmware, v.Serial, now)
	case pck.OutputStatus:
		m.OnOutputResponseReceived(v.Output, now)
	case pck.RelaysStatus:
		m.OnRelayResponseReceived(now)
	case pck.BinarySensorsStatus:
		m.OnBinarySensorResponseReceived(now)
	case pck.VariableStatus:
		m.OnVariableResponseReceived(v.Variable, v.Value, now)
	case pck.TypelessVariableStatus:
		resolved, ok := m.OnTypelessVariableResponse(v.Value, now)
		if !ok {
			c.linesIgnored.Add(1)
			c.log.Debug("unexpected typeless variable reply", "gateway", c.cfg.ID, "module", m.Address().String())
			return
		}
		msg = pck.VariableStatus{Source: v.Source, Variable: resolved, Value: v.Value}
	case pck.LedsAndLogicStatus:
		m.OnLedsAndLogicResponseReceived(now)
	case pck.KeyLocksStatus:
		m.OnKeyLocksResponseReceived(now)
	}

	delivered := msg
	c.notify(func() { c.listener.OnStatus(c.cfg.ID, delivered) })
}
