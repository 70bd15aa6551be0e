package lcn

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-lcn/internal/bridges/lcn/pck"
)

// Category is a class of status values on a module.
type Category int

// Status categories, in polling priority order.
const (
	CategoryFirmware Category = iota
	CategoryOutput
	CategoryRelays
	CategoryBinarySensors
	CategoryVariable
	CategoryLedsAndLogic
	CategoryKeyLocks
)

var categoryNames = map[Category]string{
	CategoryFirmware:      "firmware",
	CategoryOutput:        "output",
	CategoryRelays:        "relays",
	CategoryBinarySensors: "binary_sensors",
	CategoryVariable:      "variable",
	CategoryLedsAndLogic:  "leds_logic",
	CategoryKeyLocks:      "key_locks",
}

// String returns the category name used in commands and logs.
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// ParseCategory parses a category name.
func ParseCategory(s string) (Category, error) {
	for c, name := range categoryNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: category %q", pck.ErrInvalidValue, s)
}

// Target selects one status on a module. Output is used with
// CategoryOutput, Variable with CategoryVariable.
type Target struct {
	Category Category
	Output   int
	Variable pck.Variable
}

// String returns e.g. "output2" or "variable var3".
func (t Target) String() string {
	switch t.Category {
	case CategoryOutput:
		return fmt.Sprintf("output%d", t.Output)
	case CategoryVariable:
		return "variable " + t.Variable.String()
	default:
		return t.Category.String()
	}
}

// Module schedules status requests and acknowledged commands for one bus
// module. Each call to Update transmits at most one frame, picked by a
// fixed priority order.
//
// A Module is not safe for concurrent use; its Connection serialises access.
type Module struct {
	addr     pck.ModuleAddress
	settings Settings
	log      Logger

	firmware       pck.Firmware
	serial         string
	firmwareStatus *RequestStatus
	outputs        [pck.NumOutputs]*RequestStatus
	relays         *RequestStatus
	binarySensors  *RequestStatus
	ledsAndLogic   *RequestStatus
	keyLocks       *RequestStatus

	// Variable statuses exist once the firmware is known.
	variables      []pck.Variable
	variableStatus map[pck.Variable]*RequestStatus

	// awaitingTypeless is the variable whose typeless reply is outstanding,
	// or pck.NoVariable.
	awaitingTypeless pck.Variable

	cache    *VariableCache
	commands *CommandQueue
}

// NewModule creates the scheduler for addr. onResult receives the outcome
// of every acknowledged command and may be nil.
func NewModule(addr pck.ModuleAddress, settings Settings, log Logger, onResult func(CommandResult)) *Module {
	if log == nil {
		log = (*logRef)(nil)
	}
	settings = settings.withDefaults()
	fast := settings.PollIntervalFast
	retries := settings.MaxRetries

	m := &Module{
		addr:           addr,
		settings:       settings,
		log:            log,
		firmware:       pck.FirmwareUnknown,
		firmwareStatus: NewRequestStatus("firmware", SendOnce, retries),
		relays:         NewRequestStatus("relays", fast, retries),
		binarySensors:  NewRequestStatus("binary sensors", fast, retries),
		ledsAndLogic:   NewRequestStatus("leds and logic", fast, retries),
		keyLocks:       NewRequestStatus("key locks", fast, retries),
		variableStatus: make(map[pck.Variable]*RequestStatus),
		cache:          NewVariableCache(),
	}
	for i := range m.outputs {
		m.outputs[i] = NewRequestStatus(fmt.Sprintf("output %d", i+1), fast, retries)
	}
	m.commands = NewCommandQueue(addr, retries, log, onResult)
	return m
}

// Address returns the module address.
func (m *Module) Address() pck.ModuleAddress { return m.addr }

// Firmware returns the firmware version, or pck.FirmwareUnknown.
func (m *Module) Firmware() pck.Firmware { return m.firmware }

// Serial returns the reported serial number, or "".
func (m *Module) Serial() string { return m.serial }

// Variables returns the variables polled on this module.
func (m *Module) Variables() []pck.Variable {
	return append([]pck.Variable(nil), m.variables...)
}

// Value returns the cached value of v.
func (m *Module) Value(v pck.Variable) (int64, bool) { return m.cache.Get(v) }

// AwaitingTypeless returns the variable whose typeless reply is outstanding.
func (m *Module) AwaitingTypeless() pck.Variable { return m.awaitingTypeless }

// Update sends the most important due request, if any. Send errors are
// logged and still count as this tick's transmission.
func (m *Module) Update(sink FrameSink, timeout time.Duration, now time.Time) bool {
	m.abandonFailed(timeout, now)

	if m.firmwareStatus.ShouldSendNextRequest(timeout, now) {
		return m.request(sink, m.firmwareStatus, pck.RequestSerial(), now)
	}
	for i, st := range m.outputs {
		if st.ShouldSendNextRequest(timeout, now) {
			cmd, _ := pck.RequestOutputStatus(i + 1) //nolint:errcheck // index always in range
			return m.request(sink, st, cmd, now)
		}
	}
	if m.relays.ShouldSendNextRequest(timeout, now) {
		return m.request(sink, m.relays, pck.RequestRelaysStatus(), now)
	}
	if m.binarySensors.ShouldSendNextRequest(timeout, now) {
		return m.request(sink, m.binarySensors, pck.RequestBinarySensorsStatus(), now)
	}
	if m.firmware.Known() && m.updateVariables(sink, timeout, now) {
		return true
	}
	if m.ledsAndLogic.ShouldSendNextRequest(timeout, now) {
		return m.request(sink, m.ledsAndLogic, pck.RequestLedsAndLogicStatus(), now)
	}
	if m.keyLocks.ShouldSendNextRequest(timeout, now) {
		return m.request(sink, m.keyLocks, pck.RequestKeyLocksStatus(), now)
	}
	return m.commands.Tick(sink, timeout, now)
}

func (m *Module) updateVariables(sink FrameSink, timeout time.Duration, now time.Time) bool {
	if m.awaitingTypeless != pck.NoVariable {
		if st := m.variableStatus[m.awaitingTypeless]; st == nil || !st.IsActive() {
			m.awaitingTypeless = pck.NoVariable
		}
	}

	for _, v := range m.variables {
		typeless := !v.HasTypeInResponse(m.firmware)
		if typeless && m.awaitingTypeless != pck.NoVariable && m.awaitingTypeless != v {
			continue
		}
		st := m.variableStatus[v]
		if !st.ShouldSendNextRequest(timeout, now) {
			continue
		}
		cmd, err := pck.RequestVariableStatus(v, m.firmware)
		if err != nil {
			m.log.Debug("skipping variable request", "module", m.addr.String(), "variable", v.String(), "error", err)
			continue
		}
		if typeless {
			m.awaitingTypeless = v
		}
		return m.request(sink, st, cmd, now)
	}
	return false
}

// abandonFailed gives up on every request that ran out of retries.
func (m *Module) abandonFailed(timeout time.Duration, now time.Time) {
	m.eachStatus(func(st *RequestStatus) {
		if !st.IsFailed(timeout, now) {
			return
		}
		m.log.Warn("status request unanswered, giving up",
			"module", m.addr.String(), "category", st.Label(), "attempts", st.RetriesMax())
		st.Abandon()
	})
}

func (m *Module) eachStatus(fn func(*RequestStatus)) {
	fn(m.firmwareStatus)
	for _, st := range m.outputs {
		fn(st)
	}
	fn(m.relays)
	fn(m.binarySensors)
	for _, v := range m.variables {
		fn(m.variableStatus[v])
	}
	fn(m.ledsAndLogic)
	fn(m.keyLocks)
}

func (m *Module) request(sink FrameSink, st *RequestStatus, cmd string, now time.Time) bool {
	if err := sink.Queue(m.addr, false, []byte(cmd)); err != nil {
		m.log.Warn("status request failed",
			"module", m.addr.String(), "category", st.Label(), "error", err)
	}
	st.OnRequestSent(now)
	return true
}

// setFirmware records the firmware and rebuilds the variable statuses for it.
func (m *Module) setFirmware(fw pck.Firmware) {
	if fw == m.firmware {
		return
	}
	m.firmware = fw
	m.awaitingTypeless = pck.NoVariable
	m.variables = pck.VariablesFor(fw)
	m.variableStatus = make(map[pck.Variable]*RequestStatus, len(m.variables))
	for _, v := range m.variables {
		maxAge := m.settings.PollIntervalFast
		if v.IsEventBased(fw) {
			maxAge = m.settings.PollIntervalSlow
		}
		m.variableStatus[v] = NewRequestStatus("variable "+v.String(), maxAge, m.settings.MaxRetries)
	}
}

// OnFirmwareReceived handles the serial number reply.
func (m *Module) OnFirmwareReceived(fw pck.Firmware, serial string, now time.Time) {
	m.firmwareStatus.OnResponseReceived(now)
	m.serial = serial
	m.setFirmware(fw)
}

// OnOutputResponseReceived handles the level of output n (1-based).
func (m *Module) OnOutputResponseReceived(n int, now time.Time) {
	if n < 1 || n > len(m.outputs) {
		return
	}
	m.outputs[n-1].OnResponseReceived(now)
}

// OnRelayResponseReceived handles the relay bank status.
func (m *Module) OnRelayResponseReceived(now time.Time) {
	m.relays.OnResponseReceived(now)
}

// OnBinarySensorResponseReceived handles the binary sensor bank status.
func (m *Module) OnBinarySensorResponseReceived(now time.Time) {
	m.binarySensors.OnResponseReceived(now)
}

// OnLedsAndLogicResponseReceived handles the LED and logic status.
func (m *Module) OnLedsAndLogicResponseReceived(now time.Time) {
	m.ledsAndLogic.OnResponseReceived(now)
}

// OnKeyLocksResponseReceived handles the key lock status.
func (m *Module) OnKeyLocksResponseReceived(now time.Time) {
	m.keyLocks.OnResponseReceived(now)
}

// OnVariableResponseReceived handles a typed variable value. Unsolicited
// values from event-based variables take the same path.
func (m *Module) OnVariableResponseReceived(v pck.Variable, value int64, now time.Time) {
	m.cache.Set(v, value)
	if st, ok := m.variableStatus[v]; ok {
		st.OnResponseReceived(now)
	}
	if m.awaitingTypeless == v {
		m.awaitingTypeless = pck.NoVariable
	}
}

// OnTypelessVariableResponse attributes a typeless value to the variable
// that was requested. It reports false if no typeless request is
// outstanding, in which case the value is discarded.
func (m *Module) OnTypelessVariableResponse(value int64, now time.Time) (pck.Variable, bool) {
	v := m.awaitingTypeless
	if v == pck.NoVariable {
		return pck.NoVariable, false
	}
	m.OnVariableResponseReceived(v, value, now)
	return v, true
}

// OnAck handles a bus acknowledgement for the command in flight.
func (m *Module) OnAck(sink FrameSink, positive bool, code int, now time.Time) bool {
	return m.commands.OnAck(sink, positive, code, now)
}

// QueueCommandWithAck queues a command that the module must acknowledge.
// It returns the command ID.
func (m *Module) QueueCommandWithAck(sink FrameSink, cmd PendingCommand, now time.Time) string {
	return m.commands.Enqueue(sink, cmd, now)
}

// PendingCommands returns the number of queued acknowledged commands.
func (m *Module) PendingCommands() int { return m.commands.Len() }

// DroppedCommands counts commands that were never acknowledged.
func (m *Module) DroppedCommands() uint64 { return m.commands.Dropped() }

// FailedRequests counts abandoned status requests across all categories.
func (m *Module) FailedRequests() uint64 {
	var n uint64
	m.eachStatus(func(st *RequestStatus) { n += st.Failures() })
	return n
}

func (m *Module) statusFor(t Target) (*RequestStatus, error) {
	switch t.Category {
	case CategoryFirmware:
		return m.firmwareStatus, nil
	case CategoryOutput:
		if t.Output < 1 || t.Output > len(m.outputs) {
			return nil, fmt.Errorf("%w: output %d", pck.ErrInvalidValue, t.Output)
		}
		return m.outputs[t.Output-1], nil
	case CategoryRelays:
		return m.relays, nil
	case CategoryBinarySensors:
		return m.binarySensors, nil
	case CategoryVariable:
		st, ok := m.variableStatus[t.Variable]
		if !ok {
			return nil, fmt.Errorf("%w: %s on %s (firmware %s)", ErrUnknownVariable, t.Variable, m.addr, m.firmware)
		}
		return st, nil
	case CategoryLedsAndLogic:
		return m.ledsAndLogic, nil
	case CategoryKeyLocks:
		return m.keyLocks, nil
	}
	return nil, fmt.Errorf("%w: %s", pck.ErrInvalidValue, t.Category)
}

// Refresh makes the target due on the next update.
func (m *Module) Refresh(t Target) error {
	st, err := m.statusFor(t)
	if err != nil {
		return err
	}
	st.Refresh()
	return nil
}

// RefreshOutput re-reads output n (1-based).
func (m *Module) RefreshOutput(n int) error {
	return m.Refresh(Target{Category: CategoryOutput, Output: n})
}

// RefreshRelays re-reads the relay bank.
func (m *Module) RefreshRelays() { m.relays.Refresh() }

// RefreshBinarySensors re-reads the binary sensors.
func (m *Module) RefreshBinarySensors() { m.binarySensors.Refresh() }

// RefreshVariable re-reads v. It fails until the firmware is known.
func (m *Module) RefreshVariable(v pck.Variable) error {
	return m.Refresh(Target{Category: CategoryVariable, Variable: v})
}

// RefreshLedsAndLogic re-reads LEDs and logic operations.
func (m *Module) RefreshLedsAndLogic() { m.ledsAndLogic.Refresh() }

// RefreshKeyLocks re-reads the key lock tables.
func (m *Module) RefreshKeyLocks() { m.keyLocks.Refresh() }

// RefreshAll makes every polled category due.
func (m *Module) RefreshAll() {
	m.eachStatus(func(st *RequestStatus) {
		if st.MaxAge() != SendOnce {
			st.Refresh()
		}
	})
}

// ScheduleRefresh re-reads t delay after now.
func (m *Module) ScheduleRefresh(t Target, delay time.Duration, now time.Time) error {
	st, err := m.statusFor(t)
	if err != nil {
		return err
	}
	st.NextRequestIn(delay, now)
	return nil
}

// VariableDelta returns the change that brings v to target.
func (m *Module) VariableDelta(v pck.Variable, target int64) (int64, error) {
	current, ok := m.cache.Get(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s on %s", ErrValueUnknown, v, m.addr)
	}
	return target - current, nil
}
