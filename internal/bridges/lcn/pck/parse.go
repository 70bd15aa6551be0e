package pck

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Lines sent by the gateway itself rather than by a bus module.
const (
	UsernamePrompt       = "Username:"
	PasswordPrompt       = "Password:"
	AuthOK               = "OK"
	AuthFailed           = "Authentification failed."
	BusConnected         = "$io:#LCN:connected"
	BusDisconnected      = "$io:#LCN:disconnected"
	InsufficientLicenses = "$err:(license?)"
)

// Message is a decoded line originating from a bus module.
type Message interface {
	Address() ModuleAddress
}

// Source carries the sending module's address. It is embedded in every Message.
type Source struct {
	From ModuleAddress
}

// Address returns the sending module.
func (s Source) Address() ModuleAddress { return s.From }

// Ack is a bus acknowledgement. Code 0 is positive, anything else is the
// module's error code.
type Ack struct {
	Source
	Code int
}

// Positive reports whether the command was accepted.
func (a Ack) Positive() bool { return a.Code == 0 }

// SerialNumber is the reply to RequestSerial.
type SerialNumber struct {
	Source
	Serial       string
	Manufacturer string
	Firmware     Firmware
	HardwareType int
}

// OutputStatus reports the level of one output.
type OutputStatus struct {
	Source
	Output  int
	Percent float64
}

// RelaysStatus reports the relay bank; States[0] is relay 1.
type RelaysStatus struct {
	Source
	States [NumRelays]bool
}

// BinarySensorsStatus reports the binary sensor bank; States[0] is sensor 1.
type BinarySensorsStatus struct {
	Source
	States [NumBinarySensors]bool
}

// VariableStatus reports a variable value with its type tag.
type VariableStatus struct {
	Source
	Variable Variable
	Value    int64
}

// TypelessVariableStatus is a variable reply from older firmware that does
// not say which variable it answers.
type TypelessVariableStatus struct {
	Source
	Value int64
}

// LedsAndLogicStatus reports LED states (one of A, E, B, F per LED) and
// logic operation results (one of N, T, V per operation).
type LedsAndLogicStatus struct {
	Source
	LEDs  string
	Logic string
}

// KeyLocksStatus reports the lock bitmask of key tables A-D.
type KeyLocksStatus struct {
	Source
	Tables [4]uint8
}

type lineParser struct {
	pattern *regexp.Regexp
	build   func(src Source, m []string) (Message, error)
}

var lineParsers = []lineParser{
	{regexp.MustCompile(`^-M(\d{3})(\d{3})(!|\d+)$`), parseAck},
	{regexp.MustCompile(`^=M(\d{3})(\d{3})\.SN([0-9A-F]{10})([0-9A-F]{2})FW([0-9A-F]{6})HW(\d+)$`), parseSerial},
	{regexp.MustCompile(`^:M(\d{3})(\d{3})A(\d)(\d{3})$`), parseOutput},
	{regexp.MustCompile(`^:M(\d{3})(\d{3})Rx(\d{1,3})$`), parseRelays},
	{regexp.MustCompile(`^:M(\d{3})(\d{3})Bx(\d{1,3})$`), parseBinarySensors},
	{regexp.MustCompile(`^%M(\d{3})(\d{3})\.A(\d{3})(-?\d+)$`), parseTypedVariable(KindVariable)},
	{regexp.MustCompile(`^%M(\d{3})(\d{3})\.S(\d)(-?\d+)$`), parseTypedVariable(KindSetpoint)},
	{regexp.MustCompile(`^%M(\d{3})(\d{3})\.C(\d)(-?\d+)$`), parseTypedVariable(KindS0Counter)},
	{regexp.MustCompile(`^%M(\d{3})(\d{3})\.(-?\d+)$`), parseTypeless},
	{regexp.MustCompile(`^=M(\d{3})(\d{3})\.TL([AEBF]{12})([NTV]{4})$`), parseLedsAndLogic},
	{regexp.MustCompile(`^=M(\d{3})(\d{3})\.TX(\d{3})(\d{3})(\d{3})(\d{3})$`), parseKeyLocks},
}

// Parse decodes one line received from the gateway.
// It returns ErrUnrecognised for lines that are not module status or
// acknowledgement lines.
func Parse(line string) (Message, error) {
	line = strings.TrimSpace(line)
	for _, p := range lineParsers {
		m := p.pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		seg, _ := strconv.Atoi(m[1]) //nolint:errcheck // pattern guarantees digits
		mod, _ := strconv.Atoi(m[2]) //nolint:errcheck // pattern guarantees digits
		return p.build(Source{From: ModuleAddress{Segment: seg, Module: mod}}, m[3:])
	}
	return nil, fmt.Errorf("%w: %q", ErrUnrecognised, line)
}

func parseAck(src Source, m []string) (Message, error) {
	if m[0] == "!" {
		return Ack{Source: src}, nil
	}
	code, err := strconv.Atoi(m[0])
	if err != nil {
		return nil, fmt.Errorf("%w: ack code %q", ErrUnrecognised, m[0])
	}
	return Ack{Source: src, Code: code}, nil
}

func parseSerial(src Source, m []string) (Message, error) {
	fw, err := strconv.ParseInt(m[2], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: firmware %q", ErrUnrecognised, m[2])
	}
	hw, _ := strconv.Atoi(m[3]) //nolint:errcheck // pattern guarantees digits
	return SerialNumber{
		Source:       src,
		Serial:       m[0],
		Manufacturer: m[1],
		Firmware:     Firmware(fw),
		HardwareType: hw,
	}, nil
}

func parseOutput(src Source, m []string) (Message, error) {
	n, _ := strconv.Atoi(m[0])       //nolint:errcheck // pattern guarantees digits
	percent, _ := strconv.Atoi(m[1]) //nolint:errcheck // pattern guarantees digits
	if n < 1 || n > NumOutputs || percent > 100 {
		return nil, fmt.Errorf("%w: output %d level %d", ErrUnrecognised, n, percent)
	}
	return OutputStatus{Source: src, Output: n, Percent: float64(percent)}, nil
}

func parseBits(s string) ([8]bool, error) {
	var bits [8]bool
	v, err := strconv.Atoi(s)
	if err != nil || v > 255 {
		return bits, fmt.Errorf("%w: bitmask %q", ErrUnrecognised, s)
	}
	for i := range bits {
		bits[i] = v&(1<<i) != 0
	}
	return bits, nil
}

func parseRelays(src Source, m []string) (Message, error) {
	bits, err := parseBits(m[0])
	if err != nil {
		return nil, err
	}
	return RelaysStatus{Source: src, States: bits}, nil
}

func parseBinarySensors(src Source, m []string) (Message, error) {
	bits, err := parseBits(m[0])
	if err != nil {
		return nil, err
	}
	return BinarySensorsStatus{Source: src, States: bits}, nil
}

func parseTypedVariable(kind VariableKind) func(Source, []string) (Message, error) {
	return func(src Source, m []string) (Message, error) {
		n, _ := strconv.Atoi(m[0]) //nolint:errcheck // pattern guarantees digits
		value, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: %s%s value %q", ErrUnrecognised, kind, m[0], m[1])
		}
		return VariableStatus{Source: src, Variable: Variable{Kind: kind, Number: n}, Value: value}, nil
	}
}

func parseTypeless(src Source, m []string) (Message, error) {
	value, err := strconv.ParseInt(m[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: value %q", ErrUnrecognised, m[0])
	}
	return TypelessVariableStatus{Source: src, Value: value}, nil
}

func parseLedsAndLogic(src Source, m []string) (Message, error) {
	return LedsAndLogicStatus{Source: src, LEDs: m[0], Logic: m[1]}, nil
}

func parseKeyLocks(src Source, m []string) (Message, error) {
	var tables [4]uint8
	for i := range tables {
		v, _ := strconv.Atoi(m[i]) //nolint:errcheck // pattern guarantees digits
		if v > 255 {
			return nil, fmt.Errorf("%w: key table %d value %d", ErrUnrecognised, i, v)
		}
		tables[i] = uint8(v)
	}
	return KeyLocksStatus{Source: src, Tables: tables}, nil
}
