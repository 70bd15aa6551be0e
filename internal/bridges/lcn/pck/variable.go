package pck

import "fmt"

// Firmware is a module firmware date code as reported in the serial number
// reply, e.g. 0x170206.
type Firmware int

// FirmwareUnknown is the firmware of a module that has not answered yet.
const FirmwareUnknown Firmware = -1

// Firmware2013 is the first firmware generation with 12 variables, typed
// variable replies and event-based variable updates.
const Firmware2013 Firmware = 0x170206

// Known reports whether the firmware version has been received.
func (f Firmware) Known() bool { return f >= 0 }

// String returns the hex date code, or "unknown".
func (f Firmware) String() string {
	if !f.Known() {
		return "unknown"
	}
	return fmt.Sprintf("%06X", int(f))
}

// VariableKind is a family of numeric values held by a module.
type VariableKind uint8

// Variable kinds.
const (
	KindNone VariableKind = iota
	KindVariable
	KindSetpoint
	KindS0Counter
)

// String returns the kind name used in topics and logs.
func (k VariableKind) String() string {
	switch k {
	case KindVariable:
		return "var"
	case KindSetpoint:
		return "setpoint"
	case KindS0Counter:
		return "s0"
	default:
		return "none"
	}
}

// Variable identifies a numeric value on a module. Number is 1-based.
type Variable struct {
	Kind   VariableKind
	Number int
}

// NoVariable is the zero Variable, used where no variable is selected.
var NoVariable = Variable{}

// String returns e.g. "var3" or "setpoint1".
func (v Variable) String() string {
	if v == NoVariable {
		return "none"
	}
	return fmt.Sprintf("%s%d", v.Kind, v.Number)
}

// ParseVariable parses the notation produced by Variable.String.
func ParseVariable(s string) (Variable, error) {
	for _, k := range []VariableKind{KindVariable, KindSetpoint, KindS0Counter} {
		var n int
		if _, err := fmt.Sscanf(s, k.String()+"%d", &n); err == nil && n > 0 {
			return Variable{Kind: k, Number: n}, nil
		}
	}
	return NoVariable, fmt.Errorf("%w: variable %q", ErrInvalidValue, s)
}

// HasTypeInResponse reports whether the module's status reply for v
// identifies the variable. Older firmware answers with a bare value.
func (v Variable) HasTypeInResponse(fw Firmware) bool {
	return fw >= Firmware2013
}

// IsEventBased reports whether the module pushes changes of v unsolicited.
func (v Variable) IsEventBased(fw Firmware) bool {
	if fw < Firmware2013 {
		return false
	}
	return v.Kind == KindVariable || v.Kind == KindSetpoint
}

// VariablesFor returns the variables a module with firmware fw exposes,
// in polling order. It returns nil for unknown firmware.
func VariablesFor(fw Firmware) []Variable {
	if !fw.Known() {
		return nil
	}
	counts := map[VariableKind]int{KindVariable: 3, KindSetpoint: 2}
	if fw >= Firmware2013 {
		counts = map[VariableKind]int{KindVariable: 12, KindSetpoint: 2, KindS0Counter: 4}
	}

	var vars []Variable
	for _, k := range []VariableKind{KindVariable, KindSetpoint, KindS0Counter} {
		for n := 1; n <= counts[k]; n++ {
			vars = append(vars, Variable{Kind: k, Number: n})
		}
	}
	return vars
}
