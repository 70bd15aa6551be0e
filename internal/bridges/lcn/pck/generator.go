package pck

import (
	"fmt"
	"math"
	"strings"
)

// Module resources addressed by the generator.
const (
	// NumOutputs is the number of dimmer outputs on a module.
	NumOutputs = 4

	// NumRelays is the number of relays on a module.
	NumRelays = 8

	// NumBinarySensors is the number of binary sensor inputs on a module.
	NumBinarySensors = 8

	// maxRampCode bounds the ramp argument of output commands.
	maxRampCode = 250
)

// Gateway handshake and mode frames.
const (
	// ModeDecimal switches PCHK to decimal status replies.
	ModeDecimal = "!CHD"
)

// Frame prefixes a module command with its address header.
// wantsAck asks the module for a bus acknowledgement ("-M...!").
func Frame(addr ModuleAddress, wantsAck bool, command string) []byte {
	sep := '.'
	if wantsAck {
		sep = '!'
	}
	return []byte(fmt.Sprintf(">M%03d%03d%c%s", addr.Segment, addr.Module, sep, command))
}

// RequestSerial asks for the serial number and firmware version.
func RequestSerial() string { return "SN" }

// RequestOutputStatus asks for the level of output n (1-based).
func RequestOutputStatus(n int) (string, error) {
	if n < 1 || n > NumOutputs {
		return "", fmt.Errorf("%w: output %d", ErrInvalidValue, n)
	}
	return fmt.Sprintf("SMA%d", n), nil
}

// RequestRelaysStatus asks for the relay bank.
func RequestRelaysStatus() string { return "SMR" }

// RequestBinarySensorsStatus asks for the binary sensor bank.
func RequestBinarySensorsStatus() string { return "SMB" }

// RequestLedsAndLogicStatus asks for LED states and logic operation results.
func RequestLedsAndLogicStatus() string { return "SMT" }

// RequestKeyLocksStatus asks for the key lock tables.
func RequestKeyLocksStatus() string { return "STX" }

// RequestVariableStatus asks for the value of v on a module running fw.
func RequestVariableStatus(v Variable, fw Firmware) (string, error) {
	if !fw.Known() {
		return "", fmt.Errorf("%w: firmware unknown", ErrUnsupported)
	}
	if fw >= Firmware2013 {
		switch v.Kind {
		case KindVariable:
			return fmt.Sprintf("MWT%03d", v.Number), nil
		case KindSetpoint:
			return fmt.Sprintf("MWS%03d", v.Number), nil
		case KindS0Counter:
			return fmt.Sprintf("MWC%03d", v.Number), nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupported, v)
	}

	legacy := map[Variable]string{
		{Kind: KindVariable, Number: 1}: "MWV",
		{Kind: KindVariable, Number: 2}: "MWTA",
		{Kind: KindVariable, Number: 3}: "MWTB",
		{Kind: KindSetpoint, Number: 1}: "MWFA",
		{Kind: KindSetpoint, Number: 2}: "MWFB",
	}
	if cmd, ok := legacy[v]; ok {
		return cmd, nil
	}
	return "", fmt.Errorf("%w: %s on firmware %s", ErrUnsupported, v, fw)
}

// DimOutput sets output n (1-based) to percent (0-100) with a ramp code.
func DimOutput(n int, percent float64, ramp int) (string, error) {
	if n < 1 || n > NumOutputs {
		return "", fmt.Errorf("%w: output %d", ErrInvalidValue, n)
	}
	if percent < 0 || percent > 100 || math.IsNaN(percent) {
		return "", fmt.Errorf("%w: level %.1f", ErrInvalidValue, percent)
	}
	if ramp < 0 || ramp > maxRampCode {
		return "", fmt.Errorf("%w: ramp %d", ErrInvalidValue, ramp)
	}
	return fmt.Sprintf("A%dDI%03d%03d", n, int(math.Round(percent)), ramp), nil
}

// ControlRelays changes the relay bank. pattern holds one character per relay:
// '0' off, '1' on, 'T' toggle, '-' unchanged.
func ControlRelays(pattern string) (string, error) {
	pattern = strings.ToUpper(pattern)
	if len(pattern) != NumRelays {
		return "", fmt.Errorf("%w: relay pattern %q must have %d characters", ErrInvalidValue, pattern, NumRelays)
	}
	for _, r := range pattern {
		if !strings.ContainsRune("01T-", r) {
			return "", fmt.Errorf("%w: relay pattern %q", ErrInvalidValue, pattern)
		}
	}
	return "R8" + pattern, nil
}

// ChangeVariableRelative adds delta to v.
func ChangeVariableRelative(v Variable, delta int64, fw Firmware) (string, error) {
	sign := "A"
	if delta < 0 {
		sign = "S"
		delta = -delta
	}
	switch v.Kind {
	case KindVariable:
		if fw.Known() && fw < Firmware2013 && v.Number > 3 {
			return "", fmt.Errorf("%w: %s on firmware %s", ErrUnsupported, v, fw)
		}
		return fmt.Sprintf("Z%s%03d%d", sign, v.Number, delta), nil
	case KindSetpoint:
		reg := "A"
		if v.Number == 2 {
			reg = "B"
		}
		op := "+"
		if sign == "S" {
			op = "-"
		}
		return fmt.Sprintf("RE%sSA%s%d", reg, op, delta), nil
	default:
		return "", fmt.Errorf("%w: cannot change %s", ErrUnsupported, v)
	}
}
