package pck

import "errors"

// Domain errors for the PCK codec.
var (
	// ErrInvalidAddress is returned when a module address string cannot be parsed
	// or is out of range.
	ErrInvalidAddress = errors.New("pck: invalid module address")

	// ErrUnrecognised is returned when a received line does not match any
	// known status or acknowledgement format.
	ErrUnrecognised = errors.New("pck: unrecognised line")

	// ErrUnsupported is returned when a request or command cannot be expressed
	// for the given firmware.
	ErrUnsupported = errors.New("pck: not supported by firmware")

	// ErrInvalidValue is returned when a command argument is out of range.
	ErrInvalidValue = errors.New("pck: invalid value")
)
