package inventory

import "errors"

var (
	// ErrModuleNotFound is returned when no module is recorded for a gateway and address.
	ErrModuleNotFound = errors.New("inventory: module not found")

	// ErrInvalidModule is returned when gateway or address is empty.
	ErrInvalidModule = errors.New("inventory: gateway and address are required")
)
