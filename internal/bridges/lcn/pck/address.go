package pck

import (
	"fmt"
	"regexp"
	"strconv"
)

// Address limits defined by the LCN bus.
const (
	// MaxSegment is the highest segment ID. Segment 0 addresses the local segment.
	MaxSegment = 127

	// MinModule and MaxModule bound the module IDs on a segment.
	MinModule = 1
	MaxModule = 254
)

var addressPattern = regexp.MustCompile(`^[Ss](\d{1,3})[Mm](\d{1,3})$`)

// ModuleAddress identifies a module on the LCN bus.
// It is comparable and used as a map key.
type ModuleAddress struct {
	Segment int
	Module  int
}

// NewModuleAddress creates a validated module address.
func NewModuleAddress(segment, module int) (ModuleAddress, error) {
	addr := ModuleAddress{Segment: segment, Module: module}
	if err := addr.Validate(); err != nil {
		return ModuleAddress{}, err
	}
	return addr, nil
}

// ParseModuleAddress parses the "S{segment}M{module}" notation, e.g. "S000M005".
func ParseModuleAddress(s string) (ModuleAddress, error) {
	m := addressPattern.FindStringSubmatch(s)
	if m == nil {
		return ModuleAddress{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	seg, _ := strconv.Atoi(m[1]) //nolint:errcheck // pattern guarantees digits
	mod, _ := strconv.Atoi(m[2]) //nolint:errcheck // pattern guarantees digits
	return NewModuleAddress(seg, mod)
}

// Validate checks the address is within bus limits.
func (a ModuleAddress) Validate() error {
	if a.Segment < 0 || a.Segment > MaxSegment {
		return fmt.Errorf("%w: segment %d out of range 0-%d", ErrInvalidAddress, a.Segment, MaxSegment)
	}
	if a.Module < MinModule || a.Module > MaxModule {
		return fmt.Errorf("%w: module %d out of range %d-%d", ErrInvalidAddress, a.Module, MinModule, MaxModule)
	}
	return nil
}

// String returns the canonical "S000M005" notation.
func (a ModuleAddress) String() string {
	return fmt.Sprintf("S%03dM%03d", a.Segment, a.Module)
}

// Less orders addresses by segment, then module.
func (a ModuleAddress) Less(b ModuleAddress) bool {
	if a.Segment != b.Segment {
		return a.Segment < b.Segment
	}
	return a.Module < b.Module
}
