package pck

import (
	"errors"
	"testing"
)

func TestParseModuleAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    ModuleAddress
		wantErr bool
	}{
		{name: "canonical", in: "S000M005", want: ModuleAddress{Segment: 0, Module: 5}},
		{name: "lower case short", in: "s5m17", want: ModuleAddress{Segment: 5, Module: 17}},
		{name: "max segment", in: "S127M254", want: ModuleAddress{Segment: 127, Module: 254}},
		{name: "segment too high", in: "S128M001", wantErr: true},
		{name: "module zero", in: "S000M000", wantErr: true},
		{name: "module too high", in: "S000M255", wantErr: true},
		{name: "garbage", in: "M005", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseModuleAddress(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Fatalf("ParseModuleAddress(%q) error = %v, want ErrInvalidAddress", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseModuleAddress(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseModuleAddress(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestModuleAddressString(t *testing.T) {
	addr := ModuleAddress{Segment: 3, Module: 42}
	if got := addr.String(); got != "S003M042" {
		t.Errorf("String() = %q, want S003M042", got)
	}

	back, err := ParseModuleAddress(addr.String())
	if err != nil || back != addr {
		t.Errorf("ParseModuleAddress(String()) = %+v, %v", back, err)
	}
}

func TestModuleAddressLess(t *testing.T) {
	a := ModuleAddress{Segment: 0, Module: 200}
	b := ModuleAddress{Segment: 1, Module: 1}
	c := ModuleAddress{Segment: 1, Module: 2}

	if !a.Less(b) || !b.Less(c) {
		t.Error("expected S000M200 < S001M001 < S001M002")
	}
	if c.Less(b) || b.Less(b) {
		t.Error("Less is not a strict order")
	}
}
