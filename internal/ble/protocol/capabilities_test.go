package protocol

import (
	"errors"
	"testing"
)

func TestUnmarshalCapabilitiesFull(t *testing.T) {
	raw := []byte{20, 0, 0xFF, 0, 0, 0, 0x00, 0x00, 0x10, 0x00, 5}
	c, err := UnmarshalCapabilities(raw)
	if err != nil {
		t.Fatalf("UnmarshalCapabilities() error = %v", err)
	}
	if c.MaxWriteSize != 20 {
		t.Errorf("MaxWriteSize = %d, want 20", c.MaxWriteSize)
	}
	if c.Flags != 0xFF {
		t.Errorf("Flags = %#x, want 0xff", c.Flags)
	}
	if !c.HasProgramSize || c.MaxUserProgramSize != 1048576 {
		t.Errorf("MaxUserProgramSize = %d (present %v), want 1048576", c.MaxUserProgramSize, c.HasProgramSize)
	}
	if !c.HasSlots || c.NumSlots != 5 {
		t.Errorf("NumSlots = %d (present %v), want 5", c.NumSlots, c.HasSlots)
	}
}

func TestUnmarshalCapabilitiesWithoutSlots(t *testing.T) {
	raw := []byte{0x9C, 0x00, 0x01, 0, 0, 0, 0x00, 0x10, 0, 0}
	c, err := UnmarshalCapabilities(raw)
	if err != nil {
		t.Fatalf("UnmarshalCapabilities() error = %v", err)
	}
	if c.MaxWriteSize != 156 {
		t.Errorf("MaxWriteSize = %d, want 156", c.MaxWriteSize)
	}
	if !c.HasProgramSize {
		t.Error("10-byte value should carry the program size")
	}
	if c.HasSlots {
		t.Error("10-byte value should not carry a slot count")
	}
}

func TestUnmarshalCapabilitiesPartial(t *testing.T) {
	raw := []byte{64, 0, 0x01, 0, 0, 0}
	c, err := UnmarshalCapabilities(raw)
	if err != nil {
		t.Fatalf("UnmarshalCapabilities() error = %v", err)
	}
	if c.HasProgramSize || c.HasSlots {
		t.Errorf("6-byte value should not carry program size or slots: %+v", c)
	}
	if !c.Flags.Has(CapabilityRepl) {
		t.Errorf("Flags = %#x, want repl bit", c.Flags)
	}
}

func TestUnmarshalCapabilitiesTooShort(t *testing.T) {
	_, err := UnmarshalCapabilities([]byte{20, 0, 0, 0})
	if !errors.Is(err, ErrDecode) {
		t.Errorf("UnmarshalCapabilities(4 bytes) error = %v, want ErrDecode", err)
	}
}

func TestUnmarshalCapabilitiesWriteSizeFloor(t *testing.T) {
	c, err := UnmarshalCapabilities([]byte{5, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("UnmarshalCapabilities() error = %v", err)
	}
	if c.MaxWriteSize != DefaultMaxWriteSize {
		t.Errorf("MaxWriteSize = %d, want floor %d", c.MaxWriteSize, DefaultMaxWriteSize)
	}
}

func TestMarshalCapabilitiesRoundTrip(t *testing.T) {
	want := Capabilities{
		MaxWriteSize:       158,
		Flags:              CapabilityRepl | CapabilityMultiMpy6,
		MaxUserProgramSize: 32768,
		HasProgramSize:     true,
		NumSlots:           1,
		HasSlots:           true,
	}
	got, err := UnmarshalCapabilities(MarshalCapabilities(want))
	if err != nil {
		t.Fatalf("UnmarshalCapabilities() error = %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestLegacyCapabilities(t *testing.T) {
	c := LegacyCapabilities()
	if c.MaxWriteSize != DefaultMaxWriteSize || c.HasProgramSize || c.Flags != 0 {
		t.Errorf("LegacyCapabilities() = %+v", c)
	}
}
