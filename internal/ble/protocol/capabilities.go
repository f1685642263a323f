package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// DefaultMaxWriteSize is the conservative write size used for legacy
	// firmware and the floor applied to any negotiated value.
	DefaultMaxWriteSize = 20

	capabilitiesMinLen     = 6
	capabilitiesSizeLen    = 10
	capabilitiesNumSlotLen = 11
)

// Capabilities is the decoded value of the hub capabilities characteristic.
type Capabilities struct {
	MaxWriteSize       uint16
	Flags              CapabilityFlags
	MaxUserProgramSize uint32
	HasProgramSize     bool
	NumSlots           uint8
	HasSlots           bool
}

// LegacyCapabilities returns the defaults assumed when the hub has no
// capabilities characteristic.
func LegacyCapabilities() Capabilities {
	return Capabilities{MaxWriteSize: DefaultMaxWriteSize}
}

// UnmarshalCapabilities decodes the capabilities characteristic.
//
//	bytes 0-1:  max write size (uint16)
//	bytes 2-5:  capability flags (uint32)
//	bytes 6-9:  max user program size (uint32), optional
//	byte  10:   number of program slots, optional
//
// MaxWriteSize is never reported below DefaultMaxWriteSize.
func UnmarshalCapabilities(data []byte) (Capabilities, error) {
	if len(data) < capabilitiesMinLen {
		return Capabilities{}, fmt.Errorf("%w: capabilities need %d bytes, got %d", ErrDecode, capabilitiesMinLen, len(data))
	}
	c := Capabilities{
		MaxWriteSize: binary.LittleEndian.Uint16(data[0:2]),
		Flags:        CapabilityFlags(binary.LittleEndian.Uint32(data[2:6])),
	}
	if c.MaxWriteSize < DefaultMaxWriteSize {
		c.MaxWriteSize = DefaultMaxWriteSize
	}
	if len(data) >= capabilitiesSizeLen {
		c.MaxUserProgramSize = binary.LittleEndian.Uint32(data[6:10])
		c.HasProgramSize = true
	}
	if len(data) >= capabilitiesNumSlotLen {
		c.NumSlots = data[10]
		c.HasSlots = true
	}
	return c, nil
}

// MarshalCapabilities encodes c in the full 11-byte layout.
func MarshalCapabilities(c Capabilities) []byte {
	buf := make([]byte, 0, capabilitiesNumSlotLen)
	buf = binary.LittleEndian.AppendUint16(buf, c.MaxWriteSize)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.Flags))
	buf = binary.LittleEndian.AppendUint32(buf, c.MaxUserProgramSize)
	return append(buf, c.NumSlots)
}
