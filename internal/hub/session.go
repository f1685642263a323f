package hub

import (
	"github.com/chaz8081/hublink/internal/ble"
	"github.com/chaz8081/hublink/internal/ble/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// ProtocolGeneration tells legacy firmware (no capabilities characteristic)
// apart from modern firmware.
type ProtocolGeneration int

const (
	GenerationLegacy ProtocolGeneration = iota
	GenerationModern
)

func (g ProtocolGeneration) String() string {
	if g == GenerationModern {
		return "modern"
	}
	return "legacy"
}

// Session is a snapshot of the open hub connection.
type Session struct {
	ID              string
	Device          ble.Device
	FirmwareVersion string // empty when device information was unavailable
	SoftwareVersion string
	Generation      ProtocolGeneration
	Capabilities    protocol.Capabilities
	HasUART         bool // Nordic UART stdout is subscribed
	Status          protocol.StatusFlags
	HasStatus       bool // a status report has arrived
}

// MaxWriteSize is the largest frame the hub accepts.
func (s Session) MaxWriteSize() int {
	if s.Capabilities.MaxWriteSize < protocol.DefaultMaxWriteSize {
		return protocol.DefaultMaxWriteSize
	}
	return int(s.Capabilities.MaxWriteSize)
}
