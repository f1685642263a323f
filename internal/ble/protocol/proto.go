// Package protocol implements the binary command/event protocol spoken by
// Pybricks-compatible hubs over the command/event GATT characteristic.
//
// All multi-byte integers are little-endian. The first byte of every frame is
// a tag identifying the command (outbound) or event (inbound).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrDecode is returned for frames that are empty, too short or carry an
// unknown tag.
var ErrDecode = errors.New("protocol: malformed frame")

// CommandTag is the first byte of an outbound command frame.
type CommandTag uint8

const (
	TagStop              CommandTag = 0
	TagStartUserProgram  CommandTag = 1
	TagStartRepl         CommandTag = 2 // legacy firmware only
	TagWriteProgramMeta  CommandTag = 3
	TagWriteUserRAM      CommandTag = 4
	TagResetInUpdateMode CommandTag = 5
	TagWriteStdin        CommandTag = 6
	TagWriteAppData      CommandTag = 7
)

func (t CommandTag) String() string {
	switch t {
	case TagStop:
		return "Stop"
	case TagStartUserProgram:
		return "StartUserProgram"
	case TagStartRepl:
		return "StartRepl"
	case TagWriteProgramMeta:
		return "WriteProgramMeta"
	case TagWriteUserRAM:
		return "WriteUserRAM"
	case TagResetInUpdateMode:
		return "ResetInUpdateMode"
	case TagWriteStdin:
		return "WriteStdin"
	case TagWriteAppData:
		return "WriteAppData"
	default:
		return fmt.Sprintf("CommandTag(%d)", uint8(t))
	}
}

// ReplProgramID is the reserved program identifier that makes
// StartUserProgram launch the interactive shell on modern firmware.
const ReplProgramID = 0x80

// Control bytes understood by the hub's interactive shell. They travel as
// WriteStdin payloads, never as command tags.
const (
	CtrlInterrupt = 0x03 // Ctrl-C
	CtrlCommit    = 0x04 // Ctrl-D, end of paste
	CtrlPasteMode = 0x05 // Ctrl-E, enter paste mode
)

// Command is an outbound request to the hub. Values are immutable once built.
type Command interface {
	Tag() CommandTag
	appendPayload(buf []byte) []byte
}

// Stop asks the hub to stop the running user program.
type Stop struct{}

// StartUserProgram starts the program in Slot. HasSlot is false for legacy
// firmware, which takes no payload.
type StartUserProgram struct {
	Slot    uint8
	HasSlot bool
}

// StartRepl starts the interactive shell on legacy firmware.
type StartRepl struct{}

// WriteProgramMeta sets the size of the stored user program. Size 0 clears it.
type WriteProgramMeta struct {
	Size uint32
}

// WriteUserRAM writes Data at Offset of the user program area.
type WriteUserRAM struct {
	Offset uint32
	Data   []byte
}

// ResetInUpdateMode reboots the hub into firmware update mode.
type ResetInUpdateMode struct{}

// WriteStdin sends raw bytes to the running program's stdin.
type WriteStdin struct {
	Data []byte
}

// WriteAppData sends raw bytes to the running program's app data buffer.
type WriteAppData struct {
	Data []byte
}

func (Stop) Tag() CommandTag              { return TagStop }
func (StartUserProgram) Tag() CommandTag  { return TagStartUserProgram }
func (StartRepl) Tag() CommandTag         { return TagStartRepl }
func (WriteProgramMeta) Tag() CommandTag  { return TagWriteProgramMeta }
func (WriteUserRAM) Tag() CommandTag      { return TagWriteUserRAM }
func (ResetInUpdateMode) Tag() CommandTag { return TagResetInUpdateMode }
func (WriteStdin) Tag() CommandTag        { return TagWriteStdin }
func (WriteAppData) Tag() CommandTag      { return TagWriteAppData }

func (Stop) appendPayload(buf []byte) []byte { return buf }

func (c StartUserProgram) appendPayload(buf []byte) []byte {
	if !c.HasSlot {
		return buf
	}
	return append(buf, c.Slot)
}

func (StartRepl) appendPayload(buf []byte) []byte { return buf }

func (c WriteProgramMeta) appendPayload(buf []byte) []byte {
	return binary.LittleEndian.AppendUint32(buf, c.Size)
}

func (c WriteUserRAM) appendPayload(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, c.Offset)
	return append(buf, c.Data...)
}

func (ResetInUpdateMode) appendPayload(buf []byte) []byte { return buf }

func (c WriteStdin) appendPayload(buf []byte) []byte   { return append(buf, c.Data...) }
func (c WriteAppData) appendPayload(buf []byte) []byte { return append(buf, c.Data...) }

// MarshalCommand encodes cmd into a frame ready to be written to the
// command/event characteristic.
//
//	byte 0:  command tag
//	byte 1+: command-specific payload
func MarshalCommand(cmd Command) []byte {
	buf := make([]byte, 0, 8)
	buf = append(buf, byte(cmd.Tag()))
	return cmd.appendPayload(buf)
}

// UnmarshalCommand decodes a command frame. The hub never sends these; it is
// used by stub hubs and to check that encoding is lossless.
func UnmarshalCommand(data []byte) (Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrDecode)
	}
	tag, payload := CommandTag(data[0]), data[1:]
	switch tag {
	case TagStop:
		return Stop{}, nil
	case TagStartUserProgram:
		if len(payload) == 0 {
			return StartUserProgram{}, nil
		}
		return StartUserProgram{Slot: payload[0], HasSlot: true}, nil
	case TagStartRepl:
		return StartRepl{}, nil
	case TagWriteProgramMeta:
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: %s needs 4 payload bytes, got %d", ErrDecode, tag, len(payload))
		}
		return WriteProgramMeta{Size: binary.LittleEndian.Uint32(payload)}, nil
	case TagWriteUserRAM:
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: %s needs at least 4 payload bytes, got %d", ErrDecode, tag, len(payload))
		}
		return WriteUserRAM{
			Offset: binary.LittleEndian.Uint32(payload),
			Data:   clone(payload[4:]),
		}, nil
	case TagResetInUpdateMode:
		return ResetInUpdateMode{}, nil
	case TagWriteStdin:
		return WriteStdin{Data: clone(payload)}, nil
	case TagWriteAppData:
		return WriteAppData{Data: clone(payload)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command tag %d", ErrDecode, data[0])
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
