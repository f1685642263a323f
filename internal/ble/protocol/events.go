package protocol

import (
	"encoding/binary"
	"fmt"
)

// EventTag is the first byte of an inbound notification on the
// command/event characteristic.
type EventTag uint8

const (
	TagStatusReport  EventTag = 0
	TagWriteStdout   EventTag = 1
	TagAppDataOutput EventTag = 2
)

// statusReportMinLen is tag + uint32 flags.
const statusReportMinLen = 5

// Event is a decoded notification from the hub.
type Event interface {
	Tag() EventTag
}

// StatusReport carries the hub status bitset. Newer firmware appends the id
// of the running program and the selected slot.
type StatusReport struct {
	Flags        StatusFlags
	ProgramID    uint8
	HasProgramID bool
	Slot         uint8
	HasSlot      bool
}

// Stdout carries raw program output. Chunks may end in the middle of a
// UTF-8 sequence; see StdoutDecoder.
type Stdout struct {
	Data []byte
}

// AppData carries raw bytes written by the program to its app data buffer.
type AppData struct {
	Data []byte
}

func (StatusReport) Tag() EventTag { return TagStatusReport }
func (Stdout) Tag() EventTag       { return TagWriteStdout }
func (AppData) Tag() EventTag      { return TagAppDataOutput }

// UnmarshalEvent decodes a notification frame.
//
//	StatusReport: tag(0) | flags uint32 | [program id] | [slot]
//	Stdout:       tag(1) | raw bytes
//	AppData:      tag(2) | raw bytes
func UnmarshalEvent(data []byte) (Event, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty event", ErrDecode)
	}
	switch EventTag(data[0]) {
	case TagStatusReport:
		if len(data) < statusReportMinLen {
			return nil, fmt.Errorf("%w: status report needs %d bytes, got %d", ErrDecode, statusReportMinLen, len(data))
		}
		ev := StatusReport{Flags: StatusFlags(binary.LittleEndian.Uint32(data[1:5]))}
		if len(data) > 5 {
			ev.ProgramID, ev.HasProgramID = data[5], true
		}
		if len(data) > 6 {
			ev.Slot, ev.HasSlot = data[6], true
		}
		return ev, nil
	case TagWriteStdout:
		return Stdout{Data: clone(data[1:])}, nil
	case TagAppDataOutput:
		return AppData{Data: clone(data[1:])}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event tag %d", ErrDecode, data[0])
	}
}

// MarshalStatusReport encodes a status report the way the hub does. Used by
// stub hubs in tests and tools.
func MarshalStatusReport(flags StatusFlags) []byte {
	buf := []byte{byte(TagStatusReport)}
	return binary.LittleEndian.AppendUint32(buf, uint32(flags))
}
