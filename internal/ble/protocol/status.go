package protocol

import (
	"fmt"
	"math/bits"
	"strings"
)

// StatusFlags is the 32-bit status bitset carried by StatusReport events.
type StatusFlags uint32

const (
	StatusBatteryLowVoltageWarning  StatusFlags = 1 << 0
	StatusBatteryLowVoltageShutdown StatusFlags = 1 << 1
	StatusBatteryHighCurrent        StatusFlags = 1 << 2
	StatusBLEAdvertising            StatusFlags = 1 << 3
	StatusBLELowSignal              StatusFlags = 1 << 4
	StatusPowerButtonPressed        StatusFlags = 1 << 5
	StatusUserProgramRunning        StatusFlags = 1 << 6
	StatusShutdown                  StatusFlags = 1 << 7
	StatusShutdownRequested         StatusFlags = 1 << 8
)

var statusNames = []struct {
	flag StatusFlags
	name string
}{
	{StatusBatteryLowVoltageWarning, "battery-low-warning"},
	{StatusBatteryLowVoltageShutdown, "battery-low-shutdown"},
	{StatusBatteryHighCurrent, "battery-high-current"},
	{StatusBLEAdvertising, "ble-advertising"},
	{StatusBLELowSignal, "ble-low-signal"},
	{StatusPowerButtonPressed, "power-button-pressed"},
	{StatusUserProgramRunning, "program-running"},
	{StatusShutdown, "shutdown"},
	{StatusShutdownRequested, "shutdown-requested"},
}

// Has reports whether every bit of flag is set.
func (s StatusFlags) Has(flag StatusFlags) bool {
	return s&flag == flag
}

// Running reports whether a user program is running.
func (s StatusFlags) Running() bool {
	return s.Has(StatusUserProgramRunning)
}

// Rising reports whether flag is set in s but was clear in prev.
func (s StatusFlags) Rising(prev StatusFlags, flag StatusFlags) bool {
	return s.Has(flag) && !prev.Has(flag)
}

// Falling reports whether flag was set in prev but is clear in s.
func (s StatusFlags) Falling(prev StatusFlags, flag StatusFlags) bool {
	return prev.Has(flag) && !s.Has(flag)
}

func (s StatusFlags) String() string {
	if s == 0 {
		return "none"
	}
	var names []string
	rest := s
	for _, n := range statusNames {
		if s.Has(n.flag) {
			names = append(names, n.name)
			rest &^= n.flag
		}
	}
	for rest != 0 {
		n := bits.TrailingZeros32(uint32(rest))
		names = append(names, fmt.Sprintf("bit%d", n))
		rest &^= StatusFlags(1) << n
	}
	return strings.Join(names, "|")
}

// CapabilityFlags is the feature bitset advertised by the capabilities
// characteristic.
type CapabilityFlags uint32

const (
	// CapabilityRepl means the hub has an interactive shell.
	CapabilityRepl CapabilityFlags = 1 << 0
	// CapabilityMultiMpy6 means the hub accepts multi-file MPY v6 programs.
	CapabilityMultiMpy6 CapabilityFlags = 1 << 1
	// CapabilityMultiMpy6Native6p1 adds native module support (MPY ABI 6.1).
	CapabilityMultiMpy6Native6p1 CapabilityFlags = 1 << 2
)

// Has reports whether every bit of flag is set.
func (c CapabilityFlags) Has(flag CapabilityFlags) bool {
	return c&flag == flag
}
