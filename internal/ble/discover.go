package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Filter narrows discovery to a specific hub. Empty fields match anything.
type Filter struct {
	Name    string // advertised local name, case-insensitive
	Address string // platform address (MAC, or CoreBluetooth UUID on macOS)
}

func (f Filter) match(d Device) bool {
	if f.Name != "" && !strings.EqualFold(f.Name, d.Name) {
		return false
	}
	if f.Address != "" && !strings.EqualFold(f.Address, d.Address) {
		return false
	}
	return true
}

// ScanForDevices scans for peripherals advertising serviceUUID for the given
// duration and returns those matching filter.
func ScanForDevices(ctx context.Context, adapter Adapter, serviceUUID string, filter Filter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("%w: enable adapter: %w", ErrUnavailable, err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices, err := adapter.Scan(scanCtx, serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var matched []Device
	for _, d := range devices {
		if filter.match(d) {
			matched = append(matched, d)
		}
	}
	return matched, nil
}

// Discover picks the hub to connect to: the matching device with the
// strongest signal. Returns ErrNoDeviceSelected when nothing matches and
// ErrUnavailable when the adapter cannot be enabled.
func Discover(ctx context.Context, adapter Adapter, serviceUUID string, filter Filter, timeout time.Duration) (Device, error) {
	devices, err := ScanForDevices(ctx, adapter, serviceUUID, filter, timeout)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return Device{}, err
		}
		return Device{}, fmt.Errorf("ble: discover: %w", err)
	}
	if len(devices) == 0 {
		return Device{}, ErrNoDeviceSelected
	}

	best := devices[0]
	for _, d := range devices[1:] {
		if d.RSSI > best.RSSI {
			best = d
		}
	}
	slog.Debug("[BLE] selected device", "name", best.Name, "address", best.Address, "rssi", best.RSSI, "candidates", len(devices))
	return best, nil
}
