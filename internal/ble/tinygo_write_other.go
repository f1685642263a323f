//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// writeWithResponse falls back to an unacknowledged write. BlueZ and the
// HCI and SoftDevice stacks only expose WriteWithoutResponse.
func writeWithResponse(c bluetooth.DeviceCharacteristic, data []byte) (int, error) {
	return c.WriteWithoutResponse(data)
}
