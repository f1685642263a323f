//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeWithResponse uses the platform's acknowledged GATT write.
func writeWithResponse(c bluetooth.DeviceCharacteristic, data []byte) (int, error) {
	return c.Write(data)
}
