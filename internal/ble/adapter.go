// Package ble is the transport layer between the hub session and the
// platform's Bluetooth Low Energy stack. It exposes the small capability set
// the session needs: discover, connect, open a service, read, write and
// subscribe to characteristics. Every call may block on the radio; callers
// bound them with a context.
package ble

import (
	"context"
	"errors"
)

// Transport errors.
var (
	ErrUnavailable               = errors.New("ble: bluetooth unavailable")
	ErrNoDeviceSelected          = errors.New("ble: no device selected")
	ErrServiceNotFound           = errors.New("ble: service not found")
	ErrCharacteristicNotFound    = errors.New("ble: characteristic not found")
	ErrWriteFailed               = errors.New("ble: write failed")
	ErrNotificationsNotSupported = errors.New("ble: notifications not supported")
)

// Characteristic is a GATT characteristic on a connected peripheral.
type Characteristic interface {
	// Read returns the current value.
	Read(ctx context.Context) ([]byte, error)
	// Write sends data and waits for the peripheral's acknowledgement.
	Write(ctx context.Context, data []byte) error
	// WriteWithoutResponse sends data without waiting for an acknowledgement.
	WriteWithoutResponse(ctx context.Context, data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications. It is safe to call when not subscribed.
	Unsubscribe() error
}

// Service is a GATT service on a connected peripheral.
type Service interface {
	// Characteristic finds a characteristic by UUID.
	Characteristic(ctx context.Context, uuid string) (Characteristic, error)
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// Service finds a primary service by UUID. Returns ErrServiceNotFound
	// when the peripheral does not expose it.
	Service(ctx context.Context, uuid string) (Service, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the peripheral drops the
	// connection.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices once ctx is done.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
