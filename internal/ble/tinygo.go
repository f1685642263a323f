package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// readBufferSize bounds characteristic reads. ATT values are at most 512 bytes.
const readBufferSize = 512

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS, WinRT on Windows). On macOS, device addresses are CoreBluetooth
// UUIDs rather than MAC addresses; Device.Address carries whichever the
// platform uses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by lower-case address
}

// NewTinyGoAdapter creates an adapter backed by the platform default adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports peripheral-initiated disconnects through the
	// adapter-level handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := strings.ToLower(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[key]
		delete(a.connections, key)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks with its own timeout and cannot be
	// cancelled; we stop waiting when ctx is done and drop a late success.
	device, err := await(ctx, func() (bluetooth.Device, error) {
		return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
	}, func(d bluetooth.Device) { _ = d.Disconnect() })
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	conn := &tinyGoConnection{device: device}
	a.mu.Lock()
	a.connections[strings.ToLower(device.Address.String())] = conn
	a.mu.Unlock()
	return conn, nil
}

// await runs fn on its own goroutine and returns its result, or ctx.Err()
// if ctx is done first. A result that arrives after ctx is done is passed to
// discard, which may be nil.
func await[T any](ctx context.Context, fn func() (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if discard != nil {
			go func() {
				if r := <-ch; r.err == nil {
					discard(r.v)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}

type tinyGoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) Service(ctx context.Context, uuid string) (Service, error) {
	svcUUID, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}

	svcs, err := await(ctx, func() ([]bluetooth.DeviceService, error) {
		return c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover service %s: %w", uuid, err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, uuid)
	}
	return &tinyGoService{svc: svcs[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoService struct {
	svc bluetooth.DeviceService
}

func (s *tinyGoService) Characteristic(ctx context.Context, uuid string) (Characteristic, error) {
	charUUID, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}

	chars, err := await(ctx, func() ([]bluetooth.DeviceCharacteristic, error) {
		return s.svc.DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristic %s: %w", uuid, err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, uuid)
	}
	return &tinyGoCharacteristic{char: chars[0]}, nil
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Read(ctx context.Context) ([]byte, error) {
	return await(ctx, func() ([]byte, error) {
		buf := make([]byte, readBufferSize)
		n, err := c.char.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("ble: read: %w", err)
		}
		return buf[:n], nil
	}, nil)
}

func (c *tinyGoCharacteristic) Write(ctx context.Context, data []byte) error {
	_, err := await(ctx, func() (int, error) {
		return writeWithResponse(c.char, data)
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

func (c *tinyGoCharacteristic) WriteWithoutResponse(ctx context.Context, data []byte) error {
	_, err := await(ctx, func() (int, error) {
		return c.char.WriteWithoutResponse(data)
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	err := c.char.EnableNotifications(func(buf []byte) {
		// The stack may reuse buf after the callback returns.
		data := make([]byte, len(buf))
		copy(data, buf)
		cb(data)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotificationsNotSupported, err)
	}
	return nil
}

func (c *tinyGoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
