// Package bletest provides an in-memory BLE adapter and hub peripheral for
// tests. The peripheral persists across connections the way a physical hub
// does; hooks let tests inject failures and delays per connect attempt.
package bletest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/hublink/internal/ble"
)

// Characteristic records writes and delivers notifications.
type Characteristic struct {
	UUID string

	mu          sync.Mutex
	value       []byte
	writes      [][]byte
	callback    func([]byte)
	subscribes  int
	unsubscribe int

	// ReadErr, when set, is returned by Read.
	ReadErr error
	// OnWrite, when set, runs for every write before it is recorded. A
	// non-nil error fails the write and nothing is recorded.
	OnWrite func(ctx context.Context, data []byte) error

	inFlight atomic.Int32
	overlap  atomic.Bool
	calls    *atomic.Int64
}

// NewCharacteristic returns a characteristic holding value.
func NewCharacteristic(uuid string, value []byte) *Characteristic {
	return &Characteristic{UUID: uuid, value: value}
}

var _ ble.Characteristic = (*Characteristic)(nil)

func (c *Characteristic) count() {
	if c.calls != nil {
		c.calls.Add(1)
	}
}

func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	c.count()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	out := make([]byte, len(c.value))
	copy(out, c.value)
	return out, nil
}

func (c *Characteristic) Write(ctx context.Context, data []byte) error {
	c.count()
	if c.inFlight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.inFlight.Add(-1)

	c.mu.Lock()
	hook := c.OnWrite
	c.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, data); err != nil {
			return fmt.Errorf("%w: %w", ble.ErrWriteFailed, err)
		}
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	c.writes = append(c.writes, cp)
	c.mu.Unlock()
	return nil
}

func (c *Characteristic) WriteWithoutResponse(ctx context.Context, data []byte) error {
	return c.Write(ctx, data)
}

func (c *Characteristic) Subscribe(cb func([]byte)) error {
	c.count()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	c.subscribes++
	return nil
}

func (c *Characteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	c.unsubscribe++
	return nil
}

// SetOnWrite replaces the write hook.
func (c *Characteristic) SetOnWrite(hook func(ctx context.Context, data []byte) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OnWrite = hook
}

// Notify sends a notification to the subscriber, if any.
func (c *Characteristic) Notify(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Writes returns a copy of every recorded write, oldest first.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Subscribed reports whether a notification callback is registered.
func (c *Characteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// SubscribeCounts returns how many times Subscribe and Unsubscribe ran.
func (c *Characteristic) SubscribeCounts() (subscribes, unsubscribes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes, c.unsubscribe
}

// Overlapped reports whether two writes were ever in flight at once.
func (c *Characteristic) Overlapped() bool {
	return c.overlap.Load()
}

// Peripheral is a simulated hub. A nil characteristic means the hub does not
// expose it; a service whose characteristics are all nil is not exposed.
type Peripheral struct {
	Command      *Characteristic
	Capabilities *Characteristic
	Firmware     *Characteristic
	Software     *Characteristic
	UARTRX       *Characteristic
	UARTTX       *Characteristic
}

// NewPeripheral returns a modern hub: command characteristic, capabilities
// (caps), device information and Nordic UART. Pass nil caps for a legacy hub.
func NewPeripheral(caps []byte) *Peripheral {
	p := &Peripheral{
		Command:  NewCharacteristic(ble.PybricksCommandEventUUID, nil),
		Firmware: NewCharacteristic(ble.FirmwareRevisionCharUUID, []byte("3.3.0")),
		Software: NewCharacteristic(ble.SoftwareRevisionCharUUID, []byte("v1.4.0")),
		UARTRX:   NewCharacteristic(ble.NordicUARTRXCharUUID, nil),
		UARTTX:   NewCharacteristic(ble.NordicUARTTXCharUUID, nil),
	}
	if caps != nil {
		p.Capabilities = NewCharacteristic(ble.PybricksCapabilitiesUUID, caps)
	}
	return p
}

func (p *Peripheral) services() map[string]map[string]*Characteristic {
	all := map[string]map[string]*Characteristic{
		ble.PybricksServiceUUID: {
			ble.PybricksCommandEventUUID: p.Command,
			ble.PybricksCapabilitiesUUID: p.Capabilities,
		},
		ble.DeviceInfoServiceUUID: {
			ble.FirmwareRevisionCharUUID: p.Firmware,
			ble.SoftwareRevisionCharUUID: p.Software,
		},
		ble.NordicUARTServiceUUID: {
			ble.NordicUARTRXCharUUID: p.UARTRX,
			ble.NordicUARTTXCharUUID: p.UARTTX,
		},
	}
	out := make(map[string]map[string]*Characteristic)
	for svc, chars := range all {
		present := make(map[string]*Characteristic)
		for uuid, c := range chars {
			if c != nil {
				present[uuid] = c
			}
		}
		if len(present) > 0 {
			out[svc] = present
		}
	}
	return out
}

// Adapter is an in-memory ble.Adapter serving one Peripheral.
type Adapter struct {
	Peripheral *Peripheral
	Devices    []ble.Device

	// EnableErr, when set, is returned by Enable.
	EnableErr error
	// ConnectHook runs at the start of every Connect with the 1-based attempt
	// number. It may block on ctx to simulate a hanging radio.
	ConnectHook func(ctx context.Context, attempt int) error
	// ServiceHook runs at the start of every Service lookup.
	ServiceHook func(ctx context.Context, attempt int, uuid string) error

	mu       sync.Mutex
	attempts int
	conns    []*Connection
	calls    atomic.Int64
}

// NewAdapter returns an adapter advertising a single hub named "Pybricks Hub".
func NewAdapter(p *Peripheral) *Adapter {
	a := &Adapter{
		Peripheral: p,
		Devices:    []ble.Device{{Name: "Pybricks Hub", Address: "AA:BB:CC:DD:EE:FF", RSSI: -50}},
	}
	for _, c := range []*Characteristic{p.Command, p.Capabilities, p.Firmware, p.Software, p.UARTRX, p.UARTTX} {
		if c != nil {
			c.calls = &a.calls
		}
	}
	return a
}

var _ ble.Adapter = (*Adapter)(nil)

func (a *Adapter) Enable() error { return a.EnableErr }

func (a *Adapter) Scan(_ context.Context, _ string) ([]ble.Device, error) {
	a.calls.Add(1)
	return a.Devices, nil
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.attempts++
	attempt := a.attempts
	a.mu.Unlock()

	if a.ConnectHook != nil {
		if err := a.ConnectHook(ctx, attempt); err != nil {
			return nil, err
		}
	}
	conn := &Connection{adapter: a, attempt: attempt, address: address}
	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()
	return conn, nil
}

// Attempts returns how many times Connect was called.
func (a *Adapter) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// Calls returns the number of transport calls made so far.
func (a *Adapter) Calls() int64 {
	return a.calls.Load()
}

// LatestConnection returns the most recent connection, or nil.
func (a *Adapter) LatestConnection() *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

// Connection is a simulated GATT link.
type Connection struct {
	adapter *Adapter
	attempt int
	address string

	mu           sync.Mutex
	disconnectCb func()
	disconnected bool
}

var _ ble.Connection = (*Connection)(nil)

func (c *Connection) Service(ctx context.Context, uuid string) (ble.Service, error) {
	c.adapter.calls.Add(1)
	if hook := c.adapter.ServiceHook; hook != nil {
		if err := hook(ctx, c.attempt, uuid); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chars, ok := c.adapter.Peripheral.services()[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ble.ErrServiceNotFound, uuid)
	}
	return &service{adapter: c.adapter, chars: chars}, nil
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *Connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// Disconnected reports whether Disconnect was called.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// SimulateDisconnect triggers the disconnect callback as if the hub went away.
func (c *Connection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type service struct {
	adapter *Adapter
	chars   map[string]*Characteristic
}

func (s *service) Characteristic(ctx context.Context, uuid string) (ble.Characteristic, error) {
	s.adapter.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := s.chars[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ble.ErrCharacteristicNotFound, uuid)
	}
	return c, nil
}
