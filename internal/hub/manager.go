// Package hub manages the connection to a Pybricks hub and the program
// execution sequences that run over it.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/hublink/internal/ble"
	"github.com/chaz8081/hublink/internal/ble/protocol"
	"github.com/chaz8081/hublink/internal/event"
)

// statusFunc observes a stored status report. hadPrev is false for the first
// report of a connection.
type statusFunc func(prev protocol.StatusFlags, hadPrev bool, now protocol.StatusFlags)

// Manager owns the hub link. It runs discovery and the connect state machine,
// routes notifications and tears the link down exactly once per connection.
// Safe for concurrent use; transport callbacks may arrive on any goroutine.
type Manager struct {
	adapter  ble.Adapter
	bus      *event.Bus
	opts     Options
	onStatus statusFunc

	mu      sync.Mutex
	state   State
	gen     uint64             // bumped for every connect; stale callbacks compare against it
	cancel  context.CancelFunc // set while connecting
	pending ble.Connection     // partially set up link while connecting
	link    *link
	session Session
}

// link holds the per-connection transport handles.
type link struct {
	conn   ble.Connection
	cmd    ble.Characteristic
	uartRX ble.Characteristic
	uartTX ble.Characteristic
	queue  *writeQueue
	stdout *protocol.StdoutDecoder
	uart   *protocol.StdoutDecoder

	// lost is set once the peripheral dropped the link.
	lost atomic.Bool
}

// NewManager creates a disconnected manager.
func NewManager(adapter ble.Adapter, bus *event.Bus, opts Options) *Manager {
	return &Manager{adapter: adapter, bus: bus, opts: opts.withDefaults()}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a snapshot of the open session. ok is false unless the
// manager is connected.
func (m *Manager) Session() (s Session, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.state == StateConnected
}

// Connect discovers a hub and opens a session with it. It returns ErrBusy
// unless the manager is disconnected. Failures are also reported on the bus.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, state)
	}
	ctx, cancel := context.WithCancel(ctx)
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.cancel = cancel
	m.session = Session{ID: uuid.NewString()}
	m.mu.Unlock()
	defer cancel()

	slog.Info("[HUB] discovering", "name", m.opts.Filter.Name, "address", m.opts.Filter.Address)
	dev, err := ble.Discover(ctx, m.adapter, ble.PybricksServiceUUID, m.opts.Filter, m.opts.ScanTimeout)
	if err != nil {
		return m.connectFailed(ctx, gen, err)
	}
	slog.Info("[HUB] found hub", "name", dev.Name, "address", dev.Address, "rssi", dev.RSSI)

	var lastErr error
	for attempt := 1; attempt <= m.opts.ConnectAttempts; attempt++ {
		if attempt > 1 {
			slog.Info("[HUB] retrying connect", "attempt", attempt, "delay", m.opts.RetryBackoff)
			if err := sleep(ctx, m.opts.RetryBackoff); err != nil {
				lastErr = err
				break
			}
		}
		l, err := m.attempt(ctx, gen, dev)
		if err == nil {
			return m.established(ctx, gen, dev, l)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		slog.Warn("[HUB] connect attempt failed", "attempt", attempt, "error", err)
	}
	return m.connectFailed(ctx, gen, lastErr)
}

// attempt runs one connect attempt. On error the partial link is torn down.
func (m *Manager) attempt(ctx context.Context, gen uint64, dev ble.Device) (l *link, err error) {
	l = &link{stdout: protocol.NewStdoutDecoder(), uart: protocol.NewStdoutDecoder()}
	defer func() {
		if err != nil {
			l.close()
			m.setPending(gen, nil)
		}
	}()
	m.updateSession(gen, func(s *Session) {
		s.Status, s.HasStatus = 0, false
	})

	err = m.phase(ctx, m.opts.GATTTimeout, ErrConnectTimeout, func(ctx context.Context) error {
		conn, err := m.adapter.Connect(ctx, dev.Address)
		if err != nil {
			return err
		}
		l.conn = conn
		return nil
	})
	if err != nil {
		return l, err
	}
	if !m.setPending(gen, l.conn) {
		return l, ErrAborted
	}
	l.conn.OnDisconnect(func() { m.linkLost(gen, l) })
	if err := sleep(ctx, m.opts.SettleDelay); err != nil {
		return l, err
	}

	err = m.phase(ctx, m.opts.DeviceInfoTimeout, ErrServiceSetupTimeout, func(ctx context.Context) error {
		return m.readDeviceInfo(ctx, gen, l)
	})
	if err != nil {
		if ctx.Err() != nil {
			return l, err
		}
		slog.Info("[HUB] device information unavailable", "error", err)
		m.info(gen, "Device information unavailable: "+err.Error())
	}

	err = m.phase(ctx, m.opts.ServiceTimeout, ErrServiceSetupTimeout, func(ctx context.Context) error {
		return m.setupPybricks(ctx, gen, l)
	})
	if err != nil {
		return l, err
	}

	err = m.phase(ctx, m.opts.ServiceTimeout, ErrServiceSetupTimeout, func(ctx context.Context) error {
		return m.setupUART(ctx, gen, l)
	})
	if err == nil && l.lost.Load() {
		err = ErrLinkLost
	}
	return l, err
}

// phase runs fn under its own timeout. A timeout is reported as timeoutErr;
// cancellation of ctx itself is returned unchanged.
func (m *Manager) phase(ctx context.Context, timeout time.Duration, timeoutErr error, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(pctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", timeoutErr, timeout, err)
	}
	return err
}

func (m *Manager) readDeviceInfo(ctx context.Context, gen uint64, l *link) error {
	svc, err := l.conn.Service(ctx, ble.DeviceInfoServiceUUID)
	if err != nil {
		return err
	}
	read := func(uuid string) (string, error) {
		c, err := svc.Characteristic(ctx, uuid)
		if err != nil {
			return "", err
		}
		v, err := c.Read(ctx)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(v), "\x00"), nil
	}
	fw, err := read(ble.FirmwareRevisionCharUUID)
	if err != nil {
		return fmt.Errorf("firmware revision: %w", err)
	}
	sw, err := read(ble.SoftwareRevisionCharUUID)
	if err != nil {
		return fmt.Errorf("software revision: %w", err)
	}
	m.updateSession(gen, func(s *Session) {
		s.FirmwareVersion = fw
		s.SoftwareVersion = sw
	})
	return nil
}

// setupPybricks subscribes to command/event notifications and negotiates
// capabilities. A missing or unreadable capabilities characteristic means
// legacy firmware.
func (m *Manager) setupPybricks(ctx context.Context, gen uint64, l *link) error {
	svc, err := l.conn.Service(ctx, ble.PybricksServiceUUID)
	if err != nil {
		return err
	}
	cmd, err := svc.Characteristic(ctx, ble.PybricksCommandEventUUID)
	if err != nil {
		return err
	}
	// A stale subscription from an earlier session would deliver twice.
	if err := cmd.Unsubscribe(); err != nil {
		slog.Debug("[HUB] unsubscribe before subscribe", "error", err)
	}
	if err := cmd.Subscribe(m.commandHandler(gen, l)); err != nil {
		return fmt.Errorf("%w: command/event: %w", ble.ErrNotificationsNotSupported, err)
	}
	l.cmd = cmd

	caps, generation, err := readCapabilities(ctx, svc)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		slog.Info("[HUB] using legacy protocol", "reason", err)
	}
	m.updateSession(gen, func(s *Session) {
		s.Capabilities = caps
		s.Generation = generation
	})
	return nil
}

func readCapabilities(ctx context.Context, svc ble.Service) (protocol.Capabilities, ProtocolGeneration, error) {
	c, err := svc.Characteristic(ctx, ble.PybricksCapabilitiesUUID)
	if err != nil {
		return protocol.LegacyCapabilities(), GenerationLegacy, err
	}
	raw, err := c.Read(ctx)
	if err != nil {
		return protocol.LegacyCapabilities(), GenerationLegacy, err
	}
	caps, err := protocol.UnmarshalCapabilities(raw)
	if err != nil {
		return protocol.LegacyCapabilities(), GenerationLegacy, err
	}
	return caps, GenerationModern, nil
}

// setupUART subscribes to Nordic UART stdout. A hub without the service
// still works; output then only arrives as command/event notifications.
func (m *Manager) setupUART(ctx context.Context, gen uint64, l *link) error {
	svc, err := l.conn.Service(ctx, ble.NordicUARTServiceUUID)
	if errors.Is(err, ble.ErrServiceNotFound) {
		slog.Info("[HUB] no Nordic UART service")
		m.info(gen, "Hub has no UART service; output arrives over the command channel only")
		return nil
	}
	if err != nil {
		return err
	}
	rx, err := svc.Characteristic(ctx, ble.NordicUARTRXCharUUID)
	if err != nil {
		return err
	}
	tx, err := svc.Characteristic(ctx, ble.NordicUARTTXCharUUID)
	if err != nil {
		return err
	}
	if err := tx.Unsubscribe(); err != nil {
		slog.Debug("[HUB] unsubscribe before subscribe", "error", err)
	}
	if err := tx.Subscribe(m.uartHandler(gen, l)); err != nil {
		return fmt.Errorf("%w: uart tx: %w", ble.ErrNotificationsNotSupported, err)
	}
	l.uartRX, l.uartTX = rx, tx
	m.updateSession(gen, func(s *Session) { s.HasUART = true })
	return nil
}

// established publishes a fully set up link, unless the connect was aborted
// in the meantime.
func (m *Manager) established(ctx context.Context, gen uint64, dev ble.Device, l *link) error {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting || ctx.Err() != nil {
		m.mu.Unlock()
		l.close()
		return m.connectFailed(ctx, gen, ErrAborted)
	}
	if l.lost.Load() {
		m.mu.Unlock()
		l.close()
		return m.connectFailed(ctx, gen, ErrLinkLost)
	}
	l.queue = newWriteQueue(l.cmd, m.opts)
	m.link = l
	m.pending = nil
	m.cancel = nil
	m.state = StateConnected
	m.session.Device = dev
	s := m.session
	m.mu.Unlock()

	slog.Info("[HUB] connected", "name", dev.Name, "firmware", s.FirmwareVersion,
		"protocol", s.Generation, "max_write", s.MaxWriteSize(), "session", s.ID)
	m.publish(event.Event{Kind: event.KindConnected, SessionID: s.ID})
	m.publish(event.Event{Kind: event.KindInfo, SessionID: s.ID, Text: summary(s)})
	return nil
}

func summary(s Session) string {
	fw := s.FirmwareVersion
	if fw == "" {
		fw = "unknown"
	}
	text := fmt.Sprintf("Connected to %s (firmware %s, %s protocol, max write %d bytes",
		s.Device.Name, fw, s.Generation, s.MaxWriteSize())
	if s.Capabilities.HasProgramSize {
		text += fmt.Sprintf(", max program %d bytes", s.Capabilities.MaxUserProgramSize)
	}
	return text + ")"
}

// connectFailed returns the manager to Disconnected after a failed or
// aborted connect and reports it on the bus.
func (m *Manager) connectFailed(ctx context.Context, gen uint64, err error) error {
	m.mu.Lock()
	if m.gen == gen {
		m.state = StateDisconnected
		m.cancel = nil
		m.pending = nil
		m.link = nil
		m.session = Session{}
	}
	m.mu.Unlock()

	if ctx.Err() != nil {
		slog.Info("[HUB] connect cancelled")
		m.publish(event.Event{Kind: event.KindInfo, Text: "Connection cancelled"})
		m.publish(event.Event{Kind: event.KindDisconnected})
		return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
	}
	slog.Error("[HUB] connect failed", "error", err)
	m.publish(event.Event{Kind: event.KindError, Text: fmt.Sprintf("Connection failed: %v. %s", err, remediation(err))})
	m.publish(event.Event{Kind: event.KindDisconnected})
	return err
}

// Abort cancels an in-progress connect and force-closes the partial link.
// It does nothing unless the manager is connecting.
func (m *Manager) Abort() {
	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	cancel, pending := m.cancel, m.pending
	m.mu.Unlock()

	slog.Info("[HUB] aborting connect")
	if cancel != nil {
		cancel()
	}
	if pending != nil {
		if err := pending.Disconnect(); err != nil {
			slog.Debug("[HUB] force disconnect", "error", err)
		}
	}
}

// Disconnect closes the session. While connecting it aborts instead.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	state, gen := m.state, m.gen
	m.mu.Unlock()

	switch state {
	case StateConnecting:
		m.Abort()
	case StateConnected:
		m.teardown(gen, "Disconnected")
	}
}

// linkLost handles a peripheral disconnect of l. While connecting, the flag
// fails the attempt; once connected, the session is torn down.
func (m *Manager) linkLost(gen uint64, l *link) {
	l.lost.Store(true)
	m.mu.Lock()
	current := m.link == l
	m.mu.Unlock()
	if current {
		m.teardown(gen, "Hub disconnected")
	}
}

// teardown closes the link for connection gen. Handles are dropped before
// any event is published; a second call for the same connection is a no-op.
func (m *Manager) teardown(gen uint64, reason string) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnecting
	l, id := m.link, m.session.ID
	m.link = nil
	m.mu.Unlock()

	rest := l.stdout.Flush() + l.uart.Flush()
	l.close()

	m.mu.Lock()
	m.state = StateDisconnected
	m.session = Session{}
	m.mu.Unlock()

	slog.Info("[HUB] disconnected", "reason", reason, "session", id)
	if rest != "" {
		m.publish(event.Event{Kind: event.KindOutput, SessionID: id, Text: rest})
	}
	m.publish(event.Event{Kind: event.KindInfo, SessionID: id, Text: reason})
	m.publish(event.Event{Kind: event.KindDisconnected, SessionID: id})
}

// close releases every handle the link holds. Errors are logged only.
func (l *link) close() {
	if l.queue != nil {
		l.queue.Close()
	}
	for _, c := range []ble.Characteristic{l.cmd, l.uartTX} {
		if c == nil {
			continue
		}
		if err := c.Unsubscribe(); err != nil {
			slog.Debug("[HUB] unsubscribe", "error", err)
		}
	}
	if l.conn != nil {
		if err := l.conn.Disconnect(); err != nil {
			slog.Debug("[HUB] disconnect", "error", err)
		}
	}
}

// Write queues cmd on the command/event characteristic.
func (m *Manager) Write(ctx context.Context, cmd protocol.Command) error {
	m.mu.Lock()
	var q *writeQueue
	if m.state == StateConnected && m.link != nil {
		q = m.link.queue
	}
	m.mu.Unlock()
	if q == nil {
		return ErrNotConnected
	}
	if err := q.Write(ctx, protocol.MarshalCommand(cmd)); err != nil {
		return fmt.Errorf("hub: %s: %w", cmd.Tag(), err)
	}
	return nil
}

// Status returns the last reported status bitset.
func (m *Manager) Status() (flags protocol.StatusFlags, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Status, m.session.HasStatus
}

func (m *Manager) setPending(gen uint64, conn ble.Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateConnecting {
		return false
	}
	m.pending = conn
	return true
}

func (m *Manager) updateSession(gen uint64, fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		fn(&m.session)
	}
}

func (m *Manager) commandHandler(gen uint64, l *link) func([]byte) {
	return func(data []byte) {
		ev, err := protocol.UnmarshalEvent(data)
		if err != nil {
			slog.Warn("[HUB] dropping notification", "error", err, "len", len(data))
			return
		}
		switch ev := ev.(type) {
		case protocol.StatusReport:
			m.storeStatus(gen, ev.Flags)
		case protocol.Stdout:
			m.output(gen, l.stdout.Decode(ev.Data))
		case protocol.AppData:
			slog.Debug("[HUB] app data", "len", len(ev.Data))
		}
	}
}

func (m *Manager) uartHandler(gen uint64, l *link) func([]byte) {
	return func(data []byte) {
		m.output(gen, l.uart.Decode(data))
	}
}

// storeStatus records a status report and then hands it to onStatus.
func (m *Manager) storeStatus(gen uint64, flags protocol.StatusFlags) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	prev, hadPrev := m.session.Status, m.session.HasStatus
	m.session.Status = flags
	m.session.HasStatus = true
	m.mu.Unlock()

	if hadPrev && prev == flags {
		return
	}
	slog.Debug("[HUB] status", "flags", flags)
	if m.onStatus != nil {
		m.onStatus(prev, hadPrev, flags)
	}
}

func (m *Manager) output(gen uint64, text string) {
	if text == "" {
		return
	}
	m.mu.Lock()
	current, id := m.gen == gen, m.session.ID
	m.mu.Unlock()
	if current {
		m.publish(event.Event{Kind: event.KindOutput, SessionID: id, Text: text})
	}
}

func (m *Manager) info(gen uint64, text string) {
	m.mu.Lock()
	current, id := m.gen == gen, m.session.ID
	m.mu.Unlock()
	if current {
		m.publish(event.Event{Kind: event.KindInfo, SessionID: id, Text: text})
	}
}

func (m *Manager) sessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.ID
}

func (m *Manager) publish(ev event.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}
