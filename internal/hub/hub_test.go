package hub

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/hublink/internal/ble/bletest"
	"github.com/chaz8081/hublink/internal/ble/protocol"
	"github.com/chaz8081/hublink/internal/event"
)

// testOptions keeps timeouts short and all delays at zero.
func testOptions() Options {
	return Options{
		ScanTimeout:       time.Second,
		ConnectAttempts:   2,
		GATTTimeout:       time.Second,
		DeviceInfoTimeout: time.Second,
		ServiceTimeout:    time.Second,
		WriteRetries:      2,
		WriteTimeout:      time.Second,
		StopPollInterval:  time.Millisecond,
		StopTimeout:       100 * time.Millisecond,
	}
}

func modernCaps() []byte {
	return protocol.MarshalCapabilities(protocol.Capabilities{
		MaxWriteSize:       23,
		Flags:              protocol.CapabilityRepl,
		MaxUserProgramSize: 1 << 20,
		HasProgramSize:     true,
		NumSlots:           5,
		HasSlots:           true,
	})
}

// recorder collects bus events.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func newRecorder(bus *event.Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(func(ev event.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

func (r *recorder) count(match func(event.Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if match(ev) {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, what string, match func(event.Event) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count(match) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", what)
}

func kind(k event.Kind) func(event.Event) bool {
	return func(ev event.Event) bool { return ev.Kind == k }
}

func text(k event.Kind, substr string) func(event.Event) bool {
	return func(ev event.Event) bool { return ev.Kind == k && strings.Contains(ev.Text, substr) }
}

type fixture struct {
	ctrl *Controller
	hub  *bletest.Peripheral
	ad   *bletest.Adapter
	rec  *recorder
}

func newFixture(t *testing.T, p *bletest.Peripheral, opts Options) *fixture {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	ad := bletest.NewAdapter(p)
	return &fixture{
		ctrl: NewController(ad, bus, opts, nil),
		hub:  p,
		ad:   ad,
		rec:  newRecorder(bus),
	}
}

func connected(t *testing.T, p *bletest.Peripheral) *fixture {
	t.Helper()
	f := newFixture(t, p, testOptions())
	if err := f.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(f.ctrl.Disconnect)
	return f
}

// waitWrites polls until c has recorded at least n writes.
func waitWrites(t *testing.T, c *bletest.Characteristic, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := c.Writes(); len(w) >= n {
			return w
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d writes, have %d", n, len(c.Writes()))
	return nil
}

func countFrames(frames [][]byte, want []byte) int {
	n := 0
	for _, f := range frames {
		if string(f) == string(want) {
			n++
		}
	}
	return n
}
