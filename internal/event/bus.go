// Package event fans hub session events out to observers such as a terminal
// view, a status bar or the websocket relay.
package event

import (
	"sync"
	"time"

	"github.com/chaz8081/hublink/internal/ble/protocol"
)

// Kind identifies what an Event reports.
type Kind int

const (
	KindConnected Kind = iota
	KindDisconnected
	KindOutput
	KindError
	KindStatus
	KindInfo
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindOutput:
		return "output"
	case KindError:
		return "error"
	case KindStatus:
		return "status"
	case KindInfo:
		return "info"
	default:
		return "unknown"
	}
}

// Event is something observable that happened in the hub session.
type Event struct {
	Kind      Kind
	Text      string               // output text, error or info message
	Status    protocol.StatusFlags // set for KindStatus
	SessionID string
	Time      time.Time
}

// Bus delivers published events to every subscriber. Publish never blocks;
// each subscriber receives events in publish order on its own goroutine.
type Bus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers fn for all future events and returns a function that
// removes the subscription. Events already queued for fn are still
// delivered after unsubscribing; calling the returned function again is a
// no-op.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	s := newSubscriber(fn)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		return func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			s.close()
		})
	}
}

// Publish queues ev for every current subscriber. A zero Time is set to now.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.push(ev)
	}
}

// Close stops accepting events. Subscribers drain what is already queued.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*subscriber]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

// subscriber owns an unbounded FIFO drained by one goroutine.
type subscriber struct {
	fn func(Event)

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
}

func newSubscriber(fn func(Event)) *subscriber {
	s := &subscriber{fn: fn, wake: make(chan struct{}, 1)}
	go s.run()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.fn(ev)
		}
	}
}
