package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chaz8081/hublink/internal/event"
	"github.com/chaz8081/hublink/internal/hub"
)

// view renders session events on a terminal and watches for the end of the
// program this process started.
type view struct {
	out, errw io.Writer

	mu      sync.Mutex
	raw     bool
	armed   bool // our program has been started
	running bool // last reported state
	seen    bool // our program was seen running

	finished   chan struct{}
	gone       chan struct{}
	finishOnce sync.Once
	goneOnce   sync.Once
}

func newView(out, errw io.Writer) *view {
	return &view{
		out:      out,
		errw:     errw,
		finished: make(chan struct{}),
		gone:     make(chan struct{}),
	}
}

func (v *view) setRaw(raw bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.raw = raw
}

func (v *view) handle(ev event.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev.Kind {
	case event.KindOutput:
		io.WriteString(v.out, v.newlines(ev.Text))
	case event.KindInfo:
		// A running state seen before the start marker belongs to our
		// program: any earlier program was stopped first.
		if strings.HasPrefix(ev.Text, hub.MsgProgramStarted) {
			v.armed = true
			v.seen = v.running
		}
		v.noteLocked(ev.Text)
	case event.KindError:
		v.noteLocked("error: " + ev.Text)
	case event.KindStatus:
		v.running = ev.Status.Running()
		if !v.armed {
			return
		}
		if v.running {
			v.seen = true
		} else if v.seen {
			v.finishOnce.Do(func() { close(v.finished) })
		}
	case event.KindDisconnected:
		v.goneOnce.Do(func() { close(v.gone) })
	}
}

// note prints a status line on the error stream.
func (v *view) note(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.noteLocked(text)
}

func (v *view) noteLocked(text string) {
	fmt.Fprint(v.errw, v.newlines("hublink: "+text+"\n"))
}

// newlines converts line endings for a terminal in raw mode.
func (v *view) newlines(s string) string {
	if !v.raw {
		return s
	}
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}
