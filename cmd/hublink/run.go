package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chaz8081/hublink/internal/event"
	"github.com/chaz8081/hublink/internal/hub"
)

const (
	keyInterrupt = 0x03 // Ctrl-C
	keyDetach    = 0x1d // Ctrl-]
)

// drainTimeout bounds the wait for the final disconnect event on exit.
const drainTimeout = 2 * time.Second

var errHubGone = errors.New("hub disconnected")

func newRunCmd(a *app) *cobra.Command {
	var (
		compiled bool
		slot     uint8
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a MicroPython program and attach to its terminal",
		Long: `Connect to a hub, run FILE on it and stream its output.

Keyboard input is forwarded to the program. Ctrl-C stops the program and
Ctrl-] detaches. The command exits when the program finishes.

By default the source is pasted into the hub's interactive shell. With
--compiled it is compiled with the configured compiler and uploaded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), runParams{
				source:   string(source),
				compiled: compiled,
				slot:     slot,
				in:       cmd.InOrStdin(),
				out:      cmd.OutOrStdout(),
				errw:     cmd.ErrOrStderr(),
			})
		},
	}
	cmd.Flags().BoolVar(&compiled, "compiled", false, "compile the program and upload it instead of pasting it")
	cmd.Flags().Uint8Var(&slot, "slot", 0, "program slot for compiled runs, on hubs with slots")
	return cmd
}

type runParams struct {
	source   string
	compiled bool
	slot     uint8
	in       io.Reader
	out      io.Writer
	errw     io.Writer
}

func (a *app) run(ctx context.Context, p runParams) error {
	bus := event.NewBus()
	defer bus.Close()
	ctrl := a.newController(bus)
	v := newView(p.out, p.errw)
	unsubscribe := bus.Subscribe(v.handle)
	defer unsubscribe()

	// Disconnect on every path, then let the view print the final events.
	defer func() {
		ctrl.Disconnect()
		select {
		case <-v.gone:
		case <-time.After(drainTimeout):
		}
	}()

	if err := ctrl.Connect(ctx); err != nil {
		return reportedError{err}
	}

	var err error
	if p.compiled {
		err = ctrl.CompileAndRun(ctx, p.source, p.slot)
	} else {
		err = ctrl.RunSource(ctx, p.source)
	}
	if err != nil {
		if published(err) {
			return reportedError{err}
		}
		return err
	}

	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			slog.Warn("[HUB] raw terminal unavailable", "error", err)
		} else {
			defer term.Restore(int(f.Fd()), state)
			v.setRaw(true)
		}
	}

	keys := newKeyboard(p.in)
	// Control writes must outlive the interrupt that cancels ctx.
	bg := context.WithoutCancel(ctx)

	interrupted := ctx.Done()
	var quit <-chan time.Time
	stopProgram := func() {
		v.note("Stopping program")
		quit = time.After(a.cfg.Hub.StopTimeout + a.cfg.Hub.WriteTimeout)
		go func() {
			sctx, cancel := context.WithTimeout(bg, a.cfg.Hub.WriteTimeout)
			defer cancel()
			_ = ctrl.Stop(sctx)
		}()
	}

	for {
		select {
		case <-v.finished:
			return nil
		case <-v.gone:
			return reportedError{errHubGone}
		case <-interrupted:
			interrupted = nil
			stopProgram()
		case <-keys.interrupt:
			stopProgram()
		case <-keys.detach:
			v.note("Detached")
			return nil
		case data := <-keys.data:
			wctx, cancel := context.WithTimeout(bg, a.cfg.Hub.WriteTimeout)
			err := ctrl.WriteStdin(wctx, data)
			cancel()
			if err != nil && !published(err) {
				v.note("stdin: " + err.Error())
			}
		case <-quit:
			return errors.New("program did not stop")
		}
	}
}

// published reports whether the controller already announced err as an
// error event.
func published(err error) bool {
	return !errors.Is(err, hub.ErrBusy) &&
		!errors.Is(err, hub.ErrNotConnected) &&
		!errors.Is(err, hub.ErrNoCompiler)
}

// keyboard splits terminal input into stdin data and control keys.
type keyboard struct {
	data      chan []byte
	interrupt chan struct{}
	detach    chan struct{}
}

func newKeyboard(r io.Reader) *keyboard {
	k := &keyboard{
		data:      make(chan []byte, 16),
		interrupt: make(chan struct{}, 1),
		detach:    make(chan struct{}, 1),
	}
	go k.read(r)
	return k
}

// read runs until r fails. It never blocks on a consumer that went away.
func (k *keyboard) read(r io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			k.dispatch(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (k *keyboard) dispatch(b []byte) {
	for len(b) > 0 {
		i := bytes.IndexAny(b, string([]byte{keyInterrupt, keyDetach}))
		if i < 0 {
			k.send(bytes.Clone(b))
			return
		}
		if i > 0 {
			k.send(bytes.Clone(b[:i]))
		}
		ch := k.interrupt
		if b[i] == keyDetach {
			ch = k.detach
		}
		select {
		case ch <- struct{}{}:
		default:
		}
		b = b[i+1:]
	}
}

func (k *keyboard) send(b []byte) {
	select {
	case k.data <- b:
	default:
		slog.Warn("[HUB] stdin backlog, dropping input", "bytes", len(b))
	}
}
