package hub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/hublink/internal/ble"
	"github.com/chaz8081/hublink/internal/ble/protocol"
	"github.com/chaz8081/hublink/internal/event"
)

// Compiler turns MicroPython source into a program image for RunCompiled.
type Compiler interface {
	Compile(ctx context.Context, source string) ([]byte, error)
}

// Info texts that mark program boundaries. The start text is followed by
// a size in parentheses.
const (
	MsgProgramStarted  = "Program started"
	MsgProgramFinished = "Program finished"
)

// Controller runs programs on a connected hub: interactive source runs,
// compiled uploads, stop and stdin. It owns the Manager and reacts to
// status reports.
type Controller struct {
	mgr      *Manager
	bus      *event.Bus
	opts     Options
	compiler Compiler

	// runMu keeps two execution sequences from interleaving on the wire.
	runMu sync.Mutex
	// transferring is set while a sequence holds runMu.
	transferring atomic.Bool
	// stopSent marks a falling edge the controller caused itself; the edge
	// handler consumes it.
	stopSent atomic.Bool
}

// NewController creates a controller with its own Manager. compiler may be
// nil, in which case CompileAndRun returns ErrNoCompiler.
func NewController(adapter ble.Adapter, bus *event.Bus, opts Options, compiler Compiler) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		mgr:      NewManager(adapter, bus, opts),
		bus:      bus,
		opts:     opts,
		compiler: compiler,
	}
	c.mgr.onStatus = c.handleStatus
	return c
}

// Connect opens a session. See Manager.Connect.
func (c *Controller) Connect(ctx context.Context) error {
	c.stopSent.Store(false)
	return c.mgr.Connect(ctx)
}

// Disconnect closes the session, or aborts a connect in progress.
func (c *Controller) Disconnect() { c.mgr.Disconnect() }

// Abort cancels a connect in progress.
func (c *Controller) Abort() { c.mgr.Abort() }

// State returns the connection state.
func (c *Controller) State() State { return c.mgr.State() }

// Session returns the open session snapshot.
func (c *Controller) Session() (Session, bool) { return c.mgr.Session() }

// RunSource runs source through the hub's interactive shell using paste
// mode, so the hub needs no compiler on this side.
func (c *Controller) RunSource(ctx context.Context, source string) error {
	if !c.runMu.TryLock() {
		return fmt.Errorf("%w: program transfer in progress", ErrBusy)
	}
	c.transferring.Store(true)
	defer func() {
		c.transferring.Store(false)
		c.runMu.Unlock()
	}()

	s, ok := c.mgr.Session()
	if !ok {
		return ErrNotConnected
	}
	err := c.runSource(ctx, s, source)
	if err != nil {
		c.fail("Run failed", err)
	}
	return err
}

func (c *Controller) runSource(ctx context.Context, s Session, source string) error {
	if err := c.ensureStopped(ctx); err != nil {
		return err
	}

	var start protocol.Command = protocol.StartRepl{}
	if s.Generation == GenerationModern {
		start = protocol.StartUserProgram{Slot: protocol.ReplProgramID, HasSlot: true}
	}
	slog.Info("[HUB] starting interactive shell", "protocol", s.Generation)
	if err := c.mgr.Write(ctx, start); err != nil {
		return err
	}
	if err := sleep(ctx, c.opts.ReplSettleDelay); err != nil {
		return err
	}

	for _, ctrl := range []byte{protocol.CtrlInterrupt, protocol.CtrlPasteMode} {
		if err := c.writeStdin(ctx, s, []byte{ctrl}); err != nil {
			return err
		}
	}
	lines := sourceLines(source)
	for _, line := range lines {
		if err := c.writeStdin(ctx, s, []byte(line+"\n")); err != nil {
			return err
		}
		if err := sleep(ctx, c.opts.LineDelay); err != nil {
			return err
		}
	}
	if err := c.writeStdin(ctx, s, []byte{protocol.CtrlCommit}); err != nil {
		return err
	}
	slog.Info("[HUB] program sent", "lines", len(lines))
	c.info(fmt.Sprintf("%s (%d lines)", MsgProgramStarted, len(lines)))
	return nil
}

// sourceLines splits source into lines without terminators. A trailing
// newline does not produce an empty last line.
func sourceLines(source string) []string {
	source = strings.ReplaceAll(source, "\r\n", "\n")
	source = strings.TrimSuffix(source, "\n")
	if source == "" {
		return nil
	}
	return strings.Split(source, "\n")
}

// RunCompiled uploads a compiled program into user RAM and starts it. slot
// is only sent to modern firmware.
func (c *Controller) RunCompiled(ctx context.Context, program []byte, slot uint8) error {
	if !c.runMu.TryLock() {
		return fmt.Errorf("%w: program transfer in progress", ErrBusy)
	}
	c.transferring.Store(true)
	defer func() {
		c.transferring.Store(false)
		c.runMu.Unlock()
	}()

	s, ok := c.mgr.Session()
	if !ok {
		return ErrNotConnected
	}
	err := c.runCompiled(ctx, s, program, slot)
	if err != nil {
		c.fail("Upload failed", err)
	}
	return err
}

func (c *Controller) runCompiled(ctx context.Context, s Session, program []byte, slot uint8) error {
	if len(program) == 0 {
		return ErrEmptyProgram
	}
	if caps := s.Capabilities; caps.HasProgramSize && uint32(len(program)) > caps.MaxUserProgramSize {
		return fmt.Errorf("%w: %d bytes, hub accepts %d", ErrProgramTooLarge, len(program), caps.MaxUserProgramSize)
	}
	if err := c.ensureStopped(ctx); err != nil {
		return err
	}

	// Clear the stored program so a partial upload is never run.
	if err := c.mgr.Write(ctx, protocol.WriteProgramMeta{Size: 0}); err != nil {
		return err
	}
	if err := sleep(ctx, c.opts.MetaDelay); err != nil {
		return err
	}

	chunks := protocol.ProgramChunks(program, s.MaxWriteSize())
	slog.Info("[HUB] uploading program", "bytes", len(program), "chunks", len(chunks))
	for i, chunk := range chunks {
		if err := c.mgr.Write(ctx, chunk); err != nil {
			return err
		}
		if n := i + 1; len(chunks) > 5 && n%5 == 0 {
			c.info(fmt.Sprintf("Uploading: %d/%d chunks", n, len(chunks)))
		}
	}

	if err := c.mgr.Write(ctx, protocol.WriteProgramMeta{Size: uint32(len(program))}); err != nil {
		return err
	}
	start := protocol.StartUserProgram{}
	if s.Generation == GenerationModern {
		start = protocol.StartUserProgram{Slot: slot, HasSlot: true}
	}
	if err := c.mgr.Write(ctx, start); err != nil {
		return err
	}
	c.info(fmt.Sprintf("%s (%d bytes)", MsgProgramStarted, len(program)))
	return nil
}

// CompileAndRun compiles source with the configured compiler and runs the
// result with RunCompiled.
func (c *Controller) CompileAndRun(ctx context.Context, source string, slot uint8) error {
	if c.compiler == nil {
		return ErrNoCompiler
	}
	if _, ok := c.mgr.Session(); !ok {
		return ErrNotConnected
	}
	program, err := c.compiler.Compile(ctx, source)
	if err != nil {
		c.fail("Compile failed", err)
		return fmt.Errorf("hub: compile: %w", err)
	}
	return c.RunCompiled(ctx, program, slot)
}

// Stop asks the hub to stop the running program.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.mgr.Write(ctx, protocol.Stop{}); err != nil {
		c.fail("Stop failed", err)
		return err
	}
	return nil
}

// WriteStdin sends data to the running program's stdin.
func (c *Controller) WriteStdin(ctx context.Context, data []byte) error {
	s, ok := c.mgr.Session()
	if !ok {
		return ErrNotConnected
	}
	if err := c.writeStdin(ctx, s, data); err != nil {
		c.fail("Write failed", err)
		return err
	}
	return nil
}

// WriteLine sends line followed by a newline to stdin.
func (c *Controller) WriteLine(ctx context.Context, line string) error {
	return c.WriteStdin(ctx, []byte(line+"\n"))
}

// ResetInUpdateMode reboots the hub into firmware update mode. The hub
// drops the connection.
func (c *Controller) ResetInUpdateMode(ctx context.Context) error {
	if err := c.mgr.Write(ctx, protocol.ResetInUpdateMode{}); err != nil {
		c.fail("Reset failed", err)
		return err
	}
	c.info("Hub is restarting in update mode")
	return nil
}

func (c *Controller) writeStdin(ctx context.Context, s Session, data []byte) error {
	chunks := protocol.ChunkBytes(data, protocol.StdinChunkSize(s.MaxWriteSize()))
	for i, chunk := range chunks {
		if i > 0 {
			if err := sleep(ctx, c.opts.StdinChunkDelay); err != nil {
				return err
			}
		}
		if err := c.mgr.Write(ctx, protocol.WriteStdin{Data: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// ensureStopped stops a running program and waits for the hub to report it
// stopped. A hub that keeps running past StopTimeout is reported and the
// caller continues anyway.
func (c *Controller) ensureStopped(ctx context.Context) error {
	flags, ok := c.mgr.Status()
	if !ok || !flags.Running() {
		return nil
	}
	slog.Info("[HUB] stopping running program")
	c.stopSent.Store(true)
	if err := c.mgr.Write(ctx, protocol.Stop{}); err != nil {
		c.stopSent.Store(false)
		return err
	}

	wait, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
	defer cancel()
	for {
		if flags, _ := c.mgr.Status(); !flags.Running() {
			return nil
		}
		if err := sleep(wait, c.opts.StopPollInterval); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("[HUB] program still running after stop", "timeout", c.opts.StopTimeout)
			c.info(fmt.Sprintf("Program did not stop within %s; continuing", c.opts.StopTimeout))
			return nil
		}
	}
}

func (c *Controller) info(text string) {
	c.publish(event.Event{Kind: event.KindInfo, SessionID: c.mgr.sessionID(), Text: text})
}

func (c *Controller) fail(what string, err error) {
	slog.Error("[HUB] "+strings.ToLower(what), "error", err)
	c.publish(event.Event{Kind: event.KindError, SessionID: c.mgr.sessionID(), Text: fmt.Sprintf("%s: %v", what, err)})
}

func (c *Controller) publish(ev event.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}
