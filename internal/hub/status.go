package hub

import (
	"context"
	"log/slog"

	"github.com/chaz8081/hublink/internal/ble/protocol"
	"github.com/chaz8081/hublink/internal/event"
)

// handleStatus reacts to a changed status report. It runs on the
// notification goroutine after the Manager stored the new bitset.
func (c *Controller) handleStatus(prev protocol.StatusFlags, hadPrev bool, now protocol.StatusFlags) {
	c.publish(event.Event{Kind: event.KindStatus, SessionID: c.mgr.sessionID(), Status: now, Text: now.String()})

	if hadPrev && now.Falling(prev, protocol.StatusUserProgramRunning) {
		slog.Info("[HUB] program finished")
		c.info(MsgProgramFinished)
		// Some firmware leaves the interactive shell attached after the
		// program ends; an extra stop returns the hub to idle. An edge caused
		// by a run's own stop, or one seen mid-transfer, gets none: the run
		// starts its own program.
		ownStop := c.stopSent.Swap(false)
		if !ownStop && !c.transferring.Load() {
			go c.safetyStop()
		}
	}
	if now.Rising(prev, protocol.StatusBatteryLowVoltageWarning) {
		c.info("Hub battery is low")
	}
	if now.Rising(prev, protocol.StatusShutdownRequested) {
		c.info("Hub is shutting down")
	}
}

func (c *Controller) safetyStop() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := c.mgr.Write(ctx, protocol.Stop{}); err != nil {
		slog.Debug("[HUB] stop after program end", "error", err)
	}
}
