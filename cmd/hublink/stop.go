package main

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/hublink/internal/event"
)

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the program running on a hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.stop(cmd.Context(), cmd.ErrOrStderr())
		},
	}
}

func (a *app) stop(ctx context.Context, errw io.Writer) error {
	bus := event.NewBus()
	defer bus.Close()
	ctrl := a.newController(bus)
	v := newView(io.Discard, errw)
	unsubscribe := bus.Subscribe(v.handle)
	defer unsubscribe()

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

	wctx, cancel := context.WithTimeout(ctx, a.cfg.Hub.WriteTimeout)
	defer cancel()
	if err := ctrl.Stop(wctx); err != nil {
		return reportedError{err}
	}
	return nil
}
