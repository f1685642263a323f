package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/hublink/internal/event"
	"github.com/chaz8081/hublink/internal/relay"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		listen  string
		connect bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the hub terminal over HTTP and websocket",
		Long: `Serve one hub session to browser and script clients.

GET  /api/health          liveness and hub state
GET  /api/hub             session snapshot
POST /api/hub/connect     start connecting (progress arrives on the websocket)
POST /api/hub/disconnect
POST /api/hub/abort       cancel a pending connect
POST /api/hub/run         {"source": "...", "mode": "repl"|"compiled", "slot": 0}
POST /api/hub/stop
POST /api/hub/stdin       {"data": "..."}
GET  /ws/terminal         session events out, stdin/stop/ping in`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.Relay.Listen
			}
			return a.serve(cmd.Context(), listen, connect)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: relay.listen)")
	cmd.Flags().BoolVar(&connect, "connect", false, "connect to the hub at startup")
	return cmd
}

func (a *app) serve(ctx context.Context, listen string, connect bool) error {
	bus := event.NewBus()
	defer bus.Close()
	ctrl := a.newController(bus)
	defer ctrl.Disconnect()

	rs := relay.New(ctrl, bus, a.cfg.RelayOptions())
	defer rs.Close()

	srv := &http.Server{
		Addr:              listen,
		Handler:           rs.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[RELAY] listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if connect {
		go func() {
			if err := ctrl.Connect(ctx); err != nil {
				slog.Warn("[RELAY] startup connect failed", "error", err)
			}
		}()
	}

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("[RELAY] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("[RELAY] shutdown error", "error", err)
	}
	slog.Info("[RELAY] server stopped")
	return nil
}
