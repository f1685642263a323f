// Command hublink talks to Pybricks hubs over Bluetooth: it finds hubs,
// runs MicroPython programs on them and relays their terminal to browsers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/hublink/internal/ble"
	"github.com/chaz8081/hublink/internal/config"
	"github.com/chaz8081/hublink/internal/event"
	"github.com/chaz8081/hublink/internal/hub"
	"github.com/chaz8081/hublink/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(newApp()).ExecuteContext(ctx)
	stop()
	if err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// reportedError is a failure the user has already seen as a session event.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

// app carries state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	cfg        *config.Config

	newAdapter func() ble.Adapter
}

func newApp() *app {
	return &app{newAdapter: func() ble.Adapter { return ble.NewTinyGoAdapter() }}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "hublink",
		Short:         "Run MicroPython programs on Pybricks hubs over Bluetooth",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file (default: ~/.config/hublink/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	root.AddCommand(
		newScanCmd(a),
		newRunCmd(a),
		newStopCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup loads and validates configuration and installs the logger.
func (a *app) setup() error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	a.cfg = cfg
	logging.Setup(config.ParseLogLevel(cfg.LogLevel))
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	cfg, err := config.LoadOrDefault(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
	}
	return cfg, nil
}

// newController wires a controller to a fresh adapter and bus.
func (a *app) newController(bus *event.Bus) *hub.Controller {
	slog.Debug("[HUB] controller", "filter_name", a.cfg.Hub.Name, "filter_address", a.cfg.Hub.Address, "compiler", a.cfg.Compiler.Backend)
	return hub.NewController(a.newAdapter(), bus, a.cfg.HubOptions(), a.cfg.NewCompiler())
}
