package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/hublink/internal/ble"
	"github.com/chaz8081/hublink/internal/compiler"
	"github.com/chaz8081/hublink/internal/hub"
	"github.com/chaz8081/hublink/internal/relay"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Hub      HubConfig      `yaml:"hub"`
	Compiler CompilerConfig `yaml:"compiler"`
	Relay    RelayConfig    `yaml:"relay"`
}

// HubConfig selects the hub and tunes connection and run timing.
type HubConfig struct {
	Name    string `yaml:"name"`    // advertised name; empty matches any hub
	Address string `yaml:"address"` // platform address; empty matches any hub

	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	ConnectAttempts   int           `yaml:"connect_attempts"`
	GATTTimeout       time.Duration `yaml:"gatt_timeout"`
	DeviceInfoTimeout time.Duration `yaml:"device_info_timeout"`
	ServiceTimeout    time.Duration `yaml:"service_timeout"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`

	WriteRetries int           `yaml:"write_retries"`
	WriteBackoff time.Duration `yaml:"write_backoff"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	QueueSize    int           `yaml:"queue_size"`

	ReplSettleDelay  time.Duration `yaml:"repl_settle_delay"`
	LineDelay        time.Duration `yaml:"line_delay"`
	StdinChunkDelay  time.Duration `yaml:"stdin_chunk_delay"`
	MetaDelay        time.Duration `yaml:"meta_delay"`
	StopPollInterval time.Duration `yaml:"stop_poll_interval"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
}

// CompilerConfig selects how source is compiled for compiled runs.
type CompilerConfig struct {
	Backend string        `yaml:"backend"` // "mpy-cross", "remote", or "none"
	Path    string        `yaml:"path"`    // mpy-cross binary
	Args    []string      `yaml:"args"`    // extra mpy-cross flags
	URL     string        `yaml:"url"`     // remote compile service base URL
	Timeout time.Duration `yaml:"timeout"`
}

// RelayConfig holds the terminal relay settings.
type RelayConfig struct {
	Listen         string        `yaml:"listen"`
	HistoryBytes   int           `yaml:"history_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hublink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := hub.DefaultOptions()
	return &Config{
		LogLevel: "info",
		Hub: HubConfig{
			ScanTimeout:       opts.ScanTimeout,
			ConnectAttempts:   opts.ConnectAttempts,
			GATTTimeout:       opts.GATTTimeout,
			DeviceInfoTimeout: opts.DeviceInfoTimeout,
			ServiceTimeout:    opts.ServiceTimeout,
			SettleDelay:       opts.SettleDelay,
			RetryBackoff:      opts.RetryBackoff,
			WriteRetries:      opts.WriteRetries,
			WriteBackoff:      opts.WriteBackoff,
			WriteTimeout:      opts.WriteTimeout,
			QueueSize:         opts.QueueSize,
			ReplSettleDelay:   opts.ReplSettleDelay,
			LineDelay:         opts.LineDelay,
			StdinChunkDelay:   opts.StdinChunkDelay,
			MetaDelay:         opts.MetaDelay,
			StopPollInterval:  opts.StopPollInterval,
			StopTimeout:       opts.StopTimeout,
		},
		Compiler: CompilerConfig{
			Backend: "mpy-cross",
			Path:    "mpy-cross",
			Timeout: 30 * time.Second,
		},
		Relay: RelayConfig{
			Listen:         "127.0.0.1:8765",
			HistoryBytes:   64 << 10,
			CommandTimeout: time.Minute,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in compiler.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Compiler.Path = expandTilde(cfg.Compiler.Path)

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	header := "# hublink configuration\n# Durations use Go syntax: 500ms, 10s, 1m.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Hub.ConnectAttempts < 1 {
		return fmt.Errorf("hub.connect_attempts must be >= 1")
	}
	if c.Hub.WriteRetries < 0 {
		return fmt.Errorf("hub.write_retries must be >= 0")
	}
	if c.Hub.QueueSize < 1 {
		return fmt.Errorf("hub.queue_size must be >= 1")
	}
	for name, d := range map[string]time.Duration{
		"scan_timeout":        c.Hub.ScanTimeout,
		"gatt_timeout":        c.Hub.GATTTimeout,
		"device_info_timeout": c.Hub.DeviceInfoTimeout,
		"service_timeout":     c.Hub.ServiceTimeout,
		"write_timeout":       c.Hub.WriteTimeout,
		"stop_timeout":        c.Hub.StopTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("hub.%s must be > 0, got %s", name, d)
		}
	}
	for name, d := range map[string]time.Duration{
		"settle_delay":       c.Hub.SettleDelay,
		"retry_backoff":      c.Hub.RetryBackoff,
		"write_backoff":      c.Hub.WriteBackoff,
		"repl_settle_delay":  c.Hub.ReplSettleDelay,
		"line_delay":         c.Hub.LineDelay,
		"stdin_chunk_delay":  c.Hub.StdinChunkDelay,
		"meta_delay":         c.Hub.MetaDelay,
		"stop_poll_interval": c.Hub.StopPollInterval,
	} {
		if d < 0 {
			return fmt.Errorf("hub.%s must not be negative, got %s", name, d)
		}
	}

	switch c.Compiler.Backend {
	case "mpy-cross":
		if c.Compiler.Path == "" {
			return fmt.Errorf("compiler.path must not be empty for the mpy-cross backend")
		}
	case "remote":
		if c.Compiler.URL == "" {
			return fmt.Errorf("compiler.url must not be empty for the remote backend")
		}
	case "none":
	default:
		return fmt.Errorf("compiler.backend must be \"mpy-cross\", \"remote\", or \"none\", got %q", c.Compiler.Backend)
	}

	if _, _, err := net.SplitHostPort(c.Relay.Listen); err != nil {
		return fmt.Errorf("relay.listen must be host:port, got %q", c.Relay.Listen)
	}
	if c.Relay.HistoryBytes < 0 {
		return fmt.Errorf("relay.history_bytes must be >= 0")
	}

	return nil
}

// HubOptions maps the hub section onto connection options.
func (c *Config) HubOptions() hub.Options {
	h := c.Hub
	return hub.Options{
		Filter:            ble.Filter{Name: h.Name, Address: h.Address},
		ScanTimeout:       h.ScanTimeout,
		ConnectAttempts:   h.ConnectAttempts,
		GATTTimeout:       h.GATTTimeout,
		DeviceInfoTimeout: h.DeviceInfoTimeout,
		ServiceTimeout:    h.ServiceTimeout,
		SettleDelay:       h.SettleDelay,
		RetryBackoff:      h.RetryBackoff,
		WriteRetries:      h.WriteRetries,
		WriteBackoff:      h.WriteBackoff,
		WriteTimeout:      h.WriteTimeout,
		QueueSize:         h.QueueSize,
		ReplSettleDelay:   h.ReplSettleDelay,
		LineDelay:         h.LineDelay,
		StdinChunkDelay:   h.StdinChunkDelay,
		MetaDelay:         h.MetaDelay,
		StopPollInterval:  h.StopPollInterval,
		StopTimeout:       h.StopTimeout,
	}
}

// NewCompiler builds the configured compiler. It returns nil for the
// "none" backend; compiled runs then fail with hub.ErrNoCompiler.
func (c *Config) NewCompiler() hub.Compiler {
	switch c.Compiler.Backend {
	case "mpy-cross":
		return compiler.MpyCross{Path: c.Compiler.Path, Args: c.Compiler.Args, Timeout: c.Compiler.Timeout}
	case "remote":
		return compiler.Remote{BaseURL: c.Compiler.URL, Client: &http.Client{Timeout: c.Compiler.Timeout}}
	default:
		return nil
	}
}

// RelayOptions maps the relay section onto relay options.
func (c *Config) RelayOptions() relay.Options {
	return relay.Options{
		HistoryBytes:   c.Relay.HistoryBytes,
		AllowedOrigins: c.Relay.AllowedOrigins,
		CommandTimeout: c.Relay.CommandTimeout,
	}
}

// ParseLogLevel converts a log level string to slog.Level.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
