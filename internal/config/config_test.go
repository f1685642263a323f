package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/hublink/internal/compiler"
	"github.com/chaz8081/hublink/internal/hub"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Hub.ConnectAttempts != 2 {
		t.Errorf("Hub.ConnectAttempts = %d, want 2", cfg.Hub.ConnectAttempts)
	}
	if cfg.Hub.GATTTimeout != 15*time.Second {
		t.Errorf("Hub.GATTTimeout = %s, want 15s", cfg.Hub.GATTTimeout)
	}
	if cfg.Hub.StopTimeout != 3*time.Second {
		t.Errorf("Hub.StopTimeout = %s, want 3s", cfg.Hub.StopTimeout)
	}
	if cfg.Compiler.Backend != "mpy-cross" {
		t.Errorf("Compiler.Backend = %q, want %q", cfg.Compiler.Backend, "mpy-cross")
	}
	if cfg.Relay.Listen != "127.0.0.1:8765" {
		t.Errorf("Relay.Listen = %q, want %q", cfg.Relay.Listen, "127.0.0.1:8765")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
hub:
  name: Technic Hub
  connect_attempts: 4
  gatt_timeout: 20s
  line_delay: 0s
compiler:
  backend: remote
  url: http://localhost:8000
relay:
  listen: 0.0.0.0:9000
  allowed_origins: ["http://localhost:3000"]
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Hub.Name != "Technic Hub" {
		t.Errorf("Hub.Name = %q, want %q", cfg.Hub.Name, "Technic Hub")
	}
	if cfg.Hub.ConnectAttempts != 4 {
		t.Errorf("Hub.ConnectAttempts = %d, want 4", cfg.Hub.ConnectAttempts)
	}
	if cfg.Hub.GATTTimeout != 20*time.Second {
		t.Errorf("Hub.GATTTimeout = %s, want 20s", cfg.Hub.GATTTimeout)
	}
	if cfg.Hub.LineDelay != 0 {
		t.Errorf("Hub.LineDelay = %s, want 0", cfg.Hub.LineDelay)
	}
	// Unset fields keep their defaults.
	if cfg.Hub.ServiceTimeout != 10*time.Second {
		t.Errorf("Hub.ServiceTimeout = %s, want 10s", cfg.Hub.ServiceTimeout)
	}
	if cfg.Compiler.Backend != "remote" || cfg.Compiler.URL != "http://localhost:8000" {
		t.Errorf("Compiler = %+v, want remote at http://localhost:8000", cfg.Compiler)
	}
	if cfg.Relay.Listen != "0.0.0.0:9000" {
		t.Errorf("Relay.Listen = %q, want %q", cfg.Relay.Listen, "0.0.0.0:9000")
	}
	if len(cfg.Relay.AllowedOrigins) != 1 || cfg.Relay.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Relay.AllowedOrigins = %v", cfg.Relay.AllowedOrigins)
	}
	if cfg.Relay.HistoryBytes != 64<<10 {
		t.Errorf("Relay.HistoryBytes = %d, want %d", cfg.Relay.HistoryBytes, 64<<10)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
compiler:
  path: ~/bin/mpy-cross
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "bin/mpy-cross")
	if cfg.Compiler.Path != expected {
		t.Errorf("Compiler.Path = %q, want %q", cfg.Compiler.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("hub:\n  gatt_timeout: soon\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should reject an unparseable duration")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want defaults", cfg.LogLevel)
	}

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: [\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := LoadOrDefault(cfgPath); err == nil {
		t.Error("LoadOrDefault() should surface parse errors")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "zero connect attempts",
			modify:  func(c *Config) { c.Hub.ConnectAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "negative write retries",
			modify:  func(c *Config) { c.Hub.WriteRetries = -1 },
			wantErr: true,
		},
		{
			name:    "zero queue size",
			modify:  func(c *Config) { c.Hub.QueueSize = 0 },
			wantErr: true,
		},
		{
			name:    "zero gatt timeout",
			modify:  func(c *Config) { c.Hub.GATTTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero delays allowed",
			modify:  func(c *Config) { c.Hub.LineDelay = 0; c.Hub.SettleDelay = 0 },
			wantErr: false,
		},
		{
			name:    "negative delay",
			modify:  func(c *Config) { c.Hub.MetaDelay = -time.Millisecond },
			wantErr: true,
		},
		{
			name:    "unknown compiler backend",
			modify:  func(c *Config) { c.Compiler.Backend = "invalid" },
			wantErr: true,
		},
		{
			name:    "mpy-cross without path",
			modify:  func(c *Config) { c.Compiler.Path = "" },
			wantErr: true,
		},
		{
			name:    "remote without url",
			modify:  func(c *Config) { c.Compiler.Backend = "remote" },
			wantErr: true,
		},
		{
			name:    "no compiler",
			modify:  func(c *Config) { c.Compiler.Backend = "none"; c.Compiler.Path = "" },
			wantErr: false,
		},
		{
			name:    "listen without port",
			modify:  func(c *Config) { c.Relay.Listen = "localhost" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "hublink", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# hublink") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Hub.GATTTimeout != 15*time.Second {
		t.Errorf("written config Hub.GATTTimeout = %s, want 15s", cfg.Hub.GATTTimeout)
	}
	if cfg.Compiler.Backend != "mpy-cross" {
		t.Errorf("written config Compiler.Backend = %q, want %q", cfg.Compiler.Backend, "mpy-cross")
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "hublink")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestHubOptions(t *testing.T) {
	cfg := Default()
	cfg.Hub.Name = "Prime Hub"
	cfg.Hub.Address = "AA:BB:CC:DD:EE:FF"
	cfg.Hub.WriteRetries = 5

	opts := cfg.HubOptions()
	if opts.Filter.Name != "Prime Hub" || opts.Filter.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Filter = %+v", opts.Filter)
	}
	if opts.WriteRetries != 5 {
		t.Errorf("WriteRetries = %d, want 5", opts.WriteRetries)
	}

	// With no overrides the mapping reproduces the package defaults.
	def := hub.DefaultOptions()
	got := Default().HubOptions()
	if got != def {
		t.Errorf("Default().HubOptions() = %+v, want %+v", got, def)
	}
}

func TestNewCompiler(t *testing.T) {
	cfg := Default()
	cfg.Compiler.Args = []string{"-march=armv6m"}
	mc, ok := cfg.NewCompiler().(compiler.MpyCross)
	if !ok {
		t.Fatalf("NewCompiler() = %T, want compiler.MpyCross", cfg.NewCompiler())
	}
	if mc.Path != "mpy-cross" || len(mc.Args) != 1 || mc.Timeout != 30*time.Second {
		t.Errorf("MpyCross = %+v", mc)
	}

	cfg.Compiler.Backend = "remote"
	cfg.Compiler.URL = "http://compile.local"
	rc, ok := cfg.NewCompiler().(compiler.Remote)
	if !ok {
		t.Fatalf("NewCompiler() = %T, want compiler.Remote", cfg.NewCompiler())
	}
	if rc.BaseURL != "http://compile.local" || rc.Client == nil || rc.Client.Timeout != 30*time.Second {
		t.Errorf("Remote = %+v", rc)
	}

	cfg.Compiler.Backend = "none"
	if c := cfg.NewCompiler(); c != nil {
		t.Errorf("NewCompiler() = %T, want nil", c)
	}
}

func TestRelayOptions(t *testing.T) {
	cfg := Default()
	cfg.Relay.AllowedOrigins = []string{"http://a"}
	opts := cfg.RelayOptions()
	if opts.HistoryBytes != 64<<10 || opts.CommandTimeout != time.Minute || len(opts.AllowedOrigins) != 1 {
		t.Errorf("RelayOptions() = %+v", opts)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
