package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/vxlantun/vxlantund/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Control.Addr != ":8472" {
		t.Errorf("Control.Addr = %q, want %q", cfg.Control.Addr, ":8472")
	}

	if cfg.Metrics.Addr != ":9273" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9273")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
control:
  addr: ":60000"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Control.Addr != ":60000" {
		t.Errorf("Control.Addr = %q, want %q", cfg.Control.Addr, ":60000")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override control.addr and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
control:
  addr: ":55555"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Control.Addr != ":55555" {
		t.Errorf("Control.Addr = %q, want %q", cfg.Control.Addr, ":55555")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	if cfg.Metrics.Addr != ":9273" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9273")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty control addr",
			modify: func(cfg *config.Config) {
				cfg.Control.Addr = ""
			},
			wantErr: config.ErrEmptyControlAddr,
		},
		{
			name: "vni out of range",
			modify: func(cfg *config.Config) {
				cfg.Endpoints = []config.EndpointConfig{{VNI: 1 << 24}}
			},
			wantErr: config.ErrInvalidVNI,
		},
		{
			name: "inverted port range",
			modify: func(cfg *config.Config) {
				cfg.Endpoints = []config.EndpointConfig{{VNI: 1, SrcPortLo: 60000, SrcPortHi: 50000}}
			},
			wantErr: config.ErrInvalidPortRange,
		},
		{
			name: "duplicate endpoint key",
			modify: func(cfg *config.Config) {
				cfg.Endpoints = []config.EndpointConfig{
					{VNI: 1, DstPort: 4789},
					{VNI: 1, DstPort: 4789},
				}
			},
			wantErr: config.ErrDuplicateEndpointKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadWithEndpoints(t *testing.T) {
	t.Parallel()

	yamlContent := `
control:
  addr: ":8472"
endpoints:
  - vni: 10
    namespace: ""
    default_remote: "239.1.1.1"
    learning: true
    proxy: true
    dst_port: 4789
    multicast_iface: "eth0"
  - vni: 20
    default_remote: "192.0.2.1"
    age_interval_sec: 600
    dst_port: 4789
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if len(cfg.Endpoints) != 2 {
		t.Fatalf("Endpoints count = %d, want 2", len(cfg.Endpoints))
	}

	e1 := cfg.Endpoints[0]
	if e1.VNI != 10 {
		t.Errorf("Endpoints[0].VNI = %d, want 10", e1.VNI)
	}
	if e1.DefaultRemote != "239.1.1.1" {
		t.Errorf("Endpoints[0].DefaultRemote = %q, want %q", e1.DefaultRemote, "239.1.1.1")
	}
	if !e1.Learning || !e1.Proxy {
		t.Errorf("Endpoints[0] learning/proxy flags not parsed: %+v", e1)
	}
	if e1.MulticastIface != "eth0" {
		t.Errorf("Endpoints[0].MulticastIface = %q, want %q", e1.MulticastIface, "eth0")
	}

	e2 := cfg.Endpoints[1]
	if e2.VNI != 20 || e2.AgeIntervalSec != 600 {
		t.Errorf("Endpoints[1] = %+v", e2)
	}

	if e1.EndpointKey() == e2.EndpointKey() {
		t.Error("Endpoints[0] and Endpoints[1] have the same key, expected different")
	}
}

func TestEndpointConfigKey(t *testing.T) {
	t.Parallel()

	ec := config.EndpointConfig{VNI: 10, Namespace: "", DstPort: 4789}
	want := "10||4789"
	if got := ec.EndpointKey(); got != want {
		t.Errorf("EndpointKey() = %q, want %q", got, want)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
control:
  addr: ":8472"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("VXLANTUND_CONTROL_ADDR", ":60000")
	t.Setenv("VXLANTUND_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Control.Addr != ":60000" {
		t.Errorf("Control.Addr = %q, want %q (from env)", cfg.Control.Addr, ":60000")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
control:
  addr: ":8472"
metrics:
  addr: ":9273"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("VXLANTUND_METRICS_ADDR", ":9200")
	t.Setenv("VXLANTUND_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "vxlantund.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
