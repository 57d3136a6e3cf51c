// Package config manages vxlantund daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete vxlantund configuration.
type Config struct {
	Control   ControlConfig    `koanf:"control"`
	Metrics   MetricsConfig    `koanf:"metrics"`
	Log       LogConfig        `koanf:"log"`
	Endpoints []EndpointConfig `koanf:"endpoints"`
}

// ControlConfig holds the JSON-over-HTTP control plane server configuration
// (spec 6.1, 6.2).
type ControlConfig struct {
	// Addr is the control-plane listen address (e.g., ":8472").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9273").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// EndpointConfig describes a declarative VXLAN endpoint from the
// configuration file (spec 6.1's ID/GROUP/LINK/LOCAL/TOS/TTL/LEARNING/
// AGEING/LIMIT/PROXY/RSC/L2MISS/L3MISS/PORT_RANGE/PORT attribute table).
// Each entry creates an endpoint on daemon startup and SIGHUP reload.
type EndpointConfig struct {
	VNI            uint32 `koanf:"vni"`
	Namespace      string `koanf:"namespace"`
	DefaultRemote  string `koanf:"default_remote"`
	LinkIndex      uint32 `koanf:"link_index"`
	LocalSourceIP  string `koanf:"local_source_ip"`
	TOS            uint8  `koanf:"tos"`
	TTL            uint8  `koanf:"ttl"`
	Learning       bool   `koanf:"learning"`
	Proxy          bool   `koanf:"proxy"`
	RSC            bool   `koanf:"rsc"`
	L2Miss         bool   `koanf:"l2miss"`
	L3Miss         bool   `koanf:"l3miss"`
	AgeIntervalSec uint32 `koanf:"age_interval_sec"`
	FDBMaxEntries  int    `koanf:"fdb_max_entries"`
	SrcPortLo      uint16 `koanf:"src_port_lo"`
	SrcPortHi      uint16 `koanf:"src_port_hi"`
	DstPort        uint16 `koanf:"dst_port"`
	LocalMAC       string `koanf:"local_mac"`
	MulticastIface string `koanf:"multicast_iface"`
}

// EndpointKey returns a unique identifier for the endpoint based on
// (vni, namespace, dst_port). Used for diffing endpoints on SIGHUP reload.
func (ec EndpointConfig) EndpointKey() string {
	return fmt.Sprintf("%d|%s|%d", ec.VNI, ec.Namespace, ec.DstPort)
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Control: ControlConfig{
			Addr: ":8472",
		},
		Metrics: MetricsConfig{
			Addr: ":9273",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for vxlantund configuration.
// Variables are named VXLANTUND_<section>_<key>, e.g., VXLANTUND_CONTROL_ADDR.
const envPrefix = "VXLANTUND_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (VXLANTUND_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	VXLANTUND_CONTROL_ADDR  -> control.addr
//	VXLANTUND_METRICS_ADDR  -> metrics.addr
//	VXLANTUND_METRICS_PATH  -> metrics.path
//	VXLANTUND_LOG_LEVEL     -> log.level
//	VXLANTUND_LOG_FORMAT    -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms VXLANTUND_CONTROL_ADDR -> control.addr.
// Strips the VXLANTUND_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"control.addr": defaults.Control.Addr,
		"metrics.addr": defaults.Metrics.Addr,
		"metrics.path": defaults.Metrics.Path,
		"log.level":    defaults.Log.Level,
		"log.format":   defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyControlAddr indicates the control-plane listen address is empty.
	ErrEmptyControlAddr = errors.New("control.addr must not be empty")

	// ErrInvalidVNI indicates a declarative endpoint's VNI is out of range.
	ErrInvalidVNI = errors.New("endpoint vni must be < 16777216")

	// ErrInvalidPortRange indicates src_port_hi is less than src_port_lo.
	ErrInvalidPortRange = errors.New("endpoint src_port_hi must be >= src_port_lo")

	// ErrDuplicateEndpointKey indicates two endpoints share the same
	// (vni, namespace, dst_port) key.
	ErrDuplicateEndpointKey = errors.New("duplicate endpoint key")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Control.Addr == "" {
		return ErrEmptyControlAddr
	}

	if err := validateEndpoints(cfg.Endpoints); err != nil {
		return err
	}

	return nil
}

// validateEndpoints checks each declarative endpoint entry for correctness
// (spec 6.1 validation rules, mirrored from internal/endpoint.ValidateConfig
// without importing it, to keep config dependency-free of the domain).
func validateEndpoints(endpoints []EndpointConfig) error {
	seen := make(map[string]struct{}, len(endpoints))

	for i, ec := range endpoints {
		if ec.VNI >= 1<<24 {
			return fmt.Errorf("endpoints[%d] vni=%d: %w", i, ec.VNI, ErrInvalidVNI)
		}

		if ec.SrcPortHi != 0 && ec.SrcPortHi < ec.SrcPortLo {
			return fmt.Errorf("endpoints[%d]: %w", i, ErrInvalidPortRange)
		}

		key := ec.EndpointKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("endpoints[%d] key %q: %w", i, key, ErrDuplicateEndpointKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
