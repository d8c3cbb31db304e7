// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration of an interception engine. The engine copies
// it at creation and never reads it again.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Backends BackendsConfig `yaml:"backends"`
	Logging  LoggingConfig  `yaml:"logging"`
	Probe    ProbeConfig    `yaml:"probe"`
	Context  ContextConfig  `yaml:"context"`
	Control  ControlConfig  `yaml:"control"`
}

// BackendsConfig selects the families eligible for detection.
type BackendsConfig struct {
	Direct3D9  bool `yaml:"direct3d9"`
	Direct3D10 bool `yaml:"direct3d10"`
	Direct3D11 bool `yaml:"direct3d11"`
	Direct3D12 bool `yaml:"direct3d12"`
	CoreAudio  bool `yaml:"core_audio"`
}

// LoggingConfig configures the engine log.
type LoggingConfig struct {
	Enabled bool `yaml:"enabled"`
	// FilePath may contain %NAME% or $NAME environment references, or be
	// "stderr" / "stdout".
	FilePath string `yaml:"file_path"`
	Format   string `yaml:"format"` // console or json
}

// ProbeConfig bounds backend detection.
type ProbeConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	WindowClass  string        `yaml:"window_class"`
}

// ContextConfig bounds the custom context block.
type ContextConfig struct {
	MaxSize int `yaml:"max_size"`
}

// ControlConfig configures the dormant/active control file.
type ControlConfig struct {
	// Path of the control file. Empty disables the toggle.
	Path string `yaml:"path"`
}

// DefaultLogPath is the log destination used when none is configured.
const DefaultLogPath = "%TEMP%/hydrahook.log"

// DefaultConfig returns a config with all graphics families eligible and
// audio off.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Backends: BackendsConfig{
			Direct3D9:  true,
			Direct3D10: true,
			Direct3D11: true,
			Direct3D12: true,
		},
		Logging: LoggingConfig{
			Enabled:  true,
			FilePath: DefaultLogPath,
			Format:   "console",
		},
		Probe: ProbeConfig{
			MaxAttempts:  10,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			WindowClass:  "HydraHookProbeWindow",
		},
		Context: ContextConfig{
			MaxSize: 64 << 20,
		},
	}
}

// Load reads a YAML config file over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverrides applies HYDRAHOOK_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"HYDRAHOOK_LOG_LEVEL":    func(v string) { c.LogLevel = v },
		"HYDRAHOOK_LOG_FILE":     func(v string) { c.Logging.FilePath = v },
		"HYDRAHOOK_LOG_FORMAT":   func(v string) { c.Logging.Format = v },
		"HYDRAHOOK_CONTROL_PATH": func(v string) { c.Control.Path = v },
	}

	boolOverrides := map[string]*bool{
		"HYDRAHOOK_LOGGING_ENABLED": &c.Logging.Enabled,
		"HYDRAHOOK_HOOK_D3D9":       &c.Backends.Direct3D9,
		"HYDRAHOOK_HOOK_D3D10":      &c.Backends.Direct3D10,
		"HYDRAHOOK_HOOK_D3D11":      &c.Backends.Direct3D11,
		"HYDRAHOOK_HOOK_D3D12":      &c.Backends.Direct3D12,
		"HYDRAHOOK_HOOK_CORE_AUDIO": &c.Backends.CoreAudio,
	}

	intOverrides := map[string]*int{
		"HYDRAHOOK_PROBE_MAX_ATTEMPTS": &c.Probe.MaxAttempts,
		"HYDRAHOOK_CONTEXT_MAX_SIZE":   &c.Context.MaxSize,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// AnyBackend reports whether at least one family is eligible.
func (b BackendsConfig) AnyBackend() bool {
	return b.Direct3D9 || b.Direct3D10 || b.Direct3D11 || b.Direct3D12 || b.CoreAudio
}

// Validate checks the config for values the engine cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}

	if c.Logging.Enabled {
		if c.Logging.FilePath == "" {
			return fmt.Errorf("logging.file_path is required when logging is enabled")
		}
		if c.Logging.Format != "console" && c.Logging.Format != "json" {
			return fmt.Errorf("logging.format must be 'console' or 'json'")
		}
	}

	if c.Probe.MaxAttempts < 1 {
		return fmt.Errorf("probe.max_attempts must be at least 1")
	}

	if c.Probe.InitialDelay < 0 || c.Probe.MaxDelay < c.Probe.InitialDelay {
		return fmt.Errorf("probe delays must satisfy 0 <= initial_delay <= max_delay")
	}

	if c.Probe.WindowClass == "" {
		return fmt.Errorf("probe.window_class is required")
	}

	if c.Context.MaxSize <= 0 {
		return fmt.Errorf("context.max_size must be positive")
	}

	return nil
}
