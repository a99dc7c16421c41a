package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MrWong99/nearfield/pkg/engine"
	"github.com/MrWong99/nearfield/pkg/inference"
	"gopkg.in/yaml.v3"
)

// maxBlockSize bounds audio.block_size; larger blocks make the gate react
// too slowly to be useful.
const maxBlockSize = 16384

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found. Engine
// parameters outside their range are only logged; the engine clamps them.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.BlockSize <= 0 || a.BlockSize > maxBlockSize {
		errs = append(errs, fmt.Errorf("audio.block_size %d is out of range [1, %d]", a.BlockSize, maxBlockSize))
	}
	if a.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be positive", a.Channels))
	}
	if a.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must not be negative", a.InputSampleRate))
	}
	if a.InputChannels < 0 {
		errs = append(errs, fmt.Errorf("audio.input_channels %d must not be negative", a.InputChannels))
	}
	if a.Input == "" {
		errs = append(errs, errors.New(`audio.input is required; use "-" for stdin`))
	}
	if a.Output == "" {
		errs = append(errs, errors.New(`audio.output is required; use "-" for stdout`))
	}

	// Engine
	e := cfg.Engine
	if e.RuntimeMode != "" && inference.ParseMode(e.RuntimeMode) != inference.Mode(e.RuntimeMode) {
		errs = append(errs, fmt.Errorf("engine.runtime_mode %q is invalid; valid values: heuristic, neural_stub, rust_wasm", e.RuntimeMode))
	}
	if e.TelemetryHz <= 0 {
		errs = append(errs, fmt.Errorf("engine.telemetry_hz %g must be positive", e.TelemetryHz))
	}
	warnRange("engine.strength", e.Strength, engine.MinStrength, engine.MaxStrength)
	warnRange("engine.min_suppression_gain", e.MinSuppressionGain, engine.MinSuppressionFloor, engine.MaxSuppressionFloor)
	warnRange("engine.near_field_bias", e.NearFieldBias, engine.MinNearFieldBias, engine.MaxNearFieldBias)
	warnRange("engine.presence_boost", e.PresenceBoost, 0, engine.MaxPresenceBoost)
	warnRange("engine.rumble_damp", e.RumbleDamp, 0, engine.MaxRumbleDamp)
	warnRange("engine.target_lock_sensitivity", e.TargetLockSensitivity, 0, 1)

	// Native core
	nc := cfg.NativeCore
	if nc.Enabled && nc.URL == "" && nc.Path == "" {
		errs = append(errs, errors.New("native_core: enabled requires url or path"))
	}
	if nc.InitTimeout < 0 {
		errs = append(errs, fmt.Errorf("native_core.init_timeout %s must not be negative", nc.InitTimeout))
	}
	if nc.RetryBackoff < 0 || nc.RetryMaxBackoff < 0 {
		errs = append(errs, errors.New("native_core retry backoffs must not be negative"))
	}
	if nc.CircuitBreaker.MaxFailures < 0 || nc.CircuitBreaker.HalfOpenMax < 0 || nc.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("native_core.circuit_breaker values must not be negative"))
	}
	if !nc.Enabled && inference.ParseMode(e.RuntimeMode) == inference.ModeNativeCore {
		slog.Warn("engine.runtime_mode is rust_wasm but native_core is disabled; the software path will be used")
	}

	// Profiles
	p := cfg.Profiles
	if !p.Enabled() && (p.Autoload != "" || p.Autosave != "") {
		errs = append(errs, errors.New("profiles.autoload and profiles.autosave require profiles.dir or profiles.postgres_dsn"))
	}
	if p.Dir != "" && p.PostgresDSN != "" {
		slog.Warn("both profiles.dir and profiles.postgres_dsn are set; using postgres")
	}

	return errors.Join(errs...)
}

func warnRange(key string, v, lo, hi float64) {
	if v >= lo && v <= hi {
		return
	}
	slog.Warn("config value out of range, will be clamped",
		"key", key,
		"value", v,
		"min", lo,
		"max", hi,
	)
}
