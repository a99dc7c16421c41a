package config

import "github.com/MrWong99/nearfield/pkg/engine"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EnginePatch holds only the engine parameters that changed. It is
	// empty when the engine section is unchanged.
	EnginePatch engine.ConfigPatch

	// RestartRequired names the sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// EngineChanged reports whether any engine parameter changed.
func (d ConfigDiff) EngineChanged() bool {
	return !d.EnginePatch.Empty()
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.EnginePatch = diffEngine(old.Engine, new.Engine)

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat ||
		!equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Engine.TelemetryHz != new.Engine.TelemetryHz {
		d.RestartRequired = append(d.RestartRequired, "engine.telemetry_hz")
	}
	if old.NativeCore != new.NativeCore {
		d.RestartRequired = append(d.RestartRequired, "native_core")
	}
	if old.Profiles != new.Profiles {
		d.RestartRequired = append(d.RestartRequired, "profiles")
	}
	if old.Observability != new.Observability {
		d.RestartRequired = append(d.RestartRequired, "observability")
	}
	return d
}

// diffEngine returns a patch carrying the fields of new that differ from old.
func diffEngine(old, new EngineConfig) engine.ConfigPatch {
	var p engine.ConfigPatch
	if old.RuntimeMode != new.RuntimeMode {
		p.RuntimeMode = &new.RuntimeMode
	}
	p.Strength = changed(old.Strength, new.Strength)
	p.MinSuppressionGain = changed(old.MinSuppressionGain, new.MinSuppressionGain)
	p.NearFieldBias = changed(old.NearFieldBias, new.NearFieldBias)
	p.PresenceBoost = changed(old.PresenceBoost, new.PresenceBoost)
	p.RumbleDamp = changed(old.RumbleDamp, new.RumbleDamp)
	if old.TargetSpeakerLock != new.TargetSpeakerLock {
		p.TargetSpeakerLock = &new.TargetSpeakerLock
	}
	p.TargetLockSensitivity = changed(old.TargetLockSensitivity, new.TargetLockSensitivity)
	return p
}

func changed(old, new float64) *float64 {
	if old == new {
		return nil
	}
	return &new
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
