package engine

import (
	"math"

	"github.com/MrWong99/nearfield/pkg/dsp"
	"github.com/MrWong99/nearfield/pkg/inference"
)

// Configuration ranges and defaults.
const (
	DefaultStrength              = 0.78
	DefaultMinSuppressionGain    = 0.14
	DefaultNearFieldBias         = 0.51
	DefaultPresenceBoost         = 0.23
	DefaultRumbleDamp            = 0.42
	DefaultTargetLockSensitivity = 0.62

	MinStrength         = 0.2
	MaxStrength         = 1.0
	MinSuppressionFloor = 0.02
	MaxSuppressionFloor = 0.7
	MinNearFieldBias    = 0.2
	MaxNearFieldBias    = 0.8
	MaxPresenceBoost    = 0.6
	MaxRumbleDamp       = 0.7
)

// Config holds the tunable engine parameters. Every field is kept inside its
// range; see [Config.Clamp].
type Config struct {
	RuntimeMode           inference.Mode
	Strength              float64
	MinSuppressionGain    float64
	NearFieldBias         float64
	PresenceBoost         float64
	RumbleDamp            float64
	TargetSpeakerLock     bool
	TargetLockSensitivity float64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		RuntimeMode:           inference.ModeNativeCore,
		Strength:              DefaultStrength,
		MinSuppressionGain:    DefaultMinSuppressionGain,
		NearFieldBias:         DefaultNearFieldBias,
		PresenceBoost:         DefaultPresenceBoost,
		RumbleDamp:            DefaultRumbleDamp,
		TargetLockSensitivity: DefaultTargetLockSensitivity,
	}
}

// Clamp returns c with every field forced into its range. Non-finite values
// are replaced by their defaults and unknown runtime modes become heuristic.
func (c Config) Clamp() Config {
	c.RuntimeMode = inference.ParseMode(string(c.RuntimeMode))
	c.Strength = clampOr(c.Strength, DefaultStrength, MinStrength, MaxStrength)
	c.MinSuppressionGain = clampOr(c.MinSuppressionGain, DefaultMinSuppressionGain, MinSuppressionFloor, MaxSuppressionFloor)
	c.NearFieldBias = clampOr(c.NearFieldBias, DefaultNearFieldBias, MinNearFieldBias, MaxNearFieldBias)
	c.PresenceBoost = clampOr(c.PresenceBoost, DefaultPresenceBoost, 0, MaxPresenceBoost)
	c.RumbleDamp = clampOr(c.RumbleDamp, DefaultRumbleDamp, 0, MaxRumbleDamp)
	c.TargetLockSensitivity = clampOr(c.TargetLockSensitivity, DefaultTargetLockSensitivity, 0, 1)
	return c
}

// ConfigPatch is a partial configuration update as received from the control
// channel. Nil fields are left unchanged.
type ConfigPatch struct {
	RuntimeMode           *string  `json:"runtimeMode,omitempty"`
	Strength              *float64 `json:"strength,omitempty"`
	MinSuppressionGain    *float64 `json:"minSuppressionGain,omitempty"`
	NearFieldBias         *float64 `json:"nearFieldBias,omitempty"`
	PresenceBoost         *float64 `json:"presenceBoost,omitempty"`
	RumbleDamp            *float64 `json:"rumbleDamp,omitempty"`
	TargetSpeakerLock     *bool    `json:"targetSpeakerLock,omitempty"`
	TargetLockSensitivity *float64 `json:"targetLockSensitivity,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ConfigPatch) Empty() bool {
	return p == ConfigPatch{}
}

// Apply returns c updated by p. Nil and non-finite numbers keep the previous
// value; everything else is clamped into range. An empty runtime mode keeps
// the current mode.
func (c Config) Apply(p ConfigPatch) Config {
	if p.RuntimeMode != nil && *p.RuntimeMode != "" {
		c.RuntimeMode = inference.ParseMode(*p.RuntimeMode)
	}
	c.Strength = patchFloat(c.Strength, p.Strength, MinStrength, MaxStrength)
	c.MinSuppressionGain = patchFloat(c.MinSuppressionGain, p.MinSuppressionGain, MinSuppressionFloor, MaxSuppressionFloor)
	c.NearFieldBias = patchFloat(c.NearFieldBias, p.NearFieldBias, MinNearFieldBias, MaxNearFieldBias)
	c.PresenceBoost = patchFloat(c.PresenceBoost, p.PresenceBoost, 0, MaxPresenceBoost)
	c.RumbleDamp = patchFloat(c.RumbleDamp, p.RumbleDamp, 0, MaxRumbleDamp)
	if p.TargetSpeakerLock != nil {
		c.TargetSpeakerLock = *p.TargetSpeakerLock
	}
	c.TargetLockSensitivity = patchFloat(c.TargetLockSensitivity, p.TargetLockSensitivity, 0, 1)
	return c
}

// Patch returns the patch that turns any config into c.
func (c Config) Patch() ConfigPatch {
	mode := string(c.RuntimeMode)
	return ConfigPatch{
		RuntimeMode:           &mode,
		Strength:              &c.Strength,
		MinSuppressionGain:    &c.MinSuppressionGain,
		NearFieldBias:         &c.NearFieldBias,
		PresenceBoost:         &c.PresenceBoost,
		RumbleDamp:            &c.RumbleDamp,
		TargetSpeakerLock:     &c.TargetSpeakerLock,
		TargetLockSensitivity: &c.TargetLockSensitivity,
	}
}

func patchFloat(cur float64, v *float64, lo, hi float64) float64 {
	if v == nil || !finite(*v) {
		return cur
	}
	return dsp.Clamp(*v, lo, hi)
}

func clampOr(v, def, lo, hi float64) float64 {
	if !finite(v) {
		return def
	}
	return dsp.Clamp(v, lo, hi)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
