package engine

import (
	"github.com/MrWong99/nearfield/pkg/inference"
	"github.com/MrWong99/nearfield/pkg/targetlock"
)

// CommandKind identifies a control command.
type CommandKind int

const (
	// CommandConfigure merges Command.Patch into the configuration.
	CommandConfigure CommandKind = iota + 1
	// CommandResetTargetProfile restores the target profile to its defaults.
	CommandResetTargetProfile
	// CommandCalibrateTargetProfile opens a calibration window of
	// Command.DurationMs.
	CommandCalibrateTargetProfile
	// CommandLoadTargetProfile restores Command.Profile.
	CommandLoadTargetProfile
	// CommandSaveTargetProfile emits an [EventProfileSaved] carrying the
	// current profile under Command.Name.
	CommandSaveTargetProfile
)

// String returns the wire name of the command.
func (k CommandKind) String() string {
	switch k {
	case CommandConfigure:
		return "config"
	case CommandResetTargetProfile:
		return "resetTargetProfile"
	case CommandCalibrateTargetProfile:
		return "calibrateTargetProfile"
	case CommandLoadTargetProfile:
		return "loadTargetProfile"
	case CommandSaveTargetProfile:
		return "saveTargetProfile"
	default:
		return "unknown"
	}
}

// Command is a control request applied at the next block boundary. Only the
// fields relevant to Kind are read. Commands are plain values so that queueing
// one never allocates.
type Command struct {
	Kind       CommandKind
	Patch      ConfigPatch
	DurationMs float64
	Profile    targetlock.Snapshot
	Name       string
}

// Configure returns a command that merges patch into the configuration.
func Configure(patch ConfigPatch) Command {
	return Command{Kind: CommandConfigure, Patch: patch}
}

// ResetTargetProfile returns a command that resets the target profile.
func ResetTargetProfile() Command {
	return Command{Kind: CommandResetTargetProfile}
}

// CalibrateTargetProfile returns a command that starts a calibration window.
// Non-finite durations select the default window.
func CalibrateTargetProfile(durationMs float64) Command {
	return Command{Kind: CommandCalibrateTargetProfile, DurationMs: durationMs}
}

// LoadTargetProfile returns a command that restores s.
func LoadTargetProfile(s targetlock.Snapshot) Command {
	return Command{Kind: CommandLoadTargetProfile, Profile: s}
}

// SaveTargetProfile returns a command that snapshots the profile under name.
func SaveTargetProfile(name string) Command {
	return Command{Kind: CommandSaveTargetProfile, Name: name}
}

// EventKind identifies an engine event.
type EventKind int

const (
	// EventTelemetry carries Event.Telemetry.
	EventTelemetry EventKind = iota + 1
	// EventProfileSaved carries Event.Name and Event.Profile.
	EventProfileSaved
	// EventNativeCoreDisabled carries Event.Err. It is emitted at most once.
	EventNativeCoreDisabled
)

// String returns the wire name of the event.
func (k EventKind) String() string {
	switch k {
	case EventTelemetry:
		return "metrics"
	case EventProfileSaved:
		return "profileSaved"
	case EventNativeCoreDisabled:
		return "nativeCoreDisabled"
	default:
		return "unknown"
	}
}

// Event is emitted by the [Processor]. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind      EventKind
	Telemetry Telemetry
	Name      string
	Profile   targetlock.Snapshot
	Err       error
}

// Telemetry is the periodic engine state report.
type Telemetry struct {
	NearFieldScore            float64        `json:"nearFieldScore"`
	SuppressionGain           float64        `json:"suppressionGain"`
	NoiseFloor                float64        `json:"noiseFloor"`
	SpeechLikelihood          float64        `json:"speechLikelihood"`
	TargetMatchScore          float64        `json:"targetMatchScore"`
	TargetProfileConfidence   float64        `json:"targetProfileConfidence"`
	TargetProfileFrozen       bool           `json:"targetProfileFrozen"`
	TargetProfileVoiceRatio   float64        `json:"targetProfileVoiceRatio"`
	TargetProfileZcr          float64        `json:"targetProfileZcr"`
	TargetProfileSnrScore     float64        `json:"targetProfileSnrScore"`
	TargetLockSensitivity     float64        `json:"targetLockSensitivity"`
	TargetCalibrationActive   bool           `json:"targetCalibrationActive"`
	TargetCalibrationProgress float64        `json:"targetCalibrationProgress"`
	RuntimeMode               inference.Mode `json:"runtimeMode"`
	IsSpeaking                bool           `json:"isSpeaking"`
	NativeCoreActive          bool           `json:"nativeCoreActive"`
	Block                     uint64         `json:"block"`
}
