package control

import (
	"math"
	"time"

	"github.com/MrWong99/nearfield/pkg/engine"
	"github.com/MrWong99/nearfield/pkg/targetlock"
)

// Inbound message types.
const (
	TypeConfig                 = "config"
	TypeResetTargetProfile     = "resetTargetProfile"
	TypeCalibrateTargetProfile = "calibrateTargetProfile"
	TypeLoadTargetProfile      = "loadTargetProfile"
	TypeSaveTargetProfile      = "saveTargetProfile"

	// Profile store requests. They are answered with an error message when
	// no store is configured.
	TypeListProfiles         = "listProfiles"
	TypeLoadStoredProfile    = "loadStoredProfile"
	TypeDeleteProfile        = "deleteProfile"
	TypeRecallNearestProfile = "recallNearestProfile"
)

// Outbound message types besides the engine event kinds.
const (
	TypeProfiles       = "profiles"
	TypeProfileLoaded  = "profileLoaded"
	TypeProfileDeleted = "profileDeleted"
	TypeError          = "error"
)

// inbound is a client request. Numeric fields are pointers so that absent
// values can be told apart from zero.
type inbound struct {
	Type       string              `json:"type"`
	Config     *engine.ConfigPatch `json:"config,omitempty"`
	DurationMs *float64            `json:"durationMs,omitempty"`
	Profile    *wireProfile        `json:"profile,omitempty"`
	Name       string              `json:"name,omitempty"`
}

// wireProfile is a profile as sent by clients. Missing numbers keep the
// engine's current value.
type wireProfile struct {
	VoiceRatio  *float64 `json:"targetProfileVoiceRatio"`
	ZCR         *float64 `json:"targetProfileZcr"`
	SNRScore    *float64 `json:"targetProfileSnrScore"`
	Confidence  *float64 `json:"targetProfileConfidence"`
	Frozen      bool     `json:"targetProfileFrozen"`
	Sensitivity *float64 `json:"targetLockSensitivity"`
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// snapshot converts w into a snapshot where absent fields are NaN, which the
// target lock treats as "keep".
func (w wireProfile) snapshot() targetlock.Snapshot {
	return targetlock.Snapshot{
		VoiceRatio:  orNaN(w.VoiceRatio),
		ZCR:         orNaN(w.ZCR),
		SNRScore:    orNaN(w.SNRScore),
		Confidence:  orNaN(w.Confidence),
		Frozen:      w.Frozen,
		Sensitivity: orNaN(w.Sensitivity),
	}
}

// storedProfile is a profile store entry as sent to clients.
type storedProfile struct {
	Name      string              `json:"name"`
	Profile   targetlock.Snapshot `json:"profile"`
	UpdatedAt time.Time           `json:"updatedAt"`
	Distance  *float64            `json:"distance,omitempty"`
}

// outbound is a message sent to clients. Telemetry fields are inlined so that
// a metrics message reads {"type":"metrics","nearFieldScore":...}.
type outbound struct {
	Type string `json:"type"`
	*engine.Telemetry
	Name     string               `json:"name,omitempty"`
	Profile  *targetlock.Snapshot `json:"profile,omitempty"`
	Profiles []storedProfile      `json:"profiles,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// fromEvent converts an engine event into its wire form.
func fromEvent(ev engine.Event) outbound {
	out := outbound{Type: ev.Kind.String()}
	switch ev.Kind {
	case engine.EventTelemetry:
		t := ev.Telemetry
		out.Telemetry = &t
	case engine.EventProfileSaved:
		p := ev.Profile
		out.Name = ev.Name
		out.Profile = &p
	case engine.EventNativeCoreDisabled:
		if ev.Err != nil {
			out.Error = ev.Err.Error()
		}
	}
	return out
}

func errorMessage(request string, err error) outbound {
	return outbound{Type: TypeError, Name: request, Error: err.Error()}
}
