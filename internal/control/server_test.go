package control_test

import (
	"context"
	"errors"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/nearfield/internal/control"
	"github.com/MrWong99/nearfield/internal/profilestore/mock"
	"github.com/MrWong99/nearfield/pkg/engine"
	"github.com/MrWong99/nearfield/pkg/targetlock"
)

// submitter records submitted commands.
type submitter struct {
	mu   sync.Mutex
	cmds []engine.Command
	err  error
	got  chan engine.Command
}

func newSubmitter() *submitter {
	return &submitter{got: make(chan engine.Command, 16)}
}

func (s *submitter) Submit(cmd engine.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cmds = append(s.cmds, cmd)
	s.got <- cmd
	return nil
}

func (s *submitter) next(t *testing.T) engine.Command {
	t.Helper()
	select {
	case cmd := <-s.got:
		return cmd
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a command")
		return engine.Command{}
	}
}

func start(t *testing.T, srv *control.Server) *websocket.Conn {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	deadline := time.Now().Add(3 * time.Second)
	for srv.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var msg map[string]any
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestServer_Commands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, cmd engine.Command)
	}{
		{
			name: "config",
			raw:  `{"type":"config","config":{"strength":0.4,"targetSpeakerLock":true}}`,
			check: func(t *testing.T, cmd engine.Command) {
				if cmd.Kind != engine.CommandConfigure {
					t.Fatalf("kind = %v", cmd.Kind)
				}
				if cmd.Patch.Strength == nil || *cmd.Patch.Strength != 0.4 {
					t.Errorf("strength = %v", cmd.Patch.Strength)
				}
				if cmd.Patch.TargetSpeakerLock == nil || !*cmd.Patch.TargetSpeakerLock {
					t.Errorf("lock = %v", cmd.Patch.TargetSpeakerLock)
				}
				if cmd.Patch.NearFieldBias != nil {
					t.Error("absent fields must stay nil")
				}
			},
		},
		{
			name: "reset",
			raw:  `{"type":"resetTargetProfile"}`,
			check: func(t *testing.T, cmd engine.Command) {
				if cmd.Kind != engine.CommandResetTargetProfile {
					t.Errorf("kind = %v", cmd.Kind)
				}
			},
		},
		{
			name: "calibrate",
			raw:  `{"type":"calibrateTargetProfile","durationMs":4200}`,
			check: func(t *testing.T, cmd engine.Command) {
				if cmd.Kind != engine.CommandCalibrateTargetProfile || cmd.DurationMs != 4200 {
					t.Errorf("cmd = %+v", cmd)
				}
			},
		},
		{
			name: "calibrate without duration uses default",
			raw:  `{"type":"calibrateTargetProfile"}`,
			check: func(t *testing.T, cmd engine.Command) {
				if !math.IsNaN(cmd.DurationMs) {
					t.Errorf("duration = %v, want NaN", cmd.DurationMs)
				}
			},
		},
		{
			name: "load keeps absent fields",
			raw:  `{"type":"loadTargetProfile","profile":{"targetProfileVoiceRatio":0.5,"targetProfileFrozen":true}}`,
			check: func(t *testing.T, cmd engine.Command) {
				p := cmd.Profile
				if cmd.Kind != engine.CommandLoadTargetProfile || p.VoiceRatio != 0.5 || !p.Frozen {
					t.Errorf("cmd = %+v", cmd)
				}
				if !math.IsNaN(p.ZCR) || !math.IsNaN(p.Sensitivity) {
					t.Errorf("absent fields = %v, %v; want NaN", p.ZCR, p.Sensitivity)
				}
			},
		},
		{
			name: "save defaults the name",
			raw:  `{"type":"saveTargetProfile"}`,
			check: func(t *testing.T, cmd engine.Command) {
				if cmd.Kind != engine.CommandSaveTargetProfile || cmd.Name != control.DefaultProfileName {
					t.Errorf("cmd = %+v", cmd)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sub := newSubmitter()
			conn := start(t, control.New(sub))
			send(t, conn, tt.raw)
			tt.check(t, sub.next(t))
		})
	}
}

func TestServer_IgnoresMalformed(t *testing.T) {
	t.Parallel()

	sub := newSubmitter()
	conn := start(t, control.New(sub))
	send(t, conn, `not json`)
	send(t, conn, `{"type":"selfDestruct"}`)
	send(t, conn, `{"type":"config"}`)
	send(t, conn, `{"type":"resetTargetProfile"}`)

	if cmd := sub.next(t); cmd.Kind != engine.CommandResetTargetProfile {
		t.Errorf("first command = %v, want reset (earlier messages ignored)", cmd.Kind)
	}
}

func TestServer_QueueFullIsReported(t *testing.T) {
	t.Parallel()

	sub := newSubmitter()
	sub.err = engine.ErrQueueFull
	conn := start(t, control.New(sub))
	send(t, conn, `{"type":"resetTargetProfile"}`)

	msg := receive(t, conn)
	if msg["type"] != control.TypeError || !strings.Contains(msg["error"].(string), "queue full") {
		t.Errorf("reply = %v", msg)
	}
}

func TestServer_Broadcast(t *testing.T) {
	t.Parallel()

	srv := control.New(newSubmitter())
	a := start(t, srv)
	b := start(t, srv)
	deadline := time.Now().Add(3 * time.Second)
	for srv.Clients() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	srv.Broadcast(engine.Event{Kind: engine.EventTelemetry, Telemetry: engine.Telemetry{NearFieldScore: 0.75, RuntimeMode: "heuristic"}})
	for _, conn := range []*websocket.Conn{a, b} {
		msg := receive(t, conn)
		if msg["type"] != "metrics" || msg["nearFieldScore"] != 0.75 || msg["runtimeMode"] != "heuristic" {
			t.Errorf("metrics message = %v", msg)
		}
	}

	srv.Broadcast(engine.Event{Kind: engine.EventProfileSaved, Name: "desk", Profile: targetlock.Snapshot{VoiceRatio: 0.6}})
	msg := receive(t, a)
	profile, _ := msg["profile"].(map[string]any)
	if msg["type"] != "profileSaved" || msg["name"] != "desk" || profile["targetProfileVoiceRatio"] != 0.6 {
		t.Errorf("profileSaved message = %v", msg)
	}

	srv.Broadcast(engine.Event{Kind: engine.EventNativeCoreDisabled, Err: errors.New("trap")})
	if msg := receive(t, b); msg["type"] != "profileSaved" {
		t.Errorf("b: first queued message = %v, want profileSaved", msg)
	}
	if msg := receive(t, b); msg["type"] != "nativeCoreDisabled" || msg["error"] != "trap" {
		t.Errorf("nativeCoreDisabled message = %v", msg)
	}
}

func TestServer_NewClientGetsLastTelemetry(t *testing.T) {
	t.Parallel()

	srv := control.New(newSubmitter())
	srv.Broadcast(engine.Event{Kind: engine.EventTelemetry, Telemetry: engine.Telemetry{SuppressionGain: 0.5}})
	conn := start(t, srv)
	if msg := receive(t, conn); msg["type"] != "metrics" || msg["suppressionGain"] != 0.5 {
		t.Errorf("greeting = %v", msg)
	}
}

func TestServer_ProfileStore(t *testing.T) {
	t.Parallel()

	store := mock.NewStore()
	store.Put("desk", targetlock.Snapshot{VoiceRatio: 0.6, ZCR: 0.1, SNRScore: 0.8, Confidence: 0.9})
	store.Put("couch", targetlock.Snapshot{VoiceRatio: 0.2, ZCR: 0.3, SNRScore: 0.2})
	sub := newSubmitter()
	srv := control.New(sub, control.WithProfileStore(store))
	conn := start(t, srv)

	send(t, conn, `{"type":"listProfiles"}`)
	msg := receive(t, conn)
	list, _ := msg["profiles"].([]any)
	if msg["type"] != control.TypeProfiles || len(list) != 2 {
		t.Fatalf("list reply = %v", msg)
	}
	if first := list[0].(map[string]any); first["name"] != "couch" {
		t.Errorf("profiles not sorted: %v", list)
	}

	send(t, conn, `{"type":"loadStoredProfile","name":"desk"}`)
	if msg := receive(t, conn); msg["type"] != control.TypeProfileLoaded || msg["name"] != "desk" {
		t.Errorf("load reply = %v", msg)
	}
	if cmd := sub.next(t); cmd.Kind != engine.CommandLoadTargetProfile || cmd.Profile.Confidence != 0.9 {
		t.Errorf("load command = %+v", cmd)
	}

	send(t, conn, `{"type":"loadStoredProfile","name":"missing"}`)
	if msg := receive(t, conn); msg["type"] != control.TypeError || !strings.Contains(msg["error"].(string), "not found") {
		t.Errorf("missing reply = %v", msg)
	}

	srv.Broadcast(engine.Event{Kind: engine.EventTelemetry, Telemetry: engine.Telemetry{
		TargetProfileVoiceRatio: 0.25, TargetProfileZcr: 0.28, TargetProfileSnrScore: 0.2,
	}})
	_ = receive(t, conn) // metrics
	send(t, conn, `{"type":"recallNearestProfile"}`)
	if msg := receive(t, conn); msg["type"] != control.TypeProfileLoaded || msg["name"] != "couch" {
		t.Errorf("recall reply = %v", msg)
	}
	_ = sub.next(t)

	send(t, conn, `{"type":"deleteProfile","name":"couch"}`)
	if msg := receive(t, conn); msg["type"] != control.TypeProfileDeleted {
		t.Errorf("delete reply = %v", msg)
	}
	if store.CallCount("Delete") != 1 {
		t.Errorf("Delete calls = %d", store.CallCount("Delete"))
	}
}

func TestServer_ProfileRequestsWithoutStore(t *testing.T) {
	t.Parallel()

	conn := start(t, control.New(newSubmitter()))
	send(t, conn, `{"type":"listProfiles"}`)
	msg := receive(t, conn)
	if msg["type"] != control.TypeError || msg["name"] != control.TypeListProfiles {
		t.Errorf("reply = %v", msg)
	}
}

func TestServer_SaveRejectsBadName(t *testing.T) {
	t.Parallel()

	sub := newSubmitter()
	conn := start(t, control.New(sub))
	send(t, conn, `{"type":"saveTargetProfile","name":"../etc"}`)
	if msg := receive(t, conn); msg["type"] != control.TypeError {
		t.Errorf("reply = %v", msg)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.cmds) != 0 {
		t.Errorf("submitted %d commands, want 0", len(sub.cmds))
	}
}

func TestServer_Close(t *testing.T) {
	t.Parallel()

	srv := control.New(newSubmitter())
	conn := start(t, srv)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read after Close = %v, want going away", err)
	}
}
