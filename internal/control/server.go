// Package control serves the engine's control channel over WebSocket.
//
// Clients send JSON requests ({"type":"config","config":{...}},
// {"type":"calibrateTargetProfile","durationMs":5000}, ...) which are turned
// into engine commands and queued for the next block boundary. Engine events
// passed to [Server.Broadcast] are fanned out to every connected client.
// Malformed and unknown requests are ignored, matching the engine's rule that
// control input never interrupts audio.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/nearfield/internal/observe"
	"github.com/MrWong99/nearfield/internal/profilestore"
	"github.com/MrWong99/nearfield/pkg/engine"
)

const (
	// maxMessageBytes bounds a single client request.
	maxMessageBytes = 64 << 10

	defaultSendBuffer = 64
	writeTimeout      = 5 * time.Second
	storeTimeout      = 5 * time.Second

	// DefaultProfileName is used by saveTargetProfile requests without a name.
	DefaultProfileName = "default"
)

// ErrNoStore is reported to clients that send profile store requests while
// no store is configured.
var ErrNoStore = errors.New("control: no profile store configured")

// Submitter queues engine commands. *engine.Processor satisfies it.
type Submitter interface {
	Submit(cmd engine.Command) error
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics records command and client counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithProfileStore enables the profile store requests.
func WithProfileStore(st profilestore.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithOriginPatterns allows cross-origin clients whose Origin host matches
// one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithSendBuffer sets the per-client outbound queue length.
func WithSendBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sendBuffer = n
		}
	}
}

// Server is an [http.Handler] accepting control connections.
type Server struct {
	sub        Submitter
	log        *slog.Logger
	metrics    *observe.Metrics
	store      profilestore.Store
	origins    []string
	sendBuffer int

	mu      sync.Mutex
	clients map[*client]struct{}
	last    *engine.Telemetry
	closed  bool
}

type client struct {
	conn    *websocket.Conn
	send    chan outbound
	dropped bool
}

// New returns a server that submits commands to sub.
func New(sub Submitter, opts ...Option) *Server {
	s := &Server{
		sub:        sub,
		log:        slog.Default(),
		sendBuffer: defaultSendBuffer,
		clients:    make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Debug("control: accept failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	c := &client{conn: conn, send: make(chan outbound, s.sendBuffer)}
	if !s.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.remove(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(ctx, cancel, c)
	}()

	s.log.Info("control: client connected", "remote", r.RemoteAddr)
	s.readLoop(ctx, c)
	cancel()
	<-done
	conn.Close(websocket.StatusNormalClosure, "")
	s.log.Info("control: client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) add(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	if s.last != nil {
		t := *s.last
		c.send <- outbound{Type: engine.EventTelemetry.String(), Telemetry: &t}
	}
	if s.metrics != nil {
		s.metrics.ControlClients.Add(context.Background(), 1)
	}
	return true
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	if s.metrics != nil {
		s.metrics.ControlClients.Add(context.Background(), -1)
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			wcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("control: ignoring malformed message", "err", err)
			s.record(ctx, "malformed", "ignored")
			continue
		}
		s.handle(ctx, c, msg)
	}
}

func (s *Server) record(ctx context.Context, kind, status string) {
	if s.metrics != nil {
		s.metrics.RecordControlCommand(ctx, kind, status)
	}
}

// handle dispatches one request. Engine commands are only queued here; their
// effect shows up in later telemetry.
func (s *Server) handle(ctx context.Context, c *client, msg inbound) {
	var cmd engine.Command
	switch msg.Type {
	case TypeConfig:
		if msg.Config == nil {
			s.record(ctx, msg.Type, "ignored")
			return
		}
		cmd = engine.Configure(*msg.Config)
	case TypeResetTargetProfile:
		cmd = engine.ResetTargetProfile()
	case TypeCalibrateTargetProfile:
		cmd = engine.CalibrateTargetProfile(orNaN(msg.DurationMs))
	case TypeLoadTargetProfile:
		if msg.Profile == nil {
			s.record(ctx, msg.Type, "ignored")
			return
		}
		cmd = engine.LoadTargetProfile(msg.Profile.snapshot())
	case TypeSaveTargetProfile:
		name := msg.Name
		if name == "" {
			name = DefaultProfileName
		}
		if err := profilestore.ValidateName(name); err != nil {
			s.reply(c, errorMessage(msg.Type, err))
			s.record(ctx, msg.Type, "error")
			return
		}
		cmd = engine.SaveTargetProfile(name)
	case TypeListProfiles, TypeLoadStoredProfile, TypeDeleteProfile, TypeRecallNearestProfile:
		s.handleStore(ctx, c, msg)
		return
	default:
		s.log.Debug("control: ignoring unknown message type", "type", msg.Type)
		s.record(ctx, "unknown", "ignored")
		return
	}

	if err := s.sub.Submit(cmd); err != nil {
		s.log.Warn("control: command rejected", "type", msg.Type, "err", err)
		s.reply(c, errorMessage(msg.Type, err))
		s.record(ctx, msg.Type, "rejected")
		return
	}
	s.record(ctx, msg.Type, "ok")
}

func (s *Server) handleStore(ctx context.Context, c *client, msg inbound) {
	if s.store == nil {
		s.reply(c, errorMessage(msg.Type, ErrNoStore))
		s.record(ctx, msg.Type, "error")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	out, err := s.storeRequest(ctx, msg)
	if err != nil {
		s.reply(c, errorMessage(msg.Type, err))
		s.record(ctx, msg.Type, "error")
		return
	}
	s.reply(c, out)
	s.record(ctx, msg.Type, "ok")
}

func (s *Server) storeRequest(ctx context.Context, msg inbound) (outbound, error) {
	switch msg.Type {
	case TypeListProfiles:
		list, err := s.store.List(ctx)
		if err != nil {
			return outbound{}, err
		}
		out := outbound{Type: TypeProfiles, Profiles: make([]storedProfile, 0, len(list))}
		for _, p := range list {
			out.Profiles = append(out.Profiles, storedProfile{Name: p.Name, Profile: p.Snapshot, UpdatedAt: p.UpdatedAt})
		}
		return out, nil

	case TypeLoadStoredProfile:
		p, err := s.store.Load(ctx, msg.Name)
		if err != nil {
			return outbound{}, err
		}
		return s.apply(p)

	case TypeDeleteProfile:
		if err := s.store.Delete(ctx, msg.Name); err != nil {
			return outbound{}, err
		}
		return outbound{Type: TypeProfileDeleted, Name: msg.Name}, nil

	case TypeRecallNearestProfile:
		s.mu.Lock()
		last := s.last
		s.mu.Unlock()
		if last == nil {
			return outbound{}, errors.New("control: no telemetry received yet")
		}
		vec := []float32{
			float32(last.TargetProfileVoiceRatio),
			float32(last.TargetProfileZcr),
			float32(last.TargetProfileSnrScore),
		}
		matches, err := s.store.Nearest(ctx, vec, 1)
		if err != nil {
			return outbound{}, err
		}
		if len(matches) == 0 {
			return outbound{}, fmt.Errorf("%w: store is empty", profilestore.ErrNotFound)
		}
		return s.apply(matches[0].Profile)
	}
	return outbound{}, fmt.Errorf("control: unhandled store request %q", msg.Type)
}

// apply queues a stored profile for loading into the engine.
func (s *Server) apply(p profilestore.Profile) (outbound, error) {
	if err := s.sub.Submit(engine.LoadTargetProfile(p.Snapshot)); err != nil {
		return outbound{}, err
	}
	snap := p.Snapshot
	return outbound{Type: TypeProfileLoaded, Name: p.Name, Profile: &snap}, nil
}

// reply queues msg for one client without blocking.
func (s *Server) reply(c *client, msg outbound) {
	select {
	case c.send <- msg:
	default:
	}
}

// Broadcast sends ev to every connected client. Clients whose queue is full
// miss the message.
func (s *Server) Broadcast(ev engine.Event) {
	msg := fromEvent(ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Kind == engine.EventTelemetry {
		t := ev.Telemetry
		s.last = &t
	}
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			if !c.dropped {
				c.dropped = true
				s.log.Warn("control: client too slow, dropping messages")
			}
		}
	}
}

// Close disconnects every client and rejects new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
