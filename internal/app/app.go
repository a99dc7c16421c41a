// Package app wires the nearfield subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run streams audio through the engine while serving the control
// channel, and Shutdown persists the learned target profile and tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithProfileStore,
// WithCoreLoader, WithIO, ...). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/nearfield/internal/config"
	"github.com/MrWong99/nearfield/internal/control"
	"github.com/MrWong99/nearfield/internal/coreloader"
	"github.com/MrWong99/nearfield/internal/health"
	"github.com/MrWong99/nearfield/internal/observe"
	"github.com/MrWong99/nearfield/internal/profilestore"
	"github.com/MrWong99/nearfield/internal/profilestore/postgres"
	"github.com/MrWong99/nearfield/internal/resilience"
	"github.com/MrWong99/nearfield/pkg/audio"
	"github.com/MrWong99/nearfield/pkg/engine"
	"github.com/MrWong99/nearfield/pkg/nativecore"
)

const (
	shutdownTimeout   = 10 * time.Second
	profileOpTimeout  = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg            *config.Config
	configPath     string
	reloadInterval time.Duration
	log            *slog.Logger
	level          *slog.LevelVar
	metrics        *observe.Metrics
	gatherer       prometheus.Gatherer

	// Subsystems, initialised in New.
	store    profilestore.Store
	rawStore profilestore.Store
	loader   nativecore.Loader
	bridge   *nativecore.Bridge
	proc     *engine.Processor
	host     *audio.Host
	control  *control.Server
	health   *health.Handler
	watcher  *config.Watcher
	handler  http.Handler

	input  io.Reader
	output io.Writer

	// closers are called in order during Shutdown.
	closers []func() error

	// meter accumulates block statistics on the audio goroutine.
	meter *observe.BlockMeter

	// Counter baselines for the polled engine and host statistics.
	lastDropped   uint64
	lastUnderruns uint64

	fallbackOnce sync.Once
	stopOnce     sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the registry served on /metrics. Default:
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithProfileStore injects a profile store instead of creating one from
// config.
func WithProfileStore(s profilestore.Store) Option {
	return func(a *App) { a.rawStore = s }
}

// WithCoreLoader injects the native core loader instead of building one from
// the native_core section. It enables the native core.
func WithCoreLoader(l nativecore.Loader) Option {
	return func(a *App) { a.loader = l }
}

// WithIO replaces the configured audio input and output.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(a *App) {
		a.input = r
		a.output = w
	}
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithReloadInterval sets how often the config file is polled for changes.
func WithReloadInterval(d time.Duration) Option {
	return func(a *App) { a.reloadInterval = d }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.meter = observe.NewBlockMeter(a.metrics)
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	// ── 1. Profile store ─────────────────────────────────────────────────
	if err := a.initProfiles(ctx); err != nil {
		return nil, fmt.Errorf("app: init profiles: %w", err)
	}

	// ── 2. Native core ───────────────────────────────────────────────────
	if err := a.initNativeCore(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init native core: %w", err)
	}

	// ── 3. Engine + stream host ──────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 4. Config hot reload ─────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange,
			config.WithWatcherLogger(a.log), config.WithInterval(a.reloadInterval))
		if err != nil {
			a.log.Warn("config hot reload disabled", "err", err)
		} else {
			a.watcher = w
		}
	}

	// ── 5. Control, health and metrics endpoints ─────────────────────────
	a.initHTTP()

	return a, nil
}

// initProfiles opens the configured profile store or wraps an injected one.
func (a *App) initProfiles(ctx context.Context) error {
	if a.rawStore == nil {
		pc := a.cfg.Profiles
		switch {
		case pc.PostgresDSN != "":
			s, err := postgres.NewStore(ctx, pc.PostgresDSN)
			if err != nil {
				return err
			}
			a.rawStore = s
			a.log.Info("profile store ready", "backend", "postgres")
		case pc.Dir != "":
			s, err := profilestore.NewFileStore(pc.Dir)
			if err != nil {
				return err
			}
			a.rawStore = s
			a.log.Info("profile store ready", "backend", "file", "dir", pc.Dir)
		default:
			return nil
		}
	}
	a.store = profilestore.Instrument(a.rawStore, a.metrics)
	a.closers = append(a.closers, a.store.Close)
	return nil
}

// initNativeCore builds the module loader and the bridge. The bridge starts
// loading in Run.
func (a *App) initNativeCore() error {
	nc := a.cfg.NativeCore
	if a.loader == nil {
		if !nc.Enabled {
			return nil
		}
		l, err := coreloader.New(coreloader.Config{
			URL:        nc.URL,
			Path:       nc.Path,
			Timeout:    nc.InitTimeout,
			Backoff:    nc.RetryBackoff,
			MaxBackoff: nc.RetryMaxBackoff,
			Breaker: resilience.CircuitBreakerConfig{
				Name:         "native_core",
				MaxFailures:  nc.CircuitBreaker.MaxFailures,
				ResetTimeout: nc.CircuitBreaker.ResetTimeout,
				HalfOpenMax:  nc.CircuitBreaker.HalfOpenMax,
				Logger:       a.log,
			},
		}, coreloader.WithLogger(a.log), coreloader.WithMetrics(a.metrics))
		if err != nil {
			return err
		}
		a.loader = l.Load
	}
	a.bridge = nativecore.NewBridge(float64(a.cfg.Audio.SampleRate), nativecore.WithLogger(a.log))
	return nil
}

func (a *App) initEngine() error {
	ac := a.cfg.Audio
	opts := []engine.Option{
		engine.WithLogger(a.log),
		engine.WithBlockSize(ac.BlockSize),
		engine.WithTelemetryHz(a.cfg.Engine.TelemetryHz),
	}
	if a.bridge != nil {
		opts = append(opts, engine.WithBridge(a.bridge))
	}
	a.proc = engine.New(float64(ac.SampleRate), a.cfg.Engine.ToEngine(), opts...)

	in := audio.Format{SampleRate: ac.InputSampleRate, Channels: ac.InputChannels}
	if in.SampleRate == 0 {
		in.SampleRate = ac.SampleRate
	}
	if in.Channels == 0 {
		in.Channels = ac.Channels
	}
	host, err := audio.NewHost(audio.HostConfig{
		Input:          in,
		SampleRate:     ac.SampleRate,
		BlockSize:      ac.BlockSize,
		OutputChannels: ac.Channels,
		Realtime:       ac.Realtime,
		BufferBlocks:   ac.BufferBlocks,
	}, meteredProcessor{next: a.proc, meter: a.meter}, a.log)
	if err != nil {
		return err
	}
	a.host = host
	return nil
}

func (a *App) initHTTP() {
	copts := []control.Option{control.WithLogger(a.log), control.WithMetrics(a.metrics)}
	if a.store != nil {
		copts = append(copts, control.WithProfileStore(a.store))
	}
	a.control = control.New(a.proc, copts...)

	checks := []health.Checker{
		health.Processing(a.host.Blocks),
	}
	if a.bridge != nil {
		checks = append(checks, health.NativeCore(a.proc.NativeCoreState))
	}
	if p, ok := a.rawStore.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, health.Checker{Name: "profiles", Optional: true, Check: p.Ping})
	}
	if a.watcher != nil {
		checks = append(checks, health.Checker{
			Name:     "config",
			Optional: true,
			Check:    func(context.Context) error { return a.watcher.Err() },
		})
	}
	a.health = health.New(checks...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /control", a.control)
	if a.cfg.Observability.Metrics {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	a.handler = observe.Middleware(a.metrics, a.log)(mux)
}

// Engine returns the engine processor.
func (a *App) Engine() *engine.Processor { return a.proc }

// Handler returns the HTTP handler serving /control, /metrics, /healthz and
// /readyz.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the native core load, applies the autoload profile and streams
// audio until the input ends or ctx is cancelled. End of input is not an
// error. Call Shutdown after Run returns.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.bridge != nil {
		a.bridge.Start(ctx, a.loader)
	}
	a.autoload(ctx)

	r, w, closeIO, err := a.openIO()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	defer closeIO()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.consumeEvents(gctx)
		return nil
	})

	if a.watcher != nil {
		g.Go(func() error {
			a.watcher.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		// Input exhaustion ends the whole run.
		defer cancel()
		if err := a.host.Run(gctx, r, w); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("audio: %w", err)
		}
		a.log.Info("audio stream finished", "blocks", a.host.Blocks(), "underruns", a.host.Underruns())
		return nil
	})

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		g.Go(func() error {
			a.log.Info("http server listening", "addr", addr)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("http server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			a.control.Close()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()

	// Events emitted by the last blocks are still queued.
	a.drainEvents()
	a.recordCounters(context.Background())
	return err
}

func (a *App) drainEvents() {
	ctx := context.Background()
	for {
		select {
		case ev := <-a.proc.Events():
			a.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

// openIO resolves the audio endpoints. "-" selects stdin and stdout.
func (a *App) openIO() (io.Reader, io.Writer, func(), error) {
	if a.input != nil && a.output != nil {
		return a.input, a.output, func() {}, nil
	}
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	var r io.Reader = os.Stdin
	if p := a.cfg.Audio.Input; p != "-" && p != "" {
		f, err := os.Open(p)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open input: %w", err)
		}
		closers = append(closers, f)
		r = f
	}
	var w io.Writer = os.Stdout
	if p := a.cfg.Audio.Output; p != "-" && p != "" {
		f, err := os.Create(p)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("create output: %w", err)
		}
		closers = append(closers, f)
		w = f
	}
	return r, w, closeAll, nil
}

// autoload queues the configured startup profile.
func (a *App) autoload(ctx context.Context) {
	name := a.cfg.Profiles.Autoload
	if name == "" || a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, profileOpTimeout)
	defer cancel()
	p, err := a.store.Load(ctx, name)
	if err != nil {
		a.log.Warn("autoload profile unavailable", "name", name, "err", err)
		return
	}
	if err := a.proc.Submit(engine.LoadTargetProfile(p.Snapshot)); err != nil {
		a.log.Warn("autoload profile rejected", "name", name, "err", err)
		return
	}
	a.log.Info("target profile loaded", "name", name, "updated_at", p.UpdatedAt)
}

// consumeEvents drains the engine's event stream until ctx is done.
func (a *App) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.proc.Events():
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *App) handleEvent(ctx context.Context, ev engine.Event) {
	switch ev.Kind {
	case engine.EventTelemetry:
		a.metrics.RecordTelemetry(ctx, ev.Telemetry)
		a.recordCounters(ctx)
	case engine.EventProfileSaved:
		a.persist(ctx, ev)
	case engine.EventNativeCoreDisabled:
		a.metrics.RecordNativeCoreFallback(ctx, "disabled")
		a.fallbackOnce.Do(func() {
			a.log.Warn("native core fallback: continuing on the software path", "err", ev.Err)
		})
	}
	a.control.Broadcast(ev)
}

// recordCounters exports the block meter and the engine's and host's polled
// counters as deltas. It runs on the event goroutine.
func (a *App) recordCounters(ctx context.Context) {
	a.meter.Flush(ctx)
	if d := a.proc.Dropped(); d > a.lastDropped {
		a.metrics.EventsDropped.Add(ctx, int64(d-a.lastDropped))
		a.lastDropped = d
	}
	if u := a.host.Underruns(); u > a.lastUnderruns {
		a.metrics.Underruns.Add(ctx, int64(u-a.lastUnderruns))
		a.lastUnderruns = u
	}
}

func (a *App) persist(ctx context.Context, ev engine.Event) {
	name := ev.Name
	if a.store == nil {
		a.log.Info("profile snapshot taken, no store configured", "name", name)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, profileOpTimeout)
	defer cancel()
	if err := a.store.Save(ctx, name, ev.Profile); err != nil {
		a.log.Error("failed to save target profile", "name", name, "err", err)
		return
	}
	a.log.Info("target profile saved", "name", name)
}

// onConfigChange applies a reloaded configuration.
func (a *App) onConfigChange(old, cfg *config.Config) {
	d := config.Diff(old, cfg)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.EngineChanged() {
		if err := a.proc.Submit(engine.Configure(d.EnginePatch)); err != nil {
			a.log.Warn("config reload: engine update rejected", "err", err)
		} else {
			a.log.Info("config reload: engine configuration updated")
		}
	}
	for _, section := range d.RestartRequired {
		a.log.Warn("config reload: change requires a restart", "section", section)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown saves the autosave profile and tears down all subsystems. Run must
// have returned. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if name := a.cfg.Profiles.Autosave; name != "" && a.store != nil {
			sctx, cancel := context.WithTimeout(ctx, profileOpTimeout)
			if err := a.store.Save(sctx, name, a.proc.TargetProfile()); err != nil {
				a.log.Error("autosave failed", "name", name, "err", err)
			} else {
				a.log.Info("target profile autosaved", "name", name)
			}
			cancel()
		}

		if err := a.proc.Close(ctx); err != nil {
			a.log.Warn("native core close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers gathered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}

// meteredProcessor times each engine block. The counts reach the metrics
// SDK when recordCounters flushes the meter.
type meteredProcessor struct {
	next  audio.Processor
	meter *observe.BlockMeter
}

func (m meteredProcessor) Process(input []float32, outputs [][]float32) {
	start := time.Now()
	m.next.Process(input, outputs)
	m.meter.Observe(time.Since(start))
}
