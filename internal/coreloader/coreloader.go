// Package coreloader fetches the native core WebAssembly module from its
// configured sources and instantiates it.
//
// Sources are tried in order (URL first, then file), each behind its own
// circuit breaker. Transient download failures (network errors, 5xx and 429
// responses) are retried with exponential backoff within one Load until the
// source's breaker opens, then the next source is tried. Missing files,
// other HTTP errors and modules that fail to instantiate move on at once.
package coreloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/nearfield/internal/observe"
	"github.com/MrWong99/nearfield/internal/resilience"
	"github.com/MrWong99/nearfield/pkg/nativecore"
)

// DefaultMaxBytes bounds the size of a fetched module.
const DefaultMaxBytes = 16 << 20

var (
	// ErrNoSources is returned by [New] when neither a URL nor a path is set.
	ErrNoSources = errors.New("coreloader: no module source configured")

	// ErrNotWasm is returned when fetched bytes lack the WebAssembly magic.
	ErrNotWasm = errors.New("coreloader: not a WebAssembly module")

	// ErrTooLarge is returned when a module exceeds the size limit.
	ErrTooLarge = errors.New("coreloader: module too large")
)

// StatusError is returned by [HTTPSource] for a non-200 response.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coreloader: get %s: unexpected status %s", e.URL, e.Status)
}

// Temporary reports whether the server may answer differently on retry.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// transient reports whether a fetch error is worth retrying.
func transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return !errors.Is(ue.Err, context.Canceled)
	}
	return false
}

var wasmMagic = []byte("\x00asm")

// Source yields the bytes of a module.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// HTTPSource downloads the module with a GET request.
type HTTPSource struct {
	URL      string
	Client   *http.Client
	MaxBytes int64
}

// Fetch implements [Source].
func (s HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("coreloader: build request: %w", err)
	}
	req.Header.Set("Accept", "application/wasm")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coreloader: get %s: %w", s.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: s.URL, Code: resp.StatusCode, Status: resp.Status}
	}
	return readLimited(resp.Body, s.MaxBytes)
}

// FileSource reads the module from disk.
type FileSource struct {
	Path     string
	MaxBytes int64
}

// Fetch implements [Source].
func (s FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("coreloader: %w", err)
	}
	defer f.Close()
	return readLimited(f, s.MaxBytes)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("coreloader: read module: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// InstantiateFunc turns module bytes into a running core.
type InstantiateFunc func(ctx context.Context, wasm []byte) (nativecore.Exports, error)

// Config selects the module sources.
type Config struct {
	URL  string
	Path string

	// Timeout bounds one Load call. Zero means no limit beyond the caller's
	// context.
	Timeout time.Duration

	// Breaker configures the per-source circuit breakers. A source is tried
	// at most Breaker.MaxFailures times per Load.
	Breaker resilience.CircuitBreakerConfig

	// Backoff is the wait before the first retry of a transient failure. It
	// doubles per retry up to MaxBackoff. Defaults: 250ms and 2s.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Option configures a [Loader].
type Option func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) { ld.log = l }
}

// WithHTTPClient sets the client used for URL sources.
func WithHTTPClient(c *http.Client) Option {
	return func(ld *Loader) { ld.client = c }
}

// WithInstantiate replaces [nativecore.Instantiate].
func WithInstantiate(fn InstantiateFunc) Option {
	return func(ld *Loader) { ld.instantiate = fn }
}

// WithMetrics records load latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(ld *Loader) { ld.metrics = m }
}

// WithMaxBytes overrides [DefaultMaxBytes].
func WithMaxBytes(n int64) Option {
	return func(ld *Loader) { ld.maxBytes = n }
}

// Loader loads the native core. Its Load method satisfies
// [nativecore.Loader].
type Loader struct {
	cfg         Config
	log         *slog.Logger
	client      *http.Client
	instantiate InstantiateFunc
	metrics     *observe.Metrics
	maxBytes    int64

	group *resilience.FallbackGroup[Source]
}

// New returns a loader for cfg. It fails with [ErrNoSources] when cfg names
// no source.
func New(cfg Config, opts ...Option) (*Loader, error) {
	if cfg.URL == "" && cfg.Path == "" {
		return nil, ErrNoSources
	}
	l := &Loader{
		cfg:         cfg,
		log:         slog.Default(),
		instantiate: nativecore.Instantiate,
		maxBytes:    DefaultMaxBytes,
	}
	for _, o := range opts {
		o(l)
	}

	l.group = resilience.NewFallbackGroup[Source](resilience.FallbackConfig{
		CircuitBreaker: cfg.Breaker,
		Logger:         l.log,
		Retry: &resilience.RetryConfig{
			Backoff:    cfg.Backoff,
			MaxBackoff: cfg.MaxBackoff,
			Retryable:  transient,
		},
	})
	if cfg.URL != "" {
		l.group.Add("url", HTTPSource{URL: cfg.URL, Client: l.client, MaxBytes: l.maxBytes})
	}
	if cfg.Path != "" {
		l.group.Add("file", FileSource{Path: cfg.Path, MaxBytes: l.maxBytes})
	}
	return l, nil
}

// Sources reports the breaker state of every source.
func (l *Loader) Sources() map[string]resilience.State {
	return l.group.States()
}

// Load fetches, checks and instantiates the module from the first source
// that yields a working core.
func (l *Loader) Load(ctx context.Context) (nativecore.Exports, error) {
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}
	ctx, span := observe.StartSpan(ctx, "nativecore.load")
	defer span.End()
	start := time.Now()

	core, from, err := resilience.ExecuteWithResult(ctx, l.group, func(ctx context.Context, src Source) (nativecore.Exports, error) {
		data, err := src.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(data, wasmMagic) {
			return nil, ErrNotWasm
		}
		return l.instantiate(ctx, data)
	})

	if l.metrics != nil {
		l.metrics.CoreLoadDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		observe.SpanError(span, err)
		return nil, fmt.Errorf("coreloader: %w", err)
	}
	span.SetAttributes(attribute.String("nativecore.source", from))
	l.log.Info("native core module loaded", "source", from, "duration", time.Since(start))
	return core, nil
}
