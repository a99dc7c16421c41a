package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all sources failed")

// FallbackConfig configures the per-entry circuit breakers of a
// [FallbackGroup]. The breaker's Name is replaced by the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
	Logger         *slog.Logger

	// Retry, when set, retries a failing entry before moving on to the next
	// one. Retries stop once the entry's breaker leaves the closed state, so
	// an entry is tried at most CircuitBreaker.MaxFailures times per call.
	Retry *RetryConfig
}

// RetryConfig controls per-entry retries in a [FallbackGroup].
type RetryConfig struct {
	// Backoff is the wait before the first retry. It doubles on each
	// further retry up to MaxBackoff. Default: 250ms.
	Backoff time.Duration

	// MaxBackoff caps the wait between retries. Default: 2s.
	MaxBackoff time.Duration

	// Retryable reports whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
}

const (
	defaultRetryBackoff    = 250 * time.Millisecond
	defaultRetryMaxBackoff = 2 * time.Second
)

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds interchangeable sources of the same type, tried in the
// order they were added. Each source has its own circuit breaker.
//
// Entries must all be added before the group is used concurrently.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup returns an empty group.
func NewFallbackGroup[T any](cfg FallbackConfig) *FallbackGroup[T] {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if r := cfg.Retry; r != nil {
		rc := *r
		if rc.Backoff <= 0 {
			rc.Backoff = defaultRetryBackoff
		}
		if rc.MaxBackoff < rc.Backoff {
			rc.MaxBackoff = max(defaultRetryMaxBackoff, rc.Backoff)
		}
		cfg.Retry = &rc
	}
	return &FallbackGroup[T]{cfg: cfg, log: log}
}

// Add appends a source named name.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	if cbCfg.Logger == nil {
		cbCfg.Logger = fg.log
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of sources.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// States returns each source's breaker state keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Execute tries fn against each source in order until one succeeds. See
// [ExecuteWithResult].
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, _, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// ExecuteWithResult tries fn against each source in order and returns the
// first successful result together with the name of the source that produced
// it. Sources with an open breaker are skipped, and a failing source is
// retried first when the group has a [RetryConfig]. When ctx ends, the context
// error is returned immediately. Otherwise, if every source fails, the error
// wraps [ErrAllFailed] and every per-source error.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		result, err := tryEntry(ctx, fg, entry, fn)
		if err == nil {
			return result, entry.name, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, "", ctxErr
		}
		if errors.Is(err, ErrCircuitOpen) {
			fg.log.Debug("skipping source, circuit open", "source", entry.name)
		} else {
			fg.log.Warn("source failed, trying next", "source", entry.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
	}
	if len(errs) == 0 {
		return zero, "", fmt.Errorf("%w: no sources configured", ErrAllFailed)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// tryEntry runs fn against one entry, retrying per the group's RetryConfig
// while the entry's breaker stays closed.
func tryEntry[T, R any](ctx context.Context, fg *FallbackGroup[T], entry *fallbackEntry[T], fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	retry := fg.cfg.Retry
	var backoff time.Duration
	if retry != nil {
		backoff = retry.Backoff
	}
	for attempt := 1; ; attempt++ {
		var result R
		err := entry.breaker.Execute(ctx, func(ctx context.Context) error {
			var innerErr error
			result, innerErr = fn(ctx, entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if retry == nil || ctx.Err() != nil || entry.breaker.State() != StateClosed {
			return zero, err
		}
		if retry.Retryable != nil && !retry.Retryable(err) {
			return zero, err
		}

		fg.log.Info("source failed, retrying", "source", entry.name, "attempt", attempt, "backoff", backoff, "err", err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, retry.MaxBackoff)
	}
}
