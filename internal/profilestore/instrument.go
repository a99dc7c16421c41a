package profilestore

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/nearfield/internal/observe"
	"github.com/MrWong99/nearfield/pkg/targetlock"
)

// instrumented decorates a Store with a span and metrics per operation.
type instrumented struct {
	next    Store
	metrics *observe.Metrics
}

// Instrument wraps s so that each operation starts a "profilestore.<op>" span
// and is counted on m. A nil m uses [observe.DefaultMetrics].
func Instrument(s Store, m *observe.Metrics) Store {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &instrumented{next: s, metrics: m}
}

func (i *instrumented) observe(ctx context.Context, op, name string, fn func(context.Context) error) error {
	ctx, span := observe.StartSpan(ctx, "profilestore."+op)
	defer span.End()
	if name != "" {
		span.SetAttributes(attribute.String("profile.name", name))
	}

	start := time.Now()
	err := fn(ctx)
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
		observe.SpanError(span, err)
	}
	i.metrics.RecordProfileOp(ctx, op, status, time.Since(start).Seconds())
	return err
}

func (i *instrumented) Save(ctx context.Context, name string, snap targetlock.Snapshot) error {
	return i.observe(ctx, "save", name, func(ctx context.Context) error {
		return i.next.Save(ctx, name, snap)
	})
}

func (i *instrumented) Load(ctx context.Context, name string) (Profile, error) {
	var p Profile
	err := i.observe(ctx, "load", name, func(ctx context.Context) error {
		var err error
		p, err = i.next.Load(ctx, name)
		return err
	})
	return p, err
}

func (i *instrumented) List(ctx context.Context) ([]Profile, error) {
	var out []Profile
	err := i.observe(ctx, "list", "", func(ctx context.Context) error {
		var err error
		out, err = i.next.List(ctx)
		return err
	})
	return out, err
}

func (i *instrumented) Delete(ctx context.Context, name string) error {
	return i.observe(ctx, "delete", name, func(ctx context.Context) error {
		return i.next.Delete(ctx, name)
	})
}

func (i *instrumented) Nearest(ctx context.Context, vec []float32, k int) ([]Match, error) {
	var out []Match
	err := i.observe(ctx, "nearest", "", func(ctx context.Context) error {
		var err error
		out, err = i.next.Nearest(ctx, vec, k)
		return err
	})
	return out, err
}

func (i *instrumented) Close() error { return i.next.Close() }
