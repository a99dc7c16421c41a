// Package observe provides application-wide observability primitives for
// nearfield: OpenTelemetry metrics, tracing, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/nearfield/pkg/engine"
)

// meterName is the instrumentation scope name used for all nearfield metrics.
const meterName = "github.com/MrWong99/nearfield"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Engine telemetry gauges, sampled at the telemetry rate ---

	NearFieldScore      metric.Float64Gauge
	SuppressionGain     metric.Float64Gauge
	NoiseFloor          metric.Float64Gauge
	SpeechLikelihood    metric.Float64Gauge
	TargetMatchScore    metric.Float64Gauge
	ProfileConfidence   metric.Float64Gauge
	CalibrationProgress metric.Float64Gauge

	// --- Counters ---

	// Blocks counts processed audio blocks.
	Blocks metric.Int64Counter

	// Underruns counts realtime blocks processed as silence.
	Underruns metric.Int64Counter

	// EventsDropped counts engine events nobody consumed in time.
	EventsDropped metric.Int64Counter

	// NativeCoreFallbacks counts switches from the native core to the
	// software path. Use with attribute.String("reason", ...).
	NativeCoreFallbacks metric.Int64Counter

	// ControlCommands counts control channel commands. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", ...)
	ControlCommands metric.Int64Counter

	// ProfileOperations counts profile store calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	ProfileOperations metric.Int64Counter

	// --- Gauges ---

	// ControlClients tracks connected control channel clients.
	ControlClients metric.Int64UpDownCounter

	// --- Latency histograms ---

	// BlockDuration tracks the wall time of one engine block.
	BlockDuration metric.Float64Histogram

	// CoreLoadDuration tracks fetching and instantiating the native core.
	CoreLoadDuration metric.Float64Histogram

	// ProfileDuration tracks profile store latency. Use with attribute.String("op", ...).
	ProfileDuration metric.Float64Histogram

	// HTTPRequestDuration is recorded by [Middleware] with "route" and
	// "status" attributes. For control connections it is the session length.
	HTTPRequestDuration metric.Float64Histogram
}

// blockBuckets are histogram boundaries (in seconds) around the 2.7 ms budget
// of a 128-sample block at 48 kHz.
var blockBuckets = []float64{
	0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
}

// latencyBuckets are histogram boundaries (in seconds) for I/O operations.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	gauges := []struct {
		dst  *metric.Float64Gauge
		name string
		desc string
	}{
		{&met.NearFieldScore, "nearfield.engine.near_field_score", "Smoothed near-field score of the input."},
		{&met.SuppressionGain, "nearfield.engine.suppression_gain", "Current suppression gain."},
		{&met.NoiseFloor, "nearfield.engine.noise_floor", "Tracked noise floor RMS."},
		{&met.SpeechLikelihood, "nearfield.engine.speech_likelihood", "Speech likelihood after the target lock."},
		{&met.TargetMatchScore, "nearfield.engine.target_match", "Match of the input against the target profile."},
		{&met.ProfileConfidence, "nearfield.engine.profile_confidence", "Confidence of the learned target profile."},
		{&met.CalibrationProgress, "nearfield.engine.calibration_progress", "Progress of the running calibration."},
	}
	for _, g := range gauges {
		if *g.dst, err = m.Float64Gauge(g.name, metric.WithDescription(g.desc)); err != nil {
			return nil, err
		}
	}

	// Counters.
	if met.Blocks, err = m.Int64Counter("nearfield.engine.blocks",
		metric.WithDescription("Total audio blocks processed."),
	); err != nil {
		return nil, err
	}
	if met.Underruns, err = m.Int64Counter("nearfield.audio.underruns",
		metric.WithDescription("Total realtime blocks processed as silence because input was late."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("nearfield.engine.events_dropped",
		metric.WithDescription("Total engine events dropped because the consumer lagged."),
	); err != nil {
		return nil, err
	}
	if met.NativeCoreFallbacks, err = m.Int64Counter("nearfield.native_core.fallbacks",
		metric.WithDescription("Total switches from the native core to the software path."),
	); err != nil {
		return nil, err
	}
	if met.ControlCommands, err = m.Int64Counter("nearfield.control.commands",
		metric.WithDescription("Total control channel commands by type and status."),
	); err != nil {
		return nil, err
	}
	if met.ProfileOperations, err = m.Int64Counter("nearfield.profiles.operations",
		metric.WithDescription("Total profile store operations by op and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ControlClients, err = m.Int64UpDownCounter("nearfield.control.clients",
		metric.WithDescription("Number of connected control channel clients."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.BlockDuration, err = m.Float64Histogram("nearfield.engine.block.duration",
		metric.WithDescription("Wall time of one engine block."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(blockBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CoreLoadDuration, err = m.Float64Histogram("nearfield.native_core.load.duration",
		metric.WithDescription("Latency of fetching and instantiating the native core."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProfileDuration, err = m.Float64Histogram("nearfield.profiles.duration",
		metric.WithDescription("Latency of profile store operations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("nearfield.http.request.duration",
		metric.WithDescription("HTTP request latency by route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTelemetry sets the engine gauges from one telemetry snapshot. The
// runtime mode is attached to every gauge.
func (m *Metrics) RecordTelemetry(ctx context.Context, t engine.Telemetry) {
	mode := metric.WithAttributes(attribute.String("runtime_mode", t.RuntimeMode.String()))
	m.NearFieldScore.Record(ctx, t.NearFieldScore, mode)
	m.SuppressionGain.Record(ctx, t.SuppressionGain, mode)
	m.NoiseFloor.Record(ctx, t.NoiseFloor, mode)
	m.SpeechLikelihood.Record(ctx, t.SpeechLikelihood, mode)
	m.TargetMatchScore.Record(ctx, t.TargetMatchScore, mode)
	m.ProfileConfidence.Record(ctx, t.TargetProfileConfidence, mode)
	m.CalibrationProgress.Record(ctx, t.TargetCalibrationProgress, mode)
}

// RecordControlCommand records a control command counter increment.
func (m *Metrics) RecordControlCommand(ctx context.Context, kind, status string) {
	m.ControlCommands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProfileOp records one profile store call with its latency in seconds.
func (m *Metrics) RecordProfileOp(ctx context.Context, op, status string, seconds float64) {
	m.ProfileOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.ProfileDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("op", op)))
}

// RecordNativeCoreFallback records a switch to the software path.
func (m *Metrics) RecordNativeCoreFallback(ctx context.Context, reason string) {
	m.NativeCoreFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
