package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/nearfield/pkg/engine"
	"github.com/MrWong99/nearfield/pkg/inference"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestRecordTelemetry(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordTelemetry(context.Background(), engine.Telemetry{
		NearFieldScore:            0.7,
		SuppressionGain:           0.9,
		NoiseFloor:                0.004,
		SpeechLikelihood:          0.8,
		TargetMatchScore:          0.6,
		TargetProfileConfidence:   0.5,
		TargetCalibrationProgress: 0.25,
		RuntimeMode:               inference.ModeHeuristic,
	})

	rm := collect(t, reader)
	tests := []struct {
		name string
		want float64
	}{
		{"nearfield.engine.near_field_score", 0.7},
		{"nearfield.engine.suppression_gain", 0.9},
		{"nearfield.engine.noise_floor", 0.004},
		{"nearfield.engine.speech_likelihood", 0.8},
		{"nearfield.engine.target_match", 0.6},
		{"nearfield.engine.profile_confidence", 0.5},
		{"nearfield.engine.calibration_progress", 0.25},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			g, ok := met.Data.(metricdata.Gauge[float64])
			if !ok {
				t.Fatalf("metric %q is not a float64 gauge", tc.name)
			}
			if len(g.DataPoints) != 1 {
				t.Fatalf("metric %q has %d data points, want 1", tc.name, len(g.DataPoints))
			}
			dp := g.DataPoints[0]
			if dp.Value != tc.want {
				t.Errorf("value = %v, want %v", dp.Value, tc.want)
			}
			if v, ok := dp.Attributes.Value("runtime_mode"); !ok || v.AsString() != "heuristic" {
				t.Errorf("runtime_mode attribute = %v, want heuristic", v.AsString())
			}
		})
	}
}

func TestRecordControlCommand(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordControlCommand(ctx, "config", "ok")
	m.RecordControlCommand(ctx, "config", "ok")
	m.RecordControlCommand(ctx, "config", "error")

	rm := collect(t, reader)
	met := findMetric(rm, "nearfield.control.commands")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 2 {
		t.Errorf("data points = %d, want 2 (ok and error)", len(sum.DataPoints))
	}
	if got := sumWhere(t, rm, "nearfield.control.commands", "status", "ok"); got != 2 {
		t.Errorf("ok commands = %d, want 2", got)
	}
}

func TestRecordProfileOp(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProfileOp(ctx, "save", "ok", 0.002)
	m.RecordProfileOp(ctx, "load", "not_found", 0.001)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "nearfield.profiles.operations", "op", "save"); got != 1 {
		t.Errorf("save ops = %d, want 1", got)
	}
	met := findMetric(rm, "nearfield.profiles.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 2 {
		t.Errorf("recorded durations = %d, want 2", total)
	}
}

func TestCountersAndHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Blocks.Add(ctx, 375)
	m.Underruns.Add(ctx, 2)
	m.EventsDropped.Add(ctx, 1)
	m.ControlClients.Add(ctx, 1)
	m.ControlClients.Add(ctx, 1)
	m.ControlClients.Add(ctx, -1)
	m.RecordNativeCoreFallback(ctx, "trap")
	m.BlockDuration.Record(ctx, 0.0004)
	m.CoreLoadDuration.Record(ctx, 0.3)

	rm := collect(t, reader)

	sums := []struct {
		name string
		want int64
	}{
		{"nearfield.engine.blocks", 375},
		{"nearfield.audio.underruns", 2},
		{"nearfield.engine.events_dropped", 1},
		{"nearfield.control.clients", 1},
		{"nearfield.native_core.fallbacks", 1},
	}
	for _, tc := range sums {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Errorf("metric %q not found", tc.name)
			continue
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) == 0 {
			t.Errorf("metric %q has no int64 sum data", tc.name)
			continue
		}
		if got := sum.DataPoints[0].Value; got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, got, tc.want)
		}
	}

	for _, name := range []string{"nearfield.engine.block.duration", "nearfield.native_core.load.duration"} {
		met := findMetric(rm, name)
		if met == nil {
			t.Errorf("metric %q not found", name)
			continue
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
			t.Errorf("metric %q: want one histogram observation", name)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
