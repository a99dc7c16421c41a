package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumented returns a mux with a few routes behind Middleware along with
// the metric reader and span exporter observing it. It swaps the global
// tracer provider, so tests using it must not run in parallel.
func instrumented(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /profiles/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Trace", CorrelationID(r.Context()))
	})
	return Middleware(m, nil)(mux), reader, exp
}

func serve(h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_RouteLabels(t *testing.T) {
	h, reader, exp := instrumented(t)

	serve(h, "/profiles/desk", nil)
	serve(h, "/profiles/couch", nil)
	serve(h, "/readyz", nil)
	serve(h, "/wp-login.php", nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "nearfield.http.request.duration")
	if met == nil {
		t.Fatal("request duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data = %T, want histogram", met.Data)
	}

	counts := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		rt, _ := dp.Attributes.Value("route")
		st, _ := dp.Attributes.Value("status")
		counts[rt.AsString()+" "+st.AsString()] += dp.Count
	}
	want := map[string]uint64{
		"GET /profiles/{name} 200": 2,
		"GET /readyz 503":          1,
		"unmatched 404":            1,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("count[%q] = %d, want %d (all: %v)", k, counts[k], n, counts)
		}
	}
	if len(counts) != len(want) {
		t.Errorf("series = %v, want exactly %v", counts, want)
	}

	spans := exp.GetSpans()
	if len(spans) != 4 {
		t.Fatalf("spans = %d, want 4", len(spans))
	}
	if spans[0].Name != "GET /profiles/{name}" {
		t.Errorf("span name = %q, want the route pattern", spans[0].Name)
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h, _, _ := instrumented(t)

	tests := []struct {
		name        string
		traceparent string
		want        string
	}{
		{name: "new trace"},
		{
			name:        "continued trace",
			traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			want:        "4bf92f3577b34da6a3ce929d0e0e4736",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.traceparent != "" {
				header.Set("traceparent", tt.traceparent)
			}
			rec := serve(h, "/profiles/desk", header)

			id := rec.Header().Get("X-Correlation-ID")
			if len(id) != 32 {
				t.Fatalf("X-Correlation-ID = %q, want a 32 hex digit trace id", id)
			}
			if tt.want != "" && id != tt.want {
				t.Errorf("X-Correlation-ID = %q, want %q", id, tt.want)
			}
			if got := rec.Header().Get("X-Trace"); got != id {
				t.Errorf("handler saw trace %q, response carries %q", got, id)
			}
			if rec.Header().Get("traceparent") == "" {
				t.Error("traceparent not injected into the response")
			}
		})
	}
}

func TestMiddleware_StatusOnSpan(t *testing.T) {
	h, _, exp := instrumented(t)
	serve(h, "/readyz", nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	var status int64
	var rt string
	for _, a := range spans[0].Attributes {
		switch string(a.Key) {
		case "http.response.status_code":
			status = a.Value.AsInt64()
		case "http.route":
			rt = a.Value.AsString()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("span status code = %d, want 503", status)
	}
	if rt != "GET /readyz" {
		t.Errorf("span route = %q, want %q", rt, "GET /readyz")
	}
}

func TestMiddleware_KeepsHijacker(t *testing.T) {
	m, err := NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	var hijackable bool
	h := Middleware(m, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, hijackable = w.(http.Hijacker)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/control", nil))

	if !hijackable {
		t.Error("wrapped writer is not an http.Hijacker; control upgrades would fail")
	}
}
