package observe

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// controlMux mirrors the shape of the control API: method patterns with a
// wildcard, a failing route and the scrape endpoint.
func controlMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"active":false}`))
	})
	mux.HandleFunc("GET /session/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	return mux
}

type served struct {
	rec    *httptest.ResponseRecorder
	spans  tracetest.SpanStubs
	reader *sdkmetric.ManualReader
}

// serve runs one request through Middleware(next) with fresh telemetry.
func serve(t *testing.T, next http.Handler, req *http.Request) served {
	t.Helper()
	m, reader := newTestMetrics(t)
	exp := useTracerProvider(t)

	rec := httptest.NewRecorder()
	Middleware(m)(next).ServeHTTP(rec, req)
	return served{rec: rec, spans: exp.GetSpans(), reader: reader}
}

func spanAttr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_RouteIsMuxPattern(t *testing.T) {
	out := serve(t, controlMux(), httptest.NewRequest("GET", "/session/abc123", nil))

	if len(out.spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(out.spans))
	}
	span := out.spans[0]
	if v, _ := spanAttr(span, "http.route"); v.AsString() != "GET /session/{id}" {
		t.Errorf("http.route = %q, want the mux pattern", v.AsString())
	}
	if v, _ := spanAttr(span, "url.path"); v.AsString() != "/session/abc123" {
		t.Errorf("url.path = %q, want the raw path", v.AsString())
	}

	met := findMetric(collect(t, out.reader), "voxlink.http.request.duration")
	if met == nil {
		t.Fatal("voxlink.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("want one histogram data point, got %+v", met.Data)
	}
	dp := hist.DataPoints[0]
	if path, _ := dp.Attributes.Value("path"); path.AsString() != "GET /session/{id}" {
		t.Errorf("path attribute = %q, want the mux pattern", path.AsString())
	}
	if method, _ := dp.Attributes.Value("method"); method.AsString() != "GET" {
		t.Errorf("method attribute = %q, want GET", method.AsString())
	}
}

func TestMiddleware_UnroutedHandlerUsesPath(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {})
	out := serve(t, h, httptest.NewRequest("GET", "/raw/handler", nil))

	if v, _ := spanAttr(out.spans[0], "http.route"); v.AsString() != "/raw/handler" {
		t.Errorf("http.route = %q, want /raw/handler", v.AsString())
	}
	if v, _ := spanAttr(out.spans[0], "http.response.status_code"); v.AsInt64() != http.StatusOK {
		t.Errorf("status attribute = %d, want 200 when the handler never calls WriteHeader", v.AsInt64())
	}
}

func TestMiddleware_SpanStatus(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
		wantSpan codes.Code
	}{
		{name: "ok", method: "GET", path: "/session", wantCode: http.StatusOK, wantSpan: codes.Unset},
		{name: "client error", method: "GET", path: "/session/x", wantCode: http.StatusNotFound, wantSpan: codes.Unset},
		{name: "server error", method: "POST", path: "/session", wantCode: http.StatusBadGateway, wantSpan: codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := serve(t, controlMux(), httptest.NewRequest(tt.method, tt.path, nil))

			if out.rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", out.rec.Code, tt.wantCode)
			}
			span := out.spans[0]
			if span.Status.Code != tt.wantSpan {
				t.Errorf("span status = %v, want %v", span.Status.Code, tt.wantSpan)
			}
			if tt.wantSpan == codes.Error && span.Status.Description != http.StatusText(tt.wantCode) {
				t.Errorf("span description = %q, want %q", span.Status.Description, http.StatusText(tt.wantCode))
			}
			if v, _ := spanAttr(span, "http.response.status_code"); v.AsInt64() != int64(tt.wantCode) {
				t.Errorf("status attribute = %d, want %d", v.AsInt64(), tt.wantCode)
			}
		})
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var seen string
	h := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})
	req := httptest.NewRequest("DELETE", "/session", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	out := serve(t, h, req)

	if seen != traceID {
		t.Errorf("handler trace id = %q, want %q", seen, traceID)
	}
	if got := out.rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	if tp := out.rec.Header().Get("traceparent"); !strings.Contains(tp, traceID) {
		t.Errorf("response traceparent = %q, want it to carry %s", tp, traceID)
	}
	if out.spans[0].Parent.TraceID().String() != traceID || !out.spans[0].Parent.IsRemote() {
		t.Error("server span is not a child of the remote caller")
	}
}

func TestMiddleware_MetricsScrapeLogsAtDebug(t *testing.T) {
	tests := []struct {
		path       string
		wantLogged bool
	}{
		{path: "/metrics", wantLogged: false},
		{path: "/session", wantLogged: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			buf := useDefaultLogger(t, slog.LevelInfo)
			serve(t, controlMux(), httptest.NewRequest("GET", tt.path, nil))

			lines := logLines(t, buf)
			logged := false
			for _, rec := range lines {
				if rec["msg"] == "request completed" && rec["path"] == tt.path {
					logged = true
					if rec["trace_id"] == "" {
						t.Error("request log has an empty trace_id")
					}
				}
			}
			if logged != tt.wantLogged {
				t.Errorf("logged at info = %v, want %v", logged, tt.wantLogged)
			}
		})
	}
}

func TestMiddleware_MetricsScrapeVisibleAtDebug(t *testing.T) {
	buf := useDefaultLogger(t, slog.LevelDebug)
	serve(t, controlMux(), httptest.NewRequest("GET", "/metrics", nil))

	for _, rec := range logLines(t, buf) {
		if rec["msg"] == "request completed" && rec["level"] == "DEBUG" {
			return
		}
	}
	t.Error("scrape request not logged at debug level")
}
