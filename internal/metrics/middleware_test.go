package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func TestMiddleware_ChiRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/careers/*", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jobs"))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/careers/", http.NoBody))

	want := map[string]string{"method": "GET", "route": "/careers/*", "status": "200"}
	if v := labeledValue(t, m.reg, "http_requests_total", want); v != 1 {
		t.Fatalf("requests = %v", v)
	}
}

func TestMiddleware_OutsideRouterSeesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Get("/help", func(w http.ResponseWriter, r *http.Request) {})

	m.Middleware(r).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/help", http.NoBody))

	if v := labeledValue(t, m.reg, "http_requests_total", map[string]string{"route": "/help"}); v != 1 {
		t.Fatalf("requests = %v", v)
	}
}

func TestMiddleware_FallsBackToUnmatched(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-admin/setup.php", http.NoBody))

	if v := labeledValue(t, m.reg, "http_requests_total", map[string]string{"route": "unmatched", "status": "418"}); v != 1 {
		t.Fatalf("requests = %v", v)
	}
}

func TestMiddleware_CountsServerErrors(t *testing.T) {
	m := New()
	for _, code := range []int{200, 404, 500, 503} {
		h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	}
	if v := labeledValue(t, m.reg, "http_errors_total", map[string]string{"method": "GET"}); v != 2 {
		t.Fatalf("errors = %v", v)
	}
}

func TestMiddleware_InflightReturnsToZero(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = labeledValue(t, m.reg, "http_inflight_requests", nil)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if during != 1 {
		t.Fatalf("inflight during request = %v", during)
	}
	if v := labeledValue(t, m.reg, "http_inflight_requests", nil); v != 0 {
		t.Fatalf("inflight after = %v", v)
	}
}

func TestMiddleware_ResponseSize(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
		_, _ = w.Write([]byte(" world"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	f := gatherMetric(t, m.reg, "http_response_size_bytes")
	if got := f.GetMetric()[0].GetHistogram().GetSampleSum(); got != 11 {
		t.Fatalf("size sum = %v", got)
	}
}

func TestTraceExemplar(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")

	sampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
	}))
	if got := traceExemplar(sampled); got["trace_id"] != "0102030405060708090a0b0c0d0e0f10" {
		t.Fatalf("exemplar = %v", got)
	}

	unsampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID,
	}))
	if got := traceExemplar(unsampled); got != nil {
		t.Fatalf("unsampled exemplar = %v", got)
	}
	if got := traceExemplar(context.Background()); got != nil {
		t.Fatalf("no-trace exemplar = %v", got)
	}
}
