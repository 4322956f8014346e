package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDContext(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("bare context = %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(context.Background(), "")); got != "" {
		t.Fatalf("empty id stored: %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(context.Background(), "abc")); got != "abc" {
		t.Fatalf("got %q", got)
	}
}

func serveRequestID(t *testing.T, header, inbound string) (ctxID string, rec *httptest.ResponseRecorder) {
	t.Helper()
	h := RequestID(header)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = RequestIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	name := header
	if name == "" {
		name = "X-Request-Id"
	}
	if inbound != "" {
		req.Header.Set(name, inbound)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return ctxID, rec
}

func TestRequestID_GeneratesUUID(t *testing.T) {
	id, rec := serveRequestID(t, "", "")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", id, err)
	}
	if got := rec.Header().Get("X-Request-Id"); got != id {
		t.Fatalf("response header = %q, context = %q", got, id)
	}
}

func TestRequestID_PropagatesValid(t *testing.T) {
	id, rec := serveRequestID(t, "X-Correlation-Id", "edge-abc-123")
	if id != "edge-abc-123" {
		t.Fatalf("context id = %q", id)
	}
	if rec.Header().Get("X-Correlation-Id") != "edge-abc-123" {
		t.Fatal("custom header not echoed")
	}
}

func TestRequestID_ReplacesUnsafe(t *testing.T) {
	for _, in := range []string{
		"has space",
		"tab\there",
		strings.Repeat("a", maxRequestIDLen+1),
		"café",
	} {
		id, _ := serveRequestID(t, "", in)
		if id == in {
			t.Errorf("unsafe id %q propagated", in)
		}
		if _, err := uuid.Parse(id); err != nil {
			t.Errorf("replacement %q is not a uuid", id)
		}
	}
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, _ := serveRequestID(t, "", "")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
