package httpmw

import (
	"context"
	"net/http"
	"strings"
)

// UnknownClient is the identity used when no forwarding header is present.
// Every unidentified request shares this one quota bucket.
const UnknownClient = "unknown"

// clientIDHeaders in precedence order. X-Forwarded-For is handled separately
// because only its left-most entry counts.
var clientIDHeaders = []string{
	"X-Real-IP",
	"CF-Connecting-IP",
	"Fly-Client-IP",
	"True-Client-IP",
}

type clientIDKey struct{}

// ResolveClientID picks the client identity from forwarding headers set by
// the proxy or CDN in front of the server. The value is used as an opaque
// quota key and is not validated as an IP address.
func ResolveClientID(h http.Header) string {
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if id := strings.TrimSpace(first); id != "" {
			return id
		}
	}
	for _, name := range clientIDHeaders {
		if id := strings.TrimSpace(h.Get(name)); id != "" {
			return id
		}
	}
	return UnknownClient
}

// ClientID resolves the client identity once per request and stores it in
// the context for the gate and the request logger.
func ClientID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithClientID(r.Context(), ResolveClientID(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIDFromContext returns the stored identity, or UnknownClient.
func ClientIDFromContext(ctx context.Context) string {
	if id, ok := LookupClientID(ctx); ok {
		return id
	}
	return UnknownClient
}

// LookupClientID reports whether the ClientID middleware already ran.
func LookupClientID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey{}).(string)
	return id, ok && id != ""
}

func WithClientID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIDKey{}, id)
}
