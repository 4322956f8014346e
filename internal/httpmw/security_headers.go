package httpmw

import "net/http"

// HardeningHeaders are set on every response the edge gate handles, whether
// it passes the request through or rejects it.
var HardeningHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"X-XSS-Protection":       "1; mode=block",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
	"Permissions-Policy":     "camera=(), microphone=(), geolocation=(), interest-cohort=()",
}

// SetHardeningHeaders writes HardeningHeaders into h, replacing existing values.
func SetHardeningHeaders(h http.Header) {
	for k, v := range HardeningHeaders {
		h.Set(k, v)
	}
}

// SecurityHeaders is middleware that adds HardeningHeaders to every response.
// Used on listeners that sit outside the gate.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetHardeningHeaders(w.Header())
		next.ServeHTTP(w, r)
	})
}
