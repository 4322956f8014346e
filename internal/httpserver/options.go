package httpserver

import (
	"net/http"

	"github.com/maplecatch/maplecatch-web/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// Gate runs after client identity is resolved and before tracing, so
	// rejected requests cost no span.
	Gate      func(http.Handler) http.Handler
	MetricsMW func(http.Handler) http.Handler
	OnPanic   func()

	// Site serves everything the router does not match.
	Site http.Handler

	MaxBodyBytes int64 // default 1KB
}
