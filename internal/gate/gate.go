// Package gate is the edge request gate. It sits in front of every page
// request, charges the client's quota, and either lets the request through
// with quota headers or answers 429/403 itself.
//
// The gate fails open: if the quota store errors or anything inside the gate
// panics, the request is served without quota headers and the failure is
// logged and counted.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/maplecatch/maplecatch-web/internal/httpmw"
	"github.com/maplecatch/maplecatch-web/internal/log"
	"github.com/maplecatch/maplecatch-web/internal/quota"
	"github.com/maplecatch/maplecatch-web/internal/suspicion"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"

	throttledBody = "Too Many Requests"
	blockedBody   = "Forbidden"
)

// Fail-open reasons, used as metric labels. Canceled means the client went
// away mid-request and is not logged as an error.
const (
	ReasonStoreUnavailable = "store_unavailable"
	ReasonTimeout          = "timeout"
	ReasonStoreError       = "store_error"
	ReasonPanic            = "panic"
	ReasonCanceled         = "canceled"
)

// Limiter is the quota side of the gate, satisfied by *quota.Limiter.
type Limiter interface {
	Take(ctx context.Context, key string, suspicious bool) (quota.Decision, error)
	Now() time.Time
}

// Metrics receives gate counters. All methods must be safe for concurrent use.
type Metrics interface {
	IncGateDecision(outcome string)
	IncGateSuspicious()
	IncGateFailOpen(reason string)
}

type nopMetrics struct{}

func (nopMetrics) IncGateDecision(string) {}
func (nopMetrics) IncGateSuspicious()     {}
func (nopMetrics) IncGateFailOpen(string) {}

type Gate struct {
	limiter    Limiter
	classifier suspicion.Classifier
	logger     log.Logger
	metrics    Metrics

	// failure logs are throttled, counters are not
	errLog rate.Sometimes
}

type Option func(*Gate)

func WithLogger(l log.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(g *Gate) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithErrorLogInterval sets the minimum spacing of fail-open error logs.
func WithErrorLogInterval(d time.Duration) Option {
	return func(g *Gate) { g.errLog = rate.Sometimes{Interval: d} }
}

// New builds a gate. A nil classifier treats every request as clean.
func New(limiter Limiter, classifier suspicion.Classifier, opts ...Option) *Gate {
	if classifier == nil {
		classifier = suspicion.NewHolder(nil)
	}
	g := &Gate{
		limiter:    limiter,
		classifier: classifier,
		logger:     log.Nop(),
		metrics:    nopMetrics{},
		errLog:     rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Middleware enforces the quota on non-exempt requests.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		httpmw.SetHardeningHeaders(h)

		dec, ok := g.evaluate(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		setQuotaHeaders(h, dec)
		switch dec.Outcome {
		case quota.Throttled:
			g.reject(w, dec, http.StatusTooManyRequests, throttledBody)
		case quota.Blocked:
			g.reject(w, dec, http.StatusForbidden, blockedBody)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// evaluate classifies and charges the request. ok is false when the gate
// failed and the request should pass through untouched.
func (g *Gate) evaluate(r *http.Request) (dec quota.Decision, ok bool) {
	ctx := r.Context()
	defer func() {
		if v := recover(); v != nil {
			g.failOpen(ctx, ReasonPanic, fmt.Errorf("gate panic: %v", v))
			dec, ok = quota.Decision{}, false
		}
	}()

	key, found := httpmw.LookupClientID(ctx)
	if !found {
		key = httpmw.ResolveClientID(r.Header)
	}

	suspicious := g.classifier.Suspicious(r.URL.Path, r.UserAgent())
	if suspicious {
		g.metrics.IncGateSuspicious()
	}

	dec, err := g.limiter.Take(ctx, key, suspicious)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			g.metrics.IncGateFailOpen(ReasonCanceled)
			g.logger.Debug(ctx, "gate skipped for canceled request", "client", key)
			return quota.Decision{}, false
		}
		g.failOpen(ctx, failReason(err), err)
		return quota.Decision{}, false
	}
	g.metrics.IncGateDecision(dec.Outcome.String())

	if dec.FirstReport {
		g.logger.Warn(ctx, "client "+dec.Outcome.String(),
			"request_id", httpmw.RequestIDFromContext(ctx),
			"client", key,
			"outcome", dec.Outcome.String(),
			"suspicious", dec.Suspicious,
			"flagged", dec.Flagged,
			"reset_at", dec.ResetAt,
		)
	}
	return dec, true
}

func (g *Gate) reject(w http.ResponseWriter, dec quota.Decision, status int, body string) {
	h := w.Header()
	h.Set(HeaderRetryAfter, strconv.Itoa(dec.RetryAfter(g.limiter.Now())))
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (g *Gate) failOpen(ctx context.Context, reason string, err error) {
	g.metrics.IncGateFailOpen(reason)
	g.errLog.Do(func() {
		g.logger.Error(ctx, err, "gate failing open", "reason", reason)
	})
}

func setQuotaHeaders(h http.Header, dec quota.Decision) {
	h.Set(HeaderLimit, strconv.Itoa(dec.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(dec.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(dec.ResetAt.Unix(), 10))
}

func failReason(err error) string {
	switch {
	case errors.Is(err, quota.ErrStoreUnavailable):
		return ReasonStoreUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonStoreError
	}
}
