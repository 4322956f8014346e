package quota

import (
	"context"
	"time"

	"github.com/maplecatch/maplecatch-web/internal/xerrors"
)

// Limiter applies Step to a Store under a fixed set of Limits.
type Limiter struct {
	store  Store
	limits Limits
	now    func() time.Time
}

type Option func(*Limiter)

// WithLimits replaces DefaultLimits.
func WithLimits(lim Limits) Option {
	return func(l *Limiter) { l.limits = lim }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limits: DefaultLimits(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Limits returns the active limits.
func (l *Limiter) Limits() Limits { return l.limits }

// Now is the limiter clock.
func (l *Limiter) Now() time.Time { return l.now() }

// Take accounts one request for key and returns the decision. On error the
// decision is zero and the caller decides how to degrade.
func (l *Limiter) Take(ctx context.Context, key string, suspicious bool) (Decision, error) {
	now := l.now()
	var dec Decision
	err := l.store.Apply(ctx, key, func(rec Record, found bool) Record {
		next, d := Step(rec, found, suspicious, now, l.limits)
		dec = d
		return next
	})
	if err != nil {
		return Decision{}, xerrors.Wrap(err, "take quota")
	}
	return dec, nil
}
