package quota

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit around a remote store.
type BreakerConfig struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears failure counts while closed.
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
	// FailureRatio trips the circuit once MinRequests have been seen.
	FailureRatio float64
	MinRequests  uint32
	// OnStateChange is called on every transition, used for logging.
	OnStateChange func(name string, from, to gobreaker.State)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:         "quota-store",
		MaxRequests:  3,
		Interval:     30 * time.Second,
		Timeout:      10 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  10,
	}
}

// BreakerStore stops calling a failing store for a while so the gate can fail
// open without paying the store timeout on every request.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerStore(next Store, cfg BreakerConfig) *BreakerStore {
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < cfg.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		// client cancellations do not count against the store
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: cfg.OnStateChange,
	}
	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *BreakerStore) Apply(ctx context.Context, key string, fn UpdateFunc) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Apply(ctx, key, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return err
}

func (b *BreakerStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	return b.next.Sweep(ctx, cutoff)
}

// State is the current circuit state, "closed", "half-open" or "open".
func (b *BreakerStore) State() string { return b.cb.State().String() }
