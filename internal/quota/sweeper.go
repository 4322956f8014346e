package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/maplecatch/maplecatch-web/internal/log"
)

// Sweeper periodically evicts records that have been idle for longer than
// grace after their window ended. Eviction also clears the suspicious tally,
// which is the only way out of a block.
type Sweeper struct {
	store    Store
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	logger   log.Logger

	// OnSweep is called after every sweep, including failed ones.
	OnSweep func(evicted int, err error)
}

type SweeperOption func(*Sweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

func WithSweepGrace(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.grace = d }
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

func WithSweepLogger(l log.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

func WithOnSweep(fn func(evicted int, err error)) SweeperOption {
	return func(s *Sweeper) { s.OnSweep = fn }
}

func NewSweeper(store Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		interval: 5 * time.Minute,
		grace:    5 * time.Minute,
		now:      time.Now,
		logger:   log.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SweepOnce evicts every record with ResetAt <= now-grace.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace)
	n, err := s.store.Sweep(ctx, cutoff)
	if s.OnSweep != nil {
		s.OnSweep(n, err)
	}
	if err != nil {
		s.logger.Error(ctx, err, "quota sweep failed")
		return n, err
	}
	s.logger.Debug(ctx, "quota sweep", "evicted", n, "cutoff", cutoff)
	return n, nil
}

// Run schedules SweepOnce every interval until ctx is cancelled. A panicking
// sweep is recovered inside the skip guard so the next tick still runs.
func (s *Sweeper) Run(ctx context.Context) error {
	cl := cronLogger{l: s.logger, ctx: ctx}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		_, _ = s.SweepOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule quota sweep: %w", err)
	}
	c.Start()
	s.logger.Info(ctx, "quota sweeper started", "interval", s.interval, "grace", s.grace)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts log.Logger to cron.Logger.
type cronLogger struct {
	l   log.Logger
	ctx context.Context
}

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug(c.ctx, "cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error(c.ctx, err, "cron: "+msg, kv...)
}
