package policysync

import (
	"context"
	"fmt"
	"time"

	"github.com/maplecatch/maplecatch-web/internal/log"
	"github.com/maplecatch/maplecatch-web/internal/suspicion"
	"github.com/maplecatch/maplecatch-web/internal/xerrors"
)

const (
	DefaultPollInterval = 60 * time.Second

	maxBackoff = 10 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollRejected     // hash was already rejected, not fetched again
	pollPointerError // SSM failed, back off
	pollFetchError   // fetch, verify or compile failed
)

// Fetcher is what the watcher needs from a Loader.
type Fetcher interface {
	CurrentHash(ctx context.Context) (string, error)
	Fetch(ctx context.Context, hash string) (*Snapshot, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncPolicyPolls()
	IncPolicySwaps()
	IncPolicyError(errType string)
	SetPolicyInfo(version, sha256 string)
}

type WatcherOptions struct {
	Logger       log.Logger
	Fetcher      Fetcher
	Holder       *suspicion.Holder
	PollInterval time.Duration
	Metrics      WatcherMetrics

	// OnSwap runs on the poll goroutine after each swap. A panic is logged
	// and swallowed.
	OnSwap func(Snapshot)
}

// Watcher polls the policy pointer and swaps new policies into a Holder.
type Watcher struct {
	fetcher  Fetcher
	holder   *suspicion.Holder
	logger   log.Logger
	interval time.Duration
	metrics  WatcherMetrics
	onSwap   func(Snapshot)

	current  string
	rejected string

	consecutiveErrs int
	polls, swaps    int64
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Fetcher == nil || opts.Holder == nil {
		return nil, xerrors.New("policy watcher needs a fetcher and a holder")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Watcher{
		fetcher:  opts.Fetcher,
		holder:   opts.Holder,
		logger:   opts.Logger,
		interval: opts.PollInterval,
		metrics:  opts.Metrics,
		onSwap:   opts.OnSwap,
	}, nil
}

// Current is the hash of the active remote policy, empty until the first swap.
func (w *Watcher) Current() string { return w.current }

// Sync runs one poll and reports its error. Used at startup so the first
// remote policy is in place before traffic arrives.
func (w *Watcher) Sync(ctx context.Context) error {
	_, err := w.checkOnce(ctx)
	return err
}

// Run polls until ctx is cancelled. Pointer failures back off exponentially.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "policy watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.current),
	)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "policy watcher stopping", "polls", w.polls, "swaps", w.swaps)
			return nil
		case <-ticker.C:
			res, _ := w.checkOnce(ctx)
			switch {
			case res == pollPointerError:
				w.consecutiveErrs++
				next := w.backoff()
				w.logger.Warn(ctx, "policy watcher backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", next.String(),
				)
				ticker.Reset(next)
			case w.consecutiveErrs > 0:
				w.logger.Info(ctx, "policy watcher recovered", "had_consecutive_errors", w.consecutiveErrs)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
		}
	}
}

func (w *Watcher) checkOnce(ctx context.Context) (pollResult, error) {
	w.polls++
	w.incPolls()

	hash, err := w.fetcher.CurrentHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: pointer read failed")
		w.incError("ssm")
		return pollPointerError, err
	}
	if hash == w.current {
		return pollNoChange, nil
	}
	if hash == w.rejected {
		return pollRejected, nil
	}

	w.logger.Info(ctx, "policy watcher: new policy hash",
		"old_hash", truncHash(w.current),
		"new_hash", truncHash(hash),
	)
	snap, err := w.fetcher.Fetch(ctx, hash)
	if err != nil {
		// remember the bad hash so it is not downloaded every poll
		w.rejected = hash
		w.logger.Error(ctx, err, "policy watcher: policy rejected, keeping current",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.current),
		)
		w.incError("fetch")
		return pollFetchError, err
	}

	w.holder.Swap(snap.Matcher)
	old := w.current
	w.current, w.rejected = hash, ""
	w.swaps++
	if w.metrics != nil {
		w.metrics.IncPolicySwaps()
		w.metrics.SetPolicyInfo(snap.Version, hash)
	}
	w.logger.Info(ctx, "policy watcher: policy swapped",
		"old_hash", truncHash(old),
		"new_hash", truncHash(hash),
		"version", snap.Version,
		"signed", snap.Signed,
	)
	w.notify(ctx, *snap)
	return pollSwapped, nil
}

func (w *Watcher) notify(ctx context.Context, snap Snapshot) {
	if w.onSwap == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r), "policy watcher: OnSwap panicked")
		}
	}()
	w.onSwap(snap)
}

// backoff doubles the interval per consecutive error, capped at maxBackoff.
func (w *Watcher) backoff() time.Duration {
	d := w.interval
	for i := 0; i < w.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (w *Watcher) incPolls() {
	if w.metrics != nil {
		w.metrics.IncPolicyPolls()
	}
}

func (w *Watcher) incError(t string) {
	if w.metrics != nil {
		w.metrics.IncPolicyError(t)
	}
}
