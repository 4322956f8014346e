package policysync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maplecatch/maplecatch-web/internal/suspicion"
)

type fakeFetcher struct {
	mu      sync.Mutex
	hash    string
	hashErr error
	policy  map[string]suspicion.Policy
	fetches map[string]int
}

func (f *fakeFetcher) set(hash string, err error) {
	f.mu.Lock()
	f.hash, f.hashErr = hash, err
	f.mu.Unlock()
}

func (f *fakeFetcher) CurrentHash(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hash, f.hashErr
}

func (f *fakeFetcher) Fetch(_ context.Context, hash string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetches == nil {
		f.fetches = map[string]int{}
	}
	f.fetches[hash]++
	p, ok := f.policy[hash]
	if !ok {
		return nil, errors.New("checksum mismatch")
	}
	m, err := suspicion.Compile(p)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Matcher: m, SHA256: hash, Version: p.Version}, nil
}

type watcherMetrics struct {
	mu    sync.Mutex
	polls int
	swaps int
	errs  map[string]int
	info  [2]string
}

func (m *watcherMetrics) IncPolicyPolls() { m.mu.Lock(); m.polls++; m.mu.Unlock() }
func (m *watcherMetrics) IncPolicySwaps() { m.mu.Lock(); m.swaps++; m.mu.Unlock() }
func (m *watcherMetrics) IncPolicyError(t string) {
	m.mu.Lock()
	if m.errs == nil {
		m.errs = map[string]int{}
	}
	m.errs[t]++
	m.mu.Unlock()
}
func (m *watcherMetrics) SetPolicyInfo(v, sha string) {
	m.mu.Lock()
	m.info = [2]string{v, sha}
	m.mu.Unlock()
}

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newWatcherFixture(t *testing.T) (*Watcher, *fakeFetcher, *suspicion.Holder, *watcherMetrics) {
	t.Helper()
	f := &fakeFetcher{policy: map[string]suspicion.Policy{
		hashA: {Version: "a", PathPatterns: []string{`\.env$`}},
	}}
	h := suspicion.NewHolder(suspicion.MustDefault())
	m := &watcherMetrics{}
	w, err := NewWatcher(WatcherOptions{Fetcher: f, Holder: h, Metrics: m, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	return w, f, h, m
}

func TestNewWatcher_RequiresFetcherAndHolder(t *testing.T) {
	_, err := NewWatcher(WatcherOptions{Holder: suspicion.NewHolder(nil)})
	assert.Error(t, err)
	_, err = NewWatcher(WatcherOptions{Fetcher: &fakeFetcher{}})
	assert.Error(t, err)
}

func TestWatcher_SwapsNewPolicy(t *testing.T) {
	w, f, h, m := newWatcherFixture(t)
	f.set(hashA, nil)

	var swapped []string
	w.onSwap = func(s Snapshot) { swapped = append(swapped, s.Version) }

	require.NoError(t, w.Sync(t.Context()))
	assert.Equal(t, "a", h.Current().Version())
	assert.True(t, h.Suspicious("/.env", ""))
	assert.False(t, h.Suspicious("/wp-admin", ""), "old policy replaced")
	assert.Equal(t, hashA, w.Current())
	assert.Equal(t, [2]string{"a", hashA}, m.info)
	assert.Equal(t, []string{"a"}, swapped)

	res, err := w.checkOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, pollNoChange, res)
	assert.Equal(t, 1, f.fetches[hashA])
	assert.Equal(t, 2, m.polls)
	assert.Equal(t, 1, m.swaps)
}

func TestWatcher_RejectedPolicyKeepsCurrent(t *testing.T) {
	w, f, h, m := newWatcherFixture(t)
	before := h.Current()
	f.set(hashB, nil)

	res, err := w.checkOnce(t.Context())
	assert.Error(t, err)
	assert.Equal(t, pollFetchError, res)
	assert.Same(t, before, h.Current())

	res, err = w.checkOnce(t.Context())
	assert.NoError(t, err)
	assert.Equal(t, pollRejected, res)
	assert.Equal(t, 1, f.fetches[hashB], "a rejected hash is not fetched again")
	assert.Equal(t, 1, m.errs["fetch"])

	// a new pointer clears the rejection
	f.set(hashA, nil)
	res, _ = w.checkOnce(t.Context())
	assert.Equal(t, pollSwapped, res)
}

func TestWatcher_PointerErrorBacksOff(t *testing.T) {
	w, f, _, m := newWatcherFixture(t)
	f.set("", errors.New("ThrottlingException"))

	res, err := w.checkOnce(t.Context())
	assert.Error(t, err)
	assert.Equal(t, pollPointerError, res)
	assert.Equal(t, 1, m.errs["ssm"])

	for i, want := range []time.Duration{20, 40, 80} {
		w.consecutiveErrs = i + 1
		assert.Equal(t, want*time.Millisecond, w.backoff())
	}
	w.consecutiveErrs = 100
	assert.Equal(t, maxBackoff, w.backoff())
}

func TestWatcher_OnSwapPanicIsContained(t *testing.T) {
	w, f, h, _ := newWatcherFixture(t)
	f.set(hashA, nil)
	w.onSwap = func(Snapshot) { panic("boom") }

	require.NoError(t, w.Sync(t.Context()))
	assert.Equal(t, "a", h.Current().Version())
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	w, f, h, _ := newWatcherFixture(t)
	f.set(hashA, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		m := h.Current()
		return m != nil && m.Version() == "a"
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
