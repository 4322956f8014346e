package quota

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStoreUnavailable is returned when a store cannot serve a request. The
// gate treats it as a signal to fail open.
var ErrStoreUnavailable = errors.New("quota store unavailable")

// UpdateFunc computes the next record from the current one. found is false
// when no record exists for the key. A store may call it more than once for a
// single Apply when it retries an optimistic update.
type UpdateFunc func(rec Record, found bool) Record

// Store owns the per-client records. Apply must serialize updates per key so
// concurrent requests from one client never lose an update.
type Store interface {
	Apply(ctx context.Context, key string, fn UpdateFunc) error
	// Sweep evicts records whose window ended at or before cutoff and returns
	// how many were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps records in process. It is the default store and is not
// shared between instances.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Apply(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, found := m.records[key]
	m.records[key] = fn(rec, found)
	return nil
}

func (m *MemoryStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, rec := range m.records {
		if !rec.ResetAt.After(cutoff) {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}

// Len is the number of tracked identities.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Get returns a copy of the record for key.
func (m *MemoryStore) Get(key string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	return rec, ok
}
