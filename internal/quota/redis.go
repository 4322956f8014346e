package quota

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maplecatch/maplecatch-web/internal/xerrors"
)

const (
	fieldTokens     = "tokens"
	fieldResetAt    = "reset_at_ms"
	fieldSuspicious = "suspicious"
	fieldReported   = "reported"
)

// RedisStore shares records between instances. Each record is a hash updated
// under WATCH/MULTI, and redis expires it once the sweep grace has passed, so
// Sweep has nothing to do.
type RedisStore struct {
	rdb redis.UniversalClient

	prefix     string
	grace      time.Duration
	timeout    time.Duration
	maxRetries int
}

type RedisOption func(*RedisStore)

// WithRedisPrefix namespaces keys, "maplecatch:quota" by default.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithRedisGrace sets how long a record outlives its window.
func WithRedisGrace(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.grace = d }
}

// WithRedisTimeout bounds every Apply call.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.timeout = d }
}

// WithRedisRetries caps optimistic transaction attempts per Apply.
func WithRedisRetries(n int) RedisOption {
	return func(s *RedisStore) { s.maxRetries = n }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:        rdb,
		prefix:     "maplecatch:quota",
		grace:      5 * time.Minute,
		timeout:    50 * time.Millisecond,
		maxRetries: 5,
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxRetries < 1 {
		s.maxRetries = 1
	}
	return s
}

func (s *RedisStore) key(id string) string { return s.prefix + ":" + id }

func (s *RedisStore) Apply(ctx context.Context, id string, fn UpdateFunc) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	key := s.key(id)

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		rec, found, err := decodeRecord(vals)
		if err != nil {
			// a corrupt record is replaced rather than wedging the client
			found = false
		}
		next := fn(rec, found)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, encodeRecord(next))
			p.PExpireAt(ctx, key, next.ResetAt.Add(s.grace))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return xerrors.Wrapf(err, "apply quota record %q", id)
	}
	return xerrors.Newf("apply quota record %q: %d attempts lost to contention", id, s.maxRetries)
}

// Sweep is a no-op, records carry a redis TTL of ResetAt+grace.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

// Ping reports whether redis is reachable, used for readiness.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "redis ping")
	}
	return nil
}

func encodeRecord(rec Record) map[string]any {
	return map[string]any{
		fieldTokens:     rec.Tokens,
		fieldResetAt:    rec.ResetAt.UnixMilli(),
		fieldSuspicious: rec.Suspicious,
		fieldReported:   int(rec.Reported),
	}
}

func decodeRecord(vals map[string]string) (Record, bool, error) {
	if len(vals) == 0 {
		return Record{}, false, nil
	}
	var (
		rec  Record
		errs []error
	)
	atoi := func(field string) int {
		n, err := strconv.Atoi(vals[field])
		if err != nil {
			errs = append(errs, xerrors.Wrapf(err, "field %s", field))
		}
		return n
	}
	rec.Tokens = atoi(fieldTokens)
	rec.Suspicious = atoi(fieldSuspicious)
	rec.Reported = Outcome(atoi(fieldReported))
	ms, err := strconv.ParseInt(vals[fieldResetAt], 10, 64)
	if err != nil {
		errs = append(errs, xerrors.Wrapf(err, "field %s", fieldResetAt))
	}
	rec.ResetAt = time.UnixMilli(ms)
	if len(errs) > 0 {
		return Record{}, false, errors.Join(errs...)
	}
	return rec, true, nil
}
