package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultWindow = time.Minute

// Decision is the outcome of a sliding window check. RetryAfter is set when
// the attempt was rejected and tells the caller when the oldest slot frees up.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Window counts requests per tenant over a trailing interval. A rejected
// attempt is not recorded. An entry stamped exactly one window ago has expired.
type Window interface {
	Allow(ctx context.Context, tenantID string, limit int) (Decision, error)
}

type windowShard struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// LocalWindow keeps state in process memory. It is lost on restart and is not
// shared between instances.
type LocalWindow struct {
	size   time.Duration
	now    func() time.Time
	shards []*windowShard
	mask   uint64
}

type LocalOption func(*LocalWindow)

func WithWindowClock(now func() time.Time) LocalOption {
	return func(w *LocalWindow) {
		w.now = now
	}
}

// NewLocalWindow creates a window of the given size. shards is rounded up to a power of two.
func NewLocalWindow(size time.Duration, shards int, opts ...LocalOption) *LocalWindow {
	if size <= 0 {
		size = DefaultWindow
	}
	n := 1
	for n < shards {
		n <<= 1
	}
	w := &LocalWindow{
		size:   size,
		now:    time.Now,
		shards: make([]*windowShard, n),
		mask:   uint64(n - 1),
	}
	for i := range w.shards {
		w.shards[i] = &windowShard{hits: make(map[string][]time.Time)}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *LocalWindow) shard(tenantID string) *windowShard {
	return w.shards[xxhash.Sum64String(tenantID)&w.mask]
}

func (w *LocalWindow) Allow(_ context.Context, tenantID string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	s := w.shard(tenantID)
	now := w.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	hits := s.hits[tenantID]
	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= w.size {
		i++
	}
	hits = hits[i:]

	if len(hits) >= limit {
		s.hits[tenantID] = hits
		return Decision{RetryAfter: w.size - now.Sub(hits[0])}, nil
	}
	s.hits[tenantID] = append(hits, now)
	return Decision{Allowed: true}, nil
}

// Count is the number of live entries for tenantID.
func (w *LocalWindow) Count(tenantID string) int {
	s := w.shard(tenantID)
	now := w.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.hits[tenantID] {
		if now.Sub(t) < w.size {
			n++
		}
	}
	return n
}

// Reset drops all recorded entries.
func (w *LocalWindow) Reset() {
	for _, s := range w.shards {
		s.mu.Lock()
		s.hits = make(map[string][]time.Time)
		s.mu.Unlock()
	}
}

// Prune removes tenants whose entries have all expired.
func (w *LocalWindow) Prune() int {
	now := w.now()
	removed := 0
	for _, s := range w.shards {
		s.mu.Lock()
		for id, hits := range s.hits {
			if len(hits) == 0 || now.Sub(hits[len(hits)-1]) >= w.size {
				delete(s.hits, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Name and RunOnce let a background worker prune the window periodically.
func (w *LocalWindow) Name() string { return "rate-window-prune" }

func (w *LocalWindow) RunOnce(context.Context) error {
	w.Prune()
	return nil
}

// slidingWindowScript trims expired entries, then adds one if under the limit.
// Returns {allowed, retry_after_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2]) + window - now}
`)

// RedisWindow shares the sliding window across instances through a sorted set per tenant.
type RedisWindow struct {
	rdb  *redis.Client
	size time.Duration
	now  func() time.Time
}

func NewRedisWindow(rdb *redis.Client, size time.Duration) *RedisWindow {
	if size <= 0 {
		size = DefaultWindow
	}
	return &RedisWindow{rdb: rdb, size: size, now: time.Now}
}

func (w *RedisWindow) key(tenantID string) string {
	return fmt.Sprintf("ratewindow:tenant:%s", tenantID)
}

func (w *RedisWindow) Allow(ctx context.Context, tenantID string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	res, err := slidingWindowScript.Run(ctx, w.rdb,
		[]string{w.key(tenantID)},
		w.now().UnixMilli(), w.size.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate window: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate window: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}
