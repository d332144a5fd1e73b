package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/chiqo-ke/algoforge/internal/logging"
)

// RateStore checks and reserves capacity against a key's RPM/TPM budgets in
// a rolling window (spec.md §4.2 selection step 4). Implementations must be
// safe for concurrent use.
type RateStore interface {
	// Reserve admits one request and tokens tokens against keyID's rpm/tpm
	// budgets if the rolling window has headroom, atomically. Returns false
	// without reserving if either budget would be exceeded.
	Reserve(ctx context.Context, keyID string, rpm, tpm, tokens int) (bool, error)
}

// LocalRateStore is an in-process rolling-window counter, used both as the
// default (single-process) implementation and as the fail-open fallback
// when RedisRateStore's backing store is unavailable (spec.md §4.2 step 4:
// "the router continues in fail-open mode (local counting only) and records
// a degradation flag").
type LocalRateStore struct {
	mu      sync.Mutex
	stamps  map[string][]time.Time // key -> request timestamps within window
	tokens  map[string][]tokenSample
	buckets map[string]*rate.Limiter // cheap per-key RPM admission gate
}

type tokenSample struct {
	at     time.Time
	amount int
}

// NewLocalRateStore constructs an empty LocalRateStore.
func NewLocalRateStore() *LocalRateStore {
	return &LocalRateStore{
		stamps:  make(map[string][]time.Time),
		tokens:  make(map[string][]tokenSample),
		buckets: make(map[string]*rate.Limiter),
	}
}

// bucketFor returns (creating if needed) the token-bucket gate for keyID,
// refilling at rpm/60 per second with a burst equal to rpm. This is a cheap
// first-pass admission check ahead of the precise rolling-window count
// below; it never admits more than the window allows but can reject early
// under burst without consulting the timestamp slices.
func (s *LocalRateStore) bucketFor(keyID string, rpm int) *rate.Limiter {
	b, ok := s.buckets[keyID]
	if !ok || int(b.Burst()) != rpm {
		limit := rate.Limit(float64(rpm) / 60.0)
		if rpm <= 0 {
			limit = rate.Inf
		}
		b = rate.NewLimiter(limit, maxInt(rpm, 1))
		s.buckets[keyID] = b
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Reserve implements RateStore using a 60-second rolling window, matching
// RPM/TPM's per-minute semantics.
func (s *LocalRateStore) Reserve(ctx context.Context, keyID string, rpm, tpm, tokens int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	if rpm > 0 && !s.bucketFor(keyID, rpm).AllowN(now, 1) {
		return false, nil
	}

	reqs := pruneStamps(s.stamps[keyID], cutoff)
	if rpm > 0 && len(reqs) >= rpm {
		s.stamps[keyID] = reqs
		return false, nil
	}

	samples := pruneSamples(s.tokens[keyID], cutoff)
	used := 0
	for _, sm := range samples {
		used += sm.amount
	}
	if tpm > 0 && used+tokens > tpm {
		s.tokens[keyID] = samples
		return false, nil
	}

	reqs = append(reqs, now)
	samples = append(samples, tokenSample{at: now, amount: tokens})
	s.stamps[keyID] = reqs
	s.tokens[keyID] = samples
	return true, nil
}

func pruneStamps(in []time.Time, cutoff time.Time) []time.Time {
	out := in[:0]
	for _, t := range in {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func pruneSamples(in []tokenSample, cutoff time.Time) []tokenSample {
	out := in[:0]
	for _, s := range in {
		if s.at.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// RedisRateStore is the shared, cross-process counter store, grounded on
// the teacher's core/redis_client.go sorted-set sliding-window operations
// (ZAdd/ZRemRangeByScore/ZCard). On any Redis error it falls back to a local
// store instance and the caller should treat the router as degraded.
type RedisRateStore struct {
	client    *redis.Client
	namespace string
	fallback  *LocalRateStore
	logger    logging.Logger

	degraded bool
	mu       sync.Mutex
}

// NewRedisRateStore connects to Redis for rate accounting.
func NewRedisRateStore(redisURL, namespace string, logger logging.Logger) (*RedisRateStore, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis rate store unreachable: %w", err)
	}
	return &RedisRateStore{
		client:    client,
		namespace: namespace,
		fallback:  NewLocalRateStore(),
		logger:    logger,
	}, nil
}

// Degraded reports whether the store is currently operating in fail-open
// local-counting mode because Redis was unreachable on a recent call.
func (s *RedisRateStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *RedisRateStore) setDegraded(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v != s.degraded {
		s.degraded = v
		s.logger.Warn("rate store degradation flag changed", map[string]interface{}{"degraded": v})
	}
}

// Reserve implements RateStore using two Redis sorted sets per key (one for
// request timestamps, one for token amounts keyed by the same score so
// ZRemRangeByScore prunes both the same way).
func (s *RedisRateStore) Reserve(ctx context.Context, keyID string, rpm, tpm, tokens int) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	reqKey := fmt.Sprintf("%s:rpm:%s", s.namespace, keyID)
	tokKey := fmt.Sprintf("%s:tpm:%s", s.namespace, keyID)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, reqKey, "-inf", fmt.Sprintf("%d", cutoff.UnixNano()))
	pipe.ZCard(ctx, reqKey)
	pipe.ZRemRangeByScore(ctx, tokKey, "-inf", fmt.Sprintf("%d", cutoff.UnixNano()))
	pipe.ZRangeByScore(ctx, tokKey, &redis.ZRangeBy{Min: fmt.Sprintf("%d", cutoff.UnixNano()), Max: "+inf"})
	results, err := pipe.Exec(ctx)
	if err != nil {
		s.setDegraded(true)
		return s.fallback.Reserve(ctx, keyID, rpm, tpm, tokens)
	}
	s.setDegraded(false)

	reqCount := results[1].(*redis.IntCmd).Val()
	if rpm > 0 && reqCount >= int64(rpm) {
		return false, nil
	}

	used := 0
	for _, raw := range results[3].(*redis.StringSliceCmd).Val() {
		var amount int
		fmt.Sscanf(raw, "%d", &amount)
		used += amount
	}
	if tpm > 0 && used+tokens > tpm {
		return false, nil
	}

	writePipe := s.client.TxPipeline()
	writePipe.ZAdd(ctx, reqKey, &redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	writePipe.Expire(ctx, reqKey, 2*time.Minute)
	writePipe.ZAdd(ctx, tokKey, &redis.Z{Score: float64(now.UnixNano()), Member: fmt.Sprintf("%d:%d", tokens, now.UnixNano())})
	writePipe.Expire(ctx, tokKey, 2*time.Minute)
	if _, err := writePipe.Exec(ctx); err != nil {
		s.setDegraded(true)
		return s.fallback.Reserve(ctx, keyID, rpm, tpm, tokens)
	}
	return true, nil
}
