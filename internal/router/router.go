package router

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/chiqo-ke/algoforge/internal/errs"
	"github.com/chiqo-ke/algoforge/internal/logging"
	"github.com/chiqo-ke/algoforge/internal/model"
	"github.com/chiqo-ke/algoforge/internal/resilience"
	"github.com/chiqo-ke/algoforge/internal/telemetry"
)

// EscalationMap maps a light-tier model name to the heavier model the router
// escalates to after a safety-filter block (spec.md §4.2 error handling:
// "retry exactly once with a heavier-tier model"). Populated by the caller
// via Config.Escalation since tier names are provider-specific.
type EscalationMap map[string]string

// Router implements the LLM Request Router (C2).
type Router struct {
	mu         sync.RWMutex
	keys       map[string]*model.KeyMetadata
	providers  *ProviderRegistry
	rateStore  RateStore
	logger     logging.Logger
	maxRetries int
	escalation EscalationMap
	apiKeyOf   func(keyID string) string

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker // provider name -> breaker
}

// Config configures a Router.
type Config struct {
	Providers  *ProviderRegistry
	RateStore  RateStore
	Logger     logging.Logger
	MaxRetries int
	Escalation EscalationMap
	// APIKeyLookup resolves a key_id to the actual secret to pass to the
	// provider. Kept out-of-band from KeyMetadata so metadata can be logged
	// and persisted without ever holding a raw secret (spec.md §9 secret
	// handling; see internal/config.APIKeyEnvVar).
	APIKeyLookup func(keyID string) string
}

// NewRouter constructs a Router over an initial key pool.
func NewRouter(keys []*model.KeyMetadata, cfg Config) *Router {
	if cfg.RateStore == nil {
		cfg.RateStore = NewLocalRateStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Providers == nil {
		cfg.Providers = NewProviderRegistry()
	}
	if cfg.APIKeyLookup == nil {
		cfg.APIKeyLookup = func(string) string { return "" }
	}
	pool := make(map[string]*model.KeyMetadata, len(keys))
	for _, k := range keys {
		pool[k.KeyID] = k
	}
	return &Router{
		keys:       pool,
		providers:  cfg.Providers,
		rateStore:  cfg.RateStore,
		logger:     cfg.Logger,
		maxRetries: cfg.MaxRetries,
		escalation: cfg.Escalation,
		apiKeyOf:   cfg.APIKeyLookup,
		breakers:   make(map[string]*resilience.CircuitBreaker),
	}
}

// breakerFor returns the per-provider circuit breaker, creating one on first
// use. A provider that is persistently failing trips its breaker
// independently of any single key's cooldown, guarding the other keys
// sharing that provider from wasting selection attempts on it.
func (r *Router) breakerFor(provider string) *resilience.CircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	cb, ok := r.breakers[provider]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("provider/" + provider))
		r.breakers[provider] = cb
	}
	return cb
}

// selection implements spec.md §4.2's six-step key-selection algorithm.
func (r *Router) selection(ctx context.Context, req Request) (*model.KeyMetadata, error) {
	r.mu.RLock()
	all := make([]*model.KeyMetadata, 0, len(r.keys))
	for _, k := range r.keys {
		all = append(all, k)
	}
	r.mu.RUnlock()

	if len(all) == 0 {
		return nil, errs.ErrNoKeysConfigured
	}

	now := time.Now()

	// step 1: active and not cooling down
	usable := filterKeys(all, func(k *model.KeyMetadata) bool { return k.Usable(now) })
	if len(usable) == 0 {
		return nil, retryAfterErr(all, now)
	}

	// step 2: workload tag, falling through to any workload
	if req.Workload != "" {
		byWorkload := filterKeys(usable, func(k *model.KeyMetadata) bool {
			return string(k.Tags.Workload) == req.Workload
		})
		if len(byWorkload) > 0 {
			usable = byWorkload
		}
	}

	// step 3: model preference, falling through to any model
	if req.ModelPreference != "" {
		byModel := filterKeys(usable, func(k *model.KeyMetadata) bool {
			return k.ModelName == req.ModelPreference
		})
		if len(byModel) > 0 {
			usable = byModel
		}
	}

	// step 4: capacity check against the rolling-window rate store
	var capacityOK []*model.KeyMetadata
	for _, k := range usable {
		ok, err := r.rateStore.Reserve(ctx, k.KeyID, k.RPM, k.TPM, req.EstimatedTokens)
		if err != nil {
			r.logger.WarnWithContext(ctx, "rate store error during key selection", map[string]interface{}{
				"key_id": k.KeyID, "error": err.Error(),
			})
			continue
		}
		if ok {
			capacityOK = append(capacityOK, k)
		}
	}
	if len(capacityOK) == 0 {
		return nil, retryAfterErr(all, now)
	}

	// step 5: uniformly random shuffle, return the first
	rand.Shuffle(len(capacityOK), func(i, j int) { capacityOK[i], capacityOK[j] = capacityOK[j], capacityOK[i] })
	return capacityOK[0], nil
}

func filterKeys(in []*model.KeyMetadata, pred func(*model.KeyMetadata) bool) []*model.KeyMetadata {
	var out []*model.KeyMetadata
	for _, k := range in {
		if pred(k) {
			out = append(out, k)
		}
	}
	return out
}

// retryAfterErr implements step 6: surface AllKeysExhausted(retry_after)
// where retry_after = min(cooldown_until - now) over keys still in cooldown,
// or one minute when no key is cooling down.
func retryAfterErr(all []*model.KeyMetadata, now time.Time) error {
	var min time.Duration = -1
	for _, k := range all {
		if !k.CooldownUntil.After(now) {
			continue
		}
		d := k.CooldownUntil.Sub(now)
		if min < 0 || d < min {
			min = d
		}
	}
	if min < 0 {
		min = time.Minute
	}
	return fmt.Errorf("%w: retry_after=%s", errs.ErrAllKeysExhausted, min)
}

// Complete runs a completion request through the router's key pool,
// implementing spec.md §4.2's error handling per key/tier.
func (r *Router) Complete(ctx context.Context, req Request) (Completion, error) {
	attempted := make(map[string]bool)

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		key, err := r.selection(ctx, req)
		if err != nil {
			return Completion{}, err
		}
		if attempted[key.KeyID] {
			continue
		}
		attempted[key.KeyID] = true

		completion, err := r.callKey(ctx, key, req)
		if err == nil {
			if completion.SafetyBlock {
				escalated, escErr := r.retryEscalated(ctx, key, req)
				if escErr != nil {
					return Completion{}, errs.ErrSafetyBlocked
				}
				return escalated, nil
			}
			telemetry.Counter("router.requests", "outcome", "success", "key_id", key.KeyID)
			return completion, nil
		}

		switch classify(err) {
		case classRateLimited:
			r.coolDown(key)
			continue
		case classTransient:
			if retried, rerr := r.retryTransient(ctx, key, req); rerr == nil {
				return retried, nil
			}
			continue
		default:
			telemetry.Counter("router.requests", "outcome", "fail_fast", "key_id", key.KeyID)
			return Completion{}, err
		}
	}
	return Completion{}, errs.ErrAllKeysExhausted
}

type errClass int

const (
	classOther errClass = iota
	classRateLimited
	classTransient
)

// classify maps a provider error to the retry behavior spec.md §4.2
// prescribes. Real providers surface typed errors; this inspects well-known
// sentinel wrapping since Provider implementations are expected to wrap
// their transport errors with these sentinels.
func classify(err error) errClass {
	switch {
	case err == nil:
		return classOther
	case isRateLimitErr(err):
		return classRateLimited
	case isTransientErr(err):
		return classTransient
	default:
		return classOther
	}
}

func (r *Router) callKey(ctx context.Context, key *model.KeyMetadata, req Request) (Completion, error) {
	provider, ok := r.providers.Get(key.Provider)
	if !ok {
		return Completion{}, fmt.Errorf("no provider registered for %q", key.Provider)
	}
	apiKey := r.apiKeyOf(key.KeyID)

	breaker := r.breakerFor(key.Provider)
	if !breaker.CanExecute() {
		return Completion{}, fmt.Errorf("%w: provider %q circuit open", ErrTransient, key.Provider)
	}

	completion, err := provider.Complete(ctx, apiKey, req)
	r.recordOutcome(key, err == nil)
	if err == nil {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}
	return completion, err
}

func (r *Router) recordOutcome(key *model.KeyMetadata, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key.LastUsed = time.Now()
	if success {
		key.SuccessCount++
	} else {
		key.ErrorCount++
	}
}

// coolDown implements the 429 handling: it increments ErrorCount, then sets
// cooldown_until = now + min(30s * 2^ErrorCount, 300s). ErrorCount is the
// key's running error total and is not reset on success, so the backoff is
// not based on consecutive errors.
func (r *Router) coolDown(key *model.KeyMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key.ErrorCount++
	backoff := time.Duration(30*math.Pow(2, float64(key.ErrorCount))) * time.Second
	if backoff > 300*time.Second {
		backoff = 300 * time.Second
	}
	key.CooldownUntil = time.Now().Add(backoff)
	r.logger.Warn("key entering cooldown", map[string]interface{}{
		"key_id": key.KeyID, "cooldown_until": key.CooldownUntil,
	})
}

// retryTransient implements the 5xx/network handling: exponential backoff
// (50ms * 2^attempt, capped at 5s) within the same key up to a per-key
// retry budget, matching internal/resilience.RetryPolicy's shape.
func (r *Router) retryTransient(ctx context.Context, key *model.KeyMetadata, req Request) (Completion, error) {
	delay := 50 * time.Millisecond
	const maxDelay = 5 * time.Second
	const budget = 3

	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case <-time.After(delay):
		}
		completion, err := r.callKey(ctx, key, req)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return Completion{}, lastErr
}

// retryEscalated implements the safety-filter handling: retry exactly once
// with a heavier-tier model.
func (r *Router) retryEscalated(ctx context.Context, key *model.KeyMetadata, req Request) (Completion, error) {
	heavier, ok := r.escalation[key.ModelName]
	if !ok {
		return Completion{}, errs.ErrSafetyBlocked
	}
	escalatedReq := req
	escalatedReq.ModelPreference = heavier
	escalatedKey, err := r.selection(ctx, escalatedReq)
	if err != nil {
		return Completion{}, err
	}
	completion, err := r.callKey(ctx, escalatedKey, escalatedReq)
	if err != nil || completion.SafetyBlock {
		return Completion{}, errs.ErrSafetyBlocked
	}
	return completion, nil
}

// AddKey registers (or replaces) a key in the pool.
func (r *Router) AddKey(k *model.KeyMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[k.KeyID] = k
}

// KeyHealth is one key's counters and cooldown status for the health
// snapshot (spec.md §4.2 Observables).
type KeyHealth struct {
	KeyID         string    `json:"key_id"`
	Provider      string    `json:"provider"`
	Active        bool      `json:"active"`
	SuccessCount  int64     `json:"success_count"`
	ErrorCount    int64     `json:"error_count"`
	CoolingDown   bool      `json:"cooling_down"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	LastUsed      time.Time `json:"last_used,omitempty"`
}

// Health enumerates every key's counters and cooldown status.
func (r *Router) Health() []KeyHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	out := make([]KeyHealth, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, KeyHealth{
			KeyID: k.KeyID, Provider: k.Provider, Active: k.Active,
			SuccessCount: k.SuccessCount, ErrorCount: k.ErrorCount,
			CoolingDown: k.Cooling(now), CooldownUntil: k.CooldownUntil, LastUsed: k.LastUsed,
		})
	}
	return out
}
