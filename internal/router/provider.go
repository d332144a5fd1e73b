// Package router implements the LLM Request Router (spec.md §4.2): a
// multi-key pool with deterministic-modulo-random-tiebreak key selection,
// rolling-window RPM/TPM capacity accounting, provider-tier fallback, and
// safety-filter escalation. Grounded on the teacher's ai/registry.go
// (provider-factory registry pattern) and ai/provider.go (Provider/AIConfig
// shape), generalized from a single-client-per-call model to a pooled,
// rate-accounted one.
package router

import "context"

// Completion is the normalized result of a single provider call.
type Completion struct {
	Text        string
	TokensIn    int
	TokensOut   int
	ModelName   string
	SafetyBlock bool
}

// Request is a single completion request against the router.
type Request struct {
	Prompt           string
	ModelPreference  string
	Workload         string // "light" | "medium" | "heavy", see model.WorkloadTag
	EstimatedTokens  int
}

// Provider is the transport to a single LLM backend, identified by name
// (e.g. "openai", "anthropic"). The router holds one Provider per distinct
// KeyMetadata.Provider value and multiplexes keys across it.
type Provider interface {
	Name() string
	Complete(ctx context.Context, apiKey string, req Request) (Completion, error)
}

// ProviderRegistry is a process-wide registry of Provider implementations,
// mirroring the teacher's ai/registry.go ProviderFactory registry but
// keyed by provider name directly rather than a factory-with-DetectEnvironment
// indirection, since the router's providers are configured explicitly via
// KeyMetadata rather than auto-detected from the environment.
type ProviderRegistry struct {
	providers map[string]Provider
}

// NewProviderRegistry constructs an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds a provider, overwriting any existing registration under the
// same name.
func (r *ProviderRegistry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get retrieves a provider by name.
func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}
