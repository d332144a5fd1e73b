package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiqo-ke/algoforge/internal/model"
)

func newTestKey(id, provider, modelName string) *model.KeyMetadata {
	return &model.KeyMetadata{
		KeyID: id, Provider: provider, ModelName: modelName,
		RPM: 100, TPM: 100000, RPD: 10000, Active: true,
		Tags: model.KeyTags{Workload: model.WorkloadMedium},
	}
}

func TestRouter_CompleteSuccess(t *testing.T) {
	providers := NewProviderRegistry()
	providers.Register(&MockProvider{ProviderName: "openai"})

	r := NewRouter([]*model.KeyMetadata{newTestKey("k1", "openai", "gpt-4")}, Config{Providers: providers})

	resp, err := r.Complete(context.Background(), Request{Prompt: "hello", Workload: "medium"})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "hello")
}

func TestRouter_NoKeysConfigured(t *testing.T) {
	r := NewRouter(nil, Config{})
	_, err := r.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
}

func TestRouter_AllKeysCoolingDownSurfacesRetryAfter(t *testing.T) {
	key := newTestKey("k1", "openai", "gpt-4")
	key.CooldownUntil = time.Now().Add(5 * time.Second)

	r := NewRouter([]*model.KeyMetadata{key}, Config{})
	_, err := r.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
}

func TestRouter_RateLimitTriggersCooldownAndMovesToNextKey(t *testing.T) {
	providers := NewProviderRegistry()
	mock := &MockProvider{
		ProviderName: "openai",
		Responses:    []MockResponse{{Err: ErrRateLimited}},
	}
	providers.Register(mock)

	failing := newTestKey("k1", "openai", "gpt-4")
	healthy := newTestKey("k2", "openai", "gpt-4")

	r := NewRouter([]*model.KeyMetadata{failing, healthy}, Config{Providers: providers, MaxRetries: 3})

	_, err := r.Complete(context.Background(), Request{Prompt: "hi"})
	// the mock rate-limits every call: whichever key is tried first cools
	// down and the router moves on to the other key, which cools down too
	assert.True(t, failing.Cooling(time.Now()))
	assert.Equal(t, int64(2), mock.calls.Load())
	_ = err
}

func TestRouter_Health(t *testing.T) {
	r := NewRouter([]*model.KeyMetadata{newTestKey("k1", "openai", "gpt-4")}, Config{})
	health := r.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "k1", health[0].KeyID)
}
