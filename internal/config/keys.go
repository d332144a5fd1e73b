package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/chiqo-ke/algoforge/internal/logging"
	"github.com/chiqo-ke/algoforge/internal/model"
	"github.com/chiqo-ke/algoforge/internal/secrets"
)

// LoadKeyManifest reads keys.json (spec.md §6 "Configuration (keys
// manifest)") and resolves each active key's secret through store. A key
// whose secret cannot be resolved is deactivated with a warning rather than
// failing the whole load, per spec.md §6's "missing secret for an active key
// disables that key with a warning, never a crash".
func LoadKeyManifest(path string, store secrets.Store, logger logging.Logger) ([]*model.KeyMetadata, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading key manifest %s: %w", path, err)
	}
	var keys []*model.KeyMetadata
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("config: parsing key manifest %s: %w", path, err)
	}

	ctx := context.Background()
	for _, k := range keys {
		if !k.Active {
			continue
		}
		if _, err := store.Get(ctx, APIKeyEnvVar(k.KeyID)); err != nil {
			k.Active = false
			logger.Warn("deactivating key: secret unresolved", map[string]interface{}{
				"key_id": k.KeyID, "provider": k.Provider, "error": err.Error(),
			})
		}
	}
	return keys, nil
}

// APIKeyLookup returns a function suitable for router.Config.APIKeyLookup
// that resolves a key_id's secret through store, logging (but never
// panicking on) a resolution failure.
func APIKeyLookup(store secrets.Store, logger logging.Logger) func(keyID string) string {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return func(keyID string) string {
		val, err := store.Get(context.Background(), APIKeyEnvVar(keyID))
		if err != nil {
			logger.Warn("api key lookup failed", map[string]interface{}{"key_id": keyID, "error": err.Error()})
			return ""
		}
		return val
	}
}
