package secrets

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// vaultStore resolves secrets from a HashiCorp Vault KV mount, grounded on
// the teacher pack's fanjia1024-Aetheris/pkg/secrets/vault.go client idiom.
type vaultStore struct {
	client     *vault.Client
	pathPrefix string
}

// NewVaultStore connects to Vault and verifies reachability.
func NewVaultStore(cfg Config) (Store, error) {
	addr := cfg.VaultAddr
	if addr == "" {
		addr = "http://127.0.0.1:8200"
	}
	vcfg := vault.DefaultConfig()
	vcfg.Address = addr
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: creating vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("secrets: connecting to vault at %s: %w", addr, err)
	}
	prefix := cfg.PathPrefix
	if prefix == "" {
		prefix = "secret"
	}
	return &vaultStore{client: client, pathPrefix: prefix}, nil
}

func (v *vaultStore) Get(_ context.Context, key string) (string, error) {
	path := fmt.Sprintf("%s/%s", v.pathPrefix, key)
	secret, err := v.client.Logical().Read(path)
	if err != nil {
		return "", fmt.Errorf("secrets: reading %s from vault: %w", path, err)
	}
	if secret == nil {
		return "", fmt.Errorf("secrets: no vault entry at %s", path)
	}
	if val, ok := secret.Data["value"].(string); ok {
		return val, nil
	}
	for _, v := range secret.Data {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("secrets: vault entry at %s has no string value", path)
}

// unsupportedStore satisfies Store for backends the example corpus carries
// no client library for (aws secrets manager, azure key vault). Get always
// fails, which callers treat the same as "secret missing": the affected key
// is disabled with a warning, never a crash (spec.md §6).
type unsupportedStore struct{ provider string }

func newUnsupportedStore(provider string) Store {
	return &unsupportedStore{provider: provider}
}

func (u *unsupportedStore) Get(_ context.Context, key string) (string, error) {
	return "", fmt.Errorf("secrets: %s-backed secret store is not wired in this build (resolving %s)", u.provider, key)
}
