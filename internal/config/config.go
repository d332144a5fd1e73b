// Package config loads algoforge's runtime configuration from environment
// variables (spec.md §6) and an optional YAML defaults file, following the
// teacher's core.Config.LoadFromEnv idiom: parse what's present, log what
// was set, never fail hard on an absent optional value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chiqo-ke/algoforge/internal/logging"
)

// Config is algoforge's process-wide configuration, constructed once at
// startup and passed by handle to every subsystem (spec.md §9 "replace
// module-level singletons with explicitly injected services").
type Config struct {
	// Router (spec.md §6 env vars)
	MultiKeyRouterEnabled bool          `yaml:"multi_key_router_enabled"`
	MaxRetries            int           `yaml:"max_retries"`
	BaseBackoff           time.Duration `yaml:"base_backoff"`

	// Bus
	BusURL string `yaml:"bus_url"` // empty => in-memory bus

	// Secrets
	SecretStoreType string `yaml:"secret_store_type"` // env|vault|aws|azure

	// Artifact store
	WorkspaceRoot string `yaml:"workspace_root"`

	// Sandbox
	SandboxCPULimit float64       `yaml:"sandbox_cpu_limit"`
	SandboxMemLimit  string       `yaml:"sandbox_mem_limit"`
	SandboxTimeout   time.Duration `yaml:"sandbox_timeout"`

	// Worker pool sizing (ambient, not spec-mandated env vars but needed
	// to make §5's "bounded worker pool per role (default 4)" concrete).
	AgentWorkerPoolSize int `yaml:"agent_worker_pool_size"`
	TesterConcurrency   int `yaml:"tester_concurrency"`

	logger logging.Logger
}

// DefaultConfig returns the spec-mandated defaults (spec.md §4.2, §4.4, §5).
func DefaultConfig() *Config {
	return &Config{
		MultiKeyRouterEnabled: false,
		MaxRetries:            3,
		BaseBackoff:           500 * time.Millisecond,
		BusURL:                "",
		SecretStoreType:       "env",
		WorkspaceRoot:         "./workspace",
		SandboxCPULimit:       0.5,
		SandboxMemLimit:       "1Gi",
		SandboxTimeout:        300 * time.Second,
		AgentWorkerPoolSize:   4,
		TesterConcurrency:     2,
	}
}

// WithLogger attaches a logger used to report which settings were loaded.
func (c *Config) WithLogger(l logging.Logger) *Config {
	c.logger = l
	return c
}

// LoadFromFile merges static defaults from a YAML file (e.g. algoforge.yaml)
// into c. A missing file is not an error; a malformed one is.
func (c *Config) LoadFromFile(path string) error {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overlays recognized environment variables on top of whatever
// is already set, mirroring spec.md §6's "Environment variables (recognized)"
// list exactly.
func (c *Config) LoadFromEnv() error {
	loaded := 0
	logSet := func(setting, envVar string) {
		loaded++
		if c.logger != nil {
			c.logger.Debug("configuration loaded", map[string]interface{}{
				"setting": setting, "source": envVar,
			})
		}
	}

	if v := os.Getenv("LLM_MULTI_KEY_ROUTER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.MultiKeyRouterEnabled = b
			logSet("multi_key_router_enabled", "LLM_MULTI_KEY_ROUTER_ENABLED")
		} else if c.logger != nil {
			c.logger.Warn("invalid bool in LLM_MULTI_KEY_ROUTER_ENABLED", map[string]interface{}{"value": v})
		}
	}
	if v := os.Getenv("LLM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
			logSet("max_retries", "LLM_MAX_RETRIES")
		} else if c.logger != nil {
			c.logger.Warn("invalid int in LLM_MAX_RETRIES", map[string]interface{}{"value": v})
		}
	}
	if v := os.Getenv("LLM_BASE_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BaseBackoff = time.Duration(n) * time.Millisecond
			logSet("base_backoff_ms", "LLM_BASE_BACKOFF_MS")
		} else if c.logger != nil {
			c.logger.Warn("invalid int in LLM_BASE_BACKOFF_MS", map[string]interface{}{"value": v})
		}
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		c.BusURL = v
		logSet("bus_url", "BUS_URL")
	}
	if v := os.Getenv("SECRET_STORE_TYPE"); v != "" {
		c.SecretStoreType = v
		logSet("secret_store_type", "SECRET_STORE_TYPE")
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		c.WorkspaceRoot = v
		logSet("workspace_root", "WORKSPACE_ROOT")
	}
	if v := os.Getenv("SANDBOX_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.SandboxCPULimit = f
			logSet("sandbox_cpu_limit", "SANDBOX_CPU_LIMIT")
		} else if c.logger != nil {
			c.logger.Warn("invalid float in SANDBOX_CPU_LIMIT", map[string]interface{}{"value": v})
		}
	}
	if v := os.Getenv("SANDBOX_MEM_LIMIT"); v != "" {
		c.SandboxMemLimit = v
		logSet("sandbox_mem_limit", "SANDBOX_MEM_LIMIT")
	}
	if v := os.Getenv("SANDBOX_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SandboxTimeout = time.Duration(n) * time.Second
			logSet("sandbox_timeout_s", "SANDBOX_TIMEOUT_S")
		} else if c.logger != nil {
			c.logger.Warn("invalid int in SANDBOX_TIMEOUT_S", map[string]interface{}{"value": v})
		}
	}

	if c.logger != nil {
		c.logger.Info("configuration loaded from environment", map[string]interface{}{"vars_loaded": loaded})
	}
	return nil
}

// APIKeyEnvVar returns the environment variable name holding the secret for
// a given key id, per spec.md §6 "Per-key secrets: API_KEY_{key_id}".
func APIKeyEnvVar(keyID string) string {
	return "API_KEY_" + keyID
}
