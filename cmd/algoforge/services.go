package main

import (
	"path/filepath"

	"github.com/chiqo-ke/algoforge/internal/artifactstore"
	"github.com/chiqo-ke/algoforge/internal/bus"
	"github.com/chiqo-ke/algoforge/internal/config"
	"github.com/chiqo-ke/algoforge/internal/logging"
	"github.com/chiqo-ke/algoforge/internal/workflowstore"
)

// services bundles the subsystems every subcommand needs, built once from a
// loaded Config (spec.md §9 "replace module-level singletons with explicitly
// injected services").
type services struct {
	cfg       *config.Config
	logger    logging.Logger
	bus       bus.Bus
	store     *artifactstore.Store
	workflows *workflowstore.Store
}

// openServices wires the bus, artifact store, and workflow store rooted at
// cfg.WorkspaceRoot. If cfg.BusURL is set, events go to Redis (durable,
// multi-process); otherwise a file-mirrored MemoryBus backs a single-process
// deployment (spec.md §6 "if absent, in-memory bus for single-process
// mode").
func openServices(cfg *config.Config) (*services, error) {
	logger := logging.NewSimpleLogger().WithComponent("cli")

	var b bus.Bus
	var err error
	if cfg.BusURL != "" {
		b, err = bus.NewRedisBus(bus.RedisBusOptions{RedisURL: cfg.BusURL, Logger: logger})
	} else {
		eventLog := filepath.Join(cfg.WorkspaceRoot, "events.log")
		b, err = bus.NewMemoryBus(eventLog, logger)
	}
	if err != nil {
		return nil, fail("opening bus: %w", err)
	}

	store, err := artifactstore.Open(filepath.Join(cfg.WorkspaceRoot, "artifacts-repo"), logger)
	if err != nil {
		return nil, fail("opening artifact store: %w", err)
	}

	wfStore, err := workflowstore.Open(filepath.Join(cfg.WorkspaceRoot, "workflows"))
	if err != nil {
		return nil, fail("opening workflow store: %w", err)
	}

	return &services{cfg: cfg, logger: logger, bus: b, store: store, workflows: wfStore}, nil
}

func (s *services) Close() {
	_ = s.bus.Close()
}
