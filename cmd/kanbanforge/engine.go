package main

import (
	"context"
	"fmt"

	"github.com/alekspetrov/kanbanforge/internal/analytics"
	"github.com/alekspetrov/kanbanforge/internal/assets"
	"github.com/alekspetrov/kanbanforge/internal/attempt"
	"github.com/alekspetrov/kanbanforge/internal/config"
	"github.com/alekspetrov/kanbanforge/internal/eventbus"
	"github.com/alekspetrov/kanbanforge/internal/gitops"
	"github.com/alekspetrov/kanbanforge/internal/logging"
	"github.com/alekspetrov/kanbanforge/internal/logstore"
	"github.com/alekspetrov/kanbanforge/internal/maintenance"
	"github.com/alekspetrov/kanbanforge/internal/process"
	"github.com/alekspetrov/kanbanforge/internal/store"
	"github.com/alekspetrov/kanbanforge/internal/worktree"
)

// engine bundles everything a CLI command needs.
type engine struct {
	assetDir    string
	cfg         *config.Config
	store       *store.Store
	bus         *eventbus.Bus
	logs        *logstore.LogStore
	supervisor  *process.Supervisor
	attempts    *attempt.Service
	maintenance *maintenance.Loop
	tracker     analytics.Tracker
}

// openEngine resolves the asset directory, loads configuration, opens the
// store, and wires the component graph.
func openEngine(ctx context.Context) (*engine, error) {
	dir, err := assets.Dir()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(assets.ConfigPath(dir))
	if err != nil {
		return nil, err
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	st, err := store.Open(ctx, assets.DBPath(dir))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logs := logstore.New(st, bus)
	git := gitops.New()
	wt := worktree.NewManager()
	sup := process.NewSupervisor(st, logs, git, wt, bus)
	tracker := analytics.NewTracker(cfg.Analytics.Enabled, version)

	svc := attempt.NewService(attempt.Deps{
		Store:     st,
		Processes: sup,
		Git:       git,
		Worktrees: wt,
		Logs:      logs,
		Bus:       bus,
		Tracker:   tracker,
		ImagesDir: assets.ImagesDir(dir),
	})

	return &engine{
		assetDir:    dir,
		cfg:         cfg,
		store:       st,
		bus:         bus,
		logs:        logs,
		supervisor:  sup,
		attempts:    svc,
		maintenance: maintenance.NewLoop(st.DB(), assets.DBPath(dir), cfg.Maintenance),
		tracker:     tracker,
	}, nil
}

func (e *engine) close() {
	e.tracker.Close()
	_ = e.store.Close()
}
