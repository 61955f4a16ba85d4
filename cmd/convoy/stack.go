package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/mattjoyce/convoy/internal/audit"
	"github.com/mattjoyce/convoy/internal/config"
	"github.com/mattjoyce/convoy/internal/conflict"
	"github.com/mattjoyce/convoy/internal/events"
	"github.com/mattjoyce/convoy/internal/lock"
	"github.com/mattjoyce/convoy/internal/log"
	"github.com/mattjoyce/convoy/internal/orchestrator"
	"github.com/mattjoyce/convoy/internal/procutil"
	"github.com/mattjoyce/convoy/internal/ratelimit"
	"github.com/mattjoyce/convoy/internal/storage"
)

// stack is every component wired against one state database.
type stack struct {
	cfg        *config.Config
	db         *sql.DB
	hub        *events.Hub
	audit      *audit.SQLiteSink
	locks      *lock.Manager
	detector   *conflict.Detector
	limiter    *ratelimit.Limiter
	executions *orchestrator.SQLiteExecutionStore
	orch       *orchestrator.Orchestrator
}

// openStack opens the state database and builds the components. groupOut
// receives group process stdout.
func (a *app) openStack(ctx context.Context, groupOut io.Writer) (*stack, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateLocalFilesystem(cfg.State.LockDir); err != nil {
		return nil, err
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, db: db, hub: events.NewHub(256)}
	s.audit = audit.NewSQLiteSink(db)
	sink := audit.Multi{s.audit, audit.LogSink{Logger: log.WithComponent("audit")}, audit.HubSink{Hub: s.hub}}

	s.locks, err = lock.NewManager(lock.Options{
		Dir:            cfg.State.LockDir,
		Registry:       lock.NewSQLiteRegistry(db),
		Audit:          sink,
		MaxLockAge:     cfg.Locks.MaxLockAge.Std(),
		AcquireTimeout: cfg.Locks.AcquireTimeout.Std(),
		PollInterval:   cfg.Locks.PollInterval.Std(),
		Logger:         log.WithComponent("lock"),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.detector, err = conflict.NewDetector(conflict.Options{
		Root:   a.root(),
		Rules:  cfg.Rules,
		Audit:  sink,
		Logger: log.WithComponent("conflict"),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.limiter = ratelimit.New(ratelimit.Options{
		Store:  ratelimit.NewSQLiteStore(db, filepath.Join(cfg.State.LockDir, ratelimit.MutexFile)),
		Limits: cfg.RateLimits,
		Audit:  sink,
		Logger: log.WithComponent("ratelimit"),
	})

	s.executions = orchestrator.NewSQLiteExecutionStore(db)
	s.orch, err = orchestrator.New(orchestrator.Options{
		Locks:    s.locks,
		Detector: s.detector,
		Runner: &orchestrator.ProcessRunner{
			Timeout:   cfg.Orchestrator.GroupTimeout.Std(),
			KillGrace: cfg.Orchestrator.KillGrace.Std(),
			Stdout:    groupOut,
			Logger:    log.WithComponent("runner"),
		},
		Store:         s.executions,
		Audit:         sink,
		Logger:        log.WithComponent("orchestrator"),
		LoadThreshold: cfg.Orchestrator.LoadThreshold,
		Load:          procutil.LoadRatio,
		MaxParallel:   cfg.Orchestrator.MaxParallel,
		LockTimeout:   cfg.Locks.AcquireTimeout.Std(),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases any locks still held by this process and closes the
// database.
func (s *stack) Close() error {
	ctx := context.Background()
	return errors.Join(s.locks.ReleaseAll(ctx), s.db.Close())
}

// phaseGroups returns the groups of phase or a configuration error.
func (s *stack) phaseGroups(phase string) ([]config.Group, error) {
	groups, err := s.cfg.Phase(phase)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("phase %q has no groups", phase)
	}
	return groups, nil
}
