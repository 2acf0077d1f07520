package main

import (
	"context"
	"fmt"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/access"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/config"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/db"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/jsonstore"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/metrics"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/models"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/tagging"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/telegraph"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// cliActor is the actor id stored on audit events made from the command line.
const cliActor = "cli"

// env is the wired memory, tagging and access stack. Every command builds
// one; run additionally attaches a platform directory for re-fetches.
type env struct {
	cfg      *config.Config
	db       *gorm.DB // nil with the file backend
	kv       *jsonstore.Store
	memory   *memory.Store
	tags     *tagging.Engine
	registry *access.Registry
	resolver *access.Resolver
	events   *db.TagEventLog // nil with the file backend
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// openEnv opens the configured document backend, loads the document and
// builds the stack on top of it. dir may be nil.
func openEnv(ctx context.Context, cfg *config.Config, logger *zap.Logger, dir memory.Directory) (*env, error) {
	e := &env{cfg: cfg, metrics: metrics.New(), logger: logger}

	var backend jsonstore.Backend
	switch cfg.Memory.Backend {
	case "file":
		backend = jsonstore.FileBackend{Path: cfg.Memory.Path}
	default:
		gdb, err := db.Open(cfg.Memory)
		if err != nil {
			return nil, err
		}
		if err := db.AutoMigrate(gdb); err != nil {
			return nil, err
		}
		e.db = gdb
		e.events = &db.TagEventLog{DB: gdb}
		backend = db.SnapshotBackend{DB: gdb, Name: cfg.Memory.Document}
	}

	e.kv = jsonstore.New(jsonstore.Opts{
		Backend:   backend,
		SaveDelay: cfg.SaveDelay(),
		Logger:    logger.Named("jsonstore"),
	})
	if err := e.kv.Open(ctx); err != nil {
		e.closeDB()
		return nil, fmt.Errorf("open memory: %w", err)
	}

	var queue *memory.RefetchQueue
	if dir != nil {
		var err error
		queue, err = memory.NewRefetchQueue(memory.RefetchOpts{
			Directory: dir,
			BatchSize: cfg.Memory.RefetchBatchSize,
			Capacity:  cfg.Memory.RefetchQueue,
			Metrics:   e.metrics,
			Logger:    logger.Named("refetch"),
		})
		if err != nil {
			e.closeDB()
			return nil, err
		}
	}

	var err error
	e.memory, err = memory.New(memory.Opts{
		KV:      e.kv,
		Refetch: queue,
		Metrics: e.metrics,
		Logger:  logger.Named("memory"),
	})
	if err != nil {
		e.closeDB()
		return nil, err
	}
	e.tags, err = tagging.New(tagging.Opts{
		Catalog:    e.memory,
		DenyPrefix: cfg.Commands.Tags.DenyPrefix,
		Metrics:    e.metrics,
		Logger:     logger.Named("tagging"),
	})
	if err != nil {
		e.closeDB()
		return nil, err
	}
	e.tags.Refresh()
	e.registry = access.NewRegistry()
	if err := telegraph.RegisterBuiltins(e.registry); err != nil {
		e.closeDB()
		return nil, err
	}
	e.resolver, err = access.NewResolver(access.ResolverOpts{
		Registry: e.registry,
		Policy:   cfg,
		Tags:     e.tags,
		Logger:   logger.Named("access"),
	})
	if err != nil {
		e.closeDB()
		return nil, err
	}
	return e, nil
}

// auditor returns the audit sink, or nil when no database is configured.
func (e *env) auditor() telegraph.Auditor {
	if e.events == nil {
		return nil
	}
	return e.events
}

// audit records a CLI-initiated mutation when an audit log is configured.
func (e *env) audit(ctx context.Context, ev models.TagEvent) {
	if e.events == nil {
		return
	}
	ev.ActorID = cliActor
	if err := e.events.Record(ctx, ev); err != nil {
		e.logger.Warn("record audit event", zap.Error(err))
	}
}

// close flushes the document and releases the database.
func (e *env) close(ctx context.Context) error {
	err := e.kv.Close(ctx)
	e.closeDB()
	return err
}

func (e *env) closeDB() {
	if e.db == nil {
		return
	}
	if sqlDB, err := e.db.DB(); err == nil {
		sqlDB.Close()
	}
}
