package telegraph

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/access"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/config"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/metrics"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/tagging"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Roster reconciliation sources.
const (
	SourceInit   = "init"
	SourceEvent  = "event"
	SourceResync = "resync"
)

// Daemon is the main bot process. It connects to a chat platform via an
// Adapter, brings permanent memory up to date with the platform roster and
// pumps inbound messages to the Router.
type Daemon struct {
	cfg      *config.Config
	adapter  Adapter
	memory   *memory.Store
	tags     *tagging.Engine
	resolver *access.Resolver
	auditor  Auditor
	metrics  *metrics.Metrics
	logger   *zap.Logger
	out      io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Config   *config.Config
	Adapter  Adapter
	Memory   *memory.Store
	Tags     *tagging.Engine
	Resolver *access.Resolver
	Auditor  Auditor // optional
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Out      io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("telegraph: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Memory == nil {
		return nil, fmt.Errorf("telegraph: memory is required")
	}
	if opts.Tags == nil {
		return nil, fmt.Errorf("telegraph: tag engine is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("telegraph: resolver is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		cfg:      opts.Config,
		adapter:  opts.Adapter,
		memory:   opts.Memory,
		tags:     opts.Tags,
		resolver: opts.Resolver,
		auditor:  opts.Auditor,
		metrics:  opts.Metrics,
		logger:   logger,
		out:      out,
	}, nil
}

// Run starts the daemon. It connects the adapter, upgrades the loaded
// memory snapshot, reconciles the roster, rebuilds the tag indices and
// blocks pumping messages until the context is cancelled. On shutdown it
// flushes memory and closes the adapter.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "hangupsbot connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	// Extract bot user ID if the adapter supports it.
	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}
	if botUserID != "" {
		d.memory.SetSelfID(botUserID)
	}

	if err := d.memory.LoadFromSnapshot(ctx); err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: load memory: %w", err)
	}

	roster, _ := d.adapter.(RosterProvider)
	if roster != nil {
		if err := d.resync(ctx, roster, SourceInit); err != nil {
			d.adapter.Close()
			return fmt.Errorf("telegraph: initial roster: %w", err)
		}
	}
	d.tags.Refresh()

	go d.memory.RunRefetcher(ctx)

	cmdHandler, err := NewCommandHandler(CommandHandlerOpts{
		Prefix:   d.cfg.Commands.Prefix,
		Memory:   d.memory,
		Tags:     d.tags,
		Resolver: d.resolver,
		Auditor:  d.auditor,
		Metrics:  d.metrics,
		Logger:   d.logger,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build command handler: %w", err)
	}

	router, err := NewRouter(RouterOpts{
		CmdHandler: cmdHandler,
		Adapter:    d.adapter,
		Roster:     roster,
		Memory:     d.memory,
		BotUserID:  botUserID,
		Logger:     d.logger,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build router: %w", err)
	}

	// Start listening for inbound messages.
	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	var resync *cron.Cron
	if roster != nil && d.cfg.Memory.ResyncCron != "" {
		if resync, err = d.startResync(ctx, roster); err != nil {
			d.logger.Warn("resync disabled", zap.Error(err))
		}
	}

	fmt.Fprintf(d.out, "hangupsbot online\n")

	// Main event loop: pump inbound messages until context is cancelled.
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "hangupsbot shutting down...\n")
			d.shutdown(resync)
			fmt.Fprintf(d.out, "hangupsbot stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				// Adapter closed the channel.
				fmt.Fprintf(d.out, "hangupsbot inbound channel closed\n")
				d.shutdown(resync)
				return nil
			}
			router.Handle(ctx, msg)
		}
	}
}

// resync pulls the roster and reconciles it into memory.
func (d *Daemon) resync(ctx context.Context, roster RosterProvider, source string) error {
	r, err := roster.Roster(ctx)
	if err != nil {
		return err
	}
	convs, users := d.memory.ReconcileRoster(r, source)
	d.logger.Info("roster reconciled",
		zap.String("source", source),
		zap.Int("conversations", len(r.Conversations)),
		zap.Int("conversations_changed", convs),
		zap.Int("users_changed", users))
	return nil
}

// startResync schedules roster re-reconciliation on memory.resync_cron.
// Runs never overlap; a run still in progress when the next one is due is
// skipped.
func (d *Daemon) startResync(ctx context.Context, roster RosterProvider) (*cron.Cron, error) {
	expr := d.cfg.Memory.ResyncCron
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(expr, func() {
		if ctx.Err() != nil {
			return
		}
		if err := d.resync(ctx, roster, SourceResync); err != nil {
			d.logger.Warn("roster resync", zap.Error(err))
			return
		}
		d.tags.Refresh()
	}); err != nil {
		return nil, fmt.Errorf("telegraph: resync cron %q: %w", expr, err)
	}
	c.Start()
	d.logger.Info("roster resync scheduled", zap.String("cron", expr))
	return c, nil
}

// shutdown waits out any running resync, then flushes memory and closes
// the adapter (best-effort).
func (d *Daemon) shutdown(resync *cron.Cron) {
	if resync != nil {
		<-resync.Stop().Done()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.memory.Flush(ctx); err != nil {
		d.logger.Error("flush memory", zap.Error(err))
	}
	if err := d.adapter.Close(); err != nil {
		d.logger.Error("close adapter", zap.Error(err))
	}
}
