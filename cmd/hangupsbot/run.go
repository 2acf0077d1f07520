package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/config"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/dashboard"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/telegraph"
	discordadapter "github.com/hangoutsbot/hangoutsbot-sub000/internal/telegraph/discord"
	slackadapter "github.com/hangoutsbot/hangoutsbot-sub000/internal/telegraph/slack"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot",
		Long:  "Connects to the configured chat platform, reconciles permanent memory with its roster and answers commands until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBot(cmd)
		},
	}
}

// adapterFactory builds the platform adapter. Tests replace it.
var adapterFactory = createAdapter

func (a *app) runBot(cmd *cobra.Command) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Bridge.Platform == "" {
		return fmt.Errorf("run: no platform configured (set bridge.platform)")
	}
	logger, err := a.newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	adapter, err := adapterFactory(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dir memory.Directory
	if d, ok := adapter.(memory.Directory); ok {
		dir = d
	}
	e, err := openEnv(ctx, cfg, logger, dir)
	if err != nil {
		return err
	}
	defer e.close(context.Background())

	if cfg.Dashboard.Port > 0 {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Deps: dashboard.Deps{
					Memory:         e.memory,
					Tags:           e.tags,
					Resolver:       e.resolver,
					Events:         e.events,
					Metrics:        e.metrics,
					AllowedOrigins: cfg.Dashboard.AllowedOrigins,
					Logger:         logger.Named("dashboard"),
				},
				Port: cfg.Dashboard.Port,
				Out:  cmd.OutOrStdout(),
			})
			if err != nil {
				logger.Error("dashboard stopped", zap.Error(err))
			}
		}()
	}

	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		Config:   cfg,
		Adapter:  adapter,
		Memory:   e.memory,
		Tags:     e.tags,
		Resolver: e.resolver,
		Auditor:  e.auditor(),
		Metrics:  e.metrics,
		Logger:   logger.Named("telegraph"),
		Out:      cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}
	return daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config, logger *zap.Logger) (telegraph.Adapter, error) {
	switch cfg.Bridge.Platform {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Bridge.Slack.AppToken,
			BotToken:  cfg.Bridge.Slack.BotToken,
			ChannelID: cfg.Bridge.Channel,
			Logger:    logger.Named("slack"),
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Bridge.Discord.BotToken,
			GuildID:   cfg.Bridge.Discord.GuildID,
			ChannelID: cfg.Bridge.Channel,
			Logger:    logger.Named("discord"),
		})
	default:
		return nil, fmt.Errorf("run: unsupported platform %q", cfg.Bridge.Platform)
	}
}
