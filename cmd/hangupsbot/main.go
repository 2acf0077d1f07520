package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/config"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const (
	envPrefix         = "HANGUPSBOT"
	defaultConfigPath = "config.yaml"
)

// app carries the flag and environment settings shared by every command.
type app struct {
	v *viper.Viper
}

func newApp() *app {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	a.v.AutomaticEnv()
	a.v.SetDefault("config", defaultConfigPath)
	return a
}

func newRootCmd() *cobra.Command {
	return newApp().rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hangupsbot",
		Short:         "Chat bot with permanent memory, tags and command access control",
		Long:          "hangupsbot keeps a permanent record of conversations and users, indexes tags on them and decides which commands each user may run.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().String("config", defaultConfigPath, "path to config file (env HANGUPSBOT_CONFIG)")
	cmd.PersistentFlags().String("log-level", "", "log level override: debug, info, warn, error (env HANGUPSBOT_LOG_LEVEL)")
	a.bindFlag(cmd, "config", "config")
	a.bindFlag(cmd, "log.level", "log-level")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(a.newRunCmd())
	cmd.AddCommand(a.newMemoryCmd())
	cmd.AddCommand(a.newTagsCmd())
	cmd.AddCommand(a.newCommandsCmd())
	cmd.AddCommand(a.newDBCmd())
	return cmd
}

func (a *app) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := a.v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// loadConfig reads the config file. A missing file at the default path
// yields the built-in defaults; a missing explicit path is an error.
func (a *app) loadConfig() (*config.Config, error) {
	path := a.v.GetString("config")
	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath:
		cfg = config.Default()
	default:
		return nil, err
	}
	if level := a.v.GetString("log.level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, nil
}

func (a *app) newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	for _, w := range cfg.Warnings {
		logger.Warn("config entry coerced", zap.String("detail", w))
	}
	return logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hangupsbot %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
