// Package config provides YAML-based configuration loading for the bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level bot configuration, loaded from config.yaml.
//
// The command policy keys (admins, commands_admin, ...) sit at the top level
// and may be overridden per conversation under conversations.<conv_id>.
type Config struct {
	Policy        `yaml:",inline"`
	Conversations map[string]PolicyOverride `yaml:"conversations"`
	Commands      CommandsConfig            `yaml:"commands"`
	Memory        MemoryConfig              `yaml:"memory"`
	Bridge        BridgeConfig              `yaml:"bridge"`
	Dashboard     DashboardConfig           `yaml:"dashboard"`
	Log           LogConfig                 `yaml:"log"`

	// Warnings lists config entries that loaded only after coercion.
	Warnings []string `yaml:"-"`
}

// CommandsConfig controls command parsing.
type CommandsConfig struct {
	Prefix string     `yaml:"prefix"`
	Tags   TagsConfig `yaml:"tags"`
}

// TagsConfig holds tag requirement syntax settings.
type TagsConfig struct {
	DenyPrefix string `yaml:"deny_prefix"`
}

// MemoryConfig selects and tunes the permanent memory backend.
type MemoryConfig struct {
	Backend          string      `yaml:"backend"` // "file", "sqlite" or "mysql"
	Path             string      `yaml:"path"`
	SQLitePath       string      `yaml:"sqlite_path"`
	MySQL            MySQLConfig `yaml:"mysql"`
	Document         string      `yaml:"document"`
	SaveDelayMs      int         `yaml:"save_delay_ms"`
	ResyncCron       string      `yaml:"resync_cron"`
	RefetchBatchSize int         `yaml:"refetch_batch_size"`
	RefetchQueue     int         `yaml:"refetch_queue"`
}

// MySQLConfig holds connection settings for a MySQL-compatible server.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// BridgeConfig selects the chat platform the bot runs on.
type BridgeConfig struct {
	Platform string        `yaml:"platform"` // "slack" or "discord"
	Channel  string        `yaml:"channel"`
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord gateway credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	GuildID  string `yaml:"guild_id"`
}

// DashboardConfig controls the read-only diagnostics API.
type DashboardConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err == nil {
		cfg.Warnings = requirementWarnings(&doc)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// SaveDelay returns the memory save debounce interval.
func (c *Config) SaveDelay() time.Duration {
	return time.Duration(c.Memory.SaveDelayMs) * time.Millisecond
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Commands.Prefix == "" {
		c.Commands.Prefix = "/bot"
	}
	if c.Commands.Tags.DenyPrefix == "" {
		c.Commands.Tags.DenyPrefix = "!"
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = "file"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "memory.json"
	}
	if c.Memory.SQLitePath == "" {
		c.Memory.SQLitePath = "hangupsbot.db"
	}
	if c.Memory.MySQL.Host == "" {
		c.Memory.MySQL.Host = "127.0.0.1"
	}
	if c.Memory.MySQL.Port == 0 {
		c.Memory.MySQL.Port = 3306
	}
	if c.Memory.MySQL.Database == "" {
		c.Memory.MySQL.Database = "hangupsbot"
	}
	if c.Memory.Document == "" {
		c.Memory.Document = "memory"
	}
	if c.Memory.RefetchBatchSize == 0 {
		c.Memory.RefetchBatchSize = 50
	}
	if c.Memory.RefetchQueue == 0 {
		c.Memory.RefetchQueue = 1024
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Memory.Backend {
	case "file", "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("memory.backend %q is not one of file, sqlite, mysql", c.Memory.Backend))
	}
	if c.Memory.SaveDelayMs < 0 {
		errs = append(errs, "memory.save_delay_ms must not be negative")
	}
	if c.Memory.RefetchBatchSize < 0 {
		errs = append(errs, "memory.refetch_batch_size must not be negative")
	}
	if c.Memory.RefetchQueue < 0 {
		errs = append(errs, "memory.refetch_queue must not be negative")
	}
	if expr := c.Memory.ResyncCron; expr != "" {
		if _, err := cron.ParseStandard(expr); err != nil {
			errs = append(errs, fmt.Sprintf("memory.resync_cron %q: %v", expr, err))
		}
	}
	if dp := c.Commands.Tags.DenyPrefix; len([]rune(dp)) != 1 || strings.ContainsAny(strings.ToLower(dp), "abcdefghijklmnopqrstuvwxyz0123456789._-") {
		errs = append(errs, fmt.Sprintf("commands.tags.deny_prefix %q must be a single non-tag character", dp))
	}
	switch c.Bridge.Platform {
	case "":
	case "slack":
		if c.Bridge.Slack.AppToken == "" {
			errs = append(errs, "bridge.slack.app_token is required")
		}
		if c.Bridge.Slack.BotToken == "" {
			errs = append(errs, "bridge.slack.bot_token is required")
		}
	case "discord":
		if c.Bridge.Discord.BotToken == "" {
			errs = append(errs, "bridge.discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("bridge.platform %q is not one of slack, discord", c.Bridge.Platform))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Sprintf("dashboard.port %d is out of range", c.Dashboard.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
