package main

import (
	"fmt"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/db"
	"github.com/spf13/cobra"
)

func (a *app) newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}
	cmd.AddCommand(a.newDBInitCmd())
	cmd.AddCommand(a.newDBMigrateCmd())
	return cmd
}

func (a *app) newDBInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the MySQL database and its tables",
		Long:  "Connects to the MySQL server without selecting a database, creates the configured database if needed and migrates all tables.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDBInit(cmd)
		},
	}
}

func (a *app) runDBInit(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Memory.Backend != "mysql" {
		return fmt.Errorf("db init: memory.backend is %q, want mysql", cfg.Memory.Backend)
	}
	my := cfg.Memory.MySQL

	adminDB, err := db.ConnectAdmin(my.Host, my.Port)
	if err != nil {
		return fmt.Errorf("connect to MySQL at %s:%d: %w", my.Host, my.Port, err)
	}
	if err := db.CreateDatabase(adminDB, my.Database); err != nil {
		return err
	}
	fmt.Fprintf(out, "Database %q ready\n", my.Database)
	if sqlDB, err := adminDB.DB(); err == nil {
		sqlDB.Close()
	}
	return a.runDBMigrate(cmd)
}

func (a *app) newDBMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the memory tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDBMigrate(cmd)
		},
	}
}

func (a *app) runDBMigrate(cmd *cobra.Command) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	gdb, err := db.Open(cfg.Memory)
	if err != nil {
		return err
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables (%s backend)\n", len(db.AllModels()), cfg.Memory.Backend)
	return nil
}
