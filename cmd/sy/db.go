package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"gorm.io/gorm"
)

const defaultConfigPath = "switchyard.yaml"

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var (
		configPath  string
		catalogPath string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Migrate tables and seed the catalog",
		Long: `Migrates all tables, then loads keywords, routing rules, flows and content
targeting rules from the catalog file. Re-running is safe: rows are upserted
and published flow versions are never overwritten.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath, catalogPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&catalogPath, "catalog", "catalog.yaml", "path to catalog seed file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath, catalogPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s database\n", cfg.Database.Driver)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	cat, err := db.LoadCatalog(catalogPath)
	if err != nil {
		return err
	}
	res, err := db.SeedCatalog(gormDB, cat)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d keywords, %d routing rules, %d targeting rules\n", res.Keywords, res.Rules, res.Targeting)
	fmt.Fprintf(out, "Flows: %d created, %d already published\n", res.Flows, res.FlowsSkipped)

	fmt.Fprintln(out, "\nSwitchyard database initialized successfully.")
	return nil
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables without seeding",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}
