package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Session maintenance commands",
	}

	cmd.AddCommand(newSessionsSweepCmd())
	return cmd
}

func newSessionsSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions now",
		Long:  "Runs one sweep of expired sessions, the same work `sy serve` schedules with session.sweep_cron.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			store, err := session.NewStore(session.StoreOpts{DB: gormDB, TTL: cfg.Session.TTL})
			if err != nil {
				return err
			}
			n, err := store.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			live, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Swept %d expired session(s), %d live\n", n, live)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}
