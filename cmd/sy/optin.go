package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/compliance"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/session"
)

func newOptInCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optin",
		Short: "Consent record commands",
	}

	cmd.AddCommand(newOptInShowCmd())
	return cmd
}

func newOptInShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <phone>",
		Short: "Show consent records for a phone number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			store, err := session.NewStore(session.StoreOpts{DB: gormDB, TTL: cfg.Session.TTL})
			if err != nil {
				return err
			}
			gate, err := compliance.NewGate(compliance.GateOpts{DB: gormDB, Sessions: store, Config: cfg.Compliance})
			if err != nil {
				return err
			}

			phone := args[0]
			var recs []*models.OptIn
			for _, ch := range []string{models.ChannelSMS, models.ChannelUSSD} {
				rec, err := gate.Lookup(cmd.Context(), phone, ch)
				if err != nil {
					return err
				}
				if rec != nil {
					recs = append(recs, rec)
				}
			}

			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintf(out, "No consent records for %s\n", phone)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tOPTED IN\tSOURCE\tCONSENT AT\tLOCALE")
			for _, r := range recs {
				locale := r.Locale
				if locale == "" {
					locale = "-"
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n",
					r.Channel, r.OptedIn, r.ConsentSource, r.ConsentAt.Format("2006-01-02 15:04:05"), locale)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}
