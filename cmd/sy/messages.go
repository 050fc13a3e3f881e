package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/msglog"
)

func newMessagesCmd() *cobra.Command {
	var (
		configPath string
		opts       msglog.ListOpts
	)

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List the message log",
		Long:  "Lists inbound and outbound messages, newest first, with optional filters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			msgs, total, err := msglog.List(cmd.Context(), gormDB, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(out, "No messages found")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDIR\tCHANNEL\tPHONE\tSTATUS\tCREATED\tTEXT")
			for _, m := range msgs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					m.ID, m.Direction, m.Channel, m.Phone, m.Status,
					m.CreatedAt.Format("2006-01-02 15:04:05"), truncate(m.Text, 40))
			}
			w.Flush()
			fmt.Fprintf(out, "\nShowing %d-%d of %d\n", opts.Offset+1, opts.Offset+len(msgs), total)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "filter by phone number")
	cmd.Flags().StringVar(&opts.Channel, "channel", "", "filter by channel (sms, ussd)")
	cmd.Flags().StringVar(&opts.Direction, "direction", "", "filter by direction (in, out)")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "rows to skip")
	return cmd
}

// truncate shortens s to n runes on one line.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
