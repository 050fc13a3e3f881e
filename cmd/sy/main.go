package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sy",
		Short: "Switchyard: SMS and USSD conversation engine",
		Long: `Switchyard answers text-message learners. An inbound SMS or USSD message is
checked against the learner's consent record, routed by keyword or rule into
a menu-driven flow, and answered through the SMS gateway. Finished flows
point the learner at a lesson, book or practice pack picked from the
collected grade, subject and language.

Keywords, routing rules, flows and content targeting live in the database;
seed them from a catalog file with "sy db init". Run "sy serve" to accept
gateway webhooks, or "sy simulate" to chat with a flow from the terminal.`,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSimulateCmd())
	cmd.AddCommand(newMessagesCmd())
	cmd.AddCommand(newOptInCmd())
	cmd.AddCommand(newSessionsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sy %s (commit: %s, built: %s)\n", Version, Commit, Date)
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
