package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/engine"
	"github.com/zulandar/switchyard/internal/gateway"
	"github.com/zulandar/switchyard/internal/models"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func newSimulateCmd() *cobra.Command {
	var (
		configPath  string
		catalogPath string
		phone       string
		channel     string
		memory      bool
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Chat with the engine from the terminal",
		Long: `Reads one message per line from stdin and runs it through the engine as if
it arrived from the gateway. Replies are printed by the console gateway.

With --memory, an in-memory database is seeded from --catalog and nothing is
persisted. For USSD, each line is one menu reply; the cumulative text and
session id are managed for you and a new session starts after the flow ends.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, simulateOpts{
				configPath:  configPath,
				catalogPath: catalogPath,
				phone:       phone,
				channel:     channel,
				memory:      memory,
				verbose:     verbose,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file (defaults used if missing)")
	cmd.Flags().StringVar(&catalogPath, "catalog", "catalog.yaml", "catalog seed file for --memory")
	cmd.Flags().StringVar(&phone, "phone", "+15550000001", "E.164 number to send from")
	cmd.Flags().StringVar(&channel, "channel", models.ChannelSMS, "channel to simulate (sms, ussd)")
	cmd.Flags().BoolVar(&memory, "memory", false, "use a throwaway in-memory database")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the outcome of each message")
	return cmd
}

type simulateOpts struct {
	configPath  string
	catalogPath string
	phone       string
	channel     string
	memory      bool
	verbose     bool
}

func runSimulate(cmd *cobra.Command, opts simulateOpts) error {
	out := cmd.OutOrStdout()
	if !models.ValidChannel(opts.channel) {
		return fmt.Errorf("unknown channel %q (sms, ussd)", opts.channel)
	}
	if !gateway.ValidPhone(opts.phone) {
		return fmt.Errorf("phone %q is not E.164", opts.phone)
	}

	cfg, gormDB, err := simulateDB(opts, out)
	if err != nil {
		return err
	}
	w, err := wire(cfg, gormDB, gateway.NewConsoleClient(out), nil)
	if err != nil {
		return err
	}
	if err := reportCatalog(cmd.Context(), w.catalog, out); err != nil {
		return err
	}

	in := cmd.InOrStdin()
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	if interactive {
		fmt.Fprintf(out, "Simulating %s from %s. Ctrl-D to quit.\n", opts.channel, opts.phone)
	}

	sim := &simulator{eng: w.engine, phone: opts.phone, channel: opts.channel}
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			break
		}
		res, err := sim.send(cmd.Context(), scanner.Text())
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if opts.verbose {
			fmt.Fprintf(out, "(%s)\n", engine.Describe(res))
		}
	}
	return scanner.Err()
}

// simulateDB opens the configured database, or a seeded in-memory one.
func simulateDB(opts simulateOpts, out io.Writer) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(opts.configPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && opts.memory:
		cfg = config.Default()
	default:
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Gateway.Kind = "console"

	if !opts.memory {
		gormDB, err := db.Connect(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		return cfg, gormDB, nil
	}

	gormDB, err := db.OpenMemory("simulate-" + uuid.NewString())
	if err != nil {
		return nil, nil, err
	}
	cat, err := db.LoadCatalog(opts.catalogPath)
	if err != nil {
		return nil, nil, err
	}
	res, err := db.SeedCatalog(gormDB, cat)
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(out, "In-memory database seeded with %d flow(s) from %s\n", res.Flows, opts.catalogPath)
	return cfg, gormDB, nil
}

// simulator plays the gateway's part: it assigns correlation ids and, for
// USSD, builds the cumulative text a carrier would send.
type simulator struct {
	eng     *engine.Engine
	phone   string
	channel string
	seq     int

	ussdSession string
	ussdInputs  []string
}

func (s *simulator) send(ctx context.Context, line string) (*engine.Result, error) {
	line = strings.TrimSpace(line)
	s.seq++

	if s.channel == models.ChannelSMS {
		return s.eng.HandleEvent(ctx, gateway.SMSEvent{
			From:       s.phone,
			Text:       line,
			MessageID:  fmt.Sprintf("sim-%d-%d", time.Now().UnixNano(), s.seq),
			ReceivedAt: time.Now(),
		})
	}

	if s.ussdSession == "" {
		s.ussdSession = uuid.NewString()
		// The first line dials the service code, so its text is empty.
		s.ussdInputs = nil
	} else {
		s.ussdInputs = append(s.ussdInputs, line)
	}
	res, err := s.eng.HandleEvent(ctx, gateway.USSDEvent{
		SessionID:   s.ussdSession,
		PhoneNumber: s.phone,
		Text:        strings.Join(s.ussdInputs, "*"),
	})
	if err != nil {
		return nil, err
	}
	if ussdEnded(res.Outcome) {
		s.ussdSession = ""
	}
	return res, nil
}

func ussdEnded(o engine.Outcome) bool {
	switch o {
	case engine.OutcomeEntered, engine.OutcomeAdvanced, engine.OutcomeInvalid, engine.OutcomeDuplicate:
		return false
	}
	return true
}
