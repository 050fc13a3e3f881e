package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/catalog"
	"github.com/zulandar/switchyard/internal/compliance"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/engine"
	"github.com/zulandar/switchyard/internal/gateway"
	"github.com/zulandar/switchyard/internal/ingress"
	"github.com/zulandar/switchyard/internal/outbound"
	"github.com/zulandar/switchyard/internal/session"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingress and session sweeper",
		Long: `Starts the webhook server that receives inbound SMS/USSD events and
delivery receipts, plus the cron-scheduled sweeper for expired sessions.
With redis configured, per-conversation locks are shared across instances.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	client, err := newGatewayClient(cfg.Gateway, out)
	if err != nil {
		return err
	}

	var locker session.Locker
	if cfg.Redis.Enabled() {
		rdb, err := connectRedis(cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker, err = session.NewRedisLocker(session.RedisLockerOpts{Client: rdb})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Using redis locks at %s:%d\n", cfg.Redis.Host, cfg.Redis.Port)
	}

	w, err := wire(cfg, gormDB, client, locker)
	if err != nil {
		return err
	}
	if err := reportCatalog(cmd.Context(), w.catalog, out); err != nil {
		return err
	}

	sweeper, err := session.NewSweeper(w.store, cfg.Session.SweepCron, out)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()
	fmt.Fprintf(out, "Session sweeper scheduled (%s)\n", cfg.Session.SweepCron)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return ingress.Start(ctx, ingress.StartOpts{
		Engine:   w.engine,
		DB:       gormDB,
		Catalog:  w.catalog,
		Sessions: w.store,
		Port:     cfg.Server.Port,
		Token:    cfg.Server.Token,
		Out:      out,
	})
}

// wiring holds the components shared by serve and simulate.
type wiring struct {
	engine  *engine.Engine
	store   *session.Store
	catalog *catalog.Loader
}

func wire(cfg *config.Config, gormDB *gorm.DB, client gateway.Client, locker session.Locker) (*wiring, error) {
	store, err := session.NewStore(session.StoreOpts{DB: gormDB, TTL: cfg.Session.TTL})
	if err != nil {
		return nil, err
	}
	gate, err := compliance.NewGate(compliance.GateOpts{DB: gormDB, Sessions: store, Config: cfg.Compliance})
	if err != nil {
		return nil, err
	}
	disp, err := outbound.NewDispatcher(outbound.DispatcherOpts{Client: client, DB: gormDB, Config: cfg.Dispatch})
	if err != nil {
		return nil, err
	}
	loader := catalog.NewLoader(gormDB, cfg.Catalog.RefreshInterval)
	eng, err := engine.New(engine.Opts{
		DB:         gormDB,
		Catalog:    loader,
		Gate:       gate,
		Sessions:   store,
		Locker:     locker,
		Dispatcher: disp,
		Config:     cfg,
	})
	if err != nil {
		return nil, err
	}
	return &wiring{engine: eng, store: store, catalog: loader}, nil
}

// reportCatalog loads the first snapshot and prints every configuration
// problem so a broken rule set shows up before any message arrives.
func reportCatalog(ctx context.Context, loader *catalog.Loader, out io.Writer) error {
	snap, err := loader.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	for _, cerr := range snap.Errors() {
		fmt.Fprintf(out, "Catalog error: %v\n", cerr)
	}
	for _, ch := range snap.DisabledChannels() {
		fmt.Fprintf(out, "WARNING: channel %s is disabled; every %s message gets the fallback reply\n", ch, ch)
	}
	return nil
}

func newGatewayClient(cfg config.GatewayConfig, out io.Writer) (gateway.Client, error) {
	switch cfg.Kind {
	case "console":
		return gateway.NewConsoleClient(out), nil
	case "http":
		return gateway.NewHTTPClient(gateway.HTTPClientOpts{URL: cfg.URL, Token: cfg.Token, Timeout: cfg.Timeout})
	}
	return nil, fmt.Errorf("unsupported gateway kind %q", cfg.Kind)
}

func connectRedis(cfg config.RedisConfig) (*redis.Client, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}
