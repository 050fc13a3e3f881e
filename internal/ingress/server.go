// Package ingress exposes the gateway webhooks over HTTP.
package ingress

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/catalog"
	"github.com/zulandar/switchyard/internal/engine"
	"gorm.io/gorm"
)

// TokenHeader carries the shared secret on every /v1 request.
const TokenHeader = "X-Switchyard-Token"

// SessionCounter reports live sessions for the health check.
type SessionCounter interface {
	Count(ctx context.Context) (int64, error)
}

// StartOpts holds configuration for the ingress server.
type StartOpts struct {
	Engine   *engine.Engine
	DB       *gorm.DB
	Catalog  *catalog.Loader
	Sessions SessionCounter // optional; adds a session count to /healthz
	Port     int
	Token    string // when empty, requests are not authenticated
	Out      io.Writer
}

// NewRouter builds the gin handler without starting a listener.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("ingress: engine is required")
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("ingress: db is required")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &handlers{
		engine:   opts.Engine,
		db:       opts.DB,
		catalog:  opts.Catalog,
		sessions: opts.Sessions,
		token:    opts.Token,
	})
	return router, nil
}

// Start launches the ingress HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Ingress listening on :%d\n", opts.Port)
		if opts.Token == "" {
			fmt.Fprintf(opts.Out, "Warning: server.token is empty, webhooks are unauthenticated\n")
		}
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ingress: %w", err)
	}
	return nil
}
