package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mkrell/bonfire/internal/config"
	"github.com/mkrell/bonfire/internal/cycle"
	"github.com/mkrell/bonfire/internal/decomp"
	"github.com/mkrell/bonfire/internal/ledger"
	"github.com/mkrell/bonfire/internal/session"
	"github.com/mkrell/bonfire/internal/stepgen"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB        *gorm.DB
	Cfg       *config.Config
	Generator stepgen.Generator
	Auth      Authenticator
	Out       io.Writer
}

// Start launches the HTTP API. It blocks until ctx is cancelled, then shuts
// down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("server: db is required")
	}
	if opts.Cfg == nil {
		return fmt.Errorf("server: config is required")
	}
	port := opts.Cfg.Server.Port
	if port <= 0 {
		port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts)

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Bonfire API listening on http://localhost:%d\n", port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// newRouter wires the engines and registers all routes. Split from Start so
// tests can drive the handler tree without a listening socket.
func newRouter(opts StartOpts) *gin.Engine {
	store := session.NewStore(opts.DB)
	coins := ledger.New(opts.DB)
	d := deps{
		store:   store,
		coins:   coins,
		cycles:  cycle.New(opts.DB, store, coins, opts.Cfg.Rewards.CycleComplete),
		tasks:   decomp.New(opts.DB, store, coins, opts.Cfg.Rewards.DecomposedComplete),
		gen:     opts.Generator,
		rewards: opts.Cfg.Rewards,
	}

	auth := opts.Auth
	if auth == nil {
		auth = HeaderAuth{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, auth, d)
	return router
}
