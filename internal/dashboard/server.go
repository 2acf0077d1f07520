// Package dashboard serves the read-only diagnostics API over permanent
// memory, the tag indices and the command resolver.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/access"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/db"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/metrics"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/tagging"
	"go.uber.org/zap"
)

var (
	errMissingMemory   = errors.New("dashboard: memory is required")
	errMissingTags     = errors.New("dashboard: tag engine is required")
	errMissingResolver = errors.New("dashboard: resolver is required")
)

// Deps holds the components the API reads from.
type Deps struct {
	Memory         *memory.Store
	Tags           *tagging.Engine
	Resolver       *access.Resolver
	Events         *db.TagEventLog  // optional; enables /api/tags/events
	Metrics        *metrics.Metrics // optional; enables /metrics
	AllowedOrigins []string         // defaults to any origin
	Logger         *zap.Logger
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Deps
	Port int
	Out  io.Writer
}

// NewHandler builds the API router.
func NewHandler(deps Deps) (http.Handler, error) {
	if deps.Memory == nil {
		return nil, errMissingMemory
	}
	if deps.Tags == nil {
		return nil, errMissingTags
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	h := &apiHandler{
		memory:   deps.Memory,
		tags:     deps.Tags,
		resolver: deps.Resolver,
		events:   deps.Events,
		logger:   logger,
	}
	registerRoutes(router, h)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	gin.SetMode(gin.ReleaseMode)
	handler, err := NewHandler(opts.Deps)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
