// Package dashboard serves the HTTP API over sessions and runs: session
// snapshots, send and abort, run records, and a server-sent change feed.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/session"
	"github.com/zulandar/switchboard/internal/switchboard"
	"gorm.io/gorm"
)

// Runner starts and stops agent runs. *switchboard.Switchboard implements it.
type Runner interface {
	Send(ctx context.Context, text, sessionID string) (string, error)
	Abort(runID string) error
	DeleteSession(sessionID string) error
	OnSessionsChanged(cb func([]session.Session)) (cancel func())
	ActiveRuns() []switchboard.RunInfo
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Store   *session.Store
	Runner  Runner
	DB      *gorm.DB // optional; enables run history and token usage
	GroupID string
	Port    int
	Out     io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil || opts.Runner == nil {
		return fmt.Errorf("dashboard: store and runner are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
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
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func newRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &api{
		store:   opts.Store,
		runner:  opts.Runner,
		db:      opts.DB,
		groupID: opts.GroupID,
	})
	return router
}
