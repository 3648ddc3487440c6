package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	httpAdapter "github.com/aretw0/medflow/pkg/adapters/http"
	"github.com/aretw0/medflow/pkg/observability"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

// ServeOptions selects what a serve process runs besides the API.
type ServeOptions struct {
	// Workers runs the worker pool in this process.
	Workers bool
	// Reconcile runs the periodic sweep in this process.
	Reconcile bool
}

// Serve runs the HTTP API until ctx is cancelled, then drains it.
func Serve(ctx context.Context, app *App, opts ServeOptions) error {
	handler := httpAdapter.NewHandler(app.Service,
		httpAdapter.WithLogger(app.Logger),
		httpAdapter.WithStreams(app.Streams),
		httpAdapter.WithStreamPoll(app.Config.HTTP.StreamPoll),
		httpAdapter.WithMetricsHandler(observability.Handler(app.Registry)),
	)
	srv := &http.Server{
		Addr:              app.Config.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.Logger.Info("Starting MedFlow server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Warn("Graceful shutdown did not complete", "timeout", shutdownGrace, "error", err)
			return srv.Close()
		}
		app.Logger.Info("MedFlow server stopped gracefully")
		return nil
	})
	if opts.Workers {
		g.Go(func() error { return app.Pool().Run(ctx) })
	}
	if opts.Reconcile {
		g.Go(func() error { return ReconcileLoop(ctx, app) })
	}
	return g.Wait()
}

// RunWorkers consumes the queue until ctx is cancelled.
func RunWorkers(ctx context.Context, app *App, reconcile bool) error {
	if app.InProcessQueue {
		app.Logger.Warn("Worker is consuming an in-memory queue; only jobs dispatched by this process will arrive")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Pool().Run(ctx) })
	if reconcile {
		g.Go(func() error { return ReconcileLoop(ctx, app) })
	}
	return g.Wait()
}

// ReconcileLoop sweeps on every tick of the configured interval.
func ReconcileLoop(ctx context.Context, app *App) error {
	interval := app.Config.Reconcile.Interval
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := app.Service.Reconcile(ctx, app.ReconcileOptions()); err != nil && ctx.Err() == nil {
				app.Logger.Error("Reconcile failed", "error", err)
			}
		}
	}
}
