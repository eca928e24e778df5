package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/caasmo/restinpieces-letsencrypt"
	"github.com/caasmo/restinpieces-letsencrypt/httpapi"
)

const shutdownTimeout = 30 * time.Second

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the renewal scheduler, the HTTP API and the metrics endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, current)
	},
}

func serve(ctx context.Context, a *app) error {
	g, ctx := errgroup.WithContext(ctx)

	scheduler := acme.NewScheduler(a.store, a.manager, a.cfg.Renewal, a.metrics, a.logger)
	g.Go(func() error { return scheduler.Run(ctx) })

	if a.cfg.HTTP.Listen != "" {
		srv := &http.Server{
			Addr:              a.cfg.HTTP.Listen,
			Handler:           httpapi.New(a.manager, a.logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		runServer(ctx, g, a, "api", srv)
	}
	if a.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		runServer(ctx, g, a, "metrics", srv)
	}

	err := g.Wait()
	a.logger.Info("Shutdown complete")
	return err
}

// runServer serves srv until ctx is done, then shuts it down gracefully.
func runServer(ctx context.Context, g *errgroup.Group, a *app, name string, srv *http.Server) {
	g.Go(func() error {
		a.logger.Info("Listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := shutdownContext()
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			a.logger.Error("Server shutdown failed", "server", name, "error", err)
			return err
		}
		return nil
	})
}
