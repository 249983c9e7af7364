package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "greenmove-server: %v\n", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled or a listener fails, then shuts every
// listener down within the configured timeout.
func run(ctx context.Context) error {
	app, cleanup, err := BuildApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer cleanup()

	cfg := app.Config
	log := app.Logger
	log.Info("starting greenmove server",
		"environment", cfg.Environment,
		"profile", cfg.Profile,
		"address", cfg.Server.Address,
		"storage_adapter", cfg.Storage.Adapter,
		"auto_provision", cfg.Ledger.AutoProvision)

	if cfg.Ledger.ReconcileSchedule != "" {
		if err := app.Reconciler.Start(); err != nil {
			return fmt.Errorf("start reconcile scheduler: %w", err)
		}
		defer app.Reconciler.Stop()
	}

	servers := []namedServer{{"api", cfg.Server.Address, app.Server}}
	if app.MetricsServer.Server != nil {
		servers = append(servers, namedServer{"metrics", cfg.Metrics.Address, app.MetricsServer.Server})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error { return s.serve(log) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			if err := s.srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("%s shutdown: %w", s.name, err))
			}
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

type namedServer struct {
	name string
	addr string
	srv  *http.Server
}

func (s namedServer) serve(log *slog.Logger) error {
	log.Info("listening", "server", s.name, "address", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", s.name, err)
	}
	return nil
}
