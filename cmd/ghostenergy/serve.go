package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ghost_energy/internal/api"
	"ghost_energy/internal/cache"
	"ghost_energy/internal/explain"
	"ghost_energy/internal/metrics"
	"ghost_energy/internal/pipeline"
	"ghost_energy/internal/store/sqlite"
	"ghost_energy/internal/ws"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the latest published run over HTTP and WebSocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	db, err := openDB(cfg.Data.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := cache.New(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	m := metrics.New()
	hub := ws.NewHub(logger)
	bridge := ws.NewBridge(hub, logger, cfg.Events.TopN)
	if snap, err := db.Latest(ctx); err == nil {
		if err := bridge.SetLatest(ws.CompletedFromSnapshot(snap, cfg.Events.TopN)); err != nil {
			return err
		}
	} else if !errors.Is(err, sqlite.ErrNoRuns) {
		return err
	}

	opts := api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		DefaultTop:     cfg.Events.TopN,
		Explain:        explain.NewBuilder(cfg.Impact, cfg.Explain.Language),
		Websocket:      ws.NewHandler(hub, bridge, logger),
	}
	if cfg.Data.Input != "" {
		opts.Runner = func(ctx context.Context) (string, error) {
			res, err := a.runOnce(ctx, db, m, []pipeline.Observer{bridge})
			if err != nil {
				return "", err
			}
			return res.Run.ID, nil
		}
	}
	server := api.New(db, c, m, logger, opts)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
