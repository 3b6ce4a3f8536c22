package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ligustah/shuttle/internal/api"
	"github.com/ligustah/shuttle/internal/config"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API under /api/v1.

On SIGINT or SIGTERM the server stops accepting requests and cancels every
running session. Partial downloads started with resume=true are kept.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.cfg = a.cfg.Merge(config.Config{Server: config.ServerConfig{Addr: addr}})
			return runServe(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from server.addr)")
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := a.log

	c, err := a.newCoordinator(ctx, components{downloads: true, uploads: true})
	if err != nil {
		return err
	}

	router := api.NewRouter(logger, api.NewHandler(c, logger), api.RouterOptions{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	})
	server := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var (
		wg      sync.WaitGroup
		servErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting server", "addr", a.cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start server", "error", err)
			servErr = err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}
	wg.Wait()

	if err := c.Close(); err != nil {
		logger.Error("failed to stop sessions", "error", err)
	}
	logger.Info("shutdown complete")
	return servErr
}
