package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"carbonshot/internal/app"
	u "carbonshot/internal/utils"
)

const shutdownTimeout = 5 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve code images over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	cfg := c.cfg

	var rdb *redis.Client
	if cfg.Cache.ImageCacheEnabled && cfg.Cache.RedisHost != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisHost,
			DB:   cfg.Cache.ImageCacheDB,
		})
		defer rdb.Close()
	}

	if cfg.Auth.Enabled {
		if err := u.LoadTokensFromPostgres(ctx, cfg.Auth.Postgres); err != nil {
			u.Error("Failed to load API tokens", "error", err)
		}
		go u.RefreshTokensPeriodically(ctx, cfg.Auth.Postgres, time.Minute)
	}

	return startServer(ctx, app.SetupApp(cfg, rdb), cfg.Server.Host+cfg.Server.Port)
}

// startServer runs the app until ctx is done, then shuts it down
// gracefully.
func startServer(ctx context.Context, app *fiber.App, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		u.Info("Server listening", "addr", addr)
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		u.Error("Server error", "error", err)
		return err
	case <-ctx.Done():
	}

	u.Warn("Shutdown signal received, closing server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		u.Error("Server forced to shutdown", "error", err)
		return err
	}

	u.Info("Server stopped cleanly")
	return nil
}
