package main

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/labtrack/labtrack/internal/domain/specimen"
	"github.com/labtrack/labtrack/internal/platform/db"
	"github.com/labtrack/labtrack/internal/platform/middleware"
	"github.com/labtrack/labtrack/internal/platform/telemetry"
	"github.com/labtrack/labtrack/internal/platform/webhook"
	"github.com/labtrack/labtrack/migrations"
)

const version = "0.1.0"

func serveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the labtrack API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()
			return runServer(a)
		},
	}
}

// migrationsFS returns the embedded migrations unless dir overrides them.
func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func newServer(a *app) *echo.Echo {
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	httpMetrics := telemetry.NewHTTPMetrics(a.registry)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, "/health", "/health/db", "/metrics"))
	e.Use(middleware.SecurityHeaders())
	e.Use(httpMetrics.Middleware())
	e.Use(middleware.BodyLimit("1M", "10M"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, db.NewMigrator(a.pool, migrationsFS(a.cfg.MigrationsDir))))
	}
	e.GET("/metrics", telemetry.Handler(a.registry))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(30*time.Second, "/api/v1/webhooks/sync"))

	specimen.NewHandler(a.svc).RegisterRoutes(apiV1)
	webhook.NewHandler(a.syncer, a.deliveries).RegisterRoutes(apiV1)

	return e
}

func runServer(a *app) error {
	logger := a.logger
	e := newServer(a)

	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Strs("webhooks", kindNames(a.syncer.Kinds())).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func kindNames(kinds []webhook.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
