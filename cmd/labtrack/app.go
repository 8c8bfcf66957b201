package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/labtrack/labtrack/internal/config"
	"github.com/labtrack/labtrack/internal/domain/specimen"
	"github.com/labtrack/labtrack/internal/platform/accession"
	"github.com/labtrack/labtrack/internal/platform/db"
	"github.com/labtrack/labtrack/internal/platform/settings"
	"github.com/labtrack/labtrack/internal/platform/telemetry"
	"github.com/labtrack/labtrack/internal/platform/webhook"
)

// app holds everything a command needs, built once from the config.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool     *pgxpool.Pool
	store    specimen.Store
	settings settings.Store
	svc      *specimen.Service

	// specimenIDs is nil under the random strategy.
	specimenIDs *accession.FPEGenerator

	deliveries webhook.DeliveryLog
	syncer     *webhook.Synchronizer
	registry   *prometheus.Registry

	closers []func() error
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: telemetry.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.NeedsDatabase() {
		a.pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { a.pool.Close(); return nil })
		a.registry.MustRegister(telemetry.NewPoolCollector(a.pool))
	}

	switch cfg.StoreBackend {
	case "memory":
		a.store = specimen.NewMemoryStore()
	default:
		a.store = specimen.NewPGStore(a.pool)
	}

	switch cfg.SettingsBackend {
	case "memory":
		a.settings = settings.NewMemoryStore()
	case "sqlite":
		s, err := settings.OpenSQLite(cfg.SettingsSQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.settings = s
	default:
		a.settings = settings.NewPGStore(a.pool)
	}

	opts := []specimen.Option{
		specimen.WithMaxAttempts(cfg.AccessionMaxAttempts),
		specimen.WithLogger(logger),
	}
	strategy, err := accession.ParseStrategy(cfg.AccessionSpecimenStrategy)
	if err != nil {
		return nil, err
	}
	if strategy == accession.StrategyFPE {
		km, err := accession.LoadKeyMaterial(ctx, a.settings, cfg.AccessionProvisionKeys)
		if err != nil {
			return nil, err
		}
		a.specimenIDs, err = accession.NewFPEGenerator(km, accession.WithDomainMax(cfg.AccessionDomainMax))
		if err != nil {
			return nil, err
		}
		opts = append(opts, specimen.WithSpecimenIDs(a.specimenIDs))
	}
	a.svc = specimen.NewService(a.store, opts...)

	if a.pool != nil && cfg.StoreBackend == "postgres" {
		a.deliveries = webhook.NewPGDeliveryLog(a.pool)
	} else {
		a.deliveries = webhook.NewMemoryDeliveryLog()
	}

	locker, err := a.locker()
	if err != nil {
		return nil, err
	}

	clientOpts := []webhook.ClientOption{
		webhook.WithBasicAuth(cfg.WebhookUsername, cfg.WebhookPassword),
		webhook.WithTimeout(cfg.WebhookTimeout),
	}
	if cfg.WebhookSigningSecret != "" {
		clientOpts = append(clientOpts, webhook.WithSigningSecret(cfg.WebhookSigningSecret))
	}
	a.syncer = webhook.NewSynchronizer(webhook.NewClient(clientOpts...),
		webhook.WithLocker(locker),
		webhook.WithDeliveryLog(a.deliveries),
		webhook.WithMetrics(webhook.NewMetrics(a.registry)),
		webhook.WithBatchSize(cfg.WebhookBatchSize),
		webhook.WithAssumeUnacknowledgedDelivered(cfg.WebhookAssumeDelivered),
		webhook.WithLogger(logger),
	)
	if err := registerSources(a.syncer, a.store, cfg.WebhookURLs()); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) locker() (webhook.Locker, error) {
	switch a.cfg.WebhookLock {
	case "file":
		return webhook.NewFileLocker(a.cfg.WebhookLockDir)
	case "redis":
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		return webhook.NewRedisLocker(client, a.cfg.WebhookLockTTL), nil
	default:
		return webhook.NewMemoryLocker(), nil
	}
}

// registerSources routes every record kind that has an endpoint.
func registerSources(syncer *webhook.Synchronizer, store specimen.Store, urls map[string]string) error {
	for _, src := range specimen.Sources(store) {
		url, ok := urls[string(src.Kind())]
		if !ok {
			continue
		}
		if err := syncer.Register(src, url); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}
