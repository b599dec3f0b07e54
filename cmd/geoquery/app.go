package main

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"geoquery/internal/analysis"
	"geoquery/internal/cache/redis"
	"geoquery/internal/config"
	"geoquery/internal/provider"
	"geoquery/internal/query"
	"geoquery/internal/resilience"
	"geoquery/internal/responses"
	"geoquery/internal/telemetry"
)

// app holds the wired analysis stack
type app struct {
	client *analysis.Client
	cache  *query.Cache
	store  *redis.Store
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	validator, err := responses.NewValidator()
	if err != nil {
		return nil, err
	}

	settings := cfg.ConnectionSettings()
	opts := []analysis.PipelineOption{
		analysis.WithBreaker(resilience.NewCircuitBreaker(cfg.Backend.BreakerThreshold, cfg.Backend.BreakerTimeout)),
		analysis.WithMetrics(metrics),
		analysis.WithLogger(slog.Default()),
	}

	var store *redis.Store
	if cfg.Redis.Enabled {
		store, err = redis.NewStore(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			// The shared store is optional
			slog.Warn("Result store unavailable, continuing without it", "addr", cfg.Redis.Addr, "error", err)
			store = nil
		} else {
			slog.Info("Connected to result store", "addr", cfg.Redis.Addr)
			opts = append(opts, analysis.WithStore(store))
		}
	}

	pipeline := analysis.NewPipeline(
		provider.NewContentClient(cfg.Backend.ProxyURL, settings),
		provider.NewAnalysisClient(cfg.Backend.AnalysisURL, cfg.Backend.APIKey, settings),
		validator,
		opts...,
	)

	cache := query.New(query.Options{
		Policy:          resilience.NewRetryPolicy(cfg.RetryPolicyConfig()),
		EntryTTL:        cfg.Cache.EntryTTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
		Metrics:         metrics,
		Logger:          slog.Default(),
	})

	return &app{
		client: analysis.NewClient(cache, pipeline),
		cache:  cache,
		store:  store,
	}, nil
}

func (a *app) close() {
	a.cache.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("Failed to close result store", "error", err)
		}
	}
}
