package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/alerts"
	"github.com/miradorstack/mirador-logwatch/internal/cache"
	"github.com/miradorstack/mirador-logwatch/internal/config"
	"github.com/miradorstack/mirador-logwatch/internal/engine"
	"github.com/miradorstack/mirador-logwatch/internal/extractors"
	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/patterns"
	"github.com/miradorstack/mirador-logwatch/internal/repo"
)

// PipelineConfig maps the static config onto the detection tunables.
func PipelineConfig(cfg *config.Config) (engine.PipelineConfig, error) {
	cols, err := extractors.ParseColumns(cfg.Detector.FeatureColumns)
	if err != nil {
		return engine.PipelineConfig{}, fmt.Errorf("detector.featureColumns: %w", err)
	}
	return engine.PipelineConfig{
		MinRecords:      cfg.Detector.MinRecords,
		AnomalyFraction: cfg.Detector.AnomalyFraction,
		HardStatusMin:   cfg.Detector.HardStatusMin,
		Seed:            cfg.Detector.Seed,
		Columns:         cols,
		ImputeMissing:   cfg.Detector.ImputeMissing,
		Forest: engine.ForestParams{
			Trees:          cfg.Forest.Trees,
			SampleFraction: cfg.Forest.SampleFraction,
			MaxSamples:     cfg.Forest.MaxSamples,
			MaxDepth:       cfg.Forest.MaxDepth,
		},
		Boundaries: map[models.Dimension]engine.BoundaryParams{
			models.DimensionResponseTime: {
				Nu:         cfg.Boundary.ResponseTime.Nu,
				Gamma:      cfg.Boundary.ResponseTime.Gamma,
				MaxSupport: cfg.Boundary.MaxSupport,
			},
			models.DimensionStatusCode: {
				Nu:         cfg.Boundary.StatusCode.Nu,
				Gamma:      cfg.Boundary.StatusCode.Gamma,
				MaxSupport: cfg.Boundary.MaxSupport,
			},
		},
		IncludeScores: true,
	}, nil
}

// BuildPipeline loads the rule pack and assembles the detection pipeline.
func BuildPipeline(cfg *config.Config, logger *slog.Logger) (*engine.Pipeline, error) {
	pcfg, err := PipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	rules, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("load rule pack: %w", err)
	}
	extractor := extractors.NewExtractor(cfg.Features.EndpointBuckets, cfg.Features.UserAgentBuckets)
	return engine.NewPipeline(pcfg, extractor, rules, logger), nil
}

// BuildCache connects to Redis/Valkey when enabled and falls back to an
// in-process cache so cooldowns still apply.
func BuildCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) cache.Provider {
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewRedisProvider(ctx, cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err == nil {
			logger.Info("redis cache connected", slog.String("addr", cfg.Cache.Addr))
			return provider
		}
		logger.Warn("redis cache unavailable, using in-process cache", slog.Any("error", err))
	}
	return cache.NewMemoryProvider(nil)
}

// BuildHistory opens the configured alert history backend.
func BuildHistory(ctx context.Context, cfg *config.Config) (alerts.History, error) {
	switch cfg.Alerts.History.Backend {
	case "sqlite":
		return alerts.OpenSQLiteHistory(ctx, cfg.Alerts.History.Path)
	default:
		return alerts.NewMemoryHistory(0), nil
	}
}

// BuildChannels returns every channel the config enables. The log channel is
// always present; lokiClient may be nil.
func BuildChannels(cfg *config.Config, lokiClient *repo.LokiClient, logger *slog.Logger) []alerts.Channel {
	channels := []alerts.Channel{alerts.NewLogChannel(logger)}
	if cfg.Alerts.Webhook.URL != "" {
		channels = append(channels, alerts.NewWebhookChannel(
			cfg.Alerts.Webhook.URL,
			cfg.Alerts.Webhook.Timeout,
			cfg.Alerts.Webhook.RateLimit,
			cfg.Alerts.Webhook.Burst,
		))
	}
	if lokiClient != nil {
		channels = append(channels, alerts.NewLokiChannel(lokiClient, cfg.Sources.Loki.PushLabels))
	}
	return channels
}

// BuildRoutes converts route config; routes naming disabled channels are dropped
// with a warning.
func BuildRoutes(cfg *config.Config, channels []alerts.Channel, logger *slog.Logger) []alerts.Route {
	enabled := make(map[string]bool, len(channels))
	for _, ch := range channels {
		enabled[ch.Name()] = true
	}
	routes := make([]alerts.Route, 0, len(cfg.Alerts.Routes))
	for _, r := range cfg.Alerts.Routes {
		if !enabled[r.Channel] {
			logger.Warn("alert route skipped, channel not enabled", slog.String("channel", r.Channel))
			continue
		}
		routes = append(routes, alerts.Route{Channel: r.Channel, MinSeverity: models.ParseSeverity(r.MinSeverity)})
	}
	return routes
}

// HotspotsKey holds the most recently mined alert hotspots.
const HotspotsKey = cache.Namespace + "alerts:hotspots"

// HotspotStore publishes mined hotspots to the cache so other replicas and
// dashboards can read them without querying history.
func HotspotStore(provider cache.Provider, ttl time.Duration) patterns.Store {
	return patterns.StoreFunc(func(ctx context.Context, hotspots []models.Hotspot) error {
		data, err := json.Marshal(hotspots)
		if err != nil {
			return fmt.Errorf("encode hotspots: %w", err)
		}
		return provider.Set(ctx, HotspotsKey, data, ttl)
	})
}
