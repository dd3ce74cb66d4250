// Command logwatch-replay runs one detection cycle over a file of recorded
// access logs and prints the resulting batch as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/alerts"
	"github.com/miradorstack/mirador-logwatch/internal/api"
	"github.com/miradorstack/mirador-logwatch/internal/cache"
	"github.com/miradorstack/mirador-logwatch/internal/config"
	"github.com/miradorstack/mirador-logwatch/internal/engine"
	"github.com/miradorstack/mirador-logwatch/internal/ingest"
	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/services"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
	"github.com/miradorstack/mirador-logwatch/internal/window"
)

const sourceReplay = "replay"

func main() {
	var (
		configPath string
		inputPath  string
		severity   string
		scores     bool
		notify     bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&inputPath, "input", "-", "JSON array or NDJSON log file, - for stdin")
	flag.StringVar(&severity, "severity", "", "Only print anomalies of this severity")
	flag.BoolVar(&scores, "scores", false, "Include raw per-record scores")
	flag.BoolVar(&notify, "alerts", false, "Log alerts through the dispatcher")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}
	// Progress goes to stderr so stdout stays valid JSON.
	logger := utils.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON, utils.LogFile{}).With(slog.String("tool", "replay"))

	if err := replay(context.Background(), cfg, logger, inputPath, api.LatestFilter{Severity: models.Severity(severity), IncludeScores: scores}, notify, os.Stdout); err != nil {
		logger.Error("replay failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func replay(ctx context.Context, cfg *config.Config, logger *slog.Logger, inputPath string, filter api.LatestFilter, notify bool, out io.Writer) error {
	in := os.Stdin
	if inputPath != "-" {
		f, err := os.Open(inputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	batch, err := ingest.Decode(in, time.Now())
	if err != nil {
		return fmt.Errorf("decode %s: %w", inputPath, err)
	}
	logger.Info("records loaded", slog.Int("records", len(batch.Records)), slog.Int("rejected", batch.Rejected))

	pipeline, err := services.BuildPipeline(cfg, logger)
	if err != nil {
		return err
	}

	// The window is evaluated as of its newest record so old captures replay
	// exactly as they would have run live.
	buffer := window.NewBuffer(cfg.Detector.WindowCapacity, cfg.Detector.WindowMaxAge)
	var newest time.Time
	for _, rec := range batch.Records {
		if rec.Timestamp.After(newest) {
			newest = rec.Timestamp
		}
	}
	opts := []engine.CoordinatorOption{engine.WithClock(func() time.Time { return newest })}
	if notify {
		channels := []alerts.Channel{alerts.NewLogChannel(logger)}
		dispatcher, err := alerts.NewDispatcher(cache.NewMemoryProvider(nil), cfg.Alerts.Cooldown,
			[]alerts.Route{{Channel: "log", MinSeverity: models.SeveritySuspicious}}, channels, nil, logger)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithAlertHandler(dispatcher))
	}
	coordinator := engine.NewCoordinator(buffer, pipeline, cfg.Detector.Interval, logger, opts...)
	coordinator.IngestBatch(sourceReplay, batch.Records)

	if _, err := coordinator.RunCycle(ctx); err != nil && !errors.Is(err, engine.ErrInsufficientData) {
		return err
	}

	service := services.NewAnomalyService(logger, coordinator, nil)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(service.Latest(filter))
}
