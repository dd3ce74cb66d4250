package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

// Config captures every static setting of the log anomaly detector.
// It is read once at startup.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Detector DetectorConfig `yaml:"detector"`
	Forest   ForestConfig   `yaml:"forest"`
	Boundary BoundaryConfig `yaml:"boundary"`
	Features FeaturesConfig `yaml:"features"`
	Rules    RulesConfig    `yaml:"rules"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Sources  SourcesConfig  `yaml:"sources"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the HTTP and gRPC listeners.
type ServerConfig struct {
	HTTPAddress     string        `yaml:"httpAddress"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
}

// DetectorConfig drives the detection cycle.
type DetectorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	MinRecords      int           `yaml:"minRecords"`
	WindowCapacity  int           `yaml:"windowCapacity"`
	WindowMaxAge    time.Duration `yaml:"windowMaxAge"`
	AnomalyFraction float64       `yaml:"anomalyFraction"`
	HardStatusMin   int           `yaml:"hardStatusMin"`
	Seed            int64         `yaml:"seed"`
	FeatureColumns  []string      `yaml:"featureColumns"`
	ImputeMissing   bool          `yaml:"imputeMissing"`
}

// ForestConfig tunes the ensemble isolator.
type ForestConfig struct {
	Trees          int     `yaml:"trees"`
	SampleFraction float64 `yaml:"sampleFraction"`
	MaxSamples     int     `yaml:"maxSamples"`
	MaxDepth       int     `yaml:"maxDepth"`
}

// DimensionConfig is the sensitivity of one boundary estimator.
type DimensionConfig struct {
	Nu    float64 `yaml:"nu"`
	Gamma float64 `yaml:"gamma"`
}

// BoundaryConfig tunes the per-dimension boundary estimators.
type BoundaryConfig struct {
	ResponseTime DimensionConfig `yaml:"responseTime"`
	StatusCode   DimensionConfig `yaml:"statusCode"`
	MaxSupport   int             `yaml:"maxSupport"`
}

// FeaturesConfig sizes the hashed categorical encodings.
type FeaturesConfig struct {
	EndpointBuckets  int `yaml:"endpointBuckets"`
	UserAgentBuckets int `yaml:"userAgentBuckets"`
}

// RulesConfig controls rule-pack loading.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// RouteConfig sends records at or above MinSeverity to a channel.
type RouteConfig struct {
	Channel     string `yaml:"channel"`
	MinSeverity string `yaml:"minSeverity"`
}

// WebhookConfig configures the JSON webhook channel.
type WebhookConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rateLimit"`
	Burst     int           `yaml:"burst"`
}

// HistoryConfig selects where alert attempts are recorded.
type HistoryConfig struct {
	Backend   string        `yaml:"backend"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// AlertsConfig controls deduplication, routing and channels.
type AlertsConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`
	Routes   []RouteConfig `yaml:"routes"`
	Webhook  WebhookConfig `yaml:"webhook"`
	History  HistoryConfig `yaml:"history"`
}

// LokiConfig configures the optional Loki pull source and push channel.
type LokiConfig struct {
	Enabled      bool              `yaml:"enabled"`
	BaseURL      string            `yaml:"baseURL"`
	Query        string            `yaml:"query"`
	PollInterval time.Duration     `yaml:"pollInterval"`
	Lookback     time.Duration     `yaml:"lookback"`
	Limit        int               `yaml:"limit"`
	Timeout      time.Duration     `yaml:"timeout"`
	PushLabels   map[string]string `yaml:"pushLabels"`
}

// SourcesConfig groups external log sources.
type SourcesConfig struct {
	Loki LokiConfig `yaml:"loki"`
}

// CacheConfig controls the Redis/Valkey backend for cooldown keys and the latest batch.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	LatestTTL    time.Duration `yaml:"latestTTL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Load initialises Config from a YAML file, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_LOGWATCH_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultFeatureColumns is the column set fed to the ensemble isolator when none is configured.
var DefaultFeatureColumns = []string{
	"response_time_ms",
	"status_code",
	"status_class",
	"payload_size",
	"endpoint_bucket",
	"method_code",
	"user_agent_bucket",
	"endpoint_length",
	"user_agent_length",
	"hour",
	"day_of_week",
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddress:     ":8080",
			GRPCAddress:     ":50051",
			GracefulTimeout: 10 * time.Second,
			MaxBodyBytes:    4 << 20,
		},
		Detector: DetectorConfig{
			Interval:        60 * time.Second,
			MinRecords:      30,
			WindowCapacity:  1000,
			WindowMaxAge:    5 * time.Minute,
			AnomalyFraction: 0.10,
			HardStatusMin:   500,
			Seed:            42,
			FeatureColumns:  append([]string(nil), DefaultFeatureColumns...),
			ImputeMissing:   true,
		},
		Forest: ForestConfig{
			Trees:          200,
			SampleFraction: 0.8,
			MaxSamples:     256,
		},
		Boundary: BoundaryConfig{
			ResponseTime: DimensionConfig{Nu: 0.05, Gamma: 1.0},
			StatusCode:   DimensionConfig{Nu: 0.05, Gamma: 1.0},
			MaxSupport:   512,
		},
		Features: FeaturesConfig{EndpointBuckets: 64, UserAgentBuckets: 32},
		Rules:    RulesConfig{Path: "configs/rules/default.yaml"},
		Alerts: AlertsConfig{
			Cooldown: 5 * time.Minute,
			Routes: []RouteConfig{
				{Channel: "log", MinSeverity: "suspicious"},
			},
			Webhook: WebhookConfig{Timeout: 5 * time.Second, RateLimit: 5, Burst: 10},
			History: HistoryConfig{Backend: "memory", Retention: 24 * time.Hour},
		},
		Sources: SourcesConfig{
			Loki: LokiConfig{
				Query:        `{container="app"}`,
				PollInterval: 30 * time.Second,
				Lookback:     5 * time.Minute,
				Limit:        1000,
				Timeout:      10 * time.Second,
				PushLabels:   map[string]string{"service": "anomaly_detector"},
			},
		},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			LatestTTL:    10 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 14},
	}
}

var validSeverities = map[string]bool{"normal": true, "suspicious": true, "anomalous": true}

// Validate rejects settings the detector cannot run with.
func (c *Config) Validate() error {
	const op = "config.Validate"
	d := c.Detector
	switch {
	case d.Interval <= 0:
		return utils.NewAppError(op, "detector.interval must be positive", nil)
	case d.MinRecords < 2:
		return utils.NewAppError(op, "detector.minRecords must be at least 2", nil)
	case d.WindowCapacity < d.MinRecords:
		return utils.NewAppError(op, "detector.windowCapacity must be >= detector.minRecords", nil)
	case d.WindowMaxAge <= 0:
		return utils.NewAppError(op, "detector.windowMaxAge must be positive", nil)
	case d.AnomalyFraction <= 0 || d.AnomalyFraction >= 1:
		return utils.NewAppError(op, "detector.anomalyFraction must be in (0,1)", nil)
	case d.HardStatusMin < 100 || d.HardStatusMin > 599:
		return utils.NewAppError(op, "detector.hardStatusMin must be a valid HTTP status", nil)
	case len(d.FeatureColumns) == 0:
		return utils.NewAppError(op, "detector.featureColumns must not be empty", nil)
	}

	f := c.Forest
	if f.Trees <= 0 || f.MaxSamples < 2 || f.SampleFraction <= 0 || f.SampleFraction > 1 || f.MaxDepth < 0 {
		return utils.NewAppError(op, "forest parameters out of range", fmt.Errorf("trees=%d sampleFraction=%v maxSamples=%d maxDepth=%d", f.Trees, f.SampleFraction, f.MaxSamples, f.MaxDepth))
	}
	for name, dim := range map[string]DimensionConfig{"responseTime": c.Boundary.ResponseTime, "statusCode": c.Boundary.StatusCode} {
		if dim.Nu <= 0 || dim.Nu >= 1 || dim.Gamma <= 0 {
			return utils.NewAppError(op, "boundary."+name+" requires 0<nu<1 and gamma>0", nil)
		}
	}
	if c.Boundary.MaxSupport < 2 {
		return utils.NewAppError(op, "boundary.maxSupport must be at least 2", nil)
	}
	if c.Features.EndpointBuckets <= 0 || c.Features.UserAgentBuckets <= 0 {
		return utils.NewAppError(op, "features buckets must be positive", nil)
	}
	if c.Alerts.Cooldown < 0 {
		return utils.NewAppError(op, "alerts.cooldown must not be negative", nil)
	}
	for _, r := range c.Alerts.Routes {
		if r.Channel == "" {
			return utils.NewAppError(op, "alerts.routes entries need a channel", nil)
		}
		if r.MinSeverity != "" && !validSeverities[r.MinSeverity] {
			return utils.NewAppError(op, "unknown route severity "+r.MinSeverity, nil)
		}
	}
	switch c.Alerts.History.Backend {
	case "", "memory":
	case "sqlite":
		if c.Alerts.History.Path == "" {
			return utils.NewAppError(op, "alerts.history.path required for sqlite backend", nil)
		}
	default:
		return utils.NewAppError(op, "unknown alerts.history.backend "+c.Alerts.History.Backend, nil)
	}
	if c.Sources.Loki.Enabled && c.Sources.Loki.BaseURL == "" {
		return utils.NewAppError(op, "sources.loki.baseURL required when loki is enabled", nil)
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return utils.NewAppError(op, "cache.addr required when cache is enabled", nil)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_LOGWATCH_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detector.Interval = d
		}
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_MIN_RECORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.MinRecords = n
		}
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_WINDOW_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.WindowCapacity = n
		}
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_WINDOW_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detector.WindowMaxAge = d
		}
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_ANOMALY_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detector.AnomalyFraction = f
		}
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Detector.Seed = n
		}
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_FEATURE_COLUMNS"); v != "" {
		cfg.Detector.FeatureColumns = splitList(v)
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_ALERT_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Alerts.Cooldown = d
		}
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_HISTORY_BACKEND"); v != "" {
		cfg.Alerts.History.Backend = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_HISTORY_PATH"); v != "" {
		cfg.Alerts.History.Path = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_LOKI_URL"); v != "" {
		cfg.Sources.Loki.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_LOKI_ENABLED"); v != "" {
		cfg.Sources.Loki.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_LOKI_QUERY"); v != "" {
		cfg.Sources.Loki.Query = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("MIRADOR_LOGWATCH_CACHE_LATEST_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.LatestTTL = d
		}
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
