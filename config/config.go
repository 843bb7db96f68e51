package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Scraper    ScraperConfig    `yaml:"scraper"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Aggregate  AggregateConfig  `yaml:"aggregate"`
	Forecast   ForecastConfig   `yaml:"forecast"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// WorkerPoolConfig sizes the ingest and alert worker pools.
type WorkerPoolConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
	// SendTimeoutSeconds bounds each request to a push service.
	SendTimeoutSeconds int `yaml:"send_timeout_seconds"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RequestIPHeader string  `yaml:"request_ip_header"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// ScraperConfig holds the upstream poller configuration.
type ScraperConfig struct {
	Enabled             bool           `yaml:"enabled"`
	IntervalSeconds     int            `yaml:"interval_seconds"`
	Interval            time.Duration  `yaml:"-"` // Ignored by YAML parser
	HTTPProxy           string         `yaml:"http_proxy"`
	Category            string         `yaml:"category"`
	Request             ScraperRequest `yaml:"request"`
	StateIdleValues     []int          `yaml:"state_idle_values"`
	StateOccupiedValues []int          `yaml:"state_occupied_values"`
	StateFaultyValues   []int          `yaml:"state_faulty_values"`
}

// ScraperRequest defines the HTTP request for the scraper.
type ScraperRequest struct {
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
	PageSize int               `yaml:"pageSize"`
	Payload  map[string]any    `yaml:"payload"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // "postgres" or "sqlite"
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	EnableTimescale        bool   `yaml:"enable_timescale"`
	LogSQL                 bool   `yaml:"log_sql"`
}

// TrackerConfig tunes the state tracker and the heartbeat sweep.
type TrackerConfig struct {
	ToleranceSeconds        int           `yaml:"tolerance_seconds"`
	Tolerance               time.Duration `yaml:"-"`
	OfflineThresholdSeconds int           `yaml:"offline_threshold_seconds"`
	OfflineThreshold        time.Duration `yaml:"-"`
	MaxCASAttempts          int           `yaml:"max_cas_attempts"`
	SweepSchedule           string        `yaml:"sweep_schedule"`
	SweepBatchSize          int           `yaml:"sweep_batch_size"`
}

// AggregateConfig tunes window aggregation.
type AggregateConfig struct {
	WindowMinutes  int           `yaml:"window_minutes"`
	Window         time.Duration `yaml:"-"`
	MinCoverage    float64       `yaml:"min_coverage"`
	CatchUpWindows int           `yaml:"catch_up_windows"`
	SettleSeconds  int           `yaml:"settle_seconds"`
	Settle         time.Duration `yaml:"-"`
	Schedule       string        `yaml:"schedule"`
}

// ForecastConfig tunes the ensemble forecaster.
type ForecastConfig struct {
	LookbackDays        int       `yaml:"lookback_days"`
	TrendDays           int       `yaml:"trend_days"`
	MinSamples          int       `yaml:"min_samples"`
	ConfidenceThreshold float64   `yaml:"confidence_threshold"`
	CacheTTLSeconds     int       `yaml:"cache_ttl_seconds"`
	RefreshSchedule     string    `yaml:"refresh_schedule"`
	RefreshHorizons     []int     `yaml:"refresh_horizons"`
	Weights             []float64 `yaml:"weights"` // seasonal, pattern, trend, context
	Timezone            string    `yaml:"timezone"`
}

// AlertsConfig controls subscription lifetime and quiet hour evaluation.
type AlertsConfig struct {
	DefaultTTLHours int    `yaml:"default_ttl_hours"`
	Timezone        string `yaml:"timezone"`
}

// BroadcastConfig bounds the live fan-out buffers.
type BroadcastConfig struct {
	QueueSize           int `yaml:"queue_size"`
	ConnBufferSize      int `yaml:"conn_buffer_size"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
}

// KafkaConfig configures the inbound status topic consumer.
type KafkaConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	GroupID   string   `yaml:"group_id"`
	Consumers int      `yaml:"consumers"`
}

// RedisConfig is optional; when Addr is set periodic jobs take a lock so only one replica runs them.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RetentionConfig controls event log expiry.
type RetentionConfig struct {
	EventLogDays int    `yaml:"event_log_days"`
	Schedule     string `yaml:"schedule"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// applyEnv lets secrets and endpoints come from the environment instead of the checked-in file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("VAPID_PUBLIC_KEY"); v != "" {
		cfg.Push.PublicKey = v
	}
	if v := os.Getenv("VAPID_PRIVATE_KEY"); v != "" {
		cfg.Push.PrivateKey = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
}

// ApplyDefaults fills every unset field. Exported so tests can build a Config literal.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Scraper.IntervalSeconds <= 0 {
		cfg.Scraper.IntervalSeconds = 60
	}
	cfg.Scraper.Interval = time.Duration(cfg.Scraper.IntervalSeconds) * time.Second
	if cfg.Scraper.Request.PageSize <= 0 {
		cfg.Scraper.Request.PageSize = 100
	}
	if cfg.Scraper.Category == "" {
		cfg.Scraper.Category = "washer"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}
	if cfg.Push.SendTimeoutSeconds <= 0 {
		cfg.Push.SendTimeoutSeconds = 10
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Info().Msg("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = 64
	}

	if cfg.Tracker.ToleranceSeconds <= 0 {
		cfg.Tracker.ToleranceSeconds = 300
	}
	cfg.Tracker.Tolerance = time.Duration(cfg.Tracker.ToleranceSeconds) * time.Second
	if cfg.Tracker.OfflineThresholdSeconds <= 0 {
		cfg.Tracker.OfflineThresholdSeconds = 300
	}
	cfg.Tracker.OfflineThreshold = time.Duration(cfg.Tracker.OfflineThresholdSeconds) * time.Second
	if cfg.Tracker.MaxCASAttempts <= 0 {
		cfg.Tracker.MaxCASAttempts = 5
	}
	if cfg.Tracker.SweepSchedule == "" {
		cfg.Tracker.SweepSchedule = "@every 1m"
	}
	if cfg.Tracker.SweepBatchSize <= 0 {
		cfg.Tracker.SweepBatchSize = 500
	}

	if cfg.Aggregate.WindowMinutes <= 0 {
		cfg.Aggregate.WindowMinutes = 15
	}
	cfg.Aggregate.Window = time.Duration(cfg.Aggregate.WindowMinutes) * time.Minute
	if cfg.Aggregate.MinCoverage <= 0 || cfg.Aggregate.MinCoverage > 1 {
		cfg.Aggregate.MinCoverage = 0.5
	}
	if cfg.Aggregate.CatchUpWindows <= 0 {
		cfg.Aggregate.CatchUpWindows = 96
	}
	if cfg.Aggregate.SettleSeconds <= 0 {
		cfg.Aggregate.SettleSeconds = cfg.Tracker.ToleranceSeconds
	}
	cfg.Aggregate.Settle = time.Duration(cfg.Aggregate.SettleSeconds) * time.Second
	if cfg.Aggregate.Schedule == "" {
		cfg.Aggregate.Schedule = "@every 1m"
	}

	if cfg.Forecast.LookbackDays <= 0 {
		cfg.Forecast.LookbackDays = 20
	}
	if cfg.Forecast.TrendDays <= 0 {
		cfg.Forecast.TrendDays = 3
	}
	if cfg.Forecast.MinSamples <= 0 {
		cfg.Forecast.MinSamples = 10
	}
	if cfg.Forecast.ConfidenceThreshold <= 0 {
		cfg.Forecast.ConfidenceThreshold = 0.6
	}
	if cfg.Forecast.CacheTTLSeconds <= 0 {
		cfg.Forecast.CacheTTLSeconds = 180
	}
	if cfg.Forecast.RefreshSchedule == "" {
		cfg.Forecast.RefreshSchedule = "@every 3m"
	}
	if len(cfg.Forecast.RefreshHorizons) == 0 {
		cfg.Forecast.RefreshHorizons = []int{15, 30, 60}
	}
	if len(cfg.Forecast.Weights) != 4 {
		cfg.Forecast.Weights = []float64{0.3, 0.3, 0.2, 0.2}
	}
	if cfg.Forecast.Timezone == "" {
		cfg.Forecast.Timezone = "UTC"
	}

	if cfg.Alerts.DefaultTTLHours <= 0 {
		cfg.Alerts.DefaultTTLHours = 12
	}
	if cfg.Alerts.Timezone == "" {
		cfg.Alerts.Timezone = "UTC"
	}

	if cfg.Broadcast.QueueSize <= 0 {
		cfg.Broadcast.QueueSize = 256
	}
	if cfg.Broadcast.ConnBufferSize <= 0 {
		cfg.Broadcast.ConnBufferSize = 16
	}
	if cfg.Broadcast.WriteTimeoutSeconds <= 0 {
		cfg.Broadcast.WriteTimeoutSeconds = 5
	}

	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "device.status"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "availability-backend"
	}
	if cfg.Kafka.Consumers <= 0 {
		cfg.Kafka.Consumers = 1
	}

	if cfg.Retention.EventLogDays <= 0 {
		cfg.Retention.EventLogDays = 30
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "@hourly"
	}
}
