package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"outpost/internal/breaker"
	"outpost/internal/models"
	"outpost/internal/retry"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Logging      LoggingConfig      `yaml:"logging"`
	Storage      StorageConfig      `yaml:"storage"`
	Redis        RedisConfig        `yaml:"redis"`
	Remote       RemoteConfig       `yaml:"remote"`
	Processor    ProcessorConfig    `yaml:"processor"`
	Retry        RetryConfig        `yaml:"retry"`
	Breaker      breaker.Config     `yaml:"breaker"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	Queue        QueueConfig        `yaml:"queue"`
	API          APIConfig          `yaml:"api"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Storage drivers for the outbound queue.
const (
	DriverSQLite   = "sqlite"
	DriverBolt     = "bolt"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
	DriverFailover = "failover"
)

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// Fallback is the driver used by "failover" when the primary is down.
	Fallback string `yaml:"fallback"`
	// BoltPath is used by the bolt driver and as the failover fallback file.
	BoltPath string `yaml:"bolt_path"`
	// RecoveryInterval is how long failover waits before probing the primary.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

type RedisConfig struct {
	Address    string `yaml:"address"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	DeadLetter bool   `yaml:"dead_letter"`
	// DeadLetterMax trims the dead letter list.
	DeadLetterMax int64 `yaml:"dead_letter_max"`
}

type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	PushURL string        `yaml:"push_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type ProcessorConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`
	SentGrace   time.Duration `yaml:"sent_grace"`
}

// RetryConfig holds per-kind overrides; zero fields use the kind default.
type RetryConfig struct {
	SendMessage retry.Policy `yaml:"send_message"`
	MarkRead    retry.Policy `yaml:"mark_read"`
	Other       retry.Policy `yaml:"other"`
}

// Policies resolves the effective policy for every kind.
func (r RetryConfig) Policies() map[models.OperationKind]retry.Policy {
	return map[models.OperationKind]retry.Policy{
		models.KindSendMessage: r.SendMessage.WithDefaults(retry.DefaultPolicy(models.KindSendMessage)),
		models.KindMarkRead:    r.MarkRead.WithDefaults(retry.DefaultPolicy(models.KindMarkRead)),
		models.KindOther:       r.Other.WithDefaults(retry.DefaultPolicy(models.KindOther)),
	}
}

type ReachabilityConfig struct {
	ProbeAddress string        `yaml:"probe_address"`
	Interface    string        `yaml:"interface"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
	// Retention is how long failed operations are kept. Zero keeps them
	// until discarded.
	Retention *time.Duration `yaml:"retention"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	// Key, when set, must be presented in KeyHeader on every request.
	Key       string             `yaml:"key"`
	KeyHeader string             `yaml:"key_header"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverBolt:
		if c.storagePath() == "" {
			return fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver)
		}
	case DriverRedis:
		if c.Redis.Address == "" {
			return errors.New("redis.address is required for the redis driver")
		}
	case DriverFailover:
		if c.Redis.Address == "" {
			return errors.New("redis.address is required for the failover driver")
		}
		if c.Storage.Fallback != DriverBolt && c.Storage.Fallback != DriverMemory {
			return fmt.Errorf("storage.fallback must be bolt or memory, got %q", c.Storage.Fallback)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		return errors.New("remote.base_url is required")
	}
	if c.Processor.Concurrency < 1 {
		return errors.New("processor.concurrency must be positive")
	}
	if c.Processor.RateLimit < 0 {
		return errors.New("processor.rate_limit must not be negative")
	}
	if c.Queue.Retention != nil && *c.Queue.Retention < 0 {
		return errors.New("queue.retention must not be negative")
	}
	return nil
}

func (c *Config) storagePath() string {
	if c.Storage.Driver == DriverBolt {
		return c.Storage.BoltPath
	}
	return c.Storage.Path
}

// RetentionPeriod returns the effective failed-operation retention.
func (c *Config) RetentionPeriod() time.Duration {
	if c.Queue.Retention == nil {
		return models.DefaultRetention
	}
	return *c.Queue.Retention
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "outpost"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if c.Storage.Path == "" && c.Storage.Driver == DriverSQLite {
		c.Storage.Path = "data/outpost.db"
	}
	if c.Storage.BoltPath == "" && (c.Storage.Driver == DriverBolt || c.Storage.Fallback == DriverBolt) {
		c.Storage.BoltPath = "data/outpost.bolt"
	}
	if c.Storage.Driver == DriverFailover && c.Storage.Fallback == "" {
		c.Storage.Fallback = DriverMemory
	}
	if c.Storage.RecoveryInterval <= 0 {
		c.Storage.RecoveryInterval = time.Minute
	}
	if c.Redis.DeadLetterMax == 0 {
		c.Redis.DeadLetterMax = 1000
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = models.DefaultAttemptTimeout
	}
	if c.Processor.Interval <= 0 {
		c.Processor.Interval = models.DefaultDrainInterval
	}
	if c.Processor.Concurrency == 0 {
		c.Processor.Concurrency = models.DefaultConcurrency
	}
	if c.Processor.RateLimit > 0 && c.Processor.RateBurst <= 0 {
		c.Processor.RateBurst = 1
	}
	if c.Processor.SentGrace <= 0 {
		c.Processor.SentGrace = models.DefaultSentGrace
	}
	if c.Reachability.Interval <= 0 {
		c.Reachability.Interval = models.DefaultProbeInterval
	}
	if c.Reachability.Timeout <= 0 {
		c.Reachability.Timeout = 5 * time.Second
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = models.DefaultQueueCapacity
	}
	if c.API.Address == "" {
		c.API.Address = "127.0.0.1:8080"
	}
	if c.API.KeyHeader == "" {
		c.API.KeyHeader = "X-API-Key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 20
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 40
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
