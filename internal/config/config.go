package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"adminops/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig        `yaml:"app"`
	Database    DatabaseConfig   `yaml:"database"`
	Redis       RedisConfig      `yaml:"redis"`
	Backup      BackupConfig     `yaml:"backup"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
	Logging     LoggingConfig    `yaml:"logging"`
	Workers     WorkersConfig    `yaml:"workers"`
	Retry       RetryConfig      `yaml:"retry"`
	Health      HealthConfig     `yaml:"health"`
	Sync        SyncConfig       `yaml:"sync"`
	SystemsFile string           `yaml:"systems_file"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address        string `yaml:"address"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	PoolSize       int    `yaml:"pool_size"`
	ConnectRetries uint   `yaml:"connect_retries"`
	EventListKey   string `yaml:"event_list_key"`
	EventListMax   int64  `yaml:"event_list_max"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Count        int           `yaml:"count"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RetryConfig drives exponential backoff between task attempts.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

// HealthConfig holds the probe thresholds of the health monitor.
type HealthConfig struct {
	Tick              time.Duration `yaml:"tick"`
	DefaultInterval   time.Duration `yaml:"default_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	MaxResponseTime   time.Duration `yaml:"max_response_time"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	RecoveryThreshold int           `yaml:"recovery_threshold"`
	DowntimeDuration  time.Duration `yaml:"downtime_duration"`
	ErrorRateWindow   int           `yaml:"error_rate_window"`
	MaxErrorRate      float64       `yaml:"max_error_rate"`
}

type SyncConfig struct {
	BatchSize    int              `yaml:"batch_size"`
	ApplyRPS     float64          `yaml:"apply_rps"`
	FetchTimeout time.Duration    `yaml:"fetch_timeout"`
	Tick         time.Duration    `yaml:"tick"`
	Pairs        []SyncPairConfig `yaml:"pairs"`
}

// SyncPairConfig schedules a recurring incremental sync between two systems
// referenced by name.
type SyncPairConfig struct {
	Source    string        `yaml:"source"`
	Target    string        `yaml:"target"`
	Type      string        `yaml:"type"`
	Frequency time.Duration `yaml:"frequency"`
	Priority  string        `yaml:"priority"`
}

func Load(configPath string) (*Config, error) {
	// Загружаем .env файл если существует
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	// max_retries: 0 означает "без повторов", поэтому значение по умолчанию
	// задаем до разбора файла
	config := Config{Retry: RetryConfig{MaxRetries: models.DefaultMaxRetries}}
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
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be positive, got %d", c.Workers.Count)
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Health.Validate(); err != nil {
		return err
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.ApplyRPS <= 0 {
		return fmt.Errorf("sync.apply_rps must be positive, got %v", c.Sync.ApplyRPS)
	}
	return ValidatePairs(c.Sync.Pairs)
}

func (r RetryConfig) Validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", r.MaxRetries)
	}
	if r.BaseDelay <= 0 {
		return errors.New("retry.base_delay must be positive")
	}
	if r.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1, got %v", r.BackoffFactor)
	}
	if r.MaxBackoff < r.BaseDelay {
		return fmt.Errorf("retry.max_backoff (%s) is below retry.base_delay (%s)", r.MaxBackoff, r.BaseDelay)
	}
	return nil
}

func (h HealthConfig) Validate() error {
	if h.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be >= 1, got %d", h.FailureThreshold)
	}
	if h.RecoveryThreshold < 1 {
		return fmt.Errorf("health.recovery_threshold must be >= 1, got %d", h.RecoveryThreshold)
	}
	if h.DowntimeDuration < 0 {
		return errors.New("health.downtime_duration must not be negative")
	}
	if h.MaxErrorRate < 0 || h.MaxErrorRate > 1 {
		return fmt.Errorf("health.max_error_rate must be within [0,1], got %v", h.MaxErrorRate)
	}
	if h.Tick <= 0 || h.ProbeTimeout <= 0 || h.DefaultInterval <= 0 {
		return errors.New("health tick, probe_timeout and default_interval must be positive")
	}
	return nil
}

func ValidatePairs(pairs []SyncPairConfig) error {
	seen := make(map[string]bool)
	for _, p := range pairs {
		if p.Source == "" || p.Target == "" {
			return errors.New("sync pair requires source and target")
		}
		if p.Source == p.Target {
			return fmt.Errorf("sync pair %q syncs a system with itself", p.Source)
		}
		if !models.SyncType(p.Type).Valid() {
			return fmt.Errorf("sync pair %s->%s has invalid type %q", p.Source, p.Target, p.Type)
		}
		if _, err := models.ParsePriority(p.Priority); err != nil {
			return fmt.Errorf("sync pair %s->%s: %w", p.Source, p.Target, err)
		}
		key := models.PairKey(p.Source, p.Target)
		if seen[key] {
			return fmt.Errorf("duplicate sync pair %s<->%s", p.Source, p.Target)
		}
		seen[key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Redis.ConnectRetries == 0 {
		c.Redis.ConnectRetries = 5
	}
	if c.Redis.EventListKey == "" {
		c.Redis.EventListKey = "adminops:events"
	}
	if c.Redis.EventListMax == 0 {
		c.Redis.EventListMax = 1000
	}
	if c.Backup.Enabled && c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}

	// Worker defaults
	if c.Workers.Count == 0 {
		c.Workers.Count = models.DefaultWorkerCount
	}
	if c.Workers.TaskTimeout == 0 {
		c.Workers.TaskTimeout = models.DefaultTaskTimeout
	}
	if c.Workers.PollInterval == 0 {
		c.Workers.PollInterval = models.DefaultPollInterval
	}

	c.Retry.applyDefaults()
	c.Health.applyDefaults()

	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = models.DefaultSyncBatchSize
	}
	if c.Sync.ApplyRPS == 0 {
		c.Sync.ApplyRPS = models.DefaultSyncApplyRPS
	}
	if c.Sync.FetchTimeout == 0 {
		c.Sync.FetchTimeout = models.DefaultSyncFetchTimeout
	}
	if c.Sync.Tick == 0 {
		c.Sync.Tick = models.DefaultSyncTick
	}
	for i := range c.Sync.Pairs {
		if c.Sync.Pairs[i].Type == "" {
			c.Sync.Pairs[i].Type = string(models.SyncTypeIncremental)
		}
	}
}

// applyDefaults leaves MaxRetries alone: zero is a valid "no retries" setting.
func (r *RetryConfig) applyDefaults() {
	if r.BaseDelay == 0 {
		r.BaseDelay = models.DefaultBaseDelay
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = models.DefaultBackoffFactor
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = models.DefaultMaxBackoff
	}
}

func (h *HealthConfig) applyDefaults() {
	if h.Tick == 0 {
		h.Tick = models.DefaultHealthTick
	}
	if h.DefaultInterval == 0 {
		h.DefaultInterval = models.DefaultCheckInterval
	}
	if h.ProbeTimeout == 0 {
		h.ProbeTimeout = models.DefaultProbeTimeout
	}
	if h.MaxResponseTime == 0 {
		h.MaxResponseTime = models.DefaultMaxResponseTime
	}
	if h.FailureThreshold == 0 {
		h.FailureThreshold = models.DefaultFailureThreshold
	}
	if h.RecoveryThreshold == 0 {
		h.RecoveryThreshold = models.DefaultRecoveryThreshold
	}
	if h.ErrorRateWindow == 0 {
		h.ErrorRateWindow = models.DefaultErrorRateWindow
	}
}

// Default returns a configuration with every default applied, for tests and
// embedded use.
func Default() *Config {
	c := &Config{Retry: RetryConfig{MaxRetries: models.DefaultMaxRetries}}
	c.applyDefaults()
	return c
}
