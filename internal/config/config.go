package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Logging      LoggingConfig      `yaml:"logging"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Remote       RemoteConfig       `yaml:"remote"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Retry        RetryConfig        `yaml:"retry"`
	Policies     []PolicyConfig     `yaml:"policies"`
	Exports      ExportConfig       `yaml:"exports"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	DeviceID    string `yaml:"device_id"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type RemoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type SyncConfig struct {
	BatchSize            int `yaml:"batch_size"`
	Workers              int `yaml:"workers"`
	QueueCapacity        int `yaml:"queue_capacity"`
	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	SucceededGraceHours  int `yaml:"succeeded_grace_hours"`
	PurgeIntervalMinutes int `yaml:"purge_interval_minutes"`
}

type ConnectivityConfig struct {
	ProbeURL            string `yaml:"probe_url"`
	IntervalSeconds     int    `yaml:"interval_seconds"`
	ProbeTimeoutSeconds int    `yaml:"probe_timeout_seconds"`
}

// RetryTierConfig parameterizes exponential backoff for one quality tier.
type RetryTierConfig struct {
	InitialDelayMS    int     `yaml:"initial_delay_ms"`
	MaxDelayMS        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxRetries        int     `yaml:"max_retries"`
}

type RetryConfig struct {
	Poor      RetryTierConfig `yaml:"poor"`
	Fair      RetryTierConfig `yaml:"fair"`
	Good      RetryTierConfig `yaml:"good"`
	Excellent RetryTierConfig `yaml:"excellent"`
}

// PolicyConfig is the yaml form of a resource policy table entry.
type PolicyConfig struct {
	ResourceType       string `yaml:"resource_type"`
	Priority           string `yaml:"priority"`
	RetentionDays      int    `yaml:"retention_days"`
	EncryptionRequired bool   `yaml:"encryption_required"`
	PrefetchRelated    bool   `yaml:"prefetch_related"`
	ConflictStrategy   string `yaml:"conflict_strategy"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; env expansion still applies without it.
	_ = godotenv.Load(".env")

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
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}

	return ValidatePolicies(c.Policies)
}

func ValidatePolicies(policies []PolicyConfig) error {
	seen := make(map[string]bool)
	for _, p := range policies {
		if p.ResourceType == "" {
			return errors.New("policy with empty resource_type")
		}
		if seen[p.ResourceType] {
			return fmt.Errorf("duplicate policy for resource type %q", p.ResourceType)
		}
		seen[p.ResourceType] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Remote.TimeoutSeconds == 0 {
		c.Remote.TimeoutSeconds = 5
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 20
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.QueueCapacity == 0 {
		c.Sync.QueueCapacity = 1000
	}
	if c.Sync.PollIntervalSeconds == 0 {
		c.Sync.PollIntervalSeconds = 15
	}
	if c.Sync.SucceededGraceHours == 0 {
		c.Sync.SucceededGraceHours = 24
	}
	if c.Sync.PurgeIntervalMinutes == 0 {
		c.Sync.PurgeIntervalMinutes = 60
	}
	if c.Connectivity.IntervalSeconds == 0 {
		c.Connectivity.IntervalSeconds = 30
	}
	if c.Connectivity.ProbeTimeoutSeconds == 0 {
		c.Connectivity.ProbeTimeoutSeconds = 3
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	c.Retry.Poor = retryTierOrDefault(c.Retry.Poor, RetryTierConfig{
		InitialDelayMS: 2000, MaxDelayMS: 300000, BackoffMultiplier: 3, MaxRetries: 8,
	})
	c.Retry.Fair = retryTierOrDefault(c.Retry.Fair, RetryTierConfig{
		InitialDelayMS: 1000, MaxDelayMS: 120000, BackoffMultiplier: 2.5, MaxRetries: 6,
	})
	c.Retry.Good = retryTierOrDefault(c.Retry.Good, RetryTierConfig{
		InitialDelayMS: 500, MaxDelayMS: 60000, BackoffMultiplier: 2, MaxRetries: 5,
	})
	c.Retry.Excellent = retryTierOrDefault(c.Retry.Excellent, RetryTierConfig{
		InitialDelayMS: 250, MaxDelayMS: 30000, BackoffMultiplier: 2, MaxRetries: 4,
	})
}

func retryTierOrDefault(tier, def RetryTierConfig) RetryTierConfig {
	if tier.InitialDelayMS == 0 {
		tier.InitialDelayMS = def.InitialDelayMS
	}
	if tier.MaxDelayMS == 0 {
		tier.MaxDelayMS = def.MaxDelayMS
	}
	if tier.BackoffMultiplier == 0 {
		tier.BackoffMultiplier = def.BackoffMultiplier
	}
	if tier.MaxRetries == 0 {
		tier.MaxRetries = def.MaxRetries
	}
	return tier
}

// Timeout returns the per-call deadline for remote operations.
func (c RemoteConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}
