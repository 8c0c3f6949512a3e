package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP           TOMLHTTPConfig           `toml:"http"`
	Queue          TOMLQueueConfig          `toml:"queue"`
	Pools          []TOMLPoolConfig         `toml:"pools"`
	CircuitBreaker TOMLCircuitBreakerConfig `toml:"circuit_breaker"`
	Mediator       TOMLMediatorConfig       `toml:"mediator"`
	Lifecycle      TOMLLifecycleConfig      `toml:"lifecycle"`
	Standby        TOMLStandbyConfig        `toml:"standby"`
	DataDir        string                   `toml:"data_dir"`
	DevMode        bool                     `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Type string         `toml:"type"`
	NATS TOMLNATSConfig `toml:"nats"`
	SQS  TOMLSQSConfig  `toml:"sqs"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL     string `toml:"url"`
	DataDir string `toml:"data_dir"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLPoolConfig represents a single processing pool entry in TOML.
type TOMLPoolConfig struct {
	Code               string  `toml:"code"`
	Concurrency        int     `toml:"concurrency"`
	QueueCapacity      int     `toml:"queue_capacity"`
	RateLimitPerSecond float64 `toml:"rate_limit_per_second"`
	RateLimitBurst     int     `toml:"rate_limit_burst"`
}

// TOMLCircuitBreakerConfig represents circuit breaker configuration in TOML
type TOMLCircuitBreakerConfig struct {
	WindowSeconds          int     `toml:"window_seconds"`
	FailureRatePercent     float64 `toml:"failure_rate_percent"`
	MinimumCalls           int     `toml:"minimum_calls"`
	OpenDurationSeconds    int     `toml:"open_duration_seconds"`
	HalfOpenPermittedCalls int     `toml:"half_open_permitted_calls"`
	IdleEvictionMinutes    int     `toml:"idle_eviction_minutes"`
}

// TOMLMediatorConfig represents HTTP mediator configuration in TOML
type TOMLMediatorConfig struct {
	TimeoutSeconds                int `toml:"timeout_seconds"`
	DefaultVisibilityDelaySeconds int `toml:"default_visibility_delay_seconds"`
	FastFailVisibilitySeconds     int `toml:"fast_fail_visibility_seconds"`
}

// TOMLLifecycleConfig represents ambient background-loop configuration in TOML
type TOMLLifecycleConfig struct {
	VisibilityExtensionIntervalSeconds  int `toml:"visibility_extension_interval_seconds"`
	VisibilityExtensionThresholdSeconds int `toml:"visibility_extension_threshold_seconds"`
	VisibilityExtensionSeconds          int `toml:"visibility_extension_seconds"`
}

// TOMLStandbyConfig represents standby/leader-election configuration in TOML
type TOMLStandbyConfig struct {
	Enabled                bool   `toml:"enabled"`
	InstanceID             string `toml:"instance_id"`
	LockKey                string `toml:"lock_key"`
	LockTTLSeconds         int    `toml:"lock_ttl_seconds"`
	RefreshIntervalSeconds int    `toml:"refresh_interval_seconds"`
	RedisURL               string `toml:"redis_url"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"router.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/router.toml",
	"/etc/flowcatalyst/router.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg), nil
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("FLOWCATALYST_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) *Config {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		Queue: QueueConfig{
			Type: tc.Queue.Type,
			NATS: NATSConfig{
				URL:     tc.Queue.NATS.URL,
				DataDir: tc.Queue.NATS.DataDir,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			WindowSeconds:          tc.CircuitBreaker.WindowSeconds,
			FailureRatePercent:     tc.CircuitBreaker.FailureRatePercent,
			MinimumCalls:           tc.CircuitBreaker.MinimumCalls,
			OpenDurationSeconds:    tc.CircuitBreaker.OpenDurationSeconds,
			HalfOpenPermittedCalls: tc.CircuitBreaker.HalfOpenPermittedCalls,
			IdleEvictionMinutes:    tc.CircuitBreaker.IdleEvictionMinutes,
		},
		Mediator: MediatorConfig{
			TimeoutSeconds:                tc.Mediator.TimeoutSeconds,
			DefaultVisibilityDelaySeconds: tc.Mediator.DefaultVisibilityDelaySeconds,
			FastFailVisibilitySeconds:     tc.Mediator.FastFailVisibilitySeconds,
		},
		Lifecycle: LifecycleConfig{
			VisibilityExtensionIntervalSeconds:  tc.Lifecycle.VisibilityExtensionIntervalSeconds,
			VisibilityExtensionThresholdSeconds: tc.Lifecycle.VisibilityExtensionThresholdSeconds,
			VisibilityExtensionSeconds:          tc.Lifecycle.VisibilityExtensionSeconds,
		},
		Standby: StandbyConfig{
			Enabled:                tc.Standby.Enabled,
			InstanceID:             tc.Standby.InstanceID,
			LockKey:                tc.Standby.LockKey,
			LockTTLSeconds:         tc.Standby.LockTTLSeconds,
			RefreshIntervalSeconds: tc.Standby.RefreshIntervalSeconds,
			RedisURL:               tc.Standby.RedisURL,
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	for _, p := range tc.Pools {
		cfg.Pools = append(cfg.Pools, PoolConfig{
			Code:               p.Code,
			Concurrency:        p.Concurrency,
			QueueCapacity:      p.QueueCapacity,
			RateLimitPerSecond: p.RateLimitPerSecond,
			RateLimitBurst:     p.RateLimitBurst,
		})
	}

	return cfg
}

// mergeConfigs merges two configs, starting from base (the file). HTTP, queue, standby,
// data-dir and dev-mode fields take the override (env-derived) value where it is set and,
// for fields that have an env default, differs from that default. Pools come from the
// override only when the file lists none. Circuit-breaker, mediator and lifecycle
// settings always come from the file; the override does not change them.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	if override.Queue.Type != "" && override.Queue.Type != "nats" {
		result.Queue.Type = override.Queue.Type
	}
	if override.Queue.NATS.URL != "" {
		result.Queue.NATS.URL = override.Queue.NATS.URL
	}
	if override.Queue.NATS.DataDir != "" {
		result.Queue.NATS.DataDir = override.Queue.NATS.DataDir
	}
	if override.Queue.SQS.QueueURL != "" {
		result.Queue.SQS.QueueURL = override.Queue.SQS.QueueURL
	}
	if override.Queue.SQS.Region != "" {
		result.Queue.SQS.Region = override.Queue.SQS.Region
	}

	if len(base.Pools) == 0 {
		result.Pools = override.Pools
	}

	if override.Standby.Enabled {
		result.Standby.Enabled = true
	}
	if override.Standby.InstanceID != "" {
		result.Standby.InstanceID = override.Standby.InstanceID
	}
	if override.Standby.RedisURL != "" && override.Standby.RedisURL != "redis://localhost:6379/0" {
		result.Standby.RedisURL = override.Standby.RedisURL
	}

	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# FlowCatalyst Message Router Configuration
# Environment variables override these settings

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[queue]
type = "nats"  # nats or sqs

[queue.nats]
url = "nats://localhost:4222"
data_dir = "./data/nats"

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[[pools]]
code = "DEFAULT-POOL"
concurrency = 20
queue_capacity = 50
rate_limit_per_second = 0
rate_limit_burst = 0

[circuit_breaker]
window_seconds = 60
failure_rate_percent = 50
minimum_calls = 10
open_duration_seconds = 5
half_open_permitted_calls = 1
idle_eviction_minutes = 30

[mediator]
timeout_seconds = 900
default_visibility_delay_seconds = 120
fast_fail_visibility_seconds = 10

[lifecycle]
visibility_extension_interval_seconds = 55
visibility_extension_threshold_seconds = 50
visibility_extension_seconds = 120

[standby]
enabled = false
instance_id = ""
lock_key = "flowcatalyst:router:leader"
lock_ttl_seconds = 30
refresh_interval_seconds = 10
redis_url = "redis://localhost:6379/0"

data_dir = "./data"
dev_mode = false
`

	return os.WriteFile(path, []byte(example), 0644)
}
