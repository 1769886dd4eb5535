// Package config loads engine configuration from an optional YAML file
// with environment-variable overrides on top. Environment always wins.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tenancy  TenancyConfig  `yaml:"tenancy"`
	Circuit  CircuitConfig  `yaml:"circuit"`
	Executor ExecutorConfig `yaml:"executor"`
	Approval ApprovalConfig `yaml:"approval"`
	Redis    RedisConfig    `yaml:"redis"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type TenancyConfig struct {
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	SharedTable     string `yaml:"shared_table"`
}

type CircuitConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	ResetMs           int `yaml:"reset_ms"`
	HalfOpenSuccesses int `yaml:"half_open_successes"`
}

type ExecutorConfig struct {
	MaxWorkers     int `yaml:"max_workers"`
	StageTimeoutMs int `yaml:"stage_timeout_ms"`
	StageRetries   int `yaml:"stage_retries"`
	RetryDelayMs   int `yaml:"retry_delay_ms"`
	TimeoutMs      int `yaml:"timeout_ms"`
}

type ApprovalConfig struct {
	EmailEnabled bool `yaml:"email_enabled"`
	EmailWorkers int  `yaml:"email_workers"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the engine-wide defaults applied beneath file and
// environment values.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", Env: "development"},
		Tenancy: TenancyConfig{CacheTTLSeconds: 300, SharedTable: "flowforge"},
		Circuit: CircuitConfig{
			FailureThreshold:  5,
			ResetMs:           30000,
			HalfOpenSuccesses: 2,
		},
		Executor: ExecutorConfig{
			StageTimeoutMs: 60000,
			StageRetries:   3,
			RetryDelayMs:   2000,
		},
		Approval: ApprovalConfig{EmailEnabled: true, EmailWorkers: 4},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; the environment
// alone configures the service.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "APP_ENV")
	setString(&c.Tenancy.SharedTable, "SHARED_TABLE")
	setInt(&c.Tenancy.CacheTTLSeconds, "TENANT_CACHE_TTL_SECONDS")
	setInt(&c.Circuit.FailureThreshold, "CIRCUIT_FAILURE_THRESHOLD")
	setInt(&c.Circuit.ResetMs, "CIRCUIT_RESET_MS")
	setInt(&c.Circuit.HalfOpenSuccesses, "CIRCUIT_HALF_OPEN_SUCCESSES")
	setInt(&c.Executor.MaxWorkers, "EXEC_MAX_WORKERS")
	setInt(&c.Executor.StageTimeoutMs, "STAGE_TIMEOUT_MS")
	setInt(&c.Executor.StageRetries, "STAGE_MAX_RETRIES")
	setInt(&c.Executor.RetryDelayMs, "STAGE_RETRY_DELAY_MS")
	setInt(&c.Executor.TimeoutMs, "EXEC_TIMEOUT_MS")
	setBool(&c.Approval.EmailEnabled, "APPROVAL_EMAIL_ENABLED")
	setInt(&c.Approval.EmailWorkers, "APPROVAL_EMAIL_WORKERS")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
}

// Durations.

func (c *Config) TenantCacheTTL() time.Duration {
	return time.Duration(c.Tenancy.CacheTTLSeconds) * time.Second
}

func (c *Config) CircuitResetTimeout() time.Duration {
	return time.Duration(c.Circuit.ResetMs) * time.Millisecond
}

func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Executor.StageTimeoutMs) * time.Millisecond
}

func (c *Config) StageRetryDelay() time.Duration {
	return time.Duration(c.Executor.RetryDelayMs) * time.Millisecond
}

func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutMs) * time.Millisecond
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
