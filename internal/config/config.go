// Package config loads and validates the engine configuration from a YAML
// file with EVALFORGE_* environment overrides for deployment-sensitive
// values. Validation failures are reported before any component starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the full engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Engine    EngineConfig    `yaml:"engine"`
	LLM       LLMConfig       `yaml:"llm"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig controls the durable batch/run store.
type StoreConfig struct {
	// DSN is the sqlite data source, e.g. "file:evalforge.db" or
	// "file::memory:?cache=shared" for tests.
	DSN string `yaml:"dsn" validate:"required"`
}

// RedisConfig controls the shared state store and lock service connection.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size" validate:"min=1"`
}

// EngineConfig controls the execution loop and concurrency controller.
type EngineConfig struct {
	// ChunkSize is how many work items are processed, and checkpointed,
	// as one unit. Interruption granularity is one chunk.
	ChunkSize int `yaml:"chunk_size" validate:"min=1,max=1000"`

	// PoolSize bounds concurrent run loops per process. Deliberately small;
	// this is admission control for outbound LLM load, not a throughput knob.
	PoolSize int `yaml:"pool_size" validate:"min=1,max=64"`

	// QueueSize bounds pending loop submissions before rejection.
	QueueSize int `yaml:"queue_size" validate:"min=0"`

	// LockWait bounds how long a state transition waits for the run lock.
	LockWait time.Duration `yaml:"lock_wait"`

	// LockHold bounds the lock lease; a crashed holder frees the lock after
	// this long.
	LockHold time.Duration `yaml:"lock_hold"`

	// InterruptTTL is the lifetime of the ephemeral interrupt flag.
	InterruptTTL time.Duration `yaml:"interrupt_ttl"`
}

// LLMConfig controls the external model client.
type LLMConfig struct {
	Endpoint string `yaml:"endpoint" validate:"required,url"`
	APIKey   string `yaml:"api_key"`

	// Timeout is the default per-call deadline.
	Timeout time.Duration `yaml:"timeout"`

	// SlowModelTimeout applies to model families listed in SlowModels,
	// which are known to need longer deadlines.
	SlowModelTimeout time.Duration `yaml:"slow_model_timeout"`
	SlowModels       []string      `yaml:"slow_models"`

	// RequestsPerSecond caps outbound call rate across all runs.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"min=0"`
	Burst             int     `yaml:"burst" validate:"min=0"`

	MaxRetries int `yaml:"max_retries" validate:"min=0,max=10"`
}

// SchedulerConfig controls the stale-run watchdog.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`

	// ScanInterval is how often stale runs are checked.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// StaleTimeout marks a run FAILED after this much inactivity.
	StaleTimeout time.Duration `yaml:"stale_timeout"`

	// AutoResumeAfter resumes auto-resume runs paused longer than this.
	AutoResumeAfter time.Duration `yaml:"auto_resume_after"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8085",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			DSN: "file:evalforge.db",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Engine: EngineConfig{
			ChunkSize:    10,
			PoolSize:     5,
			QueueSize:    32,
			LockWait:     5 * time.Second,
			LockHold:     30 * time.Second,
			InterruptTTL: 24 * time.Hour,
		},
		LLM: LLMConfig{
			Endpoint:          "http://localhost:8080/v1/chat/completions",
			Timeout:           60 * time.Second,
			SlowModelTimeout:  180 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
			MaxRetries:        2,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			ScanInterval:    time.Minute,
			StaleTimeout:    time.Hour,
			AutoResumeAfter: 5 * time.Minute,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the configuration file at path, applies environment overrides,
// and validates the result. An empty path returns the defaults with
// overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides maps EVALFORGE_* environment variables onto the
// deployment-sensitive fields. File values lose to the environment.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EVALFORGE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("EVALFORGE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("EVALFORGE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("EVALFORGE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("EVALFORGE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("EVALFORGE_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("EVALFORGE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
}
