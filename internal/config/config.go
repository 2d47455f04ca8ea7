// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the fluxd and fluxworker configuration
// from YAML files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/flux"
)

// Config is the complete Flux configuration. fluxd reads Server, Runtime,
// Storage, Secrets, and Scheduler; fluxworker reads Worker and Runtime.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Worker    WorkerConfig    `yaml:"worker"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Storage   StorageConfig   `yaml:"storage"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the fluxd control plane.
type ServerConfig struct {
	// Host is the bind address.
	// Environment: FLUX_HOST
	// Default: 127.0.0.1
	Host string `yaml:"host,omitempty"`

	// Port is the listen port for the HTTP API and the worker protocol.
	// Environment: FLUX_PORT
	// Default: 8484
	Port int `yaml:"port,omitempty"`

	// DatabaseURL selects the storage backend. "memory" keeps everything in
	// process; anything else is treated as a SQLite database path.
	// Environment: FLUX_DATABASE_URL
	// Default: memory
	DatabaseURL string `yaml:"database_url,omitempty"`

	// ClaimAckTimeout is how long a dispatched execution may sit unclaimed
	// on a worker before it reverts to the queue.
	// Default: 30s
	ClaimAckTimeout time.Duration `yaml:"claim_ack_timeout,omitempty"`

	// MaxClaimAttempts is how many dispatch attempts an execution gets
	// before it fails with no_worker_available.
	// Default: 3
	MaxClaimAttempts int `yaml:"max_claim_attempts,omitempty"`

	// OrphanTimeout is how long an execution may go without a checkpoint
	// from its worker before it is considered orphaned and requeued.
	// Default: 2m
	OrphanTimeout time.Duration `yaml:"orphan_timeout,omitempty"`

	// CancelGrace is how long a worker has to acknowledge a cancellation
	// before the server force-reclaims the execution.
	// Default: 30s
	CancelGrace time.Duration `yaml:"cancel_grace,omitempty"`

	// SessionSecret signs worker session tokens. Empty generates an
	// ephemeral secret at startup, which invalidates sessions on restart.
	// Environment: FLUX_SESSION_SECRET
	SessionSecret string `yaml:"session_secret,omitempty"`
}

// WorkerConfig configures a fluxworker process.
type WorkerConfig struct {
	// ServerURL is the base URL of the fluxd control plane.
	// Environment: FLUX_SERVER_URL
	// Default: http://127.0.0.1:8484
	ServerURL string `yaml:"server_url,omitempty"`

	// SessionName labels the worker in listings and logs.
	SessionName string `yaml:"session_name,omitempty"`

	// HeartbeatInterval is how often the worker reports liveness.
	// Default: 10s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// MaxConcurrentExecutions bounds the executions a worker runs at once.
	// Default: 4
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions,omitempty"`

	// Capabilities advertises this worker's resources to the dispatcher.
	Capabilities flux.Capabilities `yaml:"capabilities,omitempty"`
}

// RuntimeConfig sets task envelope defaults applied when a task declares
// none of its own.
type RuntimeConfig struct {
	// DefaultTimeout bounds a single task attempt. Zero means no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout,omitempty"`

	// DefaultMaxAttempts is the attempt count for tasks without a retry
	// policy.
	// Default: 1
	DefaultMaxAttempts int `yaml:"default_max_attempts,omitempty"`

	// DefaultBackoffMultiplier scales retry delays.
	// Default: 2.0
	DefaultBackoffMultiplier float64 `yaml:"default_backoff_multiplier,omitempty"`

	// OutputThresholdBytes is the size at which task outputs move to the
	// output store, leaving a reference in the event log.
	// Default: 262144 (256KiB)
	OutputThresholdBytes int `yaml:"output_threshold_bytes,omitempty"`
}

// StorageConfig configures the output store.
type StorageConfig struct {
	// LocalStoragePath is the directory for filesystem-stored outputs.
	// Empty keeps outputs inline in memory.
	// Environment: FLUX_LOCAL_STORAGE_PATH
	LocalStoragePath string `yaml:"local_storage_path,omitempty"`
}

// SecretsConfig configures the encrypted secret store.
type SecretsConfig struct {
	// MasterKeySource selects where the master key comes from: "env" reads
	// FLUX_MASTER_KEY, "file" reads MasterKeyFile, "keyring" uses the OS
	// keyring.
	// Default: env
	MasterKeySource string `yaml:"master_key_source,omitempty"`

	// MasterKeyFile is the key file path when MasterKeySource is "file".
	MasterKeyFile string `yaml:"master_key_file,omitempty"`
}

// SchedulerConfig configures cron scheduling.
type SchedulerConfig struct {
	// Enabled activates the scheduler loop.
	// Default: true
	Enabled *bool `yaml:"enabled,omitempty"`

	// CatchUpPolicy controls behavior for fire times missed while the
	// server was down: "skip" ignores them, "one" runs a single backfill,
	// "all" runs every missed occurrence.
	// Default: one
	CatchUpPolicy string `yaml:"catch_up_policy,omitempty"`

	// TickInterval is the scheduler's clock resolution.
	// Default: 1s
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`
}

// TracingConfig configures OpenTelemetry span export on the server.
type TracingConfig struct {
	// Enabled turns span export on.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter is "stdout" or "otlp".
	// Default: stdout
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector host:port, otlp exporter only.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRate is the fraction of traces sampled, in (0, 1]. Zero
	// samples everything.
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format is json or text.
	// Default: json
	Format string `yaml:"format,omitempty"`
}

// Default returns the configuration defaults.
func Default() *Config {
	enabled := true
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8484,
			DatabaseURL:      "memory",
			ClaimAckTimeout:  30 * time.Second,
			MaxClaimAttempts: 3,
			OrphanTimeout:    2 * time.Minute,
			CancelGrace:      30 * time.Second,
		},
		Worker: WorkerConfig{
			ServerURL:               "http://127.0.0.1:8484",
			HeartbeatInterval:       10 * time.Second,
			MaxConcurrentExecutions: 4,
		},
		Runtime: RuntimeConfig{
			DefaultMaxAttempts:       1,
			DefaultBackoffMultiplier: 2.0,
			OutputThresholdBytes:     256 << 10,
		},
		Secrets: SecretsConfig{
			MasterKeySource: "env",
		},
		Scheduler: SchedulerConfig{
			Enabled:       &enabled,
			CatchUpPolicy: "one",
			TickInterval:  time.Second,
		},
		Tracing: TracingConfig{
			Exporter: "stdout",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration file at path, merges it over the defaults,
// applies environment overrides, and validates the result. An empty path
// skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &fluxerrors.StorageError{Op: "reading config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &fluxerrors.ValidationError{Field: "config", Message: fmt.Sprintf("parsing %s: %v", path, err)}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLUX_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("FLUX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("FLUX_DATABASE_URL"); v != "" {
		c.Server.DatabaseURL = v
	}
	if v := os.Getenv("FLUX_SESSION_SECRET"); v != "" {
		c.Server.SessionSecret = v
	}
	if v := os.Getenv("FLUX_SERVER_URL"); v != "" {
		c.Worker.ServerURL = v
	}
	if v := os.Getenv("FLUX_LOCAL_STORAGE_PATH"); v != "" {
		c.Storage.LocalStoragePath = v
	}
	if v := os.Getenv("FLUX_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &fluxerrors.ValidationError{Field: "server.port", Message: fmt.Sprintf("invalid port %d", c.Server.Port)}
	}
	if c.Server.MaxClaimAttempts < 1 {
		return &fluxerrors.ValidationError{Field: "server.max_claim_attempts", Message: "must be at least 1"}
	}
	if c.Server.ClaimAckTimeout <= 0 {
		return &fluxerrors.ValidationError{Field: "server.claim_ack_timeout", Message: "must be positive"}
	}
	if c.Worker.MaxConcurrentExecutions < 1 {
		return &fluxerrors.ValidationError{Field: "worker.max_concurrent_executions", Message: "must be at least 1"}
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return &fluxerrors.ValidationError{Field: "worker.heartbeat_interval", Message: "must be positive"}
	}
	if c.Runtime.DefaultMaxAttempts < 1 {
		return &fluxerrors.ValidationError{Field: "runtime.default_max_attempts", Message: "must be at least 1"}
	}
	if c.Runtime.DefaultBackoffMultiplier < 1 {
		return &fluxerrors.ValidationError{Field: "runtime.default_backoff_multiplier", Message: "must be at least 1"}
	}
	switch c.Secrets.MasterKeySource {
	case "env", "keyring":
	case "file":
		if c.Secrets.MasterKeyFile == "" {
			return &fluxerrors.ValidationError{Field: "secrets.master_key_file", Message: "required when master_key_source is file"}
		}
	default:
		return &fluxerrors.ValidationError{Field: "secrets.master_key_source", Message: fmt.Sprintf("unknown source %q", c.Secrets.MasterKeySource)}
	}
	switch c.Scheduler.CatchUpPolicy {
	case "skip", "one", "all":
	default:
		return &fluxerrors.ValidationError{Field: "scheduler.catch_up_policy", Message: fmt.Sprintf("unknown policy %q", c.Scheduler.CatchUpPolicy)}
	}
	if c.Scheduler.TickInterval <= 0 {
		return &fluxerrors.ValidationError{Field: "scheduler.tick_interval", Message: "must be positive"}
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "otlp":
	default:
		return &fluxerrors.ValidationError{Field: "tracing.exporter", Message: fmt.Sprintf("unknown exporter %q", c.Tracing.Exporter)}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return &fluxerrors.ValidationError{Field: "tracing.sample_rate", Message: "must be within [0, 1]"}
	}
	return nil
}

// SchedulerEnabled reports whether the scheduler loop should run.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// ListenAddr returns the host:port the server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
