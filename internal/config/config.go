// Package config provides configuration types and defaults for conductor's
// services (the HTTP API, the PM orchestrator, and the worker agent).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forgefleet/conductor/internal/orchestration/tracing"
)

// Config holds all configuration for a conductor deployment. A single
// Config is shared by the serve/worker/migrate commands; each reads
// only the sections it needs.
type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	API           APIConfig           `mapstructure:"api"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Broker        BrokerConfig        `mapstructure:"broker"`
	Registry      RegistryConfig      `mapstructure:"registry"`
	Envelope      EnvelopeConfig      `mapstructure:"envelope"`
	Executor      ExecutorConfig      `mapstructure:"executor"`
	Tracing       tracing.Config      `mapstructure:"tracing"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
}

// APIConfig configures the HTTP API server (internal/api).
type APIConfig struct {
	// ListenAddr is the address the API server binds to, e.g. ":8080".
	ListenAddr string `mapstructure:"listen_addr"`
}

// DatabaseConfig configures the task repository's SQLite database.
type DatabaseConfig struct {
	// Path is the SQLite database file path, or ":memory:" for an
	// ephemeral in-process database (tests, single-shot demos).
	Path string `mapstructure:"path"`
}

// BrokerConfig selects and configures the stream broker backend.
type BrokerConfig struct {
	// Kind is "memory" (default, single-process) or "redis".
	Kind string `mapstructure:"kind"`

	// Addr is the redis connection address, e.g. "localhost:6379".
	// Only used when Kind is "redis".
	Addr string `mapstructure:"addr"`

	// Password is the redis AUTH password. Only used when Kind is "redis".
	Password string `mapstructure:"password"`

	// DB is the redis logical database index. Only used when Kind is "redis".
	DB int `mapstructure:"db"`
}

// RegistryConfig selects and configures the worker registry backend.
type RegistryConfig struct {
	// Kind is "memory" (default, single-process) or "redis".
	Kind string `mapstructure:"kind"`

	// Addr is the redis connection address. Only used when Kind is "redis".
	Addr string `mapstructure:"addr"`

	// Password is the redis AUTH password. Only used when Kind is "redis".
	Password string `mapstructure:"password"`

	// DB is the redis logical database index. Only used when Kind is "redis".
	DB int `mapstructure:"db"`

	// HeartbeatTTL is how long a worker may go without a heartbeat
	// before the registry considers it gone. 0 uses the registry's
	// own default.
	HeartbeatTTL time.Duration `mapstructure:"heartbeat_ttl"`
}

// EnvelopeConfig configures signed-prompt envelope verification.
type EnvelopeConfig struct {
	// Secret is the HMAC secret shared between the PM orchestrator
	// (which signs prompts) and every worker agent (which verifies
	// them). Must be identical across a deployment.
	Secret string `mapstructure:"secret"`
}

// ExecutorConfig configures how a worker agent runs an executor.
type ExecutorConfig struct {
	// Executable is the agent-coder CLI invoked by the executor,
	// e.g. "claude".
	Executable string `mapstructure:"executable"`

	// WorkspaceDir is the working directory the executor runs in.
	WorkspaceDir string `mapstructure:"workspace_dir"`

	// Timeout bounds a single execute or review call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// OrchestrationConfig holds tunables for the PM orchestrator's loops.
type OrchestrationConfig struct {
	// SchedulingInterval is loaded from config but not applied: the PM
	// orchestrator's scheduling loop always ticks at the
	// pmorchestrator.SchedulingInterval constant.
	SchedulingInterval time.Duration `mapstructure:"scheduling_interval"`

	// GitRepoPath is the repository a project's gitvcs.Collaborator
	// operates on. Empty uses an in-memory mock collaborator, useful
	// for tests and demos that have no real checkout.
	GitRepoPath string `mapstructure:"git_repo_path"`
}

// Defaults returns the default configuration for a fresh deployment.
func Defaults() Config {
	return Config{
		DataDir: DefaultDataDir(),
		API: APIConfig{
			ListenAddr: ":8080",
		},
		Database: DatabaseConfig{
			Path: filepath.Join(DefaultDataDir(), "conductor.db"),
		},
		Broker: BrokerConfig{
			Kind: "memory",
			Addr: "localhost:6379",
		},
		Registry: RegistryConfig{
			Kind:         "memory",
			Addr:         "localhost:6379",
			HeartbeatTTL: 60 * time.Second,
		},
		Executor: ExecutorConfig{
			Executable:   "claude",
			WorkspaceDir: ".",
			Timeout:      time.Hour,
		},
		Tracing: tracing.DefaultConfig(),
		Orchestration: OrchestrationConfig{
			SchedulingInterval: 5 * time.Second,
		},
	}
}

// DefaultDataDir returns ~/.conductor, or "./.conductor" if the home
// directory cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// DefaultConfigPath returns ~/.config/conductor/config.yaml, or an
// empty string if the home directory cannot be determined.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "conductor", "config.yaml")
}

// Validate checks invariants that Defaults alone cannot guarantee,
// e.g. that a redis-backed broker or registry has been given an
// address.
func (c Config) Validate() error {
	if c.Broker.Kind == "redis" && c.Broker.Addr == "" {
		return fmt.Errorf("config: broker.addr is required when broker.kind is \"redis\"")
	}
	if c.Registry.Kind == "redis" && c.Registry.Addr == "" {
		return fmt.Errorf("config: registry.addr is required when registry.kind is \"redis\"")
	}
	if c.Envelope.Secret == "" {
		return fmt.Errorf("config: envelope.secret must be set")
	}
	return nil
}
