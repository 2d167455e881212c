// Package drover wires the execution engine into a runnable system: YAML
// configuration, model providers, memory backends, the sub-agent roster,
// pause management, and the metrics endpoint.
package drover

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/pkg/security"
)

// Config is the top-level YAML configuration.
type Config struct {
	// DefaultModel backs agents and the coordinator when they do not name
	// their own model.
	DefaultModel string `yaml:"default_model,omitempty"`

	// Providers carries per-provider settings keyed by provider name
	// (openai, vertexai, bedrock). Values are passed straight to the
	// provider factory; credentials left out fall back to the provider's
	// environment variables.
	Providers map[string]map[string]any `yaml:"providers,omitempty"`

	// Agents are the locally hosted agents.
	Agents []AgentDef `yaml:"agents"`

	// Remotes are agents served by other runner processes.
	Remotes []RemoteDef `yaml:"remotes,omitempty"`

	// Coordinator configures multi-agent runs over the roster.
	Coordinator CoordinatorDef `yaml:"coordinator,omitempty"`

	Memory        MemoryConfig        `yaml:"memory,omitempty"`
	Pause         PauseConfig         `yaml:"pause,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// AgentDef describes one locally hosted agent.
type AgentDef struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description,omitempty"`
	Model        string `yaml:"model,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// Tools names the tools this agent may call. Built-ins: calculator,
	// clock, ask_human. Register custom tools with WithTool.
	Tools []string `yaml:"tools,omitempty"`

	MaxIterations int `yaml:"max_iterations,omitempty"`
}

// RemoteDef describes an agent reachable over gRPC.
type RemoteDef struct {
	// Target is the runner's address, e.g. "10.0.0.5:50051".
	Target string `yaml:"target"`

	AgentID     string `yaml:"agent_id,omitempty"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`

	// Discover asks the remote runner for its full roster instead of
	// proxying a single named agent.
	Discover bool `yaml:"discover,omitempty"`

	TLS *RemoteTLSDef `yaml:"tls,omitempty"`
}

// RemoteTLSDef configures TLS for a remote connection. A nil value means
// plaintext.
type RemoteTLSDef struct {
	CAFile     string `yaml:"ca_file,omitempty"`
	CertFile   string `yaml:"cert_file,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	ServerName string `yaml:"server_name,omitempty"`
}

// CoordinatorDef carries the static side of coordinator runs; per-run
// fields live in agent.CoordinatorConfig.
type CoordinatorDef struct {
	Name            string `yaml:"name,omitempty"`
	Model           string `yaml:"model,omitempty"`
	SystemPrompt    string `yaml:"system_prompt,omitempty"`
	RoutingStrategy string `yaml:"routing_strategy,omitempty"`
	MaxDelegations  int    `yaml:"max_delegations,omitempty"`
	AggregationMode string `yaml:"aggregation_mode,omitempty"`
	Parallel        bool   `yaml:"parallel,omitempty"`
	MaxIterations   int    `yaml:"max_iterations,omitempty"`
	TimeoutMS       int    `yaml:"timeout_ms,omitempty"`
}

// MemoryConfig selects and configures the conversation store.
type MemoryConfig struct {
	// Backend is one of inmemory, file, redis, firestore. Default: inmemory.
	Backend string `yaml:"backend,omitempty"`

	// BaseDir is where the file backend keeps sessions. Defaults to
	// $DROVER_MEMORY_DIR, then ~/.drover/sessions.
	BaseDir string `yaml:"base_dir,omitempty"`

	Redis     RedisDef     `yaml:"redis,omitempty"`
	Firestore FirestoreDef `yaml:"firestore,omitempty"`
}

// RedisDef configures the redis memory backend.
type RedisDef struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`

	// TTL expires idle sessions, e.g. "168h". Empty means never.
	TTL string `yaml:"ttl,omitempty"`
}

// FirestoreDef configures the firestore memory backend.
type FirestoreDef struct {
	ProjectID       string `yaml:"project_id,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	Collection      string `yaml:"collection,omitempty"`
}

// PauseConfig governs paused-run checkpoints and expiry.
type PauseConfig struct {
	// CheckpointDir stores paused-run checkpoints. Empty selects
	// ~/.drover/checkpoints.
	CheckpointDir string `yaml:"checkpoint_dir,omitempty"`

	// SweepSchedule is a cron expression for expiring stale pauses.
	// Default: "@every 5m".
	SweepSchedule string `yaml:"sweep_schedule,omitempty"`

	// MaxAge is how long a paused run may wait before the sweeper cancels
	// it. Default: "24h".
	MaxAge string `yaml:"max_age,omitempty"`
}

// ObservabilityConfig controls the metrics endpoint and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics and /health when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// Tracing enables OpenTelemetry export, configured through the OTEL_*
	// environment variables.
	Tracing bool `yaml:"tracing,omitempty"`
}

// Normalize applies defaults in place and validates the configuration.
func (c *Config) Normalize() error {
	if len(c.Agents) == 0 && len(c.Remotes) == 0 {
		return fmt.Errorf("config: at least one agent is required")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		def := &c.Agents[i]
		def.Name = strings.TrimSpace(def.Name)
		if def.Name == "" {
			return fmt.Errorf("config: agents[%d]: name is required", i)
		}
		if seen[def.Name] {
			return fmt.Errorf("config: duplicate agent name %q", def.Name)
		}
		seen[def.Name] = true
		if def.MaxIterations < 0 || def.MaxIterations > agent.MaxIterationsLimit {
			return fmt.Errorf("config: agent %s: max_iterations must be between 1 and %d", def.Name, agent.MaxIterationsLimit)
		}
	}

	for i := range c.Remotes {
		if strings.TrimSpace(c.Remotes[i].Target) == "" {
			return fmt.Errorf("config: remotes[%d]: target is required", i)
		}
	}

	switch c.Memory.Backend {
	case "":
		c.Memory.Backend = "inmemory"
	case "inmemory", "file", "redis", "firestore":
	default:
		return fmt.Errorf("config: unknown memory backend %q (want inmemory, file, redis, or firestore)", c.Memory.Backend)
	}
	if c.Memory.BaseDir == "" {
		c.Memory.BaseDir = os.Getenv("DROVER_MEMORY_DIR")
	}
	if c.Memory.Redis.TTL != "" {
		if _, err := time.ParseDuration(c.Memory.Redis.TTL); err != nil {
			return fmt.Errorf("config: memory.redis.ttl: %w", err)
		}
	}

	if c.Pause.SweepSchedule == "" {
		c.Pause.SweepSchedule = "@every 5m"
	}
	if c.Pause.MaxAge == "" {
		c.Pause.MaxAge = "24h"
	}
	if _, err := time.ParseDuration(c.Pause.MaxAge); err != nil {
		return fmt.Errorf("config: pause.max_age: %w", err)
	}

	if s := c.Coordinator.RoutingStrategy; s != "" {
		switch agent.RoutingStrategy(s) {
		case agent.RouteAuto, agent.RouteBroadcast, agent.RouteSequential:
		default:
			return fmt.Errorf("config: coordinator.routing_strategy must be auto, broadcast, or sequential, got %q", s)
		}
	}
	if m := c.Coordinator.AggregationMode; m != "" {
		switch agent.AggregationMode(m) {
		case agent.AggregateConcatenate, agent.AggregateSynthesize, agent.AggregateBest:
		default:
			return fmt.Errorf("config: coordinator.aggregation_mode must be concatenate, synthesize, or best, got %q", m)
		}
	}

	return nil
}

// FileReader reads config files; tests substitute an in-memory one.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader reads from the real filesystem.
type OSFileReader struct{}

func (OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path comes from the operator
}

// ConfigLoader parses config files with YAML security limits applied.
type ConfigLoader struct {
	reader FileReader
	parser *security.SafeYAMLParser
}

// NewConfigLoader creates a loader with the default limits.
func NewConfigLoader(r FileReader) *ConfigLoader {
	return &ConfigLoader{
		reader: r,
		parser: security.NewSafeYAMLParser(security.DefaultYAMLLimits()),
	}
}

// NewConfigLoaderWithLimits creates a loader with custom YAML limits.
func NewConfigLoaderWithLimits(r FileReader, limits security.YAMLLimits) *ConfigLoader {
	return &ConfigLoader{
		reader: r,
		parser: security.NewSafeYAMLParser(limits),
	}
}

// Load reads, parses, and normalizes one config file.
func (l *ConfigLoader) Load(path string) (*Config, error) {
	data, err := l.reader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := l.parser.UnmarshalYAML(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads a config file from disk.
func LoadConfig(path string) (*Config, error) {
	return NewConfigLoader(OSFileReader{}).Load(path)
}

// Run loads a config, runs one task through it, and shuts everything down.
// A config with a coordinator model and more than one agent runs as a
// flock; otherwise the task goes to the first agent. The returned string
// is the final response text.
func Run(ctx context.Context, configPath, task string) (string, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return "", err
	}

	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return "", err
	}
	if err := rt.Start(ctx); err != nil {
		return "", err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Stop(stopCtx); err != nil {
			log.Printf("Warning: runtime shutdown: %v", err)
		}
	}()

	if rt.Coordinated() {
		res, err := rt.RunFlock(ctx, agent.CoordinatorConfig{RunConfig: agent.RunConfig{UserMessage: task}})
		if err != nil {
			return "", err
		}
		return res.Response, nil
	}

	out, err := rt.RunAgent(ctx, "", agent.RunConfig{UserMessage: task})
	if err != nil {
		return "", err
	}
	if out.Paused != nil {
		return "", fmt.Errorf("run %s paused awaiting human input: %s (answer with Resume)",
			out.Metadata.ExecutionID, out.Paused.Question)
	}
	return out.Response, nil
}
