package appconfig

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"pkt.systems/weft/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	Agent         AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Engine        EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Storage       StorageConfig  `mapstructure:"storage" yaml:"storage"`
	HTTP          HTTPConfig     `mapstructure:"http" yaml:"http"`
	Sessions      SessionsConfig `mapstructure:"sessions" yaml:"sessions"`
	Logging       LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// AgentConfig controls how the codex agent process is launched.
type AgentConfig struct {
	Binary         string            `mapstructure:"binary" yaml:"binary"`
	ExtraArgs      []string          `mapstructure:"extra_args" yaml:"extra_args"`
	Env            map[string]string `mapstructure:"env" yaml:"env"`
	Model          string            `mapstructure:"model" yaml:"model"`
	Provider       string            `mapstructure:"provider" yaml:"provider"`
	ApprovalPolicy string            `mapstructure:"approval_policy" yaml:"approval_policy"`
	SandboxMode    string            `mapstructure:"sandbox_mode" yaml:"sandbox_mode"`
	WorkingDir     string            `mapstructure:"working_dir" yaml:"working_dir"`
	DebugEventLog  bool              `mapstructure:"debug_event_log" yaml:"debug_event_log"`
}

// EngineConfig controls the event-reduction engine.
type EngineConfig struct {
	FlushIntervalMS int `mapstructure:"flush_interval_ms" yaml:"flush_interval_ms"`
	MaxEntries      int `mapstructure:"max_entries" yaml:"max_entries"`
}

// StorageConfig controls transcript persistence.
type StorageConfig struct {
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
	Encrypt  bool   `mapstructure:"encrypt" yaml:"encrypt"`
}

// HTTPConfig configures the local HTTP API.
type HTTPConfig struct {
	Addr                string `mapstructure:"addr" yaml:"addr"`
	Token               string `mapstructure:"token" yaml:"token"`
	HubHistory          int    `mapstructure:"hub_history" yaml:"hub_history"`
	SSEHeartbeatSeconds int    `mapstructure:"sse_heartbeat_seconds" yaml:"sse_heartbeat_seconds"`
}

// SessionsConfig configures recorded session discovery.
type SessionsConfig struct {
	AgentHome string `mapstructure:"agent_home" yaml:"agent_home"`
}

// LoggingConfig carries logging hints for the CLI.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// FlushInterval returns the engine flush interval as a duration.
func (c EngineConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// EnvSlice renders the agent env map as sorted KEY=VALUE pairs.
func (c AgentConfig) EnvSlice() []string {
	if len(c.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Agent: AgentConfig{
			Binary:         "codex",
			ExtraArgs:      []string{},
			Env:            map[string]string{},
			Model:          "gpt-5.2-codex",
			Provider:       "",
			ApprovalPolicy: string(schema.ApprovalOnRequest),
			SandboxMode:    string(schema.SandboxWorkspaceWrite),
			WorkingDir:     "",
			DebugEventLog:  false,
		},
		Engine: EngineConfig{
			FlushIntervalMS: 25,
			MaxEntries:      schema.DefaultMaxEntries,
		},
		Storage: StorageConfig{
			StateDir: filepath.Join(home, ".weft", "state"),
			Encrypt:  false,
		},
		HTTP: HTTPConfig{
			Addr:                "127.0.0.1:27481",
			Token:               "",
			HubHistory:          512,
			SSEHeartbeatSeconds: 15,
		},
		Sessions: SessionsConfig{
			AgentHome: "",
		},
		Logging: LoggingConfig{
			Level: "",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".weft", "config.yaml"), nil
}
