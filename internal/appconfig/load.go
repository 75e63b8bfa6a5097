package appconfig

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/weft/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("agent.binary", cfg.Agent.Binary)
	v.SetDefault("agent.extra_args", cfg.Agent.ExtraArgs)
	v.SetDefault("agent.env", cfg.Agent.Env)
	v.SetDefault("agent.model", cfg.Agent.Model)
	v.SetDefault("agent.provider", cfg.Agent.Provider)
	v.SetDefault("agent.approval_policy", cfg.Agent.ApprovalPolicy)
	v.SetDefault("agent.sandbox_mode", cfg.Agent.SandboxMode)
	v.SetDefault("agent.working_dir", cfg.Agent.WorkingDir)
	v.SetDefault("agent.debug_event_log", cfg.Agent.DebugEventLog)
	v.SetDefault("engine.flush_interval_ms", cfg.Engine.FlushIntervalMS)
	v.SetDefault("engine.max_entries", cfg.Engine.MaxEntries)
	v.SetDefault("storage.state_dir", cfg.Storage.StateDir)
	v.SetDefault("storage.encrypt", cfg.Storage.Encrypt)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.token", cfg.HTTP.Token)
	v.SetDefault("http.hub_history", cfg.HTTP.HubHistory)
	v.SetDefault("http.sse_heartbeat_seconds", cfg.HTTP.SSEHeartbeatSeconds)
	v.SetDefault("sessions.agent_home", cfg.Sessions.AgentHome)
	v.SetDefault("logging.level", cfg.Logging.Level)

	// A missing file means defaults: weft runs unconfigured until the user
	// asks for more (`weft config init`).
	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Agent.Binary) == "" {
		return fmt.Errorf("agent.binary is required")
	}
	switch schema.ApprovalPolicy(cfg.Agent.ApprovalPolicy) {
	case schema.ApprovalUntrusted, schema.ApprovalOnFailure, schema.ApprovalOnRequest, schema.ApprovalNever:
	default:
		return fmt.Errorf("unsupported agent.approval_policy %q", cfg.Agent.ApprovalPolicy)
	}
	switch schema.SandboxMode(cfg.Agent.SandboxMode) {
	case schema.SandboxReadOnly, schema.SandboxWorkspaceWrite, schema.SandboxDangerFullAccess:
	default:
		return fmt.Errorf("unsupported agent.sandbox_mode %q", cfg.Agent.SandboxMode)
	}
	if cfg.Engine.FlushIntervalMS < 1 || cfg.Engine.FlushIntervalMS > 1000 {
		return fmt.Errorf("engine.flush_interval_ms must be between 1 and 1000")
	}
	if cfg.Engine.MaxEntries <= 0 {
		return fmt.Errorf("engine.max_entries must be positive")
	}
	if strings.TrimSpace(cfg.Storage.StateDir) == "" {
		return fmt.Errorf("storage.state_dir is required")
	}
	if addr := strings.TrimSpace(cfg.HTTP.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("http.addr must be host:port: %v", err)
		}
	}
	if cfg.HTTP.HubHistory <= 0 {
		return fmt.Errorf("http.hub_history must be positive")
	}
	if cfg.HTTP.SSEHeartbeatSeconds < 0 {
		return fmt.Errorf("http.sse_heartbeat_seconds must not be negative")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Agent.Binary = expandEnv(cfg.Agent.Binary)
	cfg.Agent.WorkingDir = expandEnv(cfg.Agent.WorkingDir)
	cfg.Storage.StateDir = expandEnv(cfg.Storage.StateDir)
	cfg.Sessions.AgentHome = expandEnv(cfg.Sessions.AgentHome)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
