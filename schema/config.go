package schema

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// ApprovalPolicy controls when the agent asks before acting.
type ApprovalPolicy string

const (
	// ApprovalUntrusted asks before any command outside the trusted set.
	ApprovalUntrusted ApprovalPolicy = "untrusted"
	// ApprovalOnFailure asks only after a sandboxed attempt fails.
	ApprovalOnFailure ApprovalPolicy = "on-failure"
	// ApprovalOnRequest lets the agent decide when to ask.
	ApprovalOnRequest ApprovalPolicy = "on-request"
	// ApprovalNever suppresses approval requests entirely.
	ApprovalNever ApprovalPolicy = "never"
)

// SandboxMode controls the agent's filesystem sandbox.
type SandboxMode string

const (
	// SandboxReadOnly forbids writes outside the agent's scratch space.
	SandboxReadOnly SandboxMode = "read-only"
	// SandboxWorkspaceWrite allows writes within the working directory.
	SandboxWorkspaceWrite SandboxMode = "workspace-write"
	// SandboxDangerFullAccess disables sandboxing.
	SandboxDangerFullAccess SandboxMode = "danger-full-access"
)

// ServiceConfig defines defaults and limits for the core service.
type ServiceConfig struct {
	StateDir              string
	DefaultModel          ModelID
	DefaultApprovalPolicy ApprovalPolicy
	DefaultSandboxMode    SandboxMode
	FlushInterval         time.Duration
	MaxEntries            int
}

// DefaultFlushInterval paces stream buffer flushes to the transcript.
const DefaultFlushInterval = 25 * time.Millisecond

// DefaultMaxEntries is the per-conversation transcript entry cap.
const DefaultMaxEntries = 5000

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".weft", "state")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = ModelID("gpt-5.2-codex")
	}
	if cfg.DefaultApprovalPolicy == "" {
		cfg.DefaultApprovalPolicy = ApprovalOnRequest
	}
	if cfg.DefaultSandboxMode == "" {
		cfg.DefaultSandboxMode = SandboxWorkspaceWrite
	}
	switch cfg.DefaultSandboxMode {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxDangerFullAccess:
	default:
		return ServiceConfig{}, ErrInvalidSandboxMode
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.FlushInterval > time.Second {
		return ServiceConfig{}, errors.New("flush interval must not exceed one second")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	return cfg, nil
}
