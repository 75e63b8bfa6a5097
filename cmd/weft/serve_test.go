package main

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pkt.systems/weft/internal/appconfig"
	"pkt.systems/weft/schema"
)

func TestToServiceConfig(t *testing.T) {
	cfg := appconfig.Config{
		Agent: appconfig.AgentConfig{
			Model:          "gpt-5.2-codex",
			ApprovalPolicy: "on-request",
			SandboxMode:    "workspace-write",
		},
		Engine: appconfig.EngineConfig{
			FlushIntervalMS: 40,
			MaxEntries:      250,
		},
		Storage: appconfig.StorageConfig{
			StateDir: "/var/lib/weft",
		},
	}
	got := toServiceConfig(cfg)
	want := schema.ServiceConfig{
		StateDir:              "/var/lib/weft",
		DefaultModel:          "gpt-5.2-codex",
		DefaultApprovalPolicy: schema.ApprovalOnRequest,
		DefaultSandboxMode:    schema.SandboxWorkspaceWrite,
		FlushInterval:         40 * time.Millisecond,
		MaxEntries:            250,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("service config\n got %+v\nwant %+v", got, want)
	}
}

func TestToHTTPConfig(t *testing.T) {
	got := toHTTPConfig(appconfig.HTTPConfig{
		Addr:                "127.0.0.1:9000",
		Token:               "secret",
		HubHistory:          64,
		SSEHeartbeatSeconds: 5,
	})
	if got.Addr != "127.0.0.1:9000" || got.Token != "secret" {
		t.Fatalf("http config = %+v", got)
	}
	if got.HubHistory != 64 || got.SSEHeartbeatSeconds != 5 {
		t.Fatalf("http config = %+v", got)
	}
}

func TestLauncherConfigDebugEventDir(t *testing.T) {
	cfg := appconfig.Config{
		Agent: appconfig.AgentConfig{
			Binary:        "codex",
			ExtraArgs:     []string{"--foo"},
			Env:           map[string]string{"B": "2", "A": "1"},
			WorkingDir:    "/work",
			DebugEventLog: true,
		},
		Storage: appconfig.StorageConfig{StateDir: "/var/lib/weft"},
	}
	got := launcherConfig(cfg)
	if got.BinaryPath != "codex" {
		t.Fatalf("binary = %q", got.BinaryPath)
	}
	if !reflect.DeepEqual(got.ExtraArgs, []string{"--foo"}) {
		t.Fatalf("extra args = %v", got.ExtraArgs)
	}
	if !reflect.DeepEqual(got.Env, []string{"A=1", "B=2"}) {
		t.Fatalf("env = %v", got.Env)
	}
	if got.DefaultCwd != "/work" {
		t.Fatalf("default cwd = %q", got.DefaultCwd)
	}
	if want := filepath.Join("/var/lib/weft", "debug"); got.DebugEventDir != want {
		t.Fatalf("debug event dir = %q, want %q", got.DebugEventDir, want)
	}

	cfg.Agent.DebugEventLog = false
	if got := launcherConfig(cfg); got.DebugEventDir != "" {
		t.Fatalf("debug event dir = %q without debug_event_log", got.DebugEventDir)
	}
}

func TestSessionsDir(t *testing.T) {
	if got := sessionsDir(appconfig.Config{}); got != "" {
		t.Fatalf("empty agent_home should keep the lister default, got %q", got)
	}
	cfg := appconfig.Config{Sessions: appconfig.SessionsConfig{AgentHome: "/home/u/.codex"}}
	if got, want := sessionsDir(cfg), filepath.Join("/home/u/.codex", "sessions"); got != want {
		t.Fatalf("sessions dir = %q, want %q", got, want)
	}
}
