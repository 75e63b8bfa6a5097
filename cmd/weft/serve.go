package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/weft"
	"pkt.systems/weft/core"
	"pkt.systems/weft/httpapi"
	"pkt.systems/weft/internal/appconfig"
	"pkt.systems/weft/internal/codexproto"
	"pkt.systems/weft/internal/sessionfiles"
	"pkt.systems/weft/internal/transcript"
	"pkt.systems/weft/schema"
)

//go:embed assets/LOGO.txt
var serveLogo string

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var noBanner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the weft engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logMode := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_MODE")))
			showBanner := !noBanner && logMode != "json" && logMode != "structured"
			if showBanner && serveLogo != "" {
				_, _ = fmt.Fprint(cmd.OutOrStdout(), serveLogo)
			}
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(addr) != "" {
				cfg.HTTP.Addr = addr
			}

			// Sessions fail with the agent missing, but browsing recorded
			// transcripts still works, so a missing binary only warns.
			if path, err := exec.LookPath(cfg.Agent.Binary); err != nil {
				logger.Warn("agent binary not found; run `weft doctor` to diagnose", "binary", cfg.Agent.Binary, "err", err)
			} else {
				logger.Info("agent binary resolved", "binary", cfg.Agent.Binary, "path", path)
			}

			server, err := buildServer(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("http server listening", "addr", cfg.HTTP.Addr)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address override (host:port)")
	cmd.Flags().BoolVar(&noBanner, "no-banner", false, "disable startup banner")
	return cmd
}

func buildServer(cfg appconfig.Config, logger pslog.Logger) (weft.Server, error) {
	launcher, err := codexproto.NewLauncher(launcherConfig(cfg))
	if err != nil {
		return nil, err
	}
	store, err := transcript.NewStore(transcript.Options{
		StateDir:   cfg.Storage.StateDir,
		MaxEntries: cfg.Engine.MaxEntries,
		Encrypt:    cfg.Storage.Encrypt,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	recorded, err := sessionfiles.NewLister(sessionfiles.Options{
		Dir:    sessionsDir(cfg),
		Logger: logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	server, err := weft.New(weft.ServerConfig{
		Service: toServiceConfig(cfg),
		HTTP:    toHTTPConfig(cfg.HTTP),
	}, weft.ServerDeps{
		ServiceDeps: core.ServiceDeps{
			Launcher:   launcher,
			Transcript: store,
			Recorded:   recorded,
			Logger:     logger,
		},
		Closers: []io.Closer{store},
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return server, nil
}

func launcherConfig(cfg appconfig.Config) codexproto.Config {
	out := codexproto.Config{
		BinaryPath: cfg.Agent.Binary,
		ExtraArgs:  cfg.Agent.ExtraArgs,
		Env:        cfg.Agent.EnvSlice(),
		DefaultCwd: cfg.Agent.WorkingDir,
	}
	if cfg.Agent.DebugEventLog {
		out.DebugEventDir = filepath.Join(cfg.Storage.StateDir, "debug")
	}
	return out
}

func toServiceConfig(cfg appconfig.Config) schema.ServiceConfig {
	return schema.ServiceConfig{
		StateDir:              cfg.Storage.StateDir,
		DefaultModel:          schema.ModelID(cfg.Agent.Model),
		DefaultApprovalPolicy: schema.ApprovalPolicy(cfg.Agent.ApprovalPolicy),
		DefaultSandboxMode:    schema.SandboxMode(cfg.Agent.SandboxMode),
		FlushInterval:         cfg.Engine.FlushInterval(),
		MaxEntries:            cfg.Engine.MaxEntries,
	}
}

func toHTTPConfig(cfg appconfig.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:                cfg.Addr,
		Token:               cfg.Token,
		HubHistory:          cfg.HubHistory,
		SSEHeartbeatSeconds: cfg.SSEHeartbeatSeconds,
	}
}

// sessionsDir resolves the agent's session recording root; empty keeps the
// lister's own default of ~/.codex/sessions.
func sessionsDir(cfg appconfig.Config) string {
	home := strings.TrimSpace(cfg.Sessions.AgentHome)
	if home == "" {
		return ""
	}
	return filepath.Join(home, "sessions")
}
