package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/weft/internal/appconfig"
)

func newDebugCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Debug helpers for weft",
	}
	cmd.AddCommand(newDebugPathsCmd())
	return cmd
}

func newDebugPathsCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "paths",
		Short: "Print resolved state paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("debug config", "path", configPath, "model", cfg.Agent.Model, "approval_policy", cfg.Agent.ApprovalPolicy, "sandbox_mode", cfg.Agent.SandboxMode)
			logger.Info("debug http", "addr", cfg.HTTP.Addr, "token_set", strings.TrimSpace(cfg.HTTP.Token) != "")

			if binary, err := exec.LookPath(cfg.Agent.Binary); err == nil {
				logger.Info("agent binary ok", "binary", cfg.Agent.Binary, "path", binary)
			} else {
				logger.Warn("agent binary missing", "binary", cfg.Agent.Binary, "err", err)
			}

			checkPath(logger, "state_dir", cfg.Storage.StateDir)
			if cfg.Agent.DebugEventLog {
				checkPath(logger, "event_log_dir", filepath.Join(cfg.Storage.StateDir, "debug"))
			}
			dir := sessionsDir(cfg)
			if dir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				dir = filepath.Join(home, ".codex", "sessions")
			}
			checkPath(logger, "sessions_dir", dir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func checkPath(logger pslog.Logger, label, value string) {
	if strings.TrimSpace(value) == "" {
		logger.Warn("path empty", "name", label)
		return
	}
	info, err := os.Stat(value)
	if err != nil {
		logger.Warn("path missing", "name", label, "path", value, "err", err)
		return
	}
	mode := info.Mode()
	logger.Info("path ok", "name", label, "path", value, "dir", mode.IsDir())
	if !mode.IsDir() {
		logger.Warn("path not directory", "name", label, "path", value)
	}
}
