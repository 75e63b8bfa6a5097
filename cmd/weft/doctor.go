package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/weft/core"
	"pkt.systems/weft/internal/appconfig"
	"pkt.systems/weft/internal/codexproto"
	"pkt.systems/weft/schema"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var prompt string
	var useMock bool
	var handshakeTimeout time.Duration
	var turnTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run weft diagnostics",
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
			logger.Info("doctor start", "config", configPath)

			binary := cfg.Agent.Binary
			extraArgs := cfg.Agent.ExtraArgs
			var cleanup func()
			switch {
			case useMock:
				binary, cleanup, err = mockAgentBinary()
				if err != nil {
					return err
				}
				extraArgs = nil
				logger.Info("doctor using mock agent", "binary", binary)
			default:
				resolved, lookErr := exec.LookPath(cfg.Agent.Binary)
				if lookErr != nil {
					logger.Warn("doctor agent binary not found; falling back to mock", "binary", cfg.Agent.Binary, "err", lookErr)
					binary, cleanup, err = mockAgentBinary()
					if err != nil {
						return err
					}
					extraArgs = nil
				} else {
					logger.Info("doctor agent binary ok", "binary", cfg.Agent.Binary, "path", resolved)
				}
			}
			if cleanup != nil {
				defer cleanup()
			}

			launcher, err := codexproto.NewLauncher(codexproto.Config{
				BinaryPath: binary,
				ExtraArgs:  extraArgs,
				Env:        cfg.Agent.EnvSlice(),
				DefaultCwd: cfg.Agent.WorkingDir,
			})
			if err != nil {
				return err
			}
			handle, err := launcher.Launch(cmd.Context(), core.LaunchSpec{
				Conversation:   schema.ConversationID(fmt.Sprintf("doctor-%d", time.Now().UnixNano())),
				Model:          schema.ModelID(cfg.Agent.Model),
				ApprovalPolicy: schema.ApprovalPolicy(cfg.Agent.ApprovalPolicy),
				SandboxMode:    schema.SandboxMode(cfg.Agent.SandboxMode),
			})
			if err != nil {
				return fmt.Errorf("doctor agent launch failed: %w", err)
			}
			defer func() { _ = handle.Close() }()

			session, err := awaitDoctorSession(cmd.Context(), handle, handshakeTimeout)
			if err != nil {
				return err
			}
			logger.Info("doctor handshake ok", "session", session)

			if strings.TrimSpace(prompt) != "" {
				events, err := runDoctorTurn(cmd.Context(), logger, handle, prompt, turnTimeout)
				if err != nil {
					return err
				}
				logger.Info("doctor turn ok", "events", events)
			}

			if err := shutdownDoctorAgent(cmd.Context(), handle); err != nil {
				return err
			}
			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&prompt, "prompt", "Say 'ok' and exit.", "prompt for the turn check; empty skips it")
	cmd.Flags().BoolVar(&useMock, "mock", false, "force the built-in mock agent")
	cmd.Flags().DurationVar(&handshakeTimeout, "handshake-timeout", 15*time.Second, "timeout for the proto handshake")
	cmd.Flags().DurationVar(&turnTimeout, "turn-timeout", 90*time.Second, "timeout for the turn check")
	return cmd
}

// mockAgentBinary links the current executable under the codex-mock alias so
// the launcher invocation dispatches to the built-in mock.
func mockAgentBinary() (string, func(), error) {
	self, err := os.Executable()
	if err != nil {
		return "", nil, err
	}
	dir, err := os.MkdirTemp("", "weft-doctor-*")
	if err != nil {
		return "", nil, err
	}
	link := filepath.Join(dir, "codex-mock")
	if err := os.Symlink(self, link); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, err
	}
	return link, func() { _ = os.RemoveAll(dir) }, nil
}

func awaitDoctorSession(ctx context.Context, handle core.AgentHandle, timeout time.Duration) (schema.SessionID, error) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	stream := handle.Events()
	for {
		event, err := stream.Next(waitCtx)
		if err != nil {
			return "", fmt.Errorf("doctor handshake failed: %w", err)
		}
		if event.Msg.Type == schema.EventSessionEstablished {
			return event.Msg.SessionID, nil
		}
	}
}

// runDoctorTurn submits the prompt and consumes the feed until the turn ends.
// Approval requests are denied: diagnostics must not execute agent-proposed
// commands.
func runDoctorTurn(ctx context.Context, logger pslog.Logger, handle core.AgentHandle, prompt string, timeout time.Duration) (int, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	sub := schema.Submission{
		ID: "doctor-turn",
		Op: schema.Op{Type: schema.OpUserInput, Items: []schema.InputItem{{Type: schema.InputText, Text: prompt}}},
	}
	if err := handle.Submit(runCtx, sub); err != nil {
		return 0, fmt.Errorf("doctor turn submit: %w", err)
	}
	stream := handle.Events()
	count := 0
	denied := 0
	for {
		event, err := stream.Next(runCtx)
		if err != nil {
			return count, fmt.Errorf("doctor turn failed: %w", err)
		}
		count++
		switch event.Msg.Type {
		case schema.EventTurnComplete, schema.EventTaskComplete:
			return count, nil
		case schema.EventTurnAborted:
			return count, errors.New("doctor turn aborted")
		case schema.EventError:
			return count, fmt.Errorf("doctor turn error: %s", event.Msg.Message)
		case schema.EventApprovalRequest:
			denied++
			opType := schema.OpExecApproval
			if event.Msg.Kind == schema.ApprovalPatch {
				opType = schema.OpPatchApproval
			}
			deny := schema.Submission{
				ID: schema.SubmissionID(fmt.Sprintf("doctor-deny-%d", denied)),
				Op: schema.Op{Type: opType, ID: schema.ApprovalID(event.ID), Decision: schema.WireDecision(schema.DecisionDeny)},
			}
			if err := handle.Submit(runCtx, deny); err != nil {
				return count, fmt.Errorf("doctor approval deny: %w", err)
			}
			logger.Info("doctor approval denied", "approval", event.ID, "kind", event.Msg.Kind)
		}
	}
}

func shutdownDoctorAgent(ctx context.Context, handle core.AgentHandle) error {
	subCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sub := schema.Submission{ID: "doctor-shutdown", Op: schema.Op{Type: schema.OpShutdown}}
	if err := handle.Submit(subCtx, sub); err != nil {
		return fmt.Errorf("doctor shutdown submit: %w", err)
	}
	stream := handle.Events()
	for {
		event, err := stream.Next(subCtx)
		if err != nil {
			// EOF after shutdown means the agent closed its feed first.
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("doctor shutdown failed: %w", err)
		}
		if event.Msg.Type == schema.EventShutdownComplete {
			break
		}
	}
	result, err := handle.Wait(subCtx)
	if err != nil {
		return fmt.Errorf("doctor agent wait: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("doctor agent exited %d", result.ExitCode)
	}
	return nil
}
