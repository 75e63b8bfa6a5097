package codexproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"
	"pkt.systems/weft/core"
	"pkt.systems/weft/schema"
)

// stopSleep is swapped in tests that exercise the close path.
var stopSleep = time.Sleep

// termGrace is how long Close waits between SIGTERM and SIGKILL.
const termGrace = 500 * time.Millisecond

// Config controls how the codex proto agent is invoked.
type Config struct {
	BinaryPath string
	ExtraArgs  []string
	Env        []string
	// DefaultCwd applies when a launch omits its own working directory.
	DefaultCwd    string
	DebugEventDir string
}

// Launcher implements core.Launcher by spawning `codex proto` processes.
type Launcher struct {
	cfg Config
}

// NewLauncher constructs a codex proto launcher.
func NewLauncher(cfg Config) (*Launcher, error) {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "codex"
	}
	return &Launcher{cfg: cfg}, nil
}

// Launch starts one agent process and wires its stdio.
func (l *Launcher) Launch(ctx context.Context, spec core.LaunchSpec) (core.AgentHandle, error) {
	if spec.Cwd == "" {
		spec.Cwd = l.cfg.DefaultCwd
	}
	args := buildProtoArgs(l.cfg, spec)
	log := pslog.Ctx(ctx)
	if log != nil {
		log.Info(
			"agent proto start",
			"cwd", spec.Cwd,
			"model", spec.Model,
			"approval_policy", spec.ApprovalPolicy,
			"sandbox_mode", spec.SandboxMode,
			"provider", spec.Provider != "",
			"args_len", len(args),
			"env_extra", len(l.cfg.Env),
		)
	}

	cmd := exec.CommandContext(ctx, l.cfg.BinaryPath, args...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	if len(l.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), l.cfg.Env...)
	} else {
		cmd.Env = append(cmd.Env, os.Environ()...)
	}
	// Own process group so Close can signal the agent and its children
	// together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		if log != nil {
			log.Error("agent proto stdout failed", "err", err)
		}
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		if log != nil {
			log.Error("agent proto stderr failed", "err", err)
		}
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		if log != nil {
			log.Error("agent proto stdin failed", "err", err)
		}
		return nil, err
	}

	var elog *eventLog
	if l.cfg.DebugEventDir != "" {
		elog, err = newEventLog(l.cfg.DebugEventDir, spec.Conversation)
		if err != nil {
			if log != nil {
				log.Warn("agent event log disabled", "err", err)
			}
			elog = nil
		}
	}

	if err := cmd.Start(); err != nil {
		if log != nil {
			log.Error("agent proto start failed", "err", err)
		}
		elog.close()
		return nil, err
	}
	if log != nil && cmd.Process != nil {
		log.Info("agent proto started", "pid", cmd.Process.Pid)
	}

	handle := &protoHandle{
		cmd:        cmd,
		stream:     newCombinedStream(ctx, stdout, stderr, elog),
		log:        log,
		elog:       elog,
		started:    time.Now(),
		subs:       make(chan schema.Submission, 16),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go handle.writeLoop(stdin)
	return handle, nil
}

func buildProtoArgs(cfg Config, spec core.LaunchSpec) []string {
	args := []string{"proto"}
	if spec.Model != "" {
		args = append(args, "-c", "model="+string(spec.Model))
	}
	if spec.ApprovalPolicy != "" {
		args = append(args, "-c", "approval_policy="+string(spec.ApprovalPolicy))
	}
	if spec.SandboxMode != "" {
		args = append(args, "-c", "sandbox_mode="+string(spec.SandboxMode))
	}
	if spec.Provider != "" {
		args = append(args, "-c", "model_provider="+spec.Provider)
	}
	args = append(args, "-c", "show_raw_agent_reasoning=true")
	if spec.Cwd != "" {
		args = append(args, "-c", "cwd="+spec.Cwd)
	}
	args = append(args, cfg.ExtraArgs...)
	return args
}

type protoHandle struct {
	cmd        *exec.Cmd
	stream     *combinedStream
	log        pslog.Logger
	elog       *eventLog
	started    time.Time
	subs       chan schema.Submission
	quit       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func (h *protoHandle) Events() core.EventStream {
	return h.stream
}

// writeLoop owns stdin: submissions are serialized one JSON object per line
// in arrival order.
func (h *protoHandle) writeLoop(stdin io.WriteCloser) {
	defer close(h.writerDone)
	defer func() { _ = stdin.Close() }()
	enc := json.NewEncoder(stdin)
	for {
		select {
		case sub := <-h.subs:
			if err := enc.Encode(sub); err != nil {
				if h.log != nil {
					h.log.Warn("agent submission write failed", "submission", sub.ID, "err", err)
				}
				return
			}
			if h.log != nil {
				h.log.Trace("agent submission written", "submission", sub.ID, "op", sub.Op.Type)
			}
		case <-h.quit:
			return
		}
	}
}

func (h *protoHandle) Submit(ctx context.Context, sub schema.Submission) error {
	select {
	case <-h.writerDone:
		return errors.New("agent stdin closed")
	default:
	}
	select {
	case h.subs <- sub:
		return nil
	case <-h.writerDone:
		return errors.New("agent stdin closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *protoHandle) Signal(ctx context.Context, sig core.ProcessSignal) error {
	_ = ctx
	if h.cmd == nil || h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	pid := h.cmd.Process.Pid
	switch sig {
	case core.ProcessSignalTERM:
		return groupSignal(pid, unix.SIGTERM)
	case core.ProcessSignalKILL:
		return groupSignal(pid, unix.SIGKILL)
	default:
		return fmt.Errorf("unsupported signal: %s", sig)
	}
}

func (h *protoHandle) Wait(ctx context.Context) (core.RunResult, error) {
	_ = ctx
	if h.cmd == nil {
		return core.RunResult{}, fmt.Errorf("process not started")
	}
	err := h.cmd.Wait()
	signal := ""
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signal = status.Signal().String()
			}
		} else {
			if h.log != nil {
				h.log.Error("agent proto wait failed", "err", err)
			}
			return core.RunResult{}, err
		}
	}
	if h.log != nil {
		fields := []any{
			"exit_code", exitCode,
			"duration_ms", time.Since(h.started).Milliseconds(),
		}
		if signal != "" {
			fields = append(fields, "signal", signal)
		}
		if err != nil {
			fields = append(fields, "err", err)
		}
		h.log.Info("agent proto finished", fields...)
	}
	return core.RunResult{ExitCode: exitCode}, nil
}

// Close stops the submission writer and tears the process group down: TERM,
// a short grace, then KILL. Safe to call more than once.
func (h *protoHandle) Close() error {
	h.closeOnce.Do(func() {
		close(h.quit)
		if h.cmd != nil && h.cmd.Process != nil {
			pid := h.cmd.Process.Pid
			if err := groupSignal(pid, unix.SIGTERM); err != nil && h.log != nil {
				h.log.Debug("agent terminate failed", "pid", pid, "err", err)
			}
			stopSleep(termGrace)
			if err := groupSignal(pid, unix.SIGKILL); err != nil && h.log != nil {
				h.log.Debug("agent kill failed", "pid", pid, "err", err)
			}
		}
		if h.stream != nil {
			_ = h.stream.Close()
		}
		h.elog.close()
	})
	return nil
}

// groupSignal signals the whole process group, falling back to the single
// process when no group exists.
func groupSignal(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return unix.Kill(pid, sig)
	}
	return nil
}
