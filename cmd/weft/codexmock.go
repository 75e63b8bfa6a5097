package main

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// maxMockLine bounds one submission line on stdin.
const maxMockLine = 1 << 20

var (
	// errMockAborted ends a turn without a completion event; the abort
	// notice has already been written by whoever returns it.
	errMockAborted = errors.New("mock turn aborted")
	// errMockShutdown asks the main loop to exit after an acknowledged
	// shutdown submission.
	errMockShutdown = errors.New("mock shutdown")
)

func newCodexMockCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "codex-mock proto [-c key=value] [--scenario <name>] [--delay-ms <n>] [--seed <n>]",
		Short:         "Mock codex proto streams for testing",
		SilenceErrors: true,
		SilenceUsage:  true,
		// The mock parses codex-style args itself; cobra must not eat -c.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCodexMock(args, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// runCodexMock speaks the proto feed: submissions arrive one JSON object per
// stdin line, events leave one JSON object per stdout line. The process stays
// up until a shutdown submission, stdin EOF, or a termination signal.
func runCodexMock(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) error {
	cfg, err := parseMockArgs(args)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return err
	}
	if !cfg.seedSet {
		cfg.seed = hashSeed(cfg.model, cfg.scenario, cfg.cwd)
	}

	writer := bufio.NewWriter(stdout)
	defer func() { _ = writer.Flush() }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM)
	signalSeen := make(chan os.Signal, 1)
	go func() {
		sig := <-sigCh
		signalSeen <- sig
	}()

	lines := make(chan string, 4)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), maxMockLine)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			lines <- line
		}
	}()

	if err := writeProtoEvent(writer, "ev_session", map[string]any{
		"type":                "session_established",
		"session_id":          mockSessionID(cfg.seed),
		"model":               cfg.modelOrDefault(),
		"history_log_id":      int(cfg.seed % 1000),
		"history_entry_count": 0,
	}); err != nil {
		return err
	}

	scenarios := buildScenarios()
	turn := 0
	for {
		select {
		case sig := <-signalSeen:
			return emitSignalError(writer, sig)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			var sub mockSubmission
			if err := json.Unmarshal([]byte(line), &sub); err != nil {
				if err := writeProtoEvent(writer, "ev_decode", map[string]any{
					"type":    "error",
					"message": "invalid submission: " + err.Error(),
				}); err != nil {
					return err
				}
				continue
			}
			switch sub.Op.Type {
			case "user_input":
				turn++
				scenario, err := pickScenario(cfg, turn, scenarios)
				if err != nil {
					if werr := writeProtoEvent(writer, sub.ID, map[string]any{
						"type":    "error",
						"message": err.Error(),
					}); werr != nil {
						return werr
					}
					return err
				}
				t := mockTurn{
					cfg:     cfg,
					w:       writer,
					turn:    turn,
					sub:     sub.ID,
					prompt:  promptText(sub),
					lines:   lines,
					signals: signalSeen,
				}
				if err := runMockTurn(t, scenario); err != nil {
					if errors.Is(err, errMockShutdown) {
						return nil
					}
					return err
				}
			case "interrupt":
				// No turn is in flight between submissions; the abort notice
				// still resolves the caller's interrupt path.
				if err := writeProtoEvent(writer, sub.ID, map[string]any{"type": "turn_aborted"}); err != nil {
					return err
				}
			case "exec_approval", "patch_approval":
				// Stale decision, nothing waiting on it.
			case "shutdown":
				return writeProtoEvent(writer, sub.ID, map[string]any{"type": "shutdown_complete"})
			default:
				if err := writeProtoEvent(writer, sub.ID, map[string]any{
					"type":    "error",
					"message": "unsupported op: " + sub.Op.Type,
				}); err != nil {
					return err
				}
			}
		}
	}
}

// mockSubmission mirrors the submission wire shape without depending on
// engine types, so the mock stays an independent protocol peer.
type mockSubmission struct {
	ID string `json:"id"`
	Op struct {
		Type  string `json:"type"`
		Items []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Path string `json:"path"`
		} `json:"items"`
		ID       string `json:"id"`
		Decision string `json:"decision"`
	} `json:"op"`
}

type mockConfig struct {
	model          string
	approvalPolicy string
	cwd            string
	scenario       string
	delay          time.Duration
	seed           uint64
	seedSet        bool
}

func (c mockConfig) modelOrDefault() string {
	if c.model != "" {
		return c.model
	}
	return "mock-model"
}

func (c mockConfig) cwdOrDefault() string {
	if c.cwd != "" {
		return c.cwd
	}
	return "/tmp"
}

// applyOverride consumes one `-c key=value` pair. Unknown keys pass through
// silently, matching how the real binary treats config overrides it does not
// care about.
func (c *mockConfig) applyOverride(key, value string) {
	switch key {
	case "model":
		c.model = value
	case "approval_policy":
		c.approvalPolicy = value
	case "cwd":
		c.cwd = value
	}
}

func parseMockArgs(args []string) (mockConfig, error) {
	if len(args) == 0 {
		return mockConfig{}, errors.New("usage: codex-mock proto [-c key=value] [--scenario <name>] [--delay-ms <n>] [--seed <n>]")
	}
	if args[0] != "proto" {
		return mockConfig{}, fmt.Errorf("unsupported command: %s", args[0])
	}
	cfg := mockConfig{delay: 30 * time.Millisecond}
	args = args[1:]
	for len(args) > 0 {
		switch args[0] {
		case "-c", "--config":
			if len(args) < 2 {
				return mockConfig{}, errors.New("-c requires key=value")
			}
			key, value, ok := strings.Cut(args[1], "=")
			if !ok {
				return mockConfig{}, fmt.Errorf("invalid config override %q", args[1])
			}
			cfg.applyOverride(key, value)
			args = args[2:]
		case "--scenario":
			if len(args) < 2 {
				return mockConfig{}, errors.New("--scenario requires a value")
			}
			cfg.scenario = args[1]
			args = args[2:]
		case "--delay-ms":
			if len(args) < 2 {
				return mockConfig{}, errors.New("--delay-ms requires a value")
			}
			val, err := strconv.Atoi(args[1])
			if err != nil || val < 0 {
				return mockConfig{}, errors.New("invalid --delay-ms")
			}
			cfg.delay = time.Duration(val) * time.Millisecond
			args = args[2:]
		case "--seed":
			if len(args) < 2 {
				return mockConfig{}, errors.New("--seed requires a value")
			}
			val, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return mockConfig{}, fmt.Errorf("invalid --seed: %w", err)
			}
			cfg.seed = val
			cfg.seedSet = true
			args = args[2:]
		default:
			return mockConfig{}, fmt.Errorf("unsupported flag: %s", args[0])
		}
	}
	return cfg, nil
}

func hashSeed(parts ...string) uint64 {
	hasher := fnv.New64a()
	for _, part := range parts {
		_, _ = hasher.Write([]byte(part))
	}
	return hasher.Sum64()
}

func mockSessionID(seed uint64) string {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], seed)
	binary.LittleEndian.PutUint64(buf[8:16], seed^0x9e3779b97f4a7c15)
	return "mock-" + hex.EncodeToString(buf[:])
}

func promptText(sub mockSubmission) string {
	var parts []string
	for _, item := range sub.Op.Items {
		if item.Type == "text" && strings.TrimSpace(item.Text) != "" {
			parts = append(parts, item.Text)
		}
	}
	if len(parts) == 0 {
		return "(empty)"
	}
	return strings.Join(parts, " ")
}

// mockTurn bundles what one scripted turn needs: the stdin feed so approval
// scenarios can wait for decisions, and deterministic ids derived from the
// turn counter so tests can pre-queue them.
type mockTurn struct {
	cfg     mockConfig
	w       *bufio.Writer
	turn    int
	sub     string
	prompt  string
	lines   <-chan string
	signals <-chan os.Signal
}

func (t mockTurn) agentID() string {
	return fmt.Sprintf("ev_t%d_a", t.turn)
}

func (t mockTurn) reasoningID() string {
	return fmt.Sprintf("ev_t%d_r", t.turn)
}

func (t mockTurn) callID() string {
	return fmt.Sprintf("call_t%d", t.turn)
}

func (t mockTurn) approvalID() string {
	return fmt.Sprintf("appr_t%d", t.turn)
}

type mockScenario struct {
	name string
	run  func(t mockTurn) error
}

func buildScenarios() []mockScenario {
	return []mockScenario{
		{name: "chat", run: scenarioChat},
		{name: "exec", run: scenarioExec},
		{name: "approval", run: scenarioApproval},
		{name: "plan", run: scenarioPlan},
		{name: "diff", run: scenarioDiff},
		{name: "abort", run: scenarioAbort},
		{name: "failure", run: scenarioFailure},
	}
}

func pickScenario(cfg mockConfig, turn int, scenarios []mockScenario) (mockScenario, error) {
	if cfg.scenario != "" {
		for _, s := range scenarios {
			if s.name == cfg.scenario {
				return s, nil
			}
		}
		return mockScenario{}, fmt.Errorf("unknown scenario: %s", cfg.scenario)
	}
	idx := int((cfg.seed + uint64(turn)) % uint64(len(scenarios)))
	return scenarios[idx], nil
}

func runMockTurn(t mockTurn, scenario mockScenario) error {
	if err := writeProtoEvent(t.w, t.sub, map[string]any{"type": "task_started"}); err != nil {
		return err
	}
	if err := scenario.run(t); err != nil {
		if errors.Is(err, errMockAborted) {
			return nil
		}
		return err
	}
	if err := writeProtoEvent(t.w, t.sub, map[string]any{
		"type":                    "token_count",
		"input_tokens":            len(t.prompt) + 12,
		"cached_input_tokens":     len(t.prompt) / 3,
		"output_tokens":           int(20 + t.cfg.seed%50),
		"reasoning_output_tokens": int(t.cfg.seed % 9),
		"total_tokens":            len(t.prompt) + 32 + int(t.cfg.seed%50),
	}); err != nil {
		return err
	}
	return writeProtoEvent(t.w, t.sub, map[string]any{"type": "task_complete"})
}

func scenarioChat(t mockTurn) error {
	reasoning := []string{"Reading the request. ", "Shaping a short answer."}
	for _, delta := range reasoning {
		if err := t.emit(t.reasoningID(), map[string]any{"type": "reasoning_delta", "delta": delta}); err != nil {
			return err
		}
	}
	if err := t.emit(t.reasoningID(), map[string]any{
		"type": "reasoning_final",
		"text": strings.Join(reasoning, ""),
	}); err != nil {
		return err
	}
	deltas := []string{"Mock response: ", "handled request ", fmt.Sprintf("%q.", t.prompt)}
	for _, delta := range deltas {
		if err := t.emit(t.agentID(), map[string]any{"type": "agent_delta", "delta": delta}); err != nil {
			return err
		}
	}
	return t.emit(t.agentID(), map[string]any{
		"type": "agent_final",
		"text": strings.Join(deltas, ""),
	})
}

func scenarioExec(t mockTurn) error {
	if err := t.emit(t.reasoningID(), map[string]any{
		"type": "reasoning_final",
		"text": "Running a quick directory listing.",
	}); err != nil {
		return err
	}
	if err := t.runExecBlock([]string{"bash", "-lc", "ls"}, []string{"README.md\n", "main.go\n"}, 0); err != nil {
		return err
	}
	return t.emit(t.agentID(), map[string]any{
		"type": "agent_final",
		"text": "Listed the workspace.",
	})
}

func scenarioApproval(t mockTurn) error {
	command := "rm -rf build"
	if t.cfg.approvalPolicy == "never" {
		if err := t.runExecBlock([]string{"bash", "-lc", command}, []string{"removed 'build'\n"}, 0); err != nil {
			return err
		}
		return t.emit(t.agentID(), map[string]any{
			"type": "agent_final",
			"text": "Build directory removed without asking.",
		})
	}
	if err := t.emit(t.approvalID(), map[string]any{
		"type": "approval_request",
		"kind": "exec",
		"details": map[string]any{
			"command": command,
			"cwd":     t.cfg.cwdOrDefault(),
		},
	}); err != nil {
		return err
	}
	decision, err := t.awaitDecision()
	if err != nil {
		return err
	}
	if decision != "allow" {
		return t.emit(t.agentID(), map[string]any{
			"type": "agent_final",
			"text": "Understood, leaving the build directory in place.",
		})
	}
	if err := t.runExecBlock([]string{"bash", "-lc", command}, []string{"removed 'build'\n"}, 0); err != nil {
		return err
	}
	return t.emit(t.agentID(), map[string]any{
		"type": "agent_final",
		"text": "Build directory removed.",
	})
}

func scenarioPlan(t mockTurn) error {
	if err := t.emit(t.sub, map[string]any{
		"type": "plan_update",
		"plan": []map[string]any{
			{"step": "Survey the repo", "status": "completed"},
			{"step": "Draft the change", "status": "in_progress"},
			{"step": "Verify", "status": "pending"},
		},
	}); err != nil {
		return err
	}
	if err := t.emit(t.sub, map[string]any{
		"type": "plan_update",
		"plan": []map[string]any{
			{"step": "Survey the repo", "status": "completed"},
			{"step": "Draft the change", "status": "completed"},
			{"step": "Verify", "status": "completed"},
		},
	}); err != nil {
		return err
	}
	return t.emit(t.agentID(), map[string]any{
		"type": "agent_final",
		"text": "All plan steps complete.",
	})
}

func scenarioDiff(t mockTurn) error {
	diff := "--- a/README.md\n+++ b/README.md\n@@ -1 +1,2 @@\n # demo\n+One more line.\n"
	if err := t.emit(t.sub, map[string]any{"type": "diff", "unified_diff": diff}); err != nil {
		return err
	}
	// The feed restates diffs; the duplicate must collapse downstream.
	if err := t.emit(t.sub, map[string]any{"type": "diff", "unified_diff": diff}); err != nil {
		return err
	}
	if err := t.emit(t.sub, map[string]any{"type": "patch_apply_begin"}); err != nil {
		return err
	}
	if err := t.emit(t.sub, map[string]any{"type": "patch_apply_end", "success": true}); err != nil {
		return err
	}
	return t.emit(t.agentID(), map[string]any{
		"type": "agent_final",
		"text": "Updated the README.",
	})
}

func scenarioAbort(t mockTurn) error {
	if err := t.emit(t.agentID(), map[string]any{
		"type":  "agent_delta",
		"delta": "Starting a long answer that stops midw",
	}); err != nil {
		return err
	}
	if err := t.emit(t.sub, map[string]any{"type": "turn_aborted"}); err != nil {
		return err
	}
	return errMockAborted
}

func scenarioFailure(t mockTurn) error {
	if err := t.emit(t.reasoningID(), map[string]any{
		"type": "reasoning_final",
		"text": "Attempting an operation that will fail.",
	}); err != nil {
		return err
	}
	return t.emit(t.sub, map[string]any{
		"type":    "error",
		"message": "mock failure: simulated stream error",
	})
}

// emit writes one event under the given envelope id, then applies the
// configured inter-event delay.
func (t mockTurn) emit(id string, msg map[string]any) error {
	if err := writeProtoEvent(t.w, id, msg); err != nil {
		return err
	}
	if t.cfg.delay > 0 {
		time.Sleep(t.cfg.delay)
	}
	return nil
}

func (t mockTurn) runExecBlock(command []string, chunks []string, exitCode int) error {
	callID := t.callID()
	if err := t.emit(callID, map[string]any{
		"type":    "exec_begin",
		"call_id": callID,
		"command": command,
		"cwd":     t.cfg.cwdOrDefault(),
	}); err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := t.emit(callID, map[string]any{
			"type":    "exec_output_delta",
			"call_id": callID,
			"stream":  "stdout",
			"chunk":   chunkOf(chunk),
		}); err != nil {
			return err
		}
	}
	return t.emit(callID, map[string]any{
		"type":      "exec_end",
		"call_id":   callID,
		"exit_code": exitCode,
	})
}

// awaitDecision blocks on the feed until the turn's approval is answered.
// Interrupts abort the turn; shutdown is honored mid-wait.
func (t mockTurn) awaitDecision() (string, error) {
	for {
		select {
		case sig := <-t.signals:
			if err := emitSignalError(t.w, sig); err != nil {
				return "", err
			}
			return "", errMockShutdown
		case line, ok := <-t.lines:
			if !ok {
				return "", errMockShutdown
			}
			var sub mockSubmission
			if err := json.Unmarshal([]byte(line), &sub); err != nil {
				continue
			}
			switch sub.Op.Type {
			case "exec_approval", "patch_approval":
				if sub.Op.ID != t.approvalID() {
					continue
				}
				return sub.Op.Decision, nil
			case "interrupt":
				if err := writeProtoEvent(t.w, sub.ID, map[string]any{"type": "turn_aborted"}); err != nil {
					return "", err
				}
				return "", errMockAborted
			case "shutdown":
				if err := writeProtoEvent(t.w, sub.ID, map[string]any{"type": "shutdown_complete"}); err != nil {
					return "", err
				}
				return "", errMockShutdown
			}
		}
	}
}

func chunkOf(text string) []int {
	out := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int(text[i])
	}
	return out
}

func writeProtoEvent(w *bufio.Writer, id string, msg map[string]any) error {
	return writeEvent(w, map[string]any{"id": id, "msg": msg})
}

func writeEvent(w *bufio.Writer, event map[string]any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.WriteString("\n"); err != nil {
		return err
	}
	return w.Flush()
}

func emitSignalError(w *bufio.Writer, sig os.Signal) error {
	msg := fmt.Sprintf("mock received %s", sig)
	return writeProtoEvent(w, "ev_signal", map[string]any{
		"type":    "error",
		"message": msg,
	})
}
