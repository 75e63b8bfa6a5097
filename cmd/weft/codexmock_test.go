package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"pkt.systems/weft/schema"
)

func runMock(t *testing.T, args []string, subs ...string) []schema.Event {
	t.Helper()
	var in bytes.Buffer
	for _, sub := range subs {
		in.WriteString(sub + "\n")
	}
	var out, errOut bytes.Buffer
	if err := runCodexMock(args, &in, &out, &errOut); err != nil {
		t.Fatalf("runCodexMock: %v (stderr %q)", err, errOut.String())
	}
	var events []schema.Event
	scanner := bufio.NewScanner(&out)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMockLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev schema.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func userInputSub(id, text string) string {
	return fmt.Sprintf(`{"id":%q,"op":{"type":"user_input","items":[{"type":"text","text":%q}]}}`, id, text)
}

func shutdownSub(id string) string {
	return fmt.Sprintf(`{"id":%q,"op":{"type":"shutdown"}}`, id)
}

func execApprovalSub(id, approval, decision string) string {
	return fmt.Sprintf(`{"id":%q,"op":{"type":"exec_approval","id":%q,"decision":%q}}`, id, approval, decision)
}

func findEvents(events []schema.Event, tag schema.EventTag) []schema.Event {
	var out []schema.Event
	for _, ev := range events {
		if ev.Msg.Type == tag {
			out = append(out, ev)
		}
	}
	return out
}

func TestParseMockArgsOverrides(t *testing.T) {
	cfg, err := parseMockArgs([]string{
		"proto",
		"-c", "model=gpt-5.2-codex",
		"-c", "approval_policy=never",
		"-c", "sandbox_mode=workspace-write",
		"-c", "cwd=/work",
		"-c", "show_raw_agent_reasoning=true",
		"--scenario", "chat",
		"--delay-ms", "0",
		"--seed", "7",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.model != "gpt-5.2-codex" {
		t.Fatalf("model = %q", cfg.model)
	}
	if cfg.approvalPolicy != "never" {
		t.Fatalf("approval policy = %q", cfg.approvalPolicy)
	}
	if cfg.cwd != "/work" {
		t.Fatalf("cwd = %q", cfg.cwd)
	}
	if cfg.scenario != "chat" {
		t.Fatalf("scenario = %q", cfg.scenario)
	}
	if cfg.delay != 0 {
		t.Fatalf("delay = %v", cfg.delay)
	}
	if !cfg.seedSet || cfg.seed != 7 {
		t.Fatalf("seed = %d set=%v", cfg.seed, cfg.seedSet)
	}
}

func TestParseMockArgsRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "empty", args: nil},
		{name: "wrong-command", args: []string{"exec", "--json"}},
		{name: "bad-override", args: []string{"proto", "-c", "model"}},
		{name: "unknown-flag", args: []string{"proto", "--bogus"}},
		{name: "bad-delay", args: []string{"proto", "--delay-ms", "-5"}},
	}
	for _, tc := range tests {
		if _, err := parseMockArgs(tc.args); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseMockArgsDefaultDelay(t *testing.T) {
	cfg, err := parseMockArgs([]string{"proto"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.delay != 30*time.Millisecond {
		t.Fatalf("default delay = %v", cfg.delay)
	}
}

func TestRunCodexMockChatTurn(t *testing.T) {
	events := runMock(t,
		[]string{"proto", "-c", "model=mock-1", "--scenario", "chat", "--delay-ms", "0"},
		userInputSub("sub-1", "hello"),
		shutdownSub("sub-2"),
	)
	if len(events) == 0 {
		t.Fatalf("no events emitted")
	}
	first := events[0]
	if first.Msg.Type != schema.EventSessionEstablished {
		t.Fatalf("first event = %s", first.Msg.Type)
	}
	if !strings.HasPrefix(string(first.Msg.SessionID), "mock-") {
		t.Fatalf("session id = %q", first.Msg.SessionID)
	}
	if first.Msg.Model != "mock-1" {
		t.Fatalf("model = %q", first.Msg.Model)
	}

	started := findEvents(events, schema.EventTaskStarted)
	if len(started) != 1 || started[0].ID != "sub-1" {
		t.Fatalf("task_started = %+v", started)
	}

	deltas := findEvents(events, schema.EventAgentDelta)
	if len(deltas) == 0 {
		t.Fatalf("no agent deltas")
	}
	var joined strings.Builder
	for _, delta := range deltas {
		if delta.ID != deltas[0].ID {
			t.Fatalf("agent deltas span ids %q and %q", deltas[0].ID, delta.ID)
		}
		joined.WriteString(delta.Msg.Delta)
	}
	finals := findEvents(events, schema.EventAgentFinal)
	if len(finals) != 1 {
		t.Fatalf("agent finals = %d", len(finals))
	}
	if finals[0].ID != deltas[0].ID {
		t.Fatalf("final id %q does not match delta id %q", finals[0].ID, deltas[0].ID)
	}
	if finals[0].Msg.Text != joined.String() {
		t.Fatalf("final text %q != joined deltas %q", finals[0].Msg.Text, joined.String())
	}

	usage := findEvents(events, schema.EventTokenCount)
	if len(usage) != 1 {
		t.Fatalf("token counts = %d", len(usage))
	}
	if usage[0].Msg.InputTokens != len("hello")+12 {
		t.Fatalf("input tokens = %d", usage[0].Msg.InputTokens)
	}
	if len(findEvents(events, schema.EventTaskComplete)) != 1 {
		t.Fatalf("expected one task_complete")
	}

	last := events[len(events)-1]
	if last.Msg.Type != schema.EventShutdownComplete || last.ID != "sub-2" {
		t.Fatalf("last event = %+v", last)
	}
}

func TestRunCodexMockApprovalAllowRunsExec(t *testing.T) {
	events := runMock(t,
		[]string{"proto", "--scenario", "approval", "--delay-ms", "0"},
		userInputSub("sub-1", "clean the build dir"),
		execApprovalSub("sub-2", "appr_t1", "allow"),
		shutdownSub("sub-3"),
	)
	requests := findEvents(events, schema.EventApprovalRequest)
	if len(requests) != 1 {
		t.Fatalf("approval requests = %d", len(requests))
	}
	req := requests[0]
	if req.ID != "appr_t1" {
		t.Fatalf("approval id = %q", req.ID)
	}
	if req.Msg.Kind != schema.ApprovalExec {
		t.Fatalf("approval kind = %q", req.Msg.Kind)
	}
	if req.Msg.Details == nil || req.Msg.Details.Command != "rm -rf build" {
		t.Fatalf("approval details = %+v", req.Msg.Details)
	}

	begins := findEvents(events, schema.EventExecBegin)
	if len(begins) != 1 || begins[0].Msg.CallID != "call_t1" {
		t.Fatalf("exec begins = %+v", begins)
	}
	outputs := findEvents(events, schema.EventExecOutputDelta)
	if len(outputs) != 1 {
		t.Fatalf("exec outputs = %d", len(outputs))
	}
	if got := schema.ChunkText(outputs[0].Msg.Chunk); got != "removed 'build'\n" {
		t.Fatalf("exec chunk = %q", got)
	}
	ends := findEvents(events, schema.EventExecEnd)
	if len(ends) != 1 || ends[0].Msg.ExitCode == nil || *ends[0].Msg.ExitCode != 0 {
		t.Fatalf("exec ends = %+v", ends)
	}
	if len(findEvents(events, schema.EventTaskComplete)) != 1 {
		t.Fatalf("expected one task_complete")
	}
}

func TestRunCodexMockApprovalDenySkipsExec(t *testing.T) {
	events := runMock(t,
		[]string{"proto", "--scenario", "approval", "--delay-ms", "0"},
		userInputSub("sub-1", "clean the build dir"),
		execApprovalSub("sub-2", "appr_t1", "deny"),
		shutdownSub("sub-3"),
	)
	if len(findEvents(events, schema.EventExecBegin)) != 0 {
		t.Fatalf("denied approval still ran the command")
	}
	finals := findEvents(events, schema.EventAgentFinal)
	if len(finals) != 1 || !strings.Contains(finals[0].Msg.Text, "leaving") {
		t.Fatalf("agent finals = %+v", finals)
	}
	if len(findEvents(events, schema.EventTaskComplete)) != 1 {
		t.Fatalf("expected one task_complete")
	}
}

func TestRunCodexMockApprovalNeverPolicySkipsRequest(t *testing.T) {
	events := runMock(t,
		[]string{"proto", "-c", "approval_policy=never", "--scenario", "approval", "--delay-ms", "0"},
		userInputSub("sub-1", "clean the build dir"),
		shutdownSub("sub-2"),
	)
	if len(findEvents(events, schema.EventApprovalRequest)) != 0 {
		t.Fatalf("policy never still asked for approval")
	}
	if len(findEvents(events, schema.EventExecBegin)) != 1 {
		t.Fatalf("expected the command to run without asking")
	}
}

func TestRunCodexMockAbortScenario(t *testing.T) {
	events := runMock(t,
		[]string{"proto", "--scenario", "abort", "--delay-ms", "0"},
		userInputSub("sub-1", "long answer"),
		shutdownSub("sub-2"),
	)
	if len(findEvents(events, schema.EventTurnAborted)) != 1 {
		t.Fatalf("expected one turn_aborted")
	}
	if len(findEvents(events, schema.EventTaskComplete)) != 0 {
		t.Fatalf("aborted turn must not complete")
	}
	last := events[len(events)-1]
	if last.Msg.Type != schema.EventShutdownComplete {
		t.Fatalf("last event = %s", last.Msg.Type)
	}
}

func TestRunCodexMockInterruptBetweenTurns(t *testing.T) {
	events := runMock(t,
		[]string{"proto", "--delay-ms", "0"},
		`{"id":"sub-1","op":{"type":"interrupt"}}`,
		shutdownSub("sub-2"),
	)
	aborted := findEvents(events, schema.EventTurnAborted)
	if len(aborted) != 1 || aborted[0].ID != "sub-1" {
		t.Fatalf("turn_aborted = %+v", aborted)
	}
}

func TestRunCodexMockDiffDeduplicates(t *testing.T) {
	events := runMock(t,
		[]string{"proto", "--scenario", "diff", "--delay-ms", "0"},
		userInputSub("sub-1", "touch up the readme"),
		shutdownSub("sub-2"),
	)
	diffs := findEvents(events, schema.EventDiff)
	if len(diffs) != 2 {
		t.Fatalf("diff events = %d, want the deliberate duplicate", len(diffs))
	}
	if diffs[0].Msg.UnifiedDiff != diffs[1].Msg.UnifiedDiff {
		t.Fatalf("duplicate diffs differ")
	}
	applies := findEvents(events, schema.EventPatchApplyEnd)
	if len(applies) != 1 || applies[0].Msg.Success == nil || !*applies[0].Msg.Success {
		t.Fatalf("patch apply end = %+v", applies)
	}
}

func TestMockSessionIDDeterministic(t *testing.T) {
	if mockSessionID(7) != mockSessionID(7) {
		t.Fatalf("same seed must give the same session id")
	}
	if mockSessionID(7) == mockSessionID(8) {
		t.Fatalf("different seeds must give different session ids")
	}
	if !strings.HasPrefix(mockSessionID(7), "mock-") {
		t.Fatalf("session id = %q", mockSessionID(7))
	}
}
