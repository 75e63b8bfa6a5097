package schema

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"
)

// EventTag is the discriminator inside the msg body of an agent event.
type EventTag string

const (
	// EventSessionEstablished announces the backend session id and model.
	EventSessionEstablished EventTag = "session_established"
	// EventTurnStarted marks the start of an agent turn.
	EventTurnStarted EventTag = "turn_started"
	// EventTurnComplete marks the normal end of an agent turn.
	EventTurnComplete EventTag = "turn_complete"
	// EventTurnAborted reports a turn interrupted before completion.
	EventTurnAborted EventTag = "turn_aborted"
	// EventTaskStarted marks the start of a task within the session.
	EventTaskStarted EventTag = "task_started"
	// EventTaskComplete marks the end of a task within the session.
	EventTaskComplete EventTag = "task_complete"
	// EventAgentDelta carries an incremental fragment of assistant output.
	EventAgentDelta EventTag = "agent_delta"
	// EventAgentFinal carries the complete assistant output text.
	EventAgentFinal EventTag = "agent_final"
	// EventReasoningDelta carries an incremental fragment of reasoning text.
	EventReasoningDelta EventTag = "reasoning_delta"
	// EventReasoningFinal carries the complete reasoning text.
	EventReasoningFinal EventTag = "reasoning_final"
	// EventReasoningSectionBreak separates reasoning sections.
	EventReasoningSectionBreak EventTag = "reasoning_section_break"
	// EventDiff carries a unified diff of proposed file changes.
	EventDiff EventTag = "diff"
	// EventExecBegin announces a shell command starting.
	EventExecBegin EventTag = "exec_begin"
	// EventExecOutputDelta carries a chunk of live command output.
	EventExecOutputDelta EventTag = "exec_output_delta"
	// EventExecEnd reports a finished shell command.
	EventExecEnd EventTag = "exec_end"
	// EventPatchApplyBegin announces a patch application starting.
	EventPatchApplyBegin EventTag = "patch_apply_begin"
	// EventPatchApplyEnd reports a finished patch application.
	EventPatchApplyEnd EventTag = "patch_apply_end"
	// EventApprovalRequest asks the client to approve an action.
	EventApprovalRequest EventTag = "approval_request"
	// EventError reports a turn-level error from the agent.
	EventError EventTag = "error"
	// EventTokenCount reports cumulative token usage.
	EventTokenCount EventTag = "token_count"
	// EventPlanUpdate carries the agent's current plan.
	EventPlanUpdate EventTag = "plan_update"
	// EventBackgroundNotice carries an informational message outside any turn.
	EventBackgroundNotice EventTag = "background_event"
	// EventShutdownComplete acknowledges a shutdown submission.
	EventShutdownComplete EventTag = "shutdown_complete"
)

// Event is one line read from the agent's stdout. The envelope id is the
// stream correlation id shared by all deltas and finals of one emission.
type Event struct {
	ID  StreamID        `json:"id"`
	Msg EventPayload    `json:"msg"`
	Raw json.RawMessage `json:"-"`
}

// EventPayload is the tagged msg body. Fields beyond Type are populated per
// tag; unrelated fields stay zero.
type EventPayload struct {
	Type EventTag `json:"type"`

	// session_established
	SessionID         SessionID `json:"session_id,omitempty"`
	Model             ModelID   `json:"model,omitempty"`
	HistoryLogID      int64     `json:"history_log_id,omitempty"`
	HistoryEntryCount int       `json:"history_entry_count,omitempty"`

	// turn_complete, task_complete
	ResponseID       string `json:"response_id,omitempty"`
	LastAgentMessage string `json:"last_agent_message,omitempty"`

	// agent_delta, reasoning_delta
	Delta string `json:"delta,omitempty"`

	// agent_final, reasoning_final
	Text string `json:"text,omitempty"`

	// diff
	UnifiedDiff string `json:"unified_diff,omitempty"`

	// exec_begin, exec_output_delta, exec_end
	CallID   CallID   `json:"call_id,omitempty"`
	Command  []string `json:"command,omitempty"`
	Cwd      string   `json:"cwd,omitempty"`
	Stream   string   `json:"stream,omitempty"`
	Chunk    []int    `json:"chunk,omitempty"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`

	// patch_apply_end
	Success *bool `json:"success,omitempty"`

	// approval_request
	Kind    ApprovalKind     `json:"kind,omitempty"`
	Details *ApprovalDetails `json:"details,omitempty"`

	// error, background_event
	Message string `json:"message,omitempty"`

	// token_count
	InputTokens           int `json:"input_tokens,omitempty"`
	CachedInputTokens     int `json:"cached_input_tokens,omitempty"`
	OutputTokens          int `json:"output_tokens,omitempty"`
	ReasoningOutputTokens int `json:"reasoning_output_tokens,omitempty"`
	TotalTokens           int `json:"total_tokens,omitempty"`

	// plan_update
	Plan []PlanStep `json:"plan,omitempty"`
}

// Usage collects the token_count fields into a TokenUsage.
func (p *EventPayload) Usage() TokenUsage {
	return TokenUsage{
		InputTokens:           p.InputTokens,
		CachedInputTokens:     p.CachedInputTokens,
		OutputTokens:          p.OutputTokens,
		ReasoningOutputTokens: p.ReasoningOutputTokens,
		TotalTokens:           p.TotalTokens,
	}
}

// ApprovalDetails carries the action an approval_request asks about. The
// command arrives pre-joined for display.
type ApprovalDetails struct {
	Command string   `json:"command,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
	Patch   string   `json:"patch,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// ChunkText decodes an exec output chunk into display text. Chunks arrive as
// numeric byte arrays; values outside 0..255 or invalid UTF-8 fall back to a
// comma-joined numeric rendering so no output is dropped.
func ChunkText(chunk []int) string {
	buf := make([]byte, 0, len(chunk))
	ok := true
	for _, v := range chunk {
		if v < 0 || v > 255 {
			ok = false
			break
		}
		buf = append(buf, byte(v))
	}
	if ok && utf8.Valid(buf) {
		return string(buf)
	}
	parts := make([]string, len(chunk))
	for i, v := range chunk {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
