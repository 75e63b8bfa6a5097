package schema

import "time"

// ConversationID identifies a conversation in the transcript store.
type ConversationID string

// SessionID identifies an agent backend session once established.
type SessionID string

// EntryID identifies a transcript entry.
type EntryID string

// StreamID is the correlation id shared by all deltas and finals of one emission.
type StreamID string

// CallID identifies one shell execution within a turn.
type CallID string

// SubmissionID identifies a submission sent to the agent.
type SubmissionID string

// ApprovalID identifies an approval request awaiting a decision.
type ApprovalID string

// ModelID identifies an LLM model.
type ModelID string

// ChannelKind separates the three independent stream namespaces.
type ChannelKind string

const (
	// ChannelAgent carries assistant output text.
	ChannelAgent ChannelKind = "agent"
	// ChannelReasoning carries reasoning text.
	ChannelReasoning ChannelKind = "reasoning"
	// ChannelExec carries shell execution output.
	ChannelExec ChannelKind = "exec"
)

// EntryKind classifies a transcript entry for the UI.
type EntryKind string

const (
	// EntryUser is a user message.
	EntryUser EntryKind = "user"
	// EntryAgent is assistant output.
	EntryAgent EntryKind = "agent"
	// EntryReasoning is reasoning output.
	EntryReasoning EntryKind = "reasoning"
	// EntryExec is shell execution output.
	EntryExec EntryKind = "exec"
	// EntryDiff is a unified diff.
	EntryDiff EntryKind = "diff"
	// EntrySystem is an engine-generated notice.
	EntrySystem EntryKind = "system"
)

// TranscriptEntry is one row of a conversation transcript.
type TranscriptEntry struct {
	ID        EntryID   `json:"id"`
	Kind      EntryKind `json:"kind"`
	Content   string    `json:"content"`
	Streaming bool      `json:"streaming,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EntryPatch carries partial updates for an existing transcript entry.
type EntryPatch struct {
	Content   *string `json:"content,omitempty"`
	Streaming *bool   `json:"streaming,omitempty"`
}

// ApprovalKind distinguishes approval request variants.
type ApprovalKind string

const (
	// ApprovalExec requests permission to run a command.
	ApprovalExec ApprovalKind = "exec"
	// ApprovalPatch requests permission to apply a patch.
	ApprovalPatch ApprovalKind = "patch"
)

// ApprovalDecision is the client's answer to an approval request.
type ApprovalDecision string

const (
	// DecisionApprove allows the requested action.
	DecisionApprove ApprovalDecision = "approve"
	// DecisionDeny rejects the requested action.
	DecisionDeny ApprovalDecision = "deny"
)

// ApprovalRequest is handed to the approval collaborator; the engine does not retain it.
type ApprovalRequest struct {
	ID      ApprovalID   `json:"id"`
	Kind    ApprovalKind `json:"kind"`
	Command string       `json:"command,omitempty"`
	Cwd     string       `json:"cwd,omitempty"`
	Patch   string       `json:"patch,omitempty"`
	Files   []string     `json:"files,omitempty"`
}

// TokenUsage captures token counters reported by the agent.
type TokenUsage struct {
	InputTokens           int `json:"input_tokens,omitempty"`
	CachedInputTokens     int `json:"cached_input_tokens,omitempty"`
	OutputTokens          int `json:"output_tokens,omitempty"`
	ReasoningOutputTokens int `json:"reasoning_output_tokens,omitempty"`
	TotalTokens           int `json:"total_tokens,omitempty"`
}

// PlanStep is one step of an agent plan update.
type PlanStep struct {
	Step   string `json:"step"`
	Status string `json:"status"`
}

// SessionState describes the lifecycle of a live session.
type SessionState string

const (
	// SessionStarting means the agent process is launching.
	SessionStarting SessionState = "starting"
	// SessionReady means the backend session is established.
	SessionReady SessionState = "ready"
	// SessionClosed means the agent process has gone away.
	SessionClosed SessionState = "closed"
)

// SessionSnapshot is a point-in-time view of a live session.
type SessionSnapshot struct {
	Conversation ConversationID `json:"conversation"`
	Session      SessionID      `json:"session,omitempty"`
	Model        ModelID        `json:"model,omitempty"`
	Cwd          string         `json:"cwd,omitempty"`
	State        SessionState   `json:"state"`
	TurnActive   bool           `json:"turn_active"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RecordedSession summarizes a session transcript file recorded by the agent.
type RecordedSession struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Cwd       string    `json:"cwd,omitempty"`
	Model     string    `json:"model,omitempty"`
	Preview   string    `json:"preview,omitempty"`
}
