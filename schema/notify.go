package schema

// EntryEventType describes what happened to a transcript entry.
type EntryEventType string

const (
	// EntryEventAdded indicates a new entry was appended.
	EntryEventAdded EntryEventType = "added"
	// EntryEventUpdated indicates an existing entry changed.
	EntryEventUpdated EntryEventType = "updated"
)

// EntryEvent announces a transcript entry being added or updated. Added
// events carry the full entry; updated events carry the entry id and kind
// plus the patch that was applied.
type EntryEvent struct {
	Conversation ConversationID
	Type         EntryEventType
	Entry        TranscriptEntry
	Patch        *EntryPatch
}

// LoadingEvent announces the loading indicator flipping for a conversation.
type LoadingEvent struct {
	Conversation ConversationID
	Loading      bool
}

// ApprovalEvent announces an approval request awaiting a decision.
type ApprovalEvent struct {
	Conversation ConversationID
	Request      ApprovalRequest
}

// SessionEvent announces a session lifecycle change.
type SessionEvent struct {
	Conversation ConversationID
	Snapshot     SessionSnapshot
}

// UsageEvent announces updated token usage for a conversation.
type UsageEvent struct {
	Conversation ConversationID
	Usage        TokenUsage
}

// PlanEvent announces the agent's current plan for a conversation.
type PlanEvent struct {
	Conversation ConversationID
	Plan         []PlanStep
}
