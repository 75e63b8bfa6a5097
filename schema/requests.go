package schema

// Session lifecycle.

// OpenSessionRequest describes a request to open an agent session.
type OpenSessionRequest struct {
	Model          ModelID
	Cwd            string
	ApprovalPolicy ApprovalPolicy
	SandboxMode    SandboxMode
	Provider       string
}

// OpenSessionResponse reports the opened session snapshot.
type OpenSessionResponse struct {
	Session SessionSnapshot
}

// CloseSessionRequest describes a request to close an agent session.
type CloseSessionRequest struct {
	Conversation ConversationID
}

// CloseSessionResponse reports the final session snapshot.
type CloseSessionResponse struct {
	Session SessionSnapshot
}

// ListSessionsRequest describes a request to list live sessions.
type ListSessionsRequest struct{}

// ListSessionsResponse reports snapshots of all live sessions.
type ListSessionsResponse struct {
	Sessions []SessionSnapshot
}

// GetSessionRequest describes a request to fetch one session snapshot.
type GetSessionRequest struct {
	Conversation ConversationID
}

// GetSessionResponse reports the session snapshot.
type GetSessionResponse struct {
	Session SessionSnapshot
}

// Messaging.

// SendMessageRequest describes a user message submission.
type SendMessageRequest struct {
	Conversation ConversationID
	Text         string
	ImagePaths   []string
}

// SendMessageResponse reports the appended user entry and the submission id.
type SendMessageResponse struct {
	Entry      TranscriptEntry
	Submission SubmissionID
}

// InterruptRequest describes a request to abort the in-flight turn.
type InterruptRequest struct {
	Conversation ConversationID
}

// InterruptResponse reports the submission id of the interrupt.
type InterruptResponse struct {
	Submission SubmissionID
}

// Approvals.

// RespondApprovalRequest describes an answer to a pending approval request.
type RespondApprovalRequest struct {
	Conversation ConversationID
	Approval     ApprovalID
	Kind         ApprovalKind
	Decision     ApprovalDecision
}

// RespondApprovalResponse reports the submission id of the answer.
type RespondApprovalResponse struct {
	Submission SubmissionID
}

// Transcript and usage.

// GetTranscriptRequest describes a request to fetch transcript entries.
type GetTranscriptRequest struct {
	Conversation ConversationID
	Limit        int
}

// GetTranscriptResponse reports transcript entries, oldest first.
type GetTranscriptResponse struct {
	Entries []TranscriptEntry
	Loading bool
}

// GetUsageRequest describes a request to fetch the latest token usage.
type GetUsageRequest struct {
	Conversation ConversationID
}

// GetUsageResponse reports the last observed token usage.
type GetUsageResponse struct {
	Usage TokenUsage
}

// Recorded sessions.

// ListRecordedSessionsRequest describes a request to list recorded session files.
type ListRecordedSessionsRequest struct {
	Limit int
}

// ListRecordedSessionsResponse reports recorded sessions, newest first.
type ListRecordedSessionsResponse struct {
	Sessions []RecordedSession
}
