package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSessionNotFound indicates a requested session could not be found.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed indicates the session's agent process has gone away.
	ErrSessionClosed = errors.New("session closed")
	// ErrConversationNotFound indicates an unknown conversation id.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrEmptyMessage indicates the message text was empty.
	ErrEmptyMessage = errors.New("empty message")
	// ErrUnknownApproval indicates an approval id the agent never asked about.
	ErrUnknownApproval = errors.New("unknown approval")
	// ErrInvalidDecision indicates an unrecognized approval decision.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrAgentUnavailable indicates the agent binary could not be launched.
	ErrAgentUnavailable = errors.New("agent not available")
	// ErrInvalidModel indicates an invalid model identifier.
	ErrInvalidModel = errors.New("invalid model")
	// ErrInvalidSandboxMode indicates an unrecognized sandbox mode.
	ErrInvalidSandboxMode = errors.New("invalid sandbox mode")
)
