package core

import (
	"context"

	"pkt.systems/weft/schema"
)

// Service is the transport-agnostic API for managing agent sessions and
// their conversation transcripts.
type Service interface {
	OpenSession(ctx context.Context, req schema.OpenSessionRequest) (schema.OpenSessionResponse, error)
	CloseSession(ctx context.Context, req schema.CloseSessionRequest) (schema.CloseSessionResponse, error)
	ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error)
	GetSession(ctx context.Context, req schema.GetSessionRequest) (schema.GetSessionResponse, error)
	SendMessage(ctx context.Context, req schema.SendMessageRequest) (schema.SendMessageResponse, error)
	Interrupt(ctx context.Context, req schema.InterruptRequest) (schema.InterruptResponse, error)
	RespondApproval(ctx context.Context, req schema.RespondApprovalRequest) (schema.RespondApprovalResponse, error)
	GetTranscript(ctx context.Context, req schema.GetTranscriptRequest) (schema.GetTranscriptResponse, error)
	GetUsage(ctx context.Context, req schema.GetUsageRequest) (schema.GetUsageResponse, error)
	ListRecordedSessions(ctx context.Context, req schema.ListRecordedSessionsRequest) (schema.ListRecordedSessionsResponse, error)
}
