package core

import "pkt.systems/weft/schema"

// EventSink receives transcript and session events from the core service.
type EventSink interface {
	OnEntry(event schema.EntryEvent)
	OnLoading(event schema.LoadingEvent)
	OnApproval(event schema.ApprovalEvent)
	OnSession(event schema.SessionEvent)
	OnUsage(event schema.UsageEvent)
	OnPlan(event schema.PlanEvent)
}

// ApprovalSink receives approval requests the agent is blocked on. The
// callback fires exactly once per request, synchronously on the event path;
// queuing and retry are the receiver's concern.
type ApprovalSink interface {
	OnApprovalRequest(conversation schema.ConversationID, req schema.ApprovalRequest)
}
