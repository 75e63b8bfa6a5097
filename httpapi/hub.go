package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq          uint64                  `json:"seq"`
	Type         string                  `json:"type"`
	Conversation schema.ConversationID   `json:"conversation,omitempty"`
	EntryEvent   string                  `json:"entry_event,omitempty"`
	Entry        *schema.TranscriptEntry `json:"entry,omitempty"`
	Patch        *schema.EntryPatch      `json:"patch,omitempty"`
	Loading      *bool                   `json:"loading,omitempty"`
	Approval     *schema.ApprovalRequest `json:"approval,omitempty"`
	Session      *schema.SessionSnapshot `json:"session,omitempty"`
	Usage        *schema.TokenUsage      `json:"usage,omitempty"`
	Plan         []schema.PlanStep       `json:"plan,omitempty"`
	Snapshot     *SnapshotPayload        `json:"snapshot,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

// SnapshotPayload seeds client state on connect.
type SnapshotPayload struct {
	Sessions []schema.SessionSnapshot `json:"sessions"`
}

// Hub broadcasts service events to SSE subscribers. Every published event
// gets a sequence number and lands in a bounded history ring so reconnecting
// shells can resume from their last seen sequence.
type Hub struct {
	mu          sync.Mutex
	log         pslog.Logger
	seq         uint64
	history     []StreamEvent
	historySize int
	subs        map[chan StreamEvent]struct{}
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int, log pslog.Logger) *Hub {
	if historySize <= 0 {
		historySize = 512
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Hub{
		log:         log,
		historySize: historySize,
		subs:        make(map[chan StreamEvent]struct{}),
	}
}

// OnEntry implements core.EventSink.
func (h *Hub) OnEntry(event schema.EntryEvent) {
	h.log.Trace("hub entry event", "conversation", event.Conversation, "entry_event", event.Type, "entry", event.Entry.ID)
	entry := event.Entry
	h.publish(StreamEvent{
		Type:         "entry",
		Conversation: event.Conversation,
		EntryEvent:   string(event.Type),
		Entry:        &entry,
		Patch:        event.Patch,
		Timestamp:    time.Now(),
	})
}

// OnLoading implements core.EventSink.
func (h *Hub) OnLoading(event schema.LoadingEvent) {
	h.log.Trace("hub loading event", "conversation", event.Conversation, "loading", event.Loading)
	loading := event.Loading
	h.publish(StreamEvent{
		Type:         "loading",
		Conversation: event.Conversation,
		Loading:      &loading,
		Timestamp:    time.Now(),
	})
}

// OnApproval implements core.EventSink.
func (h *Hub) OnApproval(event schema.ApprovalEvent) {
	h.log.Trace("hub approval event", "conversation", event.Conversation, "approval", event.Request.ID, "kind", event.Request.Kind)
	request := event.Request
	h.publish(StreamEvent{
		Type:         "approval",
		Conversation: event.Conversation,
		Approval:     &request,
		Timestamp:    time.Now(),
	})
}

// OnSession implements core.EventSink.
func (h *Hub) OnSession(event schema.SessionEvent) {
	h.log.Trace("hub session event", "conversation", event.Conversation, "state", event.Snapshot.State)
	snapshot := event.Snapshot
	h.publish(StreamEvent{
		Type:         "session",
		Conversation: event.Conversation,
		Session:      &snapshot,
		Timestamp:    time.Now(),
	})
}

// OnUsage implements core.EventSink.
func (h *Hub) OnUsage(event schema.UsageEvent) {
	h.log.Trace("hub usage event", "conversation", event.Conversation, "total", event.Usage.TotalTokens)
	usage := event.Usage
	h.publish(StreamEvent{
		Type:         "usage",
		Conversation: event.Conversation,
		Usage:        &usage,
		Timestamp:    time.Now(),
	})
}

// OnPlan implements core.EventSink.
func (h *Hub) OnPlan(event schema.PlanEvent) {
	h.log.Trace("hub plan event", "conversation", event.Conversation, "steps", len(event.Plan))
	h.publish(StreamEvent{
		Type:         "plan",
		Conversation: event.Conversation,
		Plan:         event.Plan,
		Timestamp:    time.Now(),
	})
}

// Subscribe registers a subscriber. The returned history and sequence are
// consistent with the channel: history holds everything up to seq, the
// channel delivers everything after it.
func (h *Hub) Subscribe() (<-chan StreamEvent, func(), uint64, []StreamEvent) {
	h.mu.Lock()
	ch := make(chan StreamEvent, 256)
	h.subs[ch] = struct{}{}
	history := append([]StreamEvent(nil), h.history...)
	seq := h.seq
	count := len(h.subs)
	h.mu.Unlock()
	h.log.Info("hub subscribe", "subs", count, "history", len(history))
	unsub := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		close(ch)
		remaining := len(h.subs)
		h.mu.Unlock()
		h.log.Info("hub unsubscribe", "subs", remaining)
	}
	return ch, unsub, seq, history
}

func (h *Hub) publish(event StreamEvent) {
	h.mu.Lock()
	h.seq++
	event.Seq = h.seq
	h.history = append(h.history, event)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	// Sends stay under the lock so a concurrent unsubscribe cannot close a
	// channel mid-fanout. They never block: slow subscribers drop.
	dropped := 0
	for sub := range h.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		h.log.Warn("hub event dropped", "type", event.Type, "seq", event.Seq, "dropped", dropped)
	}
}

// replayAfter filters history down to events newer than the given sequence.
func replayAfter(history []StreamEvent, after uint64) []StreamEvent {
	if after == 0 {
		return history
	}
	events := make([]StreamEvent, 0, len(history))
	for _, event := range history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	return events
}
