package httpapi

import (
	"testing"
	"time"

	"pkt.systems/weft/schema"
)

func entryEvent(conv schema.ConversationID, id schema.EntryID, content string) schema.EntryEvent {
	return schema.EntryEvent{
		Conversation: conv,
		Type:         schema.EntryEventAdded,
		Entry: schema.TranscriptEntry{
			ID:      id,
			Kind:    schema.EntryAgent,
			Content: content,
		},
	}
}

func TestHubAssignsSequenceNumbers(t *testing.T) {
	hub := NewHub(16, nil)
	hub.OnEntry(entryEvent("conv-1", "e1", "one"))
	hub.OnEntry(entryEvent("conv-1", "e2", "two"))

	ch, unsubscribe, seq, history := hub.Subscribe()
	defer unsubscribe()
	if seq != 2 {
		t.Fatalf("expected seq 2, got %d", seq)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history events, got %d", len(history))
	}
	if history[0].Seq != 1 || history[1].Seq != 2 {
		t.Fatalf("unexpected history seqs: %d, %d", history[0].Seq, history[1].Seq)
	}
	if history[0].Type != "entry" || history[0].Entry == nil || history[0].Entry.ID != "e1" {
		t.Fatalf("unexpected first history event: %+v", history[0])
	}

	hub.OnUsage(schema.UsageEvent{Conversation: "conv-1", Usage: schema.TokenUsage{TotalTokens: 7}})
	select {
	case event := <-ch:
		if event.Seq != 3 || event.Type != "usage" {
			t.Fatalf("unexpected live event: %+v", event)
		}
		if event.Usage == nil || event.Usage.TotalTokens != 7 {
			t.Fatalf("unexpected usage payload: %+v", event.Usage)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for live event")
	}
}

func TestHubHistoryRingDropsOldest(t *testing.T) {
	hub := NewHub(2, nil)
	hub.OnEntry(entryEvent("conv-1", "e1", "one"))
	hub.OnEntry(entryEvent("conv-1", "e2", "two"))
	hub.OnEntry(entryEvent("conv-1", "e3", "three"))

	_, unsubscribe, _, history := hub.Subscribe()
	defer unsubscribe()
	if len(history) != 2 {
		t.Fatalf("expected ring of 2, got %d", len(history))
	}
	if history[0].Seq != 2 || history[1].Seq != 3 {
		t.Fatalf("unexpected ring seqs: %d, %d", history[0].Seq, history[1].Seq)
	}
}

func TestReplayAfterFiltersSeen(t *testing.T) {
	hub := NewHub(16, nil)
	hub.OnEntry(entryEvent("conv-1", "e1", "one"))
	hub.OnEntry(entryEvent("conv-1", "e2", "two"))
	hub.OnEntry(entryEvent("conv-1", "e3", "three"))

	_, unsubscribe, _, history := hub.Subscribe()
	defer unsubscribe()
	replay := replayAfter(history, 2)
	if len(replay) != 1 {
		t.Fatalf("expected 1 replayed event, got %d", len(replay))
	}
	if replay[0].Seq != 3 || replay[0].Entry == nil || replay[0].Entry.ID != "e3" {
		t.Fatalf("unexpected replay event: %+v", replay[0])
	}
	if got := replayAfter(history, 0); len(got) != 3 {
		t.Fatalf("expected full history for after=0, got %d", len(got))
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(16, nil)
	ch, unsubscribe, _, _ := hub.Subscribe()
	unsubscribe()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
	// Publishing after unsubscribe must not panic on the closed channel.
	hub.OnEntry(entryEvent("conv-1", "e1", "one"))
}

func TestHubLoadingAndSessionPayloads(t *testing.T) {
	hub := NewHub(16, nil)
	hub.OnLoading(schema.LoadingEvent{Conversation: "conv-1", Loading: true})
	hub.OnSession(schema.SessionEvent{
		Conversation: "conv-1",
		Snapshot:     schema.SessionSnapshot{Conversation: "conv-1", State: schema.SessionReady},
	})

	_, unsubscribe, _, history := hub.Subscribe()
	defer unsubscribe()
	if len(history) != 2 {
		t.Fatalf("expected 2 events, got %d", len(history))
	}
	loading := history[0]
	if loading.Type != "loading" || loading.Loading == nil || !*loading.Loading {
		t.Fatalf("unexpected loading event: %+v", loading)
	}
	session := history[1]
	if session.Type != "session" || session.Session == nil || session.Session.State != schema.SessionReady {
		t.Fatalf("unexpected session event: %+v", session)
	}
}
