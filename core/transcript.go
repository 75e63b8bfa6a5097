package core

import (
	"context"

	"pkt.systems/weft/schema"
)

// TranscriptStore owns the durable transcript entries; the engine only
// issues append and update-by-id intents to it. Distinct entry ids are
// commutative and a single id is last-write-wins, so implementations need
// no coordination beyond their own internal locking. Writes carry no error
// returns: the engine has no recovery path for a failed display write, so
// implementations log and move on.
type TranscriptStore interface {
	EnsureConversation(conversation schema.ConversationID)
	AppendEntry(conversation schema.ConversationID, entry schema.TranscriptEntry)
	UpdateEntry(conversation schema.ConversationID, entry schema.EntryID, patch schema.EntryPatch)
	SetLoading(conversation schema.ConversationID, loading bool)
}

// TranscriptReader serves transcript reads for the service API.
type TranscriptReader interface {
	Entries(conversation schema.ConversationID, limit int) ([]schema.TranscriptEntry, error)
	Loading(conversation schema.ConversationID) bool
}

// RecordedSessionLister discovers session transcript files recorded by the
// agent on disk.
type RecordedSessionLister interface {
	List(ctx context.Context, limit int) ([]schema.RecordedSession, error)
}
