package transcript

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/weft/schema"
)

const testConv = schema.ConversationID("conv-1")

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.StateDir == "" {
		opts.StateDir = t.TempDir()
	}
	store, err := NewStore(opts)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func agentEntry(id, content string) schema.TranscriptEntry {
	return schema.TranscriptEntry{
		ID:        schema.EntryID(id),
		Kind:      schema.EntryAgent,
		Content:   content,
		CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestStoreAppendUpdateAndRead(t *testing.T) {
	store := newTestStore(t, Options{})

	store.AppendEntry(testConv, agentEntry("e1", "one"))
	store.AppendEntry(testConv, agentEntry("e2", "two"))
	store.AppendEntry(testConv, agentEntry("e3", "three"))

	content := "two updated"
	streaming := true
	store.UpdateEntry(testConv, "e2", schema.EntryPatch{Content: &content, Streaming: &streaming})

	entries, err := store.Entries(testConv, 0)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[1].Content != "two updated" || !entries[1].Streaming {
		t.Fatalf("unexpected updated entry: %+v", entries[1])
	}

	tail, err := store.Entries(testConv, 2)
	if err != nil {
		t.Fatalf("Entries limit: %v", err)
	}
	if len(tail) != 2 || tail[0].ID != "e2" || tail[1].ID != "e3" {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	if _, err := store.Entries("nope", 0); !errors.Is(err, schema.ErrConversationNotFound) {
		t.Fatalf("expected conversation not found, got %v", err)
	}

	if store.Loading(testConv) {
		t.Fatalf("expected loading false")
	}
	store.SetLoading(testConv, true)
	if !store.Loading(testConv) {
		t.Fatalf("expected loading true")
	}
}

func TestStoreTrimsOldestPastCap(t *testing.T) {
	store := newTestStore(t, Options{MaxEntries: 3})

	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		store.AppendEntry(testConv, agentEntry(id, id))
	}

	entries, err := store.Entries(testConv, 0)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].ID != "e3" || entries[2].ID != "e5" {
		t.Fatalf("unexpected window: %+v", entries)
	}

	// Trimmed id: the update has nothing to patch and must not resurrect it.
	content := "ghost"
	store.UpdateEntry(testConv, "e1", schema.EntryPatch{Content: &content})
	entries, err = store.Entries(testConv, 0)
	if err != nil {
		t.Fatalf("Entries after miss: %v", err)
	}
	if len(entries) != 3 || entries[0].ID != "e3" {
		t.Fatalf("unexpected entries after miss: %+v", entries)
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, Options{StateDir: dir})

	store.AppendEntry(testConv, agentEntry("e1", "hello"))
	store.AppendEntry(testConv, agentEntry("e2", "world"))
	store.SetLoading(testConv, true)
	store.AppendEntry("conv-2", agentEntry("e9", "other"))
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := newTestStore(t, Options{StateDir: dir})
	entries, err := reopened.Entries(testConv, 0)
	if err != nil {
		t.Fatalf("Entries after reload: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "e1" || entries[1].Content != "world" {
		t.Fatalf("unexpected reloaded entries: %+v", entries)
	}
	if !entries[0].CreatedAt.Equal(agentEntry("e1", "hello").CreatedAt) {
		t.Fatalf("unexpected reloaded timestamp: %v", entries[0].CreatedAt)
	}
	if reopened.Loading(testConv) {
		t.Fatalf("loading flag must not survive a reload")
	}
	other, err := reopened.Entries("conv-2", 0)
	if err != nil || len(other) != 1 {
		t.Fatalf("unexpected second conversation: %v %v", other, err)
	}
}

func TestStoreEncryptedSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, Options{StateDir: dir, Encrypt: true})

	store.AppendEntry(testConv, agentEntry("e1", "super secret transcript line"))
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "keystore")); err != nil {
		t.Fatalf("expected keystore file: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, encryptedSnapshotFile))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if bytes.Contains(raw, []byte("super secret transcript line")) {
		t.Fatalf("snapshot stored in plaintext")
	}

	reopened := newTestStore(t, Options{StateDir: dir, Encrypt: true})
	entries, err := reopened.Entries(testConv, 0)
	if err != nil {
		t.Fatalf("Entries after reload: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "super secret transcript line" {
		t.Fatalf("unexpected reloaded entries: %+v", entries)
	}
}

func TestStoreDebouncedSaveFlushes(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, Options{StateDir: dir, SaveDelay: 20 * time.Millisecond})

	store.AppendEntry(testConv, agentEntry("e1", "one"))
	store.AppendEntry(testConv, agentEntry("e2", "two"))

	path := filepath.Join(dir, plainSnapshotFile)
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil && bytes.Contains(data, []byte(`"e2"`)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never caught up (err=%v)", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	reopened := newTestStore(t, Options{StateDir: dir})
	entries, err := reopened.Entries(testConv, 0)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected both entries in snapshot, got %+v", entries)
	}
}

func TestStoreCorruptSnapshotStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, plainSnapshotFile), []byte("not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt snapshot: %v", err)
	}

	store := newTestStore(t, Options{StateDir: dir})
	if _, err := store.Entries(testConv, 0); !errors.Is(err, schema.ErrConversationNotFound) {
		t.Fatalf("expected empty store, got %v", err)
	}
}

func TestStoreRejectsMissingStateDir(t *testing.T) {
	if _, err := NewStore(Options{}); err == nil {
		t.Fatalf("expected error for missing state dir")
	}
}
