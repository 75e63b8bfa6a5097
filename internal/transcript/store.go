package transcript

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

const (
	// DefaultMaxEntries bounds how many entries one conversation retains.
	DefaultMaxEntries = 5000
	// DefaultSaveDelay is the debounce window between a mutation and the
	// snapshot write it triggers.
	DefaultSaveDelay = 2 * time.Second

	plainSnapshotFile     = "transcripts.json"
	encryptedSnapshotFile = "transcripts.enc"
)

// Options configure a transcript store.
type Options struct {
	StateDir   string
	MaxEntries int
	SaveDelay  time.Duration
	Encrypt    bool
	Logger     pslog.Logger
}

// Store keeps per-conversation transcript entries in memory and snapshots
// them to disk. The event-reduction engine is the only writer: distinct
// entry ids commute and a single id is last-write-wins, so one mutex
// suffices and writes carry no error returns.
type Store struct {
	mu         sync.Mutex
	convs      map[schema.ConversationID]*conversation
	maxEntries int
	log        pslog.Logger

	path   string
	crypto *cryptoContext

	saveMu    sync.Mutex
	saveTimer *time.Timer
	saveDelay time.Duration
	closed    bool
}

type conversation struct {
	entries []schema.TranscriptEntry
	loading bool
}

// NewStore prepares the state directory and loads any existing snapshot. A
// corrupt snapshot is logged and skipped rather than blocking startup.
func NewStore(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.StateDir) == "" {
		return nil, errors.New("state directory is required")
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.SaveDelay <= 0 {
		opts.SaveDelay = DefaultSaveDelay
	}
	if err := os.MkdirAll(opts.StateDir, 0o700); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("state_dir", opts.StateDir)
	}
	s := &Store{
		convs:      make(map[schema.ConversationID]*conversation),
		maxEntries: opts.MaxEntries,
		log:        logger,
		saveDelay:  opts.SaveDelay,
	}
	name := plainSnapshotFile
	if opts.Encrypt {
		crypto, err := newCryptoContext(opts.StateDir)
		if err != nil {
			return nil, err
		}
		s.crypto = crypto
		name = encryptedSnapshotFile
	}
	s.path = filepath.Join(opts.StateDir, name)
	if err := s.load(); err != nil {
		if s.log != nil {
			s.log.Warn("transcript snapshot load failed", "err", err)
		}
	}
	return s, nil
}

// EnsureConversation creates the conversation if it does not exist.
func (s *Store) EnsureConversation(conv schema.ConversationID) {
	s.mu.Lock()
	_, existed := s.convs[conv]
	if !existed {
		s.convs[conv] = &conversation{}
	}
	s.mu.Unlock()
	if !existed {
		s.scheduleSave()
	}
}

// AppendEntry adds one entry, trimming the oldest past the cap.
func (s *Store) AppendEntry(conv schema.ConversationID, entry schema.TranscriptEntry) {
	s.mu.Lock()
	c := s.conversationLocked(conv)
	c.entries = append(c.entries, entry)
	if s.maxEntries > 0 && len(c.entries) > s.maxEntries {
		trim := len(c.entries) - s.maxEntries
		c.entries = c.entries[trim:]
	}
	s.mu.Unlock()
	s.scheduleSave()
}

// UpdateEntry patches an entry in place. Updates almost always target recent
// entries, so the scan runs backwards; an id trimmed past the cap is logged
// and dropped.
func (s *Store) UpdateEntry(conv schema.ConversationID, id schema.EntryID, patch schema.EntryPatch) {
	s.mu.Lock()
	found := false
	if c, ok := s.convs[conv]; ok {
		for i := len(c.entries) - 1; i >= 0; i-- {
			if c.entries[i].ID != id {
				continue
			}
			if patch.Content != nil {
				c.entries[i].Content = *patch.Content
			}
			if patch.Streaming != nil {
				c.entries[i].Streaming = *patch.Streaming
			}
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		if s.log != nil {
			s.log.Debug("transcript update miss", "conversation", conv, "entry", id)
		}
		return
	}
	s.scheduleSave()
}

// SetLoading flips the conversation's loading flag. The flag is transient
// and never persisted.
func (s *Store) SetLoading(conv schema.ConversationID, loading bool) {
	s.mu.Lock()
	s.conversationLocked(conv).loading = loading
	s.mu.Unlock()
}

func (s *Store) conversationLocked(conv schema.ConversationID) *conversation {
	c, ok := s.convs[conv]
	if !ok {
		c = &conversation{}
		s.convs[conv] = c
	}
	return c
}

// Entries returns a copy of the conversation's entries, the newest limit
// entries when limit is positive.
func (s *Store) Entries(conv schema.ConversationID, limit int) ([]schema.TranscriptEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conv]
	if !ok {
		return nil, schema.ErrConversationNotFound
	}
	entries := c.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]schema.TranscriptEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// Loading reports the conversation's loading flag.
func (s *Store) Loading(conv schema.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conv]
	return ok && c.loading
}

// scheduleSave arms the debounce timer; mutations while armed coalesce into
// the pending save.
func (s *Store) scheduleSave() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.closed || s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(s.saveDelay, s.flushSave)
}

func (s *Store) flushSave() {
	s.saveMu.Lock()
	s.saveTimer = nil
	closed := s.closed
	s.saveMu.Unlock()
	if closed {
		return
	}
	if err := s.Save(); err != nil && s.log != nil {
		s.log.Warn("transcript save failed", "err", err)
	}
}

// Save writes the snapshot now.
func (s *Store) Save() error {
	data, count, err := s.encodeSnapshot()
	if err != nil {
		if s.log != nil {
			s.log.Warn("transcript save failed", "err", err)
		}
		return err
	}
	if err := s.writeSnapshot(data); err != nil {
		if s.log != nil {
			s.log.Warn("transcript save failed", "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("transcript save ok", "conversations", count)
	}
	return nil
}

// Close stops the debounce timer and writes a final snapshot.
func (s *Store) Close() error {
	s.saveMu.Lock()
	if s.closed {
		s.saveMu.Unlock()
		return nil
	}
	s.closed = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.saveMu.Unlock()
	return s.Save()
}
