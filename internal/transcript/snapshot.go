package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"pkt.systems/weft/schema"
)

const snapshotVersion = 1

type snapshot struct {
	Version       int                    `json:"version"`
	Conversations []conversationSnapshot `json:"conversations"`
}

type conversationSnapshot struct {
	ID      schema.ConversationID    `json:"id"`
	Entries []schema.TranscriptEntry `json:"entries"`
}

// encodeSnapshot marshals current state under the store mutex; the file IO
// happens outside it.
func (s *Store) encodeSnapshot() ([]byte, int, error) {
	s.mu.Lock()
	snap := snapshot{Version: snapshotVersion}
	for id, c := range s.convs {
		entries := make([]schema.TranscriptEntry, len(c.entries))
		copy(entries, c.entries)
		snap.Conversations = append(snap.Conversations, conversationSnapshot{ID: id, Entries: entries})
	}
	s.mu.Unlock()
	sort.Slice(snap.Conversations, func(i, j int) bool {
		return snap.Conversations[i].ID < snap.Conversations[j].ID
	})
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, 0, err
	}
	return data, len(snap.Conversations), nil
}

func (s *Store) writeSnapshot(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "transcripts-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := s.writeBody(tmp, data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Store) writeBody(file *os.File, data []byte) error {
	if s.crypto == nil {
		_, err := file.Write(data)
		return err
	}
	writer, err := s.crypto.encryptWriter(file)
	if err != nil {
		return err
	}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// load reads the snapshot from disk; a missing file is a fresh start.
func (s *Store) load() error {
	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("transcript snapshot miss")
			}
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()
	var reader io.Reader = file
	if s.crypto != nil {
		dec, err := s.crypto.decryptReader(file)
		if err != nil {
			return err
		}
		defer func() { _ = dec.Close() }()
		reader = dec
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.Version > snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range snap.Conversations {
		entries := c.Entries
		if s.maxEntries > 0 && len(entries) > s.maxEntries {
			entries = entries[len(entries)-s.maxEntries:]
		}
		s.convs[c.ID] = &conversation{entries: entries}
	}
	if s.log != nil {
		s.log.Debug("transcript snapshot load ok", "conversations", len(snap.Conversations))
	}
	return nil
}
