package core

import (
	"strings"

	"pkt.systems/weft/schema"
)

// streamKey addresses one live stream. Each channel kind owns an independent
// namespace, so the same stream id in two kinds never collides.
type streamKey struct {
	channel schema.ChannelKind
	stream  schema.StreamID
}

// streamEntry tracks the transcript entry a stream writes into and the text
// accumulated so far. The target entry id is assigned once and never changes
// for the lifetime of the stream.
type streamEntry struct {
	entryID schema.EntryID
	buf     strings.Builder
}

// streamTable owns every live streamEntry for one conversation.
type streamTable struct {
	entries map[streamKey]*streamEntry
}

func newStreamTable() *streamTable {
	return &streamTable{entries: make(map[streamKey]*streamEntry)}
}

func (t *streamTable) get(key streamKey) (*streamEntry, bool) {
	entry, ok := t.entries[key]
	return entry, ok
}

// create registers a fresh streamEntry for key, replacing any prior one.
func (t *streamTable) create(key streamKey, entryID schema.EntryID) *streamEntry {
	entry := &streamEntry{entryID: entryID}
	t.entries[key] = entry
	return entry
}

func (t *streamTable) remove(key streamKey) {
	delete(t.entries, key)
}

func (t *streamTable) clear() {
	t.entries = make(map[streamKey]*streamEntry)
}

// open returns the keys of every live stream on the given channel kinds.
func (t *streamTable) open(kinds ...schema.ChannelKind) []streamKey {
	var keys []streamKey
	for key := range t.entries {
		for _, kind := range kinds {
			if key.channel == kind {
				keys = append(keys, key)
				break
			}
		}
	}
	return keys
}
