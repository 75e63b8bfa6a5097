package codexproto

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/weft/schema"
)

// eventLog appends one JSON record per received feed line for offline
// debugging. Every method tolerates a nil receiver so the log stays optional.
type eventLog struct {
	mu      sync.Mutex
	file    *os.File
	enc     *json.Encoder
	seq     uint64
	session schema.SessionID
}

type eventLogRecord struct {
	TS        string           `json:"ts"`
	Seq       uint64           `json:"seq"`
	SessionID schema.SessionID `json:"session_id,omitempty"`
	OK        bool             `json:"ok"`
	Event     json.RawMessage  `json:"event,omitempty"`
	Raw       string           `json:"raw,omitempty"`
}

func newEventLog(dir string, conv schema.ConversationID) (*eventLog, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("events-%d-%s.jsonl", time.Now().Unix(), conv)
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &eventLog{file: file, enc: json.NewEncoder(file)}, nil
}

func (l *eventLog) record(ev schema.Event) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.Msg.Type == schema.EventSessionEstablished && ev.Msg.SessionID != "" {
		l.session = ev.Msg.SessionID
	}
	l.seq++
	l.write(eventLogRecord{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Seq:       l.seq,
		SessionID: l.session,
		OK:        true,
		Event:     append(json.RawMessage(nil), ev.Raw...),
	})
}

func (l *eventLog) recordRaw(line string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.write(eventLogRecord{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Seq:       l.seq,
		SessionID: l.session,
		OK:        false,
		Raw:       line,
	})
}

func (l *eventLog) write(rec eventLogRecord) {
	if l.enc == nil {
		return
	}
	_ = l.enc.Encode(rec)
}

func (l *eventLog) close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
		l.enc = nil
	}
}
