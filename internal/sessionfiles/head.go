package sessionfiles

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/weft/schema"
)

const (
	headScanLines = 40
	previewRunes  = 120
)

// headLine probes the envelope of one recorded line. Recorded formats have
// shifted across agent versions, so every field is optional and the scan
// keeps the first non-empty value it sees.
type headLine struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type headPayload struct {
	Type      string        `json:"type"`
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Cwd       string        `json:"cwd"`
	Model     string        `json:"model"`
	Message   string        `json:"message"`
	Role      string        `json:"role"`
	Content   []contentSpan `json:"content"`
}

type contentSpan struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseHead reads the first lines of a recorded session file and extracts
// its metadata. Files with no parseable id fall back to the file name.
func parseHead(path string) (schema.RecordedSession, error) {
	file, err := os.Open(path)
	if err != nil {
		return schema.RecordedSession{}, err
	}
	defer func() { _ = file.Close() }()

	meta := schema.RecordedSession{Path: path}
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for lines := 0; lines < headScanLines && scanner.Scan(); lines++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var head headLine
		if err := json.Unmarshal([]byte(line), &head); err != nil {
			continue
		}
		if meta.ID == "" && head.ID != "" {
			meta.ID = head.ID
		}
		if meta.Timestamp.IsZero() {
			meta.Timestamp = parseTimestamp(head.Timestamp)
		}
		if len(head.Payload) > 0 {
			applyPayload(&meta, head.Payload)
		}
		if meta.ID != "" && !meta.Timestamp.IsZero() && meta.Cwd != "" && meta.Model != "" && meta.Preview != "" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return schema.RecordedSession{}, err
	}
	if meta.ID == "" {
		meta.ID = strings.TrimSuffix(filepath.Base(path), ".jsonl")
	}
	return meta, nil
}

func applyPayload(meta *schema.RecordedSession, raw json.RawMessage) {
	var payload headPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	if meta.ID == "" && payload.ID != "" {
		meta.ID = payload.ID
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = parseTimestamp(payload.Timestamp)
	}
	if meta.Cwd == "" && payload.Cwd != "" {
		meta.Cwd = payload.Cwd
	}
	if meta.Model == "" && payload.Model != "" {
		meta.Model = payload.Model
	}
	if meta.Preview != "" {
		return
	}
	switch {
	case payload.Type == "user_message" && payload.Message != "":
		meta.Preview = previewOf(payload.Message)
	case payload.Role == "user":
		meta.Preview = previewOf(joinSpans(payload.Content))
	}
}

func joinSpans(spans []contentSpan) string {
	var parts []string
	for _, span := range spans {
		if span.Text == "" {
			continue
		}
		parts = append(parts, span.Text)
	}
	return strings.Join(parts, " ")
}

// previewOf keeps the first line, bounded.
func previewOf(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = strings.TrimSpace(text[:idx])
	}
	runes := []rune(text)
	if len(runes) > previewRunes {
		text = string(runes[:previewRunes])
	}
	return text
}

func parseTimestamp(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
