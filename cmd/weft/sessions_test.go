package main

import (
	"strings"
	"testing"
	"time"

	"pkt.systems/weft/schema"
)

func TestFormatRecordedSession(t *testing.T) {
	session := schema.RecordedSession{
		ID:        "0199a5a3bbe87d06a08489db32ceff6c",
		Timestamp: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Model:     "gpt-5.2-codex",
		Cwd:       "/home/u/project",
		Preview:   "  fix   the flaky   test  ",
	}
	got := formatRecordedSession(session)
	wantStamp := session.Timestamp.Local().Format("2006-01-02 15:04")
	if !strings.HasPrefix(got, wantStamp) {
		t.Fatalf("line %q does not start with %q", got, wantStamp)
	}
	if !strings.Contains(got, "0199a5a3bbe8") {
		t.Fatalf("line %q missing truncated id", got)
	}
	if strings.Contains(got, "0199a5a3bbe87") {
		t.Fatalf("line %q carries more than 12 id chars", got)
	}
	if !strings.Contains(got, "gpt-5.2-codex") || !strings.Contains(got, "/home/u/project") {
		t.Fatalf("line %q missing model or cwd", got)
	}
	if !strings.Contains(got, "fix the flaky test") {
		t.Fatalf("line %q did not collapse preview whitespace", got)
	}
}

func TestFormatRecordedSessionSparse(t *testing.T) {
	session := schema.RecordedSession{
		ID:        "short",
		Timestamp: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
	got := formatRecordedSession(session)
	if !strings.Contains(got, "short") {
		t.Fatalf("line %q missing id", got)
	}
	if strings.Contains(got, "  \n") {
		t.Fatalf("line %q has trailing fields for empty values", got)
	}
}

func TestPreviewText(t *testing.T) {
	if got := previewText("hello   world", 60); got != "hello world" {
		t.Fatalf("previewText = %q", got)
	}
	long := strings.Repeat("abc ", 40)
	got := previewText(long, 20)
	if len([]rune(got)) != 20 {
		t.Fatalf("truncated preview %q has %d runes", got, len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("truncated preview %q missing ellipsis", got)
	}
	if got := previewText("héllo wörld exträ münch of text beyond", 10); !strings.HasSuffix(got, "...") {
		t.Fatalf("rune truncation = %q", got)
	}
}
