package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"pkt.systems/weft/schema"
)

func TestNewServiceRequiresDeps(t *testing.T) {
	if _, err := NewService(schema.ServiceConfig{StateDir: t.TempDir()}, ServiceDeps{Transcript: newMemStore()}); err == nil {
		t.Fatalf("expected missing launcher to fail")
	}
	if _, err := NewService(schema.ServiceConfig{StateDir: t.TempDir()}, ServiceDeps{Launcher: launcherFor()}); err == nil {
		t.Fatalf("expected missing transcript store to fail")
	}
}

func TestOpenSessionLaunchFailure(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeLauncher{err: errors.New("spawn failed")})
	_, err := svc.OpenSession(context.Background(), schema.OpenSessionRequest{})
	if !errors.Is(err, schema.ErrAgentUnavailable) {
		t.Fatalf("expected agent unavailable, got %v", err)
	}
}

func TestOpenSessionRejectsBadSandbox(t *testing.T) {
	launcher := launcherFor()
	svc, _, _ := newTestService(t, launcher)
	_, err := svc.OpenSession(context.Background(), schema.OpenSessionRequest{SandboxMode: "yolo"})
	if !errors.Is(err, schema.ErrInvalidSandboxMode) {
		t.Fatalf("expected invalid sandbox mode, got %v", err)
	}
	if launcher.launchCount() != 0 {
		t.Fatalf("launch attempted despite invalid sandbox mode")
	}
}

func TestOpenSessionCapturesSessionFromFeed(t *testing.T) {
	handle := newScriptedHandle(sessionEvent("sess-1", "gpt-5.2-codex"))
	launcher := launcherFor(handle)
	svc, _, _ := newTestService(t, launcher)

	resp, err := svc.OpenSession(context.Background(), schema.OpenSessionRequest{Cwd: "/work"})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if resp.Session.State != schema.SessionStarting {
		t.Fatalf("expected starting state, got %v", resp.Session.State)
	}
	spec := launcher.lastSpec()
	if spec.Cwd != "/work" || spec.Model != "gpt-5.2-codex" {
		t.Fatalf("unexpected launch spec: %+v", spec)
	}
	if spec.ApprovalPolicy != schema.ApprovalOnRequest || spec.SandboxMode != schema.SandboxWorkspaceWrite {
		t.Fatalf("expected config defaults in launch spec: %+v", spec)
	}

	conv := resp.Session.Conversation
	snap := waitForState(t, svc, conv, schema.SessionReady)
	if snap.Session != "sess-1" {
		t.Fatalf("expected captured session id, got %q", snap.Session)
	}

	if _, err := svc.CloseSession(context.Background(), schema.CloseSessionRequest{Conversation: conv}); err != nil {
		t.Fatalf("close session: %v", err)
	}
	waitForSubmission(t, handle, schema.OpShutdown)
	if _, err := svc.GetSession(context.Background(), schema.GetSessionRequest{Conversation: conv}); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected session removed, got %v", err)
	}
}

func TestCloseSessionGraceExpires(t *testing.T) {
	origGrace := shutdownGrace
	shutdownGrace = 50 * time.Millisecond
	defer func() { shutdownGrace = origGrace }()

	handle := newScriptedHandle()
	handle.ignoreShutdown = true
	svc, _, _ := newTestService(t, launcherFor(handle))
	resp, err := svc.OpenSession(context.Background(), schema.OpenSessionRequest{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	start := time.Now()
	closed, err := svc.CloseSession(context.Background(), schema.CloseSessionRequest{Conversation: resp.Session.Conversation})
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if closed.Session.State != schema.SessionClosed {
		t.Fatalf("expected closed state, got %v", closed.Session.State)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("close session hung past the grace window")
	}
}

func TestSendMessageAppendsAndSubmits(t *testing.T) {
	handle := newScriptedHandle()
	svc, _, _ := newTestService(t, launcherFor(handle))
	resp, err := svc.OpenSession(context.Background(), schema.OpenSessionRequest{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	conv := resp.Session.Conversation

	sendResp, err := svc.SendMessage(context.Background(), schema.SendMessageRequest{
		Conversation: conv,
		Text:         "hello",
		ImagePaths:   []string{"/tmp/shot.png"},
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if sendResp.Entry.Kind != schema.EntryUser || sendResp.Entry.Content != "hello" {
		t.Fatalf("unexpected user entry: %+v", sendResp.Entry)
	}
	if sendResp.Submission == "" {
		t.Fatalf("expected a submission id")
	}

	sub := waitForSubmission(t, handle, schema.OpUserInput)
	if len(sub.Op.Items) != 2 {
		t.Fatalf("expected 2 input items, got %+v", sub.Op.Items)
	}
	if sub.Op.Items[0].Type != schema.InputText || sub.Op.Items[0].Text != "hello" {
		t.Fatalf("unexpected text item: %+v", sub.Op.Items[0])
	}
	if sub.Op.Items[1].Type != schema.InputLocalImage || sub.Op.Items[1].Path != "/tmp/shot.png" {
		t.Fatalf("unexpected image item: %+v", sub.Op.Items[1])
	}

	transcript, err := svc.GetTranscript(context.Background(), schema.GetTranscriptRequest{Conversation: conv})
	if err != nil {
		t.Fatalf("get transcript: %v", err)
	}
	if len(transcript.Entries) != 1 || transcript.Entries[0].Content != "hello" {
		t.Fatalf("unexpected transcript: %+v", transcript.Entries)
	}
	if transcript.Loading {
		t.Fatalf("expected loading false")
	}
}

func TestSendMessageValidation(t *testing.T) {
	svc, _, _ := newTestService(t, launcherFor(newScriptedHandle()))
	resp, err := svc.OpenSession(context.Background(), schema.OpenSessionRequest{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if _, err := svc.SendMessage(context.Background(), schema.SendMessageRequest{
		Conversation: resp.Session.Conversation,
		Text:         "   ",
	}); !errors.Is(err, schema.ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
	if _, err := svc.SendMessage(context.Background(), schema.SendMessageRequest{
		Conversation: "nope",
		Text:         "hi",
	}); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestInterruptSubmits(t *testing.T) {
	handle := newScriptedHandle()
	svc, _, _ := newTestService(t, launcherFor(handle))
	resp, err := svc.OpenSession(context.Background(), schema.OpenSessionRequest{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	intResp, err := svc.Interrupt(context.Background(), schema.InterruptRequest{Conversation: resp.Session.Conversation})
	if err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	sub := waitForSubmission(t, handle, schema.OpInterrupt)
	if intResp.Submission != sub.ID {
		t.Fatalf("submission id mismatch: %q vs %q", intResp.Submission, sub.ID)
	}
}

func TestRespondApprovalFlow(t *testing.T) {
	handle := newScriptedHandle(schema.Event{ID: "appr-1", Msg: schema.EventPayload{
		Type: schema.EventApprovalRequest,
		Kind: schema.ApprovalExec,
		Details: &schema.ApprovalDetails{
			Command: "make install",
			Cwd:     "/work",
		},
	}})
	svc, _, sink := newTestService(t, launcherFor(handle))
	resp, err := svc.OpenSession(context.Background(), schema.OpenSessionRequest{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	conv := resp.Session.Conversation

	ev := waitForApproval(t, sink)
	if ev.Request.ID != "appr-1" || ev.Request.Command != "make install" {
		t.Fatalf("unexpected approval event: %+v", ev.Request)
	}

	if _, err := svc.RespondApproval(context.Background(), schema.RespondApprovalRequest{
		Conversation: conv,
		Approval:     ev.Request.ID,
		Decision:     "maybe",
	}); !errors.Is(err, schema.ErrInvalidDecision) {
		t.Fatalf("expected invalid decision, got %v", err)
	}

	apprResp, err := svc.RespondApproval(context.Background(), schema.RespondApprovalRequest{
		Conversation: conv,
		Approval:     ev.Request.ID,
		Decision:     schema.DecisionApprove,
	})
	if err != nil {
		t.Fatalf("respond approval: %v", err)
	}
	sub := waitForSubmission(t, handle, schema.OpExecApproval)
	if sub.ID != apprResp.Submission {
		t.Fatalf("submission id mismatch")
	}
	if sub.Op.ID != "appr-1" || sub.Op.Decision != "allow" {
		t.Fatalf("unexpected approval op: %+v", sub.Op)
	}

	if _, err := svc.RespondApproval(context.Background(), schema.RespondApprovalRequest{
		Conversation: conv,
		Approval:     ev.Request.ID,
		Decision:     schema.DecisionDeny,
	}); !errors.Is(err, schema.ErrUnknownApproval) {
		t.Fatalf("expected unknown approval after consume, got %v", err)
	}
}

func TestFeedErrorClosesSession(t *testing.T) {
	svc, _, _ := newTestService(t, launcherFor(&brokenHandle{err: errors.New("decode failure")}))
	resp, err := svc.OpenSession(context.Background(), schema.OpenSessionRequest{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	conv := resp.Session.Conversation
	waitForState(t, svc, conv, schema.SessionClosed)
	if _, err := svc.SendMessage(context.Background(), schema.SendMessageRequest{
		Conversation: conv,
		Text:         "hi",
	}); !errors.Is(err, schema.ErrSessionClosed) {
		t.Fatalf("expected session closed, got %v", err)
	}
}

func TestListSessionsOrdersByCreation(t *testing.T) {
	svc, _, _ := newTestService(t, launcherFor(newScriptedHandle(), newScriptedHandle()))
	first, err := svc.OpenSession(context.Background(), schema.OpenSessionRequest{Cwd: "/a"})
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := svc.OpenSession(context.Background(), schema.OpenSessionRequest{Cwd: "/b"})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	list, err := svc.ListSessions(context.Background(), schema.ListSessionsRequest{})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(list.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list.Sessions))
	}
	if list.Sessions[0].Conversation != first.Session.Conversation || list.Sessions[1].Conversation != second.Session.Conversation {
		t.Fatalf("unexpected order: %+v", list.Sessions)
	}
}

func TestGetUsageFromFeed(t *testing.T) {
	handle := newScriptedHandle(schema.Event{Msg: schema.EventPayload{
		Type: schema.EventTokenCount, InputTokens: 7, TotalTokens: 19,
	}})
	svc, _, _ := newTestService(t, launcherFor(handle))
	resp, err := svc.OpenSession(context.Background(), schema.OpenSessionRequest{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	conv := resp.Session.Conversation
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		usage, err := svc.GetUsage(context.Background(), schema.GetUsageRequest{Conversation: conv})
		if err != nil {
			t.Fatalf("get usage: %v", err)
		}
		if usage.Usage.TotalTokens == 19 && usage.Usage.InputTokens == 7 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for usage")
}

// Test scaffolding.

func newTestService(t *testing.T, launcher Launcher) (Service, *memStore, *recordingSink) {
	t.Helper()
	store := newMemStore()
	sink := &recordingSink{}
	svc, err := NewService(schema.ServiceConfig{StateDir: t.TempDir()}, ServiceDeps{
		Launcher:   launcher,
		Transcript: store,
		EventSink:  sink,
		Approvals:  sink,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store, sink
}

func waitForState(t *testing.T, svc Service, conv schema.ConversationID, want schema.SessionState) schema.SessionSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := svc.GetSession(context.Background(), schema.GetSessionRequest{Conversation: conv})
		if err == nil && resp.Session.State == want {
			return resp.Session
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session state %v", want)
	return schema.SessionSnapshot{}
}

func waitForSubmission(t *testing.T, h *scriptedHandle, op schema.OpType) schema.Submission {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, sub := range h.submissions() {
			if sub.Op.Type == op {
				return sub
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v submission", op)
	return schema.Submission{}
}

func waitForApproval(t *testing.T, sink *recordingSink) schema.ApprovalEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := sink.approvalEvents(); len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for approval event")
	return schema.ApprovalEvent{}
}

type fakeLauncher struct {
	mu    sync.Mutex
	err   error
	queue []AgentHandle
	specs []LaunchSpec
}

func launcherFor(handles ...AgentHandle) *fakeLauncher {
	return &fakeLauncher{queue: handles}
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (AgentHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if len(l.queue) == 0 {
		return nil, errors.New("no scripted handle")
	}
	l.specs = append(l.specs, spec)
	h := l.queue[0]
	l.queue = l.queue[1:]
	return h, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) lastSpec() LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.specs) == 0 {
		return LaunchSpec{}
	}
	return l.specs[len(l.specs)-1]
}

// scriptedHandle plays back a fixed event sequence and records submissions.
// A shutdown submission ends the stream unless ignoreShutdown is set.
type scriptedHandle struct {
	stream         *scriptedStream
	exitCode       int
	ignoreShutdown bool

	mu     sync.Mutex
	subs   []schema.Submission
	closed bool
}

func newScriptedHandle(events ...schema.Event) *scriptedHandle {
	return &scriptedHandle{stream: newScriptedStream(events...)}
}

func (h *scriptedHandle) Events() EventStream { return h.stream }

func (h *scriptedHandle) Submit(_ context.Context, sub schema.Submission) error {
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	if sub.Op.Type == schema.OpShutdown && !h.ignoreShutdown {
		h.stream.push(schema.Event{Msg: schema.EventPayload{Type: schema.EventShutdownComplete}})
		h.stream.finish()
	}
	return nil
}

func (h *scriptedHandle) Signal(context.Context, ProcessSignal) error { return nil }

func (h *scriptedHandle) Wait(ctx context.Context) (RunResult, error) {
	select {
	case <-h.stream.done:
		return RunResult{ExitCode: h.exitCode}, nil
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

func (h *scriptedHandle) Close() error {
	h.stream.finish()
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *scriptedHandle) submissions() []schema.Submission {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]schema.Submission(nil), h.subs...)
}

type scriptedStream struct {
	ch   chan schema.Event
	done chan struct{}
	once sync.Once
}

func newScriptedStream(events ...schema.Event) *scriptedStream {
	s := &scriptedStream{ch: make(chan schema.Event, 64), done: make(chan struct{})}
	for _, ev := range events {
		s.ch <- ev
	}
	return s
}

func (s *scriptedStream) push(ev schema.Event) {
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

func (s *scriptedStream) finish() {
	s.once.Do(func() { close(s.done) })
}

func (s *scriptedStream) Next(ctx context.Context) (schema.Event, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		select {
		case ev := <-s.ch:
			return ev, nil
		default:
		}
		return schema.Event{}, io.EOF
	case <-ctx.Done():
		return schema.Event{}, ctx.Err()
	}
}

func (s *scriptedStream) Close() error {
	s.finish()
	return nil
}

type brokenHandle struct {
	err error
}

func (h *brokenHandle) Events() EventStream { return &brokenStream{err: h.err} }

func (h *brokenHandle) Submit(context.Context, schema.Submission) error { return nil }

func (h *brokenHandle) Signal(context.Context, ProcessSignal) error { return nil }

func (h *brokenHandle) Wait(context.Context) (RunResult, error) {
	return RunResult{ExitCode: 1}, nil
}

func (h *brokenHandle) Close() error { return nil }

type brokenStream struct {
	err error
}

func (s *brokenStream) Next(context.Context) (schema.Event, error) {
	return schema.Event{}, s.err
}

func (s *brokenStream) Close() error { return nil }
