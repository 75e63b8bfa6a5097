package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/weft/internal/logx"
	"pkt.systems/weft/schema"
)

// shutdownGrace bounds how long CloseSession waits for the agent to honor a
// shutdown submission before tearing the process down.
var shutdownGrace = 3 * time.Second

type service struct {
	cfg       schema.ServiceConfig
	launcher  Launcher
	store     TranscriptStore
	reader    TranscriptReader
	recorded  RecordedSessionLister
	approvals ApprovalSink
	sink      EventSink
	logger    pslog.Logger
	mu        sync.Mutex
	sessions  map[schema.ConversationID]*session
}

// NewService constructs the core service implementation.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Launcher == nil {
		return nil, errors.New("missing launcher")
	}
	if deps.Transcript == nil {
		return nil, errors.New("missing transcript store")
	}
	if deps.Reader == nil {
		if reader, ok := deps.Transcript.(TranscriptReader); ok {
			deps.Reader = reader
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &service{
		cfg:       cfg,
		launcher:  deps.Launcher,
		store:     deps.Transcript,
		reader:    deps.Reader,
		recorded:  deps.Recorded,
		approvals: deps.Approvals,
		sink:      deps.EventSink,
		logger:    logger,
		sessions:  make(map[schema.ConversationID]*session),
	}, nil
}

func (s *service) OpenSession(ctx context.Context, req schema.OpenSessionRequest) (schema.OpenSessionResponse, error) {
	if ctx == nil {
		return schema.OpenSessionResponse{}, errors.New("missing context")
	}
	model := s.cfg.DefaultModel
	if strings.TrimSpace(string(req.Model)) != "" {
		normalized, err := schema.NormalizeModelID(string(req.Model))
		if err != nil {
			return schema.OpenSessionResponse{}, err
		}
		model = normalized
	}
	policy := s.cfg.DefaultApprovalPolicy
	if req.ApprovalPolicy != "" {
		policy = req.ApprovalPolicy
	}
	sandbox := s.cfg.DefaultSandboxMode
	if req.SandboxMode != "" {
		sandbox = req.SandboxMode
	}
	switch sandbox {
	case schema.SandboxReadOnly, schema.SandboxWorkspaceWrite, schema.SandboxDangerFullAccess:
	default:
		return schema.OpenSessionResponse{}, schema.ErrInvalidSandboxMode
	}

	conv := schema.ConversationID(newID())
	log := logx.WithConversation(ctx, conv).With("model", model)
	log.Info("service session open start", "cwd", req.Cwd, "sandbox", sandbox)

	s.store.EnsureConversation(conv)

	runCtx, runCancel := detachRunContext(ctx)
	handle, err := s.launcher.Launch(runCtx, LaunchSpec{
		Conversation:   conv,
		Model:          model,
		Cwd:            req.Cwd,
		ApprovalPolicy: policy,
		SandboxMode:    sandbox,
		Provider:       req.Provider,
	})
	if err != nil {
		log.Error("service agent launch failed", "err", err)
		if runCancel != nil {
			runCancel()
		}
		return schema.OpenSessionResponse{}, fmt.Errorf("%w: %v", schema.ErrAgentUnavailable, err)
	}

	sess := &session{
		conversation:     conv,
		model:            model,
		cwd:              req.Cwd,
		state:            schema.SessionStarting,
		createdAt:        time.Now().UTC(),
		handle:           handle,
		cancel:           runCancel,
		done:             make(chan struct{}),
		approvalsPending: make(map[schema.ApprovalID]schema.ApprovalKind),
	}
	sess.reducer = newReducer(reducerConfig{
		conversation:  conv,
		flushInterval: s.cfg.FlushInterval,
		store:         s.store,
		approvals:     &approvalBridge{svc: s, next: s.approvals},
		events:        s.sink,
		logger:        s.logger.With("conversation", conv),
	})

	s.mu.Lock()
	s.sessions[conv] = sess
	snap := sess.snapshotLocked()
	s.mu.Unlock()
	s.emitSessionEvent(snap)
	log.Info("service agent started")

	go s.consumeEvents(runCtx, sess, time.Now())
	return schema.OpenSessionResponse{Session: snap}, nil
}

func (s *service) CloseSession(ctx context.Context, req schema.CloseSessionRequest) (schema.CloseSessionResponse, error) {
	if ctx == nil {
		return schema.CloseSessionResponse{}, errors.New("missing context")
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.Conversation]
	if !ok {
		s.mu.Unlock()
		return schema.CloseSessionResponse{}, schema.ErrSessionNotFound
	}
	delete(s.sessions, req.Conversation)
	alreadyClosed := sess.state == schema.SessionClosed
	sess.state = schema.SessionClosed
	s.mu.Unlock()

	log := logx.WithConversation(ctx, req.Conversation)
	log.Info("service session close start")
	if !alreadyClosed {
		subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		sub := schema.Submission{ID: sess.nextSubmissionID(), Op: schema.Op{Type: schema.OpShutdown}}
		if err := sess.handle.Submit(subCtx, sub); err != nil {
			log.Debug("service shutdown submit failed", "err", err)
		}
		cancel()
		select {
		case <-sess.done:
		case <-time.After(shutdownGrace):
			log.Warn("service session close grace expired")
		}
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	if err := sess.handle.Close(); err != nil {
		log.Warn("service agent close failed", "err", err)
	}
	sess.reducer.Close()

	s.mu.Lock()
	snap := sess.snapshotLocked()
	s.mu.Unlock()
	s.emitSessionEvent(snap)
	log.Info("service session closed")
	return schema.CloseSessionResponse{Session: snap}, nil
}

func (s *service) ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
	if ctx == nil {
		return schema.ListSessionsResponse{}, errors.New("missing context")
	}
	s.mu.Lock()
	snaps := make([]schema.SessionSnapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snaps = append(snaps, sess.snapshotLocked())
	}
	s.mu.Unlock()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	return schema.ListSessionsResponse{Sessions: snaps}, nil
}

func (s *service) GetSession(ctx context.Context, req schema.GetSessionRequest) (schema.GetSessionResponse, error) {
	if ctx == nil {
		return schema.GetSessionResponse{}, errors.New("missing context")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.Conversation]
	if !ok {
		return schema.GetSessionResponse{}, schema.ErrSessionNotFound
	}
	return schema.GetSessionResponse{Session: sess.snapshotLocked()}, nil
}

func (s *service) SendMessage(ctx context.Context, req schema.SendMessageRequest) (schema.SendMessageResponse, error) {
	if ctx == nil {
		return schema.SendMessageResponse{}, errors.New("missing context")
	}
	if strings.TrimSpace(req.Text) == "" && len(req.ImagePaths) == 0 {
		return schema.SendMessageResponse{}, schema.ErrEmptyMessage
	}
	sess, err := s.liveSession(req.Conversation)
	if err != nil {
		return schema.SendMessageResponse{}, err
	}
	log := logx.WithConversation(ctx, req.Conversation).With("text_len", len(req.Text), "images", len(req.ImagePaths))
	log.Info("service message send start")

	entry := s.appendUserEntry(req.Conversation, req.Text)
	var items []schema.InputItem
	if strings.TrimSpace(req.Text) != "" {
		items = append(items, schema.InputItem{Type: schema.InputText, Text: req.Text})
	}
	for _, path := range req.ImagePaths {
		items = append(items, schema.InputItem{Type: schema.InputLocalImage, Path: path})
	}
	sub := schema.Submission{ID: sess.nextSubmissionID(), Op: schema.Op{Type: schema.OpUserInput, Items: items}}
	if err := sess.handle.Submit(ctx, sub); err != nil {
		log.Warn("service message submit failed", "err", err)
		return schema.SendMessageResponse{}, fmt.Errorf("submit message: %w", err)
	}
	log.Info("service message sent", "submission", sub.ID)
	return schema.SendMessageResponse{Entry: entry, Submission: sub.ID}, nil
}

func (s *service) Interrupt(ctx context.Context, req schema.InterruptRequest) (schema.InterruptResponse, error) {
	if ctx == nil {
		return schema.InterruptResponse{}, errors.New("missing context")
	}
	sess, err := s.liveSession(req.Conversation)
	if err != nil {
		return schema.InterruptResponse{}, err
	}
	log := logx.WithConversation(ctx, req.Conversation)
	sub := schema.Submission{ID: sess.nextSubmissionID(), Op: schema.Op{Type: schema.OpInterrupt}}
	if err := sess.handle.Submit(ctx, sub); err != nil {
		log.Warn("service interrupt submit failed", "err", err)
		return schema.InterruptResponse{}, fmt.Errorf("submit interrupt: %w", err)
	}
	log.Info("service interrupt sent", "submission", sub.ID)
	return schema.InterruptResponse{Submission: sub.ID}, nil
}

func (s *service) RespondApproval(ctx context.Context, req schema.RespondApprovalRequest) (schema.RespondApprovalResponse, error) {
	if ctx == nil {
		return schema.RespondApprovalResponse{}, errors.New("missing context")
	}
	switch req.Decision {
	case schema.DecisionApprove, schema.DecisionDeny:
	default:
		return schema.RespondApprovalResponse{}, schema.ErrInvalidDecision
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.Conversation]
	if !ok {
		s.mu.Unlock()
		return schema.RespondApprovalResponse{}, schema.ErrSessionNotFound
	}
	kind, ok := sess.approvalsPending[req.Approval]
	if !ok {
		s.mu.Unlock()
		return schema.RespondApprovalResponse{}, schema.ErrUnknownApproval
	}
	delete(sess.approvalsPending, req.Approval)
	s.mu.Unlock()

	opType := schema.OpExecApproval
	if kind == schema.ApprovalPatch {
		opType = schema.OpPatchApproval
	}
	sub := schema.Submission{
		ID: sess.nextSubmissionID(),
		Op: schema.Op{Type: opType, ID: req.Approval, Decision: schema.WireDecision(req.Decision)},
	}
	log := logx.WithConversation(ctx, req.Conversation)
	if err := sess.handle.Submit(ctx, sub); err != nil {
		log.Warn("service approval submit failed", "err", err)
		return schema.RespondApprovalResponse{}, fmt.Errorf("submit approval: %w", err)
	}
	log.Info("service approval answered", "approval", req.Approval, "kind", kind, "decision", req.Decision)
	return schema.RespondApprovalResponse{Submission: sub.ID}, nil
}

func (s *service) GetTranscript(ctx context.Context, req schema.GetTranscriptRequest) (schema.GetTranscriptResponse, error) {
	if ctx == nil {
		return schema.GetTranscriptResponse{}, errors.New("missing context")
	}
	if s.reader == nil {
		return schema.GetTranscriptResponse{}, errors.New("transcript reader not configured")
	}
	entries, err := s.reader.Entries(req.Conversation, req.Limit)
	if err != nil {
		return schema.GetTranscriptResponse{}, err
	}
	return schema.GetTranscriptResponse{
		Entries: entries,
		Loading: s.reader.Loading(req.Conversation),
	}, nil
}

func (s *service) GetUsage(ctx context.Context, req schema.GetUsageRequest) (schema.GetUsageResponse, error) {
	if ctx == nil {
		return schema.GetUsageResponse{}, errors.New("missing context")
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.Conversation]
	s.mu.Unlock()
	if !ok {
		return schema.GetUsageResponse{}, schema.ErrSessionNotFound
	}
	return schema.GetUsageResponse{Usage: sess.reducer.Usage()}, nil
}

func (s *service) ListRecordedSessions(ctx context.Context, req schema.ListRecordedSessionsRequest) (schema.ListRecordedSessionsResponse, error) {
	if ctx == nil {
		return schema.ListRecordedSessionsResponse{}, errors.New("missing context")
	}
	if s.recorded == nil {
		return schema.ListRecordedSessionsResponse{}, nil
	}
	sessions, err := s.recorded.List(ctx, req.Limit)
	if err != nil {
		return schema.ListRecordedSessionsResponse{}, err
	}
	return schema.ListRecordedSessionsResponse{Sessions: sessions}, nil
}

// consumeEvents drives one session's event loop: every decoded event goes
// through the reducer, and the loop itself reacts to the lifecycle tags
// that change the session record.
func (s *service) consumeEvents(ctx context.Context, sess *session, started time.Time) {
	log := logx.WithConversation(ctx, sess.conversation)
	defer close(sess.done)
	defer func() {
		if sess.cancel != nil {
			sess.cancel()
		}
	}()
	log.Info("service event stream start")
	stream := sess.handle.Events()
	eventCount := 0
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				log.Debug("service event stream ended", "err", err)
				break
			}
			log.Warn("service event stream error", "err", err)
			break
		}
		eventCount++
		admitted := sess.reducer.HandleEvent(event)
		if admitted && event.Msg.Type == schema.EventSessionEstablished {
			s.markSessionReady(sess, event.Msg.SessionID, event.Msg.Model)
			log.Debug("service session captured", "session", event.Msg.SessionID)
		}
		if event.Msg.Type == schema.EventShutdownComplete {
			log.Debug("service agent shutdown complete")
			break
		}
	}
	tail := context.WithoutCancel(ctx)
	result, err := sess.handle.Wait(tail)
	if err != nil {
		log.Warn("service agent wait failed", "err", err)
	} else if result.ExitCode != 0 {
		log.Warn("service agent exited", "exit_code", result.ExitCode)
	}
	if err := sess.handle.Close(); err != nil {
		log.Warn("service agent close failed", "err", err)
	}
	sess.reducer.Shutdown()
	s.markSessionClosed(sess)
	if err == nil {
		log.Info("service event stream finished", "events", eventCount, "duration_ms", time.Since(started).Milliseconds())
	}
}

func (s *service) markSessionReady(sess *session, id schema.SessionID, model schema.ModelID) {
	s.mu.Lock()
	if id != "" {
		sess.sessionID = id
	}
	if model != "" {
		sess.model = model
	}
	if sess.state == schema.SessionStarting {
		sess.state = schema.SessionReady
	}
	snap := sess.snapshotLocked()
	s.mu.Unlock()
	s.emitSessionEvent(snap)
}

func (s *service) markSessionClosed(sess *session) {
	s.mu.Lock()
	current, ok := s.sessions[sess.conversation]
	if !ok || current != sess || sess.state == schema.SessionClosed {
		s.mu.Unlock()
		return
	}
	sess.state = schema.SessionClosed
	snap := sess.snapshotLocked()
	s.mu.Unlock()
	s.emitSessionEvent(snap)
}

// liveSession resolves a conversation to its open session.
func (s *service) liveSession(conv schema.ConversationID) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[conv]
	if !ok {
		return nil, schema.ErrSessionNotFound
	}
	if sess.state == schema.SessionClosed {
		return nil, schema.ErrSessionClosed
	}
	return sess, nil
}

func (s *service) appendUserEntry(conv schema.ConversationID, text string) schema.TranscriptEntry {
	entry := schema.TranscriptEntry{
		ID:        schema.EntryID(newID()),
		Kind:      schema.EntryUser,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
	s.store.AppendEntry(conv, entry)
	if s.sink != nil {
		s.sink.OnEntry(schema.EntryEvent{Conversation: conv, Type: schema.EntryEventAdded, Entry: entry})
	}
	return entry
}

func (s *service) emitSessionEvent(snap schema.SessionSnapshot) {
	if s.sink == nil {
		return
	}
	s.sink.OnSession(schema.SessionEvent{Conversation: snap.Conversation, Snapshot: snap})
}

func (s *service) recordApproval(conv schema.ConversationID, req schema.ApprovalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[conv]; sess != nil {
		sess.approvalsPending[req.ID] = req.Kind
	}
}

// approvalBridge records pending approvals for RespondApproval validation
// before forwarding to the externally supplied sink.
type approvalBridge struct {
	svc  *service
	next ApprovalSink
}

func (b *approvalBridge) OnApprovalRequest(conv schema.ConversationID, req schema.ApprovalRequest) {
	b.svc.recordApproval(conv, req)
	if b.next != nil {
		b.next.OnApprovalRequest(conv, req)
	}
}

func detachRunContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.Background()
	if ctx != nil {
		if logger := pslog.Ctx(ctx); logger != nil {
			base = logx.CopyContextFields(pslog.ContextWithLogger(base, logger), ctx)
		}
	}
	return context.WithCancel(base)
}
