package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/weft/core"
	"pkt.systems/weft/internal/logx"
	"pkt.systems/weft/schema"
)

// Server serves the local JSON API and event stream for the shell.
type Server struct {
	cfg     Config
	service core.Service
	hub     *Hub
}

// NewServer constructs an HTTP server over the core service.
func NewServer(cfg Config, service core.Service, hub *Hub) *Server {
	return &Server{
		cfg:     cfg,
		service: service,
		hub:     hub,
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", s.requireToken(s.handleListSessions))
	mux.HandleFunc("POST /api/sessions", s.requireToken(s.handleOpenSession))
	mux.HandleFunc("GET /api/sessions/{id}", s.requireToken(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.requireToken(s.handleCloseSession))
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.requireToken(s.handleSendMessage))
	mux.HandleFunc("POST /api/sessions/{id}/approvals/{approval}", s.requireToken(s.handleApproval))
	mux.HandleFunc("POST /api/sessions/{id}/interrupt", s.requireToken(s.handleInterrupt))
	mux.HandleFunc("GET /api/sessions/{id}/usage", s.requireToken(s.handleUsage))
	mux.HandleFunc("GET /api/conversations/{id}", s.requireToken(s.handleTranscript))
	mux.HandleFunc("GET /api/recorded-sessions", s.requireToken(s.handleRecordedSessions))
	mux.HandleFunc("GET /api/events", s.requireToken(s.handleEvents))
	return withRequestLogging(mux)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context())
	resp, err := s.service.ListSessions(r.Context(), schema.ListSessionsRequest{})
	if err != nil {
		log.Warn("http sessions list failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Debug("http sessions list ok", "count", len(resp.Sessions))
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload struct {
		Model          string `json:"model"`
		Cwd            string `json:"cwd"`
		ApprovalPolicy string `json:"approval_policy"`
		SandboxMode    string `json:"sandbox_mode"`
		Provider       string `json:"provider"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http open session decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.OpenSession(r.Context(), schema.OpenSessionRequest{
		Model:          schema.ModelID(payload.Model),
		Cwd:            payload.Cwd,
		ApprovalPolicy: schema.ApprovalPolicy(payload.ApprovalPolicy),
		SandboxMode:    schema.SandboxMode(payload.SandboxMode),
		Provider:       payload.Provider,
	})
	if err != nil {
		log.Warn("http open session failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http open session ok", "conversation", resp.Session.Conversation, "model", resp.Session.Model)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	conv := schema.ConversationID(r.PathValue("id"))
	log := logx.WithConversation(r.Context(), conv)
	resp, err := s.service.GetSession(r.Context(), schema.GetSessionRequest{Conversation: conv})
	if err != nil {
		log.Warn("http session get failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Debug("http session get ok", "state", resp.Session.State)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	conv := schema.ConversationID(r.PathValue("id"))
	log := logx.WithConversation(r.Context(), conv)
	resp, err := s.service.CloseSession(r.Context(), schema.CloseSessionRequest{Conversation: conv})
	if err != nil {
		log.Warn("http session close failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http session close ok")
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conv := schema.ConversationID(r.PathValue("id"))
	log := logx.WithConversation(r.Context(), conv)
	var payload struct {
		Text       string   `json:"text"`
		ImagePaths []string `json:"image_paths"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http message decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.SendMessage(r.Context(), schema.SendMessageRequest{
		Conversation: conv,
		Text:         payload.Text,
		ImagePaths:   payload.ImagePaths,
	})
	if err != nil {
		log.Warn("http message failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http message ok", "submission", resp.Submission, "text_len", len(payload.Text))
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	conv := schema.ConversationID(r.PathValue("id"))
	approval := schema.ApprovalID(r.PathValue("approval"))
	log := logx.WithConversation(r.Context(), conv).With("approval", approval)
	var payload struct {
		Kind     string `json:"kind"`
		Decision string `json:"decision"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http approval decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.RespondApproval(r.Context(), schema.RespondApprovalRequest{
		Conversation: conv,
		Approval:     approval,
		Kind:         schema.ApprovalKind(payload.Kind),
		Decision:     schema.ApprovalDecision(payload.Decision),
	})
	if err != nil {
		log.Warn("http approval failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http approval ok", "decision", payload.Decision)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	conv := schema.ConversationID(r.PathValue("id"))
	log := logx.WithConversation(r.Context(), conv)
	resp, err := s.service.Interrupt(r.Context(), schema.InterruptRequest{Conversation: conv})
	if err != nil {
		log.Warn("http interrupt failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http interrupt ok", "submission", resp.Submission)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	conv := schema.ConversationID(r.PathValue("id"))
	log := logx.WithConversation(r.Context(), conv)
	resp, err := s.service.GetUsage(r.Context(), schema.GetUsageRequest{Conversation: conv})
	if err != nil {
		log.Warn("http usage failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Debug("http usage ok", "total", resp.Usage.TotalTokens)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	conv := schema.ConversationID(r.PathValue("id"))
	log := logx.WithConversation(r.Context(), conv)
	limit := parseInt(r.URL.Query().Get("limit"), 0)
	resp, err := s.service.GetTranscript(r.Context(), schema.GetTranscriptRequest{
		Conversation: conv,
		Limit:        limit,
	})
	if err != nil {
		log.Warn("http transcript failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Debug("http transcript ok", "entries", len(resp.Entries))
}

func (s *Server) handleRecordedSessions(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context())
	limit := parseInt(r.URL.Query().Get("limit"), 0)
	resp, err := s.service.ListRecordedSessions(r.Context(), schema.ListRecordedSessionsRequest{Limit: limit})
	if err != nil {
		log.Warn("http recorded sessions failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Debug("http recorded sessions ok", "count", len(resp.Sessions))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseUint(r.URL.Query().Get("after"))
	}

	snapshot := s.buildSnapshot(r.Context())
	_ = writeSSEvent(w, StreamEvent{
		Type:      "snapshot",
		Snapshot:  &snapshot,
		Timestamp: time.Now(),
	})
	flusher.Flush()

	ch, unsubscribe, seq, history := s.hub.Subscribe()
	defer unsubscribe()

	replay := replayAfter(history, lastID)
	for _, event := range replay {
		_ = writeSSEvent(w, event)
	}
	flusher.Flush()

	var heartbeat <-chan time.Time
	if interval := time.Duration(s.cfg.SSEHeartbeatSeconds) * time.Second; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	notify := r.Context().Done()
	log.Info("http event stream opened", "last_id", lastID, "seq", seq, "replay", len(replay), "sessions", len(snapshot.Sessions))
	for {
		select {
		case <-notify:
			log.Info("http event stream closed")
			return
		case event := <-ch:
			_ = writeSSEvent(w, event)
			flusher.Flush()
		case <-heartbeat:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) buildSnapshot(ctx context.Context) SnapshotPayload {
	resp, err := s.service.ListSessions(ctx, schema.ListSessionsRequest{})
	if err != nil {
		return SnapshotPayload{}
	}
	return SnapshotPayload{Sessions: resp.Sessions}
}

func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	token := strings.TrimSpace(s.cfg.Token)
	if token == "" {
		return next
	}
	want := []byte(token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(requestToken(r))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			logx.Ctx(r.Context()).With("remote", clientIP(r)).Warn("http token rejected")
			writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		next(w, r)
	}
}

// EventSource cannot set request headers, so the stream endpoint also accepts
// the token as a query parameter.
func requestToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, schema.ErrSessionNotFound),
		errors.Is(err, schema.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, schema.ErrAgentUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, schema.ErrInvalidRequest),
		errors.Is(err, schema.ErrEmptyMessage),
		errors.Is(err, schema.ErrUnknownApproval),
		errors.Is(err, schema.ErrInvalidDecision),
		errors.Is(err, schema.ErrInvalidModel),
		errors.Is(err, schema.ErrInvalidSandboxMode):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w io.Writer, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	if event.Type != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", event.Type)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
