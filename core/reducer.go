package core

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

// reducer turns one conversation's event feed into transcript intents.
// Handling is synchronous in feed-arrival order; flush timers re-enter
// through fireFlush under the same mutex, so the engine behaves like the
// single-threaded event loop the reduction model assumes.
type reducer struct {
	mu        sync.Mutex
	conv      schema.ConversationID
	store     TranscriptStore
	approvals ApprovalSink
	events    EventSink
	log       pslog.Logger

	session  schema.SessionID
	model    schema.ModelID
	streams  *streamTable
	flush    *flushScheduler
	diffSeen map[string]struct{}
	usage    schema.TokenUsage
	plan     []schema.PlanStep
	closed   bool

	// turnActive is atomic so session snapshots can read it without taking
	// the reducer mutex while holding the service mutex.
	turnActive atomic.Bool
}

type reducerConfig struct {
	conversation  schema.ConversationID
	flushInterval time.Duration
	store         TranscriptStore
	approvals     ApprovalSink
	events        EventSink
	logger        pslog.Logger
}

func newReducer(cfg reducerConfig) *reducer {
	log := cfg.logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &reducer{
		conv:      cfg.conversation,
		store:     cfg.store,
		approvals: cfg.approvals,
		events:    cfg.events,
		log:       log,
		streams:   newStreamTable(),
		flush:     newFlushScheduler(cfg.flushInterval),
		diffSeen:  make(map[string]struct{}),
	}
}

// HandleEvent reduces one event into transcript intents. It reports whether
// the event passed the session filter, so the owning loop can react to
// lifecycle tags it also cares about.
func (r *reducer) HandleEvent(ev schema.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if !r.admitLocked(ev) {
		return false
	}
	r.dispatchLocked(ev)
	return true
}

// admitLocked is the keep/drop decision for one event. Only the session
// establishment tag intrinsically declares a session id; every other tag is
// session-agnostic at the protocol level, so dropping requires positive
// proof of a mismatch, never absence of evidence.
func (r *reducer) admitLocked(ev schema.Event) bool {
	if ev.Msg.Type != schema.EventSessionEstablished {
		return true
	}
	id := ev.Msg.SessionID
	if id == "" || r.session == "" || r.session == id {
		return true
	}
	r.log.Debug("stale session event dropped", "session", id, "established", r.session)
	return false
}

func (r *reducer) dispatchLocked(ev schema.Event) {
	switch ev.Msg.Type {
	case schema.EventSessionEstablished:
		r.establishedLocked(ev)
	case schema.EventTurnStarted, schema.EventTaskStarted:
		r.startTurnLocked()
	case schema.EventTurnComplete, schema.EventTaskComplete:
		r.endTurnLocked()
	case schema.EventTurnAborted:
		r.abortTurnLocked()
	case schema.EventAgentDelta:
		r.beginOrAppendDeltaLocked(schema.ChannelAgent, ev.ID, ev.Msg.Delta)
	case schema.EventAgentFinal:
		r.replaceOrEmitLocked(schema.ChannelAgent, ev.ID, ev.Msg.Text)
	case schema.EventReasoningDelta:
		r.beginOrAppendDeltaLocked(schema.ChannelReasoning, ev.ID, ev.Msg.Delta)
	case schema.EventReasoningFinal:
		r.replaceOrEmitLocked(schema.ChannelReasoning, ev.ID, ev.Msg.Text)
	case schema.EventReasoningSectionBreak:
		r.sectionBreakLocked(ev.ID)
	case schema.EventDiff:
		r.diffLocked(ev.Msg.UnifiedDiff)
	case schema.EventExecBegin:
		r.execBeginLocked(ev)
	case schema.EventExecOutputDelta:
		r.execDeltaLocked(ev)
	case schema.EventExecEnd:
		r.execEndLocked(ev)
	case schema.EventPatchApplyBegin:
		r.appendEntryLocked(schema.EntrySystem, "applying patch", false)
	case schema.EventPatchApplyEnd:
		if ev.Msg.Success != nil && *ev.Msg.Success {
			r.appendEntryLocked(schema.EntrySystem, "patch applied", false)
		} else {
			r.appendEntryLocked(schema.EntrySystem, "patch failed", false)
		}
	case schema.EventApprovalRequest:
		r.approvalLocked(ev)
	case schema.EventError:
		r.errorLocked(ev.Msg.Message)
	case schema.EventTokenCount:
		r.usage = ev.Msg.Usage()
		if r.events != nil {
			r.events.OnUsage(schema.UsageEvent{Conversation: r.conv, Usage: r.usage})
		}
	case schema.EventPlanUpdate:
		r.plan = append([]schema.PlanStep(nil), ev.Msg.Plan...)
		if r.events != nil {
			r.events.OnPlan(schema.PlanEvent{Conversation: r.conv, Plan: r.plan})
		}
	case schema.EventBackgroundNotice:
		r.log.Trace("background event", "message", ev.Msg.Message)
	case schema.EventShutdownComplete:
		// Loop exit is the owning service's concern.
	default:
		r.log.Trace("event ignored", "type", ev.Msg.Type)
	}
}

func (r *reducer) establishedLocked(ev schema.Event) {
	if ev.Msg.SessionID != "" {
		r.session = ev.Msg.SessionID
	}
	if ev.Msg.Model != "" {
		r.model = ev.Msg.Model
	}
	r.store.EnsureConversation(r.conv)
	r.log.Debug("session established", "session", r.session, "model", r.model)
}

// Turn lifecycle. Per-turn state is cleared on both edges: entering Active
// and entering Idle, so nothing leaks across turns in either direction.

func (r *reducer) startTurnLocked() {
	r.clearTurnStateLocked()
	r.turnActive.Store(true)
	r.setLoadingLocked(true)
}

func (r *reducer) endTurnLocked() {
	r.finalizeOpenLocked()
	r.clearTurnStateLocked()
	r.turnActive.Store(false)
	r.setLoadingLocked(false)
}

func (r *reducer) abortTurnLocked() {
	r.finalizeOpenLocked()
	r.appendEntryLocked(schema.EntrySystem, "turn aborted", false)
	r.clearTurnStateLocked()
	r.turnActive.Store(false)
	r.setLoadingLocked(false)
}

// finalizeOpenLocked commits every still-open agent and reasoning stream so
// a turn never ends mid-stream visually. Exec streams are left to their own
// end events; the clear drops whatever never finished.
func (r *reducer) finalizeOpenLocked() {
	for _, key := range r.streams.open(schema.ChannelAgent, schema.ChannelReasoning) {
		r.finalizeStreamLocked(key, "", false)
	}
}

func (r *reducer) clearTurnStateLocked() {
	r.flush.cancelAll()
	r.streams.clear()
	r.diffSeen = make(map[string]struct{})
}

// Stream buffer operations.

func (r *reducer) beginOrAppendDeltaLocked(channel schema.ChannelKind, stream schema.StreamID, delta string) {
	key := streamKey{channel: channel, stream: stream}
	entry, ok := r.streams.get(key)
	if !ok {
		added := r.appendEntryLocked(entryKindFor(channel), "", true)
		entry = r.streams.create(key, added.ID)
	}
	if delta != "" {
		entry.buf.WriteString(delta)
	}
	r.scheduleFlushLocked(key)
}

// replaceOrEmitLocked is the full-restatement path. A restatement equal to
// the accumulated buffer is the feed's idempotent resend and is ignored;
// different text starts a brand-new rendered entry rather than mutating the
// old one, matching how the backend itself segments output.
func (r *reducer) replaceOrEmitLocked(channel schema.ChannelKind, stream schema.StreamID, text string) {
	key := streamKey{channel: channel, stream: stream}
	if entry, ok := r.streams.get(key); ok && entry.buf.String() == text {
		return
	}
	r.flush.cancel(key)
	added := r.appendEntryLocked(entryKindFor(channel), text, false)
	fresh := r.streams.create(key, added.ID)
	fresh.buf.WriteString(text)
}

// finalizeStreamLocked commits a stream's content and retires its id. The
// write is immediate, never coalesced. With no live stream and non-empty
// text it emits an already-final entry.
func (r *reducer) finalizeStreamLocked(key streamKey, finalText string, hasFinal bool) {
	entry, ok := r.streams.get(key)
	if !ok {
		if hasFinal && finalText != "" {
			r.appendEntryLocked(entryKindFor(key.channel), finalText, false)
		}
		return
	}
	content := entry.buf.String()
	if hasFinal {
		content = finalText
	}
	streaming := false
	r.updateEntryLocked(entryKindFor(key.channel), entry.entryID, schema.EntryPatch{Content: &content, Streaming: &streaming})
	r.streams.remove(key)
	r.flush.cancel(key)
}

func (r *reducer) sectionBreakLocked(stream schema.StreamID) {
	key := streamKey{channel: schema.ChannelReasoning, stream: stream}
	entry, ok := r.streams.get(key)
	if !ok {
		return
	}
	entry.buf.WriteString("\n\n")
	r.scheduleFlushLocked(key)
}

// Flushing.

func (r *reducer) scheduleFlushLocked(key streamKey) {
	if r.closed || r.flush.armed(key) {
		return
	}
	gen := r.flush.arm(key)
	r.flush.attach(key, flushAfterFunc(r.flush.interval, func() {
		r.fireFlush(key, gen)
	}))
}

// fireFlush runs on the timer goroutine. It writes the stream's current
// buffer, not the buffer at schedule time, so every delta that arrived in
// between rides the same write.
func (r *reducer) fireFlush(key streamKey, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.flush.claim(key, gen) {
		return
	}
	entry, ok := r.streams.get(key)
	if !ok {
		return
	}
	content := entry.buf.String()
	r.updateEntryLocked(entryKindFor(key.channel), entry.entryID, schema.EntryPatch{Content: &content})
}

// Diffs.

func (r *reducer) diffLocked(raw string) {
	if raw == "" {
		return
	}
	if !r.shouldShowDiffLocked(raw) {
		return
	}
	r.appendEntryLocked(schema.EntryDiff, raw, false)
}

func (r *reducer) shouldShowDiffLocked(raw string) bool {
	if _, ok := r.diffSeen[raw]; ok {
		return false
	}
	r.diffSeen[raw] = struct{}{}
	return true
}

// Exec lifecycle.

func (r *reducer) execBeginLocked(ev schema.Event) {
	header := "cwd: " + ev.Msg.Cwd + "\n$ " + strings.Join(ev.Msg.Command, " ") + "\n"
	r.beginOrAppendDeltaLocked(schema.ChannelExec, execStreamID(ev), header)
}

func (r *reducer) execDeltaLocked(ev schema.Event) {
	r.beginOrAppendDeltaLocked(schema.ChannelExec, execStreamID(ev), schema.ChunkText(ev.Msg.Chunk))
}

func (r *reducer) execEndLocked(ev schema.Event) {
	key := streamKey{channel: schema.ChannelExec, stream: execStreamID(ev)}
	code := 0
	if ev.Msg.ExitCode != nil {
		code = *ev.Msg.ExitCode
	}
	if entry, ok := r.streams.get(key); ok {
		r.finalizeStreamLocked(key, entry.buf.String()+"\nexit "+strconv.Itoa(code), true)
		return
	}
	r.finalizeStreamLocked(key, "exit "+strconv.Itoa(code), true)
}

// execStreamID correlates exec events by call id, falling back to the
// envelope id when a feed omits it.
func execStreamID(ev schema.Event) schema.StreamID {
	if ev.Msg.CallID != "" {
		return schema.StreamID(ev.Msg.CallID)
	}
	return ev.ID
}

// Approvals.

func (r *reducer) approvalLocked(ev schema.Event) {
	req := schema.ApprovalRequest{
		ID:   schema.ApprovalID(ev.ID),
		Kind: ev.Msg.Kind,
	}
	if d := ev.Msg.Details; d != nil {
		req.Command = d.Command
		req.Cwd = d.Cwd
		req.Patch = d.Patch
		req.Files = append([]string(nil), d.Files...)
	}
	if r.approvals != nil {
		r.approvals.OnApprovalRequest(r.conv, req)
	}
	if r.events != nil {
		r.events.OnApproval(schema.ApprovalEvent{Conversation: r.conv, Request: req})
	}
}

// Errors surfaced by the agent end the loading indicator but do not force
// the turn Idle; the turn's own end event still arrives on its own terms.
func (r *reducer) errorLocked(message string) {
	if message == "" {
		message = "unknown error"
	}
	r.appendEntryLocked(schema.EntrySystem, "error: "+message, false)
	r.setLoadingLocked(false)
}

// Transcript intents.

func (r *reducer) appendEntryLocked(kind schema.EntryKind, content string, streaming bool) schema.TranscriptEntry {
	entry := schema.TranscriptEntry{
		ID:        schema.EntryID(newID()),
		Kind:      kind,
		Content:   content,
		Streaming: streaming,
		CreatedAt: time.Now().UTC(),
	}
	r.store.AppendEntry(r.conv, entry)
	if r.events != nil {
		r.events.OnEntry(schema.EntryEvent{Conversation: r.conv, Type: schema.EntryEventAdded, Entry: entry})
	}
	return entry
}

func (r *reducer) updateEntryLocked(kind schema.EntryKind, id schema.EntryID, patch schema.EntryPatch) {
	r.store.UpdateEntry(r.conv, id, patch)
	if r.events != nil {
		p := patch
		r.events.OnEntry(schema.EntryEvent{
			Conversation: r.conv,
			Type:         schema.EntryEventUpdated,
			Entry:        schema.TranscriptEntry{ID: id, Kind: kind},
			Patch:        &p,
		})
	}
}

func (r *reducer) setLoadingLocked(loading bool) {
	r.store.SetLoading(r.conv, loading)
	if r.events != nil {
		r.events.OnLoading(schema.LoadingEvent{Conversation: r.conv, Loading: loading})
	}
}

func entryKindFor(channel schema.ChannelKind) schema.EntryKind {
	switch channel {
	case schema.ChannelReasoning:
		return schema.EntryReasoning
	case schema.ChannelExec:
		return schema.EntryExec
	default:
		return schema.EntryAgent
	}
}

// Teardown.

// Close tears the reducer down hard: every pending flush is cancelled and
// every buffer dropped before the call returns. A timer that already fired
// blocks on the mutex and then sees closed, so it can never write.
func (r *reducer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.flush.cancelAll()
	r.streams.clear()
	r.diffSeen = make(map[string]struct{})
}

// Shutdown finalizes still-open agent and reasoning streams and drops the
// loading indicator before closing, preserving partial output when the feed
// ends mid-turn.
func (r *reducer) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.finalizeOpenLocked()
	if r.turnActive.Load() {
		r.turnActive.Store(false)
		r.setLoadingLocked(false)
	}
	r.closed = true
	r.flush.cancelAll()
	r.streams.clear()
	r.diffSeen = make(map[string]struct{})
}

// Accessors for session snapshots.

func (r *reducer) Session() schema.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *reducer) Model() schema.ModelID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model
}

func (r *reducer) TurnActive() bool {
	return r.turnActive.Load()
}

func (r *reducer) Usage() schema.TokenUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}
