package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"pkt.systems/weft/schema"
)

// session holds the live state for one open agent session. Mutable fields
// are guarded by the owning service's mutex.
type session struct {
	conversation schema.ConversationID
	sessionID    schema.SessionID
	model        schema.ModelID
	cwd          string
	state        schema.SessionState
	createdAt    time.Time

	handle           AgentHandle
	reducer          *reducer
	cancel           context.CancelFunc
	done             chan struct{}
	subSeq           atomic.Uint64
	approvalsPending map[schema.ApprovalID]schema.ApprovalKind
}

// nextSubmissionID mints a session-unique submission id.
func (sess *session) nextSubmissionID() schema.SubmissionID {
	return schema.SubmissionID(fmt.Sprintf("sub-%d", sess.subSeq.Add(1)))
}

// snapshotLocked builds a point-in-time view; the caller holds the service
// mutex.
func (sess *session) snapshotLocked() schema.SessionSnapshot {
	return schema.SessionSnapshot{
		Conversation: sess.conversation,
		Session:      sess.sessionID,
		Model:        sess.model,
		Cwd:          sess.cwd,
		State:        sess.state,
		TurnActive:   sess.reducer.TurnActive(),
		CreatedAt:    sess.createdAt,
	}
}
