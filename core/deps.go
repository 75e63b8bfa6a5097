package core

import "pkt.systems/pslog"

// ServiceDeps captures dependencies for the core service. Launcher and
// Transcript are required; the rest may be nil.
type ServiceDeps struct {
	Launcher   Launcher
	Transcript TranscriptStore
	Reader     TranscriptReader
	Recorded   RecordedSessionLister
	Approvals  ApprovalSink
	EventSink  EventSink
	Logger     pslog.Logger
}
