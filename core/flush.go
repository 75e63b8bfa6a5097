package core

import (
	"time"

	"pkt.systems/weft/schema"
)

var flushAfterFunc = time.AfterFunc

// flushScheduler coalesces buffer writes: at most one pending flush per
// stream key. None of its methods lock; the owning reducer holds its mutex
// around every call, and timer callbacks re-enter through the reducer, so a
// cancelled or superseded flush can never claim a write.
type flushScheduler struct {
	interval time.Duration
	gen      uint64
	pending  map[streamKey]uint64
	timers   map[streamKey]*time.Timer
}

func newFlushScheduler(interval time.Duration) *flushScheduler {
	if interval <= 0 {
		interval = schema.DefaultFlushInterval
	}
	return &flushScheduler{
		interval: interval,
		pending:  make(map[streamKey]uint64),
		timers:   make(map[streamKey]*time.Timer),
	}
}

// armed reports whether a flush is already pending for key.
func (s *flushScheduler) armed(key streamKey) bool {
	_, ok := s.pending[key]
	return ok
}

// arm registers a pending flush for key and returns its generation token.
func (s *flushScheduler) arm(key streamKey) uint64 {
	s.gen++
	s.pending[key] = s.gen
	return s.gen
}

// attach records the timer backing the pending flush so cancel can stop it.
func (s *flushScheduler) attach(key streamKey, t *time.Timer) {
	s.timers[key] = t
}

// claim consumes the pending flush for key if gen still matches. A false
// return means the flush was cancelled or superseded after its timer fired.
func (s *flushScheduler) claim(key streamKey, gen uint64) bool {
	cur, ok := s.pending[key]
	if !ok || cur != gen {
		return false
	}
	delete(s.pending, key)
	delete(s.timers, key)
	return true
}

// cancel drops the pending flush for key without writing.
func (s *flushScheduler) cancel(key streamKey) {
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	delete(s.pending, key)
}

// cancelAll drops every pending flush.
func (s *flushScheduler) cancelAll() {
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	for key := range s.pending {
		delete(s.pending, key)
	}
}
