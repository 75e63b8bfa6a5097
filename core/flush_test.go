package core

import (
	"testing"
	"time"

	"pkt.systems/weft/schema"
)

func TestFlushSchedulerClaimLifecycle(t *testing.T) {
	s := newFlushScheduler(0)
	if s.interval != schema.DefaultFlushInterval {
		t.Fatalf("expected default interval, got %v", s.interval)
	}
	key := streamKey{channel: schema.ChannelAgent, stream: "s1"}
	if s.armed(key) {
		t.Fatalf("fresh scheduler must not be armed")
	}
	gen := s.arm(key)
	if !s.armed(key) {
		t.Fatalf("arm must leave a pending flush")
	}
	if !s.claim(key, gen) {
		t.Fatalf("claim with matching generation must succeed")
	}
	if s.claim(key, gen) {
		t.Fatalf("second claim must fail")
	}
	if s.armed(key) {
		t.Fatalf("claim must consume the pending flush")
	}
}

func TestFlushSchedulerCancelPreventsClaim(t *testing.T) {
	s := newFlushScheduler(time.Millisecond)
	key := streamKey{channel: schema.ChannelAgent, stream: "s1"}
	gen := s.arm(key)
	s.attach(key, time.NewTimer(time.Hour))
	s.cancel(key)
	if s.claim(key, gen) {
		t.Fatalf("cancelled flush must not be claimable")
	}
	if s.armed(key) {
		t.Fatalf("cancel must drop the pending flush")
	}
}

func TestFlushSchedulerRearmSupersedesOldGeneration(t *testing.T) {
	s := newFlushScheduler(time.Millisecond)
	key := streamKey{channel: schema.ChannelReasoning, stream: "s1"}
	gen1 := s.arm(key)
	s.cancel(key)
	gen2 := s.arm(key)
	if s.claim(key, gen1) {
		t.Fatalf("stale generation must not claim")
	}
	if !s.claim(key, gen2) {
		t.Fatalf("current generation must claim")
	}
}

func TestFlushSchedulerCancelAll(t *testing.T) {
	s := newFlushScheduler(time.Millisecond)
	k1 := streamKey{channel: schema.ChannelAgent, stream: "s1"}
	k2 := streamKey{channel: schema.ChannelExec, stream: "c1"}
	g1 := s.arm(k1)
	s.attach(k1, time.NewTimer(time.Hour))
	g2 := s.arm(k2)
	s.attach(k2, time.NewTimer(time.Hour))
	s.cancelAll()
	if s.claim(k1, g1) || s.claim(k2, g2) {
		t.Fatalf("cancelAll must drop every pending flush")
	}
	if s.armed(k1) || s.armed(k2) {
		t.Fatalf("cancelAll left armed keys")
	}
}
