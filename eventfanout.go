package weft

import (
	"pkt.systems/weft/core"
	"pkt.systems/weft/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnEntry(event schema.EntryEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnEntry(event)
	}
}

func (f eventFanout) OnLoading(event schema.LoadingEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnLoading(event)
	}
}

func (f eventFanout) OnApproval(event schema.ApprovalEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnApproval(event)
	}
}

func (f eventFanout) OnSession(event schema.SessionEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSession(event)
	}
}

func (f eventFanout) OnUsage(event schema.UsageEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnUsage(event)
	}
}

func (f eventFanout) OnPlan(event schema.PlanEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnPlan(event)
	}
}
