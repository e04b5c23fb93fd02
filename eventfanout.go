package muxd

import (
	"pkt.systems/muxd/core"
	"pkt.systems/muxd/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnOutput(event schema.OutputEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnOutput(event)
	}
}

func (f eventFanout) OnExit(event schema.ExitEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnExit(event)
	}
}

func (f eventFanout) OnHealthChanged(event schema.HealthEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnHealthChanged(event)
	}
}

func (f eventFanout) OnResize(event schema.ResizeEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnResize(event)
	}
}

func (f eventFanout) OnRestart(event schema.RestartEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnRestart(event)
	}
}

func (f eventFanout) OnPaneClosed(event schema.PaneClosedEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnPaneClosed(event)
	}
}

func (f eventFanout) OnSessionChanged(event schema.SessionEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSessionChanged(event)
	}
}

func (f eventFanout) OnError(event schema.ErrorEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnError(event)
	}
}
