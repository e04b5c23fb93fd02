package core

import "pkt.systems/muxd/schema"

// EventSink receives pane and session events from the registry. Calls are
// made from pane read loops and registry operations and must not block.
type EventSink interface {
	OnOutput(event schema.OutputEvent)
	OnExit(event schema.ExitEvent)
	OnHealthChanged(event schema.HealthEvent)
	OnResize(event schema.ResizeEvent)
	OnRestart(event schema.RestartEvent)
	OnPaneClosed(event schema.PaneClosedEvent)
	OnSessionChanged(event schema.SessionEvent)
	OnError(event schema.ErrorEvent)
}

type noopSink struct{}

func (noopSink) OnOutput(schema.OutputEvent) {}
func (noopSink) OnExit(schema.ExitEvent) {}
func (noopSink) OnHealthChanged(schema.HealthEvent) {}
func (noopSink) OnResize(schema.ResizeEvent) {}
func (noopSink) OnRestart(schema.RestartEvent) {}
func (noopSink) OnPaneClosed(schema.PaneClosedEvent) {}
func (noopSink) OnSessionChanged(schema.SessionEvent) {}
func (noopSink) OnError(schema.ErrorEvent) {}
