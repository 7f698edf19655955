package events

import "escrowledger/core/types"

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Typed wraps a raw *types.Event so it satisfies Event.
type Typed struct {
	Evt *types.Event
}

// EventType implements Event.
func (t Typed) EventType() string {
	if t.Evt == nil {
		return ""
	}
	return t.Evt.Type
}

// Event returns the underlying payload.
func (t Typed) Event() *types.Event { return t.Evt }
