package events

// Event represents a structured state change emitted by the payment core.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (RPC readers, logs).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// Components use it as the default so event wiring stays optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
