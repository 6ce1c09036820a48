package emit

// Emitter receives execution events from the engine. Implementations must
// not block: a slow downstream (subscriber, exporter) is the emitter's
// problem, never the engine's.
type Emitter interface {
	Emit(event Event)
}

// Multi fans a single Emit out to several emitters in order. A typical
// wiring is Multi{broker, logEmitter, otelEmitter}.
type Multi []Emitter

// Emit delivers the event to every wrapped emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}

// Null discards all events. Useful as a default and in tests.
type Null struct{}

// Emit does nothing.
func (Null) Emit(Event) {}
