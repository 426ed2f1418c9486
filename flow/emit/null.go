package emit

// NullEmitter implements Emitter by discarding all events.
//
// It is the default when no emitter is configured, and the right
// choice for tests that do not assert on events.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that discards everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
