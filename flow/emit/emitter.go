package emit

// Emitter receives observability events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: never slow down step execution
//   - Thread-safe: fork branches emit concurrently
//   - Resilient: a failing backend must not fail the workflow
//
// Emit must not panic; backend errors are handled internally.
type Emitter interface {
	Emit(event Event)
}
