// Package emit carries the pluggable observability bus for workflow
// execution: lifecycle events flow from the interpreter to an Emitter,
// which forwards them to logging, tracing, or nothing at all.
package emit

// Event is one observability event from a workflow instance.
//
// Events mark lifecycle transitions:
//   - task_started, task_completed, task_skipped
//   - task_waiting, task_retrying, task_caught, task_faulted
//   - workflow_faulted
type Event struct {
	// InstanceID identifies the workflow instance that emitted the event.
	InstanceID string

	// Workflow is the definition name.
	Workflow string

	// Position is the canonical position of the node involved; "/" for
	// workflow-level events.
	Position string

	// Msg names the lifecycle transition.
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "error": error details
	//   - "attempt": retry attempt number
	Meta map[string]any
}
