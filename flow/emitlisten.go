package flow

// execEmit resolves the event attributes and queues the event for
// publication. The task is transparent: its raw output is its input.
func (r *Run) execEmit(node *Node, st *NodeState) (stepOutcome, error) {
	input := deref(st.TransformedInput)
	vars := r.scopeVars(node, st)

	event := make(map[string]any, len(node.Task.Emit.Event.With))
	for k, v := range node.Task.Emit.Event.With {
		resolved, err := r.eval(node, v, input, vars)
		if err != nil {
			return stepOutcome{}, err
		}
		event[k] = resolved
	}
	r.addArtifact(EventArtifact{Event: event})
	st.SetRawOutput(input)
	return outcomeCompleted, nil
}

// execListen suspends until the host delivers a matching event by
// setting the node's raw output and re-publishing the envelope. The raw
// output carries the consumed event.
func (r *Run) execListen(node *Node, st *NodeState) (stepOutcome, error) {
	if st.HasRawOutput() {
		return outcomeCompleted, nil
	}
	return outcomeWaiting, nil
}
