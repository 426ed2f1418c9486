package flow

// execSet builds the task's raw output from the set mapping, with every
// marked string evaluated against the transformed input. Setting
// metadata.merge shallow-merges the result over an object input instead
// of replacing it.
func (r *Run) execSet(node *Node, st *NodeState) (stepOutcome, error) {
	input := deref(st.TransformedInput)
	vars := r.scopeVars(node, st)

	out := make(map[string]any, len(node.Task.Set))
	for k, v := range node.Task.Set {
		resolved, err := r.eval(node, v, input, vars)
		if err != nil {
			return stepOutcome{}, err
		}
		out[k] = resolved
	}

	if merge, _ := node.Task.Metadata["merge"].(bool); merge {
		if base, ok := input.(map[string]any); ok {
			merged := make(map[string]any, len(base)+len(out))
			for k, v := range base {
				merged[k] = v
			}
			for k, v := range out {
				merged[k] = v
			}
			st.SetRawOutput(merged)
			return outcomeCompleted, nil
		}
	}
	st.SetRawOutput(out)
	return outcomeCompleted, nil
}
