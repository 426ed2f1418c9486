package flow

import "fmt"

// execRaise evaluates the error definition and raises the resulting
// workflow error. The task never completes: the error immediately
// routes through the enclosing try chain.
func (r *Run) execRaise(node *Node, st *NodeState) (stepOutcome, error) {
	input := deref(st.TransformedInput)
	vars := r.scopeVars(node, st)

	v, err := r.eval(node, node.Task.Raise.Error, input, vars)
	if err != nil {
		return stepOutcome{}, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return stepOutcome{}, NewValidationError(
			fmt.Sprintf("%s: raise.error must produce an object", node.Position)).WithSource(node.Position)
	}
	return stepOutcome{}, errorFromObject(obj, node.Position)
}
