package flow

import (
	"fmt"

	"github.com/flowmach/flowmach/flow/expr"
)

// execSwitch evaluates the ordered case list against the transformed
// input and records the winning case's directive for the enclosing
// scope to act on. The task itself is transparent: its raw output is
// its transformed input.
func (r *Run) execSwitch(node *Node, st *NodeState) (stepOutcome, error) {
	input := deref(st.TransformedInput)
	vars := r.scopeVars(node, st)

	for _, c := range node.Task.Cases {
		if c.When != "" {
			v, err := r.evalExpr(node, c.When, input, vars)
			if err != nil {
				return stepOutcome{}, err
			}
			if !expr.Truthy(v) {
				continue
			}
		}
		// A case without a when clause is the default arm: it matches as
		// soon as evaluation reaches it.
		st.SetVar(varThen, c.Then)
		st.SetRawOutput(input)
		return outcomeCompleted, nil
	}
	return stepOutcome{}, NewConfigurationError(
		fmt.Sprintf("%s: no switch case matched and no default case exists", node.Position))
}
