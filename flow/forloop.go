package flow

import (
	"fmt"

	"github.com/flowmach/flowmach/flow/expr"
)

// Default loop binding names when the for clause does not rename them.
const (
	defaultEachName = "item"
	defaultAtName   = "index"
)

// execFor iterates the body over the collection produced by for.in,
// re-checking the while predicate at the start of every iteration. The
// body's output feeds back as the next iteration's input, so the loop's
// raw output is the flowing value after the last iteration (the
// transformed input when zero iterations run).
func (r *Run) execFor(node *Node, st *NodeState) (stepOutcome, error) {
	clause := node.Task.For
	eachName := clause.Each
	if eachName == "" {
		eachName = defaultEachName
	}
	atName := clause.At
	if atName == "" {
		atName = defaultAtName
	}

	if _, ok := st.Var(varItems); !ok {
		input := deref(st.TransformedInput)
		vars := r.scopeVars(node, st)
		v, err := r.evalExpr(node, clause.In, input, vars)
		if err != nil {
			return stepOutcome{}, err
		}
		items, isList := expr.Normalize(v).([]any)
		if v == nil {
			items = nil
		} else if !isList {
			return stepOutcome{}, NewValidationError(
				fmt.Sprintf("%s: for.in must produce an array", node.Position)).WithSource(node.Position)
		}
		st.SetVar(varItems, items)
		st.SetVar(varIter, 0)
		st.SetVar(varCurrent, input)
	}

	items, _ := st.Var(varItems)
	list, _ := items.([]any)

	for {
		i, _ := st.IntVar(varIter)
		if i >= len(list) {
			break
		}
		st.SetVar(eachName, list[i])
		st.SetVar(atName, i)

		// The while predicate runs once, at the start of the iteration,
		// before the body cursor exists.
		if _, inBody := st.IntVar(varAt); !inBody {
			if predicate := node.Task.While; predicate != "" {
				current, _ := st.Var(varCurrent)
				vars := r.scopeVars(node, st)
				v, err := r.evalExpr(node, predicate, current, vars)
				if err != nil {
					return stepOutcome{}, err
				}
				if !expr.Truthy(v) {
					break
				}
			}
			st.SetVar(varAt, 0)
		}

		sig, child, err := r.scopeAdvance(node, st, node.Children)
		if err != nil {
			return stepOutcome{}, err
		}
		switch sig {
		case scopeDescend:
			return descendTo(child), nil
		case scopeExit, scopeEnded:
			// exit leaves the loop; end additionally bubbles via endNow.
			current, _ := st.Var(varCurrent)
			st.SetRawOutput(current)
			return outcomeCompleted, nil
		case scopeDone:
			delete(st.Variables, varAt)
			st.SetVar(varIter, i+1)
		}
	}

	current, _ := st.Var(varCurrent)
	st.SetRawOutput(current)
	return outcomeCompleted, nil
}
