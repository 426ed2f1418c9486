package flow

// scopeSignal is the result of advancing an ordered child scope.
type scopeSignal int

const (
	// scopeDescend: a child needs to run next.
	scopeDescend scopeSignal = iota
	// scopeDone: the cursor ran past the last child.
	scopeDone
	// scopeExit: a child requested leaving the enclosing scope.
	scopeExit
	// scopeEnded: a child requested ending the workflow.
	scopeEnded
)

// scopeAdvance drives the child cursor of an ordered scope (a do list,
// a try body, a for iteration). The caller must have initialised the
// cursor variables. Completed children are absorbed: their transformed
// output becomes the scope's flowing value, their then directive picks
// the next child, and their state subtree is dropped so the envelope
// never carries terminally-completed non-exported nodes.
func (r *Run) scopeAdvance(node *Node, st *NodeState, children []*Node) (scopeSignal, *Node, error) {
	at, _ := st.IntVar(varAt)
	for {
		if at >= len(children) {
			return scopeDone, nil, nil
		}
		child := children[at]
		cs := r.peekState(child.Position)
		if cs == nil || !cs.Completed() {
			return scopeDescend, child, nil
		}

		current := deref(cs.TransformedOutput)
		st.SetVar(varCurrent, current)
		dir := effectiveThen(child, cs)
		r.dropSubtree(child.Position)

		if r.endNow {
			return scopeEnded, nil, nil
		}
		switch dir {
		case DirectiveEnd:
			r.endNow = true
			return scopeEnded, nil, nil
		case DirectiveExit:
			return scopeExit, nil, nil
		case DirectiveContinue, "":
			at++
		default:
			target := -1
			for i, sib := range children {
				if sib.Name == dir {
					target = i
					break
				}
			}
			if target < 0 {
				return scopeDescend, nil, NewConfigurationError(
					"then target " + dir + " does not name a sibling of " + child.Position.String())
			}
			at = target
		}
		st.SetVar(varAt, at)
	}
}

// effectiveThen resolves the directive a completed child contributes:
// skipped tasks always continue, switch tasks contribute their matched
// case's directive, everything else contributes its own then field.
func effectiveThen(child *Node, cs *NodeState) string {
	if skipped, _ := cs.Var(varSkipped); skipped == true {
		return DirectiveContinue
	}
	if v, ok := cs.Var(varThen); ok {
		if s, isStr := v.(string); isStr {
			return s
		}
	}
	return child.Task.Then
}

// execScope executes a do-style ordered sequence: the node's raw output
// is the flowing value after the last child (or after an end/exit).
func (r *Run) execScope(node *Node, st *NodeState, children []*Node) (stepOutcome, error) {
	if _, ok := st.IntVar(varAt); !ok {
		st.SetVar(varAt, 0)
		st.SetVar(varCurrent, deref(st.TransformedInput))
	}
	sig, child, err := r.scopeAdvance(node, st, children)
	if err != nil {
		return stepOutcome{}, err
	}
	if sig == scopeDescend {
		return descendTo(child), nil
	}
	current, _ := st.Var(varCurrent)
	st.SetRawOutput(current)
	return outcomeCompleted, nil
}
