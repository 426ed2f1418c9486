package flow

import "fmt"

// execWait suspends the instance for the configured duration. The raw
// output is pre-set when the delay is scheduled, so the redelivered
// envelope completes the task without re-scheduling.
//
// Each suspension draws a fresh sequence number from the root state.
// The outbox row id derives from (instance, position, sequence), so a
// wait re-entered at the same position (inside a loop) gets a new row,
// while redelivery of the same pre-suspension envelope replays the same
// sequence and collapses onto the existing row.
func (r *Run) execWait(node *Node, st *NodeState) (stepOutcome, error) {
	if st.HasRawOutput() {
		return outcomeCompleted, nil
	}
	d, err := node.Task.Wait.Duration()
	if err != nil {
		return stepOutcome{}, NewValidationError(
			fmt.Sprintf("%s: %v", node.Position, err)).WithSource(node.Position)
	}
	st.SetRawOutput(deref(st.TransformedInput))
	root := r.state(r.rootPos)
	seq, _ := root.IntVar(varWaitSeq)
	seq++
	root.SetVar(varWaitSeq, seq)
	r.addArtifact(DelayArtifact{Kind: DelayWait, Delay: d, Attempt: seq, Position: node.Position})
	return outcomeWaiting, nil
}
