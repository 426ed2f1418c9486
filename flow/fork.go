package flow

import (
	"context"
	"fmt"
	"sync"
)

// execFork runs every branch concurrently as an isolated sub-instance
// rooted at the branch node. Without compete the raw output is the
// ordered array of branch outputs; with compete the first branch to
// complete wins and the rest are cancelled.
//
// Branches execute within the step: a branch that suspends (wait,
// listen, sub-workflow) cannot be resumed and is rejected.
func (r *Run) execFork(ctx context.Context, node *Node, st *NodeState) (stepOutcome, error) {
	if st.HasRawOutput() {
		return outcomeCompleted, nil
	}
	input := deref(st.TransformedInput)
	compete := node.Task.Fork.Compete

	branchCtx := ctx
	var cancel context.CancelFunc
	if compete {
		branchCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	type branchResult struct {
		res *StepResult
		err error
	}
	results := make([]branchResult, len(node.Children))

	var (
		wg      sync.WaitGroup
		winOnce sync.Once
		winner  = -1
	)
	for i, branch := range node.Children {
		wg.Add(1)
		go func(i int, branch *Node) {
			defer wg.Done()
			sub := &Run{
				ID:       r.ID,
				Graph:    r.Graph,
				States:   map[string]*NodeState{},
				Position: branch.Position,
				Status:   StatusPending,
				opts:     r.opts,
				input:    input,
				rootPos:  branch.Position,
			}
			res, err := sub.Step(branchCtx)
			results[i] = branchResult{res: res, err: err}
			if compete && err == nil && res.Status == StatusCompleted {
				winOnce.Do(func() {
					winner = i
					cancel()
				})
			}
		}(i, branch)
	}
	wg.Wait()

	if compete {
		if winner < 0 {
			// Every branch failed or was cancelled; surface the first
			// concrete failure.
			for _, br := range results {
				if br.err != nil && branchCtx.Err() == nil {
					return stepOutcome{}, br.err
				}
				if br.res != nil && br.res.Status == StatusFaulted {
					return stepOutcome{}, br.res.Error
				}
			}
			return stepOutcome{}, NewRuntimeError(fmt.Sprintf("%s: no branch completed", node.Position), nil)
		}
		win := results[winner]
		r.artifacts = append(r.artifacts, win.res.Artifacts...)
		st.SetRawOutput(win.res.Output)
		return outcomeCompleted, nil
	}

	outputs := make([]any, len(results))
	for i, br := range results {
		branch := node.Children[i]
		switch {
		case br.err != nil:
			return stepOutcome{}, br.err
		case br.res.Status == StatusFaulted:
			return stepOutcome{}, br.res.Error
		case br.res.Status == StatusWaiting:
			return stepOutcome{}, NewConfigurationError(
				fmt.Sprintf("%s: branch %q suspends; fork branches must run to completion", node.Position, branch.Name))
		default:
			r.artifacts = append(r.artifacts, br.res.Artifacts...)
			outputs[i] = br.res.Output
		}
	}
	st.SetRawOutput(outputs)
	return outcomeCompleted, nil
}
