package flow

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/flowmach/flowmach/flow/expr"
)

// Phase values stored under varPhase on a try node's state.
const (
	phaseCatch = "catch"
)

// defaultCatchVar is the binding name for the caught error object when
// catch.as is not set.
const defaultCatchVar = "error"

// execTry drives a try task. The try body runs like an ordered scope;
// error routing into the catch happens out-of-band in routeError, which
// flips the node into the catch phase before resuming it.
func (r *Run) execTry(node *Node, st *NodeState) (stepOutcome, error) {
	if st.HasRawOutput() {
		// A matched catch without a handler body swallows the error and
		// leaves the try's raw output pre-set.
		return outcomeCompleted, nil
	}

	if phase, _ := st.Var(varPhase); phase == phaseCatch {
		cs := r.peekState(node.CatchNode.Position)
		if cs != nil && cs.Completed() {
			st.SetRawOutput(deref(cs.TransformedOutput))
			r.dropSubtree(node.CatchNode.Position)
			return outcomeCompleted, nil
		}
		return descendTo(node.CatchNode), nil
	}

	if _, ok := st.IntVar(varAt); !ok {
		st.SetVar(varAt, 0)
		st.SetVar(varCurrent, deref(st.TransformedInput))
	}
	sig, child, err := r.scopeAdvance(node, st, node.TryBody)
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

// routeError propagates an error raised at a node. It walks the
// ancestry looking for a try task whose body contains the failing node
// and whose catch matches the error. Retry wins over the catch body: a
// matching retry policy with budget left schedules a delayed re-run of
// the failing node instead of entering the catch.
//
// The return value follows the driver's contract: a non-nil StepResult
// terminates the step (waiting on a retry, or faulted when unhandled);
// otherwise the driver continues at the returned position.
func (r *Run) routeError(failing *Node, werr *Error) (*StepResult, Position) {
	r.emit(failing.Position, "task_faulted", map[string]any{"error": werr.Error()})

	failingKey := failing.Position.String()
	for anc := failing.Parent; anc != nil; anc = anc.Parent {
		if anc.Kind() != KindTry {
			continue
		}
		bodyPrefix := anc.Position.AppendToken(TokenTry).AppendToken(TokenDo).String()
		if !strings.HasPrefix(failingKey, bodyPrefix+"/") {
			// Errors raised inside the catch body propagate past this try.
			continue
		}

		tryState := r.state(anc.Position)
		matched, err := r.catchMatches(anc, tryState, werr)
		if err != nil {
			return r.fault(anc.Position, asWorkflowError(err, anc.Position)), Position{}
		}
		if !matched {
			continue
		}

		catch := anc.Task.Catch
		if retry, ok := r.retryAllowed(anc, tryState, werr); ok {
			tryState.AttemptCount++
			attempt := tryState.AttemptCount
			delay := retryDelay(retry, attempt)
			// The failing subtree restarts from scratch on redelivery; its
			// raw input re-derives from the try cursor, which is kept.
			r.dropSubtree(failing.Position)
			r.addArtifact(DelayArtifact{
				Kind:     DelayRetry,
				Delay:    delay,
				Attempt:  attempt,
				Position: failing.Position,
			})
			r.Position = failing.Position
			r.Status = StatusWaiting
			r.emit(failing.Position, "task_retrying", map[string]any{"attempt": attempt})
			return &StepResult{Status: StatusWaiting, Artifacts: r.artifacts, Position: r.Position}, Position{}
		}

		for _, child := range anc.TryBody {
			r.dropSubtree(child.Position)
		}
		delete(tryState.Variables, varAt)
		delete(tryState.Variables, varCurrent)

		if anc.CatchNode == nil {
			// Matched with no handler body: the error is swallowed and the
			// try completes with its own transformed input.
			tryState.SetRawOutput(deref(tryState.TransformedInput))
			return nil, anc.Position
		}

		tryState.SetVar(varPhase, phaseCatch)
		name := catch.As
		if name == "" {
			name = defaultCatchVar
		}
		r.state(anc.CatchNode.Position).SetVar(name, werr.AsObject())
		r.emit(anc.Position, "task_caught", map[string]any{"error": werr.Error()})
		return nil, anc.Position
	}

	return r.fault(failing.Position, werr), Position{}
}

// catchMatches applies the catch's error filter and when/exceptWhen
// predicates to the raised error.
func (r *Run) catchMatches(try *Node, tryState *NodeState, werr *Error) (bool, error) {
	c := try.Task.Catch
	if c == nil {
		return false, nil
	}
	if c.Errors != nil && c.Errors.With != nil {
		sel := c.Errors.With
		if !matchErrorType(sel.Type, werr.Type) {
			return false, nil
		}
		if sel.Status != 0 && sel.Status != werr.Status {
			return false, nil
		}
	}
	if c.When == "" && c.ExceptWhen == "" {
		return true, nil
	}

	dot := deref(tryState.TransformedInput)
	vars := r.scopeVars(try, tryState)
	vars[defaultCatchVar] = werr.AsObject()
	if c.When != "" {
		v, err := r.evalExpr(try, c.When, dot, vars)
		if err != nil {
			return false, err
		}
		if !expr.Truthy(v) {
			return false, nil
		}
	}
	if c.ExceptWhen != "" {
		v, err := r.evalExpr(try, c.ExceptWhen, dot, vars)
		if err != nil {
			return false, err
		}
		if expr.Truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// retryAllowed reports whether the catch's retry policy applies to this
// error and has budget left.
func (r *Run) retryAllowed(try *Node, tryState *NodeState, werr *Error) (*RetryClause, bool) {
	c := try.Task.Catch
	if c == nil || c.Retry == nil {
		return nil, false
	}
	rc := c.Retry

	if rc.When != "" || rc.ExceptWhen != "" {
		dot := deref(tryState.TransformedInput)
		vars := r.scopeVars(try, tryState)
		vars[defaultCatchVar] = werr.AsObject()
		if rc.When != "" {
			v, err := r.evalExpr(try, rc.When, dot, vars)
			if err != nil || !expr.Truthy(v) {
				return nil, false
			}
		}
		if rc.ExceptWhen != "" {
			v, err := r.evalExpr(try, rc.ExceptWhen, dot, vars)
			if err != nil || expr.Truthy(v) {
				return nil, false
			}
		}
	}

	if rc.Limit != nil {
		if rc.Limit.Attempt != nil && rc.Limit.Attempt.Count > 0 {
			if tryState.AttemptCount >= rc.Limit.Attempt.Count {
				return nil, false
			}
		}
		if rc.Limit.Duration != nil && tryState.StartedAt != nil {
			budget, err := rc.Limit.Duration.Duration()
			if err == nil && r.opts.Now().Sub(*tryState.StartedAt) >= budget {
				return nil, false
			}
		}
	}
	return rc, true
}

// runAttempt executes a node under the per-attempt duration budget of
// the nearest enclosing retry policy, when one is declared. A budget
// overrun surfaces as a deadline error from the node's executor and
// routes through the same retry/catch machinery as any other fault.
func (r *Run) runAttempt(ctx context.Context, node *Node, st *NodeState) (stepOutcome, error) {
	if budget := r.attemptBudget(node); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	return r.executeNode(ctx, node, st)
}

// attemptBudget returns limit.attempt.duration from the nearest try
// ancestor whose body contains the node, or zero when none applies.
func (r *Run) attemptBudget(node *Node) time.Duration {
	key := node.Position.String()
	for anc := node.Parent; anc != nil; anc = anc.Parent {
		if anc.Kind() != KindTry {
			continue
		}
		bodyPrefix := anc.Position.AppendToken(TokenTry).AppendToken(TokenDo).String()
		if !strings.HasPrefix(key, bodyPrefix+"/") {
			continue
		}
		c := anc.Task.Catch
		if c == nil || c.Retry == nil || c.Retry.Limit == nil {
			continue
		}
		attempt := c.Retry.Limit.Attempt
		if attempt == nil || attempt.Duration == nil {
			continue
		}
		if d, err := attempt.Duration.Duration(); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

// retryDelay computes the wait before the given 1-based attempt.
func retryDelay(rc *RetryClause, attempt int) time.Duration {
	base := time.Second
	if rc.Delay != nil {
		if d, err := rc.Delay.Duration(); err == nil && d > 0 {
			base = d
		}
	}

	delay := base
	if b := rc.Backoff; b != nil {
		switch {
		case b.Linear != nil:
			delay = base * time.Duration(attempt)
		case b.Exponential != nil:
			mult := b.Exponential.Multiplier
			if mult <= 0 {
				mult = 2
			}
			delay = time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
			if b.Exponential.MaxDelay != nil {
				if max, err := b.Exponential.MaxDelay.Duration(); err == nil && max > 0 && delay > max {
					delay = max
				}
			}
		}
	}

	if j := rc.Jitter; j != nil && j.To != nil {
		var from, to time.Duration
		if j.From != nil {
			from, _ = j.From.Duration()
		}
		to, _ = j.To.Duration()
		if to > from {
			delay += from + time.Duration(rand.Int63n(int64(to-from)))
		} else {
			delay += from
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
