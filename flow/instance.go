package flow

import (
	"context"
	"fmt"

	"github.com/flowmach/flowmach/flow/expr"
)

// startNode runs the node's start phase: record the raw input, evaluate
// the if guard, apply input.from, and validate the input schema. It is
// idempotent across redeliveries: a node whose transformed input is
// already present is never restarted.
func (r *Run) startNode(node *Node, st *NodeState) error {
	if st.RawInput == nil {
		st.SetRawInput(expr.Normalize(r.inputFor(node)))
	}
	if st.StartedAt == nil {
		now := r.opts.Now().UTC()
		st.StartedAt = &now
	}
	raw := deref(st.RawInput)

	if node.Task.If != "" {
		vars := r.scopeVars(node, st)
		vars["input"] = raw
		v, err := r.evalExpr(node, node.Task.If, raw, vars)
		if err != nil {
			return err
		}
		if !expr.Truthy(v) {
			// Skipped: the task is transparent and the flow continues
			// with the next sibling regardless of its then directive.
			st.SetVar(varSkipped, true)
			st.SetTransformedInput(raw)
			st.SetRawOutput(raw)
			r.emit(node.Position, "task_skipped", nil)
			return nil
		}
	}

	input := raw
	if node.Task.Input != nil && node.Task.Input.From != nil {
		vars := r.scopeVars(node, st)
		vars["input"] = raw
		v, err := r.eval(node, node.Task.Input.From, raw, vars)
		if err != nil {
			return err
		}
		input = v
	}
	if node.Task.Input != nil {
		if err := validateSchema(node.Task.Input.Schema, input, node.Position, "input"); err != nil {
			return err
		}
	}
	st.SetTransformedInput(input)
	r.emit(node.Position, "task_started", nil)
	return nil
}

// executeNode runs the task-specific execute phase once.
func (r *Run) executeNode(ctx context.Context, node *Node, st *NodeState) (stepOutcome, error) {
	if skipped, _ := st.Var(varSkipped); skipped == true {
		return outcomeCompleted, nil
	}

	switch node.Kind() {
	case KindDo:
		return r.execScope(node, st, node.Children)
	case KindFor:
		return r.execFor(node, st)
	case KindSwitch:
		return r.execSwitch(node, st)
	case KindTry:
		return r.execTry(node, st)
	case KindSet:
		return r.execSet(node, st)
	case KindRaise:
		return r.execRaise(node, st)
	case KindWait:
		return r.execWait(node, st)
	case KindCall:
		return r.execCallHTTP(ctx, node, st)
	case KindRun:
		return r.execRun(ctx, node, st)
	case KindEmit:
		return r.execEmit(node, st)
	case KindListen:
		return r.execListen(node, st)
	case KindFork:
		return r.execFork(ctx, node, st)
	}
	return stepOutcome{}, NewConfigurationError(fmt.Sprintf("%s: unknown task kind", node.Position))
}

// completeNode runs the node's complete phase: output.as, output schema
// validation, and export.as into $context.
func (r *Run) completeNode(node *Node, st *NodeState) error {
	raw := deref(st.RawOutput)

	out := raw
	if node.Task.Output != nil && node.Task.Output.As != nil {
		vars := r.scopeVars(node, st)
		v, err := r.eval(node, node.Task.Output.As, raw, vars)
		if err != nil {
			return err
		}
		out = v
	}
	if node.Task.Output != nil {
		if err := validateSchema(node.Task.Output.Schema, out, node.Position, "output"); err != nil {
			return err
		}
	}
	st.SetTransformedOutput(out)

	if node.Task.Export != nil && node.Task.Export.As != nil {
		vars := r.scopeVars(node, st)
		vars["output"] = out
		v, err := r.eval(node, node.Task.Export.As, out, vars)
		if err != nil {
			return err
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return NewValidationError(fmt.Sprintf("%s: export.as must produce an object", node.Position)).WithSource(node.Position)
		}
		r.state(r.rootPos).Context = obj
	}
	return nil
}

// validateSchema enforces the structural subset of schema validation the
// runtime supports: required keys on objects.
func validateSchema(s *Schema, v any, pos Position, side string) error {
	if s == nil || s.Document == nil {
		return nil
	}
	required, ok := s.Document["required"].([]any)
	if !ok {
		return nil
	}
	obj, isObj := v.(map[string]any)
	if !isObj {
		return NewValidationError(fmt.Sprintf("%s: %s schema requires an object", pos, side)).WithSource(pos)
	}
	for _, req := range required {
		key, _ := req.(string)
		if key == "" {
			continue
		}
		if _, present := obj[key]; !present {
			return NewValidationError(fmt.Sprintf("%s: %s is missing required key %q", pos, side, key)).WithSource(pos)
		}
	}
	return nil
}
