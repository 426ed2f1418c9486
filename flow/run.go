package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowmach/flowmach/flow/emit"
	"github.com/flowmach/flowmach/flow/expr"
)

// RuntimeName and RuntimeVersion identify this runtime in the $runtime
// expression binding.
const (
	RuntimeName    = "flowmach"
	RuntimeVersion = "0.1.0"
)

// Internal node-state variable keys. They are serialized with the state
// (they must survive suspension) but are hidden from expression scopes.
const (
	varAt      = "__at"
	varCurrent = "__current"
	varIter    = "__iter"
	varItems   = "__items"
	varPhase   = "__phase"
	varThen    = "__then"
	varSkipped = "__skipped"
	varSubErr  = "__suberror"
	varWaitSeq = "__waitseq"
)

// SubflowErrorVar is the state variable the host sets on a waiting
// run-workflow node to deliver a child instance's fault. The next step
// raises it as a workflow error at that node.
const SubflowErrorVar = varSubErr

// DelayKind distinguishes the two outbox schedules a step can request.
type DelayKind string

const (
	// DelayWait schedules resumption of a wait task.
	DelayWait DelayKind = "wait"
	// DelayRetry schedules a retry attempt after a back-off.
	DelayRetry DelayKind = "retry"
)

// Artifact is an outbound effect produced by one step: a delayed
// resumption, a sub-workflow start, or an event to publish. The driver
// buffers artifacts during the step; the consumer flushes them only
// after the step finishes, before acknowledging the inbound message.
type Artifact interface{ isArtifact() }

// DelayArtifact requests a durable outbox row that re-publishes the
// instance's envelope once Delay has elapsed.
type DelayArtifact struct {
	Kind     DelayKind
	Delay    time.Duration
	Attempt  int
	Position Position
}

// SubflowArtifact requests starting a child workflow whose completion
// resumes the parent at Position.
type SubflowArtifact struct {
	Name     string
	Version  string
	Input    any
	Position Position
}

// EventArtifact requests publishing an event produced by an emit task.
type EventArtifact struct {
	Event map[string]any
}

func (DelayArtifact) isArtifact()   {}
func (SubflowArtifact) isArtifact() {}
func (EventArtifact) isArtifact()   {}

// StepResult is the outcome of driving one step to its next suspension
// point or terminal state.
type StepResult struct {
	// Status is one of StatusCompleted, StatusFaulted, StatusWaiting.
	Status Status

	// Output is the workflow's final transformed output when Status is
	// StatusCompleted.
	Output any

	// Error is the unhandled error when Status is StatusFaulted.
	Error *Error

	// Artifacts are the outbound effects to flush.
	Artifacts []Artifact

	// Position is the instance's current position after the step; for
	// waiting instances it identifies the suspension point.
	Position Position
}

// Options configures a Run. Zero values select working defaults: a
// fresh expression engine, the default HTTP and process executors, a
// null emitter, the system clock, and a step limit of 10000.
type Options struct {
	// Engine is the shared expression engine. Sharing one across runs
	// of the same definition reuses compiled programs.
	Engine *expr.Engine

	// HTTP executes call:http tasks.
	HTTP HTTPCaller

	// Process executes run:script and run:shell tasks.
	Process ProcessLauncher

	// Secrets is the $secrets binding, resolved by the host.
	Secrets map[string]any

	// Emitter receives lifecycle events. Nil means no events.
	Emitter emit.Emitter

	// Now supplies the clock; tests override it.
	Now func() time.Time

	// MaxSteps bounds the number of driver transitions within a single
	// step, guarding against unbounded then-jump cycles.
	MaxSteps int
}

func (o Options) withDefaults() Options {
	if o.Engine == nil {
		o.Engine = expr.New()
	}
	if o.HTTP == nil {
		o.HTTP = NewHTTPExecutor(nil, nil)
	}
	if o.Process == nil {
		o.Process = NewProcessExecutor()
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = 10000
	}
	return o
}

// Run is a workflow instance rehydrated for exactly one step. It is
// thread-confined: the consumer owns it for the duration of Step and it
// must not outlive the call.
type Run struct {
	// ID is the workflow instance identifier carried by the envelope.
	ID string

	// Graph is the compiled, shared definition.
	Graph *Graph

	// States maps canonical positions to node state slices.
	States map[string]*NodeState

	// Position is the current position.
	Position Position

	// Status is the instance status.
	Status Status

	opts    Options
	input   any
	rootPos Position

	artifacts []Artifact
	endNow    bool
}

// NewRun creates a fresh instance for the given workflow input.
func NewRun(g *Graph, id string, input any, opts Options) *Run {
	return &Run{
		ID:       id,
		Graph:    g,
		States:   map[string]*NodeState{},
		Position: RootPosition(),
		Status:   StatusPending,
		opts:     opts.withDefaults(),
		input:    expr.Normalize(input),
		rootPos:  RootPosition(),
	}
}

// ResumeRun rehydrates an instance from the states map and position an
// envelope carried. The workflow input is recovered from the root
// state's raw input.
func ResumeRun(g *Graph, id string, states map[string]*NodeState, pos Position, opts Options) *Run {
	r := &Run{
		ID:       id,
		Graph:    g,
		States:   states,
		Position: pos,
		Status:   StatusWaiting,
		opts:     opts.withDefaults(),
		rootPos:  RootPosition(),
	}
	if states == nil {
		r.States = map[string]*NodeState{}
	}
	if root := r.States[RootPosition().String()]; root != nil {
		r.input = deref(root.RawInput)
	}
	return r
}

// stepOutcome is the result of executing one node once.
type stepOutcome struct {
	// descend, when non-nil, is the child node to drive next.
	descend *Node

	// waiting suspends the step at the current node.
	waiting bool

	// completed indicates rawOutput was produced.
	completed bool
}

var (
	outcomeCompleted = stepOutcome{completed: true}
	outcomeWaiting   = stepOutcome{waiting: true}
)

func descendTo(n *Node) stepOutcome { return stepOutcome{descend: n} }

// Step drives the instance from its current position to the next
// suspension point or terminal state. It is deterministic given the
// definition and the states map, modulo timestamps.
func (r *Run) Step(ctx context.Context) (*StepResult, error) {
	switch r.Status {
	case StatusCompleted, StatusFaulted, StatusCancelled:
		return nil, fmt.Errorf("instance %s is terminal (%s)", r.ID, r.Status)
	}
	r.artifacts = nil
	r.Status = StatusRunning
	pos := r.Position

	for steps := 0; ; steps++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if steps >= r.opts.MaxSteps {
			return r.fault(pos, NewRuntimeError(fmt.Sprintf("step limit %d exceeded", r.opts.MaxSteps), nil)), nil
		}

		node := r.Graph.At(pos)
		if node == nil {
			return r.fault(pos, NewConfigurationError(fmt.Sprintf("no node at position %s", pos))), nil
		}
		st := r.state(pos)

		if st.TransformedInput == nil {
			if err := r.startNode(node, st); err != nil {
				res, next := r.routeError(node, asWorkflowError(err, node.Position))
				if res != nil {
					return res, nil
				}
				pos = next
				continue
			}
		}

		out, err := r.runAttempt(ctx, node, st)
		if err != nil {
			res, next := r.routeError(node, asWorkflowError(err, node.Position))
			if res != nil {
				return res, nil
			}
			pos = next
			continue
		}

		switch {
		case out.descend != nil:
			pos = out.descend.Position

		case out.waiting:
			r.Position = node.Position
			r.Status = StatusWaiting
			r.emit(node.Position, "task_waiting", nil)
			return &StepResult{Status: StatusWaiting, Artifacts: r.artifacts, Position: r.Position}, nil

		case out.completed:
			if err := r.completeNode(node, st); err != nil {
				res, next := r.routeError(node, asWorkflowError(err, node.Position))
				if res != nil {
					return res, nil
				}
				pos = next
				continue
			}
			r.emit(node.Position, "task_completed", nil)
			if node.Position.Equal(r.rootPos) {
				r.Position = node.Position
				r.Status = StatusCompleted
				return &StepResult{
					Status:    StatusCompleted,
					Output:    deref(st.TransformedOutput),
					Artifacts: r.artifacts,
					Position:  r.Position,
				}, nil
			}
			pos = node.Parent.Position

		default:
			return r.fault(pos, NewRuntimeError("node produced no outcome", nil)), nil
		}
	}
}

func (r *Run) fault(pos Position, werr *Error) *StepResult {
	r.Position = pos
	r.Status = StatusFaulted
	r.emit(pos, "workflow_faulted", map[string]any{"error": werr.Error()})
	return &StepResult{Status: StatusFaulted, Error: werr.WithSource(pos), Artifacts: r.artifacts, Position: pos}
}

// state returns the node state at pos, creating it on first touch.
func (r *Run) state(pos Position) *NodeState {
	key := pos.String()
	st := r.States[key]
	if st == nil {
		st = &NodeState{}
		r.States[key] = st
	}
	return st
}

// peekState returns the node state at pos without creating it.
func (r *Run) peekState(pos Position) *NodeState {
	return r.States[pos.String()]
}

// dropSubtree removes the states of a terminally-completed,
// non-exported node and all its descendants, keeping the envelope
// bounded.
func (r *Run) dropSubtree(pos Position) {
	prefix := pos.String()
	for key := range r.States {
		if key == prefix || strings.HasPrefix(key, prefix+"/") {
			delete(r.States, key)
		}
	}
}

// contextObject returns the $context binding: the object exported into
// the root state, always a (possibly empty) object.
func (r *Run) contextObject() map[string]any {
	root := r.peekState(r.rootPos)
	if root == nil || root.Context == nil {
		return map[string]any{}
	}
	return root.Context
}

// inputFor determines the raw input entering a node: the workflow input
// at the root, the try's transformed input for a catch block, and the
// enclosing scope's flowing value everywhere else.
func (r *Run) inputFor(node *Node) any {
	if node.Position.Equal(r.rootPos) {
		return r.input
	}
	parent := r.peekState(node.Parent.Position)
	if parent == nil {
		return nil
	}
	if node.IsCatch() {
		return deref(parent.TransformedInput)
	}
	if v, ok := parent.Var(varCurrent); ok {
		return v
	}
	return deref(parent.TransformedInput)
}

// scopeVars assembles the expression bindings visible at a node: the
// standard $workflow/$context/$runtime/$secrets/$input/$output set plus
// any user bindings (loop variables, caught errors) accumulated along
// the ancestry path. Internal bookkeeping keys are never exposed.
func (r *Run) scopeVars(node *Node, st *NodeState) map[string]any {
	vars := map[string]any{}

	var ancestry []*Node
	for n := node; n != nil; n = n.Parent {
		ancestry = append(ancestry, n)
	}
	for i := len(ancestry) - 1; i >= 0; i-- {
		s := r.peekState(ancestry[i].Position)
		if s == nil {
			continue
		}
		for k, v := range s.Variables {
			if !strings.HasPrefix(k, "__") {
				vars[k] = v
			}
		}
	}

	vars["workflow"] = map[string]any{
		"input":   r.input,
		"name":    r.Graph.Workflow.Document.Name,
		"version": r.Graph.Workflow.Document.Version,
	}
	vars["runtime"] = map[string]any{"name": RuntimeName, "version": RuntimeVersion}
	vars["context"] = r.contextObject()
	if r.opts.Secrets != nil {
		vars["secrets"] = r.opts.Secrets
	} else {
		vars["secrets"] = map[string]any{}
	}
	vars["input"] = deref(st.TransformedInput)
	vars["output"] = deref(st.RawOutput)
	vars["task"] = map[string]any{
		"name":   node.Name,
		"kind":   node.Kind().String(),
		"input":  deref(st.TransformedInput),
		"output": deref(st.RawOutput),
	}
	return vars
}

// eval runs a marked-or-literal value resolution, wrapping failures as
// expression errors with the node position attached.
func (r *Run) eval(node *Node, v any, dot any, vars map[string]any) (any, error) {
	out, err := r.opts.Engine.EvalValue(v, dot, vars)
	if err != nil {
		return nil, NewExpressionError(err.Error(), err).WithSource(node.Position)
	}
	return out, nil
}

// evalExpr evaluates an expression string that may carry the "${ }"
// marker or be a bare program (if/when/while clauses accept both).
func (r *Run) evalExpr(node *Node, src string, dot any, vars map[string]any) (any, error) {
	program := src
	if inner, ok := expr.IsExpression(src); ok {
		program = inner
	}
	out, err := r.opts.Engine.Eval(program, dot, vars)
	if err != nil {
		return nil, NewExpressionError(err.Error(), err).WithSource(node.Position)
	}
	return out, nil
}

func (r *Run) addArtifact(a Artifact) {
	r.artifacts = append(r.artifacts, a)
}

func (r *Run) emit(pos Position, msg string, meta map[string]any) {
	r.opts.Emitter.Emit(emit.Event{
		InstanceID: r.ID,
		Workflow:   r.Graph.Workflow.Document.Name,
		Position:   pos.String(),
		Msg:        msg,
		Meta:       meta,
	})
}
