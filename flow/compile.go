package flow

import (
	"fmt"
	"strings"
)

// Flow directives understood by the then field and switch case arms.
const (
	DirectiveContinue = "continue"
	DirectiveEnd      = "end"
	DirectiveExit     = "exit"
)

// Node is one compiled task in the workflow tree. Nodes are immutable
// after Compile returns and are shared read-only across every instance
// of the workflow version.
type Node struct {
	// Position is the canonical location of this node.
	Position Position

	// Name is the scope-unique short name ("" for synthetic nodes such
	// as the root and catch blocks).
	Name string

	// Task is the variant payload.
	Task *Task

	// Parent is the enclosing node; nil for the root. The graph is a
	// read-only structure so the back-reference is a plain pointer, not
	// an ownership edge.
	Parent *Node

	// Children is the primary ordered scope of this node: the do list of
	// a do task, the body of a for task, or the branches of a fork.
	Children []*Node

	// TryBody and CatchNode are populated for try tasks only. CatchNode
	// is a synthetic do node at <position>/try/catch.
	TryBody   []*Node
	CatchNode *Node

	// ScopeIndex is this node's ordinal within its parent scope.
	ScopeIndex int
}

// Kind returns the node's task kind.
func (n *Node) Kind() TaskKind { return n.Task.Kind() }

// IsCatch reports whether this node is a synthetic catch block.
func (n *Node) IsCatch() bool {
	return n.Position.Last() == TokenCatch
}

// Graph is a compiled workflow: the node tree plus a flat position
// index for O(1) resumption at an arbitrary position.
type Graph struct {
	Workflow *Workflow
	Root     *Node

	index map[string]*Node
}

// At returns the node at the given position, or nil.
func (g *Graph) At(pos Position) *Node {
	return g.index[pos.String()]
}

// Compile builds the immutable node graph for a parsed workflow. A
// malformed definition fails with a configuration error and never yields
// a partial graph.
func Compile(wf *Workflow) (*Graph, error) {
	g := &Graph{Workflow: wf, index: make(map[string]*Node)}

	rootTask := &Task{Do: wf.Do, Input: wf.Input, Output: wf.Output}
	root := &Node{Position: RootPosition(), Task: rootTask}
	g.Root = root
	g.index[root.Position.String()] = root

	if err := g.compileScope(root, wf.Do, root.Position.AppendToken(TokenDo), &root.Children); err != nil {
		return nil, err
	}
	return g, nil
}

// compileScope emits child nodes for an ordered task list rooted at
// base (".../do"), appending them to dst.
func (g *Graph) compileScope(parent *Node, list *TaskList, base Position, dst *[]*Node) error {
	for i, item := range list.Items {
		pos := base.AppendIndex(i).AppendName(item.Name)
		child := &Node{
			Position:   pos,
			Name:       item.Name,
			Task:       item.Task,
			Parent:     parent,
			ScopeIndex: i,
		}
		if err := g.compileNode(child); err != nil {
			return err
		}
		g.index[pos.String()] = child
		*dst = append(*dst, child)
	}
	// Named then targets must resolve within this scope.
	for _, child := range *dst {
		if err := validateDirective(child.Task.Then, list, child.Position); err != nil {
			return err
		}
		for _, c := range child.Task.Cases {
			if err := validateDirective(c.Then, list, child.Position); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateDirective(then string, scope *TaskList, pos Position) error {
	switch then {
	case "", DirectiveContinue, DirectiveEnd, DirectiveExit:
		return nil
	}
	if item, _ := scope.Find(then); item == nil {
		return NewConfigurationError(fmt.Sprintf("%s: then target %q does not name a sibling task", pos, then))
	}
	return nil
}

// compileNode validates a node's variant configuration and recurses into
// composite bodies using the canonical position grammar.
func (g *Graph) compileNode(n *Node) error {
	t := n.Task
	if err := validateVariant(t, n.Position); err != nil {
		return err
	}

	switch t.Kind() {
	case KindDo:
		if t.Do.Len() == 0 {
			return NewConfigurationError(fmt.Sprintf("%s: do task requires a non-empty task list", n.Position))
		}
		return g.compileScope(n, t.Do, n.Position.AppendToken(TokenDo), &n.Children)

	case KindFor:
		if t.For.In == "" {
			return NewConfigurationError(fmt.Sprintf("%s: for task requires 'in'", n.Position))
		}
		if t.Do.Len() == 0 {
			return NewConfigurationError(fmt.Sprintf("%s: for task requires a 'do' body", n.Position))
		}
		base := n.Position.AppendToken(TokenFor).AppendToken(TokenDo)
		return g.compileScope(n, t.Do, base, &n.Children)

	case KindTry:
		if t.Try.Len() == 0 {
			return NewConfigurationError(fmt.Sprintf("%s: try task requires a non-empty task list", n.Position))
		}
		base := n.Position.AppendToken(TokenTry).AppendToken(TokenDo)
		if err := g.compileScope(n, t.Try, base, &n.TryBody); err != nil {
			return err
		}
		if t.Catch != nil && t.Catch.Do.Len() > 0 {
			catchPos := n.Position.AppendToken(TokenTry).AppendToken(TokenCatch)
			catch := &Node{
				Position: catchPos,
				Task:     &Task{Do: t.Catch.Do},
				Parent:   n,
			}
			g.index[catchPos.String()] = catch
			n.CatchNode = catch
			if err := g.compileScope(catch, t.Catch.Do, catchPos.AppendToken(TokenDo), &catch.Children); err != nil {
				return err
			}
		}
		return nil

	case KindSwitch:
		if len(t.Cases) == 0 {
			return NewConfigurationError(fmt.Sprintf("%s: switch task requires at least one case", n.Position))
		}
		for _, c := range t.Cases {
			if c.Then == "" {
				return NewConfigurationError(fmt.Sprintf("%s: switch case %q requires 'then'", n.Position, c.Name))
			}
		}
		return nil

	case KindCall:
		return validateCall(t, n.Position)

	case KindRun:
		return validateRun(t.Run, n.Position)

	case KindFork:
		if t.Fork.Branches.Len() < 2 {
			return NewConfigurationError(fmt.Sprintf("%s: fork requires at least two branches", n.Position))
		}
		base := n.Position.AppendToken(TokenFork).AppendToken(TokenBranch)
		return g.compileScope(n, t.Fork.Branches, base, &n.Children)

	case KindRaise:
		if t.Raise.Error == nil {
			return NewConfigurationError(fmt.Sprintf("%s: raise task requires 'error'", n.Position))
		}
		return nil

	case KindEmit:
		if t.Emit.Event == nil || len(t.Emit.Event.With) == 0 {
			return NewConfigurationError(fmt.Sprintf("%s: emit task requires 'event.with'", n.Position))
		}
		return nil

	case KindListen:
		if t.Listen.To == nil || t.Listen.To.One == nil {
			return NewConfigurationError(fmt.Sprintf("%s: listen task requires 'to.one'", n.Position))
		}
		return nil
	}
	return nil
}

// validateVariant rejects tasks that populate more than one variant.
func validateVariant(t *Task, pos Position) error {
	var kinds []string
	if t.For != nil {
		kinds = append(kinds, "for")
	}
	if t.Try != nil {
		kinds = append(kinds, "try")
	}
	if t.Cases != nil {
		kinds = append(kinds, "switch")
	}
	if t.Set != nil {
		kinds = append(kinds, "set")
	}
	if t.Raise != nil {
		kinds = append(kinds, "raise")
	}
	if t.Wait != nil {
		kinds = append(kinds, "wait")
	}
	if t.CallKind != "" {
		kinds = append(kinds, "call")
	}
	if t.Run != nil {
		kinds = append(kinds, "run")
	}
	if t.Emit != nil {
		kinds = append(kinds, "emit")
	}
	if t.Listen != nil {
		kinds = append(kinds, "listen")
	}
	if t.Fork != nil {
		kinds = append(kinds, "fork")
	}
	if t.Do != nil && t.For == nil {
		kinds = append(kinds, "do")
	}
	if len(kinds) > 1 {
		return NewConfigurationError(fmt.Sprintf("%s: task mixes variants: %s", pos, strings.Join(kinds, ", ")))
	}
	if len(kinds) == 0 {
		return NewConfigurationError(fmt.Sprintf("%s: task has no recognised variant", pos))
	}
	return nil
}

var httpMethods = map[string]bool{"GET": true, "POST": true, "PUT": true, "DELETE": true}

func validateCall(t *Task, pos Position) error {
	if t.CallKind != "http" {
		return NewConfigurationError(fmt.Sprintf("%s: unsupported call kind %q", pos, t.CallKind))
	}
	method, _ := t.With["method"].(string)
	method = strings.ToUpper(method)
	if method == "PATCH" {
		return NewConfigurationError(fmt.Sprintf("%s: http method PATCH is not supported", pos))
	}
	if method != "" && !httpMethods[method] {
		return NewConfigurationError(fmt.Sprintf("%s: unsupported http method %q", pos, method))
	}
	if endpointURI(t.With) == "" {
		return NewConfigurationError(fmt.Sprintf("%s: http call requires an endpoint", pos))
	}
	switch out, _ := t.With["output"].(string); out {
	case "", "content", "raw", "response":
	default:
		return NewConfigurationError(fmt.Sprintf("%s: unsupported http output mode %q", pos, t.With["output"]))
	}
	return nil
}

// endpointURI extracts the endpoint URI from the call's with block,
// accepting the scalar shorthand and the structured endpoint form.
func endpointURI(with map[string]any) string {
	switch ep := with["endpoint"].(type) {
	case string:
		return ep
	case map[string]any:
		if uri, ok := ep["uri"].(string); ok {
			return uri
		}
	}
	return ""
}

var runReturnModes = map[string]bool{"": true, "stdout": true, "stderr": true, "code": true, "all": true, "none": true}

func validateRun(r *RunClause, pos Position) error {
	count := 0
	if r.Script != nil {
		count++
	}
	if r.Shell != nil {
		count++
	}
	if r.Workflow != nil {
		count++
	}
	if count != 1 {
		return NewConfigurationError(fmt.Sprintf("%s: run task requires exactly one of script, shell, workflow", pos))
	}
	if !runReturnModes[r.Return] {
		return NewConfigurationError(fmt.Sprintf("%s: unsupported run return mode %q", pos, r.Return))
	}
	if r.Script != nil {
		if r.Script.Code == "" && (r.Script.Source == nil || r.Script.Source.Endpoint == nil || r.Script.Source.Endpoint.URI == "") {
			return NewConfigurationError(fmt.Sprintf("%s: script requires code or source.endpoint.uri", pos))
		}
		if r.Script.Language == "" {
			return NewConfigurationError(fmt.Sprintf("%s: script requires a language", pos))
		}
	}
	if r.Shell != nil && r.Shell.Command == "" {
		return NewConfigurationError(fmt.Sprintf("%s: shell requires a command", pos))
	}
	if r.Workflow != nil && r.Workflow.Name == "" {
		return NewConfigurationError(fmt.Sprintf("%s: run workflow requires a name", pos))
	}
	return nil
}

// scopeList returns the sibling list a node belongs to within its
// parent, honouring the try body / catch body split.
func scopeList(n *Node) []*Node {
	p := n.Parent
	if p == nil {
		return []*Node{n}
	}
	if p.Kind() == KindTry && !p.IsCatch() {
		// Children of a try live either in the try body or under the
		// synthetic catch node; the catch node itself has no siblings.
		if n == p.CatchNode {
			return []*Node{n}
		}
		return p.TryBody
	}
	return p.Children
}

// findSibling resolves a named then target within the node's scope.
func findSibling(n *Node, name string) *Node {
	for _, sib := range scopeList(n) {
		if sib.Name == name {
			return sib
		}
	}
	return nil
}
