package flow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TaskKind enumerates the closed set of task variants the runtime knows.
// New kinds require recompilation; there is no open extension mechanism.
type TaskKind int

const (
	KindDo TaskKind = iota
	KindFor
	KindSwitch
	KindTry
	KindSet
	KindRaise
	KindWait
	KindCall
	KindRun
	KindEmit
	KindListen
	KindFork
)

// String returns the DSL keyword for the task kind.
func (k TaskKind) String() string {
	switch k {
	case KindDo:
		return "do"
	case KindFor:
		return "for"
	case KindSwitch:
		return "switch"
	case KindTry:
		return "try"
	case KindSet:
		return "set"
	case KindRaise:
		return "raise"
	case KindWait:
		return "wait"
	case KindCall:
		return "call"
	case KindRun:
		return "run"
	case KindEmit:
		return "emit"
	case KindListen:
		return "listen"
	case KindFork:
		return "fork"
	}
	return "unknown"
}

// Workflow is the parsed form of a workflow definition document.
type Workflow struct {
	Document Document      `yaml:"document"`
	Input    *InputClause  `yaml:"input"`
	Output   *OutputClause `yaml:"output"`
	Do       *TaskList     `yaml:"do"`
}

// Document carries the workflow identity block.
type Document struct {
	DSL       string `yaml:"dsl"`
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
}

// InputClause configures how a node derives its transformed input.
type InputClause struct {
	From   any     `yaml:"from"`
	Schema *Schema `yaml:"schema"`
}

// OutputClause configures how a node derives its transformed output.
type OutputClause struct {
	As     any     `yaml:"as"`
	Schema *Schema `yaml:"schema"`
}

// ExportClause configures what a node publishes into $context.
type ExportClause struct {
	As any `yaml:"as"`
}

// Schema is a structural validation document. Only presence validation
// ("required" keys on objects) is enforced by the runtime.
type Schema struct {
	Format   string         `yaml:"format"`
	Document map[string]any `yaml:"document"`
}

// Task is the variant payload of a node. Exactly one variant field group
// is populated; Kind reports which one. The common fields (If, Input,
// Output, Export, Then) apply to every kind.
type Task struct {
	If       string         `yaml:"if"`
	Input    *InputClause   `yaml:"input"`
	Output   *OutputClause  `yaml:"output"`
	Export   *ExportClause  `yaml:"export"`
	Then     string         `yaml:"then"`
	Metadata map[string]any `yaml:"metadata"`

	// Do is the ordered child list for do tasks, and doubles as the loop
	// body for "for" tasks and the branch source for nothing else.
	Do *TaskList `yaml:"do"`

	For   *ForClause    `yaml:"for"`
	While string        `yaml:"while"`
	Cases []*SwitchCase `yaml:"switch"`

	Try   *TaskList    `yaml:"try"`
	Catch *CatchClause `yaml:"catch"`

	Set map[string]any `yaml:"set"`

	Raise *RaiseClause `yaml:"raise"`

	Wait *DurationSpec `yaml:"wait"`

	CallKind string         `yaml:"call"`
	With     map[string]any `yaml:"with"`

	Run *RunClause `yaml:"run"`

	Emit   *EmitClause   `yaml:"emit"`
	Listen *ListenClause `yaml:"listen"`
	Fork   *ForkClause   `yaml:"fork"`
}

// Kind returns the task variant. The compile pass guarantees exactly one
// variant is present, so detection order only matters for composites
// whose configuration spans several keys (for+do, try+catch).
func (t *Task) Kind() TaskKind {
	switch {
	case t.For != nil:
		return KindFor
	case t.Try != nil:
		return KindTry
	case t.Cases != nil:
		return KindSwitch
	case t.Set != nil:
		return KindSet
	case t.Raise != nil:
		return KindRaise
	case t.Wait != nil:
		return KindWait
	case t.CallKind != "":
		return KindCall
	case t.Run != nil:
		return KindRun
	case t.Emit != nil:
		return KindEmit
	case t.Listen != nil:
		return KindListen
	case t.Fork != nil:
		return KindFork
	default:
		return KindDo
	}
}

// ForClause configures iteration: the collection expression and the
// names bound to the current element and ordinal.
type ForClause struct {
	Each string `yaml:"each"`
	In   string `yaml:"in"`
	At   string `yaml:"at"`
}

// SwitchCase is one ordered arm of a switch task. A case without When is
// the default arm. Then is required on the matched case.
type SwitchCase struct {
	Name string
	When string `yaml:"when"`
	Then string `yaml:"then"`
}

// CatchClause configures error recovery for a try task.
type CatchClause struct {
	Errors     *ErrorFilter `yaml:"errors"`
	As         string       `yaml:"as"`
	When       string       `yaml:"when"`
	ExceptWhen string       `yaml:"exceptWhen"`
	Retry      *RetryClause `yaml:"retry"`
	Do         *TaskList    `yaml:"do"`
}

// ErrorFilter selects which errors a catch handles.
type ErrorFilter struct {
	With *ErrorSelector `yaml:"with"`
}

// ErrorSelector matches error fields; Type allows a trailing '*'
// wildcard on the URI.
type ErrorSelector struct {
	Type   string `yaml:"type"`
	Status int    `yaml:"status"`
}

// RetryClause configures the retry policy attached to a catch.
type RetryClause struct {
	When       string        `yaml:"when"`
	ExceptWhen string        `yaml:"exceptWhen"`
	Delay      *DurationSpec `yaml:"delay"`
	Backoff    *BackoffSpec  `yaml:"backoff"`
	Limit      *RetryLimit   `yaml:"limit"`
	Jitter     *JitterSpec   `yaml:"jitter"`
}

// BackoffSpec selects the delay growth strategy. Exactly one of the
// fields is non-nil; the empty mapping value selects the strategy with
// defaults.
type BackoffSpec struct {
	Constant    map[string]any     `yaml:"constant"`
	Linear      map[string]any     `yaml:"linear"`
	Exponential *ExponentialConfig `yaml:"exponential"`
}

// ExponentialConfig tunes exponential backoff growth.
type ExponentialConfig struct {
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   *DurationSpec `yaml:"maxDelay"`
}

// JitterSpec bounds the random jitter added to each computed delay.
type JitterSpec struct {
	From *DurationSpec `yaml:"from"`
	To   *DurationSpec `yaml:"to"`
}

// RetryLimit bounds retrying by attempt count and elapsed durations.
type RetryLimit struct {
	Attempt  *AttemptLimit `yaml:"attempt"`
	Duration *DurationSpec `yaml:"duration"`
}

// AttemptLimit bounds a single attempt.
type AttemptLimit struct {
	Count    int           `yaml:"count"`
	Duration *DurationSpec `yaml:"duration"`
}

// RaiseClause configures a raise task. Error is either a mapping with
// type/status/title/detail fields (values may be expressions) or a
// single expression string producing such an object.
type RaiseClause struct {
	Error any `yaml:"error"`
}

// RunClause configures a run task: exactly one process kind.
type RunClause struct {
	Script   *ScriptSpec  `yaml:"script"`
	Shell    *ShellSpec   `yaml:"shell"`
	Workflow *SubflowSpec `yaml:"workflow"`
	Await    *bool        `yaml:"await"`
	Return   string       `yaml:"return"`
}

// ScriptSpec configures an external script subprocess.
type ScriptSpec struct {
	Language    string            `yaml:"language"`
	Code        string            `yaml:"code"`
	Source      *ExternalResource `yaml:"source"`
	Arguments   map[string]any    `yaml:"arguments"`
	Environment map[string]string `yaml:"environment"`
}

// ShellSpec configures a shell command subprocess.
type ShellSpec struct {
	Command     string            `yaml:"command"`
	Arguments   map[string]any    `yaml:"arguments"`
	Environment map[string]string `yaml:"environment"`
}

// SubflowSpec names a sub-workflow to start.
type SubflowSpec struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Input     any    `yaml:"input"`
}

// ExternalResource points at an external definition location.
type ExternalResource struct {
	Endpoint *Endpoint `yaml:"endpoint"`
}

// Endpoint is a URI, possibly templated.
type Endpoint struct {
	URI string `yaml:"uri"`
}

// EmitClause configures an emit task.
type EmitClause struct {
	Event *EventSpec `yaml:"event"`
}

// EventSpec carries the CloudEvents-shaped attributes of an emitted or
// awaited event.
type EventSpec struct {
	With map[string]any `yaml:"with"`
}

// ListenClause configures a listen task.
type ListenClause struct {
	To *ListenTarget `yaml:"to"`
}

// ListenTarget selects the event(s) a listen task waits for. Only
// single-event consumption ("one") is supported.
type ListenTarget struct {
	One *EventSpec `yaml:"one"`
}

// ForkClause configures parallel branches. With Compete, the first
// branch to complete wins and the others are cancelled.
type ForkClause struct {
	Branches *TaskList `yaml:"branches"`
	Compete  bool      `yaml:"compete"`
}

// TaskList is an ordered list of named tasks. The DSL writes it as a
// YAML sequence of single-key mappings so that order is preserved:
//
//	do:
//	  - first: { set: { x: "1" } }
//	  - second: { set: { y: "2" } }
type TaskList struct {
	Items []*TaskItem
}

// TaskItem pairs a task with its scope-unique short name.
type TaskItem struct {
	Name string
	Task *Task
}

// UnmarshalYAML decodes the sequence-of-single-key-mappings form.
func (l *TaskList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("task list: expected a sequence, got %s", yamlKindName(node.Kind))
	}
	seen := map[string]bool{}
	for _, entry := range node.Content {
		if entry.Kind != yaml.MappingNode || len(entry.Content) != 2 {
			return fmt.Errorf("task list: each entry must be a single-key mapping naming the task")
		}
		name := entry.Content[0].Value
		if name == "" {
			return fmt.Errorf("task list: task name cannot be empty")
		}
		if seen[name] {
			return fmt.Errorf("task list: duplicate task name %q", name)
		}
		seen[name] = true
		task := &Task{}
		if err := entry.Content[1].Decode(task); err != nil {
			return fmt.Errorf("task %q: %w", name, err)
		}
		l.Items = append(l.Items, &TaskItem{Name: name, Task: task})
	}
	return nil
}

// Find returns the item with the given short name, or nil.
func (l *TaskList) Find(name string) (*TaskItem, int) {
	if l == nil {
		return nil, -1
	}
	for i, item := range l.Items {
		if item.Name == name {
			return item, i
		}
	}
	return nil, -1
}

// Len returns the number of tasks in the list.
func (l *TaskList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Items)
}

// UnmarshalYAML decodes switch cases, which use the same single-key
// mapping sequence as task lists:
//
//	switch:
//	  - high: { when: "${ .value > 10 }", then: escalate }
//	  - default: { then: continue }
func (c *SwitchCase) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("switch case: expected a single-key mapping")
	}
	c.Name = node.Content[0].Value
	var body struct {
		When string `yaml:"when"`
		Then string `yaml:"then"`
	}
	if err := node.Content[1].Decode(&body); err != nil {
		return fmt.Errorf("switch case %q: %w", c.Name, err)
	}
	c.When = body.When
	c.Then = body.Then
	return nil
}

// UnmarshalYAML accepts either the ISO-8601 scalar string form or the
// structured mapping form of a duration.
func (d *DurationSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		d.Expr = node.Value
		if _, err := ParseISO8601Duration(node.Value); err != nil {
			return err
		}
		return nil
	}
	type plain DurationSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = DurationSpec(p)
	return nil
}

// UnmarshalYAML accepts the input clause's shorthand scalar form
// ("input: ${ .foo }") as well as the full mapping form.
func (c *InputClause) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode || node.Kind == yaml.SequenceNode {
		var v any
		if err := node.Decode(&v); err != nil {
			return err
		}
		c.From = v
		return nil
	}
	type plain InputClause
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	// A bare mapping without from/schema keys is itself the transform.
	if p.From == nil && p.Schema == nil {
		var v map[string]any
		if err := node.Decode(&v); err == nil && len(v) > 0 {
			if _, hasFrom := v["from"]; !hasFrom {
				if _, hasSchema := v["schema"]; !hasSchema {
					c.From = v
					return nil
				}
			}
		}
	}
	*c = InputClause(p)
	return nil
}

// UnmarshalYAML mirrors InputClause for the output side ("output.as").
func (c *OutputClause) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode || node.Kind == yaml.SequenceNode {
		var v any
		if err := node.Decode(&v); err != nil {
			return err
		}
		c.As = v
		return nil
	}
	type plain OutputClause
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	if p.As == nil && p.Schema == nil {
		var v map[string]any
		if err := node.Decode(&v); err == nil && len(v) > 0 {
			if _, hasAs := v["as"]; !hasAs {
				if _, hasSchema := v["schema"]; !hasSchema {
					c.As = v
					return nil
				}
			}
		}
	}
	*c = OutputClause(p)
	return nil
}

func yamlKindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}

// ParseWorkflow parses a workflow definition from YAML or JSON text.
// Parse failures are reported as configuration errors; the caller never
// receives a partially built definition.
func ParseWorkflow(text []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(text, &wf); err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("malformed workflow definition: %v", err))
	}
	if wf.Document.Name == "" {
		return nil, NewConfigurationError("workflow definition: document.name is required")
	}
	if wf.Document.Version == "" {
		return nil, NewConfigurationError("workflow definition: document.version is required")
	}
	if wf.Do.Len() == 0 {
		return nil, NewConfigurationError("workflow definition: do must contain at least one task")
	}
	return &wf, nil
}
