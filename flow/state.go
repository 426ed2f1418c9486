package flow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a workflow instance (and, during a
// step, of individual nodes).
type Status string

const (
	// StatusPending marks an instance that was created but never started.
	StatusPending Status = "pending"
	// StatusRunning marks an instance the interpreter is actively driving.
	StatusRunning Status = "running"
	// StatusWaiting marks an instance suspended on a delay, a retry
	// back-off, a sub-workflow, or an external event.
	StatusWaiting Status = "waiting"
	// StatusCompleted marks a successfully finished instance.
	StatusCompleted Status = "completed"
	// StatusFaulted marks an instance terminated by an unhandled error.
	StatusFaulted Status = "faulted"
	// StatusCancelled marks an instance cancelled by an operator.
	StatusCancelled Status = "cancelled"
)

// NodeState is the serialisable state slice of one node. A nil pointer
// field means "not produced yet"; a pointer to a nil value is a produced
// JSON null. Unknown fields read from an envelope are preserved verbatim
// on the round-trip so newer writers can extend the shape.
//
// Invariants: TransformedOutput is only set once RawOutput is set;
// AttemptCount is never negative; Context is only ever an object and is
// only written through export.as.
type NodeState struct {
	RawInput          *any
	TransformedInput  *any
	RawOutput         *any
	TransformedOutput *any
	Context           map[string]any
	Variables         map[string]any
	StartedAt         *time.Time
	AttemptCount      int

	extra map[string]json.RawMessage
}

// Started reports whether the node has begun executing (start() ran).
func (s *NodeState) Started() bool {
	return s.RawInput != nil
}

// Completed reports whether the node produced its transformed output.
func (s *NodeState) Completed() bool {
	return s.TransformedOutput != nil
}

// HasRawOutput reports whether execution produced a raw result.
func (s *NodeState) HasRawOutput() bool {
	return s.RawOutput != nil
}

// SetRawInput records the payload entering the node.
func (s *NodeState) SetRawInput(v any) { s.RawInput = &v }

// SetTransformedInput records the post-input.from payload.
func (s *NodeState) SetTransformedInput(v any) { s.TransformedInput = &v }

// SetRawOutput records the execution result.
func (s *NodeState) SetRawOutput(v any) { s.RawOutput = &v }

// SetTransformedOutput records the post-output.as result.
func (s *NodeState) SetTransformedOutput(v any) { s.TransformedOutput = &v }

// Var returns a named variable, or nil.
func (s *NodeState) Var(name string) (any, bool) {
	v, ok := s.Variables[name]
	return v, ok
}

// SetVar sets a named variable, allocating the map on first use.
func (s *NodeState) SetVar(name string, v any) {
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	s.Variables[name] = v
}

// IntVar reads a variable as an int, tolerating the float64 shape JSON
// round-trips produce.
func (s *NodeState) IntVar(name string) (int, bool) {
	switch v := s.Variables[name].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func deref(p *any) any {
	if p == nil {
		return nil
	}
	return *p
}

// MarshalJSON serializes only the fields that are set, plus any unknown
// fields captured at decode time. Keys stay short because the envelope
// travels on every hop.
func (s *NodeState) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, 8+len(s.extra))
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("node state field %s: %w", key, err)
		}
		out[key] = raw
		return nil
	}
	if s.RawInput != nil {
		if err := put("rawInput", *s.RawInput); err != nil {
			return nil, err
		}
	}
	if s.TransformedInput != nil {
		if err := put("input", *s.TransformedInput); err != nil {
			return nil, err
		}
	}
	if s.RawOutput != nil {
		if err := put("rawOutput", *s.RawOutput); err != nil {
			return nil, err
		}
	}
	if s.TransformedOutput != nil {
		if err := put("output", *s.TransformedOutput); err != nil {
			return nil, err
		}
	}
	if len(s.Context) > 0 {
		if err := put("context", s.Context); err != nil {
			return nil, err
		}
	}
	if len(s.Variables) > 0 {
		if err := put("vars", s.Variables); err != nil {
			return nil, err
		}
	}
	if s.StartedAt != nil {
		if err := put("startedAt", s.StartedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return nil, err
		}
	}
	if s.AttemptCount != 0 {
		if err := put("attempts", s.AttemptCount); err != nil {
			return nil, err
		}
	}
	for k, v := range s.extra {
		if _, known := out[k]; !known {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the recognised fields and stashes everything
// else for re-serialization.
func (s *NodeState) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*s = NodeState{}
	for key, raw := range fields {
		switch key {
		case "rawInput", "input", "rawOutput", "output":
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("node state field %s: %w", key, err)
			}
			switch key {
			case "rawInput":
				s.RawInput = &v
			case "input":
				s.TransformedInput = &v
			case "rawOutput":
				s.RawOutput = &v
			case "output":
				s.TransformedOutput = &v
			}
		case "context":
			if err := json.Unmarshal(raw, &s.Context); err != nil {
				return fmt.Errorf("node state context: %w", err)
			}
		case "vars":
			if err := json.Unmarshal(raw, &s.Variables); err != nil {
				return fmt.Errorf("node state vars: %w", err)
			}
		case "startedAt":
			var ts string
			if err := json.Unmarshal(raw, &ts); err != nil {
				return fmt.Errorf("node state startedAt: %w", err)
			}
			t, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return fmt.Errorf("node state startedAt: %w", err)
			}
			s.StartedAt = &t
		case "attempts":
			if err := json.Unmarshal(raw, &s.AttemptCount); err != nil {
				return fmt.Errorf("node state attempts: %w", err)
			}
		default:
			if s.extra == nil {
				s.extra = map[string]json.RawMessage{}
			}
			s.extra[key] = raw
		}
	}
	return nil
}

// Clone deep-copies the state through a JSON round-trip. Works for any
// state content the envelope can carry, which is exactly the content a
// NodeState is allowed to hold.
func (s *NodeState) Clone() (*NodeState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone node state: %w", err)
	}
	var out NodeState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone node state: %w", err)
	}
	return &out, nil
}
