// Package codec defines the wire envelope that carries a suspended
// workflow instance between steps, and the deterministic identifiers
// derived from it.
package codec

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmach/flowmach/flow"
)

// Message is the resumption envelope. It is the entire state of a
// workflow instance between two steps: whoever holds the message can
// execute the next step, no database lookup required.
//
// Keys are single letters because the envelope travels on every hop
// and is duplicated into the outbox for delayed resumption.
type Message struct {
	// ID is the workflow instance identifier.
	ID string `json:"i"`

	// Name and Version select the workflow definition.
	Name    string `json:"n"`
	Version string `json:"v"`

	// Position is the canonical position to resume at; "/" starts a
	// fresh instance.
	Position string `json:"p"`

	// States carries the node state slices keyed by position. Empty or
	// nil for a fresh instance.
	States map[string]*flow.NodeState `json:"s,omitempty"`

	// Correlation is the originating envelope when this instance is a
	// sub-workflow: the child carries its parent's suspended envelope
	// and re-publishes it, output injected, on completion.
	Correlation *Message `json:"c,omitempty"`
}

// Encode serializes the envelope.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode deserializes and validates an envelope.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("decode envelope: missing instance id")
	}
	if m.Name == "" || m.Version == "" {
		return nil, fmt.Errorf("decode envelope: missing workflow name or version")
	}
	if m.Position == "" {
		m.Position = flow.RootPosition().String()
	}
	if _, err := flow.ParsePosition(m.Position); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &m, nil
}

// ResumePosition parses the envelope's position.
func (m *Message) ResumePosition() (flow.Position, error) {
	return flow.ParsePosition(m.Position)
}

// DelayID derives the deterministic outbox row id for a delayed
// resumption: the same instance suspended at the same position on the
// same attempt always maps to the same id, so redelivered messages
// enqueue the delay exactly once.
func DelayID(instanceID string, pos flow.Position, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", instanceID, pos, attempt)))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// uuid.FromBytes only fails on wrong length; sum[:16] cannot.
		panic(err)
	}
	return id.String()
}
