// Package flow implements a stateless execution engine for workflows
// written in the Serverless Workflow DSL v1.0.
//
// A workflow definition is compiled once into an immutable Node graph
// (see Compile). Execution is driven one step at a time: a Run is
// rehydrated from a message envelope, advances synchronously through
// control-flow tasks, and returns at the first suspension point with
// zero or more outbound artifacts (a follow-up message, a delayed outbox
// row, or nothing for terminal outcomes). No state outlives a step
// except what the envelope carries.
package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// Reserved path tokens used when compiling a task tree into canonical
// positions. Tokens separate structural children (the body of a try, the
// branches of a fork) from named task children.
const (
	TokenDo     = "do"
	TokenTry    = "try"
	TokenCatch  = "catch"
	TokenFor    = "for"
	TokenFork   = "fork"
	TokenBranch = "branches"
)

// Position identifies a node in a compiled workflow tree as an ordered
// sequence of path segments. Its canonical form is a JSON-Pointer style
// string such as "/do/0/try/catch/do/2".
//
// Position is an immutable value type: the append operations return a new
// Position and never alias the receiver's backing array. Equality is
// structural (Equal), and the canonical string form is stable, so a
// Position can be used as a map key via String().
type Position struct {
	segments []string
}

// RootPosition returns the empty position identifying the workflow root.
func RootPosition() Position {
	return Position{}
}

// ParsePosition parses a canonical JSON-Pointer style string produced by
// String. The empty string and "/" both denote the root.
func ParsePosition(s string) (Position, error) {
	if s == "" || s == "/" {
		return RootPosition(), nil
	}
	if !strings.HasPrefix(s, "/") {
		return Position{}, fmt.Errorf("position %q: must start with '/'", s)
	}
	parts := strings.Split(s[1:], "/")
	for _, p := range parts {
		if p == "" {
			return Position{}, fmt.Errorf("position %q: empty segment", s)
		}
	}
	return Position{segments: parts}, nil
}

// AppendName returns a new position with a named child segment appended.
func (p Position) AppendName(name string) Position {
	return p.append(name)
}

// AppendIndex returns a new position with an array index segment appended.
func (p Position) AppendIndex(i int) Position {
	return p.append(strconv.Itoa(i))
}

// AppendToken returns a new position with a reserved token segment
// (TokenDo, TokenTry, ...) appended.
func (p Position) AppendToken(tok string) Position {
	return p.append(tok)
}

func (p Position) append(seg string) Position {
	segs := make([]string, len(p.segments), len(p.segments)+1)
	copy(segs, p.segments)
	return Position{segments: append(segs, seg)}
}

// Parent returns the position one segment up. The parent of the root is
// the root itself.
func (p Position) Parent() Position {
	if len(p.segments) == 0 {
		return p
	}
	segs := make([]string, len(p.segments)-1)
	copy(segs, p.segments[:len(p.segments)-1])
	return Position{segments: segs}
}

// IsRoot reports whether the position identifies the workflow root.
func (p Position) IsRoot() bool {
	return len(p.segments) == 0
}

// Len returns the number of path segments.
func (p Position) Len() int {
	return len(p.segments)
}

// Last returns the final segment, or "" for the root.
func (p Position) Last() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// IsAncestorOf reports whether p is a strict prefix of other.
func (p Position) IsAncestorOf(other Position) bool {
	if len(p.segments) >= len(other.segments) {
		return false
	}
	for i, seg := range p.segments {
		if other.segments[i] != seg {
			return false
		}
	}
	return true
}

// Equal reports structural equality of two positions.
func (p Position) Equal(other Position) bool {
	if len(p.segments) != len(other.segments) {
		return false
	}
	for i, seg := range p.segments {
		if other.segments[i] != seg {
			return false
		}
	}
	return true
}

// String renders the canonical JSON-Pointer form. The root renders as "/".
func (p Position) String() string {
	if len(p.segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(p.segments, "/")
}

// MarshalText implements encoding.TextMarshaler so positions serialize as
// their canonical string inside envelopes.
func (p Position) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Position) UnmarshalText(b []byte) error {
	parsed, err := ParsePosition(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
