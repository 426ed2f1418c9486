// Package expr evaluates the JQ expressions embedded in workflow
// definitions. Evaluation is pure: an expression is applied to a current
// value (".") plus a set of named bindings ($input, $context, $item, ...)
// and produces a value, with no side effects on the scope.
//
// Only strings written as "${ ... }" are treated as expressions;
// everything else is a literal. EvalValue walks composite literals and
// evaluates the marked strings in place, which is how set tasks and call
// arguments are resolved.
package expr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
)

// Engine compiles and caches JQ programs. The cache is keyed by the
// expression text plus the variable set, because gojq compiles variable
// references positionally. Safe for concurrent use; compiled programs are
// immutable and shared across workflow instances.
type Engine struct {
	mu    sync.Mutex
	cache map[string]*gojq.Code
}

// New creates an expression engine with an empty program cache.
func New() *Engine {
	return &Engine{cache: make(map[string]*gojq.Code)}
}

// IsExpression reports whether s is syntactically marked as an
// expression and returns the inner program text.
func IsExpression(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
		return strings.TrimSpace(trimmed[2 : len(trimmed)-1]), true
	}
	return "", false
}

// Eval evaluates the program src against dot as "." with the given named
// bindings. Binding names must not include the leading '$'. The result is
// the program's single output; a program yielding no output produces nil.
func (e *Engine) Eval(src string, dot any, vars map[string]any) (any, error) {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	code, err := e.compile(src, names)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w (scope: %s)", src, err, scopeKeys(names))
	}

	values := make([]any, len(names))
	for i, name := range names {
		values[i] = Normalize(vars[name])
	}

	iter := code.Run(Normalize(dot), values...)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("expression %q: %w (scope: %s)", src, err, scopeKeys(names))
	}
	return v, nil
}

// EvalIfMarked evaluates s when it is a "${ ... }" expression and
// returns it unchanged otherwise.
func (e *Engine) EvalIfMarked(s string, dot any, vars map[string]any) (any, error) {
	if src, ok := IsExpression(s); ok {
		return e.Eval(src, dot, vars)
	}
	return s, nil
}

// EvalValue resolves a literal value that may contain embedded
// expressions: marked strings evaluate, maps and slices are walked
// recursively, and everything else passes through untouched.
func (e *Engine) EvalValue(v any, dot any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return e.EvalIfMarked(val, dot, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := e.EvalValue(item, dot, vars)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := e.EvalValue(item, dot, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return Normalize(v), nil
	}
}

func (e *Engine) compile(src string, names []string) (*gojq.Code, error) {
	key := src + "\x00" + strings.Join(names, ",")
	e.mu.Lock()
	code, hit := e.cache[key]
	e.mu.Unlock()
	if hit {
		return code, nil
	}

	query, err := gojq.Parse(src)
	if err != nil {
		return nil, err
	}
	prefixed := make([]string, len(names))
	for i, name := range names {
		prefixed[i] = "$" + name
	}
	code, err = gojq.Compile(query, gojq.WithVariables(prefixed))
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = code
	e.mu.Unlock()
	return code, nil
}

// Truthy implements JQ truthiness: everything except false and null.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// Normalize coerces a value into the plain JSON shapes gojq accepts
// (nil, bool, numbers, string, []any, map[string]any). Values already in
// those shapes pass through without copying.
func Normalize(v any) any {
	switch v.(type) {
	case nil, bool, int, float64, string:
		return v
	case map[string]any, []any:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func scopeKeys(names []string) string {
	keys := make([]string, 0, len(names)+1)
	keys = append(keys, ".")
	for _, n := range names {
		keys = append(keys, "$"+n)
	}
	return strings.Join(keys, " ")
}
