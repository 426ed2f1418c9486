package flow

import (
	"errors"
	"fmt"
	"strings"
)

// errorTypeBase is the URI prefix shared by the standard workflow error
// types defined by the DSL.
const errorTypeBase = "https://serverlessworkflow.io/spec/1.0.0/errors/"

// Standard error type URIs. Catch filters match on these, including
// wildcard suffix matching ("https://.../errors/*").
const (
	ErrTypeConfiguration  = errorTypeBase + "configuration"
	ErrTypeValidation     = errorTypeBase + "validation"
	ErrTypeExpression     = errorTypeBase + "expression"
	ErrTypeAuthentication = errorTypeBase + "authentication"
	ErrTypeAuthorization  = errorTypeBase + "authorization"
	ErrTypeTimeout        = errorTypeBase + "timeout"
	ErrTypeCommunication  = errorTypeBase + "communication"
	ErrTypeRuntime        = errorTypeBase + "runtime"
)

// ErrDefinitionNotFound is returned by definition stores when no row
// exists for a (name, version) pair.
var ErrDefinitionNotFound = errors.New("workflow definition not found")

// Error is a structured workflow error as defined by the DSL: a type URI,
// a short title, an HTTP-like status code, optional details, and the
// position of the node that raised it.
//
// Error values travel through the interpreter: a raised Error propagates
// to the nearest enclosing try task, whose catch filters match on Type
// (exact or wildcard), Status, and predicates evaluated with $error
// bound. Unhandled errors fault the workflow.
type Error struct {
	// Type is the error type URI.
	Type string `json:"type"`

	// Title is a short, human-readable summary.
	Title string `json:"title"`

	// Status is the numeric status code, defaulting per kind
	// (configuration/validation/expression 400, authentication 401,
	// authorization 403, timeout 408, communication/runtime 500).
	Status int `json:"status"`

	// Details optionally elaborates on the failure.
	Details string `json:"detail,omitempty"`

	// Source is the canonical position of the node that raised the error.
	Source string `json:"instance,omitempty"`

	// cause is the wrapped underlying error, if any.
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s (%d): %s", e.Title, e.Status, e.Details)
	}
	return fmt.Sprintf("%s (%d)", e.Title, e.Status)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithSource returns a copy of the error annotated with the raising
// node's position, unless a source is already recorded.
func (e *Error) WithSource(pos Position) *Error {
	if e.Source != "" {
		return e
	}
	dup := *e
	dup.Source = pos.String()
	return &dup
}

// AsObject renders the error as the JSON-shaped map bound to $error in
// catch scopes.
func (e *Error) AsObject() map[string]any {
	obj := map[string]any{
		"type":   e.Type,
		"title":  e.Title,
		"status": e.Status,
	}
	if e.Details != "" {
		obj["detail"] = e.Details
	}
	if e.Source != "" {
		obj["instance"] = e.Source
	}
	return obj
}

func newError(typ, title string, status int, details string, cause error) *Error {
	return &Error{Type: typ, Title: title, Status: status, Details: details, cause: cause}
}

// NewConfigurationError reports a malformed definition, a missing
// workflow, or an invalid graph.
func NewConfigurationError(details string) *Error {
	return newError(ErrTypeConfiguration, "Configuration Error", 400, details, nil)
}

// NewValidationError reports an input or output schema mismatch.
func NewValidationError(details string) *Error {
	return newError(ErrTypeValidation, "Validation Error", 400, details, nil)
}

// NewExpressionError reports an expression evaluation failure. The
// offending expression and the scope keys available are part of details.
func NewExpressionError(details string, cause error) *Error {
	return newError(ErrTypeExpression, "Expression Error", 400, details, cause)
}

// NewAuthenticationError reports a failed authentication (401).
func NewAuthenticationError(details string) *Error {
	return newError(ErrTypeAuthentication, "Authentication Error", 401, details, nil)
}

// NewAuthorizationError reports a rejected authorization (403).
func NewAuthorizationError(details string) *Error {
	return newError(ErrTypeAuthorization, "Authorization Error", 403, details, nil)
}

// NewTimeoutError reports an elapsed deadline (408).
func NewTimeoutError(details string) *Error {
	return newError(ErrTypeTimeout, "Timeout Error", 408, details, nil)
}

// NewCommunicationError reports a transport failure or a non-2xx HTTP
// response; status carries the HTTP status code when one is known.
func NewCommunicationError(status int, details string, cause error) *Error {
	if status == 0 {
		status = 500
	}
	return newError(ErrTypeCommunication, "Communication Error", status, details, cause)
}

// NewRuntimeError reports a subprocess failure or another generic
// runtime fault.
func NewRuntimeError(details string, cause error) *Error {
	return newError(ErrTypeRuntime, "Runtime Error", 500, details, cause)
}

// asWorkflowError coerces any error into an *Error. Non-workflow errors
// become runtime errors so that catch filters always see the structured
// shape.
func asWorkflowError(err error, pos Position) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.WithSource(pos)
	}
	return NewRuntimeError(err.Error(), err).WithSource(pos)
}

// matchErrorType reports whether an error type URI matches a filter that
// may end in a '*' wildcard.
func matchErrorType(filter, typ string) bool {
	if filter == "" || filter == "*" {
		return true
	}
	if strings.HasSuffix(filter, "*") {
		return strings.HasPrefix(typ, strings.TrimSuffix(filter, "*"))
	}
	return filter == typ
}

// errorFromObject rebuilds an *Error from the map shape produced by a
// raise task's error definition after expression evaluation.
func errorFromObject(obj map[string]any, pos Position) *Error {
	e := &Error{Type: ErrTypeRuntime, Title: "Runtime Error", Status: 500}
	if v, ok := obj["type"].(string); ok && v != "" {
		e.Type = v
	}
	if v, ok := obj["title"].(string); ok && v != "" {
		e.Title = v
	}
	if v, ok := obj["detail"].(string); ok {
		e.Details = v
	}
	switch v := obj["status"].(type) {
	case int:
		e.Status = v
	case float64:
		e.Status = int(v)
	}
	return e.WithSource(pos)
}
