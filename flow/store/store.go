// Package store provides persistence for workflow definitions and the
// durable outbox that drives delayed resumption.
package store

import (
	"context"
	"time"

	"github.com/flowmach/flowmach/flow"
)

// OutboxKind selects one of the two outbox schedules. Wait rows and
// retry rows live in separate tables so their very different delay
// distributions never contend on the same index pages.
type OutboxKind string

const (
	// OutboxWait holds delayed resumptions from wait tasks.
	OutboxWait OutboxKind = "wait"
	// OutboxRetry holds back-off delays from retry policies.
	OutboxRetry OutboxKind = "retry"
)

// OutboxStatus is the lifecycle of one outbox row.
type OutboxStatus string

const (
	// StatusPending marks a row awaiting publication. A row that has
	// exhausted its publish attempts stays PENDING but is skipped by
	// the claim selector; re-eligibility requires operator intervention.
	StatusPending OutboxStatus = "PENDING"
	// StatusSent marks a row whose envelope was published.
	StatusSent OutboxStatus = "SENT"
)

// Definition is one stored workflow definition version.
type Definition struct {
	// ID is a UUID assigned on first save.
	ID string

	// Name and Version identify the definition; the pair is unique.
	Name    string
	Version string

	// Document is the raw YAML or JSON definition text.
	Document []byte

	CreatedAt time.Time
}

// OutboxRow is one scheduled envelope publication.
type OutboxRow struct {
	// ID is the deterministic row id derived from the suspension point;
	// redelivered messages enqueue the same id and collapse to one row.
	ID string

	// Message is the encoded resumption envelope.
	Message []byte

	Status OutboxStatus

	// DelayedUntil is the earliest publication time.
	DelayedUntil time.Time

	// AttemptCount is the number of failed publish attempts so far.
	AttemptCount int

	// LastError records the most recent publish failure.
	LastError string

	CreatedAt time.Time
}

// DefinitionStore persists workflow definitions.
type DefinitionStore interface {
	// FindByNameAndVersion returns the definition for the pair, or
	// flow.ErrDefinitionNotFound.
	FindByNameAndVersion(ctx context.Context, name, version string) (*Definition, error)

	// Save upserts a definition; the (name, version) pair is the key.
	Save(ctx context.Context, def *Definition) error
}

// BatchOptions tunes one outbox processing pass.
type BatchOptions struct {
	// Now is the scheduling clock; rows with DelayedUntil after Now are
	// not claimed.
	Now time.Time

	// Limit bounds the batch size.
	Limit int

	// MaxAttempts excludes rows whose publish attempts reached this
	// count from the claim. Zero means unlimited.
	MaxAttempts int

	// RetryDelay pushes a failed row's DelayedUntil forward before the
	// next pass picks it up again.
	RetryDelay time.Duration
}

// OutboxStore persists and drains scheduled publications.
//
// ProcessBatch claims up to Limit due PENDING rows, invokes fn on each,
// and transitions them: fn success marks the row SENT exactly once,
// fn failure pushes the row's due time forward and eventually parks it.
// SQL implementations claim with SELECT ... FOR UPDATE SKIP LOCKED so
// concurrent schedulers never double-publish a row.
type OutboxStore interface {
	// Enqueue inserts a row unless its ID already exists.
	Enqueue(ctx context.Context, kind OutboxKind, row *OutboxRow) error

	// ProcessBatch drains due rows in DelayedUntil order. It returns the
	// number of rows handed to fn.
	ProcessBatch(ctx context.Context, kind OutboxKind, opts BatchOptions, fn func(ctx context.Context, row *OutboxRow) error) (int, error)

	// DeleteSentBefore removes up to limit SENT rows older than the
	// cutoff, oldest first, and returns how many were deleted. A limit
	// of zero or less removes all matching rows.
	DeleteSentBefore(ctx context.Context, kind OutboxKind, cutoff time.Time, limit int) (int64, error)
}

// ErrDefinitionNotFound re-exports the sentinel so callers of this
// package don't need to import flow for the check alone.
var ErrDefinitionNotFound = flow.ErrDefinitionNotFound
