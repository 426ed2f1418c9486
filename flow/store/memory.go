package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDefinitionStore is an in-memory DefinitionStore for tests and
// single-process deployments. Thread-safe.
type MemoryDefinitionStore struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewMemoryDefinitionStore creates an empty in-memory definition store.
func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{defs: map[string]*Definition{}}
}

func definitionKey(name, version string) string {
	return name + "@" + version
}

// FindByNameAndVersion implements DefinitionStore.
func (m *MemoryDefinitionStore) FindByNameAndVersion(ctx context.Context, name, version string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[definitionKey(name, version)]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	dup := *def
	return &dup, nil
}

// Save implements DefinitionStore.
func (m *MemoryDefinitionStore) Save(ctx context.Context, def *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		def.ID = id.String()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	dup := *def
	m.defs[definitionKey(def.Name, def.Version)] = &dup
	return nil
}

// MemoryOutboxStore is an in-memory OutboxStore for tests and
// single-process deployments. Thread-safe; the claim pass holds the
// lock for the whole batch, mirroring the row locks a SQL store takes.
type MemoryOutboxStore struct {
	mu   sync.Mutex
	rows map[OutboxKind]map[string]*OutboxRow
}

// NewMemoryOutboxStore creates an empty in-memory outbox.
func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{rows: map[OutboxKind]map[string]*OutboxRow{
		OutboxWait:  {},
		OutboxRetry: {},
	}}
}

// Enqueue implements OutboxStore.
func (m *MemoryOutboxStore) Enqueue(ctx context.Context, kind OutboxKind, row *OutboxRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.rows[kind]
	if _, exists := table[row.ID]; exists {
		return nil
	}
	dup := *row
	if dup.Status == "" {
		dup.Status = StatusPending
	}
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = time.Now().UTC()
	}
	table[row.ID] = &dup
	return nil
}

// ProcessBatch implements OutboxStore.
func (m *MemoryOutboxStore) ProcessBatch(ctx context.Context, kind OutboxKind, opts BatchOptions, fn func(ctx context.Context, row *OutboxRow) error) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*OutboxRow
	for _, row := range m.rows[kind] {
		if row.Status != StatusPending || row.DelayedUntil.After(opts.Now) {
			continue
		}
		if opts.MaxAttempts > 0 && row.AttemptCount >= opts.MaxAttempts {
			continue
		}
		due = append(due, row)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].DelayedUntil.Before(due[j].DelayedUntil)
	})
	if opts.Limit > 0 && len(due) > opts.Limit {
		due = due[:opts.Limit]
	}

	for _, row := range due {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		dup := *row
		if err := fn(ctx, &dup); err != nil {
			row.AttemptCount++
			row.LastError = err.Error()
			row.DelayedUntil = opts.Now.Add(opts.RetryDelay)
			continue
		}
		row.Status = StatusSent
	}
	return len(due), nil
}

// DeleteSentBefore implements OutboxStore.
func (m *MemoryOutboxStore) DeleteSentBefore(ctx context.Context, kind OutboxKind, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var victims []*OutboxRow
	for _, row := range m.rows[kind] {
		if row.Status == StatusSent && row.DelayedUntil.Before(cutoff) {
			victims = append(victims, row)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].DelayedUntil.Before(victims[j].DelayedUntil)
	})
	if limit > 0 && len(victims) > limit {
		victims = victims[:limit]
	}
	for _, row := range victims {
		delete(m.rows[kind], row.ID)
	}
	return int64(len(victims)), nil
}
