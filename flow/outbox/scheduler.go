// Package outbox drains the durable delay tables: a scheduler polls
// for due rows, publishes their envelopes to the broker, and cleans up
// sent rows after a retention window.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmach/flowmach/flow/broker"
	"github.com/flowmach/flowmach/flow/config"
	"github.com/flowmach/flowmach/flow/store"
)

// Config tunes the scheduler loops. Zero values select working
// defaults.
type Config struct {
	// PollInterval is the pause between drain passes per kind.
	PollInterval time.Duration

	// InitialDelay postpones the first pass after startup, letting the
	// broker connection settle.
	InitialDelay time.Duration

	// BatchSize bounds one claim.
	BatchSize int

	// MaxAttempts stops claiming a row after this many publish
	// failures; the row stays PENDING for operator intervention.
	MaxAttempts int

	// PublishRetryDelay pushes a failed row's due time forward.
	PublishRetryDelay time.Duration

	// CleanupInterval is the pause between retention sweeps.
	CleanupInterval time.Duration

	// RetainSent keeps SENT rows around for that long before deletion,
	// preserving a short audit trail.
	RetainSent time.Duration

	// CleanupBatchSize bounds one retention DELETE; the sweep repeats
	// until a batch comes back short.
	CleanupBatchSize int

	// Kinds selects which outbox kinds this scheduler drains; empty
	// means both. Running one scheduler per kind lets wait and retry
	// carry different schedules.
	Kinds []store.OutboxKind
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.PublishRetryDelay <= 0 {
		c.PublishRetryDelay = 5 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.RetainSent <= 0 {
		c.RetainSent = time.Hour
	}
	if c.CleanupBatchSize <= 0 {
		c.CleanupBatchSize = 500
	}
	if len(c.Kinds) == 0 {
		c.Kinds = []store.OutboxKind{store.OutboxWait, store.OutboxRetry}
	}
	return c
}

// FromSchedule builds a scheduler Config for one kind from the
// configuration file's schedule block.
func FromSchedule(kind store.OutboxKind, sched config.ScheduleConfig) Config {
	return Config{
		PollInterval:     sched.Outbox.Every.Std(),
		InitialDelay:     sched.Outbox.InitialDelay.Std(),
		BatchSize:        sched.Outbox.BatchSize,
		MaxAttempts:      sched.Outbox.MaxAttempts,
		CleanupInterval:  sched.Cleanup.Every.Std(),
		RetainSent:       sched.Cleanup.After.Std(),
		CleanupBatchSize: sched.Cleanup.BatchSize,
		Kinds:            []store.OutboxKind{kind},
	}
}

// Scheduler drains both outbox kinds concurrently. Multiple replicas
// may run the same scheduler against the same database; the SKIP
// LOCKED claim keeps their batches disjoint.
type Scheduler struct {
	store store.OutboxStore
	pub   broker.Publisher
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time

	metrics *Metrics
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduling clock; tests use it.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler over the given store and publisher.
func New(st store.OutboxStore, pub broker.Publisher, cfg Config, log zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store: st,
		pub:   pub,
		cfg:   cfg.withDefaults(),
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the drain and cleanup loops and blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.InitialDelay > 0 {
		select {
		case <-time.After(s.cfg.InitialDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var wg sync.WaitGroup
	for _, kind := range s.cfg.Kinds {
		wg.Add(1)
		go func(kind store.OutboxKind) {
			defer wg.Done()
			s.drainLoop(ctx, kind)
		}(kind)
		wg.Add(1)
		go func(kind store.OutboxKind) {
			defer wg.Done()
			s.cleanupLoop(ctx, kind)
		}(kind)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) drainLoop(ctx context.Context, kind store.OutboxKind) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ProcessOnce(ctx, kind); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Str("kind", string(kind)).Msg("outbox drain pass failed")
			}
		}
	}
}

// ProcessOnce runs a single drain pass for one kind and returns the
// number of rows claimed.
func (s *Scheduler) ProcessOnce(ctx context.Context, kind store.OutboxKind) (int, error) {
	opts := store.BatchOptions{
		Now:         s.now().UTC(),
		Limit:       s.cfg.BatchSize,
		MaxAttempts: s.cfg.MaxAttempts,
		RetryDelay:  s.cfg.PublishRetryDelay,
	}
	n, err := s.store.ProcessBatch(ctx, kind, opts, func(ctx context.Context, row *store.OutboxRow) error {
		if err := s.pub.Publish(ctx, row.Message); err != nil {
			s.metrics.recordFailure(kind)
			s.log.Warn().Err(err).
				Str("kind", string(kind)).
				Str("row", row.ID).
				Int("attempts", row.AttemptCount+1).
				Msg("outbox publish failed")
			return err
		}
		s.metrics.recordPublished(kind)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug().Str("kind", string(kind)).Int("rows", n).Msg("outbox pass")
	}
	return n, nil
}

func (s *Scheduler) cleanupLoop(ctx context.Context, kind store.OutboxKind) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.CleanupOnce(ctx, kind)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error().Err(err).Str("kind", string(kind)).Msg("outbox cleanup failed")
				}
				continue
			}
			if deleted > 0 {
				s.metrics.recordCleaned(kind, deleted)
				s.log.Debug().Str("kind", string(kind)).Int64("rows", deleted).Msg("outbox cleanup")
			}
		}
	}
}

// CleanupOnce runs one retention sweep for a kind: SENT rows older than
// the retention window are removed in CleanupBatchSize batches until a
// batch comes back short. It returns the total number of rows deleted.
func (s *Scheduler) CleanupOnce(ctx context.Context, kind store.OutboxKind) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.RetainSent)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := s.store.DeleteSentBefore(ctx, kind, cutoff, s.cfg.CleanupBatchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < int64(s.cfg.CleanupBatchSize) {
			return total, nil
		}
	}
}
