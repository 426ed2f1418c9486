package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDialectRebind(t *testing.T) {
	q := "SELECT id FROM t WHERE a = ? AND b = ?"
	if got := DialectPostgres.rebind(q); got != "SELECT id FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	if got := DialectMySQL.rebind(q); got != q {
		t.Errorf("mysql rebind = %q", got)
	}
	if got := DialectSQLite.rebind(q); got != q {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestDialectDrivers(t *testing.T) {
	if DialectPostgres.driverName() != "pgx" {
		t.Errorf("postgres driver = %q", DialectPostgres.driverName())
	}
	if DialectMySQL.driverName() != "mysql" {
		t.Errorf("mysql driver = %q", DialectMySQL.driverName())
	}
	if DialectSQLite.driverName() != "sqlite" {
		t.Errorf("sqlite driver = %q", DialectSQLite.driverName())
	}
	if !DialectPostgres.skipLocked() || !DialectMySQL.skipLocked() {
		t.Error("postgres and mysql should claim with SKIP LOCKED")
	}
	if DialectSQLite.skipLocked() {
		t.Error("sqlite has no SKIP LOCKED")
	}
}

// sqliteStore opens an in-memory SQLite store. The pool is pinned to
// one connection: each new in-memory connection would be a separate
// database.
func sqliteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLStore(db, DialectSQLite)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStoreDefinitions(t *testing.T) {
	ctx := context.Background()
	s := sqliteStore(t)

	if _, err := s.FindByNameAndVersion(ctx, "orders", "1.0"); !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("err = %v, want ErrDefinitionNotFound", err)
	}

	def := &Definition{Name: "orders", Version: "1.0", Document: []byte("document: {}")}
	if err := s.Save(ctx, def); err != nil {
		t.Fatal(err)
	}
	if def.ID == "" {
		t.Error("Save should assign an id")
	}

	got, err := s.FindByNameAndVersion(ctx, "orders", "1.0")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "orders" || string(got.Document) != "document: {}" {
		t.Errorf("got = %+v", got)
	}

	update := &Definition{Name: "orders", Version: "1.0", Document: []byte("changed: true")}
	if err := s.Save(ctx, update); err != nil {
		t.Fatal(err)
	}
	got, err = s.FindByNameAndVersion(ctx, "orders", "1.0")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Document) != "changed: true" {
		t.Errorf("upsert document = %s", got.Document)
	}
}

func TestSQLStoreOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := sqliteStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mustEnqueue := func(id string, due time.Time) {
		t.Helper()
		err := s.Enqueue(ctx, OutboxWait, &OutboxRow{ID: id, Message: []byte(id), DelayedUntil: due})
		if err != nil {
			t.Fatal(err)
		}
	}
	mustEnqueue("late", now.Add(-time.Minute))
	mustEnqueue("early", now.Add(-time.Hour))
	mustEnqueue("future", now.Add(time.Hour))
	// Duplicate ids collapse into the existing row.
	mustEnqueue("early", now.Add(-time.Hour))

	var order []string
	n, err := s.ProcessBatch(ctx, OutboxWait, BatchOptions{Now: now, Limit: 10}, func(ctx context.Context, r *OutboxRow) error {
		order = append(order, r.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Fatalf("claimed = %v, want [early late]", order)
	}

	// Claimed rows are SENT; nothing else is due.
	n, err = s.ProcessBatch(ctx, OutboxWait, BatchOptions{Now: now, Limit: 10}, func(ctx context.Context, r *OutboxRow) error {
		t.Errorf("unexpected row %s", r.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second pass n = %d", n)
	}

	deleted, err := s.DeleteSentBefore(ctx, OutboxWait, now.Add(-time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want only the old sent row", deleted)
	}
}

func TestSQLStoreDeleteSentBoundedBatches(t *testing.T) {
	ctx := context.Background()
	s := sqliteStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("row-%d", i)
		due := now.Add(time.Duration(i)*time.Minute - 3*time.Hour)
		if err := s.Enqueue(ctx, OutboxWait, &OutboxRow{ID: id, Message: []byte(id), DelayedUntil: due}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ProcessBatch(ctx, OutboxWait, BatchOptions{Now: now, Limit: 10}, func(ctx context.Context, r *OutboxRow) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	cutoff := now.Add(-time.Hour)
	deleted, err := s.DeleteSentBefore(ctx, OutboxWait, cutoff, 2)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want the batch limit to cap the sweep", deleted)
	}
	deleted, err = s.DeleteSentBefore(ctx, OutboxWait, cutoff, 2)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("second sweep deleted = %d, want the remaining row", deleted)
	}
}

func TestSQLStoreOutboxFailureDefersThenParks(t *testing.T) {
	ctx := context.Background()
	s := sqliteStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	err := s.Enqueue(ctx, OutboxRetry, &OutboxRow{ID: "r1", Message: []byte("m"), DelayedUntil: now.Add(-time.Second)})
	if err != nil {
		t.Fatal(err)
	}

	opts := BatchOptions{Now: now, Limit: 10, MaxAttempts: 2, RetryDelay: 5 * time.Second}
	fail := func(ctx context.Context, r *OutboxRow) error { return errors.New("broker down") }

	if _, err := s.ProcessBatch(ctx, OutboxRetry, opts, fail); err != nil {
		t.Fatal(err)
	}
	// Deferred by RetryDelay.
	if n, err := s.ProcessBatch(ctx, OutboxRetry, opts, fail); err != nil || n != 0 {
		t.Fatalf("n=%d err=%v, want the row deferred", n, err)
	}

	opts.Now = now.Add(6 * time.Second)
	if _, err := s.ProcessBatch(ctx, OutboxRetry, opts, fail); err != nil {
		t.Fatal(err)
	}
	// MaxAttempts reached: the row stays PENDING but the claim skips it.
	opts.Now = opts.Now.Add(time.Hour)
	n, err := s.ProcessBatch(ctx, OutboxRetry, opts, func(ctx context.Context, r *OutboxRow) error {
		t.Error("exhausted row must not be claimed")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
}

func TestSQLStoreUnknownOutboxKind(t *testing.T) {
	s := sqliteStore(t)
	if err := s.Enqueue(context.Background(), OutboxKind("nope"), &OutboxRow{ID: "x"}); err == nil {
		t.Error("expected an error for an unknown kind")
	}
}
