package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	// DialectPostgres targets PostgreSQL via the pgx stdlib driver.
	DialectPostgres Dialect = "postgres"
	// DialectMySQL targets MySQL/MariaDB.
	DialectMySQL Dialect = "mysql"
	// DialectSQLite targets SQLite for single-node deployments. SQLite
	// has no SKIP LOCKED; its single-writer model makes the claim pass
	// exclusive anyway.
	DialectSQLite Dialect = "sqlite"
)

func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectMySQL:
		return "mysql"
	case DialectSQLite:
		return "sqlite"
	}
	return string(d)
}

func (d Dialect) skipLocked() bool {
	return d == DialectPostgres || d == DialectMySQL
}

// rebind rewrites ? placeholders to the dialect's positional form.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// SQLStore implements DefinitionStore and OutboxStore on a relational
// database. One store serves both concerns so a deployment needs a
// single connection pool.
//
// Schema:
//   - workflow_definitions: definition documents, unique per (name, version)
//   - outbox_wait, outbox_retry: scheduled envelope publications
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database, configures pooling, and creates the
// schema if needed.
//
// Never hardcode credentials; read the DSN from the environment or the
// configuration file.
func Open(dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", dialect, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	store, err := NewSQLStore(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an existing connection pool and creates the schema
// if needed.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.createTables(context.Background()); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// createTables creates the schema if it doesn't exist.
func (s *SQLStore) createTables(ctx context.Context) error {
	var stmts []string
	switch s.dialect {
	case DialectMySQL:
		stmts = append(stmts, `
			CREATE TABLE IF NOT EXISTS workflow_definitions (
				id VARCHAR(36) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				version VARCHAR(64) NOT NULL,
				document MEDIUMBLOB NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				UNIQUE KEY unique_name_version (name, version)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`)
		for _, table := range outboxTables {
			stmts = append(stmts, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id VARCHAR(36) PRIMARY KEY,
					message MEDIUMBLOB NOT NULL,
					status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
					delayed_until TIMESTAMP(3) NOT NULL,
					attempt_count INT NOT NULL DEFAULT 0,
					last_error TEXT,
					created_at TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3),
					INDEX idx_status_due (status, delayed_until)
				) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, table))
		}
	default:
		stmts = append(stmts, `
			CREATE TABLE IF NOT EXISTS workflow_definitions (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				version TEXT NOT NULL,
				document BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (name, version)
			)`)
		for _, table := range outboxTables {
			stmts = append(stmts, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					message BYTEA NOT NULL,
					status TEXT NOT NULL DEFAULT 'PENDING',
					delayed_until TIMESTAMPTZ NOT NULL,
					attempt_count INTEGER NOT NULL DEFAULT 0,
					last_error TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`, table))
			stmts = append(stmts, fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS idx_%s_status_due ON %s (status, delayed_until)`, table, table))
		}
		if s.dialect == DialectSQLite {
			for i, stmt := range stmts {
				stmts[i] = strings.ReplaceAll(strings.ReplaceAll(stmt, "BYTEA", "BLOB"), "TIMESTAMPTZ", "TIMESTAMP")
			}
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var outboxTables = map[OutboxKind]string{
	OutboxWait:  "outbox_wait",
	OutboxRetry: "outbox_retry",
}

func (s *SQLStore) outboxTable(kind OutboxKind) (string, error) {
	table, ok := outboxTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown outbox kind %q", kind)
	}
	return table, nil
}

// FindByNameAndVersion implements DefinitionStore.
func (s *SQLStore) FindByNameAndVersion(ctx context.Context, name, version string) (*Definition, error) {
	query := s.dialect.rebind(`
		SELECT id, name, version, document, created_at
		FROM workflow_definitions
		WHERE name = ? AND version = ?`)
	var def Definition
	err := s.db.QueryRowContext(ctx, query, name, version).Scan(
		&def.ID, &def.Name, &def.Version, &def.Document, &def.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDefinitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find definition %s@%s: %w", name, version, err)
	}
	return &def, nil
}

// Save implements DefinitionStore.
func (s *SQLStore) Save(ctx context.Context, def *Definition) error {
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

	var query string
	if s.dialect == DialectMySQL {
		query = `
			INSERT INTO workflow_definitions (id, name, version, document, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE document = VALUES(document)`
	} else {
		query = s.dialect.rebind(`
			INSERT INTO workflow_definitions (id, name, version, document, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (name, version) DO UPDATE SET document = excluded.document`)
	}
	if _, err := s.db.ExecContext(ctx, query, def.ID, def.Name, def.Version, def.Document, def.CreatedAt); err != nil {
		return fmt.Errorf("save definition %s@%s: %w", def.Name, def.Version, err)
	}
	return nil
}

// Enqueue implements OutboxStore. Re-inserting an existing id is a
// no-op, which makes delayed-resumption scheduling idempotent across
// message redeliveries.
func (s *SQLStore) Enqueue(ctx context.Context, kind OutboxKind, row *OutboxRow) error {
	table, err := s.outboxTable(kind)
	if err != nil {
		return err
	}
	if row.Status == "" {
		row.Status = StatusPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	var query string
	if s.dialect == DialectMySQL {
		query = fmt.Sprintf(`
			INSERT IGNORE INTO %s (id, message, status, delayed_until, attempt_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, table)
	} else {
		query = s.dialect.rebind(fmt.Sprintf(`
			INSERT INTO %s (id, message, status, delayed_until, attempt_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`, table))
	}
	if _, err := s.db.ExecContext(ctx, query,
		row.ID, row.Message, string(row.Status), row.DelayedUntil, row.AttemptCount, row.CreatedAt); err != nil {
		return fmt.Errorf("enqueue outbox %s row %s: %w", kind, row.ID, err)
	}
	return nil
}

// ProcessBatch implements OutboxStore. The claim runs inside a
// transaction with FOR UPDATE SKIP LOCKED where the dialect supports
// it, so concurrent schedulers drain disjoint batches.
func (s *SQLStore) ProcessBatch(ctx context.Context, kind OutboxKind, opts BatchOptions, fn func(ctx context.Context, row *OutboxRow) error) (int, error) {
	table, err := s.outboxTable(kind)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(^uint(0) >> 1)
	}
	query := fmt.Sprintf(`
		SELECT id, message, status, delayed_until, attempt_count, created_at
		FROM %s
		WHERE status = 'PENDING' AND delayed_until <= ? AND attempt_count < ?
		ORDER BY delayed_until ASC
		LIMIT %d`, table, opts.Limit)
	if s.dialect.skipLocked() {
		query += " FOR UPDATE SKIP LOCKED"
	}

	rows, err := tx.QueryContext(ctx, s.dialect.rebind(query), opts.Now, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("claim outbox %s batch: %w", kind, err)
	}
	var claimed []*OutboxRow
	for rows.Next() {
		var row OutboxRow
		var status string
		if err := rows.Scan(&row.ID, &row.Message, &status, &row.DelayedUntil, &row.AttemptCount, &row.CreatedAt); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan outbox %s row: %w", kind, err)
		}
		row.Status = OutboxStatus(status)
		claimed = append(claimed, &row)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("claim outbox %s batch: %w", kind, err)
	}
	_ = rows.Close()

	markSent := s.dialect.rebind(fmt.Sprintf(`UPDATE %s SET status = 'SENT' WHERE id = ?`, table))
	markFailed := s.dialect.rebind(fmt.Sprintf(`
		UPDATE %s SET attempt_count = ?, last_error = ?, delayed_until = ?
		WHERE id = ?`, table))

	for _, row := range claimed {
		if err := fn(ctx, row); err != nil {
			row.AttemptCount++
			due := opts.Now.Add(opts.RetryDelay)
			if _, uerr := tx.ExecContext(ctx, markFailed,
				row.AttemptCount, err.Error(), due, row.ID); uerr != nil {
				return 0, fmt.Errorf("record outbox %s failure: %w", kind, uerr)
			}
			continue
		}
		if _, uerr := tx.ExecContext(ctx, markSent, row.ID); uerr != nil {
			return 0, fmt.Errorf("mark outbox %s row sent: %w", kind, uerr)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox %s batch: %w", kind, err)
	}
	return len(claimed), nil
}

// DeleteSentBefore implements OutboxStore.
func (s *SQLStore) DeleteSentBefore(ctx context.Context, kind OutboxKind, cutoff time.Time, limit int) (int64, error) {
	table, err := s.outboxTable(kind)
	if err != nil {
		return 0, err
	}
	var query string
	switch {
	case limit <= 0:
		query = fmt.Sprintf(`DELETE FROM %s WHERE status = 'SENT' AND delayed_until < ?`, table)
	case s.dialect == DialectMySQL:
		query = fmt.Sprintf(
			`DELETE FROM %s WHERE status = 'SENT' AND delayed_until < ? ORDER BY delayed_until ASC LIMIT %d`,
			table, limit)
	default:
		// MySQL rejects LIMIT inside an IN subquery; Postgres and SQLite
		// reject LIMIT on a bare DELETE.
		query = fmt.Sprintf(`
			DELETE FROM %s WHERE id IN (
				SELECT id FROM %s
				WHERE status = 'SENT' AND delayed_until < ?
				ORDER BY delayed_until ASC
				LIMIT %d)`, table, table, limit)
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox %s: %w", kind, err)
	}
	return res.RowsAffected()
}
