// Package store provides the persistence backends for audit chains.
//
// SQLite is the durable backend, stored at <config-dir>/audit.db by
// default. Memory backs tests and throwaway servers. Both implement
// chain.Store and chain.Querier.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/go-sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/assetledger/auditchain/internal/chain"
)

const schema = `
	CREATE TABLE IF NOT EXISTS audit_records (
		id              TEXT PRIMARY KEY,
		entity_id       TEXT NOT NULL,
		sequence        INTEGER NOT NULL,
		field_name      TEXT NOT NULL,
		old_value       TEXT,
		new_value       TEXT,
		actor_id        TEXT NOT NULL DEFAULT '',
		actor_email     TEXT NOT NULL DEFAULT '',
		ts_ms           INTEGER NOT NULL,
		previous_digest TEXT NOT NULL,
		current_digest  TEXT NOT NULL,
		metadata        TEXT NOT NULL DEFAULT '',
		UNIQUE (entity_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_actor ON audit_records(actor_id, ts_ms);
	CREATE INDEX IF NOT EXISTS idx_field ON audit_records(field_name, ts_ms);
	CREATE INDEX IF NOT EXISTS idx_ts ON audit_records(ts_ms);
`

const recordColumns = `id, entity_id, sequence, field_name, old_value, new_value,
	actor_id, actor_email, ts_ms, previous_digest, current_digest, metadata`

// SQLite stores audit chains in a single SQLite table. Appends run under
// the database write lock and the pair (entity_id, sequence) is unique,
// which fences concurrent writers even across processes sharing the file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}
	// One connection serializes statements inside this process and keeps
	// each transaction on the connection that started it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	slog.Info("audit store opened", "path", path)
	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// GetTail returns the highest-sequence record of the entity, or nil.
func (s *SQLite) GetTail(ctx context.Context, entityID string) (*chain.Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM audit_records WHERE entity_id = ? ORDER BY sequence DESC LIMIT 1",
		entityID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("reading tail", err)
	}
	return &rec, nil
}

// AppendIfTailMatches takes the database write lock, re-reads the tail and
// inserts rec only if it still matches expectedTail.
//
// The write lock is taken with BEGIN IMMEDIATE, before the read. Another
// process then waits on busy_timeout and sees the new tail as ErrConflict.
func (s *SQLite) AppendIfTailMatches(ctx context.Context, entityID, expectedTail string, rec chain.Record) error {
	meta := ""
	if len(rec.Metadata) > 0 {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
		meta = string(data)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return unavailable("acquiring connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return writeFailure("beginning append", err)
	}
	committed := false
	defer func() {
		if !committed {
			if _, err := conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
				slog.Warn("rollback of audit append failed", "entity", entityID, "error", err)
			}
		}
	}()

	current := chain.Genesis
	err = conn.QueryRowContext(ctx,
		"SELECT current_digest FROM audit_records WHERE entity_id = ? ORDER BY sequence DESC LIMIT 1",
		entityID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return writeFailure("re-reading tail", err)
	}
	if current != expectedTail {
		return chain.ErrConflict
	}

	_, err = conn.ExecContext(ctx,
		"INSERT INTO audit_records ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.EntityID, int64(rec.Sequence), rec.FieldName,
		nullable(rec.OldValue), nullable(rec.NewValue),
		rec.ActorID, rec.ActorEmail, rec.Timestamp.UnixMilli(),
		rec.PreviousDigest, rec.CurrentDigest, meta,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return chain.ErrConflict
		}
		return writeFailure("inserting record", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return writeFailure("committing append", err)
	}
	committed = true
	return nil
}

// GetAllOrdered returns the entity's full chain in one statement, so the
// result is a consistent snapshot.
func (s *SQLite) GetAllOrdered(ctx context.Context, entityID string) ([]chain.Record, error) {
	return s.query(ctx,
		"SELECT "+recordColumns+" FROM audit_records WHERE entity_id = ? ORDER BY sequence ASC",
		entityID)
}

// List returns a page of the entity's chain in sequence order.
func (s *SQLite) List(ctx context.Context, entityID string, skip, limit int) ([]chain.Record, error) {
	return s.query(ctx,
		"SELECT "+recordColumns+" FROM audit_records WHERE entity_id = ? ORDER BY sequence ASC LIMIT ? OFFSET ?",
		entityID, sqlLimit(limit), max(skip, 0))
}

// ByActor returns the actor's records, newest first.
func (s *SQLite) ByActor(ctx context.Context, actorID string, skip, limit int) ([]chain.Record, error) {
	return s.query(ctx,
		"SELECT "+recordColumns+" FROM audit_records WHERE actor_id = ?"+
			" ORDER BY ts_ms DESC, entity_id ASC, sequence DESC LIMIT ? OFFSET ?",
		actorID, sqlLimit(limit), max(skip, 0))
}

// Recent returns the newest records, optionally for one field only.
func (s *SQLite) Recent(ctx context.Context, field string, limit int) ([]chain.Record, error) {
	q := "SELECT " + recordColumns + " FROM audit_records WHERE 1=1"
	var args []any
	if field != "" {
		q += " AND field_name = ?"
		args = append(args, field)
	}
	q += " ORDER BY ts_ms DESC, entity_id ASC, sequence DESC LIMIT ?"
	args = append(args, sqlLimit(limit))
	return s.query(ctx, q, args...)
}

// Stats aggregates counts over every chain.
func (s *SQLite) Stats(ctx context.Context, since time.Time, topActors int) (chain.Stats, error) {
	var st chain.Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN ts_ms >= ? THEN 1 ELSE 0 END), 0) FROM audit_records",
		since.UnixMilli()).Scan(&st.TotalRecords, &st.RecentCount)
	if err != nil {
		return chain.Stats{}, unavailable("counting records", err)
	}

	if st.ByField, err = s.counts(ctx,
		"SELECT field_name, COUNT(*) AS n FROM audit_records GROUP BY field_name ORDER BY n DESC, field_name ASC LIMIT ?",
		-1); err != nil {
		return chain.Stats{}, err
	}
	if st.TopActors, err = s.counts(ctx,
		"SELECT actor_email, COUNT(*) AS n FROM audit_records GROUP BY actor_email ORDER BY n DESC, actor_email ASC LIMIT ?",
		sqlLimit(topActors)); err != nil {
		return chain.Stats{}, err
	}
	return st, nil
}

func (s *SQLite) counts(ctx context.Context, q string, limit int) ([]chain.FieldCount, error) {
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, unavailable("grouping records", err)
	}
	defer rows.Close()

	out := []chain.FieldCount{}
	for rows.Next() {
		var fc chain.FieldCount
		if err := rows.Scan(&fc.Key, &fc.Count); err != nil {
			return nil, unavailable("scanning count", err)
		}
		out = append(out, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("grouping records", err)
	}
	return out, nil
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]chain.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("querying records", err)
	}
	defer rows.Close()

	recs := []chain.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("scanning record", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("querying records", err)
	}
	return recs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (chain.Record, error) {
	var (
		rec      chain.Record
		seq      int64
		tsMs     int64
		oldValue sql.NullString
		newValue sql.NullString
		meta     string
	)
	err := row.Scan(
		&rec.ID, &rec.EntityID, &seq, &rec.FieldName, &oldValue, &newValue,
		&rec.ActorID, &rec.ActorEmail, &tsMs, &rec.PreviousDigest, &rec.CurrentDigest, &meta,
	)
	if err != nil {
		return chain.Record{}, err
	}
	rec.Sequence = uint64(seq)
	rec.Timestamp = time.UnixMilli(tsMs).UTC()
	if oldValue.Valid {
		rec.OldValue = chain.Val(oldValue.String)
	}
	if newValue.Valid {
		rec.NewValue = chain.Val(newValue.String)
	}
	// Metadata is advisory and outside the digest; a corrupt blob is
	// logged and dropped rather than failing the read.
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			slog.Warn("skipping malformed record metadata", "id", rec.ID, "error", err)
		}
	}
	return rec, nil
}

func nullable(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// sqliteCode returns the (extended) SQLite result code carried by err, or 0.
func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

// isUniqueViolation reports a UNIQUE constraint failure, here always the
// (entity_id, sequence) pair taken by another writer.
func isUniqueViolation(err error) bool {
	return sqliteCode(err) == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// isBusy reports SQLITE_BUSY or SQLITE_LOCKED, including their extended codes.
func isBusy(err error) bool {
	switch sqliteCode(err) & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// writeFailure classifies an error of the append path: a write lock still
// held by another process after busy_timeout is ErrBusy, anything else is
// the store being unavailable.
func writeFailure(op string, err error) error {
	if isBusy(err) {
		return fmt.Errorf("%w: %s: %v", chain.ErrBusy, op, err)
	}
	return unavailable(op, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", chain.ErrStoreUnavailable, op, err)
}
