// Package sqlstore implements store.Store on database/sql, for SQLite
// (modernc.org/sqlite) and Postgres (lib/pq).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/sprite-ai/p4review/internal/store"
)

// Dialect selects placeholder syntax and DDL.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Store is a SQL-backed record store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and ensures the schema exists. For SQLite
// the dsn is a file path or ":memory:".
func Open(dialect Dialect, dsn string) (*Store, error) {
	switch dialect {
	case SQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	case Postgres:
		if dsn == "" {
			return nil, errors.New("postgres dsn is required")
		}
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == SQLite {
		// One connection keeps :memory: databases shared and avoids
		// SQLITE_BUSY between writers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	s, err := NewWithDB(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB reuses an existing *sql.DB.
func NewWithDB(db *sql.DB, dialect Dialect) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	blob := "BLOB"
	if s.dialect == Postgres {
		blob = "BYTEA"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id BIGINT PRIMARY KEY,
			value ` + blob + ` NOT NULL,
			version BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS record_index (
			id BIGINT NOT NULL,
			field TEXT NOT NULL,
			term TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_record_index_term ON record_index(field, term)`,
		`CREATE INDEX IF NOT EXISTS idx_record_index_id ON record_index(id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Put writes rec. With expectedVersion > 0 the row is updated only if its
// version still matches, so concurrent writers that read the same version
// cannot both succeed. With expectedVersion == 0 the write is an upsert.
func (s *Store) Put(ctx context.Context, rec store.Record, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	value := rec.Value
	if value == nil {
		value = []byte{}
	}

	var next int64
	if expectedVersion > 0 {
		next = expectedVersion + 1
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE records SET value = ?, version = ? WHERE id = ? AND version = ?`),
			value, next, rec.ID, expectedVersion)
		if err != nil {
			return 0, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if affected == 0 {
			return 0, s.conflict(ctx, tx, rec.ID, expectedVersion)
		}
	} else {
		err = tx.QueryRowContext(ctx, s.rebind(`INSERT INTO records (id, value, version) VALUES (?, ?, 1)
			ON CONFLICT (id) DO UPDATE SET value = excluded.value, version = records.version + 1
			RETURNING version`), rec.ID, value).Scan(&next)
		if err != nil {
			return 0, err
		}
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM record_index WHERE id = ?`), rec.ID); err != nil {
		return 0, err
	}
	insert := s.rebind(`INSERT INTO record_index (id, field, term) VALUES (?, ?, ?)`)
	for field, terms := range rec.Fields {
		for _, term := range terms {
			if _, err := tx.ExecContext(ctx, insert, rec.ID, field, term); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// conflict reports a failed conditional update with the version now stored.
func (s *Store) conflict(ctx context.Context, tx *sql.Tx, id, expected int64) error {
	var current int64
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT version FROM records WHERE id = ?`), id).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err := store.CheckVersion(id, current, expected); err != nil {
		return err
	}
	return fmt.Errorf("record %d: version %d was replaced concurrently: %w", id, expected, store.ErrConflict)
}

func (s *Store) Get(ctx context.Context, id int64) (*store.Record, error) {
	rec := store.Record{ID: id}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value, version FROM records WHERE id = ?`), id).Scan(&rec.Value, &rec.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %d: %w", id, store.ErrNotFound)
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT field, term FROM record_index WHERE id = ?`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	rec.Fields = map[string][]string{}
	for rows.Next() {
		var field, term string
		if err := rows.Scan(&field, &term); err != nil {
			return nil, err
		}
		rec.Fields[field] = append(rec.Fields[field], term)
	}
	return &rec, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM records WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("record %d: %w", id, store.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM record_index WHERE id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Search(ctx context.Context, q store.Query) ([]int64, error) {
	var (
		where []string
		args  []any
	)
	for _, c := range q.Conditions {
		if len(c.Terms) == 0 {
			return nil, nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?,", len(c.Terms)), ",")
		where = append(where, `id IN (SELECT id FROM record_index WHERE field = ? AND term IN (`+marks+`))`)
		args = append(args, c.Field)
		for _, t := range c.Terms {
			args = append(args, t)
		}
	}

	query := `SELECT id FROM records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
