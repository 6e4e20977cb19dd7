package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const DefaultTable = "registries"

var tableNameRgx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidTableName returns true if name can be used as registries table name
func ValidTableName(name string) bool {
	return tableNameRgx.MatchString(name)
}

// SQLiteBackend stores records in a table of a local SQLite database.
// conditional writes are single statements hence they are atomic across
// processes sharing the database file.
type SQLiteBackend struct {
	db    *sql.DB
	table string
}

// NewSQLiteBackend opens (or creates) database at given path and makes sure
// the registries table exists
func NewSQLiteBackend(ctx context.Context, path, table string) (*SQLiteBackend, error) {
	if table == "" {
		table = DefaultTable
	}
	if !ValidTableName(table) {
		return nil, fmt.Errorf("invalid registries table name '%s'", table)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("unable to create database dir err:%w", err)
	}

	// pragmas are set via DSN so that every pooled connection gets them
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", (&url.URL{Path: path}).EscapedPath())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database %w: %w", ErrStoreAccess, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping database %w: %w", ErrStoreAccess, err)
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	head TEXT,
	head_commit_id TEXT
)`, table)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to create table %s %w: %w", table, ErrStoreAccess, err)
	}

	return &SQLiteBackend{db: db, table: table}, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, url string) (*State, error) {
	query := fmt.Sprintf(`SELECT url, version, head, head_commit_id FROM %s WHERE url = ?`, b.table)

	state, err := scanState(b.db.QueryRowContext(ctx, query, url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return state, err
}

func (b *SQLiteBackend) Insert(ctx context.Context, state State) (*State, error) {
	query := fmt.Sprintf(`INSERT INTO %s (url, version, head, head_commit_id) VALUES (?, 0, ?, ?)
ON CONFLICT(url) DO NOTHING`, b.table)

	res, err := b.db.ExecContext(ctx, query, state.URL, nullString(state.HeadRef), nullString(state.HeadCommitID))
	if err != nil {
		return nil, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrAlreadyExists
	}

	state.Version = 0
	return &state, nil
}

func (b *SQLiteBackend) CompareAndSwap(ctx context.Context, state State, expected int64) (*State, error) {
	query := fmt.Sprintf(`UPDATE %s SET version = version + 1, head = ?, head_commit_id = ?
WHERE url = ? AND version = ?
RETURNING url, version, head, head_commit_id`, b.table)

	updated, err := scanState(b.db.QueryRowContext(ctx, query,
		nullString(state.HeadRef), nullString(state.HeadCommitID), state.URL, expected))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionConflict
	}
	return updated, err
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func scanState(row *sql.Row) (*State, error) {
	var (
		url, head, headCommitID sql.NullString
		version                 sql.NullInt64
	)
	if err := row.Scan(&url, &version, &head, &headCommitID); err != nil {
		return nil, err
	}

	r := record{
		URL:          fromNullString(url),
		HeadRef:      fromNullString(head),
		HeadCommitID: fromNullString(headCommitID),
	}
	if version.Valid {
		r.Version = &version.Int64
	}
	return r.toState()
}

// nullString stores empty strings as NULL
func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
