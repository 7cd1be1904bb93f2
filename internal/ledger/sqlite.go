package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteLedger stores records in a single table; the version predicate in
// the UPDATE statement is the compare-and-swap.
type SQLiteLedger struct {
	conn *sql.DB
}

func OpenSQLite(dbPath string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("executing schema: %w", err)
	}
	return &SQLiteLedger{conn: conn}, nil
}

func (l *SQLiteLedger) Get(ctx context.Context, kind Kind, id string) (Record, bool, error) {
	rec := Record{Kind: kind, ID: id}
	err := l.conn.QueryRowContext(ctx,
		`SELECT version, data FROM entities WHERE kind = ? AND id = ?`, string(kind), id,
	).Scan(&rec.Version, &rec.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("reading %s %s: %w", kind, id, err)
	}
	return rec, true, nil
}

func (l *SQLiteLedger) PutIfVersion(ctx context.Context, kind Kind, id string, expected int64, data []byte) (int64, error) {
	if err := validate(kind, id, expected); err != nil {
		return 0, err
	}
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = l.conn.ExecContext(ctx,
			`INSERT INTO entities (kind, id, version, data) VALUES (?, ?, 1, ?)
			 ON CONFLICT (kind, id) DO NOTHING`, string(kind), id, data)
	} else {
		res, err = l.conn.ExecContext(ctx,
			`UPDATE entities SET version = version + 1, data = ?,
			        updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
			 WHERE kind = ? AND id = ? AND version = ?`, data, string(kind), id, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("writing %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrConflict
	}
	return expected + 1, nil
}

func (l *SQLiteLedger) List(ctx context.Context, kind Kind, filter Filter) ([]Record, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT id, version, data FROM entities WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Kind: kind}
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.Data); err != nil {
			return nil, err
		}
		if filter == nil || filter(rec) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Close() error {
	return l.conn.Close()
}
