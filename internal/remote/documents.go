package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/clockin/internal/ids"
)

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL COLLATE BINARY,
    body       TEXT NOT NULL,
    PRIMARY KEY (collection, id)
);
`

// SQLiteDocuments is a Documents store in a SQLite file.
type SQLiteDocuments struct {
	db  *sql.DB
	gen ids.Generator
}

// DocumentsOption configures SQLiteDocuments.
type DocumentsOption func(*SQLiteDocuments)

// WithIDGenerator sets the generator used by Add.
func WithIDGenerator(g ids.Generator) DocumentsOption {
	return func(d *SQLiteDocuments) { d.gen = g }
}

// OpenDocuments opens or creates the document database at path.
func OpenDocuments(path string, opts ...DocumentsOption) (*SQLiteDocuments, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open documents: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000", documentsSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init documents: %w", err)
		}
	}
	d := &SQLiteDocuments{db: db, gen: ids.ULID{}}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close closes the database.
func (d *SQLiteDocuments) Close() error { return d.db.Close() }

// Get implements Documents.
func (d *SQLiteDocuments) Get(ctx context.Context, collection, id string) (Doc, bool, error) {
	return getDoc(ctx, d.db, collection, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDoc(ctx context.Context, q queryer, collection, id string) (Doc, bool, error) {
	var body string
	err := q.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	var doc Doc
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return doc, true, nil
}

// Set implements Documents.
func (d *SQLiteDocuments) Set(ctx context.Context, collection, id string, doc Doc, opts SetOptions) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	body := doc
	if opts.Merge {
		existing, ok, err := getDoc(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if ok {
			body = maps.Clone(existing)
			maps.Copy(body, doc)
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET body = excluded.body
	`, collection, id, string(data))
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	return tx.Commit()
}

// Add implements Documents.
func (d *SQLiteDocuments) Add(ctx context.Context, collection string, doc Doc) (string, error) {
	id := d.gen.Generate()
	if err := d.Set(ctx, collection, id, doc, SetOptions{}); err != nil {
		return "", err
	}
	return id, nil
}

// Query implements Documents using JSON path equality on each filter field.
func (d *SQLiteDocuments) Query(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	var (
		where strings.Builder
		args  = []any{collection}
	)
	where.WriteString("collection = ?")
	var fields []string
	for k := range filter {
		fields = append(fields, k)
	}
	slices.Sort(fields)
	for _, field := range fields {
		where.WriteString(" AND json_extract(body, ?) = ?")
		args = append(args, "$."+field, filter[field])
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, body FROM documents WHERE `+where.String()+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		var doc Doc
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		out = append(out, Record{ID: id, Doc: doc})
	}
	return out, rows.Err()
}
