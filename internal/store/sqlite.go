package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// SQLite stores documents as JSON in a single `documents` table keyed by
// (collection, id). Filters and ordering are pushed down with json_extract.
// SQLite's transactions back RunTransaction.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an opened database. The documents table must already exist
// (see internal/database migrations).
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Get(ctx context.Context, collection, id string, out any) error {
	return getDoc(ctx, s.db, collection, id, out)
}

func (s *SQLite) Set(ctx context.Context, collection, id string, doc any) error {
	return setDoc(ctx, s.db, collection, id, doc)
}

func (s *SQLite) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return updateDoc(ctx, s.db, collection, id, fields)
}

func (s *SQLite) Query(ctx context.Context, collection string, q Query, out any) error {
	return runQuery(ctx, s.db, collection, q, out)
}

// RunTransaction runs fn inside a SQLite transaction. The transaction is
// rolled back if fn returns an error or panics.
func (s *SQLite) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&sqliteTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Get(ctx context.Context, collection, id string, out any) error {
	return getDoc(ctx, t.tx, collection, id, out)
}

func (t *sqliteTx) Set(ctx context.Context, collection, id string, doc any) error {
	return setDoc(ctx, t.tx, collection, id, doc)
}

func (t *sqliteTx) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return updateDoc(ctx, t.tx, collection, id, fields)
}

func (t *sqliteTx) Query(ctx context.Context, collection string, q Query, out any) error {
	return runQuery(ctx, t.tx, collection, q, out)
}

// dbtx is the intersection of *sql.DB and *sql.Tx used here.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDoc(ctx context.Context, q dbtx, collection, id string, out any) error {
	var raw []byte
	err := q.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return json.Unmarshal(raw, out)
}

func setDoc(ctx context.Context, q dbtx, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data`,
		collection, id, raw,
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

func updateDoc(ctx context.Context, q dbtx, collection, id string, fields map[string]any) error {
	var raw []byte
	err := q.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	merged, err := mergeFields(raw, fields)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE documents SET data = ? WHERE collection = ? AND id = ?`,
		[]byte(merged), collection, id,
	)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return nil
}

// fieldNamePattern restricts filter/order fields to plain JSON identifiers;
// field names come from code, this is a guard against accidents.
var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func runQuery(ctx context.Context, q dbtx, collection string, query Query, out any) error {
	var sb strings.Builder
	sb.WriteString(`SELECT data FROM documents WHERE collection = ?`)
	args := []any{collection}

	for _, f := range query.Filters {
		if !fieldNamePattern.MatchString(f.Field) {
			return fmt.Errorf("invalid filter field %q", f.Field)
		}
		op, err := sqlOp(f.Op)
		if err != nil {
			return err
		}
		fmt.Fprintf(&sb, ` AND json_extract(data, '$.%s') %s ?`, f.Field, op)
		arg, err := bindValue(f.Value)
		if err != nil {
			return err
		}
		args = append(args, arg)
	}

	if query.OrderBy != "" {
		if !fieldNamePattern.MatchString(query.OrderBy) {
			return fmt.Errorf("invalid order field %q", query.OrderBy)
		}
		direction := "ASC"
		if query.Descending {
			direction = "DESC"
		}
		fmt.Fprintf(&sb, ` ORDER BY json_extract(data, '$.%s') %s`, query.OrderBy, direction)
	}
	if query.Limit > 0 {
		fmt.Fprintf(&sb, ` LIMIT %d`, query.Limit)
	}

	rows, err := q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	array := make([]byte, 0, 64)
	array = append(array, '[')
	first := true
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan %s: %w", collection, err)
		}
		if !first {
			array = append(array, ',')
		}
		first = false
		array = append(array, raw...)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("query %s: %w", collection, err)
	}
	array = append(array, ']')
	return json.Unmarshal(array, out)
}

func sqlOp(op Op) (string, error) {
	switch op {
	case OpEq:
		return "=", nil
	case OpLt:
		return "<", nil
	default:
		return "", fmt.Errorf("unsupported filter op %q", op)
	}
}

// bindValue converts a filter value into a driver-friendly argument.
// Timestamps are bound as the RFC3339 strings encoding/json produces, so
// comparisons line up with the stored documents.
func bindValue(value any) (any, error) {
	if ts, ok := value.(time.Time); ok {
		return ts.UTC().Format(time.RFC3339Nano), nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	default:
		return nil, fmt.Errorf("unsupported filter value type %T", value)
	}
}
