// Package sqlview exposes a loaded trace table to ad-hoc SQL.
//
// A View copies the table into an in-memory SQLite database with one
// INTEGER column per row field, named after types.Layout.Columns. The copy
// is independent of the engine, so a view stays valid across later loads.
package sqlview

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/tracetab/tracetab/internal/errors"
	"github.com/tracetab/tracetab/pkg/types"
)

// TableName is the SQL table holding the rows.
const TableName = "events"

// ErrReadOnly is returned for statements other than SELECT and WITH queries.
var ErrReadOnly = errors.New(errors.ErrCategoryTable, errors.CodeReadOnly, "only SELECT queries are allowed")

// Result holds query results.
type Result struct {
	Columns   []string        `json:"columns"`
	Rows      [][]interface{} `json:"rows"`
	Truncated bool            `json:"truncated,omitempty"`
}

// View is a SQLite copy of one table.
type View struct {
	db         *sql.DB
	maxRows    int
	generation uint64
	loadID     string
}

// Option configures a View.
type Option func(*View)

// WithMaxRows caps the number of rows a query returns. Zero means unbounded.
func WithMaxRows(n int) Option {
	return func(v *View) {
		if n > 0 {
			v.maxRows = n
		}
	}
}

// Open builds a view of t.
func Open(ctx context.Context, t types.Table, opts ...Option) (*View, error) {
	// Each :memory: connection is a separate database, so pin the pool to one.
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	v := &View{db: db, generation: t.Generation(), loadID: t.LoadID()}
	for _, opt := range opts {
		opt(v)
	}

	if err := v.populate(ctx, t); err != nil {
		db.Close()
		return nil, err
	}
	return v, nil
}

func (v *View) populate(ctx context.Context, t types.Table) error {
	cols := t.Layout().Columns()
	defs := make([]string, len(cols))
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c.Name + " " + c.Type
		names[i] = c.Name
		marks[i] = "?"
	}
	// seq is unique and increasing, so it doubles as the rowid.
	defs[types.FieldSeq] += " PRIMARY KEY"

	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", TableName, strings.Join(defs, ", "))
	if _, err := v.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	for _, idx := range []string{"code", "cpu"} {
		stmt := fmt.Sprintf("CREATE INDEX idx_%s_%s ON %s(%s)", TableName, idx, TableName, idx)
		if _, err := v.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		TableName, strings.Join(names, ", "), strings.Join(marks, ", "))
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]interface{}, t.Width())
	for i := 0; i < t.Rows(); i++ {
		for f, val := range t.Row(i) {
			args[f] = val
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	// The pool holds exactly one connection, so this covers every query.
	if _, err := v.db.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return fmt.Errorf("failed to make view read-only: %w", err)
	}
	return nil
}

// Generation returns the generation of the table the view was built from.
func (v *View) Generation() uint64 { return v.generation }

// LoadID returns the load id of the table the view was built from.
func (v *View) LoadID() string { return v.loadID }

// Query runs a read-only query against the view.
func (v *View) Query(ctx context.Context, query string) (*Result, error) {
	if !isReadOnly(query) {
		return nil, ErrReadOnly
	}

	rows, err := v.db.QueryContext(ctx, query)
	if err != nil {
		return nil, queryError(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	result := &Result{Columns: columns, Rows: [][]interface{}{}}

	// Pre-allocate scan buffers once outside the loop
	values := make([]interface{}, len(columns))
	valuePtrs := make([]interface{}, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if v.maxRows > 0 && len(result.Rows) == v.maxRows {
			result.Truncated = true
			break
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rowCopy := make([]interface{}, len(values))
		for i, val := range values {
			// TEXT results come back as []byte
			if b, ok := val.([]byte); ok {
				val = string(b)
			}
			rowCopy[i] = val
			values[i] = nil
		}
		result.Rows = append(result.Rows, rowCopy)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError(err)
	}
	return result, nil
}

// queryError maps SQLite's refusal to write to ErrReadOnly.
func queryError(err error) error {
	var se sqlite3.Error
	if stderrors.As(err, &se) && se.Code == sqlite3.ErrReadonly {
		return ErrReadOnly
	}
	return errors.Wrap(errors.ErrCategoryTable, errors.CodeQueryFailed, "query failed", err)
}

// Close releases the database.
func (v *View) Close() error {
	return v.db.Close()
}

// isReadOnly accepts a single SELECT or WITH statement. It only rejects
// obvious writes early; the query_only connection enforces the rest.
func isReadOnly(query string) bool {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	if q == "" || strings.Contains(q, ";") {
		return false
	}
	first := strings.ToUpper(strings.Fields(q)[0])
	return first == "SELECT" || first == "WITH"
}
