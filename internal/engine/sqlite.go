package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nichiyoo/open-webui-vanna/internal/cache"
)

// DefaultMaxRows caps the rows SQLiteExecutor reads from one query.
const DefaultMaxRows = 10000

// SQLiteExecutor runs generated SQL against a local SQLite database opened
// read-only.
type SQLiteExecutor struct {
	db      *sql.DB
	maxRows int
	timeout time.Duration
}

// OpenSQLite opens path read-only. A maxRows <= 0 uses DefaultMaxRows.
func OpenSQLite(path string, maxRows int, timeout time.Duration) (*SQLiteExecutor, error) {
	dsn := "file:" + path + "?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SQLiteExecutor{db: db, maxRows: maxRows, timeout: timeout}, nil
}

// Close releases the database handle.
func (x *SQLiteExecutor) Close() error {
	return x.db.Close()
}

// Execute runs query and collects at most maxRows rows. The result is marked
// Truncated when the query had more.
func (x *SQLiteExecutor) Execute(ctx context.Context, query string) (cache.ResultSet, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	rows, err := x.db.QueryContext(ctx, query)
	if err != nil {
		return cache.ResultSet{}, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return cache.ResultSet{}, fmt.Errorf("reading columns: %w", err)
	}

	rs := cache.ResultSet{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if len(rs.Rows) == x.maxRows {
			rs.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return cache.ResultSet{}, fmt.Errorf("scanning row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return cache.ResultSet{}, fmt.Errorf("iterating rows: %w", err)
	}
	return rs, nil
}

// IsRunning reports whether the database still answers a ping.
func (x *SQLiteExecutor) IsRunning(ctx context.Context) bool {
	return x.db.PingContext(ctx) == nil
}
