package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nichiyoo/open-webui-vanna/internal/cache"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding cache records and run history. It
// implements cache.Store and cache.Sweeper.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ cache.Store   = (*Store)(nil)
	_ cache.Sweeper = (*Store)(nil)
)

// Open opens (or creates) vanna.db in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vanna.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies embedded migrations that have not been recorded in
// schema_version, in filename order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	for _, name := range names {
		version, err := parseMigrationVersion(name)
		if err != nil {
			return err
		}
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}
		if err := s.applyMigration(name, version); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(name string, version int) error {
	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", name, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", cache.ErrStoreUnavailable, op, err)
}

// --- Cache records ---

func (s *Store) Write(ctx context.Context, id string, field cache.Field, value []byte) error {
	if err := cache.ValidateKey(id, field); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_fields (record_id, field, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(record_id, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		id, string(field), value, formatTime(s.now()),
	)
	if err != nil {
		return unavailable("writing "+string(field), err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, id string) (cache.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM cache_fields WHERE record_id = ?`, id)
	if err != nil {
		return cache.Record{}, unavailable("reading record", err)
	}
	defer rows.Close()

	fields := make(map[cache.Field][]byte)
	for rows.Next() {
		var name string
		var value []byte
		if err := rows.Scan(&name, &value); err != nil {
			return cache.Record{}, unavailable("scanning field", err)
		}
		if f := cache.Field(name); f.Valid() {
			fields[f] = value
		}
	}
	if err := rows.Err(); err != nil {
		return cache.Record{}, unavailable("reading record", err)
	}
	if len(fields) == 0 {
		return cache.Record{}, cache.ErrRecordNotFound
	}
	return cache.NewRecord(id, fields), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_fields WHERE record_id = ?`, id); err != nil {
		return unavailable("deleting record", err)
	}
	return nil
}

// Sweep deletes whole records whose newest field was written before cutoff.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("beginning sweep", err)
	}
	defer tx.Rollback()

	const stale = `SELECT record_id FROM cache_fields GROUP BY record_id HAVING MAX(updated_at) < ?`
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM (`+stale+`)`, formatTime(cutoff)).Scan(&n); err != nil {
		return 0, unavailable("counting stale records", err)
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_fields WHERE record_id IN (`+stale+`)`, formatTime(cutoff)); err != nil {
		return 0, unavailable("sweeping records", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("committing sweep", err)
	}
	return n, nil
}

// CountRecords returns how many cache records are stored.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT record_id) FROM cache_fields`).Scan(&n)
	return n, err
}

// --- Runs ---

func (s *Store) SaveRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, cache_id, question, outcome, failed_stage, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CacheID, r.Question, r.Outcome, r.FailedStage, r.Error, formatTime(r.StartedAt), r.DurationMs,
	)
	return err
}

const runColumns = `id, cache_id, question, outcome, failed_stage, error, started_at, duration_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var startedAt string
	if err := row.Scan(&r.ID, &r.CacheID, &r.Question, &r.Outcome, &r.FailedStage, &r.Error, &startedAt, &r.DurationMs); err != nil {
		return Run{}, err
	}
	t, err := parseTime(startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	r.StartedAt = t
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

// ListRuns returns the most recent runs first. A non-empty cacheID limits the
// list to runs of that question.
func (s *Store) ListRuns(ctx context.Context, cacheID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if cacheID != "" {
		query += ` WHERE cache_id = ?`
		args = append(args, cacheID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// PruneRuns deletes runs started before cutoff.
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
