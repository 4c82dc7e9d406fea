package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const dbTimeout = 2 * time.Second

// setupTimeout covers schema creation and statement preparation. The first
// SQLite connection compiles the embedded engine, which can take seconds.
const setupTimeout = 30 * time.Second

// Table is the namespace of the durable tier inside a shared database.
const Table = "media_metadata_cache"

// Dialect holds the backend-specific statements.
type Dialect struct {
	Name   string
	schema string
	upsert string
	sample string
}

var (
	SQLite = Dialect{
		Name: "sqlite",
		schema: "CREATE TABLE IF NOT EXISTS " + Table +
			" (id TEXT PRIMARY KEY, payload BLOB NOT NULL, updated_at INTEGER NOT NULL)",
		upsert: "INSERT INTO " + Table + " (id, payload, updated_at) VALUES (?, ?, ?)" +
			" ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at",
		sample: "SELECT id FROM " + Table + " ORDER BY RANDOM() LIMIT ?",
	}
	MySQL = Dialect{
		Name: "mysql",
		schema: "CREATE TABLE IF NOT EXISTS " + Table +
			" (id VARCHAR(255) PRIMARY KEY, payload MEDIUMBLOB NOT NULL, updated_at BIGINT NOT NULL)",
		upsert: "INSERT INTO " + Table + " (id, payload, updated_at) VALUES (?, ?, ?)" +
			" ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)",
		sample: "SELECT id FROM " + Table + " ORDER BY RAND() LIMIT ?",
	}
)

// SQLRepo implements Repository using prepared statements and context timeouts.
type SQLRepo struct {
	db         *sql.DB
	dialect    Dialect
	stmtGet    *sql.Stmt
	stmtPut    *sql.Stmt
	stmtDelete *sql.Stmt
	stmtCount  *sql.Stmt
	stmtSample *sql.Stmt
}

// NewSQLRepo creates the table if needed and prepares all statements up front.
// The caller owns the *sql.DB lifetime.
func NewSQLRepo(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLRepo, error) {
	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, dialect.schema); err != nil {
		return nil, fmt.Errorf("create %s schema: %w", dialect.Name, err)
	}

	r := &SQLRepo{db: db, dialect: dialect}
	for _, p := range []struct {
		dst   **sql.Stmt
		query string
		name  string
	}{
		{&r.stmtGet, "SELECT payload FROM " + Table + " WHERE id = ?", "get"},
		{&r.stmtPut, dialect.upsert, "put"},
		{&r.stmtDelete, "DELETE FROM " + Table + " WHERE id = ?", "delete"},
		{&r.stmtCount, "SELECT COUNT(*) FROM " + Table, "count"},
		{&r.stmtSample, dialect.sample, "sample"},
	} {
		stmt, err := db.PrepareContext(ctx, p.query)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("prepare %s: %w", p.name, err)
		}
		*p.dst = stmt
	}
	return r, nil
}

// Get retrieves the payload stored for id.
func (r *SQLRepo) Get(ctx context.Context, id string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var payload []byte
	err := r.stmtGet.QueryRowContext(ctx, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo get %s: %w", id, errors.Join(ErrNotFound, err))
	}
	if err != nil {
		return nil, fmt.Errorf("repo get: %w", err)
	}
	return payload, nil
}

// Put inserts or replaces the payload for id.
func (r *SQLRepo) Put(ctx context.Context, id string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := r.stmtPut.ExecContext(ctx, id, payload, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("repo put: %w", err)
	}
	return nil
}

// Delete removes ids in a single transaction.
func (r *SQLRepo) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo delete begin: %w", err)
	}
	stmt := tx.StmtContext(ctx, r.stmtDelete)
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("repo delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repo delete commit: %w", err)
	}
	return nil
}

// Clear removes every row of the cache table.
func (r *SQLRepo) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, "DELETE FROM "+Table); err != nil {
		return fmt.Errorf("repo clear: %w", err)
	}
	return nil
}

// Count returns the number of cached rows.
func (r *SQLRepo) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var n int64
	if err := r.stmtCount.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("repo count: %w", err)
	}
	return n, nil
}

// Sample returns up to n randomly chosen ids. Trimming is rare, so the full
// scan behind the random order is acceptable.
func (r *SQLRepo) Sample(ctx context.Context, n int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := r.stmtSample.QueryContext(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("repo sample: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, n)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("repo sample scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases all prepared statements.
func (r *SQLRepo) Close() error {
	for _, s := range []*sql.Stmt{r.stmtGet, r.stmtPut, r.stmtDelete, r.stmtCount, r.stmtSample} {
		if s != nil {
			s.Close()
		}
	}
	return nil
}

// OpenSQLite opens the embedded SQLite database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent background writes.
	db.SetMaxOpenConns(1)
	return db, nil
}

// OpenMySQL opens a pooled MySQL connection and verifies it.
func OpenMySQL(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	// Connection pool tuning.
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}
