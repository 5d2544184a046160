// SPDX-License-Identifier: MIT
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

// Driver identifies the backing relational engine.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverMSSQL    Driver = "mssql"
)

// Config holds store connection configuration.
type Config struct {
	Driver   Driver `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	// SQLite-specific
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// Store wraps a *sql.DB with the orchestrator's schema and driver-aware
// query rebinding. It is the durable store named in the data model:
// tasks, runs, consumers, messages and logs.
type Store struct {
	db     *sql.DB
	driver Driver
	mu     sync.RWMutex
}

// Open connects to the configured backend, tunes the connection pool
// and applies the orchestrator schema.
func Open(cfg Config) (*Store, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case DriverSQLite, "sqlite3", "":
		db, err = openSQLite(cfg)
	case DriverPostgres, "postgresql":
		db, err = openPostgres(cfg)
	case DriverMySQL, "mariadb":
		db, err = openMySQL(cfg)
	case DriverMSSQL, "sqlserver":
		db, err = openMSSQL(cfg)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, driver: normalizeDriver(cfg.Driver)}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return s, nil
}

func normalizeDriver(d Driver) Driver {
	switch d {
	case "sqlite3", "":
		return DriverSQLite
	case "postgresql":
		return DriverPostgres
	case "mariadb":
		return DriverMySQL
	case "sqlserver":
		return DriverMSSQL
	default:
		return d
	}
}

func openSQLite(cfg Config) (*sql.DB, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = "orcha.db"
	}
	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "WAL"
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout == 0 {
		busyTimeout = 5000
	}
	dsn = fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", dsn, journalMode, busyTimeout)
	return sql.Open("sqlite", dsn)
}

func openPostgres(cfg Config) (*sql.DB, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, cfg.User, cfg.Password, cfg.Name, sslMode)
	return sql.Open("pgx", dsn)
}

func openMySQL(cfg Config) (*sql.DB, error) {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, host, port, cfg.Name)
	return sql.Open("mysql", dsn)
}

func openMSSQL(cfg Config) (*sql.DB, error) {
	port := cfg.Port
	if port == 0 {
		port = 1433
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	dsn := fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s", cfg.User, cfg.Password, host, port, cfg.Name)
	return sql.Open("sqlserver", dsn)
}

// DB returns the underlying *sql.DB, for components (migrations,
// diagnostics) that need raw access.
func (s *Store) DB() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Driver returns the backing engine.
func (s *Store) Driver() Driver {
	return s.driver
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites a query written with "?" placeholders into the
// placeholder syntax the active driver expects. sqlite and mysql both
// use "?" natively; postgres uses "$1".."$n"; mssql uses "@p1".."@pn".
func (s *Store) rebind(query string) string {
	switch s.driver {
	case DriverPostgres:
		return rebindSeq(query, func(i int) string { return fmt.Sprintf("$%d", i) })
	case DriverMSSQL:
		return rebindSeq(query, func(i int) string { return fmt.Sprintf("@p%d", i) })
	default:
		return query
	}
}

func rebindSeq(query string, placeholder func(int) string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, e execer, query string, args ...any) (sql.Result, error) {
	return e.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, e execer, query string, args ...any) (*sql.Rows, error) {
	return e.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, e execer, query string, args ...any) *sql.Row {
	return e.QueryRowContext(ctx, s.rebind(query), args...)
}

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise. Every read-modify-write run status transition
// in src/runs goes through this so the freshly-read row and the guarded
// write are atomic; the task-version writes in src/tasks do not use it.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
