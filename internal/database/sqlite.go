package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDB implements DB using SQLite via mattn/go-sqlite3.
type SQLiteDB struct {
	baseDB
	path string
}

var sqliteDialect = dialect{
	name:   "sqlite",
	adapt:  identity,
	rebind: identity,
	trackingTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		filename    TEXT    NOT NULL UNIQUE,
		applied_at  TEXT    NOT NULL
	)`,
}

// NewSQLite opens (or creates) the SQLite database at cfg.Path.
func NewSQLite(cfg config.DatabaseConfig) (*SQLiteDB, error) {
	path := cfg.Path
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, config.DefaultDBFile)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	s := &SQLiteDB{baseDB: baseDB{db: db, dialect: sqliteDialect}, path: path}
	if err := s.Ping(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}
	return s, nil
}

// Path returns the database file location.
func (s *SQLiteDB) Path() string { return s.path }

// Insert inserts a struct into table using its `db:` tags.
// Returns the last inserted row ID.
func (s *SQLiteDB) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	cols, vals := structToInsert(record)
	res, err := s.db.ExecContext(ctx, insertQuery(table, cols), vals...)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return res.LastInsertId()
}

// Upsert inserts or updates based on conflictCols using ON CONFLICT ... DO UPDATE.
func (s *SQLiteDB) Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error {
	query, vals := onConflictUpsert(table, record, conflictCols, identity)
	_, err := s.db.ExecContext(ctx, query, vals...)
	return err
}

// onConflictUpsert builds an "INSERT ... ON CONFLICT DO UPDATE" statement, the
// syntax shared by SQLite and PostgreSQL, and returns it with its bind values.
func onConflictUpsert(table string, record interface{}, conflictCols []string, rebind func(string) string) (string, []interface{}) {
	cols, vals := structToInsert(record)
	updateCols := excludeCols(cols, conflictCols)
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	// Internal DB helper: SQL identifiers are constructed from trusted struct tags/inputs; values are parameterized.
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf(
		"%s ON CONFLICT(%s) DO UPDATE SET %s",
		insertQuery(table, cols),
		strings.Join(conflictCols, ", "),
		strings.Join(sets, ", "),
	)
	return rebind(query), vals
}
