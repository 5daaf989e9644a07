package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresDB implements DB using PostgreSQL via the pgx database/sql driver.
type PostgresDB struct {
	baseDB
}

var postgresDialect = dialect{
	name:   "postgres",
	adapt:  postgresAdapt,
	rebind: rebindDollar,
	trackingTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
		id         BIGSERIAL PRIMARY KEY,
		filename   TEXT NOT NULL UNIQUE,
		applied_at TEXT NOT NULL
	)`,
	splitStatements: true,
}

// NewPostgres opens a PostgreSQL connection using cfg.DSN.
func NewPostgres(cfg config.DatabaseConfig) (*PostgresDB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required when driver is postgres")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	p := &PostgresDB{baseDB: baseDB{db: db, dialect: postgresDialect}}
	if err := p.Ping(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return p, nil
}

// Insert inserts record into table. Tables with an id column report the
// generated key via RETURNING.
func (p *PostgresDB) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	cols, vals := structToInsert(record)
	query := rebindDollar(insertQuery(table, cols))
	if !hasIDColumn(record) {
		if _, err := p.db.ExecContext(ctx, query, vals...); err != nil {
			return 0, fmt.Errorf("insert into %s: %w", table, err)
		}
		return 0, nil
	}
	var id int64
	if err := p.db.QueryRowContext(ctx, query+" RETURNING id", vals...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return id, nil
}

// Upsert uses INSERT ... ON CONFLICT DO UPDATE.
func (p *PostgresDB) Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error {
	query, vals := onConflictUpsert(table, record, conflictCols, rebindDollar)
	_, err := p.db.ExecContext(ctx, query, vals...)
	return err
}

// postgresAdapt converts SQLite-specific SQL fragments to PostgreSQL equivalents.
func postgresAdapt(sql string) string {
	sql = strings.ReplaceAll(sql, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
	sql = strings.ReplaceAll(sql, " REAL ", " DOUBLE PRECISION ")
	return sql
}

// rebindDollar rewrites "?" placeholders to "$1", "$2", ... leaving quoted
// literals untouched.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
