package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect adapts the SQLite-flavoured migration files and "?" queries to a
// concrete backend.
type dialect struct {
	name string
	// adapt rewrites migration SQL.
	adapt func(string) string
	// rebind rewrites "?" placeholders.
	rebind func(string) string
	// trackingTable is the DDL of schema_migrations.
	trackingTable string
	// splitStatements runs each ";"-separated statement on its own.
	splitStatements bool
}

// runMigrations applies all *.sql files from migrations/ in sorted order,
// using a schema_migrations table to track what has been applied.
func runMigrations(ctx context.Context, db *sql.DB, d dialect) error {
	if _, err := db.ExecContext(ctx, d.trackingTable); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var count int
		row := db.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`), name)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		ddl := d.adapt(string(data))

		if d.splitStatements {
			for _, stmt := range strings.Split(ddl, ";") {
				stmt = strings.TrimSpace(stmt)
				if stmt == "" {
					continue
				}
				if _, err := db.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("applying migration %s statement: %w\nSQL: %s", name, err, stmt)
				}
			}
		} else if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("applying migration %s: %w", name, err)
		}

		_, err = db.ExecContext(ctx,
			d.rebind(`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`),
			name, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		slog.Info("Applied migration", "file", name, "driver", d.name)
	}
	return nil
}

func identity(s string) string { return s }
