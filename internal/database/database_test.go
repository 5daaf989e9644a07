package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
)

type testScanRow struct {
	ID         int64  `db:"id"`
	SourceKind string `db:"source_kind"`
	Target     string `db:"target"`
	Workspace  string `db:"workspace_dir"`
	Owned      bool   `db:"owned"`
	Status     string `db:"status"`
	Progress   int    `db:"progress"`
	ErrorMsg   string `db:"error_msg"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
	Completed  string `db:"completed_at"`
}

func newTestSQLite(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLite(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestSQLite(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var n int
	if err := db.Get(context.Background(), &n, `SELECT COUNT(*) FROM schema_migrations`); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected applied migrations to be recorded")
	}
}

func TestInsertGetUpdateRoundTrip(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	id, err := db.Insert(ctx, "scans", testScanRow{
		SourceKind: "path", Target: "/tmp/x", Status: "queued", Owned: true,
		CreatedAt: "t0", UpdatedAt: "t0",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected generated id, got %d", id)
	}

	var got testScanRow
	// Column order differs from struct order on purpose.
	if err := db.Get(ctx, &got, `SELECT status, id, owned, target FROM scans WHERE id = ?`, id); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != id || got.Status != "queued" || !got.Owned || got.Target != "/tmp/x" {
		t.Fatalf("unexpected row: %+v", got)
	}

	got.Status = "running"
	got.Progress = 40
	if err := db.Update(ctx, "scans", got, "id = ?", id); err != nil {
		t.Fatalf("update: %v", err)
	}
	var status string
	if err := db.Get(ctx, &status, `SELECT status FROM scans WHERE id = ?`, id); err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != "running" {
		t.Fatalf("status = %q", status)
	}
}

func TestGetReportsNoRows(t *testing.T) {
	db := newTestSQLite(t)
	var row testScanRow
	err := db.Get(context.Background(), &row, `SELECT * FROM scans WHERE id = ?`, 404)
	if !IsNoRows(err) {
		t.Fatalf("expected no rows, got %v", err)
	}
}

func TestUpsertReplacesNonKeyColumns(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	scanID, err := db.Insert(ctx, "scans", testScanRow{SourceKind: "path", Target: "/x", Status: "completed", CreatedAt: "t", UpdatedAt: "t"})
	if err != nil {
		t.Fatal(err)
	}
	type rec struct {
		ScanID      int64  `db:"scan_id"`
		CandidateID int64  `db:"candidate_id"`
		Branch      string `db:"branch"`
		Status      string `db:"status"`
		BaseRef     string `db:"base_ref"`
		BaseCommit  string `db:"base_commit"`
		Applied     string `db:"applied_commit"`
		Reverted    string `db:"reverted_commit"`
		UpdatedAt   string `db:"updated_at"`
	}
	r := rec{ScanID: scanID, CandidateID: 1, Branch: "ai-prune/1/1", Status: "applied", UpdatedAt: "t"}
	if err := db.Upsert(ctx, "apply_records", r, []string{"scan_id", "candidate_id"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	r.Status = "reverted"
	if err := db.Upsert(ctx, "apply_records", r, []string{"scan_id", "candidate_id"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	var rows []rec
	if err := db.Select(ctx, &rows, `SELECT * FROM apply_records`); err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != "reverted" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestDeletingScanCascades(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	scanID, err := db.Insert(ctx, "scans", testScanRow{SourceKind: "path", Target: "/x", Status: "completed", CreatedAt: "t", UpdatedAt: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(ctx, `INSERT INTO scan_logs (scan_id, seq, line, created_at) VALUES (?, 1, 'hello', 't')`, scanID); err != nil {
		t.Fatal(err)
	}
	n, err := db.Exec(ctx, `DELETE FROM scans WHERE id = ?`, scanID)
	if err != nil || n != 1 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}
	var left int
	if err := db.Get(ctx, &left, `SELECT COUNT(*) FROM scan_logs`); err != nil {
		t.Fatal(err)
	}
	if left != 0 {
		t.Fatalf("expected cascade delete, %d log rows left", left)
	}
}

func TestRebindDollarSkipsQuotedLiterals(t *testing.T) {
	got := rebindDollar(`SELECT * FROM t WHERE a = ? AND b = '?' AND c IN (?, ?)`)
	want := `SELECT * FROM t WHERE a = $1 AND b = '?' AND c IN ($2, $3)`
	if got != want {
		t.Fatalf("rebindDollar:\n got %s\nwant %s", got, want)
	}
}

func TestDialectAdaptersRewriteSQLiteSyntax(t *testing.T) {
	ddl := "id INTEGER PRIMARY KEY AUTOINCREMENT, rate REAL NOT NULL"
	if got := postgresAdapt(ddl); got != "id BIGSERIAL PRIMARY KEY, rate DOUBLE PRECISION NOT NULL" {
		t.Fatalf("postgresAdapt = %q", got)
	}
	if got := mysqlAdapt(ddl); got != "id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY, rate DOUBLE NOT NULL" {
		t.Fatalf("mysqlAdapt = %q", got)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(config.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
