package pipeline

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/apperr"
	"github.com/CosmoTheDev/ctrlprune/internal/database"
	"github.com/CosmoTheDev/ctrlprune/models"
)

// Store persists scans, their logs and candidates.
type Store struct {
	db  database.DB
	now func() time.Time
}

// NewStore wraps db.
func NewStore(db database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) stamp() string { return s.now().UTC().Format(time.RFC3339) }

// CreateScan inserts a queued scan.
func (s *Store) CreateScan(ctx context.Context, kind models.SourceKind, target string) (*models.Scan, error) {
	now := s.stamp()
	scan := &models.Scan{
		SourceKind: kind,
		Target:     target,
		Status:     models.ScanQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	id, err := s.db.Insert(ctx, "scans", scan)
	if err != nil {
		return nil, apperr.Pipeline(err, "creating scan")
	}
	scan.ID = id
	return scan, nil
}

// Scan loads one scan.
func (s *Store) Scan(ctx context.Context, id int64) (*models.Scan, error) {
	var scan models.Scan
	err := s.db.Get(ctx, &scan, `SELECT * FROM scans WHERE id = ?`, id)
	if database.IsNoRows(err) {
		return nil, apperr.NotFound("Scan not found")
	}
	if err != nil {
		return nil, apperr.Pipeline(err, "loading scan %d", id)
	}
	return &scan, nil
}

// ListScans returns the most recent scans first.
func (s *Store) ListScans(ctx context.Context, limit int) ([]models.Scan, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var scans []models.Scan
	if err := s.db.Select(ctx, &scans, `SELECT * FROM scans ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, apperr.Pipeline(err, "listing scans")
	}
	return scans, nil
}

// SetWorkspace records where the scan's source tree lives.
func (s *Store) SetWorkspace(ctx context.Context, id int64, dir string, owned bool) error {
	_, err := s.db.Exec(ctx, `UPDATE scans SET workspace_dir = ?, owned = ?, updated_at = ? WHERE id = ?`,
		dir, owned, s.stamp(), id)
	return err
}

// Start moves a queued scan to running.
func (s *Store) Start(ctx context.Context, id int64, progress int) (bool, error) {
	n, err := s.db.Exec(ctx,
		`UPDATE scans SET status = ?, progress = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.ScanRunning, progress, s.stamp(), id, models.ScanQueued)
	return n > 0, err
}

// Finish moves a scan to a terminal state. Scans that already finished are
// left untouched.
func (s *Store) Finish(ctx context.Context, id int64, status models.ScanStatus, candidates int, errMsg string) (bool, error) {
	now := s.stamp()
	q := `UPDATE scans SET status = ?, candidate_count = ?, error_msg = ?, updated_at = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`
	args := []any{status, candidates, errMsg, now, now, id, models.ScanQueued, models.ScanRunning}
	if status == models.ScanCompleted {
		q = `UPDATE scans SET status = ?, progress = 100, candidate_count = ?, error_msg = ?, updated_at = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`
	}
	n, err := s.db.Exec(ctx, q, args...)
	return n > 0, err
}

// Progress raises the scan's progress; lower values are ignored.
func (s *Store) Progress(ctx context.Context, id int64, progress int) error {
	_, err := s.db.Exec(ctx, `UPDATE scans SET progress = ?, updated_at = ? WHERE id = ? AND progress < ?`,
		progress, s.stamp(), id, progress)
	return err
}

// AppendLog stores one log line with its per-scan sequence number.
func (s *Store) AppendLog(ctx context.Context, id int64, seq int, line string) error {
	_, err := s.db.Insert(ctx, "scan_logs", &models.ScanLog{ScanID: id, Seq: seq, Line: line, CreatedAt: s.stamp()})
	return err
}

// Logs returns the scan's log lines in order.
func (s *Store) Logs(ctx context.Context, id int64) ([]string, error) {
	var rows []models.ScanLog
	if err := s.db.Select(ctx, &rows, `SELECT * FROM scan_logs WHERE scan_id = ? ORDER BY seq ASC, id ASC`, id); err != nil {
		return nil, apperr.Pipeline(err, "loading logs of scan %d", id)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Line
	}
	return out, nil
}

func (s *Store) lastSeq(ctx context.Context, id int64) int {
	var row struct {
		N int `db:"n"`
	}
	_ = s.db.Get(ctx, &row, `SELECT COALESCE(MAX(seq), 0) AS n FROM scan_logs WHERE scan_id = ?`, id)
	return row.N
}

// Status assembles the polling view of a scan.
func (s *Store) Status(ctx context.Context, id int64) (*models.ScanStatusView, error) {
	scan, err := s.Scan(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := s.Logs(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.ScanStatusView{
		ScanID:   scan.ID,
		Status:   scan.Status,
		Progress: scan.Progress,
		Logs:     strings.Join(logs, "\n"),
	}, nil
}

// SaveCandidates stores the scored candidates of a scan.
func (s *Store) SaveCandidates(ctx context.Context, cands []models.Candidate) error {
	for i := range cands {
		if err := s.db.Upsert(ctx, "candidates", &cands[i], []string{"scan_id", "candidate_id"}); err != nil {
			return apperr.Pipeline(err, "storing candidate %d", cands[i].ID)
		}
	}
	return nil
}

// Candidates returns a scan's candidates in ID order.
func (s *Store) Candidates(ctx context.Context, scanID int64) ([]models.Candidate, error) {
	var cands []models.Candidate
	if err := s.db.Select(ctx, &cands, `SELECT * FROM candidates WHERE scan_id = ? ORDER BY candidate_id ASC`, scanID); err != nil {
		return nil, apperr.Pipeline(err, "loading candidates of scan %d", scanID)
	}
	return cands, nil
}

// Candidate loads one candidate.
func (s *Store) Candidate(ctx context.Context, scanID, id int64) (*models.Candidate, error) {
	var c models.Candidate
	err := s.db.Get(ctx, &c, `SELECT * FROM candidates WHERE scan_id = ? AND candidate_id = ?`, scanID, id)
	if database.IsNoRows(err) {
		return nil, apperr.NotFound("Candidate not found")
	}
	if err != nil {
		return nil, apperr.Pipeline(err, "loading candidate %d/%d", scanID, id)
	}
	return &c, nil
}

// scanChildren are deleted before the scan row itself.
var scanChildren = []string{"apply_records", "recordings", "shadow_runs", "patches", "candidates", "scan_logs"}

// DeleteScan removes a scan and every row that belongs to it.
func (s *Store) DeleteScan(ctx context.Context, id int64) error {
	for _, table := range scanChildren {
		if _, err := s.db.Exec(ctx, "DELETE FROM "+table+" WHERE scan_id = ?", id); err != nil {
			return apperr.Pipeline(err, "deleting %s of scan %d", table, id)
		}
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM scans WHERE id = ?`, id); err != nil {
		return apperr.Pipeline(err, "deleting scan %d", id)
	}
	return nil
}

// Unfinished returns scans still queued or running.
func (s *Store) Unfinished(ctx context.Context) ([]models.Scan, error) {
	var scans []models.Scan
	err := s.db.Select(ctx, &scans, `SELECT * FROM scans WHERE status IN (?, ?) ORDER BY id ASC`,
		models.ScanQueued, models.ScanRunning)
	return scans, err
}

// Expired returns finished scans completed before cutoff.
func (s *Store) Expired(ctx context.Context, cutoff time.Time) ([]models.Scan, error) {
	var scans []models.Scan
	err := s.db.Select(ctx, &scans,
		`SELECT * FROM scans WHERE status IN (?, ?) AND completed_at <> '' AND completed_at < ? ORDER BY id ASC`,
		models.ScanCompleted, models.ScanFailed, cutoff.UTC().Format(time.RFC3339))
	return scans, err
}

// Metrics aggregates savings projections and shadow outcomes.
func (s *Store) Metrics(ctx context.Context) (*models.Metrics, error) {
	var scans, shadow struct {
		N   int     `db:"n"`
		Avg float64 `db:"avg"`
	}
	var cands struct {
		N        int     `db:"n"`
		Saved    int     `db:"saved"`
		AvgScore float64 `db:"avg_score"`
		AvgLat   float64 `db:"avg_latency"`
	}
	if err := s.db.Get(ctx, &scans, `SELECT COUNT(*) AS n, 0 AS avg FROM scans`); err != nil {
		return nil, apperr.Pipeline(err, "counting scans")
	}
	if err := s.db.Get(ctx, &cands, `SELECT COUNT(*) AS n,
		COALESCE(SUM(estimated_api_calls_saved), 0) AS saved,
		COALESCE(AVG(rule_solvability_score), 0) AS avg_score,
		COALESCE(AVG(latency_improvement_ms), 0) AS avg_latency
		FROM candidates`); err != nil {
		return nil, apperr.Pipeline(err, "aggregating candidates")
	}
	if err := s.db.Get(ctx, &shadow, `SELECT COUNT(*) AS n, COALESCE(AVG(match_rate), 0) AS avg FROM shadow_runs`); err != nil {
		return nil, apperr.Pipeline(err, "aggregating shadow runs")
	}
	return &models.Metrics{
		TotalScans:              scans.N,
		TotalCandidates:         cands.N,
		EstimatedAPICallsSaved:  cands.Saved,
		AvgRuleSolvabilityScore: round(cands.AvgScore, 4),
		AvgLatencyImprovementMs: round(cands.AvgLat, 3),
		ShadowRuns:              shadow.N,
		AvgMatchRate:            round(shadow.Avg, 4),
	}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
