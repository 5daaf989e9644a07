package models

// ShadowResult is the outcome of replaying recorded samples through a rule.
// It is regenerated on every request; stored rows only feed metrics.
type ShadowResult struct {
	ID                      int64   `json:"-"                          db:"id"`
	ScanID                  int64   `json:"-"                          db:"scan_id"`
	CandidateID             int64   `json:"candidate_id"               db:"candidate_id"`
	TotalCases              int     `json:"total_cases"                db:"total_cases"`
	MatchRate               float64 `json:"match_rate"                 db:"match_rate"`
	AvgLatencyImprovementMs float64 `json:"avg_latency_improvement_ms" db:"avg_latency_improvement_ms"`
	Notes                   string  `json:"notes"                      db:"notes"`
	CreatedAt               string  `json:"-"                          db:"created_at"`
}

// Recording is one captured AI call: the input sent and the output received.
type Recording struct {
	ID          int64   `json:"id"           db:"id"`
	ScanID      int64   `json:"scan_id"      db:"scan_id"`
	CandidateID int64   `json:"candidate_id" db:"candidate_id"`
	Input       string  `json:"input"        db:"input"`
	Output      string  `json:"output"       db:"output"`
	LatencyMs   float64 `json:"latency_ms"   db:"latency_ms"`
	CreatedAt   string  `json:"created_at"   db:"created_at"`
}
