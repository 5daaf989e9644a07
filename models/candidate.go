package models

// Candidate is one detected AI call site plus its scoring metadata.
// Identity is (ScanID, ID); ID is assigned in discovery order starting at 1.
type Candidate struct {
	ScanID                 int64     `json:"-"                         db:"scan_id"`
	ID                     int64     `json:"id"                        db:"candidate_id"`
	File                   string    `json:"file"                      db:"file"`
	Language               string    `json:"language"                  db:"language"`
	LineStart              int       `json:"line_start"                db:"line_start"`
	LineEnd                int       `json:"line_end"                  db:"line_end"`
	CallSnippet            string    `json:"call_snippet"              db:"call_snippet"`
	CallExpr               string    `json:"-"                         db:"call_expr"`
	InputExpr              string    `json:"-"                         db:"input_expr"`
	Prompt                 string    `json:"-"                         db:"prompt"`
	Provider               string    `json:"provider"                  db:"provider"`
	InferredIntent         Intent    `json:"inferred_intent"           db:"inferred_intent"`
	RuleSolvabilityScore   float64   `json:"rule_solvability_score"    db:"rule_solvability_score"`
	Confidence             float64   `json:"confidence"                db:"confidence"`
	Explanation            string    `json:"explanation"               db:"explanation"`
	RiskLevel              RiskLevel `json:"risk_level"                db:"risk_level"`
	EstimatedAPICallsSaved int       `json:"estimated_api_calls_saved" db:"estimated_api_calls_saved"`
	LatencyImprovementMs   int       `json:"latency_improvement_ms"    db:"latency_improvement_ms"`
	FallbackBehavior       string    `json:"fallback_behavior"         db:"fallback_behavior"`
}

// GroupByFile returns candidates keyed by file, preserving input order within
// each file.
func GroupByFile(cands []Candidate) map[string][]Candidate {
	out := make(map[string][]Candidate)
	for _, c := range cands {
		out[c.File] = append(out[c.File], c)
	}
	return out
}
