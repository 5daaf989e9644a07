package models

// Synthesis modes.
const (
	ModeRuleDerived = "rule-derived"
	ModeAIAssisted  = "ai-assisted"
)

// Patch is a synthesized deterministic replacement for a Candidate's call.
type Patch struct {
	ScanID                 int64     `json:"-"                        db:"scan_id"`
	CandidateID            int64     `json:"candidate_id"             db:"candidate_id"`
	ConfigHash             string    `json:"-"                        db:"config_hash"`
	Diff                   string    `json:"diff"                     db:"diff"`
	Explanation            string    `json:"explanation"              db:"explanation"`
	RiskLevel              RiskLevel `json:"risk_level"               db:"risk_level"`
	TestsToAdd             string    `json:"tests_to_add"             db:"tests_to_add"`
	RuleCode               string    `json:"rule_code"                db:"rule_code"`
	RuleSpec               string    `json:"-"                        db:"rule_spec"` // JSON rules.Spec
	SynthesisMode          string    `json:"synthesis_mode"           db:"synthesis_mode"`
	SynthesisProvider      string    `json:"synthesis_provider"       db:"synthesis_provider"`
	ReasonForRefactor      string    `json:"reason_for_refactor"      db:"reason_for_refactor"`
	ChangesSummary         string    `json:"changes_summary"          db:"changes_summary"`
	EstimatedReplyAccuracy float64   `json:"estimated_reply_accuracy" db:"estimated_reply_accuracy"`
	AccuracyNote           string    `json:"accuracy_note"            db:"accuracy_note"`
	CreatedAt              string    `json:"-"                        db:"created_at"`
}

// Empty reports whether the patch carries no source change.
func (p *Patch) Empty() bool {
	return p == nil || p.Diff == ""
}
