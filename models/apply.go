package models

// Apply record states.
const (
	ApplyApplied  = "applied"
	ApplyReverted = "reverted"
)

// ApplyRecord tracks the branch holding a candidate's applied patch.
type ApplyRecord struct {
	ScanID         int64  `json:"scan_id"         db:"scan_id"`
	CandidateID    int64  `json:"candidate_id"    db:"candidate_id"`
	Branch         string `json:"branch"          db:"branch"`
	Status         string `json:"status"          db:"status"`
	BaseRef        string `json:"base_ref"        db:"base_ref"`
	BaseCommit     string `json:"base_commit"     db:"base_commit"`
	AppliedCommit  string `json:"applied_commit"  db:"applied_commit"`
	RevertedCommit string `json:"reverted_commit" db:"reverted_commit"`
	UpdatedAt      string `json:"updated_at"      db:"updated_at"`
}

// ApplyResult is the API payload for apply and revert.
type ApplyResult struct {
	Status string `json:"status"`
	Branch string `json:"branch"`
}
