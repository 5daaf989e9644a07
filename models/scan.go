package models

// ScanStatus is a position in the scan state machine.
type ScanStatus string

const (
	ScanQueued    ScanStatus = "queued"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed
}

// SourceKind identifies how a scan target was provided.
type SourceKind string

const (
	SourcePath   SourceKind = "path"
	SourceGit    SourceKind = "git"
	SourceUpload SourceKind = "upload"
)

// Scan tracks one run of the detection pipeline over a source tree.
type Scan struct {
	ID             int64      `json:"scan_id"         db:"id"`
	SourceKind     SourceKind `json:"source_kind"     db:"source_kind"`
	Target         string     `json:"target"          db:"target"`
	WorkspaceDir   string     `json:"-"               db:"workspace_dir"`
	Owned          bool       `json:"-"               db:"owned"` // workspace is deleted with the scan
	Status         ScanStatus `json:"status"          db:"status"`
	Progress       int        `json:"progress"        db:"progress"`
	CandidateCount int        `json:"candidate_count" db:"candidate_count"`
	ErrorMsg       string     `json:"error_msg"       db:"error_msg"`
	CreatedAt      string     `json:"created_at"      db:"created_at"`
	UpdatedAt      string     `json:"updated_at"      db:"updated_at"`
	CompletedAt    string     `json:"completed_at"    db:"completed_at"`
}

// ScanLog is one append-only log line of a scan.
type ScanLog struct {
	ID        int64  `db:"id"`
	ScanID    int64  `db:"scan_id"`
	Seq       int    `db:"seq"`
	Line      string `db:"line"`
	CreatedAt string `db:"created_at"`
}

// ScanStatusView is the polling payload for GET /api/status/{scan_id}.
type ScanStatusView struct {
	ScanID   int64      `json:"scan_id"`
	Status   ScanStatus `json:"status"`
	Progress int        `json:"progress"`
	Logs     string     `json:"logs"`
}
