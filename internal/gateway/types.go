package gateway

import "github.com/CosmoTheDev/ctrlprune/models"

// SSEEvent is serialised as JSON and pushed over the GET /events SSE stream.
type SSEEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ServerStatus is a live snapshot of the daemon and its scan queue.
type ServerStatus struct {
	Running       bool   `json:"running"`
	Workers       int    `json:"workers"`
	QueuedScans   int    `json:"queued_scans"`
	RunningScans  int    `json:"running_scans"`
	RulesVersion  string `json:"rules_version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// countRow is a convenience struct for SELECT COUNT(*) AS n queries.
type countRow struct {
	N int `db:"n"`
}

type scanPathRequest struct {
	Path        string `json:"path"`
	APIKey      string `json:"api_key"`
	APIProvider string `json:"api_provider"`
}

type scanGitRequest struct {
	URL         string `json:"url"`
	APIKey      string `json:"api_key"`
	APIProvider string `json:"api_provider"`
}

type scanResponse struct {
	ScanID int64             `json:"scan_id"`
	Status models.ScanStatus `json:"status"`
}

type recordingsRequest struct {
	Recordings []models.Recording `json:"recordings"`
}

type recordingsResponse struct {
	Stored int `json:"stored"`
}
