// Package notify delivers scan lifecycle notices to out-of-band channels
// (a signed generic webhook and Slack incoming webhooks).
package notify

import "context"

// Event represents a notification event from ctrlprune.
type Event struct {
	Type   string // "scan.completed" | "scan.failed" | "patch.applied" | "patch.reverted"
	Title  string
	Body   string
	ScanID int64
	// Level picks the Slack attachment colour: "ok", "warn" or "error".
	Level    string
	Metadata map[string]any // extra structured data
}

// Channel is implemented by each notification provider.
type Channel interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, evt Event) error
}
