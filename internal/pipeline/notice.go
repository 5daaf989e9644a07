package pipeline

import (
	"fmt"

	"github.com/CosmoTheDev/ctrlprune/internal/notify"
)

// notice renders a lifecycle event for out-of-band channels.
func notice(typ string, payload map[string]any) notify.Event {
	scanID, _ := payload["scan_id"].(int64)
	evt := notify.Event{Type: typ, ScanID: scanID, Metadata: payload, Level: "ok"}
	switch typ {
	case "scan.completed":
		evt.Title = fmt.Sprintf("Scan %d completed", scanID)
		evt.Body = fmt.Sprintf("%v AI call sites scored.", payload["candidate_count"])
	case "scan.failed":
		evt.Title = fmt.Sprintf("Scan %d failed", scanID)
		evt.Body = fmt.Sprint(payload["error"])
		evt.Level = "error"
	case "patch.applied", "patch.reverted":
		verb := "applied"
		if typ == "patch.reverted" {
			verb = "reverted"
			evt.Level = "warn"
		}
		evt.Title = fmt.Sprintf("Patch for candidate %v of scan %d %s", payload["candidate_id"], scanID, verb)
		evt.Body = fmt.Sprintf("Branch %v", payload["branch"])
	default:
		evt.Title = fmt.Sprintf("Scan %d: %s", scanID, typ)
	}
	return evt
}
