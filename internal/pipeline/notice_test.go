package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/CosmoTheDev/ctrlprune/internal/ai"
	"github.com/CosmoTheDev/ctrlprune/internal/config"
)

func TestCompletedScanIsDeliveredToWebhook(t *testing.T) {
	var (
		mu    sync.Mutex
		types []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var p struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(b, &p)
		mu.Lock()
		types = append(types, p.Type)
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := testConfig(t, 1)
	cfg.Notify = config.NotifyConfig{Webhook: config.WebhookNotifyConfig{URL: srv.URL}}
	o, err := New(cfg, newTestDB(t), Options{Provider: &ai.NoopProvider{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	src, err := o.Ingestor().LocalPath(writeTree(t, map[string]string{"triage.py": triageSource}))
	if err != nil {
		t.Fatal(err)
	}
	scan, err := o.Submit(context.Background(), src, ai.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	waitScan(t, o, scan.ID)
	// Stop waits for in-flight deliveries.
	o.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 1 || types[0] != "scan.completed" {
		t.Fatalf("delivered = %v, want [scan.completed]", types)
	}
}

func TestNoticeText(t *testing.T) {
	evt := notice("scan.failed", map[string]any{"scan_id": int64(4), "error": "Path not found"})
	if evt.ScanID != 4 || evt.Title != "Scan 4 failed" || evt.Body != "Path not found" || evt.Level != "error" {
		t.Fatalf("notice = %+v", evt)
	}
	evt = notice("patch.applied", map[string]any{"scan_id": int64(4), "candidate_id": int64(2), "branch": "ai-prune/4/2"})
	if evt.Title != "Patch for candidate 2 of scan 4 applied" || evt.Body != "Branch ai-prune/4/2" {
		t.Fatalf("notice = %+v", evt)
	}
}
