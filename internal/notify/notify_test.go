package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/google/go-cmp/cmp"
)

type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
}

func (c *capture) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, b)
		c.sigs = append(c.sigs, r.Header.Get(SignatureHeader))
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebhookSignsBody(t *testing.T) {
	c := &capture{}
	srv := c.server(t)
	d := NewDispatcher(config.NotifyConfig{Webhook: config.WebhookNotifyConfig{URL: srv.URL, Secret: "s3cret"}})

	d.Notify(context.Background(), Event{Type: "scan.completed", Title: "Scan 7 completed", ScanID: 7})

	if len(c.bodies) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(c.bodies))
	}
	if want := "sha256=" + Sign("s3cret", c.bodies[0]); c.sigs[0] != want {
		t.Fatalf("signature = %q, want %q", c.sigs[0], want)
	}
	var got map[string]any
	if err := json.Unmarshal(c.bodies[0], &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "scan.completed" || got["scan_id"].(float64) != 7 {
		t.Fatalf("payload = %v", got)
	}
}

func TestDispatcherFiltersEvents(t *testing.T) {
	c := &capture{}
	srv := c.server(t)
	d := NewDispatcher(config.NotifyConfig{Slack: config.SlackNotifyConfig{WebhookURL: srv.URL}})

	for _, typ := range []string{"scan.progress", "scan.failed", "scan.queued", "patch.applied"} {
		d.Notify(context.Background(), Event{Type: typ, Title: typ, Level: "error"})
	}
	var titles []string
	for _, b := range c.bodies {
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(b, &p); err != nil {
			t.Fatal(err)
		}
		titles = append(titles, p.Text)
	}
	if diff := cmp.Diff([]string{"scan.failed", "patch.applied"}, titles); diff != "" {
		t.Fatalf("delivered events (-want +got):\n%s", diff)
	}
	if c.sigs[0] != "" {
		t.Fatal("slack requests must not be signed")
	}
}

func TestUnconfiguredDispatcherWantsNothing(t *testing.T) {
	d := NewDispatcher(config.NotifyConfig{Events: []string{"scan.completed"}})
	if d.IsAnyConfigured() || d.Wants("scan.completed") {
		t.Fatal("dispatcher without channels should be inert")
	}
}
