package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/ai"
	"github.com/CosmoTheDev/ctrlprune/internal/apperr"
	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/internal/database"
	"github.com/CosmoTheDev/ctrlprune/models"
	"github.com/google/go-cmp/cmp"
)

const triageSource = `from openai import OpenAI

client = OpenAI()


def classify(ticket):
    resp = client.chat.completions.create(
        model="gpt-4o-mini",
        messages=[
            {"role": "system", "content": "Respond with only YES or NO. Is this ticket a refund request?"},
            {"role": "user", "content": ticket},
        ],
    )
    return resp.choices[0].message.content
`

const summarySource = `import anthropic

client = anthropic.Anthropic()


def summarize(doc):
    return client.messages.create(
        model="claude",
        max_tokens=800,
        messages=[{"role": "user", "content": "Summarize this long-form essay: " + doc}],
    )
`

func newTestDB(t *testing.T) database.DB {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "pipeline.db")})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func testConfig(t *testing.T, fileWorkers int) *config.Config {
	t.Helper()
	return &config.Config{
		Ingest:   config.IngestConfig{WorkspaceDir: t.TempDir()},
		Pipeline: config.PipelineConfig{Workers: 2, FileWorkers: fileWorkers},
		AI:       config.AIConfig{Provider: "none"},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func startOrchestrator(t *testing.T, cfg *config.Config, db database.DB, events *eventLog) *Orchestrator {
	t.Helper()
	opts := Options{Provider: &ai.NoopProvider{}}
	if events != nil {
		opts.OnEvent = events.add
	}
	o, err := New(cfg, db, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(o.Stop)
	return o
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func waitScan(t *testing.T, o *Orchestrator, id int64) *models.Scan {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	scan, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%d): %v", id, err)
	}
	return scan
}

func TestScanRunsToCompletion(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(map[int]string{1: "sequential", 4: "concurrent"}[workers], func(t *testing.T) {
			db := newTestDB(t)
			events := &eventLog{}
			o := startOrchestrator(t, testConfig(t, workers), db, events)
			dir := writeTree(t, map[string]string{
				"app/triage.py":  triageSource,
				"app/summary.py": summarySource,
				"README.md":      "not scanned\n",
			})

			src, err := o.Ingestor().LocalPath(dir)
			if err != nil {
				t.Fatalf("LocalPath: %v", err)
			}
			ctx := context.Background()
			scan, err := o.Submit(ctx, src, ai.Credentials{})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if scan.Status != models.ScanQueued {
				t.Fatalf("submitted status = %s", scan.Status)
			}

			done := waitScan(t, o, scan.ID)
			if done.Status != models.ScanCompleted || done.Progress != 100 || done.CandidateCount != 2 {
				t.Fatalf("scan = %+v", done)
			}

			st, err := o.Status(ctx, scan.ID)
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			for _, want := range []string{"Scan queued", "Scan started", "Detected 2 potential AI calls", "Scan completed"} {
				if !strings.Contains(st.Logs, want) {
					t.Errorf("logs missing %q:\n%s", want, st.Logs)
				}
			}

			res, err := o.Results(ctx, scan.ID)
			if err != nil {
				t.Fatalf("Results: %v", err)
			}
			// Manifest order assigns IDs: app/summary.py sorts before app/triage.py.
			if len(res["app/summary.py"]) != 1 || res["app/summary.py"][0].ID != 1 {
				t.Fatalf("summary candidates = %+v", res["app/summary.py"])
			}
			triage := res["app/triage.py"]
			if len(triage) != 1 || triage[0].ID != 2 {
				t.Fatalf("triage candidates = %+v", triage)
			}
			if triage[0].InferredIntent != models.IntentYesNo || triage[0].RiskLevel != models.RiskLow {
				t.Fatalf("triage scored as %s/%s", triage[0].InferredIntent, triage[0].RiskLevel)
			}
			if res["app/summary.py"][0].RiskLevel != models.RiskHigh {
				t.Fatalf("summary risk = %s, want high", res["app/summary.py"][0].RiskLevel)
			}

			p, err := o.Patch(ctx, scan.ID, 2)
			if err != nil {
				t.Fatalf("Patch: %v", err)
			}
			if p.Diff == "" || !strings.Contains(p.RuleCode, "def prune_2") {
				t.Fatalf("patch = %+v", p)
			}
			again, err := o.Patch(ctx, scan.ID, 2)
			if err != nil {
				t.Fatal(err)
			}
			if again.Diff != p.Diff || again.RuleCode != p.RuleCode {
				t.Fatal("patch is not deterministic")
			}

			sr, err := o.ShadowRun(ctx, scan.ID, 2)
			if err != nil {
				t.Fatalf("ShadowRun: %v", err)
			}
			if sr.TotalCases != 0 || sr.MatchRate != 0 || sr.Notes == "" {
				t.Fatalf("shadow = %+v", sr)
			}

			m, err := o.Metrics(ctx)
			if err != nil {
				t.Fatalf("Metrics: %v", err)
			}
			if m.TotalScans != 1 || m.TotalCandidates != 2 || m.ShadowRuns != 1 {
				t.Fatalf("metrics = %+v", m)
			}

			types := events.types()
			if len(types) == 0 || types[0] != "scan.queued" || !containsString(types, "scan.completed") {
				t.Fatalf("events = %v", types)
			}
		})
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestProgressIsMonotonic(t *testing.T) {
	db := newTestDB(t)
	events := &eventLog{}
	o := startOrchestrator(t, testConfig(t, 4), db, events)
	files := map[string]string{}
	for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
		files[n+".py"] = triageSource
	}
	src, _ := o.Ingestor().LocalPath(writeTree(t, files))
	scan, err := o.Submit(context.Background(), src, ai.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	waitScan(t, o, scan.ID)

	events.mu.Lock()
	defer events.mu.Unlock()
	last := 0
	for _, e := range events.events {
		if e.Type != "scan.progress" {
			continue
		}
		p := e.Payload.(map[string]any)["progress"].(int)
		if p < last {
			t.Fatalf("progress went from %d to %d", last, p)
		}
		last = p
	}
	if last != progressScored {
		t.Fatalf("last progress event = %d, want %d", last, progressScored)
	}
}

func TestScanFailsWhenEveryFileFails(t *testing.T) {
	db := newTestDB(t)
	o := startOrchestrator(t, testConfig(t, 2), db, nil)
	src, _ := o.Ingestor().LocalPath(writeTree(t, map[string]string{
		"broken.py": "def f(:\n    client.chat.completions.create(\n",
	}))
	scan, err := o.Submit(context.Background(), src, ai.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	done := waitScan(t, o, scan.ID)
	if done.Status != models.ScanFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	st, _ := o.Status(context.Background(), scan.ID)
	if !strings.Contains(st.Logs, "Skipped broken.py") || !strings.Contains(st.Logs, "Scan failed") {
		t.Fatalf("logs:\n%s", st.Logs)
	}
}

func TestStatusOfUnknownScanIsNotFound(t *testing.T) {
	o := startOrchestrator(t, testConfig(t, 1), newTestDB(t), nil)
	_, err := o.Status(context.Background(), 404)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if _, err := o.Patch(context.Background(), 404, 1); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("Patch err = %v, want not found", err)
	}
}

func TestStartFailsScansInterruptedByRestart(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewStore(db)
	queued, err := store.CreateScan(ctx, models.SourcePath, "/tmp/a")
	if err != nil {
		t.Fatal(err)
	}
	running, _ := store.CreateScan(ctx, models.SourcePath, "/tmp/b")
	if ok, err := store.Start(ctx, running.ID, progressRunning); !ok || err != nil {
		t.Fatalf("Start: %v %v", ok, err)
	}
	_ = store.AppendLog(ctx, running.ID, 1, "Scan started")

	o := startOrchestrator(t, testConfig(t, 1), db, nil)
	for _, id := range []int64{queued.ID, running.ID} {
		st, err := o.Status(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if st.Status != models.ScanFailed || !strings.Contains(st.Logs, "interrupted by restart") {
			t.Fatalf("scan %d = %+v", id, st)
		}
	}
	st, _ := o.Status(ctx, running.ID)
	if diff := cmp.Diff("Scan started\nScan interrupted by restart", st.Logs); diff != "" {
		t.Fatalf("logs (-want +got):\n%s", diff)
	}
	if st.Progress != progressRunning {
		t.Fatalf("progress = %d, want it kept at %d", st.Progress, progressRunning)
	}
}

func TestDeleteAndSweep(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	o := startOrchestrator(t, testConfig(t, 2), db, nil)
	src, _ := o.Ingestor().LocalPath(writeTree(t, map[string]string{"triage.py": triageSource}))

	first, err := o.Submit(ctx, src, ai.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	waitScan(t, o, first.ID)
	second, _ := o.Submit(ctx, src, ai.Credentials{})
	waitScan(t, o, second.ID)

	if err := o.Delete(ctx, first.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := o.Status(ctx, first.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("deleted scan status err = %v", err)
	}
	if _, err := os.Stat(src.Target); err != nil {
		t.Fatalf("in-place workspace removed: %v", err)
	}

	if n := o.Sweep(ctx, time.Now().Add(-time.Hour)); n != 0 {
		t.Fatalf("Sweep removed %d fresh scans", n)
	}
	if n := o.Sweep(ctx, time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	scans, err := o.Scans(ctx, 10)
	if err != nil || len(scans) != 0 {
		t.Fatalf("Scans = %v %v", scans, err)
	}
}

func TestStopFailsQueuedScans(t *testing.T) {
	db := newTestDB(t)
	o, err := New(testConfig(t, 1), db, Options{Provider: &ai.NoopProvider{}})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	src, _ := o.Ingestor().LocalPath(writeTree(t, map[string]string{"triage.py": triageSource}))
	// Not started: the scan stays in the queue until Stop drains it.
	scan, err := o.Submit(ctx, src, ai.Credentials{APIKey: "sk-not-persisted-anywhere", Provider: "openai"})
	if err != nil {
		t.Fatal(err)
	}
	o.Stop()

	st, err := o.Status(ctx, scan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != models.ScanFailed || !strings.Contains(st.Logs, "cancelled by shutdown") {
		t.Fatalf("status = %+v", st)
	}
	if _, err := o.Submit(ctx, src, ai.Credentials{}); !apperr.Is(err, apperr.KindPrecondition) {
		t.Fatalf("Submit after Stop err = %v", err)
	}

	var row struct {
		N int `db:"n"`
	}
	if err := db.Get(ctx, &row, `SELECT COUNT(*) AS n FROM scans WHERE target LIKE '%sk-not%' OR error_msg LIKE '%sk-not%'`); err != nil {
		t.Fatal(err)
	}
	if row.N != 0 {
		t.Fatal("credentials leaked into the scans table")
	}
}
