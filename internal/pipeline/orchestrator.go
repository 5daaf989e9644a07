// Package pipeline runs scans through ingestion, detection and scoring on a
// bounded worker pool, and serves the per-candidate operations (patch, shadow
// run, apply, revert) on top of the stored results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/ai"
	"github.com/CosmoTheDev/ctrlprune/internal/apperr"
	"github.com/CosmoTheDev/ctrlprune/internal/apply"
	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/internal/database"
	"github.com/CosmoTheDev/ctrlprune/internal/detect"
	"github.com/CosmoTheDev/ctrlprune/internal/ingest"
	"github.com/CosmoTheDev/ctrlprune/internal/notify"
	"github.com/CosmoTheDev/ctrlprune/internal/rules"
	"github.com/CosmoTheDev/ctrlprune/internal/score"
	"github.com/CosmoTheDev/ctrlprune/internal/shadow"
	"github.com/CosmoTheDev/ctrlprune/internal/synth"
	"github.com/CosmoTheDev/ctrlprune/models"
	"github.com/robfig/cron/v3"
)

const queueSize = 256

// Event is a scan lifecycle notification fanned out to SSE subscribers.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Options controls the Orchestrator's collaborators.
type Options struct {
	// OnEvent receives lifecycle events. It must not block.
	OnEvent func(Event)
	// Provider replaces the configured AI provider; used by tests.
	Provider ai.Provider
}

type job struct {
	scanID int64
	src    ingest.Source
}

// Orchestrator owns the scan job registry and the stage components.
type Orchestrator struct {
	cfg      *config.Config
	store    *Store
	ingestor *ingest.Ingestor
	detector *detect.Detector
	scorer   *score.Scorer
	registry *rules.Registry
	synth    *synth.Synthesizer
	shadow   *shadow.Executor
	apply    *apply.Manager
	notifier *notify.Dispatcher
	opts     Options

	queue    chan job
	wg       sync.WaitGroup
	notifyWG sync.WaitGroup
	cron     *cron.Cron

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	active    map[int64]context.CancelFunc
	creds     map[int64]ai.Credentials
	providers map[int64]ai.Provider

	defaultOnce sync.Once
	defaultProv ai.Provider
}

// New wires the pipeline components from cfg.
func New(cfg *config.Config, db database.DB, opts Options) (*Orchestrator, error) {
	det, err := detect.New(cfg.Detector)
	if err != nil {
		return nil, fmt.Errorf("building detector: %w", err)
	}
	reg, err := rules.NewRegistry(cfg.Synth.RulesDir)
	if err != nil {
		return nil, fmt.Errorf("loading rule registry: %w", err)
	}
	syn, err := synth.New(cfg.Synth, cfg.AI.Model, reg, db)
	if err != nil {
		return nil, fmt.Errorf("building synthesizer: %w", err)
	}
	o := &Orchestrator{
		cfg:       cfg,
		store:     NewStore(db),
		ingestor:  ingest.New(cfg.Ingest),
		detector:  det,
		scorer:    score.New(cfg.Scoring),
		registry:  reg,
		synth:     syn,
		shadow:    shadow.New(cfg.Shadow, db),
		apply:     apply.New(db),
		notifier:  notify.NewDispatcher(cfg.Notify),
		opts:      opts,
		queue:     make(chan job, queueSize),
		active:    make(map[int64]context.CancelFunc),
		creds:     make(map[int64]ai.Credentials),
		providers: make(map[int64]ai.Provider),
	}
	if opts.Provider != nil {
		o.defaultProv = opts.Provider
		o.defaultOnce.Do(func() {})
	}
	return o, nil
}

// Ingestor exposes target validation to the HTTP layer.
func (o *Orchestrator) Ingestor() *ingest.Ingestor { return o.ingestor }

// Store exposes read access to scans.
func (o *Orchestrator) Store() *Store { return o.store }

// RulesVersion is the content hash of the active rule registry.
func (o *Orchestrator) RulesVersion() string { return o.registry.Version() }

func (o *Orchestrator) emit(typ string, payload map[string]any) {
	if o.opts.OnEvent != nil {
		o.opts.OnEvent(Event{Type: typ, Payload: payload})
	}
	if o.notifier.Wants(typ) {
		evt := notice(typ, payload)
		o.notifyWG.Add(1)
		go func() {
			defer o.notifyWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			o.notifier.Notify(ctx, evt)
		}()
	}
}

// Start recovers scans interrupted by a previous process, then starts the
// worker pool, the rule registry watcher and the retention janitor. Workers
// stop when ctx is done or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("pipeline: already started")
	}
	o.started = true
	ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	if err := o.recover(ctx); err != nil {
		return err
	}
	if err := o.registry.Watch(ctx); err != nil {
		slog.Warn("pipeline: rule registry hot reload disabled", "error", err)
	}

	workers := o.cfg.Pipeline.Workers
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
	if err := o.startJanitor(ctx); err != nil {
		return err
	}
	slog.Info("Pipeline started", "workers", workers, "rules_version", o.registry.Version())
	return nil
}

// recover fails scans a previous process left queued or running.
func (o *Orchestrator) recover(ctx context.Context) error {
	scans, err := o.store.Unfinished(ctx)
	if err != nil {
		return fmt.Errorf("loading unfinished scans: %w", err)
	}
	for _, s := range scans {
		o.failDetached(ctx, s.ID, "Scan interrupted by restart")
	}
	if len(scans) > 0 {
		slog.Warn("Pipeline: failed scans interrupted by restart", "count", len(scans))
	}
	return nil
}

// Stop cancels running scans, fails the ones still queued and waits for the
// workers to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	cancel, c := o.cancel, o.cron
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	if c != nil {
		<-c.Stop().Done()
	}
	_ = o.registry.Close()

	ctx := context.Background()
	for drained := false; !drained; {
		select {
		case j := <-o.queue:
			o.failDetached(ctx, j.scanID, "Scan cancelled by shutdown")
			o.ingestor.Discard(j.src)
		default:
			drained = true
		}
	}
	o.notifyWG.Wait()
}

// failDetached fails a scan no worker is running, continuing its log.
func (o *Orchestrator) failDetached(ctx context.Context, id int64, msg string) {
	ctx = context.WithoutCancel(ctx)
	seq := o.store.lastSeq(ctx, id) + 1
	if err := o.store.AppendLog(ctx, id, seq, msg); err != nil {
		slog.Warn("pipeline: appending log", "scan_id", id, "error", err)
	}
	if _, err := o.store.Finish(ctx, id, models.ScanFailed, 0, msg); err != nil {
		slog.Warn("pipeline: failing scan", "scan_id", id, "error", err)
	}
	o.emit("scan.failed", map[string]any{"scan_id": id, "error": msg})
}

// Submit creates a queued scan for src and hands it to the worker pool.
// creds, when set, override the configured AI provider for this scan only
// and are never persisted.
func (o *Orchestrator) Submit(ctx context.Context, src ingest.Source, creds ai.Credentials) (*models.Scan, error) {
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		o.ingestor.Discard(src)
		return nil, apperr.Precondition("Server is shutting down")
	}

	scan, err := o.store.CreateScan(ctx, src.Kind, src.Target)
	if err != nil {
		o.ingestor.Discard(src)
		return nil, err
	}
	if creds.APIKey != "" || creds.Provider != "" {
		o.mu.Lock()
		o.creds[scan.ID] = creds
		o.mu.Unlock()
	}
	if err := o.store.AppendLog(ctx, scan.ID, 1, "Scan queued"); err != nil {
		slog.Warn("pipeline: appending log", "scan_id", scan.ID, "error", err)
	}

	select {
	case o.queue <- job{scanID: scan.ID, src: src}:
	default:
		o.failDetached(ctx, scan.ID, "Scan queue is full")
		o.ingestor.Discard(src)
		return nil, apperr.Precondition("Scan queue is full; retry later")
	}
	slog.Info("Scan queued", "scan_id", scan.ID, "kind", src.Kind, "target", src.Target)
	o.emit("scan.queued", map[string]any{"scan_id": scan.ID, "source_kind": src.Kind})
	return scan, nil
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-o.queue:
			if ctx.Err() != nil {
				o.failDetached(ctx, j.scanID, "Scan cancelled by shutdown")
				o.ingestor.Discard(j.src)
				return
			}
			slog.Debug("pipeline: worker picked scan", "worker", id, "scan_id", j.scanID)
			o.execute(ctx, j)
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, j job) {
	scanCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.active[j.scanID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.active, j.scanID)
		o.mu.Unlock()
	}()

	r := &run{o: o, scanID: j.scanID, seq: o.store.lastSeq(ctx, j.scanID)}
	r.run(scanCtx, j.src)
}

// Status returns the polling view of a scan.
func (o *Orchestrator) Status(ctx context.Context, scanID int64) (*models.ScanStatusView, error) {
	return o.store.Status(ctx, scanID)
}

// Results returns a scan's candidates grouped by file.
func (o *Orchestrator) Results(ctx context.Context, scanID int64) (map[string][]models.Candidate, error) {
	if _, err := o.store.Scan(ctx, scanID); err != nil {
		return nil, err
	}
	cands, err := o.store.Candidates(ctx, scanID)
	if err != nil {
		return nil, err
	}
	return models.GroupByFile(cands), nil
}

// Scans lists recent scans.
func (o *Orchestrator) Scans(ctx context.Context, limit int) ([]models.Scan, error) {
	return o.store.ListScans(ctx, limit)
}

// Metrics aggregates all stored scans.
func (o *Orchestrator) Metrics(ctx context.Context) (*models.Metrics, error) {
	return o.store.Metrics(ctx)
}

func (o *Orchestrator) target(ctx context.Context, scanID, candidateID int64) (*models.Scan, *models.Candidate, error) {
	scan, err := o.store.Scan(ctx, scanID)
	if err != nil {
		return nil, nil, err
	}
	c, err := o.store.Candidate(ctx, scanID, candidateID)
	if err != nil {
		return nil, nil, err
	}
	if scan.WorkspaceDir == "" {
		return nil, nil, apperr.Precondition("Scan workspace is not available")
	}
	return scan, c, nil
}

// Patch returns the candidate's patch, synthesizing it on first request.
func (o *Orchestrator) Patch(ctx context.Context, scanID, candidateID int64) (*models.Patch, error) {
	scan, c, err := o.target(ctx, scanID, candidateID)
	if err != nil {
		return nil, err
	}
	return o.synth.Synthesize(ctx, synth.Request{
		Candidate: *c,
		Workspace: scan.WorkspaceDir,
		Provider:  o.provider(ctx, scanID),
	})
}

// ShadowRun replays the candidate's recorded samples through its rule.
func (o *Orchestrator) ShadowRun(ctx context.Context, scanID, candidateID int64) (*models.ShadowResult, error) {
	scan, c, err := o.target(ctx, scanID, candidateID)
	if err != nil {
		return nil, err
	}
	p, err := o.Patch(ctx, scanID, candidateID)
	if err != nil {
		return nil, err
	}
	return o.shadow.Run(ctx, scan.WorkspaceDir, c, p)
}

// Record stores recorded AI calls for later shadow runs.
func (o *Orchestrator) Record(ctx context.Context, scanID, candidateID int64, recs []models.Recording) (int, error) {
	if _, err := o.store.Candidate(ctx, scanID, candidateID); err != nil {
		return 0, err
	}
	return o.shadow.Record(ctx, scanID, candidateID, recs)
}

// Apply commits the candidate's patch onto its branch.
func (o *Orchestrator) Apply(ctx context.Context, scanID, candidateID int64, safety bool) (*models.ApplyResult, error) {
	scan, _, err := o.target(ctx, scanID, candidateID)
	if err != nil {
		return nil, err
	}
	if !safety {
		return nil, apperr.Precondition("Set safety_flag=true to apply patch")
	}
	p, err := o.Patch(ctx, scanID, candidateID)
	if err != nil {
		return nil, err
	}
	res, err := o.apply.Apply(ctx, scan.WorkspaceDir, scanID, candidateID, p, safety)
	if err != nil {
		return nil, err
	}
	o.emit("patch.applied", map[string]any{"scan_id": scanID, "candidate_id": candidateID, "branch": res.Branch})
	return res, nil
}

// Revert restores the files touched by the candidate's applied patch.
func (o *Orchestrator) Revert(ctx context.Context, scanID, candidateID int64) (*models.ApplyResult, error) {
	scan, _, err := o.target(ctx, scanID, candidateID)
	if err != nil {
		return nil, err
	}
	res, err := o.apply.Revert(ctx, scan.WorkspaceDir, scanID, candidateID)
	if err != nil {
		return nil, err
	}
	o.emit("patch.reverted", map[string]any{"scan_id": scanID, "candidate_id": candidateID, "branch": res.Branch})
	return res, nil
}

// Delete removes a finished scan, its rows and its owned workspace.
func (o *Orchestrator) Delete(ctx context.Context, scanID int64) error {
	scan, err := o.store.Scan(ctx, scanID)
	if err != nil {
		return err
	}
	if !scan.Status.Terminal() {
		return apperr.Precondition("Scan %d is still %s", scanID, scan.Status)
	}
	if err := o.store.DeleteScan(ctx, scanID); err != nil {
		return err
	}
	if scan.Owned && scan.WorkspaceDir != "" {
		if err := o.ingestor.Teardown(ingest.Workspace{Dir: scan.WorkspaceDir, Owned: true}); err != nil {
			slog.Warn("pipeline: workspace teardown failed", "scan_id", scanID, "dir", scan.WorkspaceDir, "error", err)
		}
	}
	o.synth.Forget(scanID)
	o.mu.Lock()
	delete(o.creds, scanID)
	delete(o.providers, scanID)
	o.mu.Unlock()
	slog.Info("Scan deleted", "scan_id", scanID)
	o.emit("scan.deleted", map[string]any{"scan_id": scanID})
	return nil
}

// Wait polls until the scan reaches a terminal state or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, scanID int64) (*models.Scan, error) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		scan, err := o.store.Scan(ctx, scanID)
		if err != nil {
			return nil, err
		}
		if scan.Status.Terminal() {
			return scan, nil
		}
		select {
		case <-ctx.Done():
			return scan, ctx.Err()
		case <-t.C:
		}
	}
}

// provider resolves the AI provider used for a scan's ai-assisted synthesis.
func (o *Orchestrator) provider(ctx context.Context, scanID int64) ai.Provider {
	o.mu.Lock()
	if p, ok := o.providers[scanID]; ok {
		o.mu.Unlock()
		return p
	}
	creds, ok := o.creds[scanID]
	o.mu.Unlock()
	if !ok {
		return o.defaultProvider()
	}

	p, err := ai.Resolve(o.cfg.AI, creds)
	if err != nil {
		slog.Warn("pipeline: request credentials unusable; using configured provider",
			"scan_id", scanID, "provider", creds.Provider, "error", err)
		p = o.defaultProvider()
	}
	o.mu.Lock()
	o.providers[scanID] = p
	o.mu.Unlock()
	return p
}

func (o *Orchestrator) defaultProvider() ai.Provider {
	o.defaultOnce.Do(func() {
		p, err := ai.New(o.cfg.AI)
		if err != nil {
			slog.Warn("pipeline: AI provider unavailable; synthesis stays rule-derived",
				"provider", o.cfg.AI.Provider, "error", err)
			p = &ai.NoopProvider{}
		}
		o.defaultProv = p
	})
	return o.defaultProv
}
