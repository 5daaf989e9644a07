// Package shadow replays recorded AI responses through a candidate's rule and
// reports how often the rule agrees with the AI path.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/apperr"
	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/internal/database"
	"github.com/CosmoTheDev/ctrlprune/internal/rules"
	"github.com/CosmoTheDev/ctrlprune/models"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxCases      = 50
	defaultRecordingsDir = ".ctrlprune/recordings"
)

// Executor runs shadow comparisons. Results are regenerated on every call;
// stored runs only feed metrics.
type Executor struct {
	db            database.DB
	maxCases      int
	recordingsDir string
	now           func() time.Time
}

// New returns an Executor. db may be nil, which disables posted recordings
// and run history.
func New(cfg config.ShadowConfig, db database.DB) *Executor {
	e := &Executor{db: db, maxCases: cfg.MaxCases, recordingsDir: cfg.RecordingsDir, now: time.Now}
	if e.maxCases <= 0 {
		e.maxCases = defaultMaxCases
	}
	if e.recordingsDir == "" {
		e.recordingsDir = defaultRecordingsDir
	}
	return e
}

// RecordingsDir resolves the recordings directory of a workspace.
func (e *Executor) RecordingsDir(workspace string) string {
	if filepath.IsAbs(e.recordingsDir) {
		return e.recordingsDir
	}
	return filepath.Join(workspace, filepath.FromSlash(e.recordingsDir))
}

// Samples collects the recordings for c: those posted through the API first,
// then matching lines from the workspace's JSONL files, capped at max cases.
// capped reports whether recordings beyond the cap were dropped.
func (e *Executor) Samples(ctx context.Context, workspace string, c *models.Candidate) (samples []Sample, capped bool, err error) {
	var posted, files []Sample
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		posted, err = e.posted(gctx, c.ScanID, c.ID)
		return err
	})
	if workspace != "" {
		g.Go(func() error {
			var err error
			files, err = fileSamples(gctx, e.RecordingsDir(workspace), c)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	all := append(posted, files...)
	if len(all) > e.maxCases {
		return all[:e.maxCases], true, nil
	}
	return all, false, nil
}

func (e *Executor) posted(ctx context.Context, scanID, candidateID int64) ([]Sample, error) {
	if e.db == nil {
		return nil, nil
	}
	var recs []models.Recording
	err := e.db.Select(ctx, &recs,
		`SELECT * FROM recordings WHERE scan_id = ? AND candidate_id = ? ORDER BY id LIMIT ?`,
		scanID, candidateID, e.maxCases)
	if err != nil {
		return nil, fmt.Errorf("loading recordings: %w", err)
	}
	out := make([]Sample, 0, len(recs))
	for _, r := range recs {
		out = append(out, Sample{Input: r.Input, Output: r.Output, LatencyMs: r.LatencyMs, Source: fmt.Sprintf("recording:%d", r.ID)})
	}
	return out, nil
}

// Record stores recorded samples for a candidate and returns how many were
// stored.
func (e *Executor) Record(ctx context.Context, scanID, candidateID int64, recs []models.Recording) (int, error) {
	if e.db == nil {
		return 0, apperr.Precondition("recordings need a database")
	}
	if len(recs) == 0 {
		return 0, apperr.Validation("no recordings provided")
	}
	for i, r := range recs {
		if strings.TrimSpace(r.Input) == "" || strings.TrimSpace(r.Output) == "" {
			return 0, apperr.Validation("recording %d needs both input and output", i)
		}
		if r.LatencyMs < 0 {
			return 0, apperr.Validation("recording %d has a negative latency", i)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	for i, r := range recs {
		r.ID = 0
		r.ScanID = scanID
		r.CandidateID = candidateID
		r.CreatedAt = now
		if _, err := e.db.Insert(ctx, "recordings", &r); err != nil {
			return i, apperr.Pipeline(err, "storing recording")
		}
	}
	return len(recs), nil
}

// Run replays the samples of c through the rule stored in p.
func (e *Executor) Run(ctx context.Context, workspace string, c *models.Candidate, p *models.Patch) (*models.ShadowResult, error) {
	res := &models.ShadowResult{
		ScanID:      c.ScanID,
		CandidateID: c.ID,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}

	var spec rules.Spec
	var specErr error
	if p == nil || p.RuleSpec == "" {
		specErr = errors.New("no rule was synthesized for this candidate")
	} else {
		spec, specErr = rules.ParseSpec(p.RuleSpec)
	}
	if specErr != nil {
		res.Notes = fmt.Sprintf("No shadow cases run: %v.", specErr)
		e.store(ctx, res)
		return res, nil
	}

	samples, capped, err := e.Samples(ctx, workspace, c)
	if err != nil {
		return nil, apperr.Pipeline(err, "collecting recordings")
	}
	if len(samples) == 0 {
		res.Notes = fmt.Sprintf("No recorded AI responses found for this call site. Add JSONL files under %s or POST them to /api/recordings/%d/%d.",
			e.recordingsDir, c.ScanID, c.ID)
		e.store(ctx, res)
		return res, nil
	}

	matches, fallbacks, timed := 0, 0, 0
	var gain float64
	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		out, err := rules.Evaluate(spec, s.Input)
		ruleMs := float64(time.Since(start).Microseconds()) / 1000
		switch {
		case err != nil || !rules.Valid(spec, out):
			fallbacks++
		case Equivalent(spec.Intent, out, s.Output):
			matches++
		}
		if s.LatencyMs > 0 {
			gain += s.LatencyMs - ruleMs
			timed++
		}
	}

	res.TotalCases = len(samples)
	res.MatchRate = round(float64(matches)/float64(len(samples)), 4)
	if timed > 0 {
		res.AvgLatencyImprovementMs = round(gain/float64(timed), 3)
	}

	notes := []string{fmt.Sprintf("%d of %d recorded cases matched the rule output.", matches, len(samples))}
	if fallbacks > 0 {
		notes = append(notes, fmt.Sprintf("%d cases had no valid rule answer and would fall back to the AI call.", fallbacks))
	}
	if timed == 0 {
		notes = append(notes, "Recordings carry no latency, so no latency improvement was measured.")
	}
	if capped {
		notes = append(notes, fmt.Sprintf("Capped at %d cases.", e.maxCases))
	}
	res.Notes = strings.Join(notes, " ")
	e.store(ctx, res)
	return res, nil
}

// store appends the run to shadow_runs for metrics. Failures are logged only.
func (e *Executor) store(ctx context.Context, res *models.ShadowResult) {
	if e.db == nil {
		return
	}
	id, err := e.db.Insert(ctx, "shadow_runs", res)
	if err != nil {
		slog.Warn("shadow: failed to store run", "scan_id", res.ScanID, "candidate", res.CandidateID, "error", err)
		return
	}
	res.ID = id
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
