package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/CosmoTheDev/ctrlprune/internal/apperr"
	"github.com/CosmoTheDev/ctrlprune/internal/detect"
	"github.com/CosmoTheDev/ctrlprune/internal/ingest"
	"github.com/CosmoTheDev/ctrlprune/models"
	"golang.org/x/sync/errgroup"
)

// Stage progress marks.
const (
	progressRunning  = 5
	progressIngested = 15
	progressDetected = 70
	progressScored   = 95
)

// run executes one scan. Only the goroutine executing the run writes its log
// lines and assigns candidate IDs.
type run struct {
	o      *Orchestrator
	scanID int64
	seq    int
	last   atomic.Int64
}

func (r *run) logf(ctx context.Context, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	r.seq++
	if err := r.o.store.AppendLog(context.WithoutCancel(ctx), r.scanID, r.seq, line); err != nil {
		slog.Warn("pipeline: appending log", "scan_id", r.scanID, "error", err)
	}
}

// progress is safe to call from stage goroutines.
func (r *run) progress(ctx context.Context, p int) {
	for {
		last := r.last.Load()
		if int64(p) <= last {
			return
		}
		if r.last.CompareAndSwap(last, int64(p)) {
			break
		}
	}
	if err := r.o.store.Progress(context.WithoutCancel(ctx), r.scanID, p); err != nil {
		slog.Warn("pipeline: updating progress", "scan_id", r.scanID, "error", err)
		return
	}
	r.o.emit("scan.progress", map[string]any{"scan_id": r.scanID, "progress": p})
}

func (r *run) fail(ctx context.Context, err error) {
	msg := apperr.Message(err)
	if errors.Is(err, context.Canceled) {
		msg = "Scan cancelled by shutdown"
	}
	r.logf(ctx, "Scan failed: %s", msg)
	if _, ferr := r.o.store.Finish(context.WithoutCancel(ctx), r.scanID, models.ScanFailed, 0, msg); ferr != nil {
		slog.Error("pipeline: failing scan", "scan_id", r.scanID, "error", ferr)
	}
	slog.Warn("Scan failed", "scan_id", r.scanID, "error", err)
	r.o.emit("scan.failed", map[string]any{"scan_id": r.scanID, "error": msg})
}

func (r *run) run(ctx context.Context, src ingest.Source) {
	ok, err := r.o.store.Start(ctx, r.scanID, progressRunning)
	if err != nil || !ok {
		slog.Warn("pipeline: scan not startable", "scan_id", r.scanID, "error", err)
		r.o.ingestor.Discard(src)
		return
	}
	r.last.Store(progressRunning)
	r.logf(ctx, "Scan started")
	r.o.emit("scan.started", map[string]any{"scan_id": r.scanID, "progress": progressRunning})

	ws, err := r.o.ingestor.Materialize(ctx, r.scanID, src)
	if err != nil {
		r.fail(ctx, err)
		return
	}
	if err := r.o.store.SetWorkspace(ctx, r.scanID, ws.Dir, ws.Owned); err != nil {
		r.fail(ctx, apperr.Pipeline(err, "recording workspace"))
		return
	}
	files, err := r.o.ingestor.Manifest(ws.Dir)
	if err != nil {
		r.fail(ctx, apperr.Pipeline(err, "building manifest"))
		return
	}
	r.logf(ctx, "Workspace ready: %d source files", len(files))
	r.progress(ctx, progressIngested)

	sites, err := r.detect(ctx, ws.Dir, files)
	if err != nil {
		r.fail(ctx, err)
		return
	}
	r.logf(ctx, "Detected %d potential AI calls", len(sites))
	r.progress(ctx, progressDetected)

	cands := make([]models.Candidate, len(sites))
	for i, s := range sites {
		cands[i] = s.Candidate(r.scanID, int64(i+1))
	}
	if err := r.score(ctx, cands); err != nil {
		r.fail(ctx, err)
		return
	}
	if err := r.o.store.SaveCandidates(ctx, cands); err != nil {
		r.fail(ctx, err)
		return
	}
	r.progress(ctx, progressScored)

	r.logf(ctx, "Scan completed")
	if _, err := r.o.store.Finish(ctx, r.scanID, models.ScanCompleted, len(cands), ""); err != nil {
		slog.Error("pipeline: completing scan", "scan_id", r.scanID, "error", err)
	}
	slog.Info("Scan completed", "scan_id", r.scanID, "candidates", len(cands))
	r.o.emit("scan.completed", map[string]any{"scan_id": r.scanID, "progress": 100, "candidate_count": len(cands)})
}

// detect runs the detector over files, concurrently unless file workers is
// one, and returns call sites in manifest order.
func (r *run) detect(ctx context.Context, root string, files []string) ([]detect.CallSite, error) {
	span := progressDetected - progressIngested
	step := func(done int) int {
		return progressIngested + int(math.Floor(float64(span)*float64(done)/float64(len(files))))
	}

	perFile := make([][]detect.CallSite, len(files))
	errs := make([]error, len(files))

	workers := r.o.cfg.Pipeline.FileWorkers
	if workers <= 1 {
		i, done := 0, 0
		for site, err := range r.o.detector.Scan(ctx, root, files) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			for i < len(files) && files[i] != site.File {
				i++
				done++
				r.progress(ctx, step(done))
			}
			if i == len(files) {
				break
			}
			if err != nil {
				errs[i] = err
				continue
			}
			perFile[i] = append(perFile[i], site)
		}
	} else {
		var done atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, f := range files {
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				perFile[i], errs[i] = r.o.detector.DetectFile(gctx, root, f)
				r.progress(ctx, step(int(done.Add(1))))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var (
		out    []detect.CallSite
		failed int
	)
	for i := range files {
		if errs[i] != nil {
			failed++
			detect.LogSkipped(errs[i])
			r.logf(ctx, "Skipped %s: %v", files[i], unwrapFileError(errs[i]))
			continue
		}
		out = append(out, perFile[i]...)
	}
	if len(files) > 0 && failed == len(files) {
		return nil, apperr.Pipeline(errors.New("no parseable source files"), "Every file in the manifest failed to parse")
	}
	return out, nil
}

func unwrapFileError(err error) error {
	var fe *detect.FileError
	if errors.As(err, &fe) {
		return fe.Err
	}
	return err
}

// score annotates cands concurrently. A candidate that fails to score is
// degraded by the scorer and logged; the scan continues.
func (r *run) score(ctx context.Context, cands []models.Candidate) error {
	span := progressScored - progressDetected
	errs := make([]error, len(cands))
	var done atomic.Int64

	workers := r.o.cfg.Pipeline.FileWorkers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range cands {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			errs[i] = r.o.scorer.Score(&cands[i])
			n := done.Add(1)
			r.progress(ctx, progressDetected+int(math.Floor(float64(span)*float64(n)/float64(len(cands)))))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, err := range errs {
		if err != nil {
			r.logf(ctx, "Candidate %d (%s:%d) degraded to high risk: %v", cands[i].ID, cands[i].File, cands[i].LineStart, err)
		}
	}
	return nil
}
