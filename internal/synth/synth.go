// Package synth turns scored candidates into patches: a deterministic rule
// module rendered from a rules.Spec plus a unified diff that routes the
// original AI call through it.
package synth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/ai"
	"github.com/CosmoTheDev/ctrlprune/internal/apperr"
	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/internal/database"
	"github.com/CosmoTheDev/ctrlprune/internal/rules"
	"github.com/CosmoTheDev/ctrlprune/internal/score"
	"github.com/CosmoTheDev/ctrlprune/models"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/mod/modfile"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize = 256
	// buildTimeout bounds one shared synthesis, which outlives the request
	// that started it.
	buildTimeout = 2 * time.Minute
)

// Request identifies the candidate to synthesize a patch for.
type Request struct {
	Candidate models.Candidate
	// Workspace is the root of the scan's source tree.
	Workspace string
	// Provider drafts specs in ai-assisted mode. Nil or "none" degrades the
	// request to rule-derived synthesis.
	Provider ai.Provider
}

// Synthesizer builds and caches patches. Patches are addressed by
// (scan, candidate, config hash); concurrent requests for the same key share
// one synthesis.
type Synthesizer struct {
	db       database.DB
	registry *rules.Registry
	mode     string
	model    string
	cache    *lru.Cache[string, *models.Patch]
	group    singleflight.Group
	now      func() time.Time
}

// New returns a Synthesizer. db may be nil, in which case patches live only
// in the in-memory cache.
func New(cfg config.SynthConfig, aiModel string, reg *rules.Registry, db database.DB) (*Synthesizer, error) {
	if reg == nil {
		return nil, errors.New("synth: rule registry is required")
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, *models.Patch](size)
	if err != nil {
		return nil, fmt.Errorf("creating patch cache: %w", err)
	}
	mode := cfg.Mode
	if mode != models.ModeAIAssisted {
		mode = models.ModeRuleDerived
	}
	return &Synthesizer{
		db:       db,
		registry: reg,
		mode:     mode,
		model:    aiModel,
		cache:    cache,
		now:      time.Now,
	}, nil
}

// ConfigHash identifies everything besides the candidate that shapes a patch.
func ConfigHash(mode, provider, model, registryVersion string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{mode, provider, model, registryVersion}, "\x00")))
	return hex.EncodeToString(sum[:8])
}

func (s *Synthesizer) resolve(p ai.Provider) (mode, provider string) {
	if s.mode == models.ModeAIAssisted && p != nil && p.Name() != "none" {
		return models.ModeAIAssisted, p.Name()
	}
	return models.ModeRuleDerived, "none"
}

func cacheKey(scanID, candidateID int64, hash string) string {
	return fmt.Sprintf("%d/%d/%s", scanID, candidateID, hash)
}

// Synthesize returns the patch for req.Candidate, building it at most once per
// configuration.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*models.Patch, error) {
	c := req.Candidate
	mode, provider := s.resolve(req.Provider)
	model := ""
	if mode == models.ModeAIAssisted {
		model = s.model
	}
	hash := ConfigHash(mode, provider, model, s.registry.Version())
	key := cacheKey(c.ScanID, c.ID, hash)

	if p, ok := s.cache.Get(key); ok {
		return clonePatch(p), nil
	}
	// The build runs detached from ctx so that one caller going away does
	// not fail or degrade the result shared with the others.
	ch := s.group.DoChan(key, func() (any, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
		defer cancel()

		if p, ok := s.cache.Get(key); ok {
			return p, nil
		}
		if p, err := s.load(bctx, c.ScanID, c.ID, hash); err == nil {
			s.cache.Add(key, p)
			return p, nil
		} else if !database.IsNoRows(err) {
			return nil, apperr.Pipeline(err, "loading patch")
		}

		p, provisional, err := s.build(bctx, req, mode, hash)
		if err != nil {
			return nil, err
		}
		if provisional {
			return p, nil
		}
		if s.db != nil {
			if err := s.db.Upsert(bctx, "patches", p, []string{"scan_id", "candidate_id", "config_hash"}); err != nil {
				return nil, apperr.Pipeline(err, "storing patch")
			}
		}
		s.cache.Add(key, p)
		return p, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		slog.Debug("synth: shared in-flight synthesis", "scan_id", c.ScanID, "candidate", c.ID)
	}
	return clonePatch(res.Val.(*models.Patch)), nil
}

// Forget drops cached patches of a deleted scan.
func (s *Synthesizer) Forget(scanID int64) {
	prefix := fmt.Sprintf("%d/", scanID)
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
}

func (s *Synthesizer) load(ctx context.Context, scanID, candidateID int64, hash string) (*models.Patch, error) {
	if s.db == nil {
		return nil, database.ErrNoRows
	}
	var p models.Patch
	err := s.db.Get(ctx, &p,
		`SELECT * FROM patches WHERE scan_id = ? AND candidate_id = ? AND config_hash = ?`,
		scanID, candidateID, hash)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func clonePatch(p *models.Patch) *models.Patch {
	cp := *p
	return &cp
}

// Unsolvable reports whether no deterministic replacement is proposed for c.
func Unsolvable(c *models.Candidate) bool {
	return c.RiskLevel == models.RiskHigh || !c.InferredIntent.Closed()
}

// SpecFor returns the registry-derived spec for c.
func (s *Synthesizer) SpecFor(c *models.Candidate) rules.Spec {
	return s.registry.SpecFor(c.InferredIntent, score.ClosedSetLabels(c))
}

// build synthesizes the patch for req. provisional is true when the provider
// could not be reached; such a patch is served but neither cached nor stored,
// so the next request drafts again.
func (s *Synthesizer) build(ctx context.Context, req Request, mode, hash string) (p *models.Patch, provisional bool, err error) {
	c := req.Candidate
	p = &models.Patch{
		ScanID:            c.ScanID,
		CandidateID:       c.ID,
		ConfigHash:        hash,
		RiskLevel:         c.RiskLevel,
		SynthesisMode:     models.ModeRuleDerived,
		SynthesisProvider: "none",
		CreatedAt:         s.now().UTC().Format(time.RFC3339),
	}

	spec := s.SpecFor(&c)
	if Unsolvable(&c) || !spec.Supported() {
		p.Explanation = fmt.Sprintf("No deterministic replacement proposed: %s output is too open-ended for a rule (score %.2f, risk %s).",
			c.InferredIntent, c.RuleSolvabilityScore, c.RiskLevel)
		p.ReasonForRefactor = c.Explanation
		p.ChangesSummary = "No changes."
		p.AccuracyNote = "The AI call stays the primary path."
		return p, false, nil
	}

	var notes []string
	if mode == models.ModeAIAssisted {
		drafted, resp, err := draft(ctx, req.Provider, &c, spec)
		switch {
		case errors.Is(err, errProviderFailed):
			slog.Warn("synth: AI draft unavailable; serving rule-derived spec uncached",
				"scan_id", c.ScanID, "candidate", c.ID, "provider", req.Provider.Name(), "error", err)
			notes = append(notes, fmt.Sprintf("AI drafting failed (%v); the rule-derived spec was used and drafting is retried on the next request.", err))
			provisional = true
		case err != nil:
			slog.Warn("synth: AI draft rejected; using rule-derived spec",
				"scan_id", c.ScanID, "candidate", c.ID, "provider", req.Provider.Name(), "error", err)
			notes = append(notes, fmt.Sprintf("AI-drafted rule was rejected (%v); the rule-derived spec was used instead.", err))
		default:
			spec = drafted
			p.SynthesisMode = models.ModeAIAssisted
			p.SynthesisProvider = req.Provider.Name()
			if resp != nil && resp.Provider != "" {
				p.SynthesisProvider = resp.Provider
			}
		}
	}
	p.RuleSpec = spec.Marshal()

	src, readErr := os.ReadFile(filepath.Join(req.Workspace, filepath.FromSlash(c.File)))
	lang := c.Language
	if lang == "" {
		lang = languageOf(c.File)
	}
	t, ok := targetFor(lang, readErr == nil && isCommonJS(string(src)))
	if !ok {
		return nil, false, apperr.Pipeline(fmt.Errorf("unsupported language %q", lang), "synthesizing candidate %d", c.ID)
	}
	code, err := render(t, &c, spec)
	if err != nil {
		return nil, false, apperr.Pipeline(err, "synthesizing candidate %d", c.ID)
	}
	p.RuleCode = code
	p.TestsToAdd = testsToAdd(t, &c, spec)
	p.ReasonForRefactor = fmt.Sprintf("%s Projected savings: %d API calls and %d ms of latency.",
		c.Explanation, c.EstimatedAPICallsSaved, c.LatencyImprovementMs)

	p.EstimatedReplyAccuracy = math.Round(c.RuleSolvabilityScore*c.Confidence*1e4) / 1e4
	if strings.TrimSpace(c.InputExpr) == "" {
		p.EstimatedReplyAccuracy = 0
		notes = append(notes, "No input expression was found at the call site, so the rule receives no input and the original call always runs.")
	}

	rulePath := t.rulePath(c.ID)
	var diffErr error
	if readErr != nil {
		diffErr = readErr
	} else {
		goModule := ""
		if t.lang == "go" {
			goModule = workspaceModule(req.Workspace)
		}
		updated, err := rewriteSite(t, string(src), &c, goModule)
		if err != nil {
			diffErr = err
		} else {
			p.Diff, diffErr = unifiedDiff([]fileChange{
				{Path: rulePath, New: code, Created: true},
				{Path: c.File, Old: string(src), New: updated},
			})
		}
	}
	if diffErr == nil && !looksLikeUnifiedDiff(p.Diff) {
		diffErr = errors.New("generated diff is malformed")
	}

	entry := fmt.Sprintf("prune_%d", c.ID)
	if t.lang == "go" {
		entry = fmt.Sprintf("%s.Prune_%d", RulesDir, c.ID)
	}
	if diffErr != nil {
		slog.Warn("synth: rule code generated without diff", "scan_id", c.ScanID, "candidate", c.ID, "file", c.File, "error", diffErr)
		p.Diff = ""
		p.Explanation = fmt.Sprintf("Rule code for the %s call at %s:%d was generated, but the call site could not be rewritten: %v.",
			c.Provider, c.File, c.LineStart, diffErr)
		p.ChangesSummary = "No changes; integrate " + rulePath + " by hand."
	} else {
		p.Explanation = fmt.Sprintf("Routes the %s call at %s:%d through a deterministic %s rule; the original call still runs whenever the rule output does not validate.",
			c.Provider, c.File, c.LineStart, intentName(spec.Intent))
		p.ChangesSummary = fmt.Sprintf("Adds %s and wraps the call at %s:%d with %s.", rulePath, c.File, c.LineStart, entry)
	}

	notes = append(notes, "Estimated from the solvability score and confidence; run a shadow run on recorded responses to measure it.")
	p.AccuracyNote = strings.Join(notes, " ")
	return p, provisional, nil
}

func languageOf(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".py":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx", ".mts", ".cts":
		return "typescript"
	case ".go":
		return "go"
	default:
		return ""
	}
}

// isCommonJS reports whether a JavaScript source uses require without ES imports.
func isCommonJS(src string) bool {
	if !strings.Contains(src, "require(") {
		return false
	}
	for _, l := range strings.Split(src, "\n") {
		if strings.HasPrefix(l, "import ") || strings.HasPrefix(l, "export ") {
			return false
		}
	}
	return true
}

func workspaceModule(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		return ""
	}
	return modfile.ModulePath(data)
}

func intentName(i models.Intent) string {
	switch i {
	case models.IntentYesNo:
		return "yes/no"
	case models.IntentExtraction:
		return "field extraction"
	case models.IntentLabelMatch:
		return "label matching"
	default:
		return string(i)
	}
}

func testsToAdd(t target, c *models.Candidate, spec rules.Spec) string {
	fn := fmt.Sprintf("prune_%d", c.ID)
	if t.lang == "go" {
		fn = fmt.Sprintf("Prune_%d", c.ID)
	}
	var cases []string
	switch spec.Intent {
	case models.IntentYesNo:
		if len(spec.Positive) > 0 {
			cases = append(cases, fmt.Sprintf("an input containing %q yields YES", spec.Positive[0]))
		}
		if len(spec.Negative) > 0 {
			cases = append(cases, fmt.Sprintf("an input containing only %q yields NO", spec.Negative[0]))
		}
	case models.IntentExtraction:
		for _, f := range spec.Fields {
			cases = append(cases, fmt.Sprintf("the %s field is extracted when present", f.Name))
		}
	case models.IntentLabelMatch:
		for _, l := range spec.Labels {
			cases = append(cases, fmt.Sprintf("%q maps to %s", l, l))
		}
		if len(spec.Synonyms) > 0 {
			cases = append(cases, "each synonym maps to its label")
		}
	}
	cases = append(cases, "an input the rule cannot answer invokes the fallback exactly once")
	var b strings.Builder
	fmt.Fprintf(&b, "Add tests for %s in %s:\n", fn, t.rulePath(c.ID))
	for _, tc := range cases {
		fmt.Fprintf(&b, "- %s\n", tc)
	}
	return strings.TrimRight(b.String(), "\n")
}
