package score

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/models"
)

const (
	fallbackRule = "If deterministic rule fails validation, fall back to original AI call path."
	fallbackKeep = "Keep AI call as primary path; no automatic replacement suggested."
)

// Scorer annotates candidates with intent, solvability, confidence, risk and
// savings projections.
type Scorer struct {
	solvable   float64
	medium     float64
	confidence float64
	calls      int
	latencyMs  int
}

// New returns a Scorer using cfg's thresholds, defaulting unset values.
func New(cfg config.ScoringConfig) *Scorer {
	s := &Scorer{
		solvable:   cfg.SolvableThreshold,
		medium:     cfg.MediumThreshold,
		confidence: cfg.ConfidenceThreshold,
		calls:      cfg.BaselineCalls,
		latencyMs:  cfg.BaselineLatencyMs,
	}
	if s.solvable <= 0 {
		s.solvable = 0.8
	}
	if s.medium <= 0 {
		s.medium = 0.55
	}
	if s.confidence <= 0 {
		s.confidence = 0.8
	}
	if s.calls <= 0 {
		s.calls = 200
	}
	if s.latencyMs <= 0 {
		s.latencyMs = 450
	}
	return s
}

// Risk derives the risk tier. It is monotone: raising score or confidence
// never raises the risk.
func (s *Scorer) Risk(score, confidence float64) models.RiskLevel {
	switch {
	case score < s.medium:
		return models.RiskHigh
	case score >= s.solvable && confidence >= s.confidence:
		return models.RiskLow
	default:
		return models.RiskMedium
	}
}

// Score fills the scoring fields of c from its prompt and snippet. A failure
// degrades c to high risk with zero scores and is returned for logging.
func (s *Scorer) Score(c *models.Candidate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scoring candidate %d: %v", c.ID, r)
		}
		if err != nil {
			s.degrade(c, err)
		}
	}()

	cls := Classify(c.Prompt, c.CallSnippet)
	lower := strings.ToLower(c.Prompt)

	score := cls.base
	conf := cls.Confidence
	var bonuses []string
	if strings.Contains(lower, "json") {
		score += 0.04
		bonuses = append(bonuses, "prompt requests JSON")
	}
	if strings.Contains(lower, "only") && (strings.Contains(lower, "yes") || strings.Contains(lower, "enum")) {
		score += 0.03
		bonuses = append(bonuses, "output restricted by 'only'")
	}
	if len(cls.Labels) > 0 {
		score += 0.12
		conf += 0.06
		bonuses = append(bonuses, fmt.Sprintf("closed label set of %d", len(cls.Labels)))
	}
	score = round4(clamp(score, 0, 0.99))
	conf = round4(clamp(conf, 0, 1))

	c.InferredIntent = cls.Intent
	c.RuleSolvabilityScore = score
	c.Confidence = conf
	c.RiskLevel = s.Risk(score, conf)
	c.EstimatedAPICallsSaved = int(math.Floor(float64(s.calls) * score))
	c.LatencyImprovementMs = int(math.Floor(float64(s.latencyMs) * score))
	c.Explanation = cls.why
	if len(bonuses) > 0 {
		c.Explanation += " Adjusted: " + strings.Join(bonuses, "; ") + "."
	}
	if score >= s.medium {
		c.FallbackBehavior = fallbackRule
	} else {
		c.FallbackBehavior = fallbackKeep
	}
	return nil
}

func (s *Scorer) degrade(c *models.Candidate, err error) {
	slog.Warn("score: candidate degraded to high risk", "candidate", c.ID, "file", c.File, "error", err)
	if c.InferredIntent == "" {
		c.InferredIntent = models.IntentGeneric
	}
	c.RuleSolvabilityScore = 0
	c.Confidence = 0
	c.RiskLevel = models.RiskHigh
	c.EstimatedAPICallsSaved = 0
	c.LatencyImprovementMs = 0
	c.Explanation = "Scoring failed: " + err.Error()
	c.FallbackBehavior = fallbackKeep
}

// ClosedSetLabels exposes the prompt's label set to synthesis.
func ClosedSetLabels(c *models.Candidate) []string {
	if c.InferredIntent != models.IntentLabelMatch {
		return nil
	}
	return ClosedLabels(c.Prompt)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
