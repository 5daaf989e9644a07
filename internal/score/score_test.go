package score

import (
	"errors"
	"testing"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"github.com/CosmoTheDev/ctrlprune/models"
	"github.com/google/go-cmp/cmp"
)

func TestRiskIsMonotone(t *testing.T) {
	s := New(config.ScoringConfig{})
	steps := []float64{0, 0.2, 0.5, 0.55, 0.6, 0.79, 0.8, 0.9, 0.99}
	for _, conf := range steps {
		for i := 1; i < len(steps); i++ {
			lo, hi := s.Risk(steps[i-1], conf), s.Risk(steps[i], conf)
			if hi.Weight() > lo.Weight() {
				t.Fatalf("raising score %v->%v at confidence %v raised risk %s->%s", steps[i-1], steps[i], conf, lo, hi)
			}
		}
	}
	for _, score := range steps {
		for i := 1; i < len(steps); i++ {
			lo, hi := s.Risk(score, steps[i-1]), s.Risk(score, steps[i])
			if hi.Weight() > lo.Weight() {
				t.Fatalf("raising confidence at score %v raised risk %s->%s", score, lo, hi)
			}
		}
	}
}

func TestLowConfidenceForcesAtLeastMedium(t *testing.T) {
	s := New(config.ScoringConfig{})
	if got := s.Risk(0.99, 0.5); got == models.RiskLow {
		t.Fatalf("risk = %s, want at least medium", got)
	}
	if got := s.Risk(0.3, 0.99); got != models.RiskHigh {
		t.Fatalf("risk = %s, want high", got)
	}
}

func TestScoreLabelMatchingWithClosedSet(t *testing.T) {
	c := &models.Candidate{
		ID:          1,
		Prompt:      "Map the user's department to the closest label (billing, support, sales).",
		CallSnippet: `resp = client.chat.completions.create(model="gpt-4o", messages=msgs)`,
	}
	if err := New(config.ScoringConfig{}).Score(c); err != nil {
		t.Fatalf("Score: %v", err)
	}
	if c.InferredIntent != models.IntentLabelMatch {
		t.Fatalf("intent = %s", c.InferredIntent)
	}
	if c.RuleSolvabilityScore <= 0.8 {
		t.Fatalf("score = %v, want > 0.8", c.RuleSolvabilityScore)
	}
	if c.RiskLevel != models.RiskLow {
		t.Fatalf("risk = %s, want low", c.RiskLevel)
	}
	if c.EstimatedAPICallsSaved != 168 || c.LatencyImprovementMs != 378 {
		t.Fatalf("projections = %d calls, %d ms", c.EstimatedAPICallsSaved, c.LatencyImprovementMs)
	}
	if c.FallbackBehavior != fallbackRule {
		t.Fatalf("fallback = %q", c.FallbackBehavior)
	}
}

func TestScoreYesNo(t *testing.T) {
	c := &models.Candidate{Prompt: "Is this refund request valid? Respond with only YES or NO."}
	_ = New(config.ScoringConfig{}).Score(c)
	if c.InferredIntent != models.IntentYesNo {
		t.Fatalf("intent = %s", c.InferredIntent)
	}
	if c.RuleSolvabilityScore != 0.96 || c.Confidence != 0.94 || c.RiskLevel != models.RiskLow {
		t.Fatalf("got score=%v conf=%v risk=%s", c.RuleSolvabilityScore, c.Confidence, c.RiskLevel)
	}
}

func TestScoreSummarizationIsHighRisk(t *testing.T) {
	c := &models.Candidate{Prompt: "Summarize this support thread for the weekly report."}
	_ = New(config.ScoringConfig{}).Score(c)
	if c.InferredIntent != models.IntentSummarization || c.RiskLevel != models.RiskHigh {
		t.Fatalf("intent=%s risk=%s", c.InferredIntent, c.RiskLevel)
	}
	if c.FallbackBehavior != fallbackKeep {
		t.Fatalf("fallback = %q", c.FallbackBehavior)
	}
}

func TestGenericPromptWithOneOfBecomesLabelMatching(t *testing.T) {
	cls := Classify("Reply with one of: red, amber, green", "")
	if cls.Intent != models.IntentLabelMatch {
		t.Fatalf("intent = %s", cls.Intent)
	}
	if diff := cmp.Diff([]string{"red", "amber", "green"}, cls.Labels); diff != "" {
		t.Fatalf("labels (-want +got):\n%s", diff)
	}
}

func TestClosedLabelsRejectsCodeAndLongLists(t *testing.T) {
	cases := []string{
		"call f(model=x, messages=y)",
		"one of: a, b, c, d, e, f, g, h, i",
		"(just one)",
	}
	for _, in := range cases {
		if got := ClosedLabels(in); got != nil {
			t.Fatalf("ClosedLabels(%q) = %v, want nil", in, got)
		}
	}
}

func TestDegradeResetsScores(t *testing.T) {
	d := &models.Candidate{ID: 7, RuleSolvabilityScore: 0.9, Confidence: 0.9, RiskLevel: models.RiskLow, EstimatedAPICallsSaved: 180}
	New(config.ScoringConfig{}).degrade(d, errors.New("boom"))
	if d.RiskLevel != models.RiskHigh || d.RuleSolvabilityScore != 0 || d.Confidence != 0 || d.EstimatedAPICallsSaved != 0 {
		t.Fatalf("degraded candidate = %+v", d)
	}
	if d.FallbackBehavior != fallbackKeep {
		t.Fatalf("fallback = %q", d.FallbackBehavior)
	}
}
