// Package score classifies the intent of a detected AI call and estimates how
// safely a deterministic rule could replace it.
package score

import (
	"regexp"
	"strings"

	"github.com/CosmoTheDev/ctrlprune/models"
)

var (
	yesNoRe     = regexp.MustCompile(`(?i)respond\s+with\s+only\s+yes\s+or\s+no|\byes\s+or\s+no\b|\btrue\s+or\s+false\b`)
	structureRe = regexp.MustCompile(`(?i)json|extract|fields|schema`)
	labelRe     = regexp.MustCompile(`(?i)synonym|closest|label|match|classif|categor`)
	summaryRe   = regexp.MustCompile(`(?i)summari[sz]e|long-form|essay`)

	oneOfRe  = regexp.MustCompile(`(?i)\bone\s+of\s*[:\-]?\s*\[?([^\n\].;]+)`)
	parenRe  = regexp.MustCompile(`[(\[]([^()\[\]\n]+)[)\]]`)
	splitRe  = regexp.MustCompile(`\s*(?:,|\||/|\bor\b)\s*`)
	labelTok = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 _-]{0,29}$`)
)

type intentRule struct {
	intent     models.Intent
	re         *regexp.Regexp
	base       float64
	confidence float64
	why        string
}

// First match wins.
var intentRules = []intentRule{
	{models.IntentYesNo, yesNoRe, 0.93, 0.94,
		"Binary constrained output with explicit YES/NO instructions is highly deterministic."},
	{models.IntentExtraction, structureRe, 0.86, 0.90,
		"Extraction against predictable fields can be replaced by regex and parsing rules."},
	{models.IntentLabelMatch, labelRe, 0.72, 0.82,
		"Small-domain matching is replaceable with curated synonym tables and fuzzy matching."},
	{models.IntentSummarization, summaryRe, 0.18, 0.30,
		"Long-form summarization remains low-determinism and should stay model-backed."},
}

var genericRule = intentRule{models.IntentGeneric, nil, 0.25, 0.45,
	"Prompt is open-ended and likely requires model generalization."}

// Classification is the intent inferred for one call site.
type Classification struct {
	Intent     models.Intent
	Confidence float64
	// Labels is the closed label set stated in the prompt, if any.
	Labels []string

	base float64
	why  string
}

// Classify infers the intent of a call from its prompt text and snippet.
func Classify(prompt, snippet string) Classification {
	text := prompt + "\n" + snippet
	rule := genericRule
	for _, r := range intentRules {
		if r.re.MatchString(text) {
			rule = r
			break
		}
	}
	c := Classification{Intent: rule.intent, Confidence: rule.confidence, base: rule.base, why: rule.why}

	labels := ClosedLabels(prompt)
	if len(labels) > 0 && rule.intent == models.IntentGeneric {
		// "Pick one of: a, b, c" with no other cue is still label matching.
		for _, r := range intentRules {
			if r.intent == models.IntentLabelMatch {
				c = Classification{Intent: r.intent, Confidence: r.confidence, base: r.base, why: r.why}
			}
		}
	}
	if c.Intent == models.IntentLabelMatch {
		c.Labels = labels
	}
	return c
}

// ClosedLabels returns the explicit label set of 2 to 8 entries stated in
// prompt, either as "one of: a, b, c" or as a parenthesised list.
func ClosedLabels(prompt string) []string {
	var groups []string
	for _, m := range oneOfRe.FindAllStringSubmatch(prompt, -1) {
		groups = append(groups, m[1])
	}
	for _, m := range parenRe.FindAllStringSubmatch(prompt, -1) {
		groups = append(groups, m[1])
	}
	for _, g := range groups {
		if labels := splitLabels(g); labels != nil {
			return labels
		}
	}
	return nil
}

func splitLabels(group string) []string {
	parts := splitRe.Split(strings.TrimSpace(group), -1)
	seen := make(map[string]bool, len(parts))
	var out []string
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"'`+"`")
		if p == "" {
			continue
		}
		if !labelTok.MatchString(p) || strings.Count(p, " ") > 2 {
			return nil
		}
		k := strings.ToLower(p)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	if len(out) < 2 || len(out) > 8 {
		return nil
	}
	return out
}
