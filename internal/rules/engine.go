package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/CosmoTheDev/ctrlprune/models"
	"github.com/pmezard/go-difflib/difflib"
)

// Evaluate runs the rule described by spec against input and returns the
// serialized answer: "YES"/"NO", a label, or a JSON object of extracted fields.
func Evaluate(spec Spec, input string) (string, error) {
	switch spec.Intent {
	case models.IntentYesNo:
		return yesNo(spec, input)
	case models.IntentExtraction:
		out, err := extract(spec, input)
		if err != nil {
			return "", err
		}
		b, _ := json.Marshal(out)
		return string(b), nil
	case models.IntentLabelMatch:
		return matchLabel(spec, input)
	default:
		return "", ErrUnsupported
	}
}

// Valid reports whether output has the shape the spec promises. Generated rule
// code applies the same check before trusting its own answer.
func Valid(spec Spec, output string) bool {
	switch spec.Intent {
	case models.IntentYesNo:
		return output == "YES" || output == "NO"
	case models.IntentLabelMatch:
		for _, l := range spec.Labels {
			if l == output {
				return true
			}
		}
		return false
	case models.IntentExtraction:
		var obj map[string]string
		if err := json.Unmarshal([]byte(output), &obj); err != nil {
			return false
		}
		for _, f := range spec.Fields {
			if _, ok := obj[f.Name]; ok {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// yesNo answers by keyword majority. A tie, including no keyword at all, has
// no answer.
func yesNo(spec Spec, input string) (string, error) {
	words := wordSet(input)
	pos, neg := 0, 0
	for _, k := range spec.Positive {
		if containsTerm(words, input, k) {
			pos++
		}
	}
	for _, k := range spec.Negative {
		if containsTerm(words, input, k) {
			neg++
		}
	}
	switch {
	case pos > neg:
		return "YES", nil
	case neg > pos:
		return "NO", nil
	default:
		return "", ErrNoMatch
	}
}

func extract(spec Spec, input string) (map[string]string, error) {
	out := make(map[string]string)
	for _, f := range spec.Fields {
		re, err := compile(f.Pattern)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		m := re.FindStringSubmatch(input)
		if len(m) < 2 {
			continue
		}
		if v := strings.TrimSpace(m[1]); v != "" {
			out[f.Name] = v
		}
	}
	if len(out) == 0 {
		return nil, ErrNoMatch
	}
	return out, nil
}

func matchLabel(spec Spec, input string) (string, error) {
	q := strings.ToLower(strings.TrimSpace(input))
	if q == "" {
		return "", ErrNoMatch
	}
	if to, ok := spec.Synonyms[q]; ok {
		return to, nil
	}
	for _, l := range spec.Labels {
		if strings.EqualFold(l, q) {
			return l, nil
		}
	}

	// Whole-word mentions inside longer text.
	words := wordSet(q)
	for _, l := range spec.Labels {
		if containsTerm(words, q, strings.ToLower(l)) {
			return l, nil
		}
	}
	for from, to := range spec.Synonyms {
		if containsTerm(words, q, from) {
			return to, nil
		}
	}

	minRatio := spec.MinRatio
	if minRatio <= 0 {
		minRatio = DefaultMinRatio
	}
	best, score := "", 0.0
	for _, l := range spec.Labels {
		if r := Ratio(q, strings.ToLower(l)); r > score {
			best, score = l, r
		}
	}
	if score < minRatio {
		return "", ErrNoMatch
	}
	return best, nil
}

// Ratio is the SequenceMatcher similarity of two strings, compared rune by rune.
func Ratio(a, b string) float64 {
	m := difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, ""))
	return m.Ratio()
}

var (
	wordRe   = regexp.MustCompile(`[a-z0-9_']+`)
	reCache  sync.Map // pattern -> *regexp.Regexp
	errEmpty = fmt.Errorf("empty pattern")
)

func compile(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errEmpty
	}
	if re, ok := reCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	reCache.Store(pattern, re)
	return re, nil
}

func wordSet(s string) map[string]bool {
	words := wordRe.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// containsTerm matches single words against the word set and phrases as
// lower-cased substrings.
func containsTerm(words map[string]bool, text, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return false
	}
	if strings.ContainsAny(term, " -") {
		return strings.Contains(strings.ToLower(text), term)
	}
	return words[term]
}
