// Package rules holds the deterministic rule model shared by patch synthesis
// and shadow runs: a Spec describes one rule, the engine evaluates it, and the
// Registry supplies the keyword tables a Spec is derived from.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/CosmoTheDev/ctrlprune/models"
)

// DefaultMinRatio is the lowest similarity accepted by fuzzy label matching.
const DefaultMinRatio = 0.6

var (
	// ErrNoMatch means the rule could not produce an answer for the input.
	ErrNoMatch = errors.New("rule produced no match")
	// ErrUnsupported means the intent has no deterministic rule.
	ErrUnsupported = errors.New("intent has no deterministic rule")
)

// Field is one named extraction pattern; the first capture group is the value.
type Field struct {
	Name    string `json:"name"    yaml:"name"`
	Pattern string `json:"pattern" yaml:"pattern"`
}

// Spec fully describes a deterministic rule. The same Spec renders rule_code
// and drives shadow evaluation, so both always agree.
type Spec struct {
	Intent   models.Intent     `json:"intent"`
	Labels   []string          `json:"labels,omitempty"`
	Synonyms map[string]string `json:"synonyms,omitempty"`
	Positive []string          `json:"positive,omitempty"`
	Negative []string          `json:"negative,omitempty"`
	Fields   []Field           `json:"fields,omitempty"`
	MinRatio float64           `json:"min_ratio,omitempty"`
}

// Supported reports whether the engine can evaluate the spec.
func (s Spec) Supported() bool {
	switch s.Intent {
	case models.IntentYesNo:
		return len(s.Positive) > 0 || len(s.Negative) > 0
	case models.IntentExtraction:
		return len(s.Fields) > 0
	case models.IntentLabelMatch:
		return len(s.Labels) > 0
	default:
		return false
	}
}

// Check returns a descriptive error when the spec is structurally unusable,
// for example an AI-drafted spec with an unknown intent or broken pattern.
func (s Spec) Check() error {
	if !s.Intent.Closed() {
		return fmt.Errorf("intent %q is not rule-solvable", s.Intent)
	}
	if !s.Supported() {
		return fmt.Errorf("spec for %s has no usable entries", s.Intent)
	}
	for _, f := range s.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("extraction field with empty name")
		}
		if _, err := compile(f.Pattern); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	for from, to := range s.Synonyms {
		if !slices.Contains(s.Labels, to) {
			return fmt.Errorf("synonym %q maps to unknown label %q", from, to)
		}
	}
	return nil
}

// Normalize sorts and dedupes list entries so equal specs serialize equally.
func (s Spec) Normalize() Spec {
	out := s
	out.Labels = dedupe(s.Labels, false)
	out.Positive = dedupe(s.Positive, true)
	out.Negative = dedupe(s.Negative, true)
	if len(s.Synonyms) > 0 {
		out.Synonyms = make(map[string]string, len(s.Synonyms))
		for k, v := range s.Synonyms {
			out.Synonyms[strings.ToLower(strings.TrimSpace(k))] = v
		}
	}
	out.Fields = slices.Clone(s.Fields)
	if out.MinRatio <= 0 && s.Intent == models.IntentLabelMatch {
		out.MinRatio = DefaultMinRatio
	}
	return out
}

// Marshal returns the canonical JSON form of the spec.
func (s Spec) Marshal() string {
	b, _ := json.Marshal(s.Normalize())
	return string(b)
}

// ParseSpec decodes a JSON spec and checks it.
func ParseSpec(data string) (Spec, error) {
	var s Spec
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Spec{}, fmt.Errorf("decoding rule spec: %w", err)
	}
	s = s.Normalize()
	if err := s.Check(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

func dedupe(in []string, lower bool) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if lower {
		slices.Sort(out)
	}
	return out
}
