package models

// RiskLevel is the safety tier gating how confidently a patch can be applied.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Weight returns a numeric weight for sorting (higher = riskier).
func (r RiskLevel) Weight() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

func (r RiskLevel) String() string {
	return string(r)
}

// AtLeast returns the riskier of r and floor.
func (r RiskLevel) AtLeast(floor RiskLevel) RiskLevel {
	if floor.Weight() > r.Weight() {
		return floor
	}
	return r
}

// Intent is the inferred purpose of an AI call site.
type Intent string

const (
	IntentYesNo         Intent = "yes_no_classification"
	IntentExtraction    Intent = "structured_extraction"
	IntentLabelMatch    Intent = "small_domain_label_matching"
	IntentSummarization Intent = "long_form_summarization"
	IntentGeneric       Intent = "generic_generation"
)

// Closed reports whether the intent has a small, enumerable output space.
func (i Intent) Closed() bool {
	switch i {
	case IntentYesNo, IntentExtraction, IntentLabelMatch:
		return true
	default:
		return false
	}
}
