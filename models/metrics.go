package models

// Metrics aggregates savings projections across all stored scans.
type Metrics struct {
	TotalScans              int     `json:"total_scans"`
	TotalCandidates         int     `json:"total_candidates"`
	EstimatedAPICallsSaved  int     `json:"estimated_api_calls_saved"`
	AvgRuleSolvabilityScore float64 `json:"avg_rule_solvability_score"`
	AvgLatencyImprovementMs float64 `json:"avg_latency_improvement_ms"`
	ShadowRuns              int     `json:"shadow_runs"`
	AvgMatchRate            float64 `json:"avg_match_rate"`
}
