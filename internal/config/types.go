package config

import "time"

// Config is the root configuration structure for ctrlprune.
// Serialised to ~/.ctrlprune/config.json.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	AI       AIConfig       `mapstructure:"ai"       json:"ai"`
	Server   ServerConfig   `mapstructure:"server"   json:"server"`
	Ingest   IngestConfig   `mapstructure:"ingest"   json:"ingest"`
	Detector DetectorConfig `mapstructure:"detector" json:"detector"`
	Scoring  ScoringConfig  `mapstructure:"scoring"  json:"scoring"`
	Synth    SynthConfig    `mapstructure:"synth"    json:"synth"`
	Shadow   ShadowConfig   `mapstructure:"shadow"   json:"shadow"`
	Pipeline PipelineConfig `mapstructure:"pipeline" json:"pipeline"`
	Notify   NotifyConfig   `mapstructure:"notify"   json:"notify"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default), "mysql" or "postgres".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL or PostgreSQL data source name.
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// AIConfig controls the provider used by ai-assisted synthesis.
type AIConfig struct {
	// Provider is "openai", "anthropic", "gemini", "ollama" or "none".
	Provider     string `mapstructure:"provider"          json:"provider"`
	OpenAIKey    string `mapstructure:"openai_api_key"    json:"openai_api_key"`
	AnthropicKey string `mapstructure:"anthropic_api_key" json:"anthropic_api_key"`
	GeminiKey    string `mapstructure:"gemini_api_key"    json:"gemini_api_key"`
	Model        string `mapstructure:"model"             json:"model"`
	// BaseURL overrides the OpenAI endpoint (useful for proxies or compatible servers).
	BaseURL   string `mapstructure:"base_url"   json:"base_url"`
	OllamaURL string `mapstructure:"ollama_url" json:"ollama_url"`
	// Fallback lists providers tried in order when the primary fails.
	Fallback []string `mapstructure:"fallback" json:"fallback"`
	// MaxAttempts bounds retries of transient provider failures.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts"`
}

// ServerConfig controls the local HTTP API.
type ServerConfig struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
	// AuthToken must be sent as X-Local-Auth on every /api call.
	AuthToken string `mapstructure:"auth_token" json:"auth_token"`
	LogDir    string `mapstructure:"log_dir"    json:"log_dir"`
}

// IngestConfig bounds how scan targets are materialized.
type IngestConfig struct {
	// WorkspaceDir holds scan-owned clones, extracted uploads and staged archives.
	WorkspaceDir  string        `mapstructure:"workspace_dir"  json:"workspace_dir"`
	CloneTimeout  time.Duration `mapstructure:"clone_timeout"  json:"clone_timeout"`
	CloneAttempts int           `mapstructure:"clone_attempts" json:"clone_attempts"`
	GitToken      string        `mapstructure:"git_token"      json:"git_token"`
	MaxArchiveMB  int64         `mapstructure:"max_archive_mb" json:"max_archive_mb"`
	// MaxExtractedMB bounds the uncompressed size of an uploaded archive and
	// the on-disk size of a cloned repository.
	MaxExtractedMB int64    `mapstructure:"max_extracted_mb" json:"max_extracted_mb"`
	MaxFileKB      int64    `mapstructure:"max_file_kb"      json:"max_file_kb"`
	Extensions     []string `mapstructure:"extensions"       json:"extensions"`
	SkipDirs       []string `mapstructure:"skip_dirs"        json:"skip_dirs"`
}

// DetectorConfig tunes call-site detection.
type DetectorConfig struct {
	ContextLines    int `mapstructure:"context_lines"     json:"context_lines"`
	MaxSnippetChars int `mapstructure:"max_snippet_chars" json:"max_snippet_chars"`
	MaxPromptChars  int `mapstructure:"max_prompt_chars"  json:"max_prompt_chars"`
	// Patterns adds callee patterns on top of the built-in provider set.
	Patterns []CalleePattern `mapstructure:"patterns" json:"patterns"`
}

// CalleePattern maps a callee regular expression to a provider tag.
type CalleePattern struct {
	Provider string `mapstructure:"provider" json:"provider"`
	Regex    string `mapstructure:"regex"    json:"regex"`
}

// ScoringConfig holds the thresholds of the risk derivation.
type ScoringConfig struct {
	SolvableThreshold   float64 `mapstructure:"solvable_threshold"   json:"solvable_threshold"`
	MediumThreshold     float64 `mapstructure:"medium_threshold"     json:"medium_threshold"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" json:"confidence_threshold"`
	BaselineCalls       int     `mapstructure:"baseline_calls"       json:"baseline_calls"`
	BaselineLatencyMs   int     `mapstructure:"baseline_latency_ms"  json:"baseline_latency_ms"`
}

// SynthConfig controls patch synthesis.
type SynthConfig struct {
	// Mode is "rule-derived" (default) or "ai-assisted".
	Mode string `mapstructure:"mode" json:"mode"`
	// RulesDir holds YAML overlays for the built-in rule registry; watched for changes.
	RulesDir  string `mapstructure:"rules_dir"  json:"rules_dir"`
	CacheSize int    `mapstructure:"cache_size" json:"cache_size"`
}

// ShadowConfig bounds shadow runs.
type ShadowConfig struct {
	MaxCases      int    `mapstructure:"max_cases"      json:"max_cases"`
	RecordingsDir string `mapstructure:"recordings_dir" json:"recordings_dir"`
}

// PipelineConfig controls the scan worker pool and retention.
type PipelineConfig struct {
	Workers     int `mapstructure:"workers"      json:"workers"`
	FileWorkers int `mapstructure:"file_workers" json:"file_workers"`
	// Retention is how long finished scans are kept; zero disables the janitor.
	Retention       time.Duration `mapstructure:"retention"        json:"retention"`
	JanitorSchedule string        `mapstructure:"janitor_schedule" json:"janitor_schedule"`
}

// NotifyConfig controls out-of-band scan lifecycle notices.
type NotifyConfig struct {
	// Events lists the event types to deliver; empty means
	// scan.completed, scan.failed and patch.applied.
	Events  []string            `mapstructure:"events"  json:"events"`
	Slack   SlackNotifyConfig   `mapstructure:"slack"   json:"slack"`
	Webhook WebhookNotifyConfig `mapstructure:"webhook" json:"webhook"`
}

// SlackNotifyConfig holds a Slack incoming webhook.
type SlackNotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url" json:"webhook_url"`
}

// WebhookNotifyConfig holds a generic JSON webhook. When Secret is set the
// body is signed with HMAC-SHA256.
type WebhookNotifyConfig struct {
	URL    string `mapstructure:"url"    json:"url"`
	Secret string `mapstructure:"secret" json:"secret"`
}
