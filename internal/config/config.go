package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".ctrlprune"
	DefaultConfigFile = "config.json"
	DefaultDBFile     = ".ctrlprune/ctrlprune.db"
	DefaultWorkspace  = ".ctrlprune/workspaces"
	DefaultRulesDir   = ".ctrlprune/rules"
	DefaultAuthToken  = "local-dev"
	EnvPrefix         = "CTRLPRUNE"
)

// Load reads the config file (falling back to defaults if absent) and returns
// a populated Config. The configPath flag may override the default location.
// A .env file in the working directory is loaded first so provider keys can be
// supplied without touching the config file.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file exists but is malformed.
			if !isNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	if configPath == "" {
		p, err := ConfigPath("")
		if err != nil {
			return err
		}
		configPath = p
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// Redacted returns a copy of cfg with secrets masked, for display.
func Redacted(cfg *Config) Config {
	out := *cfg
	mask := func(s, shown string) string {
		if s == "" {
			return ""
		}
		return shown
	}
	out.AI.OpenAIKey = mask(cfg.AI.OpenAIKey, "sk-***")
	out.AI.AnthropicKey = mask(cfg.AI.AnthropicKey, "sk-ant-***")
	out.AI.GeminiKey = mask(cfg.AI.GeminiKey, "***")
	out.Ingest.GitToken = mask(cfg.Ingest.GitToken, "***")
	out.Notify.Slack.WebhookURL = mask(cfg.Notify.Slack.WebhookURL, "https://hooks.slack.com/***")
	out.Notify.Webhook.Secret = mask(cfg.Notify.Webhook.Secret, "***")
	if cfg.Server.AuthToken != DefaultAuthToken {
		out.Server.AuthToken = mask(cfg.Server.AuthToken, "***")
	}
	return out
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("ai.provider", "none")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.ollama_url", "http://localhost:11434")
	v.SetDefault("ai.max_attempts", 3)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.auth_token", DefaultAuthToken)
	v.SetDefault("server.log_dir", "logs")

	v.SetDefault("ingest.workspace_dir", filepath.Join(home, DefaultWorkspace))
	v.SetDefault("ingest.clone_timeout", "2m")
	v.SetDefault("ingest.clone_attempts", 3)
	v.SetDefault("ingest.max_archive_mb", 50)
	v.SetDefault("ingest.max_extracted_mb", 200)
	v.SetDefault("ingest.max_file_kb", 512)
	v.SetDefault("ingest.extensions", []string{".py", ".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx", ".go"})
	v.SetDefault("ingest.skip_dirs", []string{".git", "node_modules", "vendor", "dist", "build", "__pycache__", ".venv", "venv", ".ctrlprune"})

	v.SetDefault("detector.context_lines", 2)
	v.SetDefault("detector.max_snippet_chars", 800)
	v.SetDefault("detector.max_prompt_chars", 1000)

	v.SetDefault("scoring.solvable_threshold", 0.8)
	v.SetDefault("scoring.medium_threshold", 0.55)
	v.SetDefault("scoring.confidence_threshold", 0.8)
	v.SetDefault("scoring.baseline_calls", 200)
	v.SetDefault("scoring.baseline_latency_ms", 450)

	v.SetDefault("synth.mode", "rule-derived")
	v.SetDefault("synth.rules_dir", filepath.Join(home, DefaultRulesDir))
	v.SetDefault("synth.cache_size", 512)

	v.SetDefault("shadow.max_cases", 50)
	v.SetDefault("shadow.recordings_dir", ".ctrlprune/recordings")

	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.file_workers", 8)
	v.SetDefault("pipeline.retention", "168h")
	v.SetDefault("pipeline.janitor_schedule", "@every 1h")
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Ingest.WorkspaceDir = expandHome(cfg.Ingest.WorkspaceDir, home)
	cfg.Synth.RulesDir = expandHome(cfg.Synth.RulesDir, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
