package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "missing.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.AuthToken != DefaultAuthToken {
		t.Fatalf("auth token = %q, want %q", cfg.Server.AuthToken, DefaultAuthToken)
	}
	if cfg.Ingest.MaxArchiveMB != 50 {
		t.Fatalf("max archive = %d, want 50", cfg.Ingest.MaxArchiveMB)
	}
	if cfg.Ingest.CloneTimeout != 2*time.Minute {
		t.Fatalf("clone timeout = %s", cfg.Ingest.CloneTimeout)
	}
	if cfg.Scoring.SolvableThreshold != 0.8 || cfg.Scoring.MediumThreshold != 0.55 {
		t.Fatalf("unexpected scoring thresholds: %+v", cfg.Scoring)
	}
	if cfg.Synth.Mode != "rule-derived" {
		t.Fatalf("synth mode = %q", cfg.Synth.Mode)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":9001},"shadow":{"max_cases":5}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CTRLPRUNE_SERVER_AUTH_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9001 || cfg.Shadow.MaxCases != 5 {
		t.Fatalf("file values not applied: %+v %+v", cfg.Server, cfg.Shadow)
	}
	if cfg.Server.AuthToken != "from-env" {
		t.Fatalf("env override not applied: %q", cfg.Server.AuthToken)
	}
}

func TestSaveRoundTripRedactsOnlyForDisplay(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := &Config{AI: AIConfig{Provider: "openai", OpenAIKey: "sk-live-1234567890"}}
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.AI.OpenAIKey != "sk-live-1234567890" {
		t.Fatalf("key not persisted: %q", loaded.AI.OpenAIKey)
	}
	if got := Redacted(loaded).AI.OpenAIKey; got != "sk-***" {
		t.Fatalf("redacted key = %q", got)
	}
}
