package ai

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
)

// Provider abstracts calls to a language model. The synthesizer depends only
// on this interface, never on a concrete vendor.
// To add a new provider:
//  1. Create a file in internal/ai/ (e.g. mymodel.go)
//  2. Implement Provider
//  3. Register in newSingle()
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "gemini").
	Name() string

	// IsAvailable verifies the provider is reachable and configured.
	IsAvailable(ctx context.Context) bool

	// Invoke sends one prompt and returns the model's reply.
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Request is a single-turn model invocation.
type Request struct {
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	// JSON asks the provider for a JSON-only reply where supported.
	JSON bool `json:"json,omitempty"`
}

// Response is a model reply.
type Response struct {
	Text     string        `json:"text"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Latency  time.Duration `json:"latency"`
}

// Credentials are per-request overrides of the configured provider.
type Credentials struct {
	APIKey   string `json:"api_key,omitempty"`
	Provider string `json:"api_provider,omitempty"`
}

// New returns the configured Provider.
// If no provider or API key is set, it returns a NoopProvider; callers should
// check IsAvailable() before relying on AI-assisted features.
// If fallback providers are configured, returns a ChainProvider that tries
// them in order on failure with circuit breaker protection.
func New(cfg config.AIConfig) (Provider, error) {
	primary, err := newSingle(cfg.Provider, cfg)
	if err != nil {
		return nil, err
	}

	if len(cfg.Fallback) == 0 {
		return primary, nil
	}

	chain := []Provider{primary}
	for _, fallbackProvider := range cfg.Fallback {
		p, err := newSingle(fallbackProvider, cfg)
		if err != nil {
			slog.Warn("ai: failed to create fallback provider, skipping", "provider", fallbackProvider, "error", err)
			continue
		}
		chain = append(chain, p)
	}

	if len(chain) == 1 {
		return primary, nil
	}

	return NewChain(chain), nil
}

// Resolve picks the provider for one scan: a request override wins when its
// key looks real, otherwise the process-wide configuration is used.
func Resolve(cfg config.AIConfig, creds Credentials) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(creds.Provider))
	if name == "" || name == "none" || !LooksReal(creds.APIKey) {
		return New(cfg)
	}
	override := cfg
	override.Provider = name
	override.Fallback = nil
	switch name {
	case "openai":
		override.OpenAIKey = creds.APIKey
	case "anthropic":
		override.AnthropicKey = creds.APIKey
	case "gemini":
		override.GeminiKey = creds.APIKey
	}
	return newSingle(name, override)
}

// LooksReal reports whether key is plausibly a real credential rather than an
// empty value or a template placeholder.
func LooksReal(key string) bool {
	k := strings.TrimSpace(key)
	if len(k) <= 10 {
		return false
	}
	lk := strings.ToLower(k)
	for _, marker := range []string{"your", "placeholder", "changeme", "xxxx", "<", "..."} {
		if strings.Contains(lk, marker) {
			return false
		}
	}
	return true
}

func newSingle(provider string, cfg config.AIConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		if cfg.OpenAIKey == "" && cfg.BaseURL == "" {
			return &NoopProvider{}, nil
		}
		return NewOpenAI(cfg)
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return &NoopProvider{}, nil
		}
		return NewAnthropic(cfg), nil
	case "gemini":
		if cfg.GeminiKey == "" {
			return &NoopProvider{}, nil
		}
		return NewGemini(context.Background(), cfg)
	case "ollama":
		return NewOllama(cfg)
	case "", "none":
		return &NoopProvider{}, nil
	default:
		slog.Warn("ai: unknown provider, AI-assisted synthesis disabled", "provider", provider)
		return &NoopProvider{}, nil
	}
}
