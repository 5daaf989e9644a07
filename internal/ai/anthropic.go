package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
)

const (
	anthropicBaseURL       = "https://api.anthropic.com/v1"
	anthropicVersionHeader = "2023-06-01"
	anthropicDefaultModel  = "claude-haiku-4-5"
)

// AnthropicProvider implements Provider using the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey       string
	model        string
	baseURL      string
	client       *http.Client
	maxAttempts  int
	debug        bool
	debugPrompts bool
}

// NewAnthropic creates an AnthropicProvider from cfg.
func NewAnthropic(cfg config.AIConfig) *AnthropicProvider {
	model := cfg.Model
	if model == "" {
		model = anthropicDefaultModel
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	debug, prompts := parseAIDebugEnv()
	return &AnthropicProvider{
		apiKey:       cfg.AnthropicKey,
		model:        model,
		baseURL:      anthropicBaseURL,
		client:       &http.Client{Timeout: 90 * time.Second},
		maxAttempts:  attempts,
		debug:        debug,
		debugPrompts: prompts,
	}
}

func (c *AnthropicProvider) Name() string { return "anthropic" }

func (c *AnthropicProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersionHeader)

	resp, err := c.client.Do(req) // #nosec G107 -- URL is a package constant
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	system := req.System
	if req.JSON {
		system = strings.TrimSpace(system + "\nRespond with a single JSON object and nothing else.")
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling Anthropic request: %w", err)
	}
	if c.debug {
		slog.Debug("Anthropic request", "model", c.model, "prompt_chars", len(req.Prompt), "request_bytes", len(body))
	}
	if c.debugPrompts {
		slog.Debug("Anthropic prompt", "prompt", req.Prompt)
	}

	raw, err := postJSON(ctx, c.client, "anthropic", c.baseURL+"/messages", map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersionHeader,
	}, body, c.maxAttempts)
	if err != nil {
		return nil, err
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing Anthropic API response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("Anthropic error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Content) == 0 {
		return nil, fmt.Errorf("Anthropic returned no content")
	}
	return &Response{
		Text:     strings.TrimSpace(apiResp.Content[0].Text),
		Provider: c.Name(),
		Model:    c.model,
		Latency:  time.Since(start),
	}, nil
}
