package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// OpenAIProvider implements Provider using the OpenAI chat completions API.
// Any OpenAI-compatible server works when ai.base_url is set.
type OpenAIProvider struct {
	apiKey       string
	model        string
	baseURL      string
	client       *http.Client
	maxAttempts  int
	debug        bool
	debugPrompts bool
}

// NewOpenAI creates an OpenAIProvider from cfg.
func NewOpenAI(cfg config.AIConfig) (*OpenAIProvider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenAIBase
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid OpenAI base URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("invalid OpenAI base URL scheme %q", u.Scheme)
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	debug, prompts := parseAIDebugEnv()
	return &OpenAIProvider{
		apiKey:       cfg.OpenAIKey,
		model:        model,
		baseURL:      strings.TrimRight(base, "/"),
		client:       &http.Client{Timeout: 120 * time.Second},
		maxAttempts:  attempts,
		debug:        debug,
		debugPrompts: prompts,
	}, nil
}

func (o *OpenAIProvider) Name() string { return "openai" }

func (o *OpenAIProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	// #nosec G107,G704 -- baseURL is loaded from trusted local config and validated in NewOpenAI.
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model               string          `json:"model"`
	Messages            []openAIMessage `json:"messages"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	ResponseFormat      *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenAIProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	payload := openAIRequest{Model: o.model}
	if req.System != "" {
		payload.Messages = append(payload.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, openAIMessage{Role: "user", Content: req.Prompt})
	if usesMaxCompletionTokensParam(o.model) {
		payload.MaxCompletionTokens = maxTokens
	} else {
		payload.MaxTokens = maxTokens
	}
	if req.JSON {
		payload.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	if o.debug {
		slog.Info("OpenAI request", "model", o.model, "max_tokens", maxTokens, "prompt_chars", len(req.Prompt))
	}
	if o.debugPrompts {
		slog.Info("OpenAI prompt", "prompt", req.Prompt)
	}

	raw, err := postJSON(ctx, o.client, "openai", o.baseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + o.apiKey}, body, o.maxAttempts)
	if err != nil {
		return nil, err
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing OpenAI response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("OpenAI error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("OpenAI returned no choices")
	}
	return &Response{
		Text:     strings.TrimSpace(apiResp.Choices[0].Message.Content),
		Provider: o.Name(),
		Model:    o.model,
		Latency:  time.Since(start),
	}, nil
}

func usesMaxCompletionTokensParam(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.Contains(m, "gpt-5"):
		return true
	case strings.Contains(m, "codex"):
		return true
	case strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"):
		return true
	default:
		return false
	}
}
