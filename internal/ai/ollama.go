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

// OllamaProvider implements Provider using a local Ollama server.
// Configure with: ai.provider = "ollama", ai.ollama_url = "http://localhost:11434"
type OllamaProvider struct {
	baseURL      string
	model        string
	client       *http.Client
	debug        bool
	debugPrompts bool
}

// NewOllama creates an OllamaProvider from cfg.
func NewOllama(cfg config.AIConfig) (*OllamaProvider, error) {
	base := cfg.OllamaURL
	if base == "" {
		base = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "llama3.2"
	}
	debug, prompts := parseAIDebugEnv()
	return &OllamaProvider{
		baseURL:      strings.TrimRight(base, "/"),
		model:        model,
		client:       &http.Client{Timeout: 180 * time.Second},
		debug:        debug,
		debugPrompts: prompts,
	}, nil
}

func (o *OllamaProvider) Name() string { return "ollama" }

func (o *OllamaProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Format string `json:"format,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

func (o *OllamaProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	payload := ollamaRequest{Model: o.model, Prompt: req.Prompt, System: req.System}
	if req.JSON {
		payload.Format = "json"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling Ollama request: %w", err)
	}
	if o.debugPrompts {
		slog.Debug("Ollama prompt", "model", o.model, "prompt", req.Prompt)
	}

	// Local models time out under load more often than hosted APIs do; one retry.
	raw, err := postJSON(ctx, o.client, "ollama", o.baseURL+"/api/generate", nil, body, 2)
	if err != nil {
		return nil, err
	}
	var apiResp ollamaResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing Ollama response: %w", err)
	}
	if apiResp.Error != "" {
		return nil, fmt.Errorf("Ollama error: %s", apiResp.Error)
	}
	if o.debug {
		slog.Debug("Ollama response", "model", o.model, "chars", len(apiResp.Response))
	}
	return &Response{
		Text:     strings.TrimSpace(apiResp.Response),
		Provider: o.Name(),
		Model:    o.model,
		Latency:  time.Since(start),
	}, nil
}
