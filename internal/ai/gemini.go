package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
	"google.golang.org/genai"
)

const geminiDefaultModel = "gemini-2.5-flash"

// GeminiProvider implements Provider with the Google Gen AI SDK.
type GeminiProvider struct {
	client      *genai.Client
	model       string
	maxAttempts int
	debug       bool
}

// NewGemini creates a GeminiProvider backed by the Gemini Developer API.
func NewGemini(ctx context.Context, cfg config.AIConfig) (*GeminiProvider, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" || !strings.HasPrefix(model, "gemini") {
		model = geminiDefaultModel
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	debug, _ := parseAIDebugEnv()
	return &GeminiProvider{client: cli, model: model, maxAttempts: attempts, debug: debug}, nil
}

func (g *GeminiProvider) Name() string { return "gemini" }

func (g *GeminiProvider) IsAvailable(ctx context.Context) bool {
	_, err := g.client.Models.Get(ctx, g.model, nil)
	return err == nil
}

func (g *GeminiProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	gc := &genai.GenerateContentConfig{}
	if req.JSON {
		gc.ResponseMIMEType = "application/json"
	}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, gc)
		if err == nil {
			text := firstText(resp)
			if strings.TrimSpace(text) == "" {
				return nil, fmt.Errorf("gemini returned no content")
			}
			if g.debug {
				slog.Debug("Gemini response", "model", g.model, "chars", len(text), "attempt", attempt+1)
			}
			return &Response{
				Text:     strings.TrimSpace(text),
				Provider: g.Name(),
				Model:    g.model,
				Latency:  time.Since(start),
			}, nil
		}
		lastErr = fmt.Errorf("gemini generate: %w", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := sleepWithContext(ctx, time.Duration(300*(1<<attempt))*time.Millisecond); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
