package ai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CosmoTheDev/ctrlprune/internal/config"
)

func TestLooksReal(t *testing.T) {
	cases := map[string]bool{
		"":                         false,
		"short":                    false,
		"sk-your-key-here-please":  false,
		"<OPENAI_API_KEY_HERE>":    false,
		"sk-proj-a8f7d6c5b4a39281": true,
	}
	for key, want := range cases {
		if got := LooksReal(key); got != want {
			t.Fatalf("LooksReal(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestResolveFallsBackToConfigForPlaceholderKey(t *testing.T) {
	p, err := Resolve(config.AIConfig{Provider: "none"}, Credentials{APIKey: "changeme", Provider: "openai"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Name() != "none" {
		t.Fatalf("provider = %q, want none", p.Name())
	}
}

func TestResolveUsesRequestOverride(t *testing.T) {
	p, err := Resolve(config.AIConfig{Provider: "none"}, Credentials{APIKey: "sk-ant-0123456789abcdef", Provider: "Anthropic"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Fatalf("provider = %q, want anthropic", p.Name())
	}
}

func TestOpenAIInvokeRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, "Rate limit reached. Please try again in 1ms.", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" {\"intent\":\"yes_no_classification\"} "}}]}`))
	}))
	defer srv.Close()

	p, err := NewOpenAI(config.AIConfig{OpenAIKey: "test-key", BaseURL: srv.URL, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	resp, err := p.Invoke(context.Background(), Request{Prompt: "hi", JSON: true})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Text != `{"intent":"yes_no_classification"}` {
		t.Fatalf("text = %q", resp.Text)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestOpenAIInvokeDoesNotRetryBadRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	p, _ := NewOpenAI(config.AIConfig{OpenAIKey: "k", BaseURL: srv.URL, MaxAttempts: 4})
	_, err := p.Invoke(context.Background(), Request{Prompt: "hi"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want StatusError 400", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestAnthropicInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("anthropic-version") != anthropicVersionHeader {
			t.Errorf("missing version header")
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"yes"}]}`))
	}))
	defer srv.Close()

	p := NewAnthropic(config.AIConfig{AnthropicKey: "k"})
	p.baseURL = srv.URL
	resp, err := p.Invoke(context.Background(), Request{Prompt: "is it?"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Text != "yes" || resp.Provider != "anthropic" {
		t.Fatalf("resp = %+v", resp)
	}
}

type stubProvider struct {
	name  string
	err   error
	calls int
}

func (s *stubProvider) Name() string                       { return s.name }
func (s *stubProvider) IsAvailable(_ context.Context) bool { return s.err == nil }
func (s *stubProvider) Invoke(_ context.Context, _ Request) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Text: s.name, Provider: s.name}, nil
}

func TestChainFailsOverAndOpensCircuitOnAuth(t *testing.T) {
	primary := &stubProvider{name: "openai", err: &StatusError{Provider: "openai", Code: 401}}
	backup := &stubProvider{name: "ollama"}
	chain := NewChain([]Provider{primary, backup})

	for i := 0; i < 3; i++ {
		resp, err := chain.Invoke(context.Background(), Request{Prompt: "x"})
		if err != nil {
			t.Fatalf("Invoke #%d: %v", i, err)
		}
		if resp.Provider != "ollama" {
			t.Fatalf("provider = %q, want ollama", resp.Provider)
		}
	}
	if primary.calls != 1 {
		t.Fatalf("primary calls = %d, want 1 (circuit should be open)", primary.calls)
	}
	if name, fallback := chain.CurrentProvider(); name != "ollama" || fallback {
		t.Fatalf("CurrentProvider = %q, %v", name, fallback)
	}
}

func TestCircuitBreakerHalfOpensAfterReset(t *testing.T) {
	now := time.Now()
	cb := newCircuitBreaker()
	cb.now = func() time.Time { return now }
	for i := 0; i < failureThreshold; i++ {
		cb.recordFailure()
	}
	if cb.allow() {
		t.Fatal("breaker should be open")
	}
	now = now.Add(resetTimeout)
	if !cb.allow() {
		t.Fatal("breaker should half-open after reset timeout")
	}
	cb.recordFailure()
	if cb.allow() {
		t.Fatal("failure while half-open should reopen the breaker")
	}
}

func TestRetryDelay(t *testing.T) {
	if d := retryDelay("3", "", 1); d != 3*time.Second {
		t.Fatalf("Retry-After delay = %v", d)
	}
	if d := retryDelay("", "Please try again in 250ms.", 1); d != 250*time.Millisecond {
		t.Fatalf("hint delay = %v", d)
	}
	if d := retryDelay("", "", 10); d != 8*time.Second {
		t.Fatalf("capped delay = %v", d)
	}
}
