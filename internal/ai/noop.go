package ai

import (
	"context"
	"errors"
)

// ErrNoAI is returned by NoopProvider for every invocation.
var ErrNoAI = errors.New("AI provider not configured; set ai.provider and an API key to enable ai-assisted synthesis")

// NoopProvider is used when no AI provider is configured.
// IsAvailable always returns false and Invoke returns ErrNoAI, so callers
// degrade to rule-derived synthesis instead of failing.
type NoopProvider struct{}

func (n *NoopProvider) Name() string                       { return "none" }
func (n *NoopProvider) IsAvailable(_ context.Context) bool { return false }

func (n *NoopProvider) Invoke(_ context.Context, _ Request) (*Response, error) {
	return nil, ErrNoAI
}
