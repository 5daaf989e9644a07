package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	failureThreshold = 3
	resetTimeout     = 2 * time.Minute
)

type circuitBreaker struct {
	mu           sync.Mutex
	failures     int
	lastFailedAt time.Time
	state        string
	now          func() time.Time
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{state: "closed", now: time.Now}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case "open":
		if cb.now().Sub(cb.lastFailedAt) >= resetTimeout {
			cb.state = "half-open"
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = "closed"
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailedAt = cb.now()
	if cb.failures >= failureThreshold || cb.state == "half-open" {
		cb.state = "open"
		slog.Debug("ai: circuit breaker opened", "failures", cb.failures)
	}
}

func (cb *circuitBreaker) trip() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailedAt = cb.now()
	cb.state = "open"
}

// ChainProvider tries providers in order, skipping those whose circuit is
// open. Auth failures open the circuit immediately.
type ChainProvider struct {
	providers []Provider
	breakers  map[string]*circuitBreaker
	mu        sync.RWMutex
	current   string
	fallback  bool
}

func NewChain(providers []Provider) *ChainProvider {
	breakers := make(map[string]*circuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = newCircuitBreaker()
	}
	current := ""
	if len(providers) > 0 {
		current = providers[0].Name()
	}
	return &ChainProvider{providers: providers, breakers: breakers, current: current}
}

// Name reports the provider that served the most recent call.
func (c *ChainProvider) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *ChainProvider) IsAvailable(ctx context.Context) bool {
	for _, p := range c.providers {
		if p.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

func (c *ChainProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	var usedFallback bool

	for _, p := range c.providers {
		cb := c.breakers[p.Name()]
		if !cb.allow() {
			slog.Debug("ai: circuit open, skipping provider", "provider", p.Name())
			continue
		}

		resp, err := p.Invoke(ctx, req)
		if err == nil {
			cb.recordSuccess()
			c.mu.Lock()
			c.current = p.Name()
			c.fallback = usedFallback
			c.mu.Unlock()
			if usedFallback {
				slog.Info("ai: provider succeeded after failover", "provider", p.Name())
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch {
		case isAuthError(err):
			cb.trip()
			slog.Warn("ai: auth error, opening circuit", "provider", p.Name(), "error", err)
		case isRetriableError(err):
			cb.recordFailure()
		}

		slog.Warn("ai: provider failed, trying next", "provider", p.Name(), "error", err)
		lastErr = err
		usedFallback = true
	}

	if lastErr == nil {
		return nil, errors.New("all AI providers unavailable: circuits open")
	}
	return nil, fmt.Errorf("all AI providers failed; last error: %w", lastErr)
}

// CurrentProvider returns the last provider used and whether it was a fallback.
func (c *ChainProvider) CurrentProvider() (provider string, fallback bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.fallback
}

func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retriable()
	}
	if errors.Is(err, ErrNoAI) {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "EOF")
}

func isAuthError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 401 || se.Code == 403
	}
	return false
}
