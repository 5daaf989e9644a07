package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusError is a non-2xx reply from a provider API.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error status %d: %s", e.Provider, e.Code, truncate(e.Body, 512))
}

// Retriable reports whether the call may succeed if repeated.
func (e *StatusError) Retriable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// postJSON POSTs body to url, retrying rate limits, 5xx replies and transport
// errors up to maxAttempts times with backoff.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body []byte, maxAttempts int) ([]byte, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating %s request: %w", provider, err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		// #nosec G107,G704 -- url is built from trusted local config.
		resp, err := client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("calling %s API: %w", provider, err)
			if ctx.Err() != nil || !isTransient(err) || attempt == maxAttempts {
				return nil, lastErr
			}
			if err := sleepWithContext(ctx, retryDelay("", "", attempt)); err != nil {
				return nil, err
			}
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		closeErr := resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s response body: %w", provider, err)
		}
		if closeErr != nil {
			slog.Debug("closing provider response body", "provider", provider, "error", closeErr)
		}
		if resp.StatusCode == http.StatusOK {
			return respBody, nil
		}

		se := &StatusError{Provider: provider, Code: resp.StatusCode, Body: string(respBody)}
		lastErr = se
		if !se.Retriable() || attempt == maxAttempts {
			return nil, se
		}
		wait := retryDelay(resp.Header.Get("Retry-After"), string(respBody), attempt)
		slog.Warn("ai: provider call failed; retrying",
			"provider", provider,
			"status", resp.StatusCode,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"wait", wait.String(),
		)
		if err := sleepWithContext(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "EOF")
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryDelay honours Retry-After and OpenAI-style "please try again in Xs"
// hints, otherwise backs off quadratically with a cap.
func retryDelay(retryAfterHeader, body string, attempt int) time.Duration {
	if ra := strings.TrimSpace(retryAfterHeader); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	bl := strings.ToLower(body)
	if idx := strings.Index(bl, "please try again in "); idx >= 0 {
		rest := bl[idx+len("please try again in "):]
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			token := strings.Trim(fields[0], ".,")
			if strings.HasSuffix(token, "ms") {
				if n, err := strconv.ParseFloat(strings.TrimSuffix(token, "ms"), 64); err == nil && n > 0 {
					return time.Duration(n * float64(time.Millisecond))
				}
			}
			if strings.HasSuffix(token, "s") {
				if n, err := strconv.ParseFloat(strings.TrimSuffix(token, "s"), 64); err == nil && n > 0 {
					return time.Duration(n * float64(time.Second))
				}
			}
		}
	}
	d := time.Duration(attempt*attempt) * 500 * time.Millisecond
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
