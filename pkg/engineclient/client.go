// Package engineclient defines the boundary to third-party answer engines.
// The core never parses engine-specific response formats; providers hand back
// structured mention data through this interface.
package engineclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is returned when the per-engine call budget is exhausted.
	ErrRateLimited = errors.New("engineclient: per-engine call budget exhausted")
	// ErrTimeout is returned when an engine call exceeds its deadline.
	ErrTimeout = errors.New("engineclient: engine call timed out")
)

// Request describes one prompt sent to an engine.
type Request struct {
	PromptID string         `json:"prompt_id"`
	Prompt   string         `json:"prompt"`
	Brand    string         `json:"brand"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the structured outcome of a single engine query.
type Result struct {
	Success         bool            `json:"success"`
	ResponseTime    time.Duration   `json:"response_time"`
	CitationPresent bool            `json:"citation_present"`
	RawMention      json.RawMessage `json:"raw_mention,omitempty"`
}

// Client queries a single engine by id.
type Client interface {
	Query(ctx context.Context, engineID string, req Request) (*Result, error)
}

// timeoutClient bounds every engine call with a deadline. A timeout is a
// failure like any other: the caller's retry/backoff machinery applies.
type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout wraps a client so no call can block past the given duration.
func WithTimeout(next Client, timeout time.Duration) Client {
	return &timeoutClient{next: next, timeout: timeout}
}

func (c *timeoutClient) Query(ctx context.Context, engineID string, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.next.Query(ctx, engineID, req)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: engine %s after %s", ErrTimeout, engineID, c.timeout)
	}
}

// rateLimitedClient rejects calls that exceed the per-engine budget.
type rateLimitedClient struct {
	next    Client
	limiter Limiter
}

// RateLimited wraps a client with a per-engine call budget. Calls over budget
// fail with ErrRateLimited and never reach the engine.
func RateLimited(next Client, limiter Limiter) Client {
	return &rateLimitedClient{next: next, limiter: limiter}
}

func (c *rateLimitedClient) Query(ctx context.Context, engineID string, req Request) (*Result, error) {
	allowed, err := c.limiter.Allow(ctx, engineID, 1)
	if err != nil {
		return nil, fmt.Errorf("engineclient: limiter check failed: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: engine %s", ErrRateLimited, engineID)
	}
	return c.next.Query(ctx, engineID, req)
}
