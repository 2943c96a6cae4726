package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"convoscore/internal/config"
	"convoscore/internal/llm"
)

var _ llm.Client = (*Client)(nil)

// Client is a scriptable evaluation client for tests and local development.
// By default it returns a fixed well-formed JSON response after the
// configured delay; tests can swap in an arbitrary respond function.
type Client struct {
	delay    time.Duration
	response string

	mu      sync.Mutex
	respond func(ctx context.Context, transcript, rubric string) (string, error)
	calls   int
}

const defaultResponse = `{"staffName": "Mock Agent", "date": "01/01/2024", "overallScore": 75, "strengths": ["s1","s2","s3"], "areasForImprovement": ["a1","a2","a3"], "keyRecommendations": ["k1","k2","k3"]}`

// New creates a mock client from config.
func New(cfg config.MockSettings) *Client {
	resp := cfg.Response
	if resp == "" {
		resp = defaultResponse
	}
	return &Client{delay: cfg.Delay, response: resp}
}

// Scripted creates a mock whose every call is handled by fn.
func Scripted(fn func(ctx context.Context, transcript, rubric string) (string, error)) *Client {
	return &Client{respond: fn}
}

// Evaluate returns the scripted or configured response, honoring the delay
// and context cancellation.
func (c *Client) Evaluate(ctx context.Context, transcript, rubric string) (string, error) {
	c.mu.Lock()
	c.calls++
	fn := c.respond
	c.mu.Unlock()

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fn != nil {
		return fn(ctx, transcript, rubric)
	}
	return c.response, nil
}

// Calls reports how many evaluations were requested.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// String identifies the client in logs.
func (c *Client) String() string {
	return fmt.Sprintf("mock(delay=%s)", c.delay)
}
