package aiproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"convoscore/internal/common"
	"convoscore/internal/config"
	"convoscore/internal/llm"
)

var _ llm.Client = (*Client)(nil)

const (
	// Headers
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"

	// Auth
	authSchemeBearer = "Bearer"

	// Endpoints
	endpointChatCompletions = "v1/chat/completions"

	// Timeouts and limits
	defaultTimeout    = 30 * time.Second
	errorSnippetLimit = 400

	defaultSystemPrompt = "You are an expert quality-assurance evaluator for customer conversations. Score the transcript against the provided rubric and respond with a single JSON object containing staffName, date, overallScore (0-100), criteriaScores (one entry per rubric criterion with criterion, weight, score 1-5, weightedScore, notes), strengths (3 items), areasForImprovement (3 items), and keyRecommendations (3 items). Output only the JSON object."
)

// Role represents the sender role for a chat message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Client implements llm.Client by calling an OpenAI-compatible AI Proxy.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	system      string
	temperature *float32
	maxTokens   *int
}

// New creates a new AI Proxy evaluation client. The timeout bounds the whole
// request; an exceeded deadline surfaces as context.DeadlineExceeded.
func New(cfg config.AIProxySettings, systemPrompt string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		system:      systemPrompt,
		temperature: optionalFloat32(cfg.Temperature),
		maxTokens:   optionalInt(cfg.MaxTokens),
	}
}

// Evaluate sends a chat completion request asking the model to score the
// transcript against the rubric and returns the raw completion text.
func (c *Client) Evaluate(ctx context.Context, transcript, rubric string) (string, error) {
	reqBody := c.buildRequestBody(transcript, rubric)

	u, err := url.JoinPath(c.baseURL, endpointChatCompletions)
	if err != nil {
		return "", fmt.Errorf("join url: %w", err)
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(headerContentType, common.ContentTypeJSON)
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if isClientTimeout(err) {
			return "", context.DeadlineExceeded
		}
		return "", fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &llm.ProviderError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("aiproxy status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit)),
		}
	}

	var comp chatCompletionResponse
	if err := json.Unmarshal(respBytes, &comp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(comp.Choices) == 0 || comp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("empty completion")
	}
	return comp.Choices[0].Message.Content, nil
}

func (c *Client) buildRequestBody(transcript, rubric string) chatCompletionRequest {
	sys := strings.TrimSpace(c.system)
	if sys == "" {
		sys = defaultSystemPrompt
	}

	var user strings.Builder
	user.WriteString("Scoring rubric:\n")
	user.WriteString(rubric)
	user.WriteString("\n\nConversation transcript:\n")
	user.WriteString(transcript)

	req := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: RoleSystem, Content: sys},
			{Role: RoleUser, Content: user.String()},
		},
		Stream: false,
	}
	if c.temperature != nil {
		req.Temperature = c.temperature
	}
	if c.maxTokens != nil {
		req.MaxTokens = c.maxTokens
	}
	return req
}

func isClientTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func optionalFloat32(v float32) *float32 {
	if v == 0 {
		return nil
	}
	return &v
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// OpenAI-compatible Chat Completions request/response types

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Choices []chatCompletionChoice `json:"choices"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      responseMsg `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type responseMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
