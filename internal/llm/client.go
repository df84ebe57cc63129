package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"shadowscan/config"
	"shadowscan/internal/logger"
	"shadowscan/pkg/models"
)

const apiKeyEnv = "LLM_API_KEY"

// APIError is a classified provider failure. Permanent kinds move the
// signature to skipped; transient kinds set retry_after and stay active.
type APIError struct {
	Kind       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return e.Kind + ": " + e.Message
}

// Permanent reports whether the error kind must never be retried.
func (e *APIError) Permanent() bool {
	switch e.Kind {
	case models.ErrContextLength, models.ErrInvalidRequest, models.ErrInvalidAPIKey, models.ErrAuthentication:
		return true
	}
	return false
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completer is the outbound surface the analyzer depends on.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, Usage, error)
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
// Transient failures are retried with exponential backoff plus jitter,
// honoring a server-provided Retry-After when present.
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	maxRetries int
	client     *http.Client

	sleep func(time.Duration)
}

// NewClient builds the outbound client. The credential comes from the
// LLM_API_KEY environment variable only.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("llm endpoint is empty")
	}
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s is not set", apiKeyEnv)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/") + "/chat/completions",
		model:      cfg.Model,
		apiKey:     apiKey,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: timeout},
		sleep:      time.Sleep,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one prompt pair and returns the raw content. Errors are
// always *APIError.
func (c *Client) Complete(ctx context.Context, system, user string) (string, Usage, error) {
	var lastErr *APIError
	for attempt := 1; attempt <= c.maxRetries+1; attempt++ {
		content, usage, err := c.call(ctx, system, user)
		if err == nil {
			return content, usage, nil
		}

		apiErr, ok := err.(*APIError)
		if !ok {
			apiErr = &APIError{Kind: models.ErrNetwork, Message: err.Error()}
		}
		if apiErr.Permanent() || ctx.Err() != nil {
			return "", Usage{}, apiErr
		}
		lastErr = apiErr

		if attempt <= c.maxRetries {
			delay := backoffDelay(attempt)
			if apiErr.RetryAfter > delay {
				delay = apiErr.RetryAfter
			}
			logger.Warnf("LLM request failed (%s), retrying in %s (attempt %d/%d)",
				apiErr.Kind, delay.Round(time.Millisecond), attempt, c.maxRetries)
			c.sleep(delay)
		}
	}
	return "", Usage{}, lastErr
}

func (c *Client) call(ctx context.Context, system, user string) (string, Usage, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.0,
		MaxTokens:   4000,
	})
	if err != nil {
		return "", Usage{}, &APIError{Kind: models.ErrInvalidRequest, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, &APIError{Kind: models.ErrInvalidRequest, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", Usage{}, &APIError{Kind: models.ErrTimeout, Message: ctx.Err().Error()}
		}
		if strings.Contains(err.Error(), "Client.Timeout") {
			return "", Usage{}, &APIError{Kind: models.ErrTimeout, Message: err.Error()}
		}
		return "", Usage{}, &APIError{Kind: models.ErrNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, classifyHTTPError(resp, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", Usage{}, &APIError{Kind: models.ErrServer, Message: "unparseable response body"}
	}
	if parsed.Error != nil {
		return "", Usage{}, classifyErrorType(parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", Usage{}, &APIError{Kind: models.ErrServer, Message: "empty completion"}
	}
	return parsed.Choices[0].Message.Content, parsed.Usage, nil
}

func classifyHTTPError(resp *http.Response, body []byte) *APIError {
	var parsed chatResponse
	errType, errMsg := "", strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
		errType = parsed.Error.Type
		errMsg = parsed.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := &APIError{Kind: models.ErrRateLimit, Message: errMsg}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return e
	case resp.StatusCode == http.StatusUnauthorized:
		return &APIError{Kind: models.ErrInvalidAPIKey, Message: errMsg}
	case resp.StatusCode == http.StatusForbidden:
		return &APIError{Kind: models.ErrAuthentication, Message: errMsg}
	case resp.StatusCode >= 500:
		return &APIError{Kind: models.ErrServer, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, errMsg)}
	}
	if errType != "" {
		return classifyErrorType(errType, errMsg)
	}
	return &APIError{Kind: models.ErrInvalidRequest, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, errMsg)}
}

func classifyErrorType(errType, msg string) *APIError {
	lower := strings.ToLower(errType + " " + msg)
	switch {
	case strings.Contains(lower, "context_length") || strings.Contains(lower, "maximum context"):
		return &APIError{Kind: models.ErrContextLength, Message: msg}
	case strings.Contains(lower, "invalid_api_key") || strings.Contains(lower, "incorrect api key"):
		return &APIError{Kind: models.ErrInvalidAPIKey, Message: msg}
	case strings.Contains(lower, "authentication"):
		return &APIError{Kind: models.ErrAuthentication, Message: msg}
	case strings.Contains(lower, "rate_limit") || strings.Contains(lower, "rate limit"):
		return &APIError{Kind: models.ErrRateLimit, Message: msg}
	case strings.Contains(lower, "timeout"):
		return &APIError{Kind: models.ErrTimeout, Message: msg}
	case strings.Contains(lower, "invalid_request"):
		return &APIError{Kind: models.ErrInvalidRequest, Message: msg}
	}
	return &APIError{Kind: models.ErrServer, Message: msg}
}

func backoffDelay(attempt int) time.Duration {
	base := time.Second * time.Duration(1<<(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(300 * time.Millisecond)))
	return base + jitter
}
