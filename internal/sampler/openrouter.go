package sampler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxRetries  = 4
	defaultBackoffCap  = 10 * time.Second
	defaultCallTimeout = 120 * time.Second
)

// OpenRouterCaller answers prompts through the OpenRouter chat-completions
// endpoint, walking a model fallback list in order.
type OpenRouterCaller struct {
	BaseURL     string
	APIKey      string
	Models      []string
	MaxRetries  int
	BackoffCap  time.Duration
	MaxTokens   int
	Temperature float64
	HTTPClient  *http.Client
	Log         *zap.Logger
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Call tries each configured model in order, retrying transient failures per
// model before falling through to the next. A model only counts as failed
// after its retries are spent.
func (c *OpenRouterCaller) Call(ctx context.Context, prompt string) (string, error) {
	if len(c.Models) == 0 {
		return "", fmt.Errorf("openrouter: no models configured")
	}
	var lastErr error
	for _, model := range c.Models {
		reply, err := c.callModel(ctx, model, prompt)
		if err == nil {
			return reply, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.log().Warn("model exhausted, falling back", zap.String("model", model), zap.Error(err))
		lastErr = err
	}
	return "", fmt.Errorf("all models failed: %w", lastErr)
}

func (c *OpenRouterCaller) callModel(ctx context.Context, model, prompt string) (string, error) {
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoffCap := c.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * time.Second
			if delay > backoffCap {
				delay = backoffCap
			}
			delay += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		reply, retry, err := c.once(ctx, model, prompt)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !retry {
			return "", err
		}
	}
	return "", lastErr
}

func (c *OpenRouterCaller) once(ctx context.Context, model, prompt string) (reply string, retry bool, err error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	})
	if err != nil {
		return "", false, err
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		retryable := false
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			retryable = true
		}
		return "", retryable, fmt.Errorf("openrouter status=%d model=%s body=%s", resp.StatusCode, model, string(b))
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", false, fmt.Errorf("completion carried no choices")
	}
	return out.Choices[0].Message.Content, false, nil
}

func (c *OpenRouterCaller) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultCallTimeout}
	}
	return c.HTTPClient
}

func (c *OpenRouterCaller) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}
