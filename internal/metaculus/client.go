// Package metaculus talks to the Metaculus API: listing open questions,
// posting forecasts, and attaching reasoning comments.
package metaculus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"worldcast/internal/domain"
	"worldcast/internal/forecast"
)

const (
	defaultPageLimit  = 50
	maxRetries        = 3
	retryBaseDelay    = 500 * time.Millisecond
	retryMaxDelay     = 10 * time.Second
	defaultAPITimeout = 30 * time.Second
)

// Client is a minimal Metaculus HTTP API client.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Log        *zap.Logger
}

// New creates a client with sane defaults.
func New(baseURL, token string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: defaultAPITimeout},
		Log:        log,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("metaculus api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListFilters narrows the open-question listing.
type ListFilters struct {
	Tournament string
	Limit      int
}

// post mirrors the slice of the API post model the pipeline needs.
type post struct {
	ID               int64          `json:"id"`
	Title            string         `json:"title"`
	Question         *apiQuestion   `json:"question"`
	GroupOfQuestions *questionGroup `json:"group_of_questions"`
}

type questionGroup struct {
	Questions []apiQuestion `json:"questions"`
}

type apiQuestion struct {
	ID             int64    `json:"id"`
	Type           string   `json:"type"`
	Title          string   `json:"title"`
	Options        []string `json:"options"`
	Unit           string   `json:"unit"`
	Status         string   `json:"status"`
	OpenLowerBound bool     `json:"open_lower_bound"`
	OpenUpperBound bool     `json:"open_upper_bound"`
}

type postPage struct {
	Count   int    `json:"count"`
	Results []post `json:"results"`
}

// ListOpenQuestions pages through /api/posts/ and returns every open question
// the filters match, flattened out of their posts and normalized.
func (c *Client) ListOpenQuestions(ctx context.Context, f ListFilters) ([]domain.Question, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	var questions []domain.Question
	offset := 0
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		q.Set("statuses", "open")
		q.Set("order_by", "-hotness")
		q.Set("forecast_type", "binary,multiple_choice,numeric,discrete")
		if f.Tournament != "" {
			q.Set("tournaments", f.Tournament)
		}
		var page postPage
		if err := c.do(ctx, http.MethodGet, "/api/posts/?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		for _, p := range page.Results {
			questions = append(questions, normalizePost(p)...)
		}
		offset += limit
		if offset >= page.Count || len(page.Results) == 0 {
			break
		}
	}
	return questions, nil
}

// GetPost fetches a single post and returns its normalized questions.
func (c *Client) GetPost(ctx context.Context, postID int64) ([]domain.Question, error) {
	var p post
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/posts/%d/", postID), nil, &p); err != nil {
		return nil, err
	}
	questions := normalizePost(p)
	if len(questions) == 0 {
		return nil, fmt.Errorf("post %d carries no forecastable question", postID)
	}
	return questions, nil
}

// normalizePost flattens a post into zero or more questions the pipeline can
// forecast. Conditional and notebook posts come back empty.
func normalizePost(p post) []domain.Question {
	var out []domain.Question
	if p.Question != nil {
		if q, ok := normalizeQuestion(p.ID, p.Title, *p.Question); ok {
			out = append(out, q)
		}
	}
	if p.GroupOfQuestions != nil {
		for _, sub := range p.GroupOfQuestions.Questions {
			if q, ok := normalizeQuestion(p.ID, p.Title, sub); ok {
				out = append(out, q)
			}
		}
	}
	return out
}

func normalizeQuestion(postID int64, postTitle string, aq apiQuestion) (domain.Question, bool) {
	q := domain.Question{
		ID:             aq.ID,
		PostID:         postID,
		Title:          aq.Title,
		Units:          aq.Unit,
		Status:         aq.Status,
		LowerBoundOpen: aq.OpenLowerBound,
		UpperBoundOpen: aq.OpenUpperBound,
	}
	if q.Title == "" {
		q.Title = postTitle
	}
	switch aq.Type {
	case "binary":
		q.Type = domain.TypeBinary
	case "multiple_choice":
		q.Type = domain.TypeMultipleChoice
		for _, opt := range aq.Options {
			q.Options = append(q.Options, forecast.SanitizeOptionName(opt))
		}
		if len(q.Options) == 0 {
			return q, false
		}
	case "numeric", "discrete":
		q.Type = domain.TypeNumeric
	default:
		return q, false
	}
	return q, true
}

type forecastBody struct {
	Question int64 `json:"question"`
	domain.SubmissionPayload
}

// SubmitForecast posts one validated payload for one question. The endpoint
// takes an array; we submit a single-element batch.
func (c *Client) SubmitForecast(ctx context.Context, questionID int64, payload domain.SubmissionPayload) error {
	body := []forecastBody{{Question: questionID, SubmissionPayload: payload}}
	return c.do(ctx, http.MethodPost, "/api/questions/forecast/", body, nil)
}

// PostComment attaches a private reasoning comment to a post.
func (c *Client) PostComment(ctx context.Context, postID int64, text string) error {
	body := map[string]any{
		"text":              text,
		"parent":            nil,
		"included_forecast": true,
		"is_private":        true,
		"on_post":           postID,
	}
	return c.do(ctx, http.MethodPost, "/api/comments/create/", body, nil)
}

// retryDelay grows linearly with the attempt number; the platform's
// rate limits are short-lived.
func retryDelay(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(attempt)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultAPITimeout}
	}
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			c.log().Warn("retrying metaculus request",
				zap.String("endpoint", endpoint), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		var reqBody io.Reader
		if encoded != nil {
			reqBody = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.Token != "" {
			req.Header.Set("Authorization", "Token "+c.Token)
		}
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = &APIError{StatusCode: resp.StatusCode, Body: string(b)}
			if retryable(resp.StatusCode) {
				continue
			}
			return lastErr
		}
		if out != nil {
			err = json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			return err
		}
		resp.Body.Close()
		return nil
	}
	return lastErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}
