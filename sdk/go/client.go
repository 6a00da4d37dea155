package worldcastsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Worldcast status API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run represents one forecasting run.
type Run struct {
	ID         string `json:"id"`
	Mode       string `json:"mode"`
	Tournament string `json:"tournament,omitempty"`
	Worlds     int    `json:"worlds"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Submitted  int    `json:"submitted"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
}

// Report represents the archived outcome for one question within a run.
type Report struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	QuestionID   int64  `json:"question_id"`
	PostID       int64  `json:"post_id,omitempty"`
	Type         string `json:"type"`
	Title        string `json:"title,omitempty"`
	Status       string `json:"status"`
	Samples      int    `json:"samples"`
	ForecastJSON string `json:"forecast_json,omitempty"`
	Comment      string `json:"comment,omitempty"`
	Detail       string `json:"detail,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// Ledger summarizes the posted-id ledger.
type Ledger struct {
	Count int     `json:"count"`
	IDs   []int64 `json:"ids"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health pings the health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil)
}

// ListRuns returns recent runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	endpoint := "v0/runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp, err
}

// GetRun fetches one run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id), &resp)
	return resp, err
}

// ListReports returns the per-question reports of a run, optionally
// filtered by status.
func (c *Client) ListReports(ctx context.Context, runID, status string) ([]Report, error) {
	endpoint := fmt.Sprintf("v0/runs/%s/reports", url.PathEscape(runID))
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Report
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp, err
}

// GetLedger returns the posted-id ledger summary.
func (c *Client) GetLedger(ctx context.Context) (Ledger, error) {
	var resp Ledger
	err := c.do(ctx, http.MethodGet, "v0/ledger", &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
