// Package scrape submits asynchronous page-fetch jobs and tracks them to a
// terminal state.
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to an async scraping provider: one POST to open a job, GETs
// by job id for status and, once finished, the raw result payload.
type Client struct {
	HTTP    *http.Client
	BaseURL string
	APIKey  string
}

func NewClient(httpClient *http.Client, baseURL, apiKey string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = "https://async.scraperapi.com"
	}
	return &Client{
		HTTP:    httpClient,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
	}
}

const StatusFinished = "finished"

type submitRequest struct {
	APIKey string `json:"apiKey"`
	URL    string `json:"url"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// SubmitJob opens a fetch job for url and returns the provider's job id.
// It never returns fetched content; results always arrive through polling.
func (c *Client) SubmitJob(ctx context.Context, url string) (string, error) {
	b, err := json.Marshal(submitRequest{APIKey: c.APIKey, URL: url})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jobs", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("scrape submit http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", fmt.Errorf("scrape submit: missing job id")
	}
	return out.ID, nil
}

// JobStatus returns the provider's status string for a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (string, error) {
	raw, err := c.getJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	var out statusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// JobResult fetches the raw result payload of a finished job. The payload
// may legitimately be empty or non-JSON; callers classify it.
func (c *Client) JobResult(ctx context.Context, jobID string) ([]byte, error) {
	return c.getJob(ctx, jobID)
}

func (c *Client) getJob(ctx context.Context, jobID string) ([]byte, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("missing job id")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("scrape job http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if readErr != nil {
		return nil, readErr
	}
	return raw, nil
}
