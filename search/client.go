// Package search queries a web-search provider for result URLs.
package search

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
		baseURL = "https://api.search.brave.com"
	}
	return &Client{
		HTTP:    httpClient,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
	}
}

type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type searchResponse struct {
	Web struct {
		Results []Result `json:"results"`
	} `json:"web"`
}

// Search runs a web search and returns results that carry a URL.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is required")
	}

	endpoint := fmt.Sprintf("%s/res/v1/web/search?q=%s", c.BaseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out searchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(out.Web.Results))
	for _, r := range out.Web.Results {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}
