// Package provider is the client for the capability service: model
// completions, web search, and page fetch. The service is a black box behind
// HTTP+JSON; everything here is transport, typed errors, and rate limiting.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/fathomlab/fathom/internal/models"
)

const defaultBaseURL = "http://provider:8000"

// Client talks to the capability service. Safe for concurrent use.
type Client struct {
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithRateLimit caps outbound calls per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// New builds a client for the given base URL. Empty baseURL falls back to
// PROVIDER_URL and then the compose-network default.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("PROVIDER_URL")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 120 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompletionRequest asks the model for a completion.
type CompletionRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	ModelTier    string                 `json:"model_tier,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// CompletionResult carries the model output plus usage metadata. Usage fields
// are best effort; zero values never fail a run.
type CompletionResult struct {
	Text         string  `json:"text"`
	TokensUsed   int     `json:"tokens_used"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	ModelUsed    string  `json:"model_used"`
	Provider     string  `json:"provider"`
	CostUSD      float64 `json:"cost_usd"`
}

// SearchHit is one result from the search backend.
type SearchHit struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Page is a fetched and text-extracted web page.
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Complete runs a model completion.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	var out CompletionResult
	if err := c.post(ctx, "/v1/complete", req, &out); err != nil {
		return CompletionResult{}, &models.ProviderError{Op: "complete", Err: err}
	}
	return out, nil
}

// Search runs a web search and returns up to maxResults hits.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error) {
	req := struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}{Query: query, MaxResults: maxResults}

	var out struct {
		Results []SearchHit `json:"results"`
	}
	if err := c.post(ctx, "/v1/search", req, &out); err != nil {
		return nil, &models.ProviderError{Op: "search", Err: err}
	}
	if maxResults > 0 && len(out.Results) > maxResults {
		out.Results = out.Results[:maxResults]
	}
	return out.Results, nil
}

// Fetch retrieves one page as extracted text. Failures are FetchError so
// callers can degrade per page instead of failing the task.
func (c *Client) Fetch(ctx context.Context, pageURL string) (Page, error) {
	req := struct {
		URL string `json:"url"`
	}{URL: pageURL}

	var out Page
	if err := c.post(ctx, "/v1/fetch", req, &out); err != nil {
		return Page{}, &models.FetchError{URL: pageURL, Err: err}
	}
	if out.URL == "" {
		out.URL = pageURL
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
