// Package jira fetches tickets from the Jira REST API to seed change
// prompts. The ticket key doubles as the change id so branch names stay
// stable across runs.
package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Jira errors.
var (
	ErrBaseURLRequired = errors.New("jira base URL is required")
	ErrEmailRequired   = errors.New("jira email is required when using an API token")
	ErrIssueNotFound   = errors.New("jira issue not found")
	ErrIssueEmpty      = errors.New("jira issue has no summary or description")
)

// DefaultTimeout bounds a single Jira API request.
const DefaultTimeout = 20 * time.Second

// Config holds connection settings for a Jira instance.
type Config struct {
	BaseURL  string        // env JIRA_BASE_URL
	Email    string        // env JIRA_EMAIL
	APIToken string        // env JIRA_API_TOKEN
	Timeout  time.Duration // default 20s
}

// FromEnv fills unset fields from the environment.
func (c Config) FromEnv() Config {
	if c.BaseURL == "" {
		c.BaseURL = os.Getenv("JIRA_BASE_URL")
	}
	if c.Email == "" {
		c.Email = os.Getenv("JIRA_EMAIL")
	}
	if c.APIToken == "" {
		c.APIToken = os.Getenv("JIRA_API_TOKEN")
	}
	return c
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return ErrBaseURLRequired
	}
	if c.APIToken != "" && c.Email == "" {
		return ErrEmailRequired
	}
	return nil
}

// Client provides read access to Jira issues.
type Client struct {
	baseURL    string
	email      string
	apiToken   string
	httpClient *http.Client
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Jira client from cfg.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	cfg = cfg.FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		baseURL:    normalizeBaseURL(cfg.BaseURL),
		email:      cfg.Email,
		apiToken:   cfg.APIToken,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// normalizeBaseURL trims trailing slashes and defaults to https.
func normalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + strings.TrimLeft(base, "/")
	}
	return base
}

// Issue is a Jira ticket reduced to the fields prompt loading reads.
type Issue struct {
	Key         string
	Summary     string
	Description string // rendered HTML when available, otherwise flattened ADF text
}

type issuePayload struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string          `json:"summary"`
		Description json.RawMessage `json:"description"`
	} `json:"fields"`
	RenderedFields struct {
		Description string `json:"description"`
	} `json:"renderedFields"`
}

// GetIssue fetches an issue by key.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	q := url.Values{}
	q.Set("fields", "summary,description")
	q.Set("expand", "renderedFields")

	endpoint := fmt.Sprintf("%s/rest/api/3/issue/%s?%s", c.baseURL, url.PathEscape(key), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build issue request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiToken != "" {
		req.SetBasicAuth(c.email, c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch issue %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, key)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch issue %s: status %d: %s", key, resp.StatusCode, body)
	}

	var payload issuePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode issue %s: %w", key, err)
	}

	issue := &Issue{
		Key:     payload.Key,
		Summary: payload.Fields.Summary,
	}
	if rendered := strings.TrimSpace(payload.RenderedFields.Description); rendered != "" {
		issue.Description = rendered
	} else {
		issue.Description = descriptionText(payload.Fields.Description)
	}
	if issue.Key == "" {
		issue.Key = key
	}
	return issue, nil
}

// descriptionText reads a raw description field, which is a plain
// string on API v2 and an ADF document on v3.
func descriptionText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var doc adfNode
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	return strings.TrimSpace(doc.plainText())
}

// TicketPrompt builds a change prompt from a ticket's summary and
// description. The returned change id is the ticket key.
func (c *Client) TicketPrompt(ctx context.Context, key string) (prompt, changeID string, err error) {
	issue, err := c.GetIssue(ctx, key)
	if err != nil {
		return "", "", err
	}

	var parts []string
	if issue.Summary != "" {
		parts = append(parts, issue.Summary)
	}
	if issue.Description != "" {
		parts = append(parts, issue.Description)
	}
	if len(parts) == 0 {
		return "", "", fmt.Errorf("%w: %s", ErrIssueEmpty, key)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n")), key, nil
}
