// Package jira creates issues through the Jira REST API (v2).
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/sieve/internal/triage"
)

const httpTimeout = 30 * time.Second

// Client creates Jira issues authenticated with a user + API token.
type Client struct {
	endpoint string
	user     string
	token    string
	client   *http.Client
}

// New returns a Jira client for the instance at endpoint.
func New(endpoint, user, token string) *Client {
	return &Client{
		endpoint: endpoint,
		user:     user,
		token:    token,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type keyRef struct {
	Key string `json:"key"`
}

type nameRef struct {
	Name string `json:"name"`
}

type issueFields struct {
	Project     keyRef  `json:"project"`
	Summary     string  `json:"summary"`
	Description string  `json:"description"`
	IssueType   nameRef `json:"issuetype"`
	Parent      *keyRef `json:"parent,omitempty"`
}

type createIssueRequest struct {
	Fields issueFields `json:"fields"`
}

type createIssueResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

// CreateTicket implements triage.Tracker.
func (c *Client) CreateTicket(ctx context.Context, tr triage.TicketRequest) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("jira: invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "rest/api/2/issue")

	fields := issueFields{
		Project:     keyRef{Key: tr.ProjectKey},
		Summary:     tr.Summary,
		Description: tr.Body,
		IssueType:   nameRef{Name: tr.IssueType},
	}
	if tr.ParentKey != "" {
		fields.Parent = &keyRef{Key: tr.ParentKey}
	}

	body, err := json.Marshal(createIssueRequest{Fields: fields})
	if err != nil {
		return "", fmt.Errorf("jira: marshal issue: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("jira: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.user != "" || c.token != "" {
		req.SetBasicAuth(c.user, c.token)
	}

	resp, err := c.client.Do(req) //nolint:gosec // endpoint comes from operator config
	if err != nil {
		return "", fmt.Errorf("jira: post issue: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("jira: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("jira: returned %d: %s", resp.StatusCode, describeError(respBody))
	}

	var created createIssueResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("jira: decode response: %w", err)
	}
	if created.Key == "" {
		return "", fmt.Errorf("jira: response has no issue key")
	}
	return created.Key, nil
}

// describeError flattens Jira's error envelope, falling back to the raw body.
func describeError(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil || (len(e.ErrorMessages) == 0 && len(e.Errors) == 0) {
		return truncate(string(body), 512)
	}

	parts := append([]string(nil), e.ErrorMessages...)
	for _, k := range slices.Sorted(maps.Keys(e.Errors)) {
		parts = append(parts, k+": "+e.Errors[k])
	}
	return strings.Join(parts, "; ")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
