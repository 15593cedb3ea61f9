package issuelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Issueline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Issue represents the API issue model (partial).
type Issue struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	State        string   `json:"state"`
	Phase        string   `json:"phase"`
	ParentID     *string  `json:"parent_id,omitempty"`
	Children     []string `json:"children"`
	Predecessors []string `json:"predecessors"`
	Successors   []string `json:"successors"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	StartDate    *string  `json:"start_date,omitempty"`
	EndDate      *string  `json:"end_date,omitempty"`
	Estimate     float64  `json:"estimate"`
	Progress     int      `json:"progress"`
}

// State represents a lifecycle state.
type State struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	Phase       string `json:"phase"`
	UserDefined bool   `json:"user_defined"`
}

// Message represents a notification or conversation-log entry.
type Message struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	IssueID     string `json:"issue_id,omitempty"`
	RecipientID string `json:"recipient_id"`
	Kind        string `json:"kind"`
	Text        string `json:"text,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIssue creates an issue.
func (c *Client) CreateIssue(ctx context.Context, name, issueType string) (Issue, error) {
	body := map[string]any{
		"name": name,
		"type": issueType,
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, c.projectPath("issues"), body, &resp)
	return resp, err
}

// GetIssue fetches an issue by id.
func (c *Client) GetIssue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	endpoint := c.projectPath(fmt.Sprintf("issues/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListIssues returns all issues of the project.
func (c *Client) ListIssues(ctx context.Context) ([]Issue, error) {
	var resp []Issue
	err := c.do(ctx, http.MethodGet, c.projectPath("issues"), nil, &resp)
	return resp, err
}

// SetState requests a lifecycle transition and returns the state the issue
// actually landed in, which may differ from the requested one.
func (c *Client) SetState(ctx context.Context, issueID, state string) (State, error) {
	body := map[string]any{"state": state}
	var resp State
	endpoint := c.projectPath(fmt.Sprintf("issues/%s/state", url.PathEscape(issueID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SetParent makes parentID the hierarchy parent of issueID.
func (c *Client) SetParent(ctx context.Context, issueID, parentID string) (Issue, error) {
	body := map[string]any{"parent_id": parentID}
	var resp Issue
	endpoint := c.projectPath(fmt.Sprintf("issues/%s/parent", url.PathEscape(issueID)))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// RemoveParent clears the hierarchy parent of issueID.
func (c *Client) RemoveParent(ctx context.Context, issueID string) error {
	endpoint := c.projectPath(fmt.Sprintf("issues/%s/parent", url.PathEscape(issueID)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// AddPredecessor adds an ordering predecessor to issueID.
func (c *Client) AddPredecessor(ctx context.Context, issueID, predecessorID string) (Issue, error) {
	body := map[string]any{"predecessor_id": predecessorID}
	var resp Issue
	endpoint := c.projectPath(fmt.Sprintf("issues/%s/predecessors", url.PathEscape(issueID)))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// RemovePredecessor removes an ordering predecessor from issueID.
func (c *Client) RemovePredecessor(ctx context.Context, issueID, predecessorID string) error {
	endpoint := c.projectPath(fmt.Sprintf("issues/%s/predecessors/%s", url.PathEscape(issueID), url.PathEscape(predecessorID)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// States returns the project's lifecycle states.
func (c *Client) States(ctx context.Context) ([]State, error) {
	var resp []State
	err := c.do(ctx, http.MethodGet, c.projectPath("states"), nil, &resp)
	return resp, err
}

// Messages returns recent notifications and conversation-log entries.
func (c *Client) Messages(ctx context.Context, limit int) ([]Message, error) {
	endpoint := c.projectPath("messages")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Message
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events?project_id=" + url.QueryEscape(c.ProjectID)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
