package lawtracksdk

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

// Client is a minimal lawtrack HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Approvals struct {
	AdminApproved     bool `json:"admin_approved"`
	PrincipalApproved bool `json:"principal_approved"`
	AssigneeApproved  bool `json:"assignee_approved"`
}

// Task represents the API task model.
type Task struct {
	ID                  string    `json:"id"`
	Code                string    `json:"code"`
	Title               string    `json:"title"`
	Description         string    `json:"description,omitempty"`
	Priority            string    `json:"priority"`
	DueDate             *string   `json:"due_date,omitempty"`
	LifecycleStatus     string    `json:"lifecycle_status"`
	StageID             *string   `json:"stage_id,omitempty"`
	CreatorID           string    `json:"creator_id"`
	PrincipalReviewerID string    `json:"principal_reviewer_id"`
	AssigneeID          string    `json:"assignee_id"`
	Approvals           Approvals `json:"approvals"`
	ApprovalStatus      string    `json:"approval_status"`
	Version             int64     `json:"version"`
	CreatedAt           string    `json:"created_at"`
	UpdatedAt           string    `json:"updated_at"`
}

type CreateTaskRequest struct {
	Title               string `json:"title"`
	Description         string `json:"description,omitempty"`
	ClientID            string `json:"client_id,omitempty"`
	DepartmentID        string `json:"department_id,omitempty"`
	PrincipalReviewerID string `json:"principal_reviewer_id"`
	AssigneeID          string `json:"assignee_id"`
	Priority            string `json:"priority,omitempty"`
	DueDate             string `json:"due_date,omitempty"`
	InitialStageID      string `json:"initial_stage_id,omitempty"`
}

type Stage struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Order          int    `json:"order"`
	ApprovalPolicy string `json:"approval_policy"`
	Color          string `json:"color,omitempty"`
	Requirements   string `json:"requirements,omitempty"`
	Description    string `json:"description,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", req, &resp)
	return resp, err
}

// GetTask accepts a task id or code.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListTasks(ctx context.Context, stageID string, limit int, cursor string) (PaginatedTasks, error) {
	q := url.Values{}
	if stageID != "" {
		q.Set("stage_id", stageID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp, err
}

// Approve approves one checkpoint (admin, principal or assignee).
func (c *Client) Approve(ctx context.Context, taskID, checkpoint string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/approve/%s", url.PathEscape(taskID), url.PathEscape(checkpoint))
	err := c.do(ctx, http.MethodPut, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Advance(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/advance", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

func (c *Client) SetStatus(ctx context.Context, taskID, status string, force bool) (Task, error) {
	var resp Task
	body := map[string]any{"status": status, "force": force}
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("tasks/%s/status", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

func (c *Client) AssignStage(ctx context.Context, taskID, stageID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("stages/task/%s/stage/%s", url.PathEscape(taskID), url.PathEscape(stageID))
	err := c.do(ctx, http.MethodPut, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Stages(ctx context.Context) ([]Stage, error) {
	var resp []Stage
	err := c.do(ctx, http.MethodGet, "stages", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
