package caseflowsdk

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

// Client is a minimal Caseflow HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 10 * time.Second,
	}
}

// FieldValue is a typed custom field value.
type FieldValue struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Instance represents the API process instance model (partial).
type Instance struct {
	ID               string                `json:"id"`
	CaseNumber       string                `json:"case_number"`
	BaseNumber       string                `json:"base_number"`
	Department       string                `json:"department"`
	Subject          string                `json:"subject,omitempty"`
	Stakeholder      string                `json:"stakeholder,omitempty"`
	Status           string                `json:"status,omitempty"`
	Coordination     string                `json:"coordination,omitempty"`
	Team             string                `json:"team,omitempty"`
	AssigneeID       *string               `json:"assignee_id,omitempty"`
	Attributes       map[string]FieldValue `json:"attributes,omitempty"`
	ReturnedToTriage bool                  `json:"returned_to_triage,omitempty"`
	ClosedAt         *string               `json:"closed_at,omitempty"`
	CreatedAt        string                `json:"created_at"`
	UpdatedAt        string                `json:"updated_at"`
}

// Transition is the response to a movement operation.
type Transition struct {
	Instances []Instance `json:"instances"`
	Warning   string     `json:"warning,omitempty"`
}

// Analysis reports what already exists for a case number.
type Analysis struct {
	BaseNumber        string    `json:"base_number"`
	ActiveCount       int       `json:"active_count"`
	FinalizedCount    int       `json:"finalized_count"`
	ActiveDepartments []string  `json:"active_departments,omitempty"`
	RelationalKey     string    `json:"relational_key,omitempty"`
	KeyConflict       bool      `json:"key_conflict,omitempty"`
	Prefill           *Instance `json:"prefill,omitempty"`
}

// TimelineEntry is one line of a replayed movement ledger.
type TimelineEntry struct {
	InstanceID string `json:"instance_id"`
	OccurredAt string `json:"occurred_at"`
	Kind       string `json:"kind"`
	Text       string `json:"text"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateInstance opens a process instance in a department.
func (c *Client) CreateInstance(ctx context.Context, caseNumber, department string, fields map[string]any) (Instance, error) {
	body := map[string]any{
		"case_number": caseNumber,
		"department":  department,
	}
	for k, v := range fields {
		body[k] = v
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, "v0/instances", body, &resp)
	return resp, err
}

// GetInstance fetches an instance by id.
func (c *Client) GetInstance(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, c.instancePath(id, ""), nil, &resp)
	return resp, err
}

// Transfer moves an instance to another department.
func (c *Client) Transfer(ctx context.Context, id, department string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.instancePath(id, "transfer"), map[string]any{"department": department}, &resp)
	return resp, err
}

// FinalizeDepartment ends the department leg; nextDepartment may be empty.
func (c *Client) FinalizeDepartment(ctx context.Context, id, nextDepartment string) (Transition, error) {
	body := map[string]any{}
	if nextDepartment != "" {
		body["next_department"] = nextDepartment
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.instancePath(id, "finalize"), body, &resp)
	return resp, err
}

// Close globally finalizes the demand cycle.
func (c *Client) Close(ctx context.Context, id string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.instancePath(id, "close"), nil, &resp)
	return resp, err
}

// Return sends an instance back out of outbound review.
func (c *Client) Return(ctx context.Context, id, department string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.instancePath(id, "return"), map[string]any{"department": department}, &resp)
	return resp, err
}

// Assign changes the responsible person.
func (c *Client) Assign(ctx context.Context, id, assigneeID string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, c.instancePath(id, "assign"), map[string]any{"assignee_id": assigneeID}, &resp)
	return resp, err
}

// Edit patches workflow fields; only keys present in fields are touched.
func (c *Client) Edit(ctx context.Context, id string, fields map[string]any) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPatch, c.instancePath(id, ""), fields, &resp)
	return resp, err
}

// Inspect analyzes the demand cycles of a raw case number.
func (c *Client) Inspect(ctx context.Context, caseNumber string) (Analysis, error) {
	var resp Analysis
	endpoint := fmt.Sprintf("v0/cases/%s/analysis", url.PathEscape(caseNumber))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Timeline replays the movement ledger of an instance's cycle.
func (c *Client) Timeline(ctx context.Context, id string) ([]TimelineEntry, error) {
	var resp []TimelineEntry
	err := c.do(ctx, http.MethodGet, c.instancePath(id, "timeline"), nil, &resp)
	return resp, err
}

// DepartmentView returns how an instance looked in a department, frozen
// at hand-off once the instance has moved on.
func (c *Client) DepartmentView(ctx context.Context, id, department string) (map[string]string, error) {
	var resp map[string]string
	err := c.do(ctx, http.MethodGet, c.instancePath(id, "view/"+url.PathEscape(department)), nil, &resp)
	return resp, err
}

// Occupancy returns active instance counts per department.
func (c *Client) Occupancy(ctx context.Context) (map[string]int, error) {
	var resp struct {
		Departments map[string]int `json:"departments"`
	}
	err := c.do(ctx, http.MethodGet, "v0/occupancy", nil, &resp)
	return resp.Departments, err
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
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
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

func (c *Client) instancePath(id, action string) string {
	p := fmt.Sprintf("v0/instances/%s", url.PathEscape(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
