package draftgatesdk

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

// Client is a minimal Draftgate HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	ActorID     string
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

// Artifact is the API page model.
type Artifact struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Route     string  `json:"route"`
	Content   string  `json:"content"`
	Status    string  `json:"status"`
	Approved  bool    `json:"approved"`
	Feedback  *string `json:"feedback,omitempty"`
	Version   int     `json:"version"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// ComponentStatus is the progress of one section of a running generation.
type ComponentStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// SessionStatus is a snapshot of a generation session.
type SessionStatus struct {
	State      string            `json:"state"`
	Progress   int               `json:"progress"`
	Components []ComponentStatus `json:"components"`
	Message    string            `json:"message,omitempty"`
	Error      string            `json:"error,omitempty"`
	Artifact   *Artifact         `json:"artifact,omitempty"`
}

// PhaseStatus reports a phase gate.
type PhaseStatus struct {
	ProjectID         string   `json:"project_id"`
	PhaseID           string   `json:"phase_id"`
	ExpectedRoutes    []string `json:"expected_routes"`
	ApprovedCount     int      `json:"approved_count"`
	ExpectedCount     int      `json:"expected_count"`
	GateOpen          bool     `json:"gate_open"`
	ReviewerApproved  bool     `json:"reviewer_approved"`
	RequesterApproved bool     `json:"requester_approved"`
	CanAdvance        bool     `json:"can_advance"`
}

// Event is a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Generate starts a generation session for a route.
func (c *Client) Generate(ctx context.Context, route string, override bool) (SessionStatus, error) {
	body := map[string]any{
		"route":    route,
		"override": override,
	}
	var resp struct {
		Session SessionStatus `json:"session"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("generate"), body, &resp)
	return resp.Session, err
}

// Session returns the session snapshot for a route.
func (c *Client) Session(ctx context.Context, route string) (SessionStatus, error) {
	var resp struct {
		Session SessionStatus `json:"session"`
	}
	endpoint := c.projectPath("session") + "?route=" + url.QueryEscape(route)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Session, err
}

// CancelSession aborts a running generation.
func (c *Client) CancelSession(ctx context.Context, route string) (SessionStatus, error) {
	var resp struct {
		Session SessionStatus `json:"session"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("session/cancel"), map[string]any{"route": route}, &resp)
	return resp.Session, err
}

// RetrySave retries persisting a completed generation whose save failed.
func (c *Client) RetrySave(ctx context.Context, route string) (Artifact, error) {
	var resp struct {
		Artifact Artifact `json:"artifact"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("session/retry-save"), map[string]any{"route": route}, &resp)
	return resp.Artifact, err
}

// WaitForSession polls until the session leaves the streaming state.
func (c *Client) WaitForSession(ctx context.Context, route string, interval time.Duration) (SessionStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		st, err := c.Session(ctx, route)
		if err != nil {
			return SessionStatus{}, err
		}
		if st.State != "streaming" {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Artifact fetches the page for a route.
func (c *Client) Artifact(ctx context.Context, route string) (Artifact, error) {
	var resp struct {
		Artifact Artifact `json:"artifact"`
	}
	endpoint := c.projectPath("artifact") + "?route=" + url.QueryEscape(route)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Artifact, err
}

// ListArtifacts lists the project's pages, optionally filtered by status.
func (c *Client) ListArtifacts(ctx context.Context, status string) ([]Artifact, error) {
	var resp struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	endpoint := c.projectPath("artifacts")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Artifacts, err
}

// Approve marks a page approved.
func (c *Client) Approve(ctx context.Context, route string) (Artifact, error) {
	var resp struct {
		Artifact Artifact `json:"artifact"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("artifacts/approve"), map[string]any{"route": route}, &resp)
	return resp.Artifact, err
}

// RequestRevision records feedback and moves the page to revision_requested.
func (c *Client) RequestRevision(ctx context.Context, route, feedback string) (Artifact, error) {
	body := map[string]any{
		"route":    route,
		"feedback": feedback,
	}
	var resp struct {
		Artifact Artifact `json:"artifact"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("artifacts/request-revision"), body, &resp)
	return resp.Artifact, err
}

// Phase returns the gate status for one phase.
func (c *Client) Phase(ctx context.Context, phaseID string) (PhaseStatus, error) {
	var resp struct {
		Phase PhaseStatus `json:"phase"`
	}
	endpoint := c.projectPath(fmt.Sprintf("phases/%s", url.PathEscape(phaseID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Phase, err
}

// Signoff records a reviewer or requester sign-off on a phase.
func (c *Client) Signoff(ctx context.Context, phaseID, role string) error {
	endpoint := c.projectPath(fmt.Sprintf("phases/%s/signoff", url.PathEscape(phaseID)))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"role": role}, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-ID", c.ActorID)
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
