package coveriteamsdk

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

// Client is a minimal CoVeriTeam HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Installs may download large
// archives, so the default timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Minute,
	}
}

// Resolution is a flattened actor definition.
type Resolution struct {
	Path          string         `json:"path"`
	Definition    map[string]any `json:"definition"`
	IncludedFiles []string       `json:"included_files"`
}

// PolicyReport is the outcome of a policy check.
type PolicyReport struct {
	Location         string   `json:"location"`
	Allowed          bool     `json:"allowed"`
	Restricted       bool     `json:"restricted"`
	AllowedLocations []string `json:"allowed_locations"`
	PolicySource     string   `json:"policy_source"`
}

// Installation represents an installed actor.
type Installation struct {
	ID              string   `json:"id"`
	ActorName       string   `json:"actor_name"`
	DefinitionPath  string   `json:"definition_path"`
	FormatVersion   string   `json:"format_version"`
	ArchiveLocation string   `json:"archive_location"`
	InstallDir      string   `json:"install_dir"`
	ToolName        string   `json:"tool_name"`
	MemLimit        int64    `json:"memlimit"`
	TimeLimit       int64    `json:"timelimit"`
	CPUCores        int      `json:"cpu_cores"`
	IncludedFiles   []string `json:"included_files"`
	Downloaded      bool     `json:"downloaded"`
	InstalledAt     string   `json:"installed_at"`
}

// Event represents a ledger entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	ActorName string         `json:"actor_name"`
	Subject   string         `json:"subject"`
	Payload   map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ExitCode returns the configuration error code carried by the error, or 0
// if the server did not report one.
func (e *APIError) ExitCode() int {
	if v, ok := e.Details["exit_code"].(float64); ok {
		return int(v)
	}
	return 0
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Resolve flattens a definition file that is readable by the server.
func (c *Client) Resolve(ctx context.Context, path string) (Resolution, error) {
	var resp Resolution
	err := c.do(ctx, http.MethodPost, "v0/definitions/resolve", map[string]any{"path": path}, &resp)
	return resp, err
}

// CheckLocation checks an archive location against the server's policy.
func (c *Client) CheckLocation(ctx context.Context, location string) (PolicyReport, error) {
	body := map[string]any{"location": location}
	var resp PolicyReport
	err := c.do(ctx, http.MethodPost, "v0/policy/check", body, &resp)
	return resp, err
}

// Install installs the actor described by a definition file on the server,
// subject to the server's policy.
func (c *Client) Install(ctx context.Context, definitionPath string) (Installation, error) {
	body := map[string]any{"definition_path": definitionPath}
	var resp Installation
	err := c.do(ctx, http.MethodPost, "v0/installations", body, &resp)
	return resp, err
}

// Installations lists installed actors.
func (c *Client) Installations(ctx context.Context) ([]Installation, error) {
	var resp struct {
		Items []Installation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/installations", nil, &resp)
	return resp.Items, err
}

// Installation fetches one installed actor.
func (c *Client) Installation(ctx context.Context, actorName string) (Installation, error) {
	var resp Installation
	err := c.do(ctx, http.MethodGet, "v0/installations/"+url.PathEscape(actorName), nil, &resp)
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
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
