// Package thorbissdk is a minimal Thorbis HTTP API client.
package thorbissdk

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

// Client talks to one tenant of a Thorbis deployment.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// Entity is the API entity model.
type Entity struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	Type             string         `json:"type"`
	Status           string         `json:"status"`
	AssigneeID       *string        `json:"assignee_id,omitempty"`
	Version          int64          `json:"version"`
	Fields           map[string]any `json:"fields"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
	SuggestedActions []string       `json:"suggested_actions"`
}

// Summary is the computed aggregate over one entity type.
type Summary struct {
	Type               string                    `json:"type"`
	Count              int                       `json:"count"`
	TotalValue         float64                   `json:"total_value"`
	Groups             map[string]map[string]int `json:"groups,omitempty"`
	AvgDurationSeconds float64                   `json:"avg_duration_seconds"`
	DurationSamples    int                       `json:"duration_samples"`
}

// Event is an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEntities wraps entity listings.
type PaginatedEntities struct {
	Items      []Entity `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedEvents wraps event listings.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateEntity creates an entity in its type's initial status.
func (c *Client) CreateEntity(ctx context.Context, entityType string, fields map[string]any) (Entity, error) {
	body := map[string]any{
		"type":   entityType,
		"fields": fields,
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, c.tenantPath("entities"), body, &resp)
	return resp, err
}

// GetEntity fetches an entity.
func (c *Client) GetEntity(ctx context.Context, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, c.tenantPath("entities/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListEntities lists entities of one type.
func (c *Client) ListEntities(ctx context.Context, entityType string, limit int, cursor string) (PaginatedEntities, error) {
	q := url.Values{}
	q.Set("type", entityType)
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEntities
	err := c.do(ctx, http.MethodGet, c.tenantPath("entities")+"?"+q.Encode(), nil, &resp)
	return resp, err
}

// UpdateEntity patches fields and/or status with an optional version check.
func (c *Client) UpdateEntity(ctx context.Context, id string, body map[string]any) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodPatch, c.tenantPath("entities/"+url.PathEscape(id)), body, &resp)
	return resp, err
}

// Transition requests a pure status change.
func (c *Client) Transition(ctx context.Context, id, status string, expectedVersion int64) (Entity, error) {
	body := map[string]any{"status": status}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, c.tenantPath("entities/"+url.PathEscape(id)+"/transition"), body, &resp)
	return resp, err
}

// Summarize computes the aggregate for one entity type.
func (c *Client) Summarize(ctx context.Context, entityType string, groupBy ...string) (Summary, error) {
	q := url.Values{}
	q.Set("type", entityType)
	if len(groupBy) > 0 {
		q.Set("group_by", strings.Join(groupBy, ","))
	}
	var resp Summary
	err := c.do(ctx, http.MethodGet, c.tenantPath("entities/summary")+"?"+q.Encode(), nil, &resp)
	return resp, err
}

// Events returns a page of the tenant audit log.
func (c *Client) Events(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.tenantPath("events")
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GrantRole assigns a role to an actor in the tenant.
func (c *Client) GrantRole(ctx context.Context, actorID, role string) error {
	body := map[string]any{"actor_id": actorID, "role": role}
	return c.do(ctx, http.MethodPost, c.tenantPath("rbac/assignments"), body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	fullURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, &buf)
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

func (c *Client) tenantPath(p string) string {
	return fmt.Sprintf("v1/tenants/%s/%s", url.PathEscape(c.TenantID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
