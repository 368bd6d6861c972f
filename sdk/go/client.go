package pulselinesdk

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

// Client is a minimal Pulseline HTTP API client.
type Client struct {
	BaseURL    string
	TenantID   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// Signal represents the API signal model (partial).
type Signal struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Name          string         `json:"name"`
	Payload       map[string]any `json:"payload,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	DedupeKey     *string        `json:"dedupe_key,omitempty"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
	CausationID   *string        `json:"causation_id,omitempty"`
	SubjectType   *string        `json:"subject_type,omitempty"`
	SubjectID     *string        `json:"subject_id,omitempty"`
	Source        string         `json:"source"`
	OccurredAt    string         `json:"occurred_at"`
}

// Directive represents the API directive model (partial).
type Directive struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Payload     map[string]any `json:"payload,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	LastError   *string        `json:"last_error,omitempty"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
}

// Installation represents a package installation.
type Installation struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	PackageSlug    string `json:"package_slug"`
	PackageVersion string `json:"package_version"`
	Status         string `json:"status"`
	Enabled        bool   `json:"enabled"`
}

// EmitSignalOptions carries the optional envelope fields of an emit.
type EmitSignalOptions struct {
	Metadata      map[string]any
	DedupeKey     string
	CorrelationID string
	CausationID   string
	SubjectType   string
	SubjectID     string
	Source        string
}

// CreateDirectiveOptions carries the optional fields of a directive request.
type CreateDirectiveOptions struct {
	Metadata       map[string]any
	IdempotencyKey string
	ScheduledAt    string
	MaxAttempts    int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedSignals wraps list responses with cursors.
type PaginatedSignals struct {
	Items      []Signal `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedDirectives wraps list responses with cursors.
type PaginatedDirectives struct {
	Items      []Directive `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

type signalResponse struct {
	Signal  Signal `json:"signal"`
	Created bool   `json:"created"`
}

type directiveResponse struct {
	Directive Directive `json:"directive"`
	Created   bool      `json:"created"`
}

// EmitSignal emits a signal. The bool return reports whether the signal
// was newly recorded; a repeated dedupe key returns the existing signal
// with false.
func (c *Client) EmitSignal(ctx context.Context, name string, payload map[string]any, opts EmitSignalOptions) (Signal, bool, error) {
	body := map[string]any{
		"name":    name,
		"payload": payload,
	}
	if opts.Metadata != nil {
		body["metadata"] = opts.Metadata
	}
	setIf(body, "dedupe_key", opts.DedupeKey)
	setIf(body, "correlation_id", opts.CorrelationID)
	setIf(body, "causation_id", opts.CausationID)
	setIf(body, "subject_type", opts.SubjectType)
	setIf(body, "subject_id", opts.SubjectID)
	setIf(body, "source", opts.Source)
	var resp signalResponse
	err := c.do(ctx, http.MethodPost, c.tenantPath("signals"), body, &resp)
	return resp.Signal, resp.Created, err
}

// SignalsPage returns a paginated signal listing.
func (c *Client) SignalsPage(ctx context.Context, limit int, cursor string) (PaginatedSignals, error) {
	endpoint := c.tenantPath("signals")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedSignals
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetSignal fetches a signal by id.
func (c *Client) GetSignal(ctx context.Context, id string) (Signal, error) {
	var resp Signal
	endpoint := c.tenantPath(fmt.Sprintf("signals/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SignalStats returns per-name delivered counts.
func (c *Client) SignalStats(ctx context.Context) (map[string]int, error) {
	var resp map[string]int
	err := c.do(ctx, http.MethodGet, c.tenantPath("signals/stats"), nil, &resp)
	return resp, err
}

// CreateDirective requests a directive. The bool return reports whether
// the directive was newly created.
func (c *Client) CreateDirective(ctx context.Context, name string, payload map[string]any, opts CreateDirectiveOptions) (Directive, bool, error) {
	body := map[string]any{
		"name":    name,
		"payload": payload,
	}
	if opts.Metadata != nil {
		body["metadata"] = opts.Metadata
	}
	setIf(body, "idempotency_key", opts.IdempotencyKey)
	setIf(body, "scheduled_at", opts.ScheduledAt)
	if opts.MaxAttempts > 0 {
		body["max_attempts"] = opts.MaxAttempts
	}
	var resp directiveResponse
	err := c.do(ctx, http.MethodPost, c.tenantPath("directives"), body, &resp)
	return resp.Directive, resp.Created, err
}

// GetDirective fetches a directive by id.
func (c *Client) GetDirective(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	endpoint := c.tenantPath(fmt.Sprintf("directives/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DirectivesPage returns a paginated directive listing.
func (c *Client) DirectivesPage(ctx context.Context, limit int, cursor string) (PaginatedDirectives, error) {
	endpoint := c.tenantPath("directives")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedDirectives
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelDirective cancels a requested or running directive.
func (c *Client) CancelDirective(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	endpoint := c.tenantPath(fmt.Sprintf("directives/%s/cancel", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RerunDirective enqueues a fresh run of a finished directive.
func (c *Client) RerunDirective(ctx context.Context, id string) (Directive, error) {
	var resp Directive
	endpoint := c.tenantPath(fmt.Sprintf("directives/%s/rerun", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RequestInstall requests a package install. The returned directive
// tracks the installation's progress.
func (c *Client) RequestInstall(ctx context.Context, packageSlug, packageVersion, idempotencyKey string) (Directive, bool, error) {
	body := map[string]any{
		"package_slug": packageSlug,
	}
	setIf(body, "package_version", packageVersion)
	setIf(body, "idempotency_key", idempotencyKey)
	var resp directiveResponse
	err := c.do(ctx, http.MethodPost, c.tenantPath("installations"), body, &resp)
	return resp.Directive, resp.Created, err
}

// GetInstallation fetches an installation by id.
func (c *Client) GetInstallation(ctx context.Context, id string) (Installation, error) {
	var resp Installation
	endpoint := c.tenantPath(fmt.Sprintf("installations/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListInstallations returns the tenant's installations.
func (c *Client) ListInstallations(ctx context.Context, status string) ([]Installation, error) {
	var resp []Installation
	endpoint := c.tenantPath("installations")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
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
	if c.ActorID != "" {
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

func setIf(m map[string]any, key, val string) {
	if val != "" {
		m[key] = val
	}
}

func (c *Client) tenantPath(p string) string {
	tenant := url.PathEscape(c.TenantID)
	return fmt.Sprintf("v0/tenants/%s/%s", tenant, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
