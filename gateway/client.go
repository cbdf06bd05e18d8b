// Package gateway is the HTTP client for the governance API, with a
// TTL cache in front of permission checks.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/agion-ai/agion-sdk-go/policy"
	"github.com/agion-ai/agion-sdk-go/telemetry"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultTTLApproved = 30 * time.Second
	defaultTTLDenied   = 5 * time.Second
	defaultCacheSize   = 10_000
	defaultRetries     = 3
)

// Config tunes the governance API client.
type Config struct {
	// BaseURL is the governance API root, e.g. "https://governance.internal".
	BaseURL string
	// APIKey is sent as a bearer token.
	APIKey string
	// Timeout bounds each HTTP round trip.
	Timeout time.Duration
	// TTLApproved is how long an approval is served from cache.
	TTLApproved time.Duration
	// TTLDenied is how long a denial is served from cache.
	TTLDenied time.Duration
	// CacheSize caps the permission cache.
	CacheSize int
	// Retries bounds attempts for idempotent reads.
	Retries int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.TTLApproved <= 0 {
		c.TTLApproved = defaultTTLApproved
	}
	if c.TTLDenied <= 0 {
		c.TTLDenied = defaultTTLDenied
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.Retries <= 0 {
		c.Retries = defaultRetries
	}
}

// PermissionCheck is the governance API's answer to one permission check.
type PermissionCheck struct {
	Allowed      bool   `json:"allowed"`
	PermissionID string `json:"permission_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// AgentRegistration announces an SDK instance to the governance service.
type AgentRegistration struct {
	AgentID      string         `json:"agent_id"`
	Name         string         `json:"name,omitempty"`
	Version      string         `json:"version,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Client talks to the governance HTTP API.
type Client struct {
	cfg     Config
	http    *http.Client
	cache   *permissionCache
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewClient creates a governance API client. metrics may be nil.
func NewClient(cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   newPermissionCache(cfg.CacheSize, cfg.TTLApproved, cfg.TTLDenied),
		logger:  logger,
		metrics: metrics,
	}
}

// Close releases idle HTTP connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(resp.StatusCode, errorMessage(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage extracts the server's error detail, if any.
func errorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return string(raw)
}

// FetchPolicies returns the agent's active policies. A 404 means the
// agent has no policies yet and yields an empty set. Transient failures
// are retried.
func (c *Client) FetchPolicies(ctx context.Context, agentID string) ([]policy.Rule, error) {
	path := "/api/v1/policies?status=active&agent_id=" + url.QueryEscape(agentID)

	var result struct {
		Policies []policy.Rule `json:"policies"`
	}
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.Retries)),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
	)
	// Permanent failures (4xx other than 429) stop the retry loop early.
	var permanent error
	err := r.Do(func() error {
		err := c.do(ctx, http.MethodGet, path, nil, &result)
		if err != nil && !retryable(err) {
			permanent = err
			return nil
		}
		return err
	})
	if permanent != nil {
		err = permanent
	}
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return result.Policies, nil
}

// CheckPermission asks whether actor may exercise permType on resource,
// serving cached decisions while they remain fresh.
func (c *Client) CheckPermission(ctx context.Context, actor, resource, permType string, extra map[string]any) (PermissionCheck, error) {
	key := cacheKey(actor, resource, permType)
	if check, ok := c.cache.get(key); ok {
		if c.metrics != nil {
			c.metrics.PermissionCacheHits.Inc()
		}
		return check, nil
	}
	if c.metrics != nil {
		c.metrics.PermissionCacheMisses.Inc()
	}

	var check PermissionCheck
	err := c.do(ctx, http.MethodPost, "/api/v1/permissions/check", map[string]any{
		"actor":           actor,
		"resource":        resource,
		"permission_type": permType,
		"context":         extra,
	}, &check)
	if err != nil {
		return PermissionCheck{}, err
	}
	c.cache.put(key, check)
	return check, nil
}

// RegisterAgent announces this instance. Registration failures are
// survivable; callers log and continue.
func (c *Client) RegisterAgent(ctx context.Context, reg AgentRegistration) error {
	return c.do(ctx, http.MethodPost, "/api/v1/agents/register", reg, nil)
}

// UpdateUsage records usage against a granted permission.
func (c *Client) UpdateUsage(ctx context.Context, permissionID string, usage map[string]any) error {
	return c.do(ctx, http.MethodPost, "/api/v1/permissions/"+url.PathEscape(permissionID)+"/usage", usage, nil)
}

// SubmitFeedback forwards user feedback to the governance API.
func (c *Client) SubmitFeedback(ctx context.Context, feedback map[string]any) error {
	return c.do(ctx, http.MethodPost, "/api/v1/feedback/submit", feedback, nil)
}

// Resource CRUD.

func (c *Client) CreateResource(ctx context.Context, resource map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/resources", resource, &out)
	return out, err
}

func (c *Client) GetResource(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/resources/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ListResources(ctx context.Context, filters map[string]string) ([]map[string]any, error) {
	q := url.Values{}
	for k, v := range filters {
		q.Set(k, v)
	}
	path := "/api/v1/resources"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Resources []map[string]any `json:"resources"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Resources, err
}

func (c *Client) UpdateResource(ctx context.Context, id string, update map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPatch, "/api/v1/resources/"+url.PathEscape(id), update, &out)
	return out, err
}

func (c *Client) DeleteResource(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/resources/"+url.PathEscape(id), nil, nil)
}

// Permission lifecycle.

func (c *Client) RequestPermission(ctx context.Context, request map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/permissions/request", request, &out)
	return out, err
}

func (c *Client) GetPermission(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/permissions/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ApprovePermission(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/permissions/"+url.PathEscape(id)+"/approve", nil, &out)
	return out, err
}

func (c *Client) RevokePermission(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/permissions/"+url.PathEscape(id)+"/revoke", nil, nil)
}

func (c *Client) ActivePermissions(ctx context.Context, actor string) ([]map[string]any, error) {
	var out struct {
		Permissions []map[string]any `json:"permissions"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/permissions/active?actor="+url.QueryEscape(actor), nil, &out)
	return out.Permissions, err
}

// Policy administration.

func (c *Client) ListPolicies(ctx context.Context, filters map[string]string) ([]map[string]any, error) {
	q := url.Values{}
	for k, v := range filters {
		q.Set(k, v)
	}
	path := "/api/v1/policies"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Policies []map[string]any `json:"policies"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Policies, err
}

func (c *Client) CreatePolicy(ctx context.Context, p map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/policies", p, &out)
	return out, err
}

func (c *Client) GetPolicy(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/policies/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) EvaluatePolicy(ctx context.Context, request map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/v1/policies/evaluate", request, &out)
	return out, err
}

// PermissionCacheStats returns the cache's current shape.
func (c *Client) PermissionCacheStats() CacheStats {
	return c.cache.stats()
}
