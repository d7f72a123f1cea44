// Package apiclient is an HTTP client for the fleet API, shared by the MCP
// server and fleetctl.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the connection settings.
type Config struct {
	BaseURL     string        // e.g. "http://localhost:8080"
	APIKey      string        // operator key, "sk_..."
	AdminSecret string        // sent as X-Admin-Secret when set
	Timeout     time.Duration // defaults to 30s
}

// Client talks to the fleet API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d %s)", e.Status, e.Code)
}

// IsCode reports whether err is an APIError with the given machine code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}
	return json.RawMessage(respBody), nil
}

// --- Instances ---

// ListOptions filters ListInstances.
type ListOptions struct {
	Status         string
	SubscriptionID string
	AccountID      string
	Cursor         string
	Limit          int
}

// GetInstance returns one instance.
func (c *Client) GetInstance(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/instances/"+url.PathEscape(id), nil, nil)
}

// ListInstances returns a page of instances.
func (c *Client) ListInstances(ctx context.Context, opts ListOptions) (json.RawMessage, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.SubscriptionID != "" {
		q.Set("subscriptionId", opts.SubscriptionID)
	}
	if opts.AccountID != "" {
		q.Set("accountId", opts.AccountID)
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	return c.do(ctx, http.MethodGet, "/v1/instances", q, nil)
}

// InstanceHistory returns the transition log of an instance.
func (c *Client) InstanceHistory(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/instances/"+url.PathEscape(id)+"/transitions", nil, nil)
}

// Provision requests a new instance for a subscription.
func (c *Client) Provision(ctx context.Context, subscriptionID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/instances/provision", nil, map[string]string{"subscriptionId": subscriptionID})
}

// Action runs a lifecycle action: start, stop, restart, retry or limits.
func (c *Client) Action(ctx context.Context, id, action string) (json.RawMessage, error) {
	switch action {
	case "start", "stop", "restart", "retry", "limits":
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
	return c.do(ctx, http.MethodPost, "/v1/instances/"+url.PathEscape(id)+"/"+action, nil, nil)
}

// Deprovision tears an instance down.
func (c *Client) Deprovision(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, "/v1/instances/"+url.PathEscape(id), nil, nil)
}

// --- Tenants ---

// CreateAccount registers an account. An empty slug is derived server-side.
func (c *Client) CreateAccount(ctx context.Context, name, slug string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/accounts", nil, map[string]string{"name": name, "slug": slug})
}

// GetAccount returns an account and its open subscription.
func (c *Client) GetAccount(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(id), nil, nil)
}

// DeleteAccount soft-deletes an account.
func (c *Client) DeleteAccount(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, "/v1/accounts/"+url.PathEscape(id), nil, nil)
}

// Subscribe opens a subscription for an account.
func (c *Client) Subscribe(ctx context.Context, accountID, tier, status, billingRef string) (json.RawMessage, error) {
	body := map[string]string{"tier": tier}
	if status != "" {
		body["status"] = status
	}
	if billingRef != "" {
		body["billingRef"] = billingRef
	}
	return c.do(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(accountID)+"/subscriptions", nil, body)
}

// GetSubscription returns a subscription.
func (c *Client) GetSubscription(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(id), nil, nil)
}

// ChangeTier moves a subscription to another tier.
func (c *Client) ChangeTier(ctx context.Context, id, tier string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPatch, "/v1/subscriptions/"+url.PathEscape(id)+"/tier", nil, map[string]string{"tier": tier})
}

// SetSubscriptionStatus applies a billing status change.
func (c *Client) SetSubscriptionStatus(ctx context.Context, id, status string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPatch, "/v1/subscriptions/"+url.PathEscape(id)+"/status", nil, map[string]string{"status": status})
}

// --- Operators ---

// IssueKey issues an API key to an operator. Requires AdminSecret.
func (c *Client) IssueKey(ctx context.Context, operator, name string, ttl time.Duration) (json.RawMessage, error) {
	body := map[string]any{"name": name}
	if ttl > 0 {
		body["ttlSeconds"] = int64(ttl / time.Second)
	}
	return c.do(ctx, http.MethodPost, "/v1/admin/operators/"+url.PathEscape(operator)+"/keys", nil, body)
}

// Health returns the readiness report.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
