// Package dca is a small Go client for the DCA service REST API.
package dca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Reconcile and tick calls may scan every order, so it is longer than a
// typical API timeout.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the DCA REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// AgentKey is the public view of a server-managed session key.
type AgentKey struct {
	ID                 string    `json:"keyId"`
	UserAddress        string    `json:"userAddress"`
	AgentAddress       string    `json:"agentAddress"`
	SmartWalletAddress string    `json:"smartWalletAddress,omitempty"`
	SessionKeyApproval string    `json:"sessionKeyApproval,omitempty"`
	Provider           string    `json:"provider,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	IsActive           bool      `json:"isActive"`
}

// OrderRequest is the payload for creating an order. TotalAmount is a base
// unit integer in decimal notation.
type OrderRequest struct {
	UserAddress        string `json:"userAddress"`
	AgentKeyID         string `json:"agentKeyId"`
	FromToken          string `json:"fromToken"`
	ToToken            string `json:"toToken"`
	DestinationAddress string `json:"destinationAddress"`
	TotalAmount        string `json:"totalAmount"`
	Frequency          string `json:"frequency"`
	TotalExecutions    int    `json:"totalExecutions"`
	StartAt            string `json:"startAt,omitempty"`
}

// Order is the subset of order fields most callers need. Amounts are kept as
// json.Number to avoid precision loss.
type Order struct {
	ID                string      `json:"id"`
	UserAddress       string      `json:"userAddress"`
	FromToken         string      `json:"fromToken"`
	ToToken           string      `json:"toToken"`
	TotalAmount       json.Number `json:"totalAmount"`
	ExecutedAmount    json.Number `json:"executedAmount"`
	Frequency         string      `json:"frequency"`
	TotalExecutions   int         `json:"totalExecutions"`
	ExecutionsCount   int         `json:"executionsCount"`
	Status            string      `json:"status"`
	StatusReason      string      `json:"statusReason,omitempty"`
	NextExecutionAt   time.Time   `json:"nextExecutionAt"`
	ExecutionTxHashes []string    `json:"executionTxHashes"`
	LastError         string      `json:"lastError,omitempty"`
}

// Change is one order touched by a maintenance job.
type Change struct {
	OrderID string `json:"orderId"`
	Action  string `json:"action"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason"`
}

// MaintenanceResult summarises a reconcile or backfill run.
type MaintenanceResult struct {
	Scanned   int      `json:"scanned"`
	Unflagged int      `json:"unflagged"`
	Changes   []Change `json:"changes"`
}

// Stats counts orders by status.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Paused    int `json:"paused"`
	Cancelled int `json:"cancelled"`
	Completed int `json:"completed"`
	Corrupt   int `json:"corrupt"`
	Flagged   int `json:"flagged"`
}

// TickReport summarises one scheduler pass.
type TickReport struct {
	Due        int            `json:"due"`
	Dispatched int            `json:"dispatched"`
	Outcomes   map[string]int `json:"outcomes,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("dca api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("dca api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the DCA API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored bearer token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// GenerateAgentKey creates a server-side session key for a user.
func (c *Client) GenerateAgentKey(ctx context.Context, userAddress string) (AgentKey, error) {
	var key AgentKey
	err := c.send(ctx, http.MethodPost, "/api/v1/agent-keys", map[string]string{"userAddress": userAddress}, &key)
	return key, err
}

// AgentKeys lists the active agent keys of a user.
func (c *Client) AgentKeys(ctx context.Context, userAddress string) ([]AgentKey, error) {
	var out struct {
		AgentKeys []AgentKey `json:"agentKeys"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userAddress)+"/agent-keys", nil, &out)
	return out.AgentKeys, err
}

// CreateOrder submits a new recurring order.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var o Order
	err := c.send(ctx, http.MethodPost, "/api/v1/orders", req, &o)
	return o, err
}

// GetOrder fetches a single order.
func (c *Client) GetOrder(ctx context.Context, id string) (Order, error) {
	var o Order
	err := c.send(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(id), nil, &o)
	return o, err
}

// Orders lists the orders of a user.
func (c *Client) Orders(ctx context.Context, userAddress string) ([]Order, error) {
	var out struct {
		Orders []Order `json:"orders"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userAddress)+"/orders", nil, &out)
	return out.Orders, err
}

// CancelOrder cancels an order. An empty reason lets the server pick one.
func (c *Client) CancelOrder(ctx context.Context, id, reason string) (Order, error) {
	return c.orderAction(ctx, id, "cancel", reason)
}

// PauseOrder pauses an active order.
func (c *Client) PauseOrder(ctx context.Context, id, reason string) (Order, error) {
	return c.orderAction(ctx, id, "pause", reason)
}

// ResumeOrder resumes a paused order.
func (c *Client) ResumeOrder(ctx context.Context, id string) (Order, error) {
	return c.orderAction(ctx, id, "resume", "")
}

// ReauthorizeOrder rebinds an order to another agent key and resumes it.
func (c *Client) ReauthorizeOrder(ctx context.Context, id, agentKeyID string) (Order, error) {
	var o Order
	err := c.send(ctx, http.MethodPost, "/api/v1/orders/"+url.PathEscape(id)+"/reauthorize", map[string]string{"agentKeyId": agentKeyID}, &o)
	return o, err
}

func (c *Client) orderAction(ctx context.Context, id, action, reason string) (Order, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var o Order
	err := c.send(ctx, http.MethodPost, "/api/v1/orders/"+url.PathEscape(id)+"/"+action, body, &o)
	return o, err
}

// Tick runs one scheduler pass on the server.
func (c *Client) Tick(ctx context.Context) (TickReport, error) {
	var r TickReport
	err := c.send(ctx, http.MethodPost, "/api/v1/scheduler/tick", nil, &r)
	return r, err
}

// Reconcile runs the reconciliation job.
func (c *Client) Reconcile(ctx context.Context) (MaintenanceResult, error) {
	var r MaintenanceResult
	err := c.send(ctx, http.MethodPost, "/api/v1/maintenance/reconcile", nil, &r)
	return r, err
}

// Backfill copies approvals from agent keys into orders missing them.
func (c *Client) Backfill(ctx context.Context) (MaintenanceResult, error) {
	var r MaintenanceResult
	err := c.send(ctx, http.MethodPost, "/api/v1/maintenance/backfill", nil, &r)
	return r, err
}

// Stats reports order counts by status.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.send(ctx, http.MethodGet, "/api/v1/maintenance/stats", nil, &s)
	return s, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Code == "" && apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
