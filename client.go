package inboxsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the REST side of the inbox API. It is safe for concurrent
// use, including concurrent page fetches for different partitions, and
// doubles as the Session for the realtime channel.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client for the inbox API at baseURL.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the bearer token, empty when signed out.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token, e.g. after re-authentication.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result, err := decodeJSON[Result](data)
	if err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{Code: strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		}
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: strconv.Itoa(resp.StatusCode), Message: "request not ok"}
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Inbox API Methods
// ============================================================================

// GetTicketsPage fetches one page of a partition. Missing page and size
// fields in the response are filled from the request.
func (c *Client) GetTicketsPage(ctx context.Context, status Status, page, pageSize int) (*TicketPage, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown partition %q", status)
	}
	result, err := c.doRequest(ctx, http.MethodGet, "/api/tickets", nil, map[string]string{
		"status": string(status),
		"page":   strconv.Itoa(page),
		"size":   strconv.Itoa(pageSize),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s tickets page %d: %w", status, page, err)
	}

	var out TicketPage
	if err := result.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s tickets page %d: %w", status, page, err)
	}
	if out.Page == 0 {
		out.Page = page
	}
	if out.Size == 0 {
		out.Size = pageSize
	}
	return &out, nil
}

// GetMessage fetches one message by id.
func (c *Client) GetMessage(ctx context.Context, id int64) (*Message, error) {
	result, err := c.doRequest(ctx, http.MethodGet, "/api/messages/"+strconv.FormatInt(id, 10), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode message %d: %w", id, err)
	}
	return &msg, nil
}

// Health checks that the API is reachable and the token is accepted.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.doRequest(ctx, http.MethodGet, "/api/health", nil, nil); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}
