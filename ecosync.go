// Package ecosync is the local-first synchronization core of the EcoTrack
// waste-collection tracker.
//
// It keeps the app usable offline: domain data is persisted in an embedded
// store, mutations are queued and retried against the remote row store with
// classification-aware backoff, realtime change subscriptions are held one
// per (kind, owner) pair, and the overlapping views — locally-queued
// activity, cached server activity, and live deltas — are reconciled into a
// single deduplicated feed.
//
// Example:
//
//	client := ecosync.NewClient("https://api.ecotrack.app", ecosync.WithToken(token))
//	store := ecosync.OpenStoreOrDegraded(ecosync.StoreConfig{Path: dir}, nil)
//	defer store.Close()
//
//	syncer := ecosync.NewSyncer(store, client, nil)
//	syncer.Start()
//	defer syncer.Stop()
//
//	stats := store.CachedStats(ownerID) // cache-aside read
package ecosync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production backend endpoint.
	DefaultBaseURL = "https://api.ecotrack.app"

	// DefaultTimeout bounds a single backend request.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the remote row store: row-level CRUD over named tables plus
// a realtime endpoint consumed by the SubscriptionManager.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithClientLogger sets the logger used for request diagnostics.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a backend client. baseURL may be empty to use the
// production endpoint.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the auth token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured backend endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RealtimeURL returns the websocket endpoint for a (kind, owner) channel.
func (c *Client) RealtimeURL(kind, ownerID string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("topic", kind)
	q.Set("owner", ownerID)
	if c.token != "" {
		q.Set("token", c.token)
	}
	return base + "/realtime?" + q.Encode()
}

// ── Internal request helper ──────────────────────────────

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (*APIResult, error) {
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
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

	result, err := decodeJSON[APIResult](data)
	if err != nil {
		// Not the standard envelope; surface the transport status instead.
		if resp.StatusCode >= 300 {
			return nil, &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: http.StatusText(resp.StatusCode)}
		}
		return nil, err
	}
	if result.Error != nil && result.Error.Status == 0 {
		result.Error.Status = resp.StatusCode
	}
	if !result.OK && result.Error == nil && resp.StatusCode >= 300 {
		result.Error = &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: http.StatusText(resp.StatusCode)}
	}
	return result, nil
}

// call performs a request and converts envelope errors into *APIError so the
// retry executor can classify them.
func (c *Client) call(ctx context.Context, method, path string, body any, query map[string]string) (*APIResult, error) {
	result, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: "UNKNOWN", Message: "request failed"}
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
// Row-store surface
// ============================================================================

// SelectRows fetches rows from a table matching the given filter.
func (c *Client) SelectRows(ctx context.Context, table string, filter map[string]string) ([]map[string]any, error) {
	result, err := c.call(ctx, "GET", "/rest/"+table, nil, filter)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := result.Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}
	return rows, nil
}

// InsertRow inserts a row into a table and returns the stored row.
func (c *Client) InsertRow(ctx context.Context, table string, row map[string]any) (map[string]any, error) {
	result, err := c.call(ctx, "POST", "/rest/"+table, row, nil)
	if err != nil {
		return nil, err
	}
	var stored map[string]any
	if err := result.Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to decode inserted row: %w", err)
	}
	return stored, nil
}

// UpdateRow updates the row with the given id.
func (c *Client) UpdateRow(ctx context.Context, table, id string, patch map[string]any) error {
	_, err := c.call(ctx, "PATCH", "/rest/"+table+"/"+id, patch, nil)
	return err
}

// DeleteRow deletes the row with the given id.
func (c *Client) DeleteRow(ctx context.Context, table, id string) error {
	_, err := c.call(ctx, "DELETE", "/rest/"+table+"/"+id, nil, nil)
	return err
}

// FetchStats fetches the canonical stats snapshot for an owner.
func (c *Client) FetchStats(ctx context.Context, ownerID string) (*CachedStats, error) {
	result, err := c.call(ctx, "GET", "/rest/user_stats/"+ownerID, nil, nil)
	if err != nil {
		return nil, err
	}
	var stats CachedStats
	if err := result.Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	stats.OwnerID = ownerID
	return &stats, nil
}

// FetchActivity fetches the newest server-confirmed activity for an owner.
func (c *Client) FetchActivity(ctx context.Context, ownerID string, limit int) ([]ActivityRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	result, err := c.call(ctx, "GET", "/rest/user_activity", nil, map[string]string{
		"owner": ownerID, "limit": fmt.Sprintf("%d", limit),
	})
	if err != nil {
		return nil, err
	}
	var records []ActivityRecord
	if err := result.Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode activity: %w", err)
	}
	for i := range records {
		records[i].Source = SourceServer
		records[i].SyncStatus = SyncSynced
	}
	return records, nil
}

// ActivePickup returns the owner's currently active pickup, if any. Absence
// is not an error: ok is false when there is no active pickup.
func (c *Client) ActivePickup(ctx context.Context, ownerID string) (row map[string]any, ok bool, err error) {
	rows, err := c.SelectRows(ctx, "pickups", map[string]string{"owner": ownerID, "status": "active"})
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}
