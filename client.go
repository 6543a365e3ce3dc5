package zoesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Remote Data Gateway
// ============================================================================

// DefaultTimeout is the per-request timeout for gateway calls.
const DefaultTimeout = 30 * time.Second

// Gateway abstracts the remote store's write surface. All calls are
// synchronous network I/O; any failure is treated by the sync engine as
// retryable up to the retry threshold.
type Gateway interface {
	Insert(ctx context.Context, table string, data map[string]any) (map[string]any, error)
	Upsert(ctx context.Context, table string, data map[string]any, conflictKeys []string) (map[string]any, error)
	Update(ctx context.Context, table string, payload, predicate map[string]any) (map[string]any, error)
	Delete(ctx context.Context, table string, predicate map[string]any) error
}

// ChangeFeed is the gateway's realtime change-notification surface.
// The returned disposer tears the subscription down.
type ChangeFeed interface {
	Subscribe(table string, predicate map[string]any, onChange func(ChangeEvent)) (func(), error)
}

// Client talks to the backend's row-level REST API: plain inserts, upserts
// resolved on named conflict keys, and updates/deletes filtered by equality
// predicates carried in the query string.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a gateway client. token may be empty for anonymous reads.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Ping issues a cheap request against the REST root and reports its latency.
// Shaped to serve as a NetworkMonitor Prober.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := c.do(ctx, http.MethodHead, "/rest/v1/", nil, nil, "")
	return time.Since(start), err
}

// Insert appends a row and returns the stored representation.
func (c *Client) Insert(ctx context.Context, table string, data map[string]any) (map[string]any, error) {
	body, err := c.do(ctx, http.MethodPost, "/rest/v1/"+table, data, nil, "return=representation")
	if err != nil {
		return nil, err
	}
	return firstRow(body)
}

// Upsert inserts a row, merging into the existing one on a conflict over
// conflictKeys. Replaying the same insert is therefore idempotent.
func (c *Client) Upsert(ctx context.Context, table string, data map[string]any, conflictKeys []string) (map[string]any, error) {
	query := url.Values{}
	if len(conflictKeys) > 0 {
		query.Set("on_conflict", strings.Join(conflictKeys, ","))
	}
	body, err := c.do(ctx, http.MethodPost, "/rest/v1/"+table, data, query,
		"return=representation,resolution=merge-duplicates")
	if err != nil {
		return nil, err
	}
	return firstRow(body)
}

// Update applies payload to rows matching every predicate field.
func (c *Client) Update(ctx context.Context, table string, payload, predicate map[string]any) (map[string]any, error) {
	body, err := c.do(ctx, http.MethodPatch, "/rest/v1/"+table, payload, filterQuery(predicate), "return=representation")
	if err != nil {
		return nil, err
	}
	return firstRow(body)
}

// Delete removes rows matching every predicate field.
func (c *Client) Delete(ctx context.Context, table string, predicate map[string]any) error {
	_, err := c.do(ctx, http.MethodDelete, "/rest/v1/"+table, nil, filterQuery(predicate), "")
	return err
}

// ── Idempotency keys ──────────────────────────────────────

type ctxKey int

const idempotencyCtxKey ctxKey = iota

// WithIdempotencyKey attaches a client-generated key sent as the
// X-Idempotency-Key header on the next gateway call.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyCtxKey, key)
}

func idempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyCtxKey).(string)
	return key
}

// ── Request plumbing ──────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values, prefer string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
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
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if key := idempotencyKeyFrom(ctx); key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("gateway request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// decodeAPIError converts a non-2xx response body into an *APIError when the
// backend returned its structured error shape.
func decodeAPIError(status int, body []byte) error {
	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		if apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("HTTP_%d", status)
		}
		return &apiErr
	}
	return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
}

// filterQuery renders predicate fields as eq. filters, in sorted key order
// so request lines are stable.
func filterQuery(predicate map[string]any) url.Values {
	keys := make([]string, 0, len(predicate))
	for k := range predicate {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	query := url.Values{}
	for _, k := range keys {
		query.Set(k, "eq."+fmt.Sprint(predicate[k]))
	}
	return query
}

// firstRow decodes a row-set response and returns its first row, or nil for
// an empty set.
func firstRow(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		// Some endpoints return a bare object.
		var row map[string]any
		if err2 := json.Unmarshal(body, &row); err2 == nil {
			return row, nil
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
