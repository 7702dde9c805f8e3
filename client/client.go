// Package client is the Go SDK for a coordd server.
package client

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
	"time"

	"pkt.systems/coordd/api"
	"pkt.systems/coordd/internal/correlation"
	"pkt.systems/pslog"
)

const defaultHTTPTimeout = 15 * time.Minute

const headerCorrelationID = "X-Correlation-Id"
const headerIndex = "X-Coordd-Index"

// APIError is a structured, non-2xx server response.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("coordd: %s (%d): %s", e.Code, e.Status, e.Detail)
	}
	return fmt.Sprintf("coordd: %s (%d)", e.Code, e.Status)
}

// IsNotFound reports whether err is a 404 APIError.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// Client talks to one coordd server.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	logger        pslog.Logger
	correlationID string
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics. Passing nil falls back
// to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = logger
	}
}

// WithCorrelationID pins a correlation id sent on every request. Empty keeps
// per-request generated ids.
func WithCorrelationID(id string) Option {
	return func(c *Client) {
		if normalized, ok := correlation.Normalize(id); ok {
			c.correlationID = normalized
		}
	}
}

// New constructs a client for baseURL, e.g. "http://127.0.0.1:9460".
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}
	c := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// QueryMeta echoes server-side read metadata.
type QueryMeta = api.QueryMeta

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	corr := c.correlationID
	if corr == "" {
		corr = correlation.Generate()
	}
	req.Header.Set(headerCorrelationID, corr)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// decodeJSON reads a 2xx body into out, or surfaces the error envelope.
func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var envelope api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.ErrorCode == "" {
		return &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	}
	return &APIError{
		Status: resp.StatusCode,
		Code:   envelope.ErrorCode,
		Detail: envelope.Detail,
	}
}

func parseMeta(resp *http.Response) (*QueryMeta, error) {
	raw := strings.TrimSpace(resp.Header.Get(headerIndex))
	if raw == "" {
		return &QueryMeta{}, nil
	}
	index, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %s header: %w", headerIndex, err)
	}
	return &QueryMeta{Index: index}, nil
}

func queryFromOptions(opts *api.QueryOptions) url.Values {
	q := url.Values{}
	if opts == nil {
		return q
	}
	if opts.Recurse {
		q.Set("recurse", "true")
	}
	if opts.WaitIndex > 0 {
		q.Set("index", strconv.FormatUint(opts.WaitIndex, 10))
	}
	if opts.Wait != "" {
		q.Set("wait", opts.Wait)
	}
	if opts.AllowStale {
		q.Set("stale", "true")
	}
	return q
}

// Get reads a single key. A missing key returns a nil pair with valid meta,
// mirroring the server's 404-with-index response.
func (c *Client) Get(ctx context.Context, key string, opts *api.QueryOptions) (*api.KVPair, *QueryMeta, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/kv/"+key, queryFromOptions(opts), nil)
	if err != nil {
		return nil, nil, err
	}
	meta, metaErr := parseMeta(resp)
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		if metaErr != nil {
			return nil, nil, metaErr
		}
		return nil, meta, nil
	}
	var pairs []api.KVPair
	if err := decodeJSON(resp, &pairs); err != nil {
		return nil, nil, err
	}
	if metaErr != nil {
		return nil, nil, metaErr
	}
	if len(pairs) == 0 {
		return nil, meta, nil
	}
	return &pairs[0], meta, nil
}

// List reads every key under prefix. An empty result returns a nil slice with
// valid meta.
func (c *Client) List(ctx context.Context, prefix string, opts *api.QueryOptions) ([]api.KVPair, *QueryMeta, error) {
	q := queryFromOptions(opts)
	q.Set("recurse", "true")
	resp, err := c.do(ctx, http.MethodGet, "/v1/kv/"+prefix, q, nil)
	if err != nil {
		return nil, nil, err
	}
	meta, metaErr := parseMeta(resp)
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		if metaErr != nil {
			return nil, nil, metaErr
		}
		return nil, meta, nil
	}
	var pairs []api.KVPair
	if err := decodeJSON(resp, &pairs); err != nil {
		return nil, nil, err
	}
	if metaErr != nil {
		return nil, nil, metaErr
	}
	return pairs, meta, nil
}

// Put writes key with the supplied options. The returned bool mirrors the
// server verdict: false means a CAS or lock conflict, not an error.
func (c *Client) Put(ctx context.Context, key string, value []byte, opts *api.WriteOptions) (bool, error) {
	q := url.Values{}
	if opts != nil {
		if opts.Flags != 0 {
			q.Set("flags", strconv.FormatUint(opts.Flags, 10))
		}
		if opts.CAS != nil {
			q.Set("cas", strconv.FormatUint(*opts.CAS, 10))
		}
		if opts.AcquireSession != "" {
			q.Set("acquire", opts.AcquireSession)
		}
		if opts.ReleaseSession != "" {
			q.Set("release", opts.ReleaseSession)
		}
	}
	resp, err := c.do(ctx, http.MethodPut, "/v1/kv/"+key, q, value)
	if err != nil {
		return false, err
	}
	var applied bool
	if err := decodeJSON(resp, &applied); err != nil {
		return false, err
	}
	return applied, nil
}

// Acquire writes key while taking its lock for session.
func (c *Client) Acquire(ctx context.Context, key string, value []byte, session string) (bool, error) {
	return c.Put(ctx, key, value, &api.WriteOptions{AcquireSession: session})
}

// Release writes key while releasing the lock held by session.
func (c *Client) Release(ctx context.Context, key string, value []byte, session string) (bool, error) {
	return c.Put(ctx, key, value, &api.WriteOptions{ReleaseSession: session})
}

// Delete removes key, or the whole prefix when recurse is true.
func (c *Client) Delete(ctx context.Context, key string, recurse bool) (bool, error) {
	q := url.Values{}
	if recurse {
		q.Set("recurse", "true")
	}
	resp, err := c.do(ctx, http.MethodDelete, "/v1/kv/"+key, q, nil)
	if err != nil {
		return false, err
	}
	var deleted bool
	if err := decodeJSON(resp, &deleted); err != nil {
		return false, err
	}
	return deleted, nil
}

// SessionCreate registers a session and returns its id.
func (c *Client) SessionCreate(ctx context.Context, req api.SessionCreateRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode session request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPut, "/v1/session/create", nil, body)
	if err != nil {
		return "", err
	}
	var created api.SessionCreateResponse
	if err := decodeJSON(resp, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// SessionRenew refreshes a session's expiry deadline.
func (c *Client) SessionRenew(ctx context.Context, id string) (*api.Session, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/session/renew/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	var sessions []api.Session
	if err := decodeJSON(resp, &sessions); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("renew returned empty session list")
	}
	return &sessions[0], nil
}

// SessionDestroy removes a session and runs its behavior cascade.
func (c *Client) SessionDestroy(ctx context.Context, id string) (bool, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/session/destroy/"+id, nil, nil)
	if err != nil {
		return false, err
	}
	var destroyed bool
	if err := decodeJSON(resp, &destroyed); err != nil {
		return false, err
	}
	return destroyed, nil
}

// SessionInfo reads one session's snapshot.
func (c *Client) SessionInfo(ctx context.Context, id string) (*api.Session, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/session/info/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	var sessions []api.Session
	if err := decodeJSON(resp, &sessions); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, &APIError{Status: http.StatusNotFound, Code: "session_not_found"}
	}
	return &sessions[0], nil
}

// Sessions lists every live session.
func (c *Client) Sessions(ctx context.Context) ([]api.Session, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/session/list", nil, nil)
	if err != nil {
		return nil, err
	}
	var sessions []api.Session
	if err := decodeJSON(resp, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Datacenters lists the datacenters the server answers for.
func (c *Client) Datacenters(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/catalog/datacenters", nil, nil)
	if err != nil {
		return nil, err
	}
	var dcs []string
	if err := decodeJSON(resp, &dcs); err != nil {
		return nil, err
	}
	return dcs, nil
}

// Health probes the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}
