// Package remote implements the thin HTTP wrapper around the workspace API:
// paginated queries, single-record fetches, and the two write endpoints the
// outbound queue drains through.
//
// The client is stateless aside from a lazily refreshed cache mapping a
// resource id to its current data source id. Transient failures (429, 503,
// 504, network timeouts) are retried with a linearly increasing delay up to a
// fixed bound; on exhaustion the last error surfaces to the caller.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// DefaultPageSize is the page size full scans start from.
	DefaultPageSize = 100

	defaultMaxRetries     = 3
	defaultRetryBase      = 500 * time.Millisecond
	defaultRequestTimeout = 30 * time.Second
)

// Config holds the options for NewClient.
type Config struct {
	BaseURL    string
	Token      string
	APIVersion string // pinned via the X-Api-Version header

	// HTTPClient overrides the transport; nil uses a default client.
	HTTPClient *http.Client

	// MaxRetries bounds transient-error retries per request (0 = default).
	MaxRetries int

	// RetryBase is the unit of the linear retry delay (base * attempt).
	RetryBase time.Duration

	// RequestTimeout is the hard per-request deadline.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Client issues requests against the workspace API.
type Client struct {
	baseURL    string
	token      string
	apiVersion string
	httpc      *http.Client
	maxRetries uint64
	retryBase  time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	// resource id -> data source id, refreshed lazily
	dsMu sync.Mutex
	ds   map[string]string
}

// NewClient creates a Client from cfg, filling unset fields with defaults.
func NewClient(cfg Config) *Client {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		apiVersion: cfg.APIVersion,
		httpc:      httpc,
		maxRetries: uint64(maxRetries),
		retryBase:  retryBase,
		timeout:    timeout,
		logger:     logger,
		ds:         make(map[string]string),
	}
}

// linearBackoff returns base*1, base*2, base*3, ... between attempts.
func linearBackoff(base time.Duration) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return base * time.Duration(attempt), false
	})
}

// QueryPage runs one paginated query against resourceID's data source.
// The data source id is resolved through the lazy cache; a stale cache entry
// (data source rotated server-side) is invalidated and re-resolved once.
func (c *Client) QueryPage(ctx context.Context, resourceID string, q PageQuery) (*Page, error) {
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}

	dsID, err := c.dataSourceID(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data source for %s: %w", resourceID, err)
	}

	var page Page
	err = c.do(ctx, http.MethodPost, "/data_sources/"+dsID+"/query", q, &page)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			// The cached data source id went stale. Drop it and retry once
			// with a fresh resolution.
			c.invalidateDataSource(resourceID)
			dsID, err = c.dataSourceID(ctx, resourceID)
			if err != nil {
				return nil, fmt.Errorf("failed to re-resolve data source for %s: %w", resourceID, err)
			}
			if err := c.do(ctx, http.MethodPost, "/data_sources/"+dsID+"/query", q, &page); err != nil {
				return nil, err
			}
			return &page, nil
		}
		return nil, err
	}
	return &page, nil
}

// FetchRecord retrieves a single record. filterProps, when non-empty, trims
// the response to the named properties. Returns ErrNotFound for 404s.
func (c *Client) FetchRecord(ctx context.Context, recordID string, filterProps []string) (*Record, error) {
	path := "/records/" + recordID
	if len(filterProps) > 0 {
		vals := url.Values{}
		for _, p := range filterProps {
			vals.Add("filter_properties", p)
		}
		path += "?" + vals.Encode()
	}

	var rec Record
	if err := c.do(ctx, http.MethodGet, path, nil, &rec); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// CreateRecord creates a record under resourceID's data source and returns
// the remote copy, including the assigned id and unique id.
func (c *Client) CreateRecord(ctx context.Context, resourceID string, props map[string]Property) (*Record, error) {
	dsID, err := c.dataSourceID(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data source for %s: %w", resourceID, err)
	}

	body := map[string]any{
		"parent":     map[string]string{"data_source_id": dsID},
		"properties": props,
	}
	var rec Record
	if err := c.do(ctx, http.MethodPost, "/records", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateRecord patches the named properties of an existing record.
func (c *Client) UpdateRecord(ctx context.Context, recordID string, props map[string]Property) (*Record, error) {
	body := map[string]any{"properties": props}
	var rec Record
	if err := c.do(ctx, http.MethodPatch, "/records/"+recordID, body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// dataSourceID resolves the current data source id for a resource, caching
// the answer until invalidated.
func (c *Client) dataSourceID(ctx context.Context, resourceID string) (string, error) {
	c.dsMu.Lock()
	if id, ok := c.ds[resourceID]; ok {
		c.dsMu.Unlock()
		return id, nil
	}
	c.dsMu.Unlock()

	var res struct {
		ID          string `json:"id"`
		DataSources []struct {
			ID string `json:"id"`
		} `json:"data_sources"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections/"+resourceID, nil, &res); err != nil {
		return "", err
	}
	if len(res.DataSources) == 0 {
		return "", fmt.Errorf("collection %s has no data sources", resourceID)
	}
	id := res.DataSources[0].ID

	c.dsMu.Lock()
	c.ds[resourceID] = id
	c.dsMu.Unlock()

	return id, nil
}

func (c *Client) invalidateDataSource(resourceID string) {
	c.dsMu.Lock()
	delete(c.ds, resourceID)
	c.dsMu.Unlock()
}

// do issues one logical request with the bounded transient-retry policy.
// body and out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	backoff := retry.WithMaxRetries(c.maxRetries, linearBackoff(c.retryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			c.logger.Warn("transient api error, will retry",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

// doOnce performs a single HTTP round trip under the per-request timeout.
func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.apiVersion != "" {
		req.Header.Set("X-Api-Version", c.apiVersion)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
