package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:   srv.URL,
		Token:     "test-token",
		RetryBase: time.Millisecond,
		Logger:    slog.New(slog.DiscardHandler),
	})
	return c, srv
}

func collectionsHandler(dsID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           r.PathValue("id"),
			"data_sources": []map[string]string{{"id": dsID}},
		})
	}
}

func TestQueryPageSendsAuthAndVersion(t *testing.T) {
	var gotAuth, gotVersion string

	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{id}", collectionsHandler("ds-1"))
	mux.HandleFunc("POST /data_sources/ds-1/query", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("X-Api-Version")
		_ = json.NewEncoder(w).Encode(Page{})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:    srv.URL,
		Token:      "secret",
		APIVersion: "2025-09-03",
		RetryBase:  time.Millisecond,
		Logger:     slog.New(slog.DiscardHandler),
	})

	_, err := c.QueryPage(context.Background(), "col-1", PageQuery{PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "2025-09-03", gotVersion)
}

func TestQueryPageRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{id}", collectionsHandler("ds-1"))
	mux.HandleFunc("POST /data_sources/ds-1/query", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Page{HasMore: false})
	})

	c, _ := testClient(t, mux)

	page, err := c.QueryPage(context.Background(), "col-1", PageQuery{PageSize: 10})
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueryPageSurfacesErrorOnExhaustion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{id}", collectionsHandler("ds-1"))
	mux.HandleFunc("POST /data_sources/ds-1/query", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "rate_limited", "message": "slow down"})
	})

	c, _ := testClient(t, mux)

	_, err := c.QueryPage(context.Background(), "col-1", PageQuery{PageSize: 10})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestQueryPagePermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{id}", collectionsHandler("ds-1"))
	mux.HandleFunc("POST /data_sources/ds-1/query", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "validation_error", "message": "bad filter"})
	})

	c, _ := testClient(t, mux)

	_, err := c.QueryPage(context.Background(), "col-1", PageQuery{PageSize: 10})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueryPageRefreshesStaleDataSource(t *testing.T) {
	// The cached data source id rotates server-side mid-session: the first
	// query 404s, the client re-resolves and retries once.
	current := "ds-old"
	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           r.PathValue("id"),
			"data_sources": []map[string]string{{"id": current}},
		})
	})
	mux.HandleFunc("POST /data_sources/{ds}/query", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("ds") != "ds-new" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(Page{})
	})

	c, _ := testClient(t, mux)
	ctx := context.Background()

	// Warm the cache with the old id, then rotate.
	_, err := c.dataSourceID(ctx, "col-1")
	require.NoError(t, err)
	current = "ds-new"

	_, err = c.QueryPage(ctx, "col-1", PageQuery{PageSize: 10})
	require.NoError(t, err)
}

func TestFetchRecordNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /records/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c, _ := testClient(t, mux)

	_, err := c.FetchRecord(context.Background(), "missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFetchRecordFilterProperties(t *testing.T) {
	var gotQuery []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /records/{id}", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()["filter_properties"]
		_ = json.NewEncoder(w).Encode(Record{ID: r.PathValue("id")})
	})

	c, _ := testClient(t, mux)

	rec, err := c.FetchRecord(context.Background(), "rec-1", []string{"Name", "Status"})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, []string{"Name", "Status"}, gotQuery)
}

func TestCreateRecordPostsToDataSource(t *testing.T) {
	var gotBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{id}", collectionsHandler("ds-1"))
	mux.HandleFunc("POST /records", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(Record{ID: "rec-new"})
	})

	c, _ := testClient(t, mux)

	rec, err := c.CreateRecord(context.Background(), "col-1", map[string]Property{
		"Name": {Type: "title", Title: []RichText{{PlainText: "Hello"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "rec-new", rec.ID)

	parent, ok := gotBody["parent"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ds-1", parent["data_source_id"])
}

func TestLinearBackoff(t *testing.T) {
	b := linearBackoff(100 * time.Millisecond)

	for attempt := 1; attempt <= 3; attempt++ {
		d, stop := b.Next()
		assert.False(t, stop)
		assert.Equal(t, time.Duration(attempt)*100*time.Millisecond, d)
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&APIError{Status: 429}))
	assert.True(t, IsTransient(&APIError{Status: 503}))
	assert.True(t, IsTransient(&APIError{Status: 504}))
	assert.True(t, IsTransient(context.DeadlineExceeded))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(&APIError{Status: 400}))
	assert.False(t, IsTransient(&APIError{Status: 500}))
	assert.False(t, IsTransient(context.Canceled))
}
