package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagerServer simulates a collection whose query endpoint can be told to
// fail or stall. It records the page size of each query request.
type pagerServer struct {
	mu        sync.Mutex
	failing   bool
	delay     time.Duration
	pageSizes []int
	total     int
}

func (ps *pagerServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           r.PathValue("id"),
			"data_sources": []map[string]string{{"id": "ds-1"}},
		})
	})
	mux.HandleFunc("POST /data_sources/ds-1/query", func(w http.ResponseWriter, r *http.Request) {
		var q PageQuery
		_ = json.NewDecoder(r.Body).Decode(&q)

		ps.mu.Lock()
		ps.pageSizes = append(ps.pageSizes, q.PageSize)
		failing, delay, total := ps.failing, ps.delay, ps.total
		ps.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if failing {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}

		offset := 0
		if q.StartCursor != "" {
			offset, _ = strconv.Atoi(q.StartCursor)
		}
		end := offset + q.PageSize
		if end > total {
			end = total
		}
		page := Page{Results: make([]Record, end-offset)}
		if end < total {
			page.HasMore = true
			page.NextCursor = strconv.Itoa(end)
		}
		_ = json.NewEncoder(w).Encode(page)
	})
	return mux
}

func (ps *pagerServer) setFailing(failing bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.failing = failing
}

func (ps *pagerServer) setDelay(d time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.delay = d
}

func (ps *pagerServer) requestedSizes() []int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]int(nil), ps.pageSizes...)
}

func newTestPager(t *testing.T, ps *pagerServer) *AdaptivePager {
	t.Helper()
	srv := httptest.NewServer(ps.handler())
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:    srv.URL,
		Token:      "test-token",
		MaxRetries: 1,
		RetryBase:  time.Millisecond,
		Logger:     slog.New(slog.DiscardHandler),
	})
	return NewAdaptivePager(c, "col-1", PageQuery{}, slog.New(slog.DiscardHandler))
}

func TestPagerWalksPagesInOrder(t *testing.T) {
	ps := &pagerServer{total: 240}
	p := newTestPager(t, ps)
	ctx := context.Background()

	var counts []int
	for {
		page, err := p.Next(ctx)
		require.NoError(t, err)
		counts = append(counts, len(page.Results))
		if !page.HasMore {
			break
		}
	}
	assert.Equal(t, []int{100, 100, 40}, counts)
}

func TestPagerShrinksOnFailure(t *testing.T) {
	ps := &pagerServer{total: 10, failing: true}
	p := newTestPager(t, ps)
	ctx := context.Background()

	// Page size walks the ladder down one step per failed request and
	// never increases while the failures continue.
	wantSizes := []int{100, 20, 10, 5}
	for _, want := range wantSizes {
		assert.Equal(t, want, p.PageSize())
		_, err := p.Next(ctx)
		require.Error(t, err)
		require.True(t, IsTransient(err))
	}
	assert.Equal(t, 1, p.PageSize())

	sizes := ps.requestedSizes()
	for i := 1; i < len(sizes); i++ {
		assert.LessOrEqual(t, sizes[i], sizes[i-1], "page size must not grow under failures")
	}
}

func TestPagerSkipsCursorAfterMinSizeFailures(t *testing.T) {
	ps := &pagerServer{total: 10, failing: true}
	p := newTestPager(t, ps)
	ctx := context.Background()

	// Walk down to the minimum size.
	for p.PageSize() != 1 {
		_, err := p.Next(ctx)
		require.Error(t, err)
	}

	// Two more failures at minimum are tolerated, the third gives up.
	var err error
	for i := 0; i < 3; i++ {
		_, err = p.Next(ctx)
		require.Error(t, err)
	}
	require.ErrorIs(t, err, ErrCursorSkipped)

	// The pager refuses further progress.
	_, err = p.Next(ctx)
	require.ErrorIs(t, err, ErrCursorSkipped)
}

func TestPagerRecoversBeforeMinSizeLimit(t *testing.T) {
	ps := &pagerServer{total: 10, failing: true}
	p := newTestPager(t, ps)
	ctx := context.Background()

	for p.PageSize() != 1 {
		_, err := p.Next(ctx)
		require.Error(t, err)
	}
	_, err := p.Next(ctx)
	require.Error(t, err)

	// A success at minimum size resets the failure count and restores the
	// full page size for the next request.
	ps.setFailing(false)
	page, err := p.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, 100, p.PageSize())
}

func TestPagerShrinksOnSlowResponse(t *testing.T) {
	ps := &pagerServer{total: 300}
	p := newTestPager(t, ps)
	p.SetSlowThreshold(20 * time.Millisecond)
	ctx := context.Background()

	ps.setDelay(50 * time.Millisecond)
	_, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, p.PageSize())

	// A fast response at the reduced size restores the original.
	ps.setDelay(0)
	_, err = p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, p.PageSize())
}

func TestPagerRetryLeavesCursorUnchanged(t *testing.T) {
	ps := &pagerServer{total: 150}
	p := newTestPager(t, ps)
	ctx := context.Background()

	page, err := p.Next(ctx)
	require.NoError(t, err)
	require.True(t, page.HasMore)
	cursorAfterPage1 := p.Cursor()

	ps.setFailing(true)
	_, err = p.Next(ctx)
	require.Error(t, err)
	assert.Equal(t, cursorAfterPage1, p.Cursor(), "failed page must not advance the cursor")

	// The retried request resumes from the same cursor at the reduced size.
	ps.setFailing(false)
	page, err = p.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, page.Results, 20)
	assert.Equal(t, "120", p.Cursor())
}
