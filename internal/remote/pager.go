package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// pageSizeLadder is the sequence of page sizes the adaptive pager walks down
// when the server is slow or failing. The first entry is the normal size.
var pageSizeLadder = []int{100, 20, 10, 5, 1}

// maxMinSizeFailures is how many consecutive failures at the minimum page
// size are tolerated before the cursor is declared unfetchable.
const maxMinSizeFailures = 3

// DefaultSlowThreshold is the response latency above which a page request
// counts as a soft failure and triggers a page-size shrink.
const DefaultSlowThreshold = 8 * time.Second

// AdaptivePager walks a paginated query, shrinking the requested page size
// under slow or failing responses and restoring it once the server answers
// quickly again. Full scans use it so one pathological page cannot stall an
// import forever.
//
// Next returns pages in cursor order. A transient error leaves the cursor
// unchanged so the caller can retry the same page. After maxMinSizeFailures
// consecutive failures at the minimum page size, Next returns an error
// wrapping ErrCursorSkipped and the pager refuses further progress; the
// caller records Cursor() and ends the run with a partial result.
type AdaptivePager struct {
	client     *Client
	resourceID string
	query      PageQuery

	sizeIdx       int
	cursor        string
	minFailures   int
	skipped       bool
	slowThreshold time.Duration
	logger        *slog.Logger
}

// NewAdaptivePager creates a pager over resourceID using the filter and
// sorts from q. The page size in q is ignored; the ladder governs it.
func NewAdaptivePager(client *Client, resourceID string, q PageQuery, logger *slog.Logger) *AdaptivePager {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdaptivePager{
		client:        client,
		resourceID:    resourceID,
		query:         q,
		slowThreshold: DefaultSlowThreshold,
		logger:        logger,
	}
}

// SetSlowThreshold overrides the latency threshold. Zero restores the default.
func (p *AdaptivePager) SetSlowThreshold(d time.Duration) {
	if d <= 0 {
		d = DefaultSlowThreshold
	}
	p.slowThreshold = d
}

// Cursor returns the cursor the next page will be requested from.
func (p *AdaptivePager) Cursor() string {
	return p.cursor
}

// PageSize returns the page size the next request will ask for.
func (p *AdaptivePager) PageSize() int {
	return pageSizeLadder[p.sizeIdx]
}

// Next fetches the next page and advances the cursor on success.
func (p *AdaptivePager) Next(ctx context.Context) (*Page, error) {
	if p.skipped {
		return nil, fmt.Errorf("cursor %q: %w", p.cursor, ErrCursorSkipped)
	}

	q := p.query
	q.PageSize = pageSizeLadder[p.sizeIdx]
	q.StartCursor = p.cursor

	start := time.Now()
	page, err := p.client.QueryPage(ctx, p.resourceID, q)
	elapsed := time.Since(start)

	if err != nil {
		if !IsTransient(err) {
			return nil, err
		}

		atMin := p.sizeIdx == len(pageSizeLadder)-1
		if atMin {
			p.minFailures++
			if p.minFailures >= maxMinSizeFailures {
				p.skipped = true
				p.logger.Error("giving up on pagination cursor",
					slog.String("cursor", p.cursor),
					slog.Int("failures", p.minFailures),
				)
				return nil, fmt.Errorf("cursor %q failed %d times at minimum page size: %w",
					p.cursor, p.minFailures, ErrCursorSkipped)
			}
		} else {
			p.shrink("request failed")
		}
		return nil, err
	}

	p.minFailures = 0

	// A slow success still shrinks the next request; a fast response at a
	// reduced size restores the normal page size.
	if elapsed > p.slowThreshold {
		p.shrink("slow response")
	} else if p.sizeIdx > 0 {
		p.logger.Debug("restoring page size",
			slog.Int("from", pageSizeLadder[p.sizeIdx]),
			slog.Int("to", pageSizeLadder[0]),
		)
		p.sizeIdx = 0
	}

	p.cursor = page.NextCursor
	return page, nil
}

func (p *AdaptivePager) shrink(reason string) {
	if p.sizeIdx >= len(pageSizeLadder)-1 {
		return
	}
	p.sizeIdx++
	p.logger.Warn("shrinking page size",
		slog.String("reason", reason),
		slog.Int("page_size", pageSizeLadder[p.sizeIdx]),
	)
}
