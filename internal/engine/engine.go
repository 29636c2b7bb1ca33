// Package engine orchestrates pulls from the workspace API into the local
// replica. Three modes share one pagination loop: a full import that never
// overwrites local rows, an active-only refresh that upserts the server's
// filtered subset, and a delta import that walks records newest-first and
// stops at the last-app-close anchor.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workmirror/workmirror/internal/model"
	"github.com/workmirror/workmirror/internal/remote"
	"github.com/workmirror/workmirror/internal/store"
)

// Mode selects the import strategy.
type Mode string

const (
	ModeFull   Mode = "full"
	ModeActive Mode = "active"
	ModeDelta  Mode = "delta"
)

// DefaultRetryDelay is the pause before retrying a page that failed
// transiently.
const DefaultRetryDelay = 2 * time.Second

// CollectionIDs holds the remote collection ids the engine pulls from.
type CollectionIDs struct {
	Tasks       string
	Projects    string
	TimeEntries string
}

// Config tunes the engine.
type Config struct {
	Collections CollectionIDs
	// RetryDelay is the fixed pause before retrying a transiently failed
	// page. Zero means DefaultRetryDelay.
	RetryDelay time.Duration
	// SlowThreshold overrides the pager's latency threshold. Zero keeps
	// the pager default.
	SlowThreshold time.Duration
}

// Report summarizes one collection's import.
type Report struct {
	Collection string
	Mode       Mode
	Pages      int
	Records    int
	Written    int
	Retries    int
	// SkippedCursor is set when pagination was abandoned at an
	// unfetchable cursor; the run ended partial.
	SkippedCursor string
	Duration      time.Duration
}

// Summary aggregates the per-collection reports of one run.
type Summary struct {
	Mode    Mode
	Reports []*Report
}

// Written returns the total rows written across all collections.
func (s *Summary) Written() int {
	total := 0
	for _, r := range s.Reports {
		total += r.Written
	}
	return total
}

// Partial reports whether any collection ended at a skipped cursor.
func (s *Summary) Partial() bool {
	for _, r := range s.Reports {
		if r.SkippedCursor != "" {
			return true
		}
	}
	return false
}

// Engine pulls remote records into the local store. One Engine is constructed
// per process and injected wherever imports run; it holds no state between
// runs beyond its dependencies.
type Engine struct {
	client        *remote.Client
	store         *store.Store
	collections   CollectionIDs
	retryDelay    time.Duration
	slowThreshold time.Duration
	logger        *slog.Logger
}

// New creates an import engine.
func New(client *remote.Client, st *store.Store, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Engine{
		client:        client,
		store:         st,
		collections:   cfg.Collections,
		retryDelay:    retryDelay,
		slowThreshold: cfg.SlowThreshold,
		logger:        logger,
	}
}

// ImportAll paginates every collection in full, inserting records that are
// not yet present and never overwriting existing local rows. Used for
// first-time setup; rerunning resumes by idempotence.
func (e *Engine) ImportAll(ctx context.Context) (*Summary, error) {
	return e.run(ctx, ModeFull, time.Time{})
}

// ImportActive refreshes the server-side "active" subset of tasks and
// projects, upserting each record so local rows reflect current remote truth.
func (e *Engine) ImportActive(ctx context.Context) (*Summary, error) {
	return e.run(ctx, ModeActive, time.Time{})
}

// ImportDelta pulls records edited since the stored last-app-close anchor,
// newest-first with an early exit at the cutoff. On a complete run the anchor
// advances to now; a partial or failed run leaves it untouched so the next
// delta re-covers the gap.
func (e *Engine) ImportDelta(ctx context.Context) (*Summary, error) {
	start := time.Now().UTC()
	cutoff, _, err := e.store.LastAppClose(ctx)
	if err != nil {
		return nil, err
	}

	summary, err := e.run(ctx, ModeDelta, cutoff)
	if err != nil || summary.Partial() {
		return summary, err
	}

	if err := e.store.SetLastAppClose(ctx, start); err != nil {
		return summary, err
	}
	return summary, nil
}

// run imports each collection of the mode. Tasks and projects touch disjoint
// tables and run concurrently; time entries follow because their rows
// reference task remote ids.
func (e *Engine) run(ctx context.Context, mode Mode, cutoff time.Time) (*Summary, error) {
	summary := &Summary{Mode: mode}

	cols := []collection{taskCollection(e.collections.Tasks), projectCollection(e.collections.Projects)}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		runErrs []error
	)
	for _, col := range cols {
		wg.Add(1)
		go func(col collection) {
			defer wg.Done()
			report, err := e.importCollection(ctx, col, mode, cutoff)
			mu.Lock()
			defer mu.Unlock()
			summary.Reports = append(summary.Reports, report)
			if err != nil {
				runErrs = append(runErrs, err)
			}
		}(col)
	}
	wg.Wait()

	if len(runErrs) > 0 {
		return summary, errors.Join(runErrs...)
	}

	// The active subset is defined by task/project state; time entries only
	// flow through full and delta imports.
	if mode != ModeActive {
		report, err := e.importCollection(ctx, timeEntryCollection(e.collections.TimeEntries), mode, cutoff)
		summary.Reports = append(summary.Reports, report)
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// importCollection walks one collection's pages in cursor order. Each page's
// writes commit in their own transaction; a transient failure sleeps the
// fixed delay and retries the same page; cancellation is honored between
// pages only, so no page is ever half-written.
func (e *Engine) importCollection(ctx context.Context, col collection, mode Mode, cutoff time.Time) (*Report, error) {
	report := &Report{Collection: col.name, Mode: mode}
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	q := remote.PageQuery{}
	switch mode {
	case ModeActive:
		q.Filter = col.activeFilter
	case ModeDelta:
		q.Sorts = []remote.Sort{{Timestamp: "last_edited_time", Direction: "descending"}}
	}

	pager := remote.NewAdaptivePager(e.client, col.resourceID, q, e.logger)
	if e.slowThreshold > 0 {
		pager.SetSlowThreshold(e.slowThreshold)
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		page, err := pager.Next(ctx)
		if err != nil {
			if errors.Is(err, remote.ErrCursorSkipped) {
				report.SkippedCursor = pager.Cursor()
				if serr := e.store.AddSkippedCursor(ctx, col.name, pager.Cursor()); serr != nil {
					e.logger.Error("failed to persist skipped cursor",
						slog.String("collection", col.name), slog.String("error", serr.Error()))
				}
				e.logger.Warn("import ended partial at skipped cursor",
					slog.String("collection", col.name), slog.String("cursor", pager.Cursor()))
				return report, nil
			}
			if remote.IsTransient(err) {
				report.Retries++
				e.logger.Warn("page failed, retrying same page",
					slog.String("collection", col.name),
					slog.Int("attempt", report.Retries),
					slog.String("error", err.Error()))
				if serr := sleep(ctx, e.retryDelay); serr != nil {
					return report, serr
				}
				continue
			}
			return report, fmt.Errorf("%s import: %w", col.name, err)
		}

		var reachedCutoff bool
		err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
			for i := range page.Results {
				rec := &page.Results[i]
				if mode == ModeDelta && !cutoff.IsZero() && rec.LastEditedTime.Before(cutoff) {
					reachedCutoff = true
					return nil
				}
				report.Records++
				written, err := col.apply(ctx, e.store, tx, rec, mode)
				if err != nil {
					// A record the mapper rejects is skipped, not fatal;
					// everything else aborts the page's transaction.
					var mapErr *mappingError
					if errors.As(err, &mapErr) {
						e.logger.Warn("skipping unmappable record",
							slog.String("collection", col.name),
							slog.String("record", rec.ID),
							slog.String("error", err.Error()))
						continue
					}
					return err
				}
				if written {
					report.Written++
				}
			}
			return nil
		})
		if err != nil {
			return report, fmt.Errorf("%s import: %w", col.name, err)
		}
		report.Pages++

		if reachedCutoff || !page.HasMore {
			e.logger.Info("import finished",
				slog.String("collection", col.name),
				slog.String("mode", string(mode)),
				slog.Int("pages", report.Pages),
				slog.Int("written", report.Written))
			return report, nil
		}
	}
}

// mappingError marks a record the remote→model mapper could not accept.
type mappingError struct{ err error }

func (m *mappingError) Error() string { return m.err.Error() }
func (m *mappingError) Unwrap() error { return m.err }

// collection binds a remote collection to its local write path.
type collection struct {
	name         string
	resourceID   string
	activeFilter map[string]any
	apply        func(ctx context.Context, st *store.Store, tx store.DBTX, rec *remote.Record, mode Mode) (bool, error)
}

func taskCollection(resourceID string) collection {
	return collection{
		name:       "tasks",
		resourceID: resourceID,
		activeFilter: map[string]any{
			"property": model.TaskPropStatus,
			"status":   map[string]any{"does_not_equal": "Done"},
		},
		apply: func(ctx context.Context, st *store.Store, tx store.DBTX, rec *remote.Record, mode Mode) (bool, error) {
			task, err := model.TaskFromRemote(rec)
			if err != nil {
				return false, &mappingError{err}
			}
			if mode == ModeFull {
				return st.InsertTaskIfAbsent(ctx, tx, task)
			}
			if err := st.UpsertTaskFromRemote(ctx, tx, task); err != nil {
				return false, err
			}
			if len(task.ProjectRemoteIDs) > 0 {
				if err := st.InsertTaskProjectEdges(ctx, tx, task.RemoteID, task.ProjectRemoteIDs); err != nil {
					return false, err
				}
			}
			return true, nil
		},
	}
}

func projectCollection(resourceID string) collection {
	return collection{
		name:       "projects",
		resourceID: resourceID,
		activeFilter: map[string]any{
			"property": model.ProjectPropArchived,
			"checkbox": map[string]any{"equals": false},
		},
		apply: func(ctx context.Context, st *store.Store, tx store.DBTX, rec *remote.Record, mode Mode) (bool, error) {
			project, err := model.ProjectFromRemote(rec)
			if err != nil {
				return false, &mappingError{err}
			}
			if mode == ModeFull {
				return st.InsertProjectIfAbsent(ctx, tx, project)
			}
			if err := st.UpsertProjectFromRemote(ctx, tx, project); err != nil {
				return false, err
			}
			return true, nil
		},
	}
}

func timeEntryCollection(resourceID string) collection {
	return collection{
		name:       "time_entries",
		resourceID: resourceID,
		apply: func(ctx context.Context, st *store.Store, tx store.DBTX, rec *remote.Record, mode Mode) (bool, error) {
			entry, err := model.TimeEntryFromRemote(rec)
			if err != nil {
				return false, &mappingError{err}
			}
			if mode == ModeFull {
				return st.InsertTimeEntryIfAbsent(ctx, tx, entry)
			}
			if err := st.UpsertTimeEntryFromRemote(ctx, tx, entry); err != nil {
				return false, err
			}
			return true, nil
		},
	}
}

// sleep waits for d or until ctx is canceled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
