package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/workmirror/workmirror/internal/model"
	"github.com/workmirror/workmirror/internal/remote"
	"github.com/workmirror/workmirror/internal/store"
)

// fakeAPI serves the subset of the workspace API the engine exercises:
// data-source resolution and paginated queries with optional failure
// injection. Cursors are numeric offsets into the backing slice.
type fakeAPI struct {
	mu          sync.Mutex
	collections map[string][]remote.Record
	queryCalls  int
	failNext    int
	failStatus  int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{collections: make(map[string][]remote.Record)}
}

func (f *fakeAPI) setRecords(resourceID string, records []remote.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[resourceID] = records
}

// failQueries makes the next n query requests fail with status.
func (f *fakeAPI) failQueries(n, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.failStatus = status
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{id}", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"id": r.PathValue("id"),
			"data_sources": []map[string]string{
				{"id": r.PathValue("id") + "-ds"},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /data_sources/{id}/query", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.queryCalls++
		if f.failNext > 0 {
			f.failNext--
			status := f.failStatus
			f.mu.Unlock()
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "unavailable", "message": "injected"})
			return
		}
		resourceID := strings.TrimSuffix(r.PathValue("id"), "-ds")
		records := append([]remote.Record(nil), f.collections[resourceID]...)
		f.mu.Unlock()

		var q remote.PageQuery
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		for _, s := range q.Sorts {
			if s.Timestamp == "last_edited_time" && s.Direction == "descending" {
				sort.Slice(records, func(i, j int) bool {
					return records[i].LastEditedTime.After(records[j].LastEditedTime)
				})
			}
		}

		offset := 0
		if q.StartCursor != "" {
			offset, _ = strconv.Atoi(q.StartCursor)
		}
		size := q.PageSize
		if size <= 0 {
			size = remote.DefaultPageSize
		}
		end := offset + size
		if end > len(records) {
			end = len(records)
		}
		page := remote.Page{Results: records[offset:end]}
		if end < len(records) {
			page.HasMore = true
			page.NextCursor = strconv.Itoa(end)
		}
		_ = json.NewEncoder(w).Encode(page)
	})
	return mux
}

func taskRecord(id, uniqueNum, title, status string, edited time.Time) remote.Record {
	n, _ := strconv.ParseInt(uniqueNum, 10, 64)
	flagged := false
	return remote.Record{
		ID:             id,
		LastEditedTime: edited,
		Properties: map[string]remote.Property{
			model.TaskPropTitle: {Type: "title", Title: []remote.RichText{{PlainText: title}}},
			model.TaskPropStatus: {Type: "status",
				Status: &remote.SelectValue{Name: status}},
			model.TaskPropFlagged:  {Type: "checkbox", Checkbox: &flagged},
			model.TaskPropUniqueID: {Type: "unique_id", UniqueID: &remote.UniqueID{Prefix: "WM", Number: n}},
		},
	}
}

func projectRecord(id, name string, edited time.Time) remote.Record {
	return remote.Record{
		ID:             id,
		LastEditedTime: edited,
		Properties: map[string]remote.Property{
			model.ProjectPropName: {Type: "title", Title: []remote.RichText{{PlainText: name}}},
			model.ProjectPropStatus: {Type: "status",
				Status: &remote.SelectValue{Name: "Active"}},
		},
	}
}

func timeEntryRecord(id, taskID string, start time.Time) remote.Record {
	return remote.Record{
		ID:             id,
		LastEditedTime: start,
		Properties: map[string]remote.Property{
			model.TimeEntryPropInterval: {Type: "date",
				Date: &remote.DateValue{Start: start.Format(time.RFC3339)}},
			model.TimeEntryPropTask: {Type: "relation",
				Relation: []remote.Relation{{ID: taskID}}},
		},
	}
}

func newTestEngine(t *testing.T, api *fakeAPI) (*Engine, *store.Store) {
	t.Helper()

	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	logger := slog.New(slog.DiscardHandler)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.RunMigrations(context.Background()))

	client := remote.NewClient(remote.Config{
		BaseURL:   srv.URL,
		Token:     "test-token",
		RetryBase: time.Millisecond,
		Logger:    logger,
	})

	eng := New(client, st, Config{
		Collections: CollectionIDs{Tasks: "col-tasks", Projects: "col-projects", TimeEntries: "col-entries"},
		RetryDelay:  time.Millisecond,
	}, logger)
	return eng, st
}

func TestImportAllThreePages(t *testing.T) {
	api := newFakeAPI()
	edited := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// 240 tasks: pages of 100/100/40 at the default page size.
	tasks := make([]remote.Record, 240)
	for i := range tasks {
		tasks[i] = taskRecord(
			fmt.Sprintf("task-%03d", i), strconv.Itoa(i+1),
			fmt.Sprintf("Task %03d", i), "To Do", edited)
	}
	api.setRecords("col-tasks", tasks)
	api.setRecords("col-projects", []remote.Record{projectRecord("proj-1", "Launch", edited)})
	api.setRecords("col-entries", []remote.Record{timeEntryRecord("te-1", "task-001", edited)})

	eng, st := newTestEngine(t, api)
	ctx := context.Background()

	summary, err := eng.ImportAll(ctx)
	require.NoError(t, err)
	require.False(t, summary.Partial())
	require.Equal(t, 242, summary.Written())

	count, err := st.CountTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 240, count)

	var taskReport *Report
	for _, r := range summary.Reports {
		if r.Collection == "tasks" {
			taskReport = r
		}
	}
	require.NotNil(t, taskReport)
	require.Equal(t, 3, taskReport.Pages)
	require.Equal(t, 240, taskReport.Records)

	// A second full import finds every row present and writes nothing.
	summary, err = eng.ImportAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Written())

	count, err = st.CountTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 240, count)
}

func TestImportAllNeverOverwrites(t *testing.T) {
	api := newFakeAPI()
	edited := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	api.setRecords("col-tasks", []remote.Record{taskRecord("task-1", "1", "Remote title", "To Do", edited)})

	eng, st := newTestEngine(t, api)
	ctx := context.Background()

	existing := &model.Task{
		LocalID:    "existing-local",
		RemoteID:   "task-1",
		Title:      "Local title",
		Status:     "in_progress",
		SyncStatus: model.SyncSynced,
	}
	require.NoError(t, st.UpsertTaskFromRemote(ctx, nil, existing))

	_, err := eng.ImportAll(ctx)
	require.NoError(t, err)

	got, err := st.GetTaskByRemoteID(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "Local title", got.Title)
	require.Equal(t, "existing-local", got.LocalID)
}

func TestImportActiveReflectsRemoteEdit(t *testing.T) {
	api := newFakeAPI()
	edited := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	api.setRecords("col-tasks", []remote.Record{taskRecord("task-1", "1", "Ship it", "To Do", edited)})
	api.setRecords("col-projects", nil)

	eng, st := newTestEngine(t, api)
	ctx := context.Background()

	_, err := eng.ImportActive(ctx)
	require.NoError(t, err)

	before, err := st.GetTaskByRemoteID(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "to_do", before.Status)

	// The record changes remotely; the next active import must reflect it
	// under the same local id.
	api.setRecords("col-tasks", []remote.Record{taskRecord("task-1", "1", "Ship it", "In Progress", edited.Add(time.Hour))})

	_, err = eng.ImportActive(ctx)
	require.NoError(t, err)

	after, err := st.GetTaskByRemoteID(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "in_progress", after.Status)
	require.Equal(t, before.LocalID, after.LocalID)
}

func TestImportActiveIdempotent(t *testing.T) {
	api := newFakeAPI()
	edited := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	api.setRecords("col-tasks", []remote.Record{
		taskRecord("task-1", "1", "One", "To Do", edited),
		taskRecord("task-2", "2", "Two", "In Progress", edited),
	})
	api.setRecords("col-projects", []remote.Record{projectRecord("proj-1", "Launch", edited)})

	eng, st := newTestEngine(t, api)
	ctx := context.Background()

	_, err := eng.ImportActive(ctx)
	require.NoError(t, err)
	first, err := st.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)

	_, err = eng.ImportActive(ctx)
	require.NoError(t, err)
	second, err := st.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].LocalID, second[i].LocalID)
		require.Equal(t, first[i].Title, second[i].Title)
		require.Equal(t, first[i].Status, second[i].Status)
	}
}

func TestImportActiveExtractsRelationEdges(t *testing.T) {
	api := newFakeAPI()
	edited := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	rec := taskRecord("task-1", "1", "Linked", "To Do", edited)
	rec.Properties[model.TaskPropProjects] = remote.Property{
		Type:     "relation",
		Relation: []remote.Relation{{ID: "proj-1"}, {ID: "proj-2"}},
	}
	api.setRecords("col-tasks", []remote.Record{rec})
	api.setRecords("col-projects", nil)

	eng, st := newTestEngine(t, api)
	ctx := context.Background()

	_, err := eng.ImportActive(ctx)
	require.NoError(t, err)

	ids, err := st.ProjectIDsForTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, []string{"proj-1", "proj-2"}, ids)
}

func TestImportSkipsRecordFailingValidation(t *testing.T) {
	api := newFakeAPI()
	edited := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// A title past the storable limit must cost only that record, not the
	// page or the collection.
	api.setRecords("col-tasks", []remote.Record{
		taskRecord("task-bad", "1", strings.Repeat("x", 600), "To Do", edited),
		taskRecord("task-good", "2", "Still imports", "To Do", edited),
	})
	api.setRecords("col-projects", nil)
	api.setRecords("col-entries", nil)

	eng, st := newTestEngine(t, api)
	ctx := context.Background()

	summary, err := eng.ImportActive(ctx)
	require.NoError(t, err)
	require.False(t, summary.Partial())
	require.Equal(t, 1, summary.Written())

	_, err = st.GetTaskByRemoteID(ctx, "task-good")
	require.NoError(t, err)
	_, err = st.GetTaskByRemoteID(ctx, "task-bad")
	require.ErrorIs(t, err, store.ErrNotFound)

	// The skip is stable: rerunning imports the same set without error.
	_, err = eng.ImportAll(ctx)
	require.NoError(t, err)
	count, err := st.CountTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestImportDeltaStopsAtCutoff(t *testing.T) {
	api := newFakeAPI()
	cutoff := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	// Two records edited after the anchor, two before.
	api.setRecords("col-tasks", []remote.Record{
		taskRecord("task-old-1", "1", "Old one", "Done", cutoff.Add(-48*time.Hour)),
		taskRecord("task-new-1", "2", "New one", "To Do", cutoff.Add(24*time.Hour)),
		taskRecord("task-old-2", "3", "Old two", "Done", cutoff.Add(-24*time.Hour)),
		taskRecord("task-new-2", "4", "New two", "To Do", cutoff.Add(48*time.Hour)),
	})
	api.setRecords("col-projects", nil)
	api.setRecords("col-entries", nil)

	eng, st := newTestEngine(t, api)
	ctx := context.Background()
	require.NoError(t, st.SetLastAppClose(ctx, cutoff))

	summary, err := eng.ImportDelta(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Written())

	_, err = st.GetTaskByRemoteID(ctx, "task-new-1")
	require.NoError(t, err)
	_, err = st.GetTaskByRemoteID(ctx, "task-new-2")
	require.NoError(t, err)
	_, err = st.GetTaskByRemoteID(ctx, "task-old-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	// The anchor advanced past the original cutoff.
	anchor, ok, err := st.LastAppClose(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, anchor.After(cutoff))
}

func TestTransientPageErrorRetriesSamePage(t *testing.T) {
	api := newFakeAPI()
	edited := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	tasks := make([]remote.Record, 150)
	for i := range tasks {
		tasks[i] = taskRecord(
			fmt.Sprintf("task-%03d", i), strconv.Itoa(i+1),
			fmt.Sprintf("Task %03d", i), "To Do", edited)
	}
	api.setRecords("col-tasks", tasks)
	api.setRecords("col-projects", nil)
	api.setRecords("col-entries", nil)

	eng, st := newTestEngine(t, api)
	ctx := context.Background()

	// Enough 503s to exhaust the client's internal retries once, forcing
	// the engine's same-page retry path.
	api.failQueries(4, http.StatusServiceUnavailable)

	summary, err := eng.ImportAll(ctx)
	require.NoError(t, err)
	require.False(t, summary.Partial())

	count, err := st.CountTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 150, count)
}

func TestPermanentErrorAbortsKeepingCommittedPages(t *testing.T) {
	api := newFakeAPI()
	edited := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	tasks := make([]remote.Record, 150)
	for i := range tasks {
		tasks[i] = taskRecord(
			fmt.Sprintf("task-%03d", i), strconv.Itoa(i+1),
			fmt.Sprintf("Task %03d", i), "To Do", edited)
	}
	api.setRecords("col-tasks", tasks)
	api.setRecords("col-projects", nil)
	api.setRecords("col-entries", nil)

	eng, st := newTestEngine(t, api)
	ctx := context.Background()

	// A clean run first, committing all pages.
	_, err := eng.ImportAll(ctx)
	require.NoError(t, err)
	count, err := st.CountTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 150, count)

	// A permanent 400 aborts the next run without rolling back rows
	// committed by earlier runs or pages.
	api.failQueries(10, http.StatusBadRequest)
	_, err = eng.ImportAll(ctx)
	require.Error(t, err)

	count, err = st.CountTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 150, count)
}

func TestImportCancelledBetweenPages(t *testing.T) {
	api := newFakeAPI()
	edited := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	api.setRecords("col-tasks", []remote.Record{taskRecord("task-1", "1", "One", "To Do", edited)})
	api.setRecords("col-projects", nil)
	api.setRecords("col-entries", nil)

	eng, _ := newTestEngine(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.ImportAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
