package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workmirror/workmirror/internal/engine"
	"github.com/workmirror/workmirror/internal/model"
	"github.com/workmirror/workmirror/internal/remote"
	"github.com/workmirror/workmirror/internal/store"
)

// emptyAPI serves collections whose queries always return an empty page,
// enough for import plumbing tests that only care about run bookkeeping.
func emptyAPI() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           r.PathValue("id"),
			"data_sources": []map[string]string{{"id": "ds-" + r.PathValue("id")}},
		})
	})
	mux.HandleFunc("POST /data_sources/{id}/query", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(remote.Page{})
	})
	return mux
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()

	srv := httptest.NewServer(emptyAPI())
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
	eng := engine.New(client, st, engine.Config{
		Collections: engine.CollectionIDs{
			Tasks:       "col-tasks",
			Projects:    "col-projects",
			TimeEntries: "col-entries",
		},
		RetryDelay: time.Millisecond,
	}, logger)
	return New(st, eng, logger), st
}

func TestCreateLocalStoresAndQueues(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	task, err := svc.CreateLocal(ctx, TaskDraft{
		Title:   "File expense report",
		DueDate: &due,
		Flagged: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, task.LocalID)

	got, err := st.GetTask(ctx, task.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "File expense report", got.Title)
	assert.Equal(t, "inbox", got.Status)
	assert.Equal(t, model.SyncLocalOnly, got.SyncStatus)
	assert.Empty(t, got.RemoteID)
	require.NotNil(t, got.DueDate)
	assert.Contains(t, got.FieldLocalTS, model.TaskPropTitle)
	assert.Contains(t, got.FieldLocalTS, model.TaskPropDue)
	assert.Contains(t, got.FieldLocalTS, model.TaskPropFlagged)

	changes, err := st.PendingChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, store.OpCreate, changes[0].Operation)
	assert.Equal(t, store.EntityTask, changes[0].EntityType)
	assert.Equal(t, task.LocalID, changes[0].LocalID)
	assert.Empty(t, changes[0].RemoteID)

	var queued model.Task
	require.NoError(t, json.Unmarshal([]byte(changes[0].Payload), &queued))
	assert.Equal(t, "File expense report", queued.Title)
}

func TestCreateLocalRejectsEmptyTitle(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateLocal(ctx, TaskDraft{})
	require.Error(t, err)

	count, err := st.PendingChangeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestUpdateLocalQueuesChangedFields(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateLocal(ctx, TaskDraft{Title: "Prepare slides"})
	require.NoError(t, err)
	require.NoError(t, st.SetTaskRemoteIdentity(ctx, task.LocalID, "rem-7", "TASK-7", time.Now().UTC()))

	status := "in_progress"
	flagged := true
	updated, err := svc.UpdateLocal(ctx, task.LocalID, TaskPatch{
		Status:  &status,
		Flagged: &flagged,
	})
	require.NoError(t, err)
	assert.Equal(t, "in_progress", updated.Status)
	assert.Equal(t, model.SyncPending, updated.SyncStatus)

	changes, err := st.PendingChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	update := changes[1]
	assert.Equal(t, store.OpUpdate, update.Operation)
	assert.Equal(t, "rem-7", update.RemoteID)
	assert.ElementsMatch(t, []string{model.TaskPropStatus, model.TaskPropFlagged}, update.ChangedFields)
}

func TestUpdateLocalNoopPatchQueuesNothing(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateLocal(ctx, TaskDraft{Title: "Already right"})
	require.NoError(t, err)

	title := "Already right"
	got, err := svc.UpdateLocal(ctx, task.LocalID, TaskPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, model.SyncLocalOnly, got.SyncStatus)

	count, err := st.PendingChangeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count) // only the original create
}

func TestUpdateLocalKeepsLocalOnly(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateLocal(ctx, TaskDraft{Title: "Not yet pushed"})
	require.NoError(t, err)

	status := "todo"
	updated, err := svc.UpdateLocal(ctx, task.LocalID, TaskPatch{Status: &status})
	require.NoError(t, err)

	// A row that never reached the remote must not flip to pending; its
	// queued create still owns the push.
	assert.Equal(t, model.SyncLocalOnly, updated.SyncStatus)
	assert.Empty(t, updated.RemoteID)

	changes, err := st.PendingChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Empty(t, changes[1].RemoteID)
}

func TestCompleteSetsStatusAndTimestamp(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateLocal(ctx, TaskDraft{Title: "Finish review"})
	require.NoError(t, err)

	done, err := svc.Complete(ctx, task.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "done", done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.WithinDuration(t, time.Now().UTC(), *done.CompletedAt, time.Minute)
}

func TestUpdateLocalUnknownTask(t *testing.T) {
	svc, _ := newTestService(t)

	status := "todo"
	_, err := svc.UpdateLocal(context.Background(), "no-such-id", TaskPatch{Status: &status})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncStatusAggregates(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateLocal(ctx, TaskDraft{Title: "Local one"})
	require.NoError(t, err)
	synced, err := model.TaskFromRemote(&remote.Record{ID: "rem-1", Properties: map[string]remote.Property{
		model.TaskPropTitle: {Type: "title", Title: []remote.RichText{{PlainText: "Synced one"}}},
	}})
	require.NoError(t, err)
	require.NoError(t, st.UpsertTaskFromRemote(ctx, nil, synced))

	status, err := svc.SyncStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.SetupComplete)
	assert.Equal(t, 2, status.TotalTasks)
	assert.Equal(t, 1, status.TaskCounts[model.SyncLocalOnly])
	assert.Equal(t, 1, status.TaskCounts[model.SyncSynced])
	assert.Equal(t, 1, status.PendingChanges)
	assert.Nil(t, status.LastAppClose)
}

func TestImportAllMarksSetupComplete(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	summary, err := svc.ImportAll(ctx)
	require.NoError(t, err)
	assert.False(t, summary.Partial())

	complete, err := st.SetupComplete(ctx)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestImportDeltaAdvancesAnchor(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	before := time.Now().UTC()
	_, err := svc.ImportDelta(ctx)
	require.NoError(t, err)

	anchor, ok, err := st.LastAppClose(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, anchor.Before(before.Truncate(time.Second)))
}
