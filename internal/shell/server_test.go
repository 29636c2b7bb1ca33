package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workmirror/workmirror/internal/model"
	"github.com/workmirror/workmirror/internal/service"
	"github.com/workmirror/workmirror/internal/store"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.RunMigrations(context.Background()))

	svc := service.New(st, nil, logger)
	srv := NewServer(svc, &Config{Port: 0, Logger: logger})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	return srv, "http://" + srv.Addr()
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	_, base := newTestServer(t)

	resp := postJSON(t, base+"/tasks", service.TaskDraft{Title: "Wash the car"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.NotEmpty(t, created.LocalID)
	assert.Equal(t, model.SyncLocalOnly, created.SyncStatus)

	resp, err := http.Get(base + "/tasks")
	require.NoError(t, err)
	var tasks []*model.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
	resp.Body.Close()
	require.Len(t, tasks, 1)
	assert.Equal(t, "Wash the car", tasks[0].Title)

	resp = postJSON(t, fmt.Sprintf("%s/tasks/%s/complete", base, created.LocalID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done model.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&done))
	resp.Body.Close()
	assert.Equal(t, "done", done.Status)
	require.NotNil(t, done.CompletedAt)
}

func TestUpdateTaskOverHTTP(t *testing.T) {
	_, base := newTestServer(t)

	resp := postJSON(t, base+"/tasks", service.TaskDraft{Title: "Rename me"})
	var created model.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	patch, err := json.Marshal(map[string]string{"title": "Renamed"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPatch,
		fmt.Sprintf("%s/tasks/%s", base, created.LocalID), bytes.NewReader(patch))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated model.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	resp.Body.Close()
	assert.Equal(t, "Renamed", updated.Title)
}

func TestUpdateUnknownTaskReturns404(t *testing.T) {
	_, base := newTestServer(t)

	req, err := http.NewRequest(http.MethodPatch, base+"/tasks/no-such-id",
		bytes.NewReader([]byte(`{"title":"x"}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusAndHealthEndpoints(t *testing.T) {
	_, base := newTestServer(t)

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status service.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.False(t, status.SetupComplete)
	assert.Equal(t, 0, status.TotalTasks)

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
}

func TestWebSocketReceivesBroadcast(t *testing.T) {
	srv, base := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+base[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the server to register the client before broadcasting.
	require.Eventually(t, func() bool {
		return srv.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	srv.Notify("queue_drained")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "queue_drained", msg.Event)
	assert.False(t, msg.Timestamp.IsZero())
}
