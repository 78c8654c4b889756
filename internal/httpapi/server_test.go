package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"docpipe/internal/logging"
	"docpipe/internal/metrics"
	"docpipe/internal/model"
	"docpipe/internal/queue"
	"docpipe/internal/store"
	"docpipe/internal/submission"
)

func setupServer(t *testing.T, opts Options) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger, err := logging.New(t.TempDir(), io.Discard)
	require.NoError(t, err)

	fabric := queue.NewFabric(queue.Options{})
	rec := metrics.NewRecorder(nil)
	audit := NewAuditLogger(logger, t.TempDir())
	t.Cleanup(audit.Close)
	sub := submission.New(st, fabric)

	return NewServer(st, fabric, rec, audit, sub, opts), st
}

func TestHealthzAlwaysOK(t *testing.T) {
	s, _ := setupServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestReadyzReflectsStoreHealth(t *testing.T) {
	s, _ := setupServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	s, _ := setupServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/missing", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTaskReturnsChildrenForArchive(t *testing.T) {
	s, st := setupServer(t, Options{})
	require.NoError(t, st.Create(model.Task{ID: "archive-1", UserID: "u1", Type: model.TaskArchive, Status: model.StatusProcessing}))
	parentID := "archive-1"
	_, err := st.BulkCreate([]model.Task{
		{ID: "c1", UserID: "u1", Type: model.TaskParse, Status: model.StatusPending, ParentID: &parentID},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/archive-1", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Children []model.Task `json:"children"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Children, 1)
}

func TestNonLoopbackRequiresToken(t *testing.T) {
	s, _ := setupServer(t, Options{AuthToken: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "203.0.113.5:5555"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req2.RemoteAddr = "203.0.113.5:5555"
	req2.Header.Set("Authorization", "Bearer secret")
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)
}

func TestConcurrencyLimitRejectsOverflow(t *testing.T) {
	s, _ := setupServer(t, Options{MaxConcurrentRequests: 1})
	s.inFlight.Store(1)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSubmitTaskCreatesPendingTask(t *testing.T) {
	s, _ := setupServer(t, Options{})
	body, _ := json.Marshal(map[string]any{
		"file_urls": []string{"https://example.com/report.pdf"},
		"user_id":   "u1",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Tasks []model.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	require.Equal(t, model.StatusPending, resp.Tasks[0].Status)
}

func TestSubmitTaskRejectsBadJSON(t *testing.T) {
	s, _ := setupServer(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader([]byte("not json")))
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitTaskRejectsEmptyFileURLs(t *testing.T) {
	s, _ := setupServer(t, Options{})
	body, _ := json.Marshal(map[string]any{"user_id": "u1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelTaskFlipsPendingToCancelled(t *testing.T) {
	s, st := setupServer(t, Options{})
	require.NoError(t, st.Create(model.Task{ID: "t1", UserID: "u1", Type: model.TaskParse, Status: model.StatusPending}))

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/t1/cancel", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := st.Get("t1")
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, got.Status)
}

func TestCancelTaskConflictsOnTerminal(t *testing.T) {
	s, st := setupServer(t, Options{})
	require.NoError(t, st.Create(model.Task{ID: "t1", UserID: "u1", Type: model.TaskParse, Status: model.StatusCompleted}))

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/t1/cancel", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestListTasksFiltersByUser(t *testing.T) {
	s, st := setupServer(t, Options{})
	require.NoError(t, st.Create(model.Task{ID: "a", UserID: "u1", Type: model.TaskParse, Status: model.StatusPending}))
	require.NoError(t, st.Create(model.Task{ID: "b", UserID: "u2", Type: model.TaskParse, Status: model.StatusPending}))

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks?user_id=u1", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tasks []model.Task `json:"tasks"`
		Total int64        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	require.Equal(t, int64(1), resp.Total)
	require.Equal(t, "a", resp.Tasks[0].ID)
}

func TestListTasksRequiresUserID(t *testing.T) {
	s, _ := setupServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditLogSurfacesRecentEntries(t *testing.T) {
	s, _ := setupServer(t, Options{})
	s.audit.Log("127.0.0.1:1234", "test-agent", "GET /v1/status", http.StatusOK, "")

	req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries []AccessLogEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Entries)
	require.Equal(t, "GET /v1/status", resp.Entries[0].Action)
}

func TestStatusIncludesQueueDepths(t *testing.T) {
	s, _ := setupServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Contains(t, snap.QueueDepths, queue.NameArchive)
}
