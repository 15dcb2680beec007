package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/app"
	"conductor/internal/bus"
	"conductor/internal/server"
)

type testServer struct {
	App *app.App
	TS  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	a, err := app.New(app.Options{
		DBPath:      filepath.Join(dir, "conductor.db"),
		StagingRoot: filepath.Join(dir, "staging"),
	})
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)

	ts := httptest.NewServer(server.New(server.Config{App: a}))
	t.Cleanup(ts.Close)
	return &testServer{App: a, TS: ts}
}

func (s *testServer) request(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.TS.URL+"/api"+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (s *testServer) createGoal(t *testing.T) string {
	t.Helper()
	resp, goal := s.request(t, http.MethodPost, "/goals", map[string]any{
		"description": "Build the thing",
		"repo_path":   t.TempDir(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := goal["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func (s *testServer) createTask(t *testing.T, goalID, title string, deps []string) map[string]any {
	t.Helper()
	resp, task := s.request(t, http.MethodPost, "/goals/"+goalID+"/tasks", map[string]any{
		"title":      title,
		"depends_on": deps,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "create task %s: %v", title, task)
	return task
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestGoalCreateAutoCreatesProject(t *testing.T) {
	s := newTestServer(t)
	repoPath := t.TempDir()
	resp, goal := s.request(t, http.MethodPost, "/goals", map[string]any{
		"description": "Add a readme\nwith details",
		"repo_path":   repoPath,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", goal["status"])
	assert.Equal(t, "Add a readme", goal["name"], "name defaults to the first line")
	assert.Equal(t, repoPath, goal["repo_path"])

	// A second goal on the same path reuses the project.
	resp, goal2 := s.request(t, http.MethodPost, "/goals", map[string]any{
		"description": "Another goal",
		"repo_path":   repoPath,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, goal["project_id"], goal2["project_id"])
}

func TestGoalCreateRequiresProjectOrRepo(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.request(t, http.MethodPost, "/goals", map[string]any{"description": "no repo"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskCreationComputesBlocked(t *testing.T) {
	s := newTestServer(t)
	goalID := s.createGoal(t)

	t1 := s.createTask(t, goalID, "t1", nil)
	assert.Equal(t, "pending", t1["status"], "task with no deps is immediately pending")

	t2 := s.createTask(t, goalID, "t2", []string{t1["id"].(string)})
	assert.Equal(t, "blocked", t2["status"])
}

func TestTaskCycleRejectedAtBoundary(t *testing.T) {
	s := newTestServer(t)
	goalID := s.createGoal(t)
	t1 := s.createTask(t, goalID, "t1", nil)
	t2 := s.createTask(t, goalID, "t2", []string{t1["id"].(string)})

	// Updating t1 to depend on t2 would close a cycle; state must not change.
	resp, _ := s.request(t, http.MethodPut, "/tasks/"+t1["id"].(string), map[string]any{
		"depends_on": []string{t2["id"].(string)},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	respGet, task := s.request(t, http.MethodGet, "/tasks/"+t1["id"].(string), nil)
	require.Equal(t, http.StatusOK, respGet.StatusCode)
	assert.Empty(t, task["depends_on"])
}

func TestCrossGoalDependencyRejected(t *testing.T) {
	s := newTestServer(t)
	goalA := s.createGoal(t)
	goalB := s.createGoal(t)
	other := s.createTask(t, goalB, "other", nil)

	resp, _ := s.request(t, http.MethodPost, "/goals/"+goalA+"/tasks", map[string]any{
		"title":      "bad",
		"depends_on": []string{other["id"].(string)},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRetryNonFailedTaskConflicts(t *testing.T) {
	s := newTestServer(t)
	goalID := s.createGoal(t)
	task := s.createTask(t, goalID, "t1", nil)

	resp, _ := s.request(t, http.MethodPost, "/tasks/"+task["id"].(string)+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDispatchRefusedForPausedGoal(t *testing.T) {
	s := newTestServer(t)
	goalID := s.createGoal(t)
	s.createTask(t, goalID, "t1", nil)

	resp, _ := s.request(t, http.MethodPut, "/goals/"+goalID, map[string]any{"status": "paused"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.request(t, http.MethodPost, "/goals/"+goalID+"/dispatch", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestArchivedGoalHiddenFromDefaultListing(t *testing.T) {
	s := newTestServer(t)
	goalID := s.createGoal(t)
	resp, _ := s.request(t, http.MethodPut, "/goals/"+goalID, map[string]any{"status": "archived"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, s.TS.URL+"/api/goals", nil)
	require.NoError(t, err)
	respList, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer respList.Body.Close()
	var goals []map[string]any
	require.NoError(t, json.NewDecoder(respList.Body).Decode(&goals))
	assert.Empty(t, goals)

	respAll, err := http.DefaultClient.Do(mustReq(t, s.TS.URL+"/api/goals?include_archived=true"))
	require.NoError(t, err)
	defer respAll.Body.Close()
	require.NoError(t, json.NewDecoder(respAll.Body).Decode(&goals))
	assert.Len(t, goals, 1)
}

func mustReq(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestUnknownAgentReturns404(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.request(t, http.MethodGet, "/agents/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.request(t, http.MethodPost, "/agents/nope/kill", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommitHookValidation(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Post(s.TS.URL+"/api/hooks/commit", "application/json", strings.NewReader(`{"kind":"commit"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGoalSummaryCounts(t *testing.T) {
	s := newTestServer(t)
	goalID := s.createGoal(t)
	t1 := s.createTask(t, goalID, "t1", nil)
	s.createTask(t, goalID, "t2", []string{t1["id"].(string)})

	resp, summary := s.request(t, http.MethodGet, "/goals/"+goalID+"/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), summary["total"])
	assert.Equal(t, float64(1), summary["pending"])
	assert.Equal(t, float64(1), summary["blocked"])
}

func TestGlobalSSEStreamDeliversEvents(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.TS.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(100 * time.Millisecond)
	s.App.Bus.Publish(bus.TopicGlobal, bus.Message{Kind: bus.KindTaskStateChange, TaskID: "t-42"})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	assert.Equal(t, "event: "+bus.KindTaskStateChange, eventLine)
	assert.Contains(t, dataLine, "t-42")
}

func TestStats(t *testing.T) {
	s := newTestServer(t)
	s.createGoal(t)
	resp, stats := s.request(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), stats["projects"])
	assert.Equal(t, float64(1), stats["goals"])
	assert.Equal(t, float64(0), stats["active_agents"])
}

func TestProjectDeleteRefusedThenAllowed(t *testing.T) {
	s := newTestServer(t)
	goalID := s.createGoal(t)

	respGoal, goal := s.request(t, http.MethodGet, "/goals/"+goalID, nil)
	require.Equal(t, http.StatusOK, respGoal.StatusCode)
	projectID := goal["project_id"].(string)

	resp, _ := s.request(t, http.MethodDelete, "/projects/"+projectID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = s.request(t, http.MethodPut, "/goals/"+goalID, map[string]any{"status": "archived"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.request(t, http.MethodDelete, "/projects/"+projectID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
