package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildhost/internal/history"
	"git.home.luguber.info/inful/buildhost/internal/loghub"
	"git.home.luguber.info/inful/buildhost/internal/model"
)

type fakeTasks struct {
	tasks map[string]*model.BuildTask
	next  int
}

func (f *fakeTasks) Get(taskID string) (*model.BuildTask, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return t, nil
}

func (f *fakeTasks) List() []*model.BuildTask {
	out := make([]*model.BuildTask, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

func (f *fakeTasks) NextRunNumber(taskID string) (int, error) {
	f.next++
	return f.next, nil
}

// fakeExecutor hands triggered runs to the test over a channel.
type fakeExecutor struct {
	runs chan *model.BuildRun
}

func (f *fakeExecutor) Execute(ctx context.Context, task *model.BuildTask, run *model.BuildRun) error {
	f.runs <- run
	return nil
}

func devTask() *model.BuildTask {
	return &model.BuildTask{
		ID:          "backend",
		Name:        "backend",
		Project:     model.Project{ID: "p1", Name: "backend-api", Repository: "https://git.example.com/acme/backend-api.git"},
		Environment: model.Environment{ID: "e1", Name: "dev", Type: model.EnvDevelopment},
		Branch:      "develop",
		Stages:      []model.StageSpec{{Name: "Build", Script: "make build"}},
	}
}

func prodTask() *model.BuildTask {
	t := devTask()
	t.ID = "backend-prod"
	t.Environment = model.Environment{ID: "e2", Name: "prod", Type: model.EnvProduction}
	return t
}

type testServer struct {
	mux      *http.ServeMux
	store    history.Store
	hub      *loghub.Hub
	tasks    *fakeTasks
	executor *fakeExecutor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := history.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ts := &testServer{
		store:    store,
		hub:      loghub.New(loghub.WithConsumeWait(10 * time.Millisecond)),
		tasks:    &fakeTasks{tasks: map[string]*model.BuildTask{"backend": devTask(), "backend-prod": prodTask()}},
		executor: &fakeExecutor{runs: make(chan *model.BuildRun, 1)},
	}
	srv := New(":0", ts.tasks, store, ts.hub, ts.executor, nil)
	ts.mux = srv.routes()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) seedRun(t *testing.T, taskID string, number int, status model.RunStatus) *model.BuildRun {
	t.Helper()
	run := &model.BuildRun{
		ID:     uuid.NewString(),
		TaskID: taskID,
		Number: number,
		Branch: "develop",
		Status: status,
	}
	require.NoError(t, ts.store.CreateRun(context.Background(), run))
	return run
}

func TestListTasks(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var tasks []*model.BuildTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 2)
}

func TestTriggerEphemeralRequiresBranchAndCommit(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/builds", TriggerRequest{TaskID: "backend"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "branch is required")

	rec = ts.do(t, http.MethodPost, "/api/builds", TriggerRequest{TaskID: "backend", Branch: "develop"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "commit_id is required")
}

func TestTriggerPromotedRequiresVersion(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/builds", TriggerRequest{TaskID: "backend-prod"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "version is required")

	rec = ts.do(t, http.MethodPost, "/api/builds", TriggerRequest{TaskID: "backend-prod", Version: "not-a-version"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid version")
}

func TestTriggerUnknownAndDisabledTask(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/builds", TriggerRequest{TaskID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.tasks.tasks["backend"].Disabled = true
	rec = ts.do(t, http.MethodPost, "/api/builds", TriggerRequest{
		TaskID: "backend", Branch: "develop", CommitID: "deadbeef",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}

func TestTriggerRejectsConcurrentRun(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRun(t, "backend", 1, model.StatusRunning)

	rec := ts.do(t, http.MethodPost, "/api/builds", TriggerRequest{
		TaskID: "backend", Branch: "develop", CommitID: "deadbeef",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already has a build in progress")
}

func TestTriggerStartsRun(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/builds", TriggerRequest{
		TaskID:     "backend",
		Branch:     "develop",
		CommitID:   "deadbeefcafef00d",
		Parameters: map[string]any{"DEPLOY_TARGET": "staging"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		RunID  string `json:"run_id"`
		Number int    `json:"number"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, 1, resp.Number)

	select {
	case run := <-ts.executor.runs:
		assert.Equal(t, resp.RunID, run.ID)
		assert.Equal(t, "develop", run.Branch)
		assert.Equal(t, "staging", run.Parameters["DEPLOY_TARGET"])
	case <-time.After(5 * time.Second):
		t.Fatal("executor was not invoked")
	}

	stored, err := ts.store.GetRun(context.Background(), "backend", 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
}

func TestTriggerFlattensMultiValuedParameters(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/builds", TriggerRequest{
		TaskID:   "backend",
		Branch:   "develop",
		CommitID: "deadbeefcafef00d",
		Parameters: map[string]any{
			"SERVICES":     []any{"api", "worker", "scheduler"},
			"REPLICAS":     float64(3),
			"FORCE_DEPLOY": true,
			"NOTE":         nil,
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case run := <-ts.executor.runs:
		assert.Equal(t, "api,worker,scheduler", run.Parameters["SERVICES"])
		assert.Equal(t, "3", run.Parameters["REPLICAS"])
		assert.Equal(t, "true", run.Parameters["FORCE_DEPLOY"])
		assert.Equal(t, "", run.Parameters["NOTE"])
	case <-time.After(5 * time.Second):
		t.Fatal("executor was not invoked")
	}

	stored, err := ts.store.GetRun(context.Background(), "backend", 1)
	require.NoError(t, err)
	assert.Equal(t, "api,worker,scheduler", stored.Parameters["SERVICES"])
}

func TestTriggerPromotedDerivesCommit(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/builds", TriggerRequest{
		TaskID:  "backend-prod",
		Version: "20240131120000_deadbeef",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	run := <-ts.executor.runs
	assert.Equal(t, "deadbeef", run.CommitID)
	assert.Equal(t, "20240131120000_deadbeef", run.Version)
}

func TestTerminateRun(t *testing.T) {
	ts := newTestServer(t)
	run := ts.seedRun(t, "backend", 1, model.StatusRunning)

	rec := ts.do(t, http.MethodPut, "/api/builds/terminate", TerminateRequest{TaskID: "backend", Number: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	status, err := ts.store.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTerminated, status)

	stored, err := ts.store.GetRun(context.Background(), "backend", 1)
	require.NoError(t, err)
	assert.Contains(t, stored.Log, "[System] build terminated manually")
}

func TestTerminateFinishedRunRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRun(t, "backend", 1, model.StatusSuccess)

	rec := ts.do(t, http.MethodPut, "/api/builds/terminate", TerminateRequest{TaskID: "backend", Number: 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "only pending or running builds")
}

func TestTerminateMissingRun(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/api/builds/terminate", TerminateRequest{TaskID: "backend", Number: 42})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRun(t, "backend", 1, model.StatusSuccess)

	rec := ts.do(t, http.MethodGet, "/api/builds/backend/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run model.BuildRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, model.StatusSuccess, run.Status)

	rec = ts.do(t, http.MethodGet, "/api/builds/backend/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/builds/backend/notanumber", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	ts := newTestServer(t)
	for i := 1; i <= 5; i++ {
		ts.seedRun(t, "backend", i, model.StatusSuccess)
	}

	rec := ts.do(t, http.MethodGet, "/api/builds/backend/runs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []*model.BuildRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, 5, runs[0].Number)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestLogStreamFinishedRun(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRun(t, "backend", 1, model.StatusFailed)

	rec := ts.do(t, http.MethodGet, "/api/builds/backend/1/logs/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"connection_established"`)
	assert.Contains(t, body, `"type":"build_complete"`)
	assert.Contains(t, body, `"status":"failed"`)
}

func TestLogStreamUnknownRun(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/builds/backend/1/logs/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"error"`)
}

func TestLogStreamLiveRun(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRun(t, "backend", 1, model.StatusRunning)

	key := loghub.Key{TaskID: "backend", RunNumber: 1}
	ts.hub.OpenStream(key)

	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/builds/backend/1/logs/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Wait for the handler to attach before publishing.
	deadline := time.Now().Add(5 * time.Second)
	for ts.hub.SubscriberCount(key) == 0 {
		require.False(t, time.Now().After(deadline), "stream handler never subscribed")
		time.Sleep(5 * time.Millisecond)
	}

	ts.hub.Publish(key, "Build", "[Build] compiling")
	ts.hub.MarkComplete(key, model.StatusSuccess)

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}

	joined := strings.Join(frames, "\n")
	assert.Contains(t, joined, `"type":"connection_established"`)
	assert.Contains(t, joined, `"type":"build_log"`)
	assert.Contains(t, joined, "[Build] compiling")
	assert.Contains(t, joined, `"type":"build_complete"`)
	assert.Contains(t, joined, `"status":"success"`)
}
