package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/backend/internal/accounts"
	"github.com/flowforge/backend/internal/audit"
	"github.com/flowforge/backend/internal/credentials"
	"github.com/flowforge/backend/internal/engine"
	"github.com/flowforge/backend/internal/inbox"
	"github.com/flowforge/backend/internal/pipeline"
	"github.com/flowforge/backend/internal/stages"
	"github.com/flowforge/backend/internal/store"
	"github.com/flowforge/backend/internal/tenancy"
)

const linearYAML = `
pipeline:
  name: ship
  nodes:
    - id: dev
      stages:
        - id: build-1
          name: Build
          type: build
        - id: test-1
          name: Test
          type: test
          dependsOn: [build-1]
`

const gatedYAML = `
pipeline:
  name: gated
  nodes:
    - id: dev
      stages:
        - id: approve-1
          name: Release approval
          type: approval
        - id: release-1
          name: Release
          type: release
          dependsOn: [approve-1]
`

type testAPI struct {
	handler   http.Handler
	server    *Server
	accts     *accounts.Service
	bridge    *inbox.Bridge
	accountID string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()

	shared := store.NewMemoryStore("flowforge")
	router := tenancy.NewRouter(tenancy.NewStaticParameterStore(nil), shared, "flowforge", nil)

	accts := accounts.NewService(shared)
	acct, err := accts.CreateAccount(ctx, "Acme Corp", "", "")
	require.NoError(t, err)
	_, err = accts.CreateLicense(ctx, acct.ID, "pipelines", 5,
		time.Now().AddDate(0, -1, 0), time.Now().AddDate(0, 1, 0))
	require.NoError(t, err)

	repo := engine.NewRepository(router)
	resolver := credentials.NewResolver(router)
	rec := audit.NewRecorder(shared, nil)
	bridge := inbox.NewBridge(router, nil, rec, nil)
	dispatcher := stages.NewDispatcher(nil, bridge, nil)

	eng := engine.New(router, accts, repo, resolver, dispatcher, rec, nil,
		engine.WithSynchronous(), engine.WithFlushInterval(time.Hour))
	bridge.SetResumer(eng)

	srv := NewServer(eng, repo, bridge, accts, rec, prometheus.NewRegistry())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})

	return &testAPI{
		handler:   srv.Handler(),
		server:    srv,
		accts:     accts,
		bridge:    bridge,
		accountID: acct.ID,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Tenant-ID", a.accountID)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v))
}

func (a *testAPI) seedPipeline(t *testing.T, yaml string, job map[string]interface{}) (pipelineID, jobID string) {
	t.Helper()

	rr := a.do(t, http.MethodPost, "/api/v1/pipelines", map[string]string{
		"name":        "demo",
		"yamlContent": yaml,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var p pipeline.Pipeline
	decode(t, rr, &p)

	job["pipelineId"] = p.ID
	rr = a.do(t, http.MethodPost, "/api/v1/build-jobs", job)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var j pipeline.BuildJob
	decode(t, rr, &j)

	return p.ID, j.ID
}

func TestAPI_PipelineLifecycle(t *testing.T) {
	a := newTestAPI(t)
	pipeID, jobID := a.seedPipeline(t, linearYAML, map[string]interface{}{"name": "nightly"})

	rr := a.do(t, http.MethodGet, "/api/v1/pipelines", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []pipeline.Pipeline
	decode(t, rr, &list)
	assert.Len(t, list, 1)

	rr = a.do(t, http.MethodPost, "/api/v1/pipelines/"+pipeID+"/run",
		map[string]string{"buildJobId": jobID})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var run map[string]string
	decode(t, rr, &run)
	execID := run["executionId"]
	require.NotEmpty(t, execID)

	rr = a.do(t, http.MethodGet, "/api/v1/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var exec engine.Execution
	decode(t, rr, &exec)
	assert.Equal(t, pipeline.ExecCompleted, exec.Status)

	rr = a.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/logs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var logs struct {
		Status       string                   `json:"status"`
		NodeResults  []map[string]interface{} `json:"nodeResults"`
		StageResults []engine.StageResult     `json:"stageResults"`
		Logs         []string                 `json:"logs"`
	}
	decode(t, rr, &logs)
	assert.Equal(t, "completed", logs.Status)
	assert.NotEmpty(t, logs.Logs)
	assert.Len(t, logs.StageResults, 2)
	require.Len(t, logs.NodeResults, 1)
	assert.Equal(t, "SUCCESS", logs.NodeResults[0]["status"])

	rr = a.do(t, http.MethodGet, "/api/v1/pipelines/"+pipeID+"/executions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var execs []engine.Execution
	decode(t, rr, &execs)
	assert.Len(t, execs, 1)

	rr = a.do(t, http.MethodDelete, "/api/v1/pipelines/"+pipeID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = a.do(t, http.MethodGet, "/api/v1/pipelines/"+pipeID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_ApprovalOverInbox(t *testing.T) {
	a := newTestAPI(t)
	pipeID, jobID := a.seedPipeline(t, gatedYAML, map[string]interface{}{
		"name":      "gated",
		"approvers": []string{"lead@acme.test"},
	})

	rr := a.do(t, http.MethodPost, "/api/v1/pipelines/"+pipeID+"/run",
		map[string]string{"buildJobId": jobID})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var run map[string]string
	decode(t, rr, &run)
	execID := run["executionId"]

	rr = a.do(t, http.MethodGet, "/api/v1/inbox/count?recipient=lead@acme.test", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var count map[string]int
	decode(t, rr, &count)
	assert.Equal(t, 1, count["pending"])

	rr = a.do(t, http.MethodGet, "/api/v1/inbox?recipient=lead@acme.test", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var items []inbox.Item
	decode(t, rr, &items)
	require.Len(t, items, 1)

	rr = a.do(t, http.MethodPost, "/api/v1/inbox/"+items[0].ID+"/approve",
		map[string]string{"actor": "lead@acme.test"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = a.do(t, http.MethodGet, "/api/v1/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var exec engine.Execution
	decode(t, rr, &exec)
	assert.Equal(t, pipeline.ExecCompleted, exec.Status)

	// The recipient filter is mandatory.
	rr = a.do(t, http.MethodGet, "/api/v1/inbox", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_DirectStageApprove(t *testing.T) {
	a := newTestAPI(t)
	pipeID, jobID := a.seedPipeline(t, gatedYAML, map[string]interface{}{
		"name":      "gated",
		"approvers": []string{"lead@acme.test"},
	})

	rr := a.do(t, http.MethodPost, "/api/v1/pipelines/"+pipeID+"/run",
		map[string]string{"buildJobId": jobID})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var run map[string]string
	decode(t, rr, &run)
	execID := run["executionId"]

	// The logs snapshot names the suspension point while paused.
	rr = a.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/logs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var paused struct {
		Status         string `json:"status"`
		SuspendedStage string `json:"suspendedStage"`
	}
	decode(t, rr, &paused)
	assert.Equal(t, "paused", paused.Status)
	assert.Equal(t, "approve-1", paused.SuspendedStage)

	path := fmt.Sprintf("/api/v1/executions/%s/stages/approve-1/approve", execID)
	rr = a.do(t, http.MethodPost, path, map[string]bool{"approved": true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = a.do(t, http.MethodGet, "/api/v1/executions/"+execID, nil)
	var exec engine.Execution
	decode(t, rr, &exec)
	assert.Equal(t, pipeline.ExecCompleted, exec.Status)

	// The approved flag is required, not defaulted.
	rr = a.do(t, http.MethodPost, path, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_ErrorStatuses(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(t, http.MethodGet, "/api/v1/pipelines/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	pipeID, _ := a.seedPipeline(t, linearYAML, map[string]interface{}{"name": "nightly"})
	rr = a.do(t, http.MethodPost, "/api/v1/pipelines/"+pipeID+"/run",
		map[string]string{"buildJobId": ""})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// No tenant identity at all.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", nil)
	plain := httptest.NewRecorder()
	a.handler.ServeHTTP(plain, req)
	assert.Equal(t, http.StatusUnauthorized, plain.Code)
}

func TestAPI_APIKeyAuth(t *testing.T) {
	a := newTestAPI(t)
	key, err := a.accts.IssueAPIKey(context.Background(), a.accountID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
