package stages

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/backend/internal/circuitbreaker"
	"github.com/flowforge/backend/internal/credentials"
	"github.com/flowforge/backend/internal/pipeline"
)

func instantCaller(t *testing.T) *Caller {
	t.Helper()
	return NewCaller(circuitbreaker.NewManager(circuitbreaker.DefaultConfig("")), nil,
		WithRetry(0, time.Millisecond),
		WithCallTimeout(5*time.Second),
	)
}

func planRequest(baseURL, issueKey string) *Request {
	cfg := map[string]interface{}{"baseUrl": baseURL}
	if issueKey != "" {
		cfg["issueKey"] = issueKey
	}
	req := stageRequest(pipeline.CompiledStage{
		ID: "plan-1", Name: "Plan", Type: pipeline.StagePlan,
		ExecutionEnabled: true, ToolSelected: true, ToolConfig: cfg,
	})
	req.Auth = &credentials.Credential{
		Type: "basic", Username: "dev@example.com", APIKey: "secret",
	}
	return req
}

func TestPlanHandler_IssueVerified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/issue/PROJ-42", r.URL.Path)
		assert.Contains(t, r.Header.Get("Authorization"), "Basic ")
		w.Write([]byte(`{"fields":{"summary":"Ship it","status":{"name":"In Progress"}}}`))
	}))
	defer srv.Close()

	h := &PlanHandler{caller: instantCaller(t)}
	res := h.Execute(context.Background(), planRequest(srv.URL, "PROJ-42"))

	require.Equal(t, pipeline.StatusSuccess, res.Status)
	assert.Equal(t, "PROJ-42", res.Data["issueKey"])
	assert.Equal(t, "Ship it", res.Data["summary"])
	assert.Contains(t, res.LogLines[0], "PROJ-42")
}

func TestPlanHandler_ConnectivityProbeWithoutIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/myself", r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := &PlanHandler{caller: instantCaller(t)}
	res := h.Execute(context.Background(), planRequest(srv.URL, ""))
	assert.Equal(t, pipeline.StatusSuccess, res.Status)
}

func TestPlanHandler_IssueNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := &PlanHandler{caller: instantCaller(t)}
	res := h.Execute(context.Background(), planRequest(srv.URL, "PROJ-404"))

	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "PROJ-404 not found")
}

func TestPlanHandler_BadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := &PlanHandler{caller: instantCaller(t)}
	res := h.Execute(context.Background(), planRequest(srv.URL, "PROJ-1"))

	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "rejected credentials")
}

func TestPlanHandler_NoCredentials(t *testing.T) {
	h := &PlanHandler{caller: instantCaller(t)}
	req := planRequest("https://jira.example.com", "PROJ-1")
	req.Auth = nil

	res := h.Execute(context.Background(), req)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "no credentials resolved")
}

func TestPlanHandler_MissingBaseURL(t *testing.T) {
	h := &PlanHandler{caller: instantCaller(t)}
	req := planRequest("", "PROJ-1")
	delete(req.Stage.ToolConfig, "baseUrl")

	res := h.Execute(context.Background(), req)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "base URL not configured")
}

func TestPlanHandler_CircuitOpenMessage(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("")
	cfg.FailureThreshold = 1
	breakers := circuitbreaker.NewManager(cfg)
	caller := NewCaller(breakers, nil, WithRetry(0, time.Millisecond))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := &PlanHandler{caller: caller}
	// First call trips the breaker; the second is rejected.
	_ = h.Execute(context.Background(), planRequest(srv.URL, "PROJ-1"))
	res := h.Execute(context.Background(), planRequest(srv.URL, "PROJ-1"))

	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, "JIRA downstream unavailable (circuit open)", res.Message)
}
