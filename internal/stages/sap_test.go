package stages

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/backend/internal/credentials"
	"github.com/flowforge/backend/internal/pipeline"
)

func deployRequest(base, tokenURL string, artifacts []pipeline.Artifact) *Request {
	req := stageRequest(pipeline.CompiledStage{
		ID: "deploy-1", Name: "Deploy", Type: pipeline.StageDeploy,
		ExecutionEnabled: true, ToolSelected: true,
		ToolConfig: map[string]interface{}{"url": base},
	})
	req.Artifacts = artifacts
	req.Auth = &credentials.Credential{
		Type: "oauth2", ClientID: "cid", ClientSecret: "cs", TokenURL: tokenURL,
	}
	return req
}

func noWait(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestDeployHandler_DeploysAndPollsToStarted(t *testing.T) {
	var pollCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth/token":
			assert.Contains(t, r.Header.Get("Authorization"), "Basic ")
			w.Write([]byte(`{"access_token":"sap-tok"}`))
		case r.URL.Path == "/api/v1/IntegrationDesigntimeArtifacts(Id='IF1',Version='active')/$value":
			assert.Equal(t, "Bearer sap-tok", r.Header.Get("Authorization"))
			w.Write([]byte("PK\x03\x04zipbytes"))
		case r.URL.Path == "/api/v1/DeployIntegrationDesigntimeArtifact":
			assert.Equal(t, http.MethodPost, r.Method)
			w.WriteHeader(http.StatusAccepted)
		case r.URL.Path == "/api/v1/IntegrationRuntimeArtifacts('IF1')":
			pollCount++
			status := "STARTING"
			if pollCount >= 2 {
				status = "STARTED"
			}
			fmt.Fprintf(w, `{"d":{"Status":%q}}`, status)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := &DeployHandler{caller: instantCaller(t), pollInterval: time.Millisecond, sleep: noWait}
	req := deployRequest(srv.URL, srv.URL+"/oauth/token",
		[]pipeline.Artifact{{ID: "IF1", Name: "OrderFlow", Type: "IntegrationFlow"}})

	res := h.Execute(context.Background(), req)
	require.Equal(t, pipeline.StatusSuccess, res.Status)
	assert.Equal(t, "1 artifact(s) deployed", res.Message)
	assert.Contains(t, res.LogLines, "Artifact IF1 started")
	assert.Equal(t, 2, pollCount)
}

func TestDeployHandler_AlreadyDeployedIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth/token":
			w.Write([]byte(`{"access_token":"sap-tok"}`))
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		default:
			w.Write([]byte("PK\x03\x04"))
		}
	}))
	defer srv.Close()

	h := &DeployHandler{caller: instantCaller(t), sleep: noWait}
	req := deployRequest(srv.URL, srv.URL+"/oauth/token",
		[]pipeline.Artifact{{ID: "VM1", Name: "Mappings", Type: "ValueMapping"}})

	res := h.Execute(context.Background(), req)
	require.Equal(t, pipeline.StatusSuccess, res.Status)
	assert.Contains(t, res.LogLines, "Artifact VM1 already deployed")
}

func TestDeployHandler_RuntimeErrorFailsStage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth/token":
			w.Write([]byte(`{"access_token":"sap-tok"}`))
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/api/v1/IntegrationRuntimeArtifacts('IF1')":
			w.Write([]byte(`{"Status":"ERROR","ErrorInformation":"bad groovy script"}`))
		default:
			w.Write([]byte("PK\x03\x04"))
		}
	}))
	defer srv.Close()

	h := &DeployHandler{caller: instantCaller(t), sleep: noWait}
	req := deployRequest(srv.URL, srv.URL+"/oauth/token",
		[]pipeline.Artifact{{ID: "IF1", Name: "OrderFlow", Type: "IntegrationFlow"}})

	res := h.Execute(context.Background(), req)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "bad groovy script")
}

func TestDeployHandler_PollWindowExhaustedIsWarningOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth/token":
			w.Write([]byte(`{"access_token":"sap-tok"}`))
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/api/v1/IntegrationRuntimeArtifacts('IF1')":
			w.Write([]byte(`{"d":{"Status":"STARTING"}}`))
		default:
			w.Write([]byte("PK\x03\x04"))
		}
	}))
	defer srv.Close()

	h := &DeployHandler{caller: instantCaller(t), pollAttempts: 2, sleep: noWait}
	req := deployRequest(srv.URL, srv.URL+"/oauth/token",
		[]pipeline.Artifact{{ID: "IF1", Name: "OrderFlow", Type: "IntegrationFlow"}})

	res := h.Execute(context.Background(), req)
	require.Equal(t, pipeline.StatusSuccess, res.Status)
	assert.Contains(t, res.LogLines,
		"WARNING: artifact IF1 did not reach STARTED within the poll window")
}

func TestDeployHandler_NoArtifactsNothingToDo(t *testing.T) {
	h := &DeployHandler{caller: instantCaller(t)}
	req := deployRequest("https://sap.example.com", "https://auth.example.com/token", nil)

	res := h.Execute(context.Background(), req)
	assert.Equal(t, pipeline.StatusSuccess, res.Status)
	assert.Equal(t, "no artifacts selected", res.Message)
}

func TestDeployHandler_MissingOAuthCredentials(t *testing.T) {
	h := &DeployHandler{caller: instantCaller(t)}
	req := deployRequest("https://sap.example.com", "",
		[]pipeline.Artifact{{ID: "IF1", Name: "OrderFlow", Type: "IntegrationFlow"}})
	req.Auth = &credentials.Credential{Type: "basic", Username: "u", APIKey: "k"}

	res := h.Execute(context.Background(), req)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "no OAuth credentials")
}

func TestVerifyArchive_ChecksZIPSignature(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("P")) // truncated, not a ZIP
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"content": content})
	}))
	defer srv.Close()

	h := &DeployHandler{caller: instantCaller(t)}
	gh := GitHubTarget{Owner: "acme", Repo: "r", Branch: "main", Token: "tok"}

	msg := h.verifyArchive(context.Background(), srv.URL, gh, "pipelines/a.zip")
	assert.Contains(t, msg, "does not have ZIP signature")

	// A real ZIP signature passes.
	content = base64.StdEncoding.EncodeToString([]byte("PK\x03\x04rest"))
	msg = h.verifyArchive(context.Background(), srv.URL, gh, "pipelines/a.zip")
	assert.Contains(t, msg, "Verified ZIP signature")
}

func TestRuntimeStatus_Shapes(t *testing.T) {
	status, errInfo := runtimeStatus([]byte(`{"d":{"Status":"STARTED"}}`))
	assert.Equal(t, "STARTED", status)
	assert.Empty(t, errInfo)

	status, errInfo = runtimeStatus([]byte(`{"Status":"ERROR","ErrorInformation":"boom"}`))
	assert.Equal(t, "ERROR", status)
	assert.Equal(t, "boom", errInfo)

	status, _ = runtimeStatus([]byte(`not json`))
	assert.Empty(t, status)
}
