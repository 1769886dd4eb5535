package stages

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/backend/internal/credentials"
	"github.com/flowforge/backend/internal/pipeline"
)

func codeRequest(apiBase string, cfg map[string]interface{}) *Request {
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	cfg["apiBaseUrl"] = apiBase
	req := stageRequest(pipeline.CompiledStage{
		ID: "code-1", Name: "Code", Type: pipeline.StageCode,
		ExecutionEnabled: true, ToolSelected: true, ToolConfig: cfg,
	})
	req.Branch = "release/1.2"
	req.Auth = &credentials.Credential{Type: "bearer", Token: "ghp_tok"}
	return req
}

func TestCodeHandler_VerifiesRepoAndPublishesTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ghp_tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/repos/acme/integrations":
			w.Write([]byte(`{"full_name":"acme/integrations"}`))
		case "/repos/acme/integrations/branches/release/1.2":
			w.Write([]byte(`{"commit":{"sha":"abc1234def"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := &CodeHandler{caller: instantCaller(t)}
	req := codeRequest(srv.URL, map[string]interface{}{"owner": "acme", "repo": "integrations"})

	res := h.Execute(context.Background(), req)
	require.Equal(t, pipeline.StatusSuccess, res.Status)
	assert.Equal(t, "abc1234def", res.Data["headSha"])

	gh, ok := req.Shared.GitHubTarget()
	require.True(t, ok)
	assert.Equal(t, "acme", gh.Owner)
	assert.Equal(t, "integrations", gh.Repo)
	assert.Equal(t, "release/1.2", gh.Branch)
	assert.Equal(t, "ghp_tok", gh.Token)
	assert.Equal(t, "pipelines", gh.BasePath)
}

func TestCodeHandler_CombinedOwnerRepoSpelling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"commit":{"sha":"abc"}}`))
	}))
	defer srv.Close()

	h := &CodeHandler{caller: instantCaller(t)}
	req := codeRequest(srv.URL, map[string]interface{}{"repository": "acme/integrations"})

	res := h.Execute(context.Background(), req)
	assert.Equal(t, pipeline.StatusSuccess, res.Status)
	assert.Equal(t, "acme", res.Data["owner"])
	assert.Equal(t, "integrations", res.Data["repo"])
}

func TestCodeHandler_BranchMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/acme/integrations" {
			w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := &CodeHandler{caller: instantCaller(t)}
	req := codeRequest(srv.URL, map[string]interface{}{"owner": "acme", "repo": "integrations"})

	res := h.Execute(context.Background(), req)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Contains(t, res.Message, `branch "release/1.2" not found`)

	// No target published on failure.
	_, ok := req.Shared.GitHubTarget()
	assert.False(t, ok)
}

func TestCodeHandler_ConfigRejections(t *testing.T) {
	h := &CodeHandler{caller: instantCaller(t)}

	req := codeRequest("https://ghe.example.com", nil)
	res := h.Execute(context.Background(), req)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "repository not configured")

	req = codeRequest("https://ghe.example.com", map[string]interface{}{"owner": "acme", "repo": "x"})
	req.Auth = nil
	res = h.Execute(context.Background(), req)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "no credentials resolved")
}
