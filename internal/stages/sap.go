package stages

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flowforge/backend/internal/pipeline"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultPollAttempts = 12
)

// designtimeCollections maps an artifact type to its SAP Cloud Integration
// design-time collection.
var designtimeCollections = map[string]string{
	"IntegrationFlow":  "IntegrationDesigntimeArtifacts",
	"ValueMapping":     "ValueMappingDesigntimeArtifacts",
	"MessageMapping":   "MessageMappingDesigntimeArtifacts",
	"ScriptCollection": "ScriptCollectionDesigntimeArtifacts",
	"GroovyScript":     "ScriptCollectionDesigntimeArtifacts",
	"MessageResource":  "MessageResourcesDesigntimeArtifacts",
}

// DeployHandler deploys the selected SAP Cloud Integration artifacts: it
// downloads each design-time artifact, archives it to GitHub when the code
// stage resolved a repository, triggers deployment, and polls the runtime
// until the artifact starts.
type DeployHandler struct {
	caller       *Caller
	pollInterval time.Duration
	pollAttempts int
	sleep        func(ctx context.Context, d time.Duration) error
}

func (h *DeployHandler) Execute(ctx context.Context, req *Request) *Result {
	cfg := req.Stage.ToolConfig
	base := strings.TrimSuffix(configString(cfg, "url", "baseUrl", "sapUrl", "host"), "/")
	if base == "" {
		return &Result{Status: pipeline.StatusFailed, Message: "SAP tenant URL not configured"}
	}
	if len(req.Artifacts) == 0 {
		return &Result{
			Status:   pipeline.StatusSuccess,
			Message:  "no artifacts selected",
			LogLines: []string{"No artifacts selected for deployment"},
		}
	}

	cred := req.Auth
	if cred == nil || cred.ClientID == "" || cred.ClientSecret == "" {
		return &Result{
			Status:  pipeline.StatusFailed,
			Message: fmt.Sprintf("no OAuth credentials resolved for deploy stage %s", req.Stage.Name),
		}
	}

	token, err := h.oauthToken(ctx, cred.TokenURL, cred.ClientID, cred.ClientSecret)
	if err != nil {
		return failedCall("SAP token endpoint", err)
	}

	var logs []string
	gh, hasGitHub := sharedGitHub(req)
	if !hasGitHub {
		logs = append(logs, "No repository context from code stage; artifact archival skipped")
	}

	for _, artifact := range req.Artifacts {
		artifactLogs, err := h.deployArtifact(ctx, req, base, token, artifact, gh, hasGitHub)
		logs = append(logs, artifactLogs...)
		if err != nil {
			return &Result{
				Status:   pipeline.StatusFailed,
				Message:  fmt.Sprintf("artifact %s: %v", artifact.Name, err),
				LogLines: logs,
			}
		}
	}

	return &Result{
		Status:   pipeline.StatusSuccess,
		Message:  fmt.Sprintf("%d artifact(s) deployed", len(req.Artifacts)),
		LogLines: logs,
	}
}

func (h *DeployHandler) deployArtifact(ctx context.Context, req *Request, base, token string, artifact pipeline.Artifact, gh GitHubTarget, archive bool) ([]string, error) {
	collection, ok := designtimeCollections[artifact.Type]
	if !ok {
		collection = "IntegrationDesigntimeArtifacts"
	}
	logs := []string{fmt.Sprintf("Deploying %s (%s)", artifact.Name, artifact.Type)}

	// Download the design-time artifact as a zip.
	downloadURL := fmt.Sprintf("%s/api/v1/%s(Id='%s',Version='active')/$value",
		base, collection, url.PathEscape(artifact.ID))
	resp, err := h.caller.Do(ctx, BreakerSAP, CallRequest{
		Method: http.MethodGet,
		URL:    downloadURL,
		Header: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return logs, err
	}
	if resp.StatusCode != http.StatusOK {
		return logs, fmt.Errorf("design-time download returned status %d", resp.StatusCode)
	}
	logs = append(logs, fmt.Sprintf("Downloaded %s (%d bytes)", artifact.Name, len(resp.Body)))

	if archive {
		archiveLogs, err := h.archiveToGitHub(ctx, req, gh, artifact, resp.Body)
		logs = append(logs, archiveLogs...)
		if err != nil {
			return logs, err
		}
	}

	// Trigger deployment. 409 means the artifact is already deployed at this
	// version, which is not a failure.
	deployURL := fmt.Sprintf("%s/api/v1/DeployIntegrationDesigntimeArtifact?Id='%s'&Version='active'",
		base, url.QueryEscape(artifact.ID))
	resp, err = h.caller.Do(ctx, BreakerSAP, CallRequest{
		Method: http.MethodPost,
		URL:    deployURL,
		Header: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return logs, err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusCreated:
		logs = append(logs, fmt.Sprintf("Deployment triggered for %s", artifact.ID))
	case http.StatusConflict:
		logs = append(logs, fmt.Sprintf("Artifact %s already deployed", artifact.ID))
		return logs, nil
	default:
		return logs, fmt.Errorf("deploy trigger returned status %d", resp.StatusCode)
	}

	pollLogs, err := h.awaitRuntime(ctx, base, token, artifact)
	logs = append(logs, pollLogs...)
	return logs, err
}

// awaitRuntime polls the runtime artifact until it reaches STARTED or ERROR.
// Exhausting the poll budget is a warning, not a failure; deployment often
// completes after the handler has moved on.
func (h *DeployHandler) awaitRuntime(ctx context.Context, base, token string, artifact pipeline.Artifact) ([]string, error) {
	interval := h.pollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	attempts := h.pollAttempts
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}
	sleep := h.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	runtimeURL := fmt.Sprintf("%s/api/v1/IntegrationRuntimeArtifacts('%s')", base, url.PathEscape(artifact.ID))
	var logs []string
	for i := 0; i < attempts; i++ {
		if err := sleep(ctx, interval); err != nil {
			return logs, err
		}

		resp, err := h.caller.Do(ctx, BreakerSAP, CallRequest{
			Method: http.MethodGet,
			URL:    runtimeURL,
			Header: http.Header{
				"Authorization": []string{"Bearer " + token},
				"Accept":        []string{"application/json"},
			},
		})
		if err != nil {
			return logs, err
		}
		if resp.StatusCode != http.StatusOK {
			continue
		}

		status, errInfo := runtimeStatus(resp.Body)
		switch status {
		case "STARTED":
			logs = append(logs, fmt.Sprintf("Artifact %s started", artifact.ID))
			return logs, nil
		case "ERROR":
			return logs, fmt.Errorf("runtime reported ERROR: %s", errInfo)
		default:
			logs = append(logs, fmt.Sprintf("Artifact %s status %s, waiting", artifact.ID, status))
		}
	}

	logs = append(logs, fmt.Sprintf("WARNING: artifact %s did not reach STARTED within the poll window", artifact.ID))
	return logs, nil
}

// runtimeStatus tolerates both the OData-wrapped and the flat response
// shapes.
func runtimeStatus(body []byte) (status, errInfo string) {
	var wrapped struct {
		D struct {
			Status           string `json:"Status"`
			ErrorInformation string `json:"ErrorInformation"`
		} `json:"d"`
		Status           string `json:"Status"`
		ErrorInformation string `json:"ErrorInformation"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return "", ""
	}
	if wrapped.D.Status != "" {
		return wrapped.D.Status, wrapped.D.ErrorInformation
	}
	return wrapped.Status, wrapped.ErrorInformation
}

// archiveToGitHub writes the artifact zip into the repository via the
// contents API, preserving the existing file SHA on update, then re-fetches
// the stored file and checks the ZIP signature.
func (h *DeployHandler) archiveToGitHub(ctx context.Context, req *Request, gh GitHubTarget, artifact pipeline.Artifact, content []byte) ([]string, error) {
	path := fmt.Sprintf("%s/%s/builds/%s/%s/%s/%s/%s.zip",
		gh.BasePath, req.PipelineName, req.BuildVersion,
		req.Node.Name, req.Stage.Name, artifact.Type, artifact.Name)
	contentsURL := fmt.Sprintf("%s/repos/%s/%s/contents/%s", githubAPIBase, gh.Owner, gh.Repo, path)
	header := githubHeader(gh.Token)

	// An existing file must be updated with its current SHA.
	existingSHA := ""
	resp, err := h.caller.Do(ctx, BreakerGitHub, CallRequest{
		Method: http.MethodGet,
		URL:    contentsURL + "?ref=" + url.QueryEscape(gh.Branch),
		Header: header,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		var existing struct {
			SHA string `json:"sha"`
		}
		_ = resp.JSON(&existing)
		existingSHA = existing.SHA
	}

	payload := map[string]interface{}{
		"message": fmt.Sprintf("Archive %s for build %s", artifact.Name, req.BuildVersion),
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  gh.Branch,
	}
	if existingSHA != "" {
		payload["sha"] = existingSHA
	}
	body, _ := json.Marshal(payload)

	resp, err = h.caller.Do(ctx, BreakerGitHub, CallRequest{
		Method: http.MethodPut, URL: contentsURL, Header: header, Body: body,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("archive upload returned status %d", resp.StatusCode)
	}
	logs := []string{fmt.Sprintf("Archived %s to %s", artifact.Name, path)}

	verifyLog := h.verifyArchive(ctx, contentsURL, gh, path)
	logs = append(logs, verifyLog)
	return logs, nil
}

// verifyArchive re-fetches the stored file and checks the two-byte ZIP
// signature (0x50 0x4B). A bad signature is a warning only; the upload
// already succeeded.
func (h *DeployHandler) verifyArchive(ctx context.Context, contentsURL string, gh GitHubTarget, path string) string {
	resp, err := h.caller.Do(ctx, BreakerGitHub, CallRequest{
		Method: http.MethodGet,
		URL:    contentsURL + "?ref=" + url.QueryEscape(gh.Branch),
		Header: githubHeader(gh.Token),
	})
	if err != nil || resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("WARNING: could not verify archived file %s", path)
	}

	var stored struct {
		Content string `json:"content"`
	}
	if err := resp.JSON(&stored); err != nil {
		return fmt.Sprintf("WARNING: could not verify archived file %s", path)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(stored.Content, "\n", ""))
	if err != nil || len(decoded) < 2 || decoded[0] != 0x50 || decoded[1] != 0x4B {
		return fmt.Sprintf("WARNING: stored file %s does not have ZIP signature", path)
	}
	return fmt.Sprintf("Verified ZIP signature for %s", path)
}

// oauthToken performs the client-credentials grant against the SAP token
// endpoint.
func (h *DeployHandler) oauthToken(ctx context.Context, tokenURL, clientID, clientSecret string) (string, error) {
	if tokenURL == "" {
		return "", fmt.Errorf("token URL not configured")
	}

	form := url.Values{"grant_type": []string{"client_credentials"}}
	header := http.Header{
		"Content-Type":  []string{"application/x-www-form-urlencoded"},
		"Authorization": []string{"Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+clientSecret))},
	}
	resp, err := h.caller.Do(ctx, BreakerSAP, CallRequest{
		Method: http.MethodPost,
		URL:    tokenURL,
		Header: header,
		Body:   []byte(form.Encode()),
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := resp.JSON(&tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token")
	}
	return tok.AccessToken, nil
}

func sharedGitHub(req *Request) (GitHubTarget, bool) {
	if req.Shared == nil {
		return GitHubTarget{}, false
	}
	gh, ok := req.Shared.GitHubTarget()
	if !ok || gh.Repo == "" || gh.Token == "" {
		return GitHubTarget{}, false
	}
	return gh, true
}
