package stages

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/flowforge/backend/internal/pipeline"
)

// PlanHandler verifies the planning ticket in JIRA. With an issue key
// configured it fetches the issue; without one it probes the instance with
// the current-user endpoint to validate connectivity and auth.
type PlanHandler struct {
	caller *Caller
}

func (h *PlanHandler) Execute(ctx context.Context, req *Request) *Result {
	cfg := req.Stage.ToolConfig
	baseURL := strings.TrimSuffix(configString(cfg, "baseUrl", "url", "jiraUrl"), "/")
	if baseURL == "" {
		return &Result{
			Status:  pipeline.StatusFailed,
			Message: "JIRA base URL not configured",
		}
	}

	header, err := jiraAuthHeader(req)
	if err != nil {
		return &Result{
			Status:  pipeline.StatusFailed,
			Message: err.Error(),
		}
	}

	issueKey := configString(cfg, "issueKey", "ticket", "issue")
	endpoint := baseURL + "/rest/api/3/myself"
	if issueKey != "" {
		endpoint = baseURL + "/rest/api/3/issue/" + issueKey
	}

	resp, err := h.caller.Do(ctx, BreakerJIRA, CallRequest{
		Method: http.MethodGet,
		URL:    endpoint,
		Header: header,
	})
	if err != nil {
		return failedCall("JIRA", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		logs := []string{"JIRA connectivity verified"}
		data := map[string]interface{}{}
		if issueKey != "" {
			logs = []string{fmt.Sprintf("JIRA issue %s verified", issueKey)}
			data["issueKey"] = issueKey

			var issue struct {
				Fields struct {
					Summary string `json:"summary"`
					Status  struct {
						Name string `json:"name"`
					} `json:"status"`
				} `json:"fields"`
			}
			if resp.JSON(&issue) == nil && issue.Fields.Summary != "" {
				logs = append(logs, fmt.Sprintf("Summary: %s (status %s)",
					issue.Fields.Summary, issue.Fields.Status.Name))
				data["summary"] = issue.Fields.Summary
				data["issueStatus"] = issue.Fields.Status.Name
			}
		}
		return &Result{Status: pipeline.StatusSuccess, Message: "plan verified", Data: data, LogLines: logs}

	case resp.StatusCode == http.StatusNotFound && issueKey != "":
		return &Result{
			Status:  pipeline.StatusFailed,
			Message: fmt.Sprintf("JIRA issue %s not found", issueKey),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Result{
			Status:  pipeline.StatusFailed,
			Message: fmt.Sprintf("JIRA rejected credentials (status %d)", resp.StatusCode),
		}
	default:
		return &Result{
			Status:  pipeline.StatusFailed,
			Message: fmt.Sprintf("JIRA returned status %d", resp.StatusCode),
		}
	}
}

// jiraAuthHeader builds the Authorization header from the resolved
// credential. Basic auth uses username plus API token; bearer uses a PAT.
func jiraAuthHeader(req *Request) (http.Header, error) {
	cred := req.Auth
	if cred.Empty() {
		return nil, fmt.Errorf("no credentials resolved for JIRA stage %s", req.Stage.Name)
	}

	header := http.Header{"Accept": []string{"application/json"}}
	switch cred.Type {
	case "bearer":
		header.Set("Authorization", "Bearer "+cred.Token)
	default:
		secret := cred.APIKey
		if secret == "" {
			secret = cred.Token
		}
		raw := cred.Username + ":" + secret
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	}
	return header, nil
}

// failedCall maps a caller error to a FAILED result, distinguishing an open
// breaker from an exhausted retry budget.
func failedCall(tool string, err error) *Result {
	msg := fmt.Sprintf("%s call failed: %v", tool, err)
	if isCircuitOpen(err) {
		msg = fmt.Sprintf("%s downstream unavailable (circuit open)", tool)
	}
	return &Result{Status: pipeline.StatusFailed, Message: msg}
}
