package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowforge/backend/internal/accounts"
	"github.com/flowforge/backend/internal/engine"
	"github.com/flowforge/backend/internal/inbox"
	"github.com/flowforge/backend/internal/pipeline"
	"github.com/flowforge/backend/internal/tenancy"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, inbox.ErrNotFound),
		errors.Is(err, accounts.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, accounts.ErrLicenseExceeded), errors.Is(err, accounts.ErrAccountSuspended):
		status = http.StatusForbidden
	case errors.Is(err, tenancy.ErrRouteUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func accountOf(r *http.Request) string {
	id, _ := tenancy.AccountID(r.Context())
	return id
}

// Pipelines.

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var p pipeline.Pipeline
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	p.AccountID = accountOf(r)
	if err := s.repo.SavePipeline(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	items, err := s.repo.ListPipelines(r.Context(), accountOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.repo.GetPipeline(r.Context(), accountOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeletePipeline(r.Context(), accountOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Build jobs.

func (s *Server) handleSaveBuildJob(w http.ResponseWriter, r *http.Request) {
	var job pipeline.BuildJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	job.AccountID = accountOf(r)
	if err := s.repo.SaveBuildJob(r.Context(), &job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetBuildJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.repo.GetBuildJob(r.Context(), accountOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Credentials. Bodies are write-only; stored material is never echoed.

func (s *Server) handleSaveCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnectorType string                 `json:"connectorType"`
		Data          map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	err := s.repo.SaveCredential(r.Context(), accountOf(r), mux.Vars(r)["id"],
		body.ConnectorType, body.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": mux.Vars(r)["id"]})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteCredential(r.Context(), accountOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Executions.

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BuildJobID string `json:"buildJobId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	execID, err := s.engine.Run(r.Context(), accountOf(r), mux.Vars(r)["id"], body.BuildJobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": execID})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.ListForPipeline(r.Context(), accountOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.GetExecution(r.Context(), accountOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// nodeResult aggregates the stage results of one environment node.
type nodeResult struct {
	NodeID string               `json:"nodeId"`
	Status pipeline.StageStatus `json:"status"`
	Stages []string             `json:"stages"`
}

// logsResponse is the log-centric execution snapshot.
type logsResponse struct {
	Status         pipeline.ExecutionStatus `json:"status"`
	NodeResults    []nodeResult             `json:"nodeResults"`
	StageResults   []engine.StageResult     `json:"stageResults"`
	Logs           []string                 `json:"logs"`
	SuspendedStage string                   `json:"suspendedStage,omitempty"`
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.GetExecution(r.Context(), accountOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	stageResults := make([]engine.StageResult, 0, len(exec.StageResults))
	for _, res := range exec.StageResults {
		stageResults = append(stageResults, res)
	}
	sort.Slice(stageResults, func(i, j int) bool {
		if stageResults[i].NodeID != stageResults[j].NodeID {
			return stageResults[i].NodeID < stageResults[j].NodeID
		}
		return stageResults[i].StageID < stageResults[j].StageID
	})

	resp := logsResponse{
		Status:       exec.Status,
		NodeResults:  aggregateNodes(stageResults),
		StageResults: stageResults,
		Logs:         exec.Logs,
	}
	if exec.Waiting != nil {
		resp.SuspendedStage = exec.Waiting.StageID
	}
	writeJSON(w, http.StatusOK, resp)
}

// aggregateNodes folds stage results into one status per node: the least
// settled stage wins, so a node reads FAILED over WAITING_APPROVAL over
// RUNNING over SUCCESS.
func aggregateNodes(results []engine.StageResult) []nodeResult {
	severity := func(s pipeline.StageStatus) int {
		switch s {
		case pipeline.StatusFailed:
			return 4
		case pipeline.StatusWaitingApproval:
			return 3
		case pipeline.StatusRunning, pipeline.StatusPending:
			return 2
		case pipeline.StatusStale:
			return 1
		default: // SUCCESS, SKIPPED
			return 0
		}
	}

	index := make(map[string]int)
	nodes := make([]nodeResult, 0)
	for _, res := range results {
		i, ok := index[res.NodeID]
		if !ok {
			index[res.NodeID] = len(nodes)
			nodes = append(nodes, nodeResult{NodeID: res.NodeID, Status: res.Status})
			i = len(nodes) - 1
		}
		if severity(res.Status) > severity(nodes[i].Status) {
			nodes[i].Status = res.Status
		}
		nodes[i].Stages = append(nodes[i].Stages, res.StageID)
	}
	return nodes
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), accountOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleStageApprove resumes a paused execution directly, bypassing the
// inbox. Inbox items raised for the stage stay untouched; actioning them
// later fails their conditional write.
func (s *Server) handleStageApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approved *bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Approved == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "approved flag required"})
		return
	}

	outcome := pipeline.StatusSuccess
	if !*body.Approved {
		outcome = pipeline.StatusFailed
	}
	vars := mux.Vars(r)
	if err := s.engine.Resume(r.Context(), accountOf(r), vars["id"], vars["sid"], outcome); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

// Inbox.

func (s *Server) handleListInbox(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("recipient")
	if email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "recipient query parameter required"})
		return
	}
	items, err := s.bridge.ListForUser(r.Context(), accountOf(r), email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleInboxCount(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("recipient")
	if email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "recipient query parameter required"})
		return
	}
	count, err := s.bridge.GetPendingCount(r.Context(), accountOf(r), email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": count})
}

func (s *Server) handleInboxAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Actor string `json:"actor"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Actor == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "actor required"})
			return
		}

		accountID := accountOf(r)
		inboxID := mux.Vars(r)["id"]

		var item *inbox.Item
		var err error
		switch action {
		case "approve":
			item, err = s.bridge.Approve(r.Context(), accountID, inboxID, body.Actor)
		case "reject":
			item, err = s.bridge.Reject(r.Context(), accountID, inboxID, body.Actor)
		default:
			item, err = s.bridge.Dismiss(r.Context(), accountID, inboxID, body.Actor)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// Audit.

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -7)
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	items, err := s.audit.ListByAccount(r.Context(), accountOf(r), start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}
