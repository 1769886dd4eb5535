package stages

import (
	"context"
	"fmt"

	"github.com/flowforge/backend/internal/pipeline"
)

// ApprovalCreator creates the inbox items an approval stage fans out. The
// inbox bridge implements it.
type ApprovalCreator interface {
	CreateApprovals(ctx context.Context, accountID, executionID, stageID, stageName string, approvers []string) (int, error)
}

// ApprovalHandler gates an execution on human sign-off. It creates one
// inbox item per approver and suspends the stage; the engine resumes it
// when an approver acts.
type ApprovalHandler struct {
	approvals ApprovalCreator
}

func (h *ApprovalHandler) Execute(ctx context.Context, req *Request) *Result {
	approvers := req.Approvers
	if len(approvers) == 0 {
		if v := req.Stage.ToolConfig["approvers"]; v != nil {
			approvers = stringSlice(v)
		}
	}
	if len(approvers) == 0 {
		return &Result{
			Status:   pipeline.StatusSkipped,
			Message:  "No approvers configured",
			LogLines: []string{"Approval skipped: no approvers configured"},
		}
	}
	if h.approvals == nil {
		return &Result{
			Status:   pipeline.StatusSkipped,
			Message:  "approval inbox not configured",
			LogLines: []string{"Approval skipped: inbox not configured"},
		}
	}

	n, err := h.approvals.CreateApprovals(ctx, req.AccountID, req.ExecutionID,
		req.Stage.ID, req.Stage.Name, approvers)
	if err != nil {
		return &Result{
			Status:  pipeline.StatusFailed,
			Message: fmt.Sprintf("creating approval requests: %v", err),
		}
	}

	return &Result{
		Status:  pipeline.StatusWaitingApproval,
		Message: fmt.Sprintf("waiting for approval (%d approver(s) notified)", n),
		LogLines: []string{
			fmt.Sprintf("Approval requested from %d approver(s); execution paused", n),
		},
	}
}

func stringSlice(v interface{}) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []interface{}:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
