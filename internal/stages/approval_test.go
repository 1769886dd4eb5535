package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/backend/internal/pipeline"
)

type fakeApprovals struct {
	created [][]string
	err     error
}

func (f *fakeApprovals) CreateApprovals(ctx context.Context, accountID, executionID, stageID, stageName string, approvers []string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.created = append(f.created, approvers)
	return len(approvers), nil
}

func approvalRequest(approvers []string, cfg map[string]interface{}) *Request {
	req := stageRequest(pipeline.CompiledStage{
		ID: "approve-1", Name: "Release approval", Type: pipeline.StageApproval,
		ExecutionEnabled: true, ToolSelected: true, ToolConfig: cfg,
	})
	req.Approvers = approvers
	return req
}

func TestApprovalHandler_SuspendsOnFanOut(t *testing.T) {
	creator := &fakeApprovals{}
	h := &ApprovalHandler{approvals: creator}

	res := h.Execute(context.Background(), approvalRequest([]string{"lead@acme.test", "qa@acme.test"}, nil))

	assert.Equal(t, pipeline.StatusWaitingApproval, res.Status)
	assert.Contains(t, res.Message, "2 approver(s)")
	require.Len(t, creator.created, 1)
	assert.Equal(t, []string{"lead@acme.test", "qa@acme.test"}, creator.created[0])
}

func TestApprovalHandler_ConfigApproversFallback(t *testing.T) {
	creator := &fakeApprovals{}
	h := &ApprovalHandler{approvals: creator}

	res := h.Execute(context.Background(), approvalRequest(nil, map[string]interface{}{
		"approvers": []interface{}{"ops@acme.test"},
	}))

	assert.Equal(t, pipeline.StatusWaitingApproval, res.Status)
	require.Len(t, creator.created, 1)
	assert.Equal(t, []string{"ops@acme.test"}, creator.created[0])
}

func TestApprovalHandler_NoApproversSkips(t *testing.T) {
	creator := &fakeApprovals{}
	h := &ApprovalHandler{approvals: creator}

	res := h.Execute(context.Background(), approvalRequest(nil, nil))

	assert.Equal(t, pipeline.StatusSkipped, res.Status)
	assert.Equal(t, "No approvers configured", res.Message)
	assert.Empty(t, creator.created)
}

func TestApprovalHandler_NilCreatorSkips(t *testing.T) {
	h := &ApprovalHandler{}
	res := h.Execute(context.Background(), approvalRequest([]string{"lead@acme.test"}, nil))
	assert.Equal(t, pipeline.StatusSkipped, res.Status)
}

func TestApprovalHandler_CreateFailureFailsStage(t *testing.T) {
	h := &ApprovalHandler{approvals: &fakeApprovals{err: errors.New("inbox write failed")}}
	res := h.Execute(context.Background(), approvalRequest([]string{"lead@acme.test"}, nil))

	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "inbox write failed")
}
