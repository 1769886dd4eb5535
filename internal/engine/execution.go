package engine

import (
	"github.com/flowforge/backend/internal/pipeline"
)

// StageResult is the persisted outcome of one stage attempt.
type StageResult struct {
	NodeID     string                 `json:"nodeId"`
	StageID    string                 `json:"stageId"`
	Name       string                 `json:"name"`
	Type       pipeline.StageType     `json:"type"`
	Status     pipeline.StageStatus   `json:"status"`
	Message    string                 `json:"message,omitempty"`
	DurationMs int64                  `json:"durationMs"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Suspension records where a paused execution stopped and the token that
// authorizes resuming it.
type Suspension struct {
	StageID     string `json:"stageId"`
	ResumeToken string `json:"resumeToken"`
}

// Execution is one run of a build job through its pipeline. The whole image
// is persisted on every flush; stage results are keyed by stage id.
type Execution struct {
	ID         string `json:"id"`
	AccountID  string `json:"accountId"`
	PipelineID string `json:"pipelineId"`
	BuildJobID string `json:"buildJobId"`

	Status  pipeline.ExecutionStatus `json:"status"`
	Message string                   `json:"message,omitempty"`

	StageResults map[string]StageResult `json:"stageResults"`
	Logs         []string               `json:"logs"`
	SharedData   map[string]interface{} `json:"sharedData,omitempty"`
	Waiting      *Suspension            `json:"waiting,omitempty"`

	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// clone copies the execution deeply enough that marshaling the copy is
// safe while workers keep appending to the original.
func (e *Execution) clone() *Execution {
	cp := *e
	cp.StageResults = make(map[string]StageResult, len(e.StageResults))
	for k, v := range e.StageResults {
		cp.StageResults[k] = v
	}
	cp.Logs = append([]string(nil), e.Logs...)
	return &cp
}

// stageStatus returns the recorded status of a stage, or PENDING.
func (e *Execution) stageStatus(stageID string) pipeline.StageStatus {
	if res, ok := e.StageResults[stageID]; ok {
		return res.Status
	}
	return pipeline.StatusPending
}

// settle derives the terminal status once every scheduled stage finished:
// completed iff every stage ended SUCCESS or SKIPPED.
func (e *Execution) settle() pipeline.ExecutionStatus {
	for _, res := range e.StageResults {
		switch res.Status {
		case pipeline.StatusSuccess, pipeline.StatusSkipped:
		default:
			return pipeline.ExecFailed
		}
	}
	return pipeline.ExecCompleted
}
