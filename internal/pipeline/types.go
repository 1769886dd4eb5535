// Package pipeline compiles persisted pipeline templates into executable
// plans and orders them for the coordinator: nodes into parallel tiers,
// stages into serial chains.
package pipeline

// StageType is the closed set of stage kinds. Unknown types in a pipeline
// definition compile to StageGeneric.
type StageType string

const (
	StagePlan     StageType = "plan"
	StageCode     StageType = "code"
	StageBuild    StageType = "build"
	StageDeploy   StageType = "deploy"
	StageTest     StageType = "test"
	StageApproval StageType = "approval"
	StageRelease  StageType = "release"
	StageGeneric  StageType = "generic"
)

// ParseStageType normalizes a declared type; anything outside the closed
// set maps to StageGeneric.
func ParseStageType(s string) StageType {
	switch StageType(s) {
	case StagePlan, StageCode, StageBuild, StageDeploy, StageTest, StageApproval, StageRelease:
		return StageType(s)
	default:
		return StageGeneric
	}
}

// StageStatus is the per-stage state machine. Progression is monotonic:
// PENDING -> RUNNING -> {SUCCESS, FAILED, SKIPPED, WAITING_APPROVAL};
// WAITING_APPROVAL -> {SUCCESS, FAILED, STALE}. Never backward.
type StageStatus string

const (
	StatusPending         StageStatus = "PENDING"
	StatusRunning         StageStatus = "RUNNING"
	StatusSuccess         StageStatus = "SUCCESS"
	StatusFailed          StageStatus = "FAILED"
	StatusSkipped         StageStatus = "SKIPPED"
	StatusWaitingApproval StageStatus = "WAITING_APPROVAL"
	StatusStale           StageStatus = "STALE"
)

// Terminal reports whether a stage status accepts no further transitions.
func (s StageStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped, StatusStale:
		return true
	}
	return false
}

// rank orders statuses along the legal progression; transitions may only
// increase it.
func (s StageStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusWaitingApproval:
		return 2
	case StatusSuccess, StatusFailed, StatusSkipped, StatusStale:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next respects the
// monotonic stage state machine.
func (s StageStatus) CanTransition(next StageStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// ExecutionStatus is the run-level lifecycle.
type ExecutionStatus string

const (
	ExecRunning   ExecutionStatus = "running"
	ExecPaused    ExecutionStatus = "paused"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution accepts no further stage writes.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

// Pipeline is the persisted graph template. Nodes and Edges carry frontend
// layout only; YAMLContent is the authoritative graph.
type Pipeline struct {
	ID          string       `json:"id"`
	AccountID   string       `json:"accountId"`
	Name        string       `json:"name"`
	Nodes       []LayoutNode `json:"nodes"`
	Edges       []Edge       `json:"edges"`
	YAMLContent string       `json:"yamlContent"`
}

// LayoutNode is a frontend vertex; position only.
type LayoutNode struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// Edge connects layout nodes source -> target. When the YAML omits node
// dependencies, the compiler derives them from edges.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// BuildJob binds a pipeline template to runtime configuration.
type BuildJob struct {
	ID                  string                `json:"id"`
	AccountID           string                `json:"accountId"`
	PipelineID          string                `json:"pipelineId"`
	Name                string                `json:"name"`
	Branch              string                `json:"branch"`
	BuildVersion        string                `json:"buildVersion"`
	Approvers           []string              `json:"approvers"`
	PipelineStagesState map[string]StageState `json:"pipelineStagesState"`
	SelectedArtifacts   []Artifact            `json:"selectedArtifacts"`
}

// StageState is the build job's per-stage override of the template.
type StageState struct {
	ExecutionEnabled *bool                  `json:"executionEnabled,omitempty"`
	ToolSelected     *bool                  `json:"toolSelected,omitempty"`
	CredentialID     string                 `json:"credentialId,omitempty"`
	Config           map[string]interface{} `json:"config,omitempty"`
}

// Artifact is a SAP Cloud Integration design-time artifact selected for
// deployment.
type Artifact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// CompiledStage is one executable unit of work inside a node.
type CompiledStage struct {
	ID               string
	Name             string
	Type             StageType
	ToolConfig       map[string]interface{}
	ExecutionEnabled bool
	ToolSelected     bool
	CredentialID     string
	DependsOn        []string
}

// CompiledNode is an environment vertex of the executable plan.
type CompiledNode struct {
	ID        string
	Name      string
	DependsOn []string
	Stages    []CompiledStage
}
