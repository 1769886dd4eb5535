package stages

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowforge/backend/internal/metrics"
	"github.com/flowforge/backend/internal/pipeline"
)

// Breaker names, one per external tool.
const (
	BreakerJIRA   = "jira"
	BreakerGitHub = "github"
	BreakerSAP    = "sap"
)

// Dispatcher routes a compiled stage to the handler for its type. Stages
// disabled on the build job, or declaring a tool that was not selected,
// are short-circuited to SKIPPED without invoking any handler.
type Dispatcher struct {
	handlers map[pipeline.StageType]Handler
	fallback Handler
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewDispatcher wires the built-in handlers. approvals may be nil in
// deployments without an inbox; approval stages then skip.
func NewDispatcher(caller *Caller, approvals ApprovalCreator, m *metrics.Metrics) *Dispatcher {
	generic := &GenericHandler{}
	d := &Dispatcher{
		handlers: map[pipeline.StageType]Handler{
			pipeline.StagePlan:     &PlanHandler{caller: caller},
			pipeline.StageCode:     &CodeHandler{caller: caller},
			pipeline.StageDeploy:   &DeployHandler{caller: caller},
			pipeline.StageApproval: &ApprovalHandler{approvals: approvals},
			pipeline.StageBuild:    generic,
			pipeline.StageTest:     generic,
			pipeline.StageRelease:  generic,
			pipeline.StageGeneric:  generic,
		},
		fallback: generic,
		metrics:  m,
		now:      time.Now,
	}
	return d
}

// WithClock injects a time source for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Register replaces the handler for a stage type.
func (d *Dispatcher) Register(t pipeline.StageType, h Handler) {
	d.handlers[t] = h
}

// toolBacked reports whether a stage type declares an external tool and is
// therefore subject to the toolSelected flag.
func toolBacked(t pipeline.StageType) bool {
	switch t {
	case pipeline.StagePlan, pipeline.StageCode, pipeline.StageDeploy:
		return true
	}
	return false
}

// Dispatch runs one stage and returns its result. It never returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Result {
	stage := req.Stage

	if !stage.ExecutionEnabled {
		return d.finish(req, &Result{
			Status:   pipeline.StatusSkipped,
			Message:  "stage disabled on build job",
			LogLines: []string{fmt.Sprintf("Stage %s skipped: execution disabled", stage.Name)},
		}, d.now())
	}
	if toolBacked(stage.Type) && !stage.ToolSelected {
		return d.finish(req, &Result{
			Status:   pipeline.StatusSkipped,
			Message:  "no tool selected for stage",
			LogLines: []string{fmt.Sprintf("Stage %s skipped: no tool selected", stage.Name)},
		}, d.now())
	}

	handler, ok := d.handlers[stage.Type]
	if !ok {
		handler = d.fallback
	}

	start := d.now()
	slog.Info("stage dispatch",
		"account_id", req.AccountID, "execution_id", req.ExecutionID,
		"node", req.Node.ID, "stage", stage.ID, "type", string(stage.Type))

	res := handler.Execute(ctx, req)
	if res == nil {
		res = &Result{Status: pipeline.StatusFailed, Message: "handler returned no result"}
	}
	return d.finish(req, res, start)
}

func (d *Dispatcher) finish(req *Request, res *Result, start time.Time) *Result {
	if res.DurationMs == 0 {
		res.DurationMs = d.now().Sub(start).Milliseconds()
	}
	if d.metrics != nil {
		d.metrics.StageResults.WithLabelValues(string(req.Stage.Type), string(res.Status)).Inc()
		d.metrics.StageDuration.WithLabelValues(string(req.Stage.Type)).
			Observe(float64(res.DurationMs) / 1000)
	}
	return res
}
