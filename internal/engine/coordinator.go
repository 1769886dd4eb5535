package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flowforge/backend/internal/audit"
	"github.com/flowforge/backend/internal/credentials"
	"github.com/flowforge/backend/internal/pipeline"
	"github.com/flowforge/backend/internal/stages"
	"github.com/flowforge/backend/internal/store"
)

// coordinator owns one execution attempt. It is created fresh for every
// run and for every resumption; nothing survives in memory across a
// suspension.
type coordinator struct {
	eng   *Engine
	exec  *Execution
	pipe  *pipeline.Pipeline
	job   *pipeline.BuildJob
	tiers [][]pipeline.CompiledNode

	shared *stages.SharedContext

	// mu guards exec mutation, the log buffer, and the control flags.
	mu        sync.Mutex
	dirty     bool
	suspended bool
	failure   string
}

func newCoordinator(e *Engine, exec *Execution, pipe *pipeline.Pipeline,
	job *pipeline.BuildJob, tiers [][]pipeline.CompiledNode) *coordinator {

	shared := stages.NewSharedContext()
	if len(exec.SharedData) > 0 {
		shared.Restore(exec.SharedData)
	}
	return &coordinator{
		eng:    e,
		exec:   exec,
		pipe:   pipe,
		job:    job,
		tiers:  tiers,
		shared: shared,
	}
}

// run drives the tier loop to suspension or a terminal status.
func (c *coordinator) run(ctx context.Context) {
	defer c.eng.release(c.exec.ID)

	if c.eng.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.eng.execTimeout)
		defer cancel()
	}

	stopFlush := c.startFlusher(ctx)
	defer stopFlush()

	for _, tier := range c.tiers {
		if ctx.Err() != nil || c.stopped() {
			break
		}
		c.runTier(ctx, tier)
	}

	c.finish(ctx)
}

// runTier fans one worker per node through the bounded pool.
func (c *coordinator) runTier(ctx context.Context, tier []pipeline.CompiledNode) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.eng.maxWorkers)

	for _, node := range tier {
		node := node
		g.Go(func() error {
			c.runNode(gctx, node)
			return nil
		})
	}
	_ = g.Wait()
}

// runNode executes the node's stages serially in dependency order.
func (c *coordinator) runNode(ctx context.Context, node pipeline.CompiledNode) {
	ordered, err := pipeline.OrderStages(node)
	if err != nil {
		c.recordStage(ctx, node, pipeline.CompiledStage{ID: node.ID, Name: node.Name}, &stages.Result{
			Status:  pipeline.StatusFailed,
			Message: err.Error(),
		})
		c.fail(err.Error())
		return
	}

	for _, stage := range ordered {
		if ctx.Err() != nil || c.stopped() {
			return
		}

		prev := c.stageStatus(stage.ID)
		if prev.Terminal() {
			continue
		}
		if prev == pipeline.StatusWaitingApproval {
			// Resumed without an outcome; stay suspended.
			c.suspend(stage.ID)
			return
		}

		c.appendLog(node.ID, fmt.Sprintf("Stage %s started", stage.Name))
		c.setStageRunning(node, stage)

		res := c.executeStage(ctx, node, stage)
		c.recordStage(ctx, node, stage, res)

		switch res.Status {
		case pipeline.StatusWaitingApproval:
			c.suspend(stage.ID)
			return
		case pipeline.StatusFailed:
			c.fail(fmt.Sprintf("stage %s failed: %s", stage.Name, res.Message))
			return
		}
	}
}

func (c *coordinator) executeStage(ctx context.Context, node pipeline.CompiledNode, stage pipeline.CompiledStage) *stages.Result {
	auth, err := c.resolveAuth(ctx, stage)
	if err != nil {
		return &stages.Result{
			Status:  pipeline.StatusFailed,
			Message: err.Error(),
		}
	}

	return c.eng.dispatcher.Dispatch(ctx, &stages.Request{
		AccountID:    c.exec.AccountID,
		ExecutionID:  c.exec.ID,
		PipelineName: c.pipe.Name,
		BuildVersion: c.job.BuildVersion,
		Branch:       c.job.Branch,
		Node:         node,
		Stage:        stage,
		Auth:         auth,
		Approvers:    c.job.Approvers,
		Artifacts:    c.job.SelectedArtifacts,
		Shared:       c.shared,
	})
}

func (c *coordinator) resolveAuth(ctx context.Context, stage pipeline.CompiledStage) (*credentials.Credential, error) {
	inline, _ := stage.ToolConfig["auth"].(map[string]interface{})
	return c.eng.resolver.Resolve(ctx, c.exec.AccountID, credentials.StageAuth{
		InlineAuth:   inline,
		CredentialID: stage.CredentialID,
	})
}

// setStageRunning records the transient RUNNING status so a crash leaves a
// truthful image behind.
func (c *coordinator) setStageRunning(node pipeline.CompiledNode, stage pipeline.CompiledStage) {
	c.mu.Lock()
	c.exec.StageResults[stage.ID] = StageResult{
		NodeID:  node.ID,
		StageID: stage.ID,
		Name:    stage.Name,
		Type:    stage.Type,
		Status:  pipeline.StatusRunning,
	}
	c.dirty = true
	c.mu.Unlock()
}

// recordStage persists a stage outcome: result map, logs, audit, and an
// immediate flush.
func (c *coordinator) recordStage(ctx context.Context, node pipeline.CompiledNode, stage pipeline.CompiledStage, res *stages.Result) {
	c.mu.Lock()
	c.exec.StageResults[stage.ID] = StageResult{
		NodeID:     node.ID,
		StageID:    stage.ID,
		Name:       stage.Name,
		Type:       stage.Type,
		Status:     res.Status,
		Message:    res.Message,
		DurationMs: res.DurationMs,
		Data:       res.Data,
	}
	for _, line := range res.LogLines {
		c.exec.Logs = append(c.exec.Logs, "[NODE:"+node.ID+"] "+line)
	}
	c.exec.Logs = append(c.exec.Logs,
		fmt.Sprintf("[NODE:%s] Stage %s finished: %s", node.ID, stage.Name, res.Status))
	c.dirty = true
	c.mu.Unlock()

	if c.eng.audit != nil {
		c.eng.audit.Record(ctx, audit.Params{
			Kind:       audit.KindStageOutcome,
			AccountID:  c.exec.AccountID,
			EntityType: store.EntityExecution,
			EntityID:   c.exec.ID,
			Status:     string(res.Status),
			Subject:    stage.Name,
			Detail:     res.Message,
		})
	}

	c.flush(ctx)
}

func (c *coordinator) appendLog(nodeID, line string) {
	c.mu.Lock()
	c.exec.Logs = append(c.exec.Logs, "[NODE:"+nodeID+"] "+line)
	c.dirty = true
	c.mu.Unlock()
}

func (c *coordinator) stageStatus(stageID string) pipeline.StageStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec.stageStatus(stageID)
}

func (c *coordinator) suspend(stageID string) {
	c.mu.Lock()
	if !c.suspended {
		c.suspended = true
		c.exec.Waiting = &Suspension{StageID: stageID, ResumeToken: uuid.NewString()}
	}
	c.mu.Unlock()
}

func (c *coordinator) fail(msg string) {
	c.mu.Lock()
	if c.failure == "" {
		c.failure = msg
	}
	c.mu.Unlock()
}

func (c *coordinator) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended || c.failure != ""
}

// finish settles the execution status and writes the final image.
func (c *coordinator) finish(ctx context.Context) {
	// The run context may be cancelled or expired; persistence still has to
	// happen.
	saveCtx := context.WithoutCancel(ctx)

	c.mu.Lock()
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.exec.Status = pipeline.ExecFailed
		c.exec.Message = "timeout"
	case ctx.Err() != nil:
		c.exec.Status = pipeline.ExecCancelled
		c.exec.Message = "cancelled"
	case c.suspended:
		c.exec.Status = pipeline.ExecPaused
		c.exec.SharedData = c.shared.Snapshot()
	case c.failure != "":
		c.exec.Status = pipeline.ExecFailed
		c.exec.Message = c.failure
	default:
		c.exec.Status = c.exec.settle()
		c.exec.SharedData = c.shared.Snapshot()
	}
	terminal := c.exec.Status.Terminal()
	snapshot := c.exec.clone()
	c.dirty = false
	c.mu.Unlock()

	if err := c.eng.repo.SaveExecution(saveCtx, snapshot); err != nil {
		slog.Error("persisting final execution state failed",
			"execution_id", c.exec.ID, "status", string(snapshot.Status), "error", err)
	}
	if terminal {
		c.eng.finishMetrics(snapshot)
	}

	slog.Info("coordinator exit",
		"account_id", c.exec.AccountID, "execution_id", c.exec.ID,
		"status", string(snapshot.Status))
}

// flush persists the current execution image when it changed.
func (c *coordinator) flush(ctx context.Context) {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	snapshot := c.exec.clone()
	c.dirty = false
	c.mu.Unlock()

	if err := c.eng.repo.SaveExecution(context.WithoutCancel(ctx), snapshot); err != nil {
		slog.Warn("execution flush failed", "execution_id", c.exec.ID, "error", err)
	}
}

// startFlusher writes the log buffer on a fixed cadence in addition to the
// per-stage flushes. Returns a stop function that performs one last flush.
func (c *coordinator) startFlusher(ctx context.Context) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(c.eng.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.flush(ctx)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
