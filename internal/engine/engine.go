// Package engine owns pipeline execution: admission, tier scheduling,
// stage fan-out, log buffering, approval suspension, and resumption. One
// coordinator instance owns one execution attempt in memory; a suspended
// execution is resumed by a fresh coordinator built from the persisted
// image.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/backend/internal/accounts"
	"github.com/flowforge/backend/internal/audit"
	"github.com/flowforge/backend/internal/credentials"
	"github.com/flowforge/backend/internal/metrics"
	"github.com/flowforge/backend/internal/pipeline"
	"github.com/flowforge/backend/internal/stages"
	"github.com/flowforge/backend/internal/tenancy"
)

const maxWorkerCap = 16

// defaultMaxWorkers bounds tier fan-out regardless of tier width.
func defaultMaxWorkers() int {
	n := runtime.NumCPU()
	if n > maxWorkerCap {
		n = maxWorkerCap
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Engine is the execution coordinator factory and its public API surface.
type Engine struct {
	router     *tenancy.Router
	accounts   *accounts.Service
	repo       *Repository
	resolver   *credentials.Resolver
	dispatcher *stages.Dispatcher
	audit      *audit.Recorder
	metrics    *metrics.Metrics

	maxWorkers    int
	flushInterval time.Duration
	execTimeout   time.Duration
	synchronous   bool
	now           func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Option adjusts engine behavior.
type Option func(*Engine)

// WithMaxWorkers overrides the tier worker-pool bound.
func WithMaxWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxWorkers = n
		}
	}
}

// WithFlushInterval overrides the periodic log flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.flushInterval = d
		}
	}
}

// WithExecutionTimeout bounds one execution attempt end to end. Zero means
// unbounded.
func WithExecutionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.execTimeout = d }
}

// WithSynchronous makes Run and Resume block until the coordinator exits;
// tests use it for determinism.
func WithSynchronous() Option {
	return func(e *Engine) { e.synchronous = true }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New wires the engine. audit and metrics may be nil.
func New(router *tenancy.Router, accts *accounts.Service, repo *Repository,
	resolver *credentials.Resolver, dispatcher *stages.Dispatcher,
	rec *audit.Recorder, m *metrics.Metrics, opts ...Option) *Engine {

	e := &Engine{
		router:        router,
		accounts:      accts,
		repo:          repo,
		resolver:      resolver,
		dispatcher:    dispatcher,
		audit:         rec,
		metrics:       m,
		maxWorkers:    defaultMaxWorkers(),
		flushInterval: time.Second,
		now:           time.Now,
		cancels:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run admits a build job and starts its execution. The returned execution
// id is valid even when compilation fails: the failure is persisted on the
// execution record rather than returned.
func (e *Engine) Run(ctx context.Context, accountID, pipelineID, buildJobID string) (string, error) {
	if err := e.accounts.ValidateForExecution(ctx, accountID); err != nil {
		return "", err
	}

	pipe, err := e.repo.GetPipeline(ctx, accountID, pipelineID)
	if err != nil {
		return "", err
	}
	if buildJobID == "" {
		return "", fmt.Errorf("%w: build job id required", pipeline.ErrValidation)
	}
	job, err := e.repo.GetBuildJob(ctx, accountID, buildJobID)
	if err != nil {
		return "", err
	}
	if job.PipelineID != pipe.ID {
		return "", fmt.Errorf("%w: build job %s does not reference pipeline %s",
			pipeline.ErrValidation, buildJobID, pipelineID)
	}

	exec := &Execution{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		PipelineID:   pipe.ID,
		BuildJobID:   job.ID,
		Status:       pipeline.ExecRunning,
		StageResults: make(map[string]StageResult),
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}

	tiers, err := e.compile(pipe, job)
	if err != nil {
		// Compilation failures are recorded on the execution, not returned:
		// the caller still gets an id to inspect.
		exec.Status = pipeline.ExecFailed
		exec.Message = err.Error()
		if saveErr := e.repo.SaveExecution(ctx, exec); saveErr != nil {
			return "", saveErr
		}
		e.finishMetrics(exec)
		slog.Warn("execution rejected at compile time",
			"account_id", accountID, "execution_id", exec.ID, "error", err)
		return exec.ID, nil
	}

	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		return "", err
	}
	if e.metrics != nil {
		e.metrics.ExecutionsStarted.WithLabelValues(accountID).Inc()
	}

	e.launch(ctx, newCoordinator(e, exec, pipe, job, tiers))
	return exec.ID, nil
}

func (e *Engine) compile(pipe *pipeline.Pipeline, job *pipeline.BuildJob) ([][]pipeline.CompiledNode, error) {
	nodes, err := pipeline.Compile(pipe, job.PipelineStagesState)
	if err != nil {
		return nil, err
	}
	return pipeline.Tiers(nodes)
}

// launch runs the coordinator detached from the caller's cancellation; an
// HTTP request ending must not kill the execution it started.
func (e *Engine) launch(ctx context.Context, c *coordinator) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancels[c.exec.ID] = cancel
	e.mu.Unlock()

	if e.synchronous {
		c.run(runCtx)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		c.run(runCtx)
	}()
}

func (e *Engine) release(executionID string) {
	e.mu.Lock()
	if cancel, ok := e.cancels[executionID]; ok {
		cancel()
		delete(e.cancels, executionID)
	}
	e.mu.Unlock()
}

// awaitingApproval guards resumption: the execution must be persisted as
// paused with the given stage as its suspension point.
func awaitingApproval(exec *Execution, executionID, stageID string) error {
	if exec.Status != pipeline.ExecPaused || exec.Waiting == nil || exec.Waiting.StageID != stageID {
		return fmt.Errorf("execution %s is not awaiting approval on stage %s", executionID, stageID)
	}
	return nil
}

// Resumable implements the inbox bridge's pre-commit check: it reports
// whether the execution can currently accept an approval outcome for the
// stage. The bridge calls this before consuming an inbox item so an
// approval is never spent on an execution that cannot be resumed.
func (e *Engine) Resumable(ctx context.Context, accountID, executionID, stageID string) error {
	exec, err := e.repo.GetExecution(ctx, accountID, executionID)
	if err != nil {
		return err
	}
	return awaitingApproval(exec, executionID, stageID)
}

// Resume implements the inbox bridge's Resumer: it applies an approval
// outcome to the suspended stage and, on success, launches a fresh
// coordinator over the persisted execution.
func (e *Engine) Resume(ctx context.Context, accountID, executionID, stageID string, outcome pipeline.StageStatus) error {
	exec, err := e.repo.GetExecution(ctx, accountID, executionID)
	if err != nil {
		return err
	}
	if err := awaitingApproval(exec, executionID, stageID); err != nil {
		return err
	}

	res, ok := exec.StageResults[stageID]
	if !ok || !res.Status.CanTransition(outcome) {
		return fmt.Errorf("stage %s cannot transition to %s", stageID, outcome)
	}
	res.Status = outcome
	switch outcome {
	case pipeline.StatusSuccess:
		res.Message = "approved"
	case pipeline.StatusFailed:
		res.Message = "rejected"
	}
	exec.StageResults[stageID] = res
	exec.Waiting = nil
	exec.Logs = append(exec.Logs,
		fmt.Sprintf("[NODE:%s] Approval outcome for stage %s: %s", res.NodeID, res.Name, outcome))

	if outcome == pipeline.StatusFailed {
		exec.Status = pipeline.ExecFailed
		exec.Message = fmt.Sprintf("stage %s rejected", res.Name)
		if err := e.repo.SaveExecution(ctx, exec); err != nil {
			return err
		}
		e.finishMetrics(exec)
		return nil
	}

	exec.Status = pipeline.ExecRunning
	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		return err
	}

	pipe, err := e.repo.GetPipeline(ctx, accountID, exec.PipelineID)
	if err != nil {
		return err
	}
	job, err := e.repo.GetBuildJob(ctx, accountID, exec.BuildJobID)
	if err != nil {
		return err
	}
	tiers, err := e.compile(pipe, job)
	if err != nil {
		return err
	}

	e.launch(ctx, newCoordinator(e, exec, pipe, job, tiers))
	return nil
}

// Cancel aborts a running or paused execution. Running stage calls observe
// the cancellation at their next retry boundary.
func (e *Engine) Cancel(ctx context.Context, accountID, executionID string) error {
	exec, err := e.repo.GetExecution(ctx, accountID, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("execution %s already %s", executionID, exec.Status)
	}

	e.mu.Lock()
	cancel, running := e.cancels[executionID]
	e.mu.Unlock()

	if running {
		// The coordinator persists the cancelled status on its way out.
		cancel()
		return nil
	}

	exec.Status = pipeline.ExecCancelled
	exec.Message = "cancelled"
	exec.Waiting = nil
	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		return err
	}
	e.finishMetrics(exec)
	return nil
}

// GetExecution loads one execution image.
func (e *Engine) GetExecution(ctx context.Context, accountID, executionID string) (*Execution, error) {
	return e.repo.GetExecution(ctx, accountID, executionID)
}

// GetLogs returns the execution's flushed log lines.
func (e *Engine) GetLogs(ctx context.Context, accountID, executionID string) ([]string, error) {
	exec, err := e.repo.GetExecution(ctx, accountID, executionID)
	if err != nil {
		return nil, err
	}
	return exec.Logs, nil
}

// ListForPipeline returns every execution of one pipeline.
func (e *Engine) ListForPipeline(ctx context.Context, accountID, pipelineID string) ([]Execution, error) {
	return e.repo.ListExecutions(ctx, accountID, pipelineID)
}

// Wait blocks until every detached coordinator exits; used on shutdown.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) finishMetrics(exec *Execution) {
	if e.metrics == nil {
		return
	}
	e.metrics.ExecutionsFinished.WithLabelValues(exec.AccountID, string(exec.Status)).Inc()
}
