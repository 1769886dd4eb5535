package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/backend/internal/pipeline"
	"github.com/flowforge/backend/internal/store"
	"github.com/flowforge/backend/internal/tenancy"
)

// ErrNotFound is returned for unknown pipelines, build jobs, and
// executions.
var ErrNotFound = errors.New("not found")

// Repository persists pipeline templates, build jobs, credentials, and
// executions. Templates live on the shared control plane; build jobs,
// executions, and credentials follow the tenant route.
type Repository struct {
	router *tenancy.Router
	now    func() time.Time
}

// NewRepository creates a repository over the tenant router.
func NewRepository(router *tenancy.Router) *Repository {
	return &Repository{router: router, now: time.Now}
}

// WithClock injects a time source for tests.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// SavePipeline persists a template, assigning an id when absent.
func (r *Repository) SavePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	if p.AccountID == "" {
		return fmt.Errorf("%w: pipeline requires an account id", pipeline.ErrValidation)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.router.Shared().Put(ctx, store.Item{
		store.AttrPK: store.AccountPK(p.AccountID),
		store.AttrSK: store.SortKey(store.EntityPipeline, p.ID),
		"id":         p.ID,
		"name":       p.Name,
		"data":       string(data),
		"updatedAt":  r.now().UTC().Format(time.RFC3339),
	})
}

// GetPipeline loads one template.
func (r *Repository) GetPipeline(ctx context.Context, accountID, pipelineID string) (*pipeline.Pipeline, error) {
	item, err := r.router.Shared().Get(ctx, store.Key{
		PK: store.AccountPK(accountID),
		SK: store.SortKey(store.EntityPipeline, pipelineID),
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: pipeline %s", ErrNotFound, pipelineID)
	}
	if err != nil {
		return nil, err
	}

	var p pipeline.Pipeline
	if err := json.Unmarshal([]byte(item.GetString("data")), &p); err != nil {
		return nil, fmt.Errorf("decoding pipeline %s: %w", pipelineID, err)
	}
	return &p, nil
}

// ListPipelines returns every template under the account.
func (r *Repository) ListPipelines(ctx context.Context, accountID string) ([]pipeline.Pipeline, error) {
	items, err := r.router.Shared().Query(ctx, store.AccountPK(accountID), store.EntityPipeline+"#")
	if err != nil {
		return nil, err
	}

	out := make([]pipeline.Pipeline, 0, len(items))
	for _, item := range items {
		var p pipeline.Pipeline
		if err := json.Unmarshal([]byte(item.GetString("data")), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// DeletePipeline removes a template.
func (r *Repository) DeletePipeline(ctx context.Context, accountID, pipelineID string) error {
	return r.router.Shared().Delete(ctx, store.Key{
		PK: store.AccountPK(accountID),
		SK: store.SortKey(store.EntityPipeline, pipelineID),
	})
}

// SaveBuildJob persists a build job on the tenant route.
func (r *Repository) SaveBuildJob(ctx context.Context, job *pipeline.BuildJob) error {
	if job.AccountID == "" || job.PipelineID == "" {
		return fmt.Errorf("%w: build job requires account and pipeline ids", pipeline.ErrValidation)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	route, err := r.router.Resolve(ctx, job.AccountID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return route.Store.Put(ctx, store.Item{
		store.AttrPK: route.PartitionKey(store.EntityBuildJob, job.AccountID),
		store.AttrSK: store.SortKey(store.EntityBuildJob, job.ID),
		"id":         job.ID,
		"accountId":  job.AccountID,
		"pipelineId": job.PipelineID,
		"name":       job.Name,
		"data":       string(data),
		"updatedAt":  r.now().UTC().Format(time.RFC3339),
	})
}

// GetBuildJob loads one build job.
func (r *Repository) GetBuildJob(ctx context.Context, accountID, jobID string) (*pipeline.BuildJob, error) {
	route, err := r.router.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}

	item, err := route.Store.Get(ctx, store.Key{
		PK: route.PartitionKey(store.EntityBuildJob, accountID),
		SK: store.SortKey(store.EntityBuildJob, jobID),
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: build job %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}

	var job pipeline.BuildJob
	if err := json.Unmarshal([]byte(item.GetString("data")), &job); err != nil {
		return nil, fmt.Errorf("decoding build job %s: %w", jobID, err)
	}
	// Dedicated tables interleave tenants in one partition; filter here.
	if job.AccountID != accountID {
		return nil, fmt.Errorf("%w: build job %s", ErrNotFound, jobID)
	}
	return &job, nil
}

// SaveCredential stores connector auth material on the tenant route. The
// resolver probes the data map's labels at resolution time.
func (r *Repository) SaveCredential(ctx context.Context, accountID, credentialID, connectorType string, data map[string]interface{}) error {
	if credentialID == "" {
		return fmt.Errorf("%w: credential id required", pipeline.ErrValidation)
	}
	route, err := r.router.Resolve(ctx, accountID)
	if err != nil {
		return err
	}
	return route.Store.Put(ctx, store.Item{
		store.AttrPK:    route.PartitionKey(store.EntityCredential, accountID),
		store.AttrSK:    store.SortKey(store.EntityCredential, credentialID),
		"id":            credentialID,
		"accountId":     accountID,
		"connectorType": connectorType,
		"data":          data,
		"updatedAt":     r.now().UTC().Format(time.RFC3339),
	})
}

// DeleteCredential removes stored auth material.
func (r *Repository) DeleteCredential(ctx context.Context, accountID, credentialID string) error {
	route, err := r.router.Resolve(ctx, accountID)
	if err != nil {
		return err
	}
	return route.Store.Delete(ctx, store.Key{
		PK: route.PartitionKey(store.EntityCredential, accountID),
		SK: store.SortKey(store.EntityCredential, credentialID),
	})
}

// SaveExecution persists the full execution image.
func (r *Repository) SaveExecution(ctx context.Context, exec *Execution) error {
	route, err := r.router.Resolve(ctx, exec.AccountID)
	if err != nil {
		return err
	}
	return r.saveExecutionOn(ctx, route, exec)
}

func (r *Repository) saveExecutionOn(ctx context.Context, route tenancy.Route, exec *Execution) error {
	exec.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	return route.Store.Put(ctx, store.Item{
		store.AttrPK: route.PartitionKey(store.EntityExecution, exec.AccountID),
		store.AttrSK: store.SortKey(store.EntityExecution, exec.ID),
		"id":         exec.ID,
		"accountId":  exec.AccountID,
		"pipelineId": exec.PipelineID,
		"status":     string(exec.Status),
		"createdAt":  exec.CreatedAt,
		"updatedAt":  exec.UpdatedAt,
		"data":       string(data),
	})
}

// GetExecution loads one execution.
func (r *Repository) GetExecution(ctx context.Context, accountID, executionID string) (*Execution, error) {
	route, err := r.router.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}

	item, err := route.Store.Get(ctx, store.Key{
		PK: route.PartitionKey(store.EntityExecution, accountID),
		SK: store.SortKey(store.EntityExecution, executionID),
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, executionID)
	}
	if err != nil {
		return nil, err
	}

	var exec Execution
	if err := json.Unmarshal([]byte(item.GetString("data")), &exec); err != nil {
		return nil, fmt.Errorf("decoding execution %s: %w", executionID, err)
	}
	if exec.AccountID != accountID {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, executionID)
	}
	return &exec, nil
}

// ListExecutions returns the executions of one pipeline, newest last.
func (r *Repository) ListExecutions(ctx context.Context, accountID, pipelineID string) ([]Execution, error) {
	route, err := r.router.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}

	items, err := route.Store.Query(ctx,
		route.PartitionKey(store.EntityExecution, accountID), store.EntityExecution+"#")
	if err != nil {
		return nil, err
	}

	var out []Execution
	for _, item := range items {
		var exec Execution
		if err := json.Unmarshal([]byte(item.GetString("data")), &exec); err != nil {
			continue
		}
		if exec.AccountID != accountID || exec.PipelineID != pipelineID {
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}
