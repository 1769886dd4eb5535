// Package stages holds the per-stage-type handlers and the dispatcher that
// routes compiled stages to them. Handlers are pure with respect to engine
// state: they receive a request, call their external tool, and return a
// result with logs. Every outbound network call runs under a circuit
// breaker and an exponential-backoff retry.
package stages

import (
	"context"
	"sync"

	"github.com/flowforge/backend/internal/credentials"
	"github.com/flowforge/backend/internal/pipeline"
)

// Request is everything a handler may need to execute one stage.
type Request struct {
	AccountID    string
	ExecutionID  string
	PipelineName string
	BuildVersion string
	Branch       string

	Node  pipeline.CompiledNode
	Stage pipeline.CompiledStage
	Auth  *credentials.Credential

	// Approvers come from the build job; approval stages fan out one inbox
	// item per entry.
	Approvers []string

	// Artifacts selected for deployment on this build job.
	Artifacts []pipeline.Artifact

	// Shared carries cross-stage data within one execution (the Code stage
	// stores the GitHub target here for the Deploy stage).
	Shared *SharedContext
}

// Result is a handler's outcome. Handlers never panic and never return Go
// errors for business failures; they return StatusFailed with a message.
type Result struct {
	Status     pipeline.StageStatus
	Message    string
	DurationMs int64
	Data       map[string]interface{}
	LogLines   []string
}

// Handler executes one stage type.
type Handler interface {
	Execute(ctx context.Context, req *Request) *Result
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) *Result

func (f HandlerFunc) Execute(ctx context.Context, req *Request) *Result { return f(ctx, req) }

// SharedContext is the per-execution cross-stage scratch space. It is safe
// for concurrent node workers and survives approval suspension through
// Snapshot/Restore.
type SharedContext struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewSharedContext creates an empty shared context.
func NewSharedContext() *SharedContext {
	return &SharedContext{values: make(map[string]interface{})}
}

// Set stores a value.
func (s *SharedContext) Set(key string, value interface{}) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Get returns a value and whether it was present.
func (s *SharedContext) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Snapshot returns a copy of the context for persistence.
func (s *SharedContext) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Restore loads a persisted snapshot, replacing current contents.
func (s *SharedContext) Restore(values map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]interface{}, len(values))
	for k, v := range values {
		s.values[k] = v
	}
}

const sharedKeyGitHub = "github"

// GitHubTarget is the repository binding the Code stage resolves and the
// Deploy stage pushes artifacts to.
type GitHubTarget struct {
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	Branch   string `json:"branch"`
	Token    string `json:"token"`
	BasePath string `json:"basePath"`
}

// SetGitHubTarget stores the repository binding for downstream stages.
func (s *SharedContext) SetGitHubTarget(t GitHubTarget) {
	s.Set(sharedKeyGitHub, t)
}

// GitHubTarget returns the repository binding, if the Code stage ran.
func (s *SharedContext) GitHubTarget() (GitHubTarget, bool) {
	v, ok := s.Get(sharedKeyGitHub)
	if !ok {
		return GitHubTarget{}, false
	}
	switch t := v.(type) {
	case GitHubTarget:
		return t, true
	case map[string]interface{}:
		// Restored from persistence.
		return GitHubTarget{
			Owner:    str(t["owner"]),
			Repo:     str(t["repo"]),
			Branch:   str(t["branch"]),
			Token:    str(t["token"]),
			BasePath: str(t["basePath"]),
		}, true
	}
	return GitHubTarget{}, false
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

// configString reads a string value from a stage's tool config.
func configString(cfg map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
