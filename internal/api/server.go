// Package api exposes the execution engine, approval inbox, and catalog
// CRUD over REST, plus a websocket stream of execution logs.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowforge/backend/internal/accounts"
	"github.com/flowforge/backend/internal/audit"
	"github.com/flowforge/backend/internal/engine"
	"github.com/flowforge/backend/internal/inbox"
	"github.com/flowforge/backend/internal/middleware"
)

// Server is the HTTP edge of the service.
type Server struct {
	engine   *engine.Engine
	repo     *engine.Repository
	bridge   *inbox.Bridge
	accounts *accounts.Service
	audit    *audit.Recorder
	streamer *LogStreamer
	limiter  *middleware.RateLimiter

	http *http.Server
}

// NewServer wires the routes. gatherer serves /metrics; nil uses the
// default registry.
func NewServer(eng *engine.Engine, repo *engine.Repository, bridge *inbox.Bridge,
	accts *accounts.Service, rec *audit.Recorder, gatherer prometheus.Gatherer) *Server {

	s := &Server{
		engine:   eng,
		repo:     repo,
		bridge:   bridge,
		accounts: accts,
		audit:    rec,
		streamer: NewLogStreamer(eng),
		limiter:  middleware.NewRateLimiter(300),
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware)

	// Unauthenticated surface.
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Tenant-authenticated API.
	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	protected := func(h http.HandlerFunc) http.Handler {
		return middleware.Tenant(accts, s.limiter.Middleware(h))
	}

	// Pipelines and build jobs.
	apiRouter.Handle("/pipelines", protected(s.handleCreatePipeline)).Methods(http.MethodPost)
	apiRouter.Handle("/pipelines", protected(s.handleListPipelines)).Methods(http.MethodGet)
	apiRouter.Handle("/pipelines/{id}", protected(s.handleGetPipeline)).Methods(http.MethodGet)
	apiRouter.Handle("/pipelines/{id}", protected(s.handleDeletePipeline)).Methods(http.MethodDelete)
	apiRouter.Handle("/pipelines/{id}/run", protected(s.handleRun)).Methods(http.MethodPost)
	apiRouter.Handle("/pipelines/{id}/executions", protected(s.handleListExecutions)).Methods(http.MethodGet)
	apiRouter.Handle("/build-jobs", protected(s.handleSaveBuildJob)).Methods(http.MethodPost)
	apiRouter.Handle("/build-jobs/{id}", protected(s.handleGetBuildJob)).Methods(http.MethodGet)

	// Credentials.
	apiRouter.Handle("/credentials/{id}", protected(s.handleSaveCredential)).Methods(http.MethodPut)
	apiRouter.Handle("/credentials/{id}", protected(s.handleDeleteCredential)).Methods(http.MethodDelete)

	// Executions.
	apiRouter.Handle("/executions/{id}", protected(s.handleGetExecution)).Methods(http.MethodGet)
	apiRouter.Handle("/executions/{id}/logs", protected(s.handleGetLogs)).Methods(http.MethodGet)
	apiRouter.Handle("/executions/{id}/cancel", protected(s.handleCancel)).Methods(http.MethodPost)
	apiRouter.Handle("/executions/{id}/stream", protected(s.streamer.Handle)).Methods(http.MethodGet)
	apiRouter.Handle("/executions/{id}/stages/{sid}/approve", protected(s.handleStageApprove)).Methods(http.MethodPost)

	// Inbox.
	apiRouter.Handle("/inbox", protected(s.handleListInbox)).Methods(http.MethodGet)
	apiRouter.Handle("/inbox/count", protected(s.handleInboxCount)).Methods(http.MethodGet)
	apiRouter.Handle("/inbox/{id}/approve", protected(s.handleInboxAction("approve"))).Methods(http.MethodPost)
	apiRouter.Handle("/inbox/{id}/reject", protected(s.handleInboxAction("reject"))).Methods(http.MethodPost)
	apiRouter.Handle("/inbox/{id}/dismiss", protected(s.handleInboxAction("dismiss"))).Methods(http.MethodPost)

	// Audit.
	apiRouter.Handle("/audit", protected(s.handleListAudit)).Methods(http.MethodGet)

	s.http = &http.Server{
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.http.Addr = addr
	slog.Info("api server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains connections and stops background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	s.streamer.Close()
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
