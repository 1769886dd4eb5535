// Package metrics exposes Prometheus instrumentation for the execution
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline engine.
type Metrics struct {
	ExecutionsStarted  *prometheus.CounterVec
	ExecutionsFinished *prometheus.CounterVec
	StageResults       *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec

	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	ApprovalsCreated   *prometheus.CounterVec
	ApprovalsActioned  *prometheus.CounterVec
	AuditWrites        *prometheus.CounterVec
	EmailDeliveries    *prometheus.CounterVec
	TenantRouteLookups *prometheus.CounterVec
}

// New creates and registers the engine metrics. Tests pass their own
// registry so independent engines do not collide; nil uses the default.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ExecutionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_executions_started_total",
				Help: "Executions admitted by the coordinator",
			},
			[]string{"account_id"},
		),
		ExecutionsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_executions_finished_total",
				Help: "Executions reaching a terminal status",
			},
			[]string{"account_id", "status"}, // completed, failed, cancelled
		),
		StageResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_stage_results_total",
				Help: "Stage outcomes by type and status",
			},
			[]string{"stage_type", "status"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_stage_duration_seconds",
				Help:    "Wall-clock duration of stage execution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage_type"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"breaker", "to"},
		),
		BreakerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_breaker_rejections_total",
				Help: "Calls rejected while a breaker was open",
			},
			[]string{"breaker"},
		),
		ApprovalsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_approvals_created_total",
				Help: "Inbox approval requests created",
			},
			[]string{"account_id"},
		),
		ApprovalsActioned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_approvals_actioned_total",
				Help: "Approval requests actioned by humans",
			},
			[]string{"account_id", "action"}, // approved, rejected, dismissed
		),
		AuditWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_audit_writes_total",
				Help: "Audit record write attempts",
			},
			[]string{"result"}, // ok, error
		),
		EmailDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_email_deliveries_total",
				Help: "Fire-and-forget email delivery attempts",
			},
			[]string{"result"}, // sent, failed, disabled
		),
		TenantRouteLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_tenant_route_lookups_total",
				Help: "Tenant route resolutions by outcome",
			},
			[]string{"outcome"}, // shared, private, fallback, unavailable
		),
	}
}
