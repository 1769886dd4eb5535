// Package audit records every outbound notification attempt and stage
// outcome as an immutable item in the control-plane table.
//
// The recorder never returns an error: audit is forensic, not
// transactional, and a write failure must never abort the business action
// that triggered it. Internal failures are logged and swallowed.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/backend/internal/metrics"
	"github.com/flowforge/backend/internal/store"
)

// Record kinds.
const (
	KindNotification = "NOTIFICATION"
	KindStageOutcome = "STAGE_OUTCOME"
)

// Params describes one audit record.
type Params struct {
	Kind       string // KindNotification or KindStageOutcome
	AccountID  string
	EntityType string // EXECUTION, INBOX, ...
	EntityID   string
	Channel    string // email, webhook; notification records only
	Recipient  string
	Status     string // SENT, FAILED, SKIPPED for notifications; stage status otherwise
	Subject    string
	Detail     string
}

// Entry is the persisted audit record. Callers may examine the id but must
// not rely on the entry's presence.
type Entry struct {
	ID        string
	CreatedAt time.Time
	Params
}

// Recorder writes audit items to the control-plane store.
type Recorder struct {
	control store.ItemStore
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRecorder creates a recorder over the control-plane table. metrics may
// be nil.
func NewRecorder(control store.ItemStore, m *metrics.Metrics) *Recorder {
	return &Recorder{control: control, metrics: m, now: time.Now}
}

// WithClock injects a time source for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record persists one audit entry. It returns the entry on success and nil
// on any failure; it never returns an error.
func (r *Recorder) Record(ctx context.Context, p Params) *Entry {
	entry := &Entry{
		ID:        uuid.NewString(),
		CreatedAt: r.now().UTC(),
		Params:    p,
	}

	ts := entry.CreatedAt.Format(time.RFC3339)
	chrono := ts + "#" + entry.ID

	item := store.Item{
		store.AttrPK: store.EntityAudit + "#" + entry.ID,
		store.AttrSK: store.MetadataSK,
		"kind":       p.Kind,
		"accountId":  p.AccountID,
		"entityType": p.EntityType,
		"entityId":   p.EntityID,
		"channel":    p.Channel,
		"recipient":  p.Recipient,
		"status":     p.Status,
		"subject":    p.Subject,
		"detail":     p.Detail,
		"createdAt":  ts,

		// GSI1: lookups by entity. GSI2: by account over time.
		// GSI3: by status over time.
		"GSI1PK": "ENTITY#" + p.EntityType + "#" + p.EntityID,
		"GSI1SK": chrono,
		"GSI2PK": store.AccountPK(p.AccountID),
		"GSI2SK": chrono,
		"GSI3PK": "AUDIT_STATUS#" + p.Status,
		"GSI3SK": chrono,
	}

	if err := r.control.Put(ctx, item); err != nil {
		slog.Error("audit write failed",
			"kind", p.Kind, "account_id", p.AccountID,
			"entity", p.EntityType+"#"+p.EntityID, "error", err)
		if r.metrics != nil {
			r.metrics.AuditWrites.WithLabelValues("error").Inc()
		}
		return nil
	}

	if r.metrics != nil {
		r.metrics.AuditWrites.WithLabelValues("ok").Inc()
	}
	return entry
}

// ListByAccount returns the account's audit records within [start, end],
// end-date inclusive, in chronological order. The bound comparison works on
// the chrono sort key, so an end date matches everything on that day.
func (r *Recorder) ListByAccount(ctx context.Context, accountID string, start, end time.Time) ([]store.Item, error) {
	items, err := r.control.QueryIndex(ctx, store.IndexGSI2, store.AccountPK(accountID), "")
	if err != nil {
		return nil, err
	}

	lo := start.UTC().Format(time.RFC3339)
	hi := end.UTC().Format("2006-01-02") + store.EndOfRange
	out := items[:0]
	for _, item := range items {
		sk := item.GetString("GSI2SK")
		if sk >= lo && sk <= hi {
			out = append(out, item)
		}
	}
	return out, nil
}

// ListByEntity returns all audit records for one entity in chronological
// order.
func (r *Recorder) ListByEntity(ctx context.Context, entityType, entityID string) ([]store.Item, error) {
	return r.control.QueryIndex(ctx, store.IndexGSI1, "ENTITY#"+entityType+"#"+entityID, "")
}

// ListByStatus returns audit records carrying the given status.
func (r *Recorder) ListByStatus(ctx context.Context, status string) ([]store.Item, error) {
	return r.control.QueryIndex(ctx, store.IndexGSI3, "AUDIT_STATUS#"+status, "")
}
