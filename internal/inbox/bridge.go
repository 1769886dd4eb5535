// Package inbox bridges pipeline approval stages and the humans who action
// them. An approval stage creates one PENDING inbox item per approver;
// approving any one of them marks the siblings STALE in the same
// transactional write and resumes the suspended execution.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/backend/internal/audit"
	"github.com/flowforge/backend/internal/metrics"
	"github.com/flowforge/backend/internal/notify"
	"github.com/flowforge/backend/internal/pipeline"
	"github.com/flowforge/backend/internal/store"
	"github.com/flowforge/backend/internal/tenancy"
)

// Item statuses.
const (
	StatusPending   = "PENDING"
	StatusApproved  = "APPROVED"
	StatusRejected  = "REJECTED"
	StatusDismissed = "DISMISSED"
	StatusStale     = "STALE"
)

// TypeApprovalRequest is the only inbox item type this version creates.
const TypeApprovalRequest = "APPROVAL_REQUEST"

// ErrNotFound is returned when the inbox item does not exist or has already
// been actioned. Actioned items are immutable; a second approve observes
// NotFound even though the item still exists.
var ErrNotFound = errors.New("inbox item not found")

// Item is one approval request targeted at a single recipient.
type Item struct {
	ID          string `json:"id"`
	AccountID   string `json:"accountId"`
	ExecutionID string `json:"executionId"`
	StageID     string `json:"stageId"`
	StageName   string `json:"stageName"`
	Recipient   string `json:"recipient"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	ActionedBy  string `json:"actionedBy,omitempty"`
	CreatedAt   string `json:"createdAt"`
	ActionedAt  string `json:"actionedAt,omitempty"`
}

// Resumer is how the bridge hands an approval outcome back to the
// execution coordinator. The engine registers itself after construction.
// Resumable is consulted before an item is consumed: committing an
// APPROVED/STALE set against an execution that cannot accept the outcome
// would lose the approval.
type Resumer interface {
	Resumable(ctx context.Context, accountID, executionID, stageID string) error
	Resume(ctx context.Context, accountID, executionID, stageID string, outcome pipeline.StageStatus) error
}

// Bridge creates and actions inbox items.
type Bridge struct {
	router  *tenancy.Router
	emails  *notify.Dispatcher
	audit   *audit.Recorder
	metrics *metrics.Metrics
	resumer Resumer
	now     func() time.Time
}

// NewBridge creates the approval bridge. emails, audit, and metrics may be
// nil.
func NewBridge(router *tenancy.Router, emails *notify.Dispatcher, rec *audit.Recorder, m *metrics.Metrics) *Bridge {
	return &Bridge{
		router:  router,
		emails:  emails,
		audit:   rec,
		metrics: m,
		now:     time.Now,
	}
}

// SetResumer registers the execution coordinator used to resume suspended
// executions. Wiring happens after engine construction to break the
// bridge/engine dependency cycle.
func (b *Bridge) SetResumer(r Resumer) { b.resumer = r }

// WithClock injects a time source for tests.
func (b *Bridge) WithClock(now func() time.Time) *Bridge {
	b.now = now
	return b
}

// approvalGroupPK builds the tenant-scoped GSI1 partition used to find
// sibling approvals. Scoping by account keeps one tenant's approvals
// invisible to another even under execution-id collisions.
func approvalGroupPK(accountID string) string {
	return store.AccountPK(accountID) + "#APPROVAL"
}

func recipientPK(accountID, email string) string {
	return store.AccountPK(accountID) + "#RECIPIENT#" + email
}

// CreateRequests creates one PENDING inbox item per approver and fires the
// notification emails. Email failure never propagates.
func (b *Bridge) CreateRequests(ctx context.Context, accountID, executionID, stageID, stageName string, approvers []string) ([]Item, error) {
	if len(approvers) == 0 {
		return nil, nil
	}

	route, err := b.router.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}

	createdAt := b.now().UTC().Format(time.RFC3339)
	items := make([]Item, 0, len(approvers))
	writes := make([]store.Item, 0, len(approvers))

	for _, approver := range approvers {
		it := Item{
			ID:          uuid.NewString(),
			AccountID:   accountID,
			ExecutionID: executionID,
			StageID:     stageID,
			StageName:   stageName,
			Recipient:   approver,
			Type:        TypeApprovalRequest,
			Status:      StatusPending,
			CreatedAt:   createdAt,
		}
		items = append(items, it)
		writes = append(writes, b.toStoreItem(route, it))
	}

	if err := store.BatchWriteAll(ctx, route.Store, writes); err != nil {
		return nil, err
	}

	if b.metrics != nil {
		b.metrics.ApprovalsCreated.WithLabelValues(accountID).Add(float64(len(items)))
	}

	for _, it := range items {
		if b.emails != nil {
			b.emails.Enqueue(notify.Message{
				AccountID:  accountID,
				Recipient:  it.Recipient,
				Subject:    fmt.Sprintf("Approval required: %s", stageName),
				Body:       fmt.Sprintf("Execution %s is waiting for your approval on stage %q.", executionID, stageName),
				EntityType: store.EntityInbox,
				EntityID:   it.ID,
			})
		}
	}

	return items, nil
}

// CreateApprovals adapts CreateRequests to the stage dispatcher's creator
// interface, reporting only the fan-out count.
func (b *Bridge) CreateApprovals(ctx context.Context, accountID, executionID, stageID, stageName string, approvers []string) (int, error) {
	items, err := b.CreateRequests(ctx, accountID, executionID, stageID, stageName, approvers)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Approve transitions an item PENDING -> APPROVED, marks every PENDING
// sibling STALE in the same transactional write, and resumes the execution
// with a SUCCESS outcome. The execution's resumability is verified before
// the transition commits; an execution that is not yet (or no longer)
// awaiting the stage leaves every item PENDING and actionable.
func (b *Bridge) Approve(ctx context.Context, accountID, inboxID, actor string) (*Item, error) {
	if err := b.checkResumable(ctx, accountID, inboxID); err != nil {
		return nil, err
	}
	item, err := b.action(ctx, accountID, inboxID, actor, StatusApproved, true)
	if err != nil {
		return nil, err
	}

	if b.metrics != nil {
		b.metrics.ApprovalsActioned.WithLabelValues(accountID, "approved").Inc()
	}
	if b.resumer != nil {
		if err := b.resumer.Resume(ctx, accountID, item.ExecutionID, item.StageID, pipeline.StatusSuccess); err != nil {
			return nil, fmt.Errorf("approval recorded but resume failed: %w", err)
		}
	}
	return item, nil
}

// Reject transitions an item PENDING -> REJECTED and resumes the execution
// with a FAILED outcome. Resumability is verified before the transition
// commits, as in Approve.
func (b *Bridge) Reject(ctx context.Context, accountID, inboxID, actor string) (*Item, error) {
	if err := b.checkResumable(ctx, accountID, inboxID); err != nil {
		return nil, err
	}
	item, err := b.action(ctx, accountID, inboxID, actor, StatusRejected, false)
	if err != nil {
		return nil, err
	}

	if b.metrics != nil {
		b.metrics.ApprovalsActioned.WithLabelValues(accountID, "rejected").Inc()
	}
	if b.resumer != nil {
		if err := b.resumer.Resume(ctx, accountID, item.ExecutionID, item.StageID, pipeline.StatusFailed); err != nil {
			return nil, fmt.Errorf("rejection recorded but resume failed: %w", err)
		}
	}
	return item, nil
}

// Dismiss transitions an item PENDING -> DISMISSED without touching the
// execution.
func (b *Bridge) Dismiss(ctx context.Context, accountID, inboxID, actor string) (*Item, error) {
	item, err := b.action(ctx, accountID, inboxID, actor, StatusDismissed, false)
	if err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.ApprovalsActioned.WithLabelValues(accountID, "dismissed").Inc()
	}
	return item, nil
}

// checkResumable refuses to consume a PENDING item whose execution cannot
// accept an approval outcome right now. Already-actioned items skip the
// check so they keep presenting the immutability NotFound from action().
func (b *Bridge) checkResumable(ctx context.Context, accountID, inboxID string) error {
	if b.resumer == nil {
		return nil
	}
	item, err := b.Get(ctx, accountID, inboxID)
	if err != nil {
		return err
	}
	if item.Status != StatusPending {
		return nil
	}
	return b.resumer.Resumable(ctx, accountID, item.ExecutionID, item.StageID)
}

// action performs the conditional status transition, optionally staling all
// PENDING siblings atomically.
func (b *Bridge) action(ctx context.Context, accountID, inboxID, actor, newStatus string, staleSiblings bool) (*Item, error) {
	route, err := b.router.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}

	key := store.Key{
		PK: route.PartitionKey(store.EntityInbox, accountID),
		SK: store.SortKey(store.EntityInbox, inboxID),
	}

	raw, err := route.Store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item := fromStoreItem(raw)

	actionedAt := b.now().UTC().Format(time.RFC3339)
	patch := store.Item{
		"status":     newStatus,
		"actionedBy": actor,
		"actionedAt": actionedAt,
	}
	cond := store.Condition{Attr: "status", Equals: StatusPending}

	ops := []store.TransactOp{{
		Update: &store.UpdateOp{Key: key, Patch: patch, Condition: &cond},
	}}

	if staleSiblings {
		siblings, err := b.pendingSiblings(ctx, route, accountID, item.ExecutionID, item.StageID)
		if err != nil {
			return nil, err
		}
		for _, sib := range siblings {
			if sib.ID == inboxID {
				continue
			}
			sibKey := store.Key{
				PK: route.PartitionKey(store.EntityInbox, accountID),
				SK: store.SortKey(store.EntityInbox, sib.ID),
			}
			sibCond := store.Condition{Attr: "status", Equals: StatusPending}
			ops = append(ops, store.TransactOp{
				Update: &store.UpdateOp{
					Key:       sibKey,
					Patch:     store.Item{"status": StatusStale, "actionedAt": actionedAt},
					Condition: &sibCond,
				},
			})
		}
	}

	if err := route.Store.TransactWrite(ctx, ops); err != nil {
		// An already-actioned item (or sibling) presents as NotFound: the
		// item exists but its outcome is immutable.
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	item.Status = newStatus
	item.ActionedBy = actor
	item.ActionedAt = actionedAt

	if b.audit != nil {
		b.audit.Record(ctx, audit.Params{
			Kind:       audit.KindNotification,
			AccountID:  accountID,
			EntityType: store.EntityInbox,
			EntityID:   item.ID,
			Channel:    "inbox",
			Recipient:  item.Recipient,
			Status:     newStatus,
			Subject:    item.StageName,
			Detail:     "actioned by " + actor,
		})
	}
	return &item, nil
}

// pendingSiblings finds every PENDING approval for the same execution and
// stage within this account.
func (b *Bridge) pendingSiblings(ctx context.Context, route tenancy.Route, accountID, executionID, stageID string) ([]Item, error) {
	raws, err := route.Store.QueryIndex(ctx, store.IndexGSI1,
		approvalGroupPK(accountID), executionID+"#"+stageID+"#")
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, raw := range raws {
		it := fromStoreItem(raw)
		if it.Status == StatusPending {
			items = append(items, it)
		}
	}
	return items, nil
}

// Get returns one inbox item.
func (b *Bridge) Get(ctx context.Context, accountID, inboxID string) (*Item, error) {
	route, err := b.router.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}

	raw, err := route.Store.Get(ctx, store.Key{
		PK: route.PartitionKey(store.EntityInbox, accountID),
		SK: store.SortKey(store.EntityInbox, inboxID),
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item := fromStoreItem(raw)
	return &item, nil
}

// ListForUser returns every inbox item addressed to the given recipient.
func (b *Bridge) ListForUser(ctx context.Context, accountID, email string) ([]Item, error) {
	route, err := b.router.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}

	raws, err := route.Store.QueryIndex(ctx, store.IndexGSI2, recipientPK(accountID, email), "")
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		items = append(items, fromStoreItem(raw))
	}
	return items, nil
}

// GetPendingCount returns how many PENDING items await the recipient.
func (b *Bridge) GetPendingCount(ctx context.Context, accountID, email string) (int, error) {
	items, err := b.ListForUser(ctx, accountID, email)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, it := range items {
		if it.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

func (b *Bridge) toStoreItem(route tenancy.Route, it Item) store.Item {
	return store.Item{
		store.AttrPK:  route.PartitionKey(store.EntityInbox, it.AccountID),
		store.AttrSK:  store.SortKey(store.EntityInbox, it.ID),
		"id":          it.ID,
		"accountId":   it.AccountID,
		"executionId": it.ExecutionID,
		"stageId":     it.StageID,
		"stageName":   it.StageName,
		"recipient":   it.Recipient,
		"type":        it.Type,
		"status":      it.Status,
		"createdAt":   it.CreatedAt,

		// GSI1: sibling lookup per (execution, stage). GSI2: per-recipient.
		"GSI1PK": approvalGroupPK(it.AccountID),
		"GSI1SK": it.ExecutionID + "#" + it.StageID + "#" + it.ID,
		"GSI2PK": recipientPK(it.AccountID, it.Recipient),
		"GSI2SK": it.CreatedAt + "#" + it.ID,
	}
}

func fromStoreItem(raw store.Item) Item {
	return Item{
		ID:          raw.GetString("id"),
		AccountID:   raw.GetString("accountId"),
		ExecutionID: raw.GetString("executionId"),
		StageID:     raw.GetString("stageId"),
		StageName:   raw.GetString("stageName"),
		Recipient:   raw.GetString("recipient"),
		Type:        raw.GetString("type"),
		Status:      raw.GetString("status"),
		ActionedBy:  raw.GetString("actionedBy"),
		CreatedAt:   raw.GetString("createdAt"),
		ActionedAt:  raw.GetString("actionedAt"),
	}
}
