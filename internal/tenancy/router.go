// Package tenancy resolves which data-plane item store an account's
// operational records live in.
//
// Public-cloud accounts share one table and are isolated by ACCOUNT#<id>
// partition keys. Private-cloud accounts get a dedicated table whose
// partitions are entity-keyed (BUILD_JOB#LIST, INBOX#LIST, ...). The router
// consults a configuration parameter store, caches placements with a bounded
// TTL, and serializes cache-miss lookups per account.
package tenancy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flowforge/backend/internal/store"
)

// CloudType classifies an account's data-plane layout.
type CloudType string

const (
	CloudPublic  CloudType = "public"
	CloudPrivate CloudType = "private"
	CloudHybrid  CloudType = "hybrid"
)

// ErrRouteUnavailable is returned when a known-dedicated account's store
// cannot be resolved. The router never silently downgrades such an account
// to the shared table.
var ErrRouteUnavailable = errors.New("tenant route unavailable")

// DefaultCacheTTL bounds how long a resolved placement is served without
// re-consulting the parameter store.
const DefaultCacheTTL = 5 * time.Minute

// Placement is what the parameter store knows about an account.
type Placement struct {
	CloudType      CloudType
	DedicatedTable string
}

// ParameterStore looks up account placement configuration.
type ParameterStore interface {
	AccountPlacement(ctx context.Context, accountID string) (Placement, error)
}

// TableOpener opens a handle to a named dedicated table.
type TableOpener func(table string) (store.ItemStore, error)

// Route is a resolved data-plane binding for one account.
type Route struct {
	Store     store.ItemStore
	Table     string
	IsPrivate bool
}

// PartitionKey builds the partition key for an operational entity under
// this route's layout.
func (r Route) PartitionKey(entity, accountID string) string {
	if r.IsPrivate {
		return store.ListPK(entity)
	}
	return store.AccountPK(accountID)
}

type cachedRoute struct {
	route   Route
	expires time.Time
}

// Router maps accountId to a concrete item store plus partition strategy.
type Router struct {
	params      ParameterStore
	shared      store.ItemStore
	sharedTable string
	open        TableOpener
	ttl         time.Duration
	now         func() time.Time

	// observe reports resolution outcomes: shared, private, fallback,
	// unavailable. Nil disables reporting.
	observe func(outcome string)

	mu        sync.RWMutex
	cache     map[string]cachedRoute
	dedicated map[string]store.ItemStore

	group singleflight.Group
}

// Option customizes router construction.
type Option func(*Router)

// WithCacheTTL overrides the placement cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Router) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock injects a clock; tests use this to expire cache entries.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithObserver registers a callback invoked with the outcome of every
// uncached resolution (shared, private, fallback, unavailable).
func WithObserver(fn func(outcome string)) Option {
	return func(r *Router) { r.observe = fn }
}

// NewRouter creates a router over the shared table. opener is consulted for
// dedicated tables; a nil opener makes every private resolution fail with
// ErrRouteUnavailable.
func NewRouter(params ParameterStore, shared store.ItemStore, sharedTable string, opener TableOpener, opts ...Option) *Router {
	r := &Router{
		params:      params,
		shared:      shared,
		sharedTable: sharedTable,
		open:        opener,
		ttl:         DefaultCacheTTL,
		now:         time.Now,
		cache:       make(map[string]cachedRoute),
		dedicated:   make(map[string]store.ItemStore),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the data-plane route for an account.
func (r *Router) Resolve(ctx context.Context, accountID string) (Route, error) {
	r.mu.RLock()
	entry, ok := r.cache[accountID]
	r.mu.RUnlock()

	if ok && r.now().Before(entry.expires) {
		return entry.route, nil
	}

	// Cache miss or expired: serialize the lookup per account so a burst of
	// executions does not stampede the parameter store.
	v, err, _ := r.group.Do(accountID, func() (interface{}, error) {
		return r.resolveSlow(ctx, accountID)
	})
	if err != nil {
		return Route{}, err
	}
	return v.(Route), nil
}

func (r *Router) resolveSlow(ctx context.Context, accountID string) (Route, error) {
	// Re-check under the flight: another caller may have refreshed it.
	r.mu.RLock()
	entry, ok := r.cache[accountID]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		return entry.route, nil
	}

	placement, err := r.params.AccountPlacement(ctx, accountID)
	if err != nil {
		// A stale cache entry tells us whether this account is dedicated.
		// Known-dedicated accounts must not fall back to the shared table.
		if ok && entry.route.IsPrivate {
			r.report("unavailable")
			return Route{}, ErrRouteUnavailable
		}
		slog.Warn("tenant placement lookup failed, using shared table",
			"account_id", accountID, "error", err)
		r.report("fallback")
		return r.sharedRoute(), nil
	}

	route := r.sharedRoute()
	outcome := "shared"
	if placement.CloudType == CloudPrivate {
		handle, err := r.dedicatedStore(placement.DedicatedTable)
		if err != nil {
			slog.Error("dedicated table unavailable",
				"account_id", accountID, "table", placement.DedicatedTable, "error", err)
			r.report("unavailable")
			return Route{}, ErrRouteUnavailable
		}
		route = Route{Store: handle, Table: placement.DedicatedTable, IsPrivate: true}
		outcome = "private"
	}
	r.report(outcome)

	r.mu.Lock()
	r.cache[accountID] = cachedRoute{route: route, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return route, nil
}

func (r *Router) report(outcome string) {
	if r.observe != nil {
		r.observe(outcome)
	}
}

func (r *Router) sharedRoute() Route {
	return Route{Store: r.shared, Table: r.sharedTable, IsPrivate: false}
}

func (r *Router) dedicatedStore(table string) (store.ItemStore, error) {
	if table == "" {
		return nil, errors.New("private account without dedicated table")
	}

	r.mu.RLock()
	handle, ok := r.dedicated[table]
	r.mu.RUnlock()
	if ok {
		return handle, nil
	}

	if r.open == nil {
		return nil, errors.New("no dedicated table opener configured")
	}
	opened, err := r.open(table)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.dedicated[table]; ok {
		return existing, nil
	}
	r.dedicated[table] = opened
	return opened, nil
}

// Invalidate drops the cached placement for an account.
func (r *Router) Invalidate(accountID string) {
	r.mu.Lock()
	delete(r.cache, accountID)
	r.mu.Unlock()
}

// Shared exposes the shared control-plane table (accounts, licenses,
// pipeline templates, audit records live here regardless of placement).
func (r *Router) Shared() store.ItemStore {
	return r.shared
}
