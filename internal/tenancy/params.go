package tenancy

import (
	"context"
	"sync"

	"github.com/flowforge/backend/internal/store"
)

// StoreParameterStore reads account placement from the shared control-plane
// table: the ACCOUNT#<id>/METADATA row carries cloudType and, for private
// accounts, the dedicated table name.
type StoreParameterStore struct {
	control store.ItemStore
}

// NewStoreParameterStore creates a parameter store over the control-plane
// table.
func NewStoreParameterStore(control store.ItemStore) *StoreParameterStore {
	return &StoreParameterStore{control: control}
}

func (p *StoreParameterStore) AccountPlacement(ctx context.Context, accountID string) (Placement, error) {
	item, err := p.control.Get(ctx, store.Key{
		PK: store.AccountPK(accountID),
		SK: store.MetadataSK,
	})
	if err != nil {
		return Placement{}, err
	}

	ct := CloudType(item.GetString("cloudType"))
	if ct == "" {
		ct = CloudPublic
	}
	return Placement{
		CloudType:      ct,
		DedicatedTable: item.GetString("dedicatedTable"),
	}, nil
}

// StaticParameterStore serves placements from a fixed map. Tests and single-
// tenant deployments use it.
type StaticParameterStore struct {
	mu         sync.RWMutex
	placements map[string]Placement
}

// NewStaticParameterStore creates a parameter store with the given fixed
// placements. Unknown accounts resolve as public.
func NewStaticParameterStore(placements map[string]Placement) *StaticParameterStore {
	if placements == nil {
		placements = make(map[string]Placement)
	}
	return &StaticParameterStore{placements: placements}
}

func (p *StaticParameterStore) AccountPlacement(ctx context.Context, accountID string) (Placement, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pl, ok := p.placements[accountID]; ok {
		return pl, nil
	}
	return Placement{CloudType: CloudPublic}, nil
}

// Set replaces an account's placement.
func (p *StaticParameterStore) Set(accountID string, pl Placement) {
	p.mu.Lock()
	p.placements[accountID] = pl
	p.mu.Unlock()
}
