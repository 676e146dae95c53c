package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireohq/creditmeter/internal/plan"
	"github.com/vireohq/creditmeter/internal/quota"
)

func testWorkspace(id string, tier plan.Tier) *Workspace {
	now := time.Now()
	return &Workspace{
		ID:        id,
		Name:      "Acme",
		Tier:      tier,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testWorkspace("ws_1", plan.TierBasic)))

	w, err := store.Get(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, plan.TierBasic, w.Tier)

	// Copies are isolated.
	w.Name = "mutated"
	again, err := store.Get(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", again.Name)

	w.Name = "Updated"
	w.StripeCustomerID = "cus_123"
	require.NoError(t, store.Update(ctx, w))

	byCustomer, err := store.GetByStripeCustomer(ctx, "cus_123")
	require.NoError(t, err)
	assert.Equal(t, "ws_1", byCustomer.ID)

	_, err = store.Get(ctx, "ws_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Update(ctx, testWorkspace("ws_missing", plan.TierFree))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"ws_c", "ws_a", "ws_b"} {
		require.NoError(t, store.Create(ctx, testWorkspace(id, plan.TierFree)))
	}

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ws_a", all[0].ID)

	two, err := store.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestResolver_TierOf(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	resolver := NewResolver(store)

	require.NoError(t, store.Create(ctx, testWorkspace("ws_pro", plan.TierProfessional)))

	tier, err := resolver.TierOf(ctx, "ws_pro")
	require.NoError(t, err)
	assert.Equal(t, plan.TierProfessional, tier)

	_, err = resolver.TierOf(ctx, "ws_missing")
	assert.ErrorIs(t, err, quota.ErrWorkspaceNotFound)

	// A deleted workspace no longer resolves.
	w, err := store.Get(ctx, "ws_pro")
	require.NoError(t, err)
	w.Status = StatusDeleted
	require.NoError(t, store.Update(ctx, w))

	_, err = resolver.TierOf(ctx, "ws_pro")
	assert.ErrorIs(t, err, quota.ErrWorkspaceNotFound)
}
