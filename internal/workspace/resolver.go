package workspace

import (
	"context"
	"errors"

	"github.com/vireohq/creditmeter/internal/plan"
	"github.com/vireohq/creditmeter/internal/quota"
)

// Resolver adapts the workspace store to the consumption engine's tier
// lookup. Deleted workspaces resolve as not found so their ledgers can no
// longer be touched through the quota surface.
type Resolver struct {
	store Store
}

// NewResolver creates a tier resolver over the workspace store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) TierOf(ctx context.Context, workspaceID string) (plan.Tier, error) {
	w, err := r.store.Get(ctx, workspaceID)
	if errors.Is(err, ErrNotFound) {
		return "", quota.ErrWorkspaceNotFound
	}
	if err != nil {
		return "", err
	}
	if w.Status == StatusDeleted {
		return "", quota.ErrWorkspaceNotFound
	}
	return w.Tier, nil
}

var _ quota.TierResolver = (*Resolver)(nil)
