package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/vireohq/creditmeter/internal/plan"
	"github.com/vireohq/creditmeter/internal/workspace"
)

// updateTier validates and persists a tier change on the workspace.
func updateTier(ctx context.Context, store workspace.Store, w *workspace.Workspace, tier string) error {
	next := plan.Tier(tier)
	if !plan.Valid(next) {
		return fmt.Errorf("billing: unknown tier %q", tier)
	}
	w.Tier = next
	w.UpdatedAt = time.Now()
	return store.Update(ctx, w)
}
