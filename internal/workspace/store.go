package workspace

import "context"

// Store persists workspace data.
type Store interface {
	Create(ctx context.Context, w *Workspace) error
	Get(ctx context.Context, id string) (*Workspace, error)
	GetByStripeCustomer(ctx context.Context, customerID string) (*Workspace, error)
	Update(ctx context.Context, w *Workspace) error
	List(ctx context.Context, limit int) ([]*Workspace, error)
}
