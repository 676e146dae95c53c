// Package workspace provides workspace (team) management for the platform.
package workspace

import (
	"errors"
	"time"

	"github.com/vireohq/creditmeter/internal/plan"
)

// Errors
var (
	ErrNotFound = errors.New("workspace: not found")
	ErrDeleted  = errors.New("workspace: deleted")
)

// Status represents a workspace's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Workspace represents a team account subscribing to the platform.
type Workspace struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Tier             plan.Tier `json:"tier"`
	StripeCustomerID string    `json:"stripeCustomerId,omitempty"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
