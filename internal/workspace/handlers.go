package workspace

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vireohq/creditmeter/internal/idgen"
	"github.com/vireohq/creditmeter/internal/plan"
	"github.com/vireohq/creditmeter/internal/validation"
)

// LedgerArchiver marks a workspace's quota ledger archived when the
// workspace is deleted. History stays queryable; new consumption is refused.
type LedgerArchiver interface {
	Archive(ctx context.Context, workspaceID string) error
}

// Handler provides HTTP endpoints for workspace management.
type Handler struct {
	store    Store
	archiver LedgerArchiver
}

// NewHandler creates a new workspace handler.
func NewHandler(store Store, archiver LedgerArchiver) *Handler {
	return &Handler{store: store, archiver: archiver}
}

// RegisterRoutes sets up workspace routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/workspaces", h.CreateWorkspace)
	r.GET("/workspaces", h.ListWorkspaces)
	r.GET("/workspaces/:id", h.GetWorkspace)
	r.PATCH("/workspaces/:id", h.UpdateWorkspace)
	r.DELETE("/workspaces/:id", h.DeleteWorkspace)
}

// CreateWorkspace handles POST /api/v1/workspaces
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req struct {
		Name string    `json:"name" binding:"required"`
		Tier plan.Tier `json:"tier"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name required"})
		return
	}

	if req.Tier == "" {
		req.Tier = plan.TierFree
	}
	if !plan.Valid(req.Tier) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
		return
	}

	now := time.Now()
	w := &Workspace{
		ID:        idgen.WithPrefix("ws_"),
		Name:      validation.SanitizeString(req.Name, 200),
		Tier:      req.Tier,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.Create(c.Request.Context(), w); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create workspace"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"workspace": w})
}

// GetWorkspace handles GET /api/v1/workspaces/:id
func (h *Handler) GetWorkspace(c *gin.Context) {
	w, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "workspace not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace": w})
}

// ListWorkspaces handles GET /api/v1/workspaces
func (h *Handler) ListWorkspaces(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	workspaces, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces, "count": len(workspaces)})
}

// UpdateWorkspace handles PATCH /api/v1/workspaces/:id
func (h *Handler) UpdateWorkspace(c *gin.Context) {
	w, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "workspace not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if w.Status == StatusDeleted {
		c.JSON(http.StatusConflict, gin.H{"error": "deleted", "message": "workspace has been deleted"})
		return
	}

	var req struct {
		Name             *string    `json:"name"`
		Tier             *plan.Tier `json:"tier"`
		Status           *Status    `json:"status"`
		StripeCustomerID *string    `json:"stripeCustomerId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	if req.Name != nil {
		w.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.Tier != nil {
		if !plan.Valid(*req.Tier) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
			return
		}
		w.Tier = *req.Tier
	}
	if req.Status != nil {
		switch *req.Status {
		case StatusActive, StatusSuspended:
			w.Status = *req.Status
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "status must be active or suspended"})
			return
		}
	}
	if req.StripeCustomerID != nil {
		w.StripeCustomerID = *req.StripeCustomerID
	}
	w.UpdatedAt = time.Now()

	if err := h.store.Update(c.Request.Context(), w); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update workspace"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"workspace": w})
}

// DeleteWorkspace handles DELETE /api/v1/workspaces/:id. The workspace is
// soft-deleted and its ledger archived; transaction history survives.
func (h *Handler) DeleteWorkspace(c *gin.Context) {
	ctx := c.Request.Context()

	w, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "workspace not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if w.Status == StatusDeleted {
		c.JSON(http.StatusOK, gin.H{"message": "workspace already deleted"})
		return
	}

	w.Status = StatusDeleted
	w.UpdatedAt = time.Now()
	if err := h.store.Update(ctx, w); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete workspace"})
		return
	}

	if h.archiver != nil {
		// Best-effort: the ledger may not exist yet for a workspace that
		// never consumed anything.
		_ = h.archiver.Archive(ctx, w.ID)
	}

	c.JSON(http.StatusOK, gin.H{"message": "workspace deleted", "id": w.ID})
}
