package quota

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vireohq/creditmeter/internal/pagination"
	"github.com/vireohq/creditmeter/internal/plan"
)

// Handler provides HTTP endpoints for quota operations.
type Handler struct {
	service   *Service
	analytics *AnalyticsService
}

// NewHandler creates a new quota handler.
func NewHandler(service *Service, analytics *AnalyticsService) *Handler {
	return &Handler{service: service, analytics: analytics}
}

// RegisterRoutes sets up quota routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/quota/packages", h.ListPackages)
	r.GET("/quota/:workspace/dashboard", h.Dashboard)
	r.POST("/quota/:workspace/consume", h.Consume)
	r.POST("/quota/:workspace/purchase", h.Purchase)
	r.PUT("/quota/:workspace/settings", h.UpdateSettings)
	r.GET("/quota/:workspace/analytics", h.Analytics)
	r.GET("/quota/:workspace/transactions", h.Transactions)
}

// ListPackages handles GET /api/v1/quota/packages
func (h *Handler) ListPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packages": Packages()})
}

// dashboardRecentTxns is how many log entries the dashboard shows inline;
// the transactions endpoint pages through the rest.
const dashboardRecentTxns = 10

// Dashboard handles GET /api/v1/quota/:workspace/dashboard
func (h *Handler) Dashboard(c *gin.Context) {
	workspaceID := c.Param("workspace")
	ctx := c.Request.Context()

	ledger, err := h.service.Ledger(ctx, workspaceID)
	if err != nil {
		respondError(c, err)
		return
	}
	cfg, err := h.service.Plan(ctx, workspaceID)
	if err != nil {
		respondError(c, err)
		return
	}
	recent, err := h.service.Transactions(ctx, workspaceID, 0, dashboardRecentTxns)
	if err != nil {
		respondError(c, err)
		return
	}
	if recent == nil {
		recent = []*Transaction{}
	}
	usage, err := h.analytics.Usage(ctx, workspaceID, 30)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workspace_id":        workspaceID,
		"tier":                cfg.Tier,
		"available":           ledger.Available(),
		"allowance_remaining": ledger.AllowanceRemaining(),
		"monthly_allowance":   ledger.MonthlyAllowance,
		"allowance_used":      ledger.AllowanceUsed,
		"purchased_balance":   ledger.PurchasedBalance,
		"period_start":        ledger.PeriodStart,
		"reset_at":            ledger.ResetAt,
		"rate_limits":         cfg.Limits,
		"feature_costs":       effectiveCosts(ledger),
		"per_user_limits":     ledger.PerUserLimits,
		"archived":            ledger.Archived,
		"recent_transactions": recent,
		"usage": gin.H{
			"days":            usage.Days,
			"total_consumed":  usage.TotalConsumed,
			"operation_count": usage.OperationCount,
			"daily_average":   usage.DailyAverage,
			"projected_month": usage.ProjectedMonth,
			"busiest_feature": usage.BusiestFeature,
		},
	})
}

func effectiveCosts(ledger *Ledger) map[plan.Feature]int {
	costs := plan.DefaultCosts()
	for f, cost := range ledger.FeatureCosts {
		costs[f] = cost
	}
	return costs
}

type consumeRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	Feature        string `json:"feature" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	CreditsNeeded  int    `json:"credits_needed"`
}

// Consume handles POST /api/v1/quota/:workspace/consume
func (h *Handler) Consume(c *gin.Context) {
	workspaceID := c.Param("workspace")

	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "user_id, feature, and idempotency_key are required",
		})
		return
	}

	result, err := h.service.Consume(c.Request.Context(), ConsumeRequest{
		WorkspaceID:    workspaceID,
		UserID:         req.UserID,
		Feature:        plan.Feature(req.Feature),
		IdempotencyKey: req.IdempotencyKey,
		CreditsNeeded:  req.CreditsNeeded,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyApplied {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"transaction_id":  result.TransactionID,
		"consumed":        result.Consumed,
		"funding_source":  result.FundingSource,
		"remaining":       result.Remaining,
		"already_applied": result.AlreadyApplied,
	})
}

type purchaseRequest struct {
	PackageID  string `json:"package_id" binding:"required"`
	PaymentRef string `json:"payment_ref" binding:"required"`
}

// Purchase handles POST /api/v1/quota/:workspace/purchase
func (h *Handler) Purchase(c *gin.Context) {
	workspaceID := c.Param("workspace")

	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "package_id and payment_ref are required",
		})
		return
	}

	txn, err := h.service.Purchase(c.Request.Context(), workspaceID, req.PackageID, req.PaymentRef)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

type settingsRequest struct {
	MonthlyAllowance      *int           `json:"monthly_allowance"`
	AutoPurchaseThreshold *int           `json:"auto_purchase_threshold"`
	AutoPurchasePackageID *string        `json:"auto_purchase_package_id"`
	PerUserLimits         map[string]int `json:"per_user_limits"`
	FeatureCosts          map[string]int `json:"feature_costs"`
}

// UpdateSettings handles PUT /api/v1/quota/:workspace/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	workspaceID := c.Param("workspace")

	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid settings payload",
		})
		return
	}

	settings := Settings{
		MonthlyAllowance:      req.MonthlyAllowance,
		AutoPurchaseThreshold: req.AutoPurchaseThreshold,
		AutoPurchasePackageID: req.AutoPurchasePackageID,
		PerUserLimits:         req.PerUserLimits,
	}
	if req.FeatureCosts != nil {
		settings.FeatureCosts = make(map[plan.Feature]int, len(req.FeatureCosts))
		for f, cost := range req.FeatureCosts {
			settings.FeatureCosts[plan.Feature(f)] = cost
		}
	}

	ledger, err := h.service.UpdateSettings(c.Request.Context(), workspaceID, settings)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ledger": ledger})
}

// Analytics handles GET /api/v1/quota/:workspace/analytics?days=N
func (h *Handler) Analytics(c *gin.Context) {
	workspaceID := c.Param("workspace")

	days := 30
	if d := c.Query("days"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "days must be a positive integer",
			})
			return
		}
		days = parsed
	}

	usage, err := h.analytics.Usage(c.Request.Context(), workspaceID, days)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, usage)
}

// Transactions handles GET /api/v1/quota/:workspace/transactions?cursor=...&limit=N
func (h *Handler) Transactions(c *gin.Context) {
	workspaceID := c.Param("workspace")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	var beforeSeq int64
	if cursor != nil {
		beforeSeq = cursor.Sequence
	}

	// Fetch one extra to detect whether there is a next page.
	txns, err := h.service.store.ListTransactions(c.Request.Context(), workspaceID, beforeSeq, limit+1)
	if err != nil {
		respondError(c, err)
		return
	}

	page, next, hasMore := pagination.ComputePage(txns, limit, func(t *Transaction) int64 {
		return t.Sequence
	})

	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"count":        len(page),
		"next_cursor":  next,
		"has_more":     hasMore,
	})
}

// respondError maps service errors onto HTTP responses.
func respondError(c *gin.Context, err error) {
	var (
		rateLimited  *RateLimitedError
		insufficient *InsufficientCreditsError
		userLimit    *UserLimitExceededError
		validation   *ValidationError
	)

	switch {
	case errors.As(err, &rateLimited):
		c.Header("Retry-After", strconv.Itoa(int(rateLimited.RetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limited",
			"message":     err.Error(),
			"granularity": rateLimited.Granularity,
			"retry_after": int(rateLimited.RetryAfter.Seconds()),
		})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_credits",
			"message":   err.Error(),
			"available": insufficient.Available,
			"required":  insufficient.Required,
		})
	case errors.As(err, &userLimit):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "user_limit_exceeded",
			"message": err.Error(),
		})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, plan.ErrUnknownFeature), errors.Is(err, plan.ErrUnknownTier):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrWorkspaceNotFound), errors.Is(err, ErrPackageNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrLedgerArchived):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "archived",
			"message": err.Error(),
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Concurrent updates exhausted retries; try again",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
