package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireohq/creditmeter/internal/plan"
)

// ---------------------------------------------------------------------------
// Test router setup
// ---------------------------------------------------------------------------

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *testEnv) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := newTestEnv(t)
	analytics := NewAnalyticsService(env.store)
	analytics.now = env.clock.Now
	handler := NewHandler(env.service, analytics)

	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.RegisterRoutes(v1)
	return r, env
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// POST /api/v1/quota/:workspace/consume
// ---------------------------------------------------------------------------

func TestHandler_Consume_201(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/quota/ws_h/consume", gin.H{
		"user_id":         "user_1",
		"feature":         "content_generation",
		"idempotency_key": "h-k1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		TransactionID  string `json:"transaction_id"`
		Consumed       int    `json:"consumed"`
		FundingSource  string `json:"funding_source"`
		Remaining      int    `json:"remaining"`
		AlreadyApplied bool   `json:"already_applied"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TransactionID)
	assert.Equal(t, 5, resp.Consumed)
	assert.Equal(t, "allowance", resp.FundingSource)
	assert.Equal(t, 45, resp.Remaining)
	assert.False(t, resp.AlreadyApplied)
}

func TestHandler_Consume_ReplayReturns200(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	body := gin.H{
		"user_id":         "user_1",
		"feature":         "seo_analysis",
		"idempotency_key": "h-replay",
	}
	w := doJSON(t, router, "POST", "/api/v1/quota/ws_h/consume", body)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, "POST", "/api/v1/quota/ws_h/consume", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"already_applied":true`)
}

func TestHandler_Consume_MissingFields400(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/quota/ws_h/consume", gin.H{"user_id": "u"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestHandler_Consume_UnknownFeature400(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/quota/ws_h/consume", gin.H{
		"user_id":         "user_1",
		"feature":         "time_travel",
		"idempotency_key": "h-k1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Consume_Insufficient402(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	now := env.clock.Now()

	_, err := env.store.CreateLedger(context.Background(), &Ledger{
		WorkspaceID:      "ws_poor",
		MonthlyAllowance: 1,
		PeriodStart:      now,
		ResetAt:          now.AddDate(0, 1, 0),
		BillingAnchor:    now,
	})
	require.NoError(t, err)

	w := doJSON(t, router, "POST", "/api/v1/quota/ws_poor/consume", gin.H{
		"user_id":         "user_1",
		"feature":         "image_generation",
		"idempotency_key": "h-k1",
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_credits")
}

func TestHandler_Consume_RateLimited429(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	for i := 0; i < 10; i++ {
		w := doJSON(t, router, "POST", "/api/v1/quota/ws_rl/consume", gin.H{
			"user_id":         "user_1",
			"feature":         "hashtag_generation",
			"idempotency_key": fmt.Sprintf("h-k%d", i),
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, router, "POST", "/api/v1/quota/ws_rl/consume", gin.H{
		"user_id":         "user_1",
		"feature":         "hashtag_generation",
		"idempotency_key": "h-over",
	})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")
}

func TestHandler_Consume_UserLimit403(t *testing.T) {
	router, env := setupHandlerTestRouter(t)

	limit := 3
	_, err := env.service.UpdateSettings(context.Background(), "ws_ul", Settings{
		PerUserLimits: map[string]int{"user_capped": limit},
	})
	require.NoError(t, err)

	w := doJSON(t, router, "POST", "/api/v1/quota/ws_ul/consume", gin.H{
		"user_id":         "user_capped",
		"feature":         "content_generation",
		"idempotency_key": "h-k1",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "user_limit_exceeded")
}

// ---------------------------------------------------------------------------
// Packages and purchase
// ---------------------------------------------------------------------------

func TestHandler_ListPackages(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w := doJSON(t, router, "GET", "/api/v1/quota/packages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Packages []*CreditPackage `json:"packages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Packages, 4)
}

func TestHandler_Purchase_201(t *testing.T) {
	router, env := setupHandlerTestRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/quota/ws_buy/purchase", gin.H{
		"package_id":  "pkg_scale",
		"payment_ref": "pi_h1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	ledger, err := env.store.GetLedger(context.Background(), "ws_buy")
	require.NoError(t, err)
	assert.Equal(t, 1150, ledger.PurchasedBalance)
}

func TestHandler_Purchase_UnknownPackage404(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/quota/ws_buy/purchase", gin.H{
		"package_id":  "pkg_bogus",
		"payment_ref": "pi_h1",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Dashboard, settings, analytics, transactions
// ---------------------------------------------------------------------------

func TestHandler_Dashboard(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/quota/ws_d/consume", gin.H{
		"user_id":         "user_1",
		"feature":         "content_generation",
		"idempotency_key": "h-k1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, "GET", "/api/v1/quota/ws_d/dashboard", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tier               string         `json:"tier"`
		Available          int            `json:"available"`
		AllowanceRemaining int            `json:"allowance_remaining"`
		MonthlyAllowance   int            `json:"monthly_allowance"`
		RecentTransactions []*Transaction `json:"recent_transactions"`
		Usage              struct {
			TotalConsumed  int    `json:"total_consumed"`
			OperationCount int    `json:"operation_count"`
			BusiestFeature string `json:"busiest_feature"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "free", resp.Tier)
	assert.Equal(t, 45, resp.Available)
	assert.Equal(t, 50, resp.MonthlyAllowance)

	// The dashboard folds in the tail of the log and a usage rollup.
	require.Len(t, resp.RecentTransactions, 1)
	assert.Equal(t, -5, resp.RecentTransactions[0].Amount)
	assert.Equal(t, TxConsumption, resp.RecentTransactions[0].Type)
	assert.Equal(t, 5, resp.Usage.TotalConsumed)
	assert.Equal(t, 1, resp.Usage.OperationCount)
	assert.Equal(t, "content_generation", resp.Usage.BusiestFeature)
}

func TestHandler_Dashboard_FreshWorkspaceHasEmptyHistory(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w := doJSON(t, router, "GET", "/api/v1/quota/ws_new/dashboard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"recent_transactions":[]`)
}

func TestHandler_UpdateSettings(t *testing.T) {
	router, env := setupHandlerTestRouter(t)

	w := doJSON(t, router, "PUT", "/api/v1/quota/ws_s/settings", gin.H{
		"monthly_allowance": 500,
		"per_user_limits":   gin.H{"user_1": 100},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ledger, err := env.store.GetLedger(context.Background(), "ws_s")
	require.NoError(t, err)
	assert.Equal(t, 500, ledger.MonthlyAllowance)
	assert.Equal(t, 100, ledger.PerUserLimits["user_1"])
}

func TestHandler_Analytics(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/quota/ws_an/consume", gin.H{
		"user_id":         "user_1",
		"feature":         "image_generation",
		"idempotency_key": "h-k1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, "GET", "/api/v1/quota/ws_an/analytics?days=7", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp UsageAnalytics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.TotalConsumed)
	assert.Equal(t, 1, resp.OperationCount)

	w = doJSON(t, router, "GET", "/api/v1/quota/ws_an/analytics?days=banana", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Transactions_Paginates(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	env.tiers.set("ws_tx", plan.TierEnterprise)

	for i := 0; i < 5; i++ {
		w := doJSON(t, router, "POST", "/api/v1/quota/ws_tx/consume", gin.H{
			"user_id":         "user_1",
			"feature":         "content_analysis",
			"idempotency_key": fmt.Sprintf("h-k%d", i),
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, router, "GET", "/api/v1/quota/ws_tx/transactions?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Transactions []*Transaction `json:"transactions"`
		NextCursor   string         `json:"next_cursor"`
		HasMore      bool           `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Transactions, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(5), page.Transactions[0].Sequence) // newest first

	// Walk the cursor to the end.
	seen := len(page.Transactions)
	cursor := page.NextCursor
	for cursor != "" {
		w = doJSON(t, router, "GET", "/api/v1/quota/ws_tx/transactions?limit=2&cursor="+cursor, nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		seen += len(page.Transactions)
		cursor = page.NextCursor
	}
	assert.Equal(t, 5, seen)

	w = doJSON(t, router, "GET", "/api/v1/quota/ws_tx/transactions?cursor=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
