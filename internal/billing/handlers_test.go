package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/vireohq/creditmeter/internal/plan"
	"github.com/vireohq/creditmeter/internal/quota"
	"github.com/vireohq/creditmeter/internal/ratelimit"
	"github.com/vireohq/creditmeter/internal/workspace"
)

const testSecret = "whsec_test_secret"

func setupBilling(t *testing.T) (*gin.Engine, *quota.MemoryStore, *workspace.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	quotaStore := quota.NewMemoryStore()
	wsStore := workspace.NewMemoryStore()
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	t.Cleanup(limiter.Stop)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	quotaSvc := quota.NewService(quotaStore, limiter, workspace.NewResolver(wsStore), logger)
	handler := NewHandler(quotaSvc, wsStore, testSecret, logger)

	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.RegisterRoutes(v1)
	return r, quotaStore, wsStore
}

// signPayload builds a Stripe-Signature header for the payload, using the
// documented t=...,v1=HMAC-SHA256(secret, "t.payload") scheme.
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func postEvent(t *testing.T, router *gin.Engine, eventType string, object any, secret string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_test",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"data":        map[string]any{"object": json.RawMessage(raw)},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/billing/stripe/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, secret))
	router.ServeHTTP(w, req)
	return w
}

func createTestWorkspace(t *testing.T, store *workspace.MemoryStore, id string, tier plan.Tier) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.Create(context.Background(), &workspace.Workspace{
		ID: id, Name: "Acme", Tier: tier, Status: workspace.StatusActive,
		StripeCustomerID: "cus_" + id, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestStripeWebhook_CheckoutCompletedCreditsPackage(t *testing.T) {
	router, quotaStore, wsStore := setupBilling(t)
	createTestWorkspace(t, wsStore, "ws_b1", plan.TierBasic)

	session := map[string]any{
		"id": "cs_test_1",
		"metadata": map[string]string{
			"workspace_id": "ws_b1",
			"package_id":   "pkg_growth",
		},
		"payment_intent": map[string]any{"id": "pi_test_1"},
	}
	w := postEvent(t, router, "checkout.session.completed", session, testSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ledger, err := quotaStore.GetLedger(context.Background(), "ws_b1")
	require.NoError(t, err)
	assert.Equal(t, 550, ledger.PurchasedBalance)

	// Stripe redelivery is harmless.
	w = postEvent(t, router, "checkout.session.completed", session, testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	ledger, err = quotaStore.GetLedger(context.Background(), "ws_b1")
	require.NoError(t, err)
	assert.Equal(t, 550, ledger.PurchasedBalance)
}

func TestStripeWebhook_BadSignatureRejected(t *testing.T) {
	router, _, _ := setupBilling(t)

	w := postEvent(t, router, "checkout.session.completed", map[string]any{"id": "cs_x"}, "whsec_wrong")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")
}

func TestStripeWebhook_MissingMetadataAcknowledged(t *testing.T) {
	router, _, _ := setupBilling(t)

	w := postEvent(t, router, "checkout.session.completed", map[string]any{"id": "cs_no_meta"}, testSecret)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStripeWebhook_SubscriptionChangesTier(t *testing.T) {
	router, _, wsStore := setupBilling(t)
	createTestWorkspace(t, wsStore, "ws_b2", plan.TierFree)

	sub := map[string]any{
		"id":       "sub_test_1",
		"customer": map[string]any{"id": "cus_ws_b2"},
		"metadata": map[string]string{"tier": "professional"},
	}
	w := postEvent(t, router, "customer.subscription.updated", sub, testSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ws, err := wsStore.Get(context.Background(), "ws_b2")
	require.NoError(t, err)
	assert.Equal(t, plan.TierProfessional, ws.Tier)
}

func TestStripeWebhook_UnknownEventIgnored(t *testing.T) {
	router, _, _ := setupBilling(t)

	w := postEvent(t, router, "invoice.finalized", map[string]any{"id": "in_1"}, testSecret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "received")
}
