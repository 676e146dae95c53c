// Package billing bridges Stripe payment events into the quota ledger.
// Payment collection happens entirely on Stripe; this package only reacts
// to confirmed events, so a replayed webhook can never double-credit.
package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/vireohq/creditmeter/internal/quota"
	"github.com/vireohq/creditmeter/internal/workspace"
)

// Stripe recommends tolerating payloads up to 64KB.
const maxBodyBytes = 65536

// Handler receives Stripe webhook events.
type Handler struct {
	quota      *quota.Service
	workspaces workspace.Store
	secret     string
	logger     *slog.Logger
}

// NewHandler creates a billing webhook handler. secret is the Stripe
// webhook signing secret; requests failing signature verification are
// rejected.
func NewHandler(quotaSvc *quota.Service, workspaces workspace.Store, secret string, logger *slog.Logger) *Handler {
	return &Handler{quota: quotaSvc, workspaces: workspaces, secret: secret, logger: logger}
}

// RegisterRoutes sets up billing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/stripe/webhook", h.StripeWebhook)
}

// StripeWebhook handles POST /api/v1/billing/stripe/webhook
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		h.logger.Warn("stripe webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "signature verification failed"})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		err = h.handleCheckoutCompleted(c, event)
	case "customer.subscription.updated", "customer.subscription.created":
		err = h.handleSubscriptionChanged(c, event)
	default:
		h.logger.Debug("ignoring stripe event", "type", event.Type)
	}
	if err != nil {
		// Non-2xx makes Stripe redeliver; the idempotency key on the
		// credit keeps the retry safe.
		h.logger.Error("stripe event processing failed", "type", event.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "event processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// handleCheckoutCompleted credits a purchased package once Stripe confirms
// the checkout. The workspace and package ride in the session metadata set
// when the checkout was created.
func (h *Handler) handleCheckoutCompleted(c *gin.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return err
	}

	workspaceID := session.Metadata["workspace_id"]
	packageID := session.Metadata["package_id"]
	if workspaceID == "" || packageID == "" {
		h.logger.Warn("checkout session missing metadata", "session", session.ID)
		return nil // not ours; acknowledge so Stripe stops retrying
	}

	paymentRef := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		paymentRef = session.PaymentIntent.ID
	}

	txn, err := h.quota.Purchase(c.Request.Context(), workspaceID, packageID, paymentRef)
	if err != nil {
		if errors.Is(err, quota.ErrPackageNotFound) {
			h.logger.Warn("checkout references unknown package", "session", session.ID, "package", packageID)
			return nil
		}
		return err
	}

	h.logger.Info("stripe checkout credited",
		"workspace", workspaceID,
		"package", packageID,
		"credits", txn.Amount,
		"payment_ref", paymentRef,
	)
	return nil
}

// handleSubscriptionChanged moves a workspace between tiers when its Stripe
// subscription changes. The target tier rides in the subscription metadata.
func (h *Handler) handleSubscriptionChanged(c *gin.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}

	tier := sub.Metadata["tier"]
	if tier == "" || sub.Customer == nil {
		return nil
	}

	ctx := c.Request.Context()
	w, err := h.workspaces.GetByStripeCustomer(ctx, sub.Customer.ID)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			h.logger.Warn("subscription for unknown customer", "customer", sub.Customer.ID)
			return nil
		}
		return err
	}

	if string(w.Tier) == tier {
		return nil
	}
	previous := w.Tier
	if err := updateTier(ctx, h.workspaces, w, tier); err != nil {
		return err
	}

	h.logger.Info("workspace tier changed", "workspace", w.ID, "from", previous, "to", tier)
	return nil
}
