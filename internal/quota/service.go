package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vireohq/creditmeter/internal/metrics"
	"github.com/vireohq/creditmeter/internal/plan"
	"github.com/vireohq/creditmeter/internal/ratelimit"
	"github.com/vireohq/creditmeter/internal/retry"
	"github.com/vireohq/creditmeter/internal/traces"
)

// TierResolver reports the subscription tier of a workspace.
type TierResolver interface {
	TierOf(ctx context.Context, workspaceID string) (plan.Tier, error)
}

// Event is published to the sink after a successful ledger mutation.
type Event struct {
	Type        string       `json:"type"` // consumption, purchase, reset, low_balance
	WorkspaceID string       `json:"workspaceId"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Remaining   int          `json:"remaining"`
}

// EventSink receives ledger events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// ConsumeRequest describes one metered operation.
type ConsumeRequest struct {
	WorkspaceID    string
	UserID         string
	Feature        plan.Feature
	IdempotencyKey string
	// CreditsNeeded is advisory; when non-zero it must match the cost
	// table or the request is rejected.
	CreditsNeeded int
}

// Service is the consumption engine: admission, cost lookup, atomic
// debit, and transaction append for every metered operation.
type Service struct {
	store      Store
	limiter    *ratelimit.Limiter
	tiers      TierResolver
	sink       EventSink
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithEventSink attaches a sink for ledger events.
func WithEventSink(sink EventSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithMaxRetries bounds the conditional-debit retry loop.
func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the consumption engine.
func NewService(store Store, limiter *ratelimit.Limiter, tiers TierResolver, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		limiter:    limiter,
		tiers:      tiers,
		logger:     logger,
		maxRetries: 5,
		retryDelay: 10 * time.Millisecond,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// planFor resolves the workspace's tier configuration.
func (s *Service) planFor(ctx context.Context, workspaceID string) (plan.Config, error) {
	tier, err := s.tiers.TierOf(ctx, workspaceID)
	if err != nil {
		return plan.Config{}, err
	}
	return plan.Load(tier)
}

// ledgerFor returns the workspace's ledger, creating it lazily with plan
// defaults on first touch.
func (s *Service) ledgerFor(ctx context.Context, workspaceID string) (*Ledger, plan.Config, error) {
	cfg, err := s.planFor(ctx, workspaceID)
	if err != nil {
		return nil, plan.Config{}, err
	}

	l, err := s.store.GetLedger(ctx, workspaceID)
	if errors.Is(err, ErrWorkspaceNotFound) {
		now := s.now()
		start, end := currentPeriod(now, now)
		l, err = s.store.CreateLedger(ctx, &Ledger{
			WorkspaceID:      workspaceID,
			MonthlyAllowance: cfg.MonthlyAllowance,
			PeriodStart:      start,
			ResetAt:          end,
			BillingAnchor:    now,
		})
	}
	if err != nil {
		return nil, plan.Config{}, err
	}
	return l, cfg, nil
}

// Consume meters one operation: admission, cost lookup, atomic debit,
// transaction append. Either all of it applies or none of it does.
func (s *Service) Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	ctx, span := traces.StartSpan(ctx, "quota.consume",
		traces.Workspace(req.WorkspaceID), traces.FeatureName(string(req.Feature)))
	defer span.End()

	if req.WorkspaceID == "" {
		return nil, s.fail("validation", &ValidationError{Field: "workspace", Msg: "required"})
	}
	if req.UserID == "" {
		return nil, s.fail("validation", &ValidationError{Field: "user", Msg: "required"})
	}
	if req.IdempotencyKey == "" {
		return nil, s.fail("validation", &ValidationError{Field: "idempotency_key", Msg: "required"})
	}
	if req.CreditsNeeded < 0 {
		return nil, s.fail("validation", &ValidationError{Field: "credits_needed", Msg: "must not be negative"})
	}

	// A replayed call is not a new operation: resolve it before
	// admission so retries of an applied consume are never throttled
	// or double-charged.
	if prior, err := s.store.FindByIdempotencyKey(ctx, req.WorkspaceID, req.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		metrics.ConsumptionsTotal.WithLabelValues("replay").Inc()
		return replayResult(prior), nil
	}

	ledger, cfg, err := s.ledgerFor(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if ledger.Archived {
		return nil, ErrLedgerArchived
	}

	if d := s.limiter.Allow(req.WorkspaceID, cfg.Limits); !d.Allowed {
		metrics.ConsumptionsTotal.WithLabelValues("rate_limited").Inc()
		metrics.RateLimitedTotal.WithLabelValues(string(d.Granularity)).Inc()
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter, Granularity: d.Granularity}
	}

	var result *ConsumeResult
	err = retry.Do(ctx, s.maxRetries, s.retryDelay, func() error {
		r, attemptErr := s.tryConsume(ctx, req)
		if attemptErr != nil {
			if errors.Is(attemptErr, ErrVersionConflict) {
				metrics.DebitConflictRetries.Inc()
				return attemptErr // retryable
			}
			return retry.Permanent(attemptErr)
		}
		result = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			metrics.ConsumptionsTotal.WithLabelValues("conflict").Inc()
			return nil, ErrConflict
		}
		return nil, s.classifyConsumeError(err)
	}

	if result.AlreadyApplied {
		metrics.ConsumptionsTotal.WithLabelValues("replay").Inc()
		return result, nil
	}

	metrics.ConsumptionsTotal.WithLabelValues("ok").Inc()
	metrics.CreditsConsumedTotal.WithLabelValues(string(req.Feature)).Add(float64(result.Consumed))

	s.publish(Event{Type: "consumption", WorkspaceID: req.WorkspaceID, Transaction: result.txn, Remaining: result.Remaining})
	s.checkAutoPurchase(ctx, req.WorkspaceID, result.Remaining)

	return result, nil
}

// tryConsume runs one attempt of the consume computation against a fresh
// ledger snapshot. A lost conditional debit surfaces as ErrVersionConflict.
func (s *Service) tryConsume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	ledger, err := s.store.GetLedger(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	// Roll the billing period inline when a sweep hasn't caught up yet,
	// so period math never uses a stale allowance.
	if !s.now().Before(ledger.ResetAt) {
		if err := s.resetLedger(ctx, ledger); err != nil && !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		if ledger, err = s.store.GetLedger(ctx, req.WorkspaceID); err != nil {
			return nil, err
		}
	}

	cost, err := plan.CostOf(req.Feature, ledger.FeatureCosts)
	if err != nil {
		return nil, err
	}
	if req.CreditsNeeded != 0 && req.CreditsNeeded != cost {
		return nil, &ValidationError{
			Field: "credits_needed",
			Msg:   fmt.Sprintf("feature %s costs %d credits, not %d", req.Feature, cost, req.CreditsNeeded),
		}
	}

	if limit, ok := ledger.PerUserLimits[req.UserID]; ok && limit > 0 {
		used, err := s.store.UserConsumedSince(ctx, req.WorkspaceID, req.UserID, ledger.PeriodStart)
		if err != nil {
			return nil, err
		}
		if used+cost > limit {
			return nil, &UserLimitExceededError{UserID: req.UserID, Limit: limit, Used: used, Requested: cost}
		}
	}

	available := ledger.Available()
	if available < cost {
		return nil, &InsufficientCreditsError{Available: available, Required: cost}
	}

	// Allowance pays first, the purchased pool covers the rest.
	fromAllowance := min(cost, ledger.AllowanceRemaining())
	fromPurchase := cost - fromAllowance

	txn := &Transaction{
		WorkspaceID:    req.WorkspaceID,
		UserID:         req.UserID,
		Type:           TxConsumption,
		Amount:         -cost,
		Feature:        req.Feature,
		FundingSource:  fundingSource(fromAllowance, fromPurchase),
		IdempotencyKey: req.IdempotencyKey,
		BalanceAfter:   available - cost,
	}

	err = s.store.Debit(ctx, req.WorkspaceID, fromAllowance, fromPurchase, ledger.Version, txn)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost an idempotency race to a concurrent duplicate; hand back
		// the winner's result.
		prior, findErr := s.store.FindByIdempotencyKey(ctx, req.WorkspaceID, req.IdempotencyKey)
		if findErr != nil || prior == nil {
			return nil, ErrConflict
		}
		return replayResult(prior), nil
	}
	if err != nil {
		return nil, err
	}

	return &ConsumeResult{
		TransactionID: txn.ID,
		Consumed:      cost,
		FundingSource: txn.FundingSource,
		Remaining:     available - cost,
		txn:           txn,
	}, nil
}

func fundingSource(fromAllowance, fromPurchase int) FundingSource {
	switch {
	case fromPurchase == 0:
		return FundingAllowance
	case fromAllowance == 0:
		return FundingPurchase
	default:
		return FundingMixed
	}
}

func replayResult(txn *Transaction) *ConsumeResult {
	return &ConsumeResult{
		TransactionID:  txn.ID,
		Consumed:       -txn.Amount,
		FundingSource:  txn.FundingSource,
		Remaining:      txn.BalanceAfter,
		AlreadyApplied: true,
	}
}

func (s *Service) classifyConsumeError(err error) error {
	var (
		insufficient *InsufficientCreditsError
		userLimit    *UserLimitExceededError
		validation   *ValidationError
	)
	switch {
	case errors.As(err, &insufficient):
		metrics.ConsumptionsTotal.WithLabelValues("insufficient_credits").Inc()
	case errors.As(err, &userLimit):
		metrics.ConsumptionsTotal.WithLabelValues("user_limit").Inc()
	case errors.As(err, &validation), errors.Is(err, plan.ErrUnknownFeature):
		metrics.ConsumptionsTotal.WithLabelValues("validation").Inc()
	default:
		metrics.ConsumptionsTotal.WithLabelValues("error").Inc()
	}
	return err
}

func (s *Service) fail(result string, err error) error {
	metrics.ConsumptionsTotal.WithLabelValues(result).Inc()
	return err
}

// Purchase credits a paid package to the workspace ledger. Called only
// after the payment collaborator has confirmed capture; paymentRef is its
// reference (e.g. a Stripe payment intent ID) and doubles as the
// idempotency key so a replayed webhook can't double-credit.
func (s *Service) Purchase(ctx context.Context, workspaceID, packageID, paymentRef string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "quota.purchase", traces.Workspace(workspaceID))
	defer span.End()

	pkg, err := PackageByID(packageID)
	if err != nil {
		return nil, err
	}
	if paymentRef == "" {
		return nil, &ValidationError{Field: "payment_ref", Msg: "required"}
	}

	ledger, _, err := s.ledgerFor(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ledger.Archived {
		return nil, ErrLedgerArchived
	}

	txn := &Transaction{
		WorkspaceID:    workspaceID,
		Type:           TxPurchase,
		Amount:         pkg.TotalCredits(),
		IdempotencyKey: "purchase:" + paymentRef,
		BalanceAfter:   ledger.Available() + pkg.TotalCredits(),
		Description:    pkg.ID,
	}

	err = s.store.Credit(ctx, workspaceID, pkg.TotalCredits(), txn)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		prior, findErr := s.store.FindByIdempotencyKey(ctx, workspaceID, txn.IdempotencyKey)
		if findErr != nil {
			return nil, findErr
		}
		return prior, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.PurchasesTotal.Inc()
	metrics.CreditsPurchasedTotal.Add(float64(pkg.TotalCredits()))
	s.logger.Info("credits purchased",
		"workspace", workspaceID,
		"package", pkg.ID,
		"credits", pkg.TotalCredits(),
		"payment_ref", paymentRef,
	)
	s.publish(Event{Type: "purchase", WorkspaceID: workspaceID, Transaction: txn, Remaining: txn.BalanceAfter})

	return txn, nil
}

// Reset zeroes the allowance usage once the workspace's billing period has
// elapsed. Idempotent: calling it again in the same period is a no-op, and
// concurrent sweeps race harmlessly on the version check.
func (s *Service) Reset(ctx context.Context, workspaceID string) error {
	ctx, span := traces.StartSpan(ctx, "quota.reset", traces.Workspace(workspaceID))
	defer span.End()

	ledger, err := s.store.GetLedger(ctx, workspaceID)
	if err != nil {
		return err
	}
	if s.now().Before(ledger.ResetAt) {
		return nil // period not elapsed
	}

	err = s.resetLedger(ctx, ledger)
	if errors.Is(err, ErrVersionConflict) {
		// Someone else reset (or mutated) concurrently; the sweep will
		// pick this workspace up again if it is still due.
		return nil
	}
	return err
}

// SweepResets resets every workspace whose billing period has elapsed, up to
// limit per call. Returns how many were reset.
func (s *Service) SweepResets(ctx context.Context, limit int) (int, error) {
	due, err := s.store.DueForReset(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, workspaceID := range due {
		if err := s.Reset(ctx, workspaceID); err != nil {
			s.logger.Warn("reset failed", "workspace", workspaceID, "error", err)
			continue
		}
		reset++
	}
	return reset, nil
}

func (s *Service) resetLedger(ctx context.Context, ledger *Ledger) error {
	start, end := currentPeriod(ledger.BillingAnchor, s.now())
	txn := &Transaction{
		WorkspaceID:  ledger.WorkspaceID,
		Type:         TxReset,
		Amount:       0,
		BalanceAfter: ledger.MonthlyAllowance + ledger.PurchasedBalance,
		Description:  "allowance reset",
	}
	if err := s.store.Reset(ctx, ledger.WorkspaceID, ledger.Version, start, end, txn); err != nil {
		return err
	}
	metrics.ResetsTotal.Inc()
	s.logger.Info("allowance reset", "workspace", ledger.WorkspaceID, "next_reset", end)
	s.publish(Event{Type: "reset", WorkspaceID: ledger.WorkspaceID, Transaction: txn, Remaining: txn.BalanceAfter})
	return nil
}

// UpdateSettings applies an owner's quota settings change.
func (s *Service) UpdateSettings(ctx context.Context, workspaceID string, settings Settings) (*Ledger, error) {
	if settings.MonthlyAllowance != nil && *settings.MonthlyAllowance < 0 {
		return nil, &ValidationError{Field: "monthly_allowance", Msg: "must not be negative"}
	}
	if settings.AutoPurchaseThreshold != nil && *settings.AutoPurchaseThreshold < 0 {
		return nil, &ValidationError{Field: "auto_purchase_threshold", Msg: "must not be negative"}
	}
	for user, limit := range settings.PerUserLimits {
		if limit < 0 {
			return nil, &ValidationError{Field: "per_user_limits", Msg: "limit for " + user + " must not be negative"}
		}
	}
	for feature, cost := range settings.FeatureCosts {
		if !plan.ValidFeature(feature) {
			return nil, plan.ErrUnknownFeature
		}
		if cost <= 0 {
			return nil, &ValidationError{Field: "feature_costs", Msg: string(feature) + " cost must be positive"}
		}
	}
	if settings.AutoPurchasePackageID != nil && *settings.AutoPurchasePackageID != "" {
		if _, err := PackageByID(*settings.AutoPurchasePackageID); err != nil {
			return nil, err
		}
	}

	err := retry.Do(ctx, s.maxRetries, s.retryDelay, func() error {
		ledger, err := s.ledgerForSettings(ctx, workspaceID)
		if err != nil {
			return retry.Permanent(err)
		}

		var txn *Transaction
		if settings.MonthlyAllowance != nil && *settings.MonthlyAllowance != ledger.MonthlyAllowance {
			delta := *settings.MonthlyAllowance - ledger.MonthlyAllowance
			txn = &Transaction{
				WorkspaceID:  workspaceID,
				Type:         TxAdjustment,
				Amount:       delta,
				BalanceAfter: ledger.Available() + delta,
				Description:  "monthly allowance changed",
			}
		}

		err = s.store.UpdateSettings(ctx, workspaceID, settings, ledger.Version, txn)
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, ErrConflict
		}
		return nil, err
	}

	return s.store.GetLedger(ctx, workspaceID)
}

func (s *Service) ledgerForSettings(ctx context.Context, workspaceID string) (*Ledger, error) {
	ledger, _, err := s.ledgerFor(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ledger.Archived {
		return nil, ErrLedgerArchived
	}
	return ledger, nil
}

// Ledger exposes the current ledger snapshot.
func (s *Service) Ledger(ctx context.Context, workspaceID string) (*Ledger, error) {
	ledger, _, err := s.ledgerFor(ctx, workspaceID)
	return ledger, err
}

// Plan exposes the workspace's tier configuration.
func (s *Service) Plan(ctx context.Context, workspaceID string) (plan.Config, error) {
	return s.planFor(ctx, workspaceID)
}

// Transactions lists the audit trail, newest first.
func (s *Service) Transactions(ctx context.Context, workspaceID string, beforeSeq int64, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListTransactions(ctx, workspaceID, beforeSeq, limit)
}

// Archive marks a deleted workspace's ledger archived. History is kept.
func (s *Service) Archive(ctx context.Context, workspaceID string) error {
	return s.store.Archive(ctx, workspaceID)
}

// checkAutoPurchase emits a low-balance event when the remaining credits
// drop below the configured threshold. Payment capture is the billing
// collaborator's job; the ledger only signals.
func (s *Service) checkAutoPurchase(ctx context.Context, workspaceID string, remaining int) {
	ledger, err := s.store.GetLedger(ctx, workspaceID)
	if err != nil || ledger.AutoPurchaseThreshold <= 0 {
		return
	}
	if remaining >= ledger.AutoPurchaseThreshold {
		return
	}
	s.logger.Info("balance below auto-purchase threshold",
		"workspace", workspaceID,
		"remaining", remaining,
		"threshold", ledger.AutoPurchaseThreshold,
		"package", ledger.AutoPurchasePackageID,
	)
	s.publish(Event{Type: "low_balance", WorkspaceID: workspaceID, Remaining: remaining})
}

func (s *Service) publish(evt Event) {
	if s.sink != nil {
		s.sink.Publish(evt)
	}
}
