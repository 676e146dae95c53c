// Package quota tracks the hybrid credit balance of each workspace.
//
// Flow:
//  1. A workspace's ledger is created lazily with plan defaults on first touch
//  2. Metered features consume credits (allowance first, purchased pool second)
//  3. Purchases top up the purchased pool after payment succeeds upstream
//  4. The reset scheduler zeroes allowance usage each billing period
//
// Every mutation appends exactly one transaction to the append-only log,
// which is the sole input for analytics and audit.
package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/vireohq/creditmeter/internal/plan"
	"github.com/vireohq/creditmeter/internal/ratelimit"
)

var (
	ErrWorkspaceNotFound = errors.New("quota: workspace not found")
	ErrPackageNotFound   = errors.New("quota: package not found")
	ErrLedgerArchived    = errors.New("quota: ledger archived")

	// ErrConflict means concurrent-update retries were exhausted. The call
	// left no trace in the ledger and may be retried by the caller.
	ErrConflict = errors.New("quota: concurrent update conflict")

	// ErrVersionConflict is returned by stores when a conditional update
	// lost a race. The engine retries; it never reaches callers.
	ErrVersionConflict = errors.New("quota: ledger version changed")

	// ErrDuplicateIdempotencyKey is returned by stores when an append hits
	// an existing idempotency key. The engine resolves it to the prior
	// result; it never reaches callers.
	ErrDuplicateIdempotencyKey = errors.New("quota: idempotency key already used")
)

// RateLimitedError reports a throttled admission.
type RateLimitedError struct {
	RetryAfter  time.Duration
	Granularity ratelimit.Granularity
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("quota: rate limited (%s window), retry after %s", e.Granularity, e.RetryAfter)
}

// InsufficientCreditsError reports that the combined allowance and
// purchased pool cannot cover the requested cost.
type InsufficientCreditsError struct {
	Available int
	Required  int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("quota: insufficient credits (available %d, required %d)", e.Available, e.Required)
}

// UserLimitExceededError reports that a per-user cap would be exceeded.
type UserLimitExceededError struct {
	UserID    string
	Limit     int
	Used      int
	Requested int
}

func (e *UserLimitExceededError) Error() string {
	return fmt.Sprintf("quota: user %s limit exceeded (limit %d, used %d, requested %d)",
		e.UserID, e.Limit, e.Used, e.Requested)
}

// ValidationError reports a malformed or unknown request value.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("quota: invalid %s: %s", e.Field, e.Msg)
}

// TxType classifies a ledger transaction.
type TxType string

const (
	TxPurchase    TxType = "purchase"
	TxConsumption TxType = "consumption"
	TxReset       TxType = "reset"
	TxAdjustment  TxType = "adjustment"
)

// FundingSource records which pool paid for a consumption.
type FundingSource string

const (
	FundingAllowance FundingSource = "allowance"
	FundingPurchase  FundingSource = "purchase"
	FundingMixed     FundingSource = "mixed"
)

// Ledger is the durable per-workspace balance record.
type Ledger struct {
	WorkspaceID      string    `json:"workspaceId"`
	PurchasedBalance int       `json:"purchasedBalance"`
	MonthlyAllowance int       `json:"monthlyAllowance"`
	AllowanceUsed    int       `json:"allowanceUsed"`
	PeriodStart      time.Time `json:"periodStart"`
	ResetAt          time.Time `json:"resetAt"`
	// BillingAnchor fixes the day-of-month the period advances on,
	// independent of when resets actually run.
	BillingAnchor         time.Time            `json:"billingAnchor"`
	AutoPurchaseThreshold int                  `json:"autoPurchaseThreshold"` // 0 = disabled
	AutoPurchasePackageID string               `json:"autoPurchasePackageId,omitempty"`
	PerUserLimits         map[string]int       `json:"perUserLimits,omitempty"`
	FeatureCosts          map[plan.Feature]int `json:"featureCosts,omitempty"` // workspace overrides
	Archived              bool                 `json:"archived"`
	Version               int64                `json:"version"`
	CreatedAt             time.Time            `json:"createdAt"`
	UpdatedAt             time.Time            `json:"updatedAt"`
}

// AllowanceRemaining returns the unconsumed part of the monthly allowance.
func (l *Ledger) AllowanceRemaining() int {
	if rem := l.MonthlyAllowance - l.AllowanceUsed; rem > 0 {
		return rem
	}
	return 0
}

// Available returns the total spendable credits.
func (l *Ledger) Available() int {
	return l.AllowanceRemaining() + l.PurchasedBalance
}

// Transaction is one append-only ledger log entry.
type Transaction struct {
	ID             string        `json:"id"`
	WorkspaceID    string        `json:"workspaceId"`
	UserID         string        `json:"userId,omitempty"`
	Type           TxType        `json:"type"`
	Amount         int           `json:"amount"` // signed; negative for consumption
	Feature        plan.Feature  `json:"feature,omitempty"`
	FundingSource  FundingSource `json:"fundingSource,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	// BalanceAfter is the total available credits after this entry
	// applied. Lets an idempotent replay return the original result.
	BalanceAfter int       `json:"balanceAfter"`
	Sequence     int64     `json:"sequence"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ConsumeResult is returned on a successful (or replayed) consumption.
type ConsumeResult struct {
	TransactionID string        `json:"transactionId"`
	Consumed      int           `json:"consumed"`
	FundingSource FundingSource `json:"fundingSource"`
	Remaining     int           `json:"remaining"`
	// AlreadyApplied is true when the idempotency key matched a prior
	// successful consumption and no new charge was made.
	AlreadyApplied bool `json:"alreadyApplied"`

	// txn is the appended log entry. Nil on replay; carried so the
	// consumption event can include the transaction it reports.
	txn *Transaction
}

// Settings carries a partial settings update; nil fields are unchanged.
type Settings struct {
	MonthlyAllowance      *int                 `json:"monthlyAllowance,omitempty"`
	AutoPurchaseThreshold *int                 `json:"autoPurchaseThreshold,omitempty"`
	AutoPurchasePackageID *string              `json:"autoPurchasePackageId,omitempty"`
	PerUserLimits         map[string]int       `json:"perUserLimits,omitempty"`
	FeatureCosts          map[plan.Feature]int `json:"featureCosts,omitempty"`
}

// addMonthsClamped adds months to t preserving the day-of-month where the
// target month allows it, clamping otherwise (Jan 31 + 1mo = Feb 28/29).
// time.AddDate is unsuitable here: it normalises overflow into the next
// month, which would drift the billing day.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	firstOfTarget := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysInMonth(firstOfTarget); d > last {
		d = last
	}
	hh, mm, ss := t.Clock()
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

// currentPeriod returns the billing period [start, end) containing now,
// computed by striding whole months from the anchor. Striding from the
// anchor rather than the previous reset_at keeps the boundary free of
// wall-clock drift no matter how late a sweep runs.
func currentPeriod(anchor, now time.Time) (start, end time.Time) {
	if !now.After(anchor) {
		return anchor, addMonthsClamped(anchor, 1)
	}
	months := (now.Year()-anchor.Year())*12 + int(now.Month()-anchor.Month())
	start = addMonthsClamped(anchor, months)
	if start.After(now) {
		months--
		start = addMonthsClamped(anchor, months)
	}
	end = addMonthsClamped(anchor, months+1)
	if !end.After(now) {
		start = end
		end = addMonthsClamped(anchor, months+2)
	}
	return start, end
}
