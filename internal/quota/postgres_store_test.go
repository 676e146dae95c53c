//go:build integration

package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireohq/creditmeter/internal/plan"
	"github.com/vireohq/creditmeter/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func testLedger(workspaceID string) *Ledger {
	now := time.Now().UTC()
	return &Ledger{
		WorkspaceID:      workspaceID,
		MonthlyAllowance: 50,
		PeriodStart:      now,
		ResetAt:          now.AddDate(0, 1, 0),
		BillingAnchor:    now,
	}
}

func TestPostgresQuota_CreateAndGetLedger(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	created, err := store.CreateLedger(ctx, testLedger("ws_pg1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, 50, created.MonthlyAllowance)

	// First writer wins on concurrent creation.
	again, err := store.CreateLedger(ctx, &Ledger{
		WorkspaceID:      "ws_pg1",
		MonthlyAllowance: 9999,
		PeriodStart:      created.PeriodStart,
		ResetAt:          created.ResetAt,
		BillingAnchor:    created.BillingAnchor,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, again.MonthlyAllowance)

	_, err = store.GetLedger(ctx, "ws_missing")
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func TestPostgresQuota_DebitVersionGuard(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	ledger, err := store.CreateLedger(ctx, testLedger("ws_pg2"))
	require.NoError(t, err)

	txn := &Transaction{
		WorkspaceID:    "ws_pg2",
		UserID:         "user_1",
		Type:           TxConsumption,
		Amount:         -5,
		Feature:        plan.FeatureContentGeneration,
		FundingSource:  FundingAllowance,
		IdempotencyKey: "pg-k1",
		BalanceAfter:   45,
	}
	require.NoError(t, store.Debit(ctx, "ws_pg2", 5, 0, ledger.Version, txn))
	assert.NotEmpty(t, txn.ID)
	assert.Equal(t, int64(1), txn.Sequence)

	// A stale version must lose.
	stale := &Transaction{
		WorkspaceID: "ws_pg2", Type: TxConsumption, Amount: -5,
		Feature: plan.FeatureContentGeneration, FundingSource: FundingAllowance,
		IdempotencyKey: "pg-k2", BalanceAfter: 40,
	}
	err = store.Debit(ctx, "ws_pg2", 5, 0, ledger.Version, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)

	updated, err := store.GetLedger(ctx, "ws_pg2")
	require.NoError(t, err)
	assert.Equal(t, 5, updated.AllowanceUsed)
	assert.Equal(t, int64(2), updated.Version)
}

func TestPostgresQuota_DebitIdempotencyKeyCollision(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	ledger, err := store.CreateLedger(ctx, testLedger("ws_pg3"))
	require.NoError(t, err)

	txn := &Transaction{
		WorkspaceID: "ws_pg3", UserID: "user_1", Type: TxConsumption, Amount: -5,
		Feature: plan.FeatureContentGeneration, FundingSource: FundingAllowance,
		IdempotencyKey: "pg-dup", BalanceAfter: 45,
	}
	require.NoError(t, store.Debit(ctx, "ws_pg3", 5, 0, ledger.Version, txn))

	ledger, err = store.GetLedger(ctx, "ws_pg3")
	require.NoError(t, err)

	dup := &Transaction{
		WorkspaceID: "ws_pg3", UserID: "user_1", Type: TxConsumption, Amount: -5,
		Feature: plan.FeatureContentGeneration, FundingSource: FundingAllowance,
		IdempotencyKey: "pg-dup", BalanceAfter: 40,
	}
	err = store.Debit(ctx, "ws_pg3", 5, 0, ledger.Version, dup)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	found, err := store.FindByIdempotencyKey(ctx, "ws_pg3", "pg-dup")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, txn.ID, found.ID)

	missing, err := store.FindByIdempotencyKey(ctx, "ws_pg3", "never-used")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresQuota_CreditAndReset(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	ledger, err := store.CreateLedger(ctx, testLedger("ws_pg4"))
	require.NoError(t, err)

	require.NoError(t, store.Credit(ctx, "ws_pg4", 100, &Transaction{
		WorkspaceID: "ws_pg4", Type: TxPurchase, Amount: 100,
		IdempotencyKey: "purchase:pi_pg", BalanceAfter: 150,
	}))

	// Use some allowance, then reset the period.
	ledger, err = store.GetLedger(ctx, "ws_pg4")
	require.NoError(t, err)
	require.NoError(t, store.Debit(ctx, "ws_pg4", 10, 0, ledger.Version, &Transaction{
		WorkspaceID: "ws_pg4", Type: TxConsumption, Amount: -10,
		Feature: plan.FeatureImageGeneration, FundingSource: FundingAllowance,
		IdempotencyKey: "pg-k1", BalanceAfter: 140,
	}))

	ledger, err = store.GetLedger(ctx, "ws_pg4")
	require.NoError(t, err)
	start := ledger.ResetAt
	end := start.AddDate(0, 1, 0)
	require.NoError(t, store.Reset(ctx, "ws_pg4", ledger.Version, start, end, &Transaction{
		WorkspaceID: "ws_pg4", Type: TxReset, Amount: 0, BalanceAfter: 150,
	}))

	after, err := store.GetLedger(ctx, "ws_pg4")
	require.NoError(t, err)
	assert.Equal(t, 0, after.AllowanceUsed)
	assert.Equal(t, 100, after.PurchasedBalance)
	assert.WithinDuration(t, end, after.ResetAt, time.Second)
}

func TestPostgresQuota_TransactionQueries(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	ledger, err := store.CreateLedger(ctx, testLedger("ws_pg5"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ledger, err = store.GetLedger(ctx, "ws_pg5")
		require.NoError(t, err)
		require.NoError(t, store.Debit(ctx, "ws_pg5", 5, 0, ledger.Version, &Transaction{
			WorkspaceID: "ws_pg5", UserID: "user_1", Type: TxConsumption, Amount: -5,
			Feature: plan.FeatureContentGeneration, FundingSource: FundingAllowance,
			BalanceAfter: 50 - (i+1)*5,
		}))
	}

	newestFirst, err := store.ListTransactions(ctx, "ws_pg5", 0, 10)
	require.NoError(t, err)
	require.Len(t, newestFirst, 3)
	assert.Equal(t, int64(3), newestFirst[0].Sequence)

	page, err := store.ListTransactions(ctx, "ws_pg5", 3, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].Sequence)

	asc, err := store.TransactionsSince(ctx, "ws_pg5", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, int64(1), asc[0].Sequence)

	used, err := store.UserConsumedSince(ctx, "ws_pg5", "user_1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 15, used)
}

func TestPostgresQuota_UpdateSettingsAndArchive(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	ledger, err := store.CreateLedger(ctx, testLedger("ws_pg6"))
	require.NoError(t, err)

	allowance := 200
	threshold := 20
	require.NoError(t, store.UpdateSettings(ctx, "ws_pg6", Settings{
		MonthlyAllowance:      &allowance,
		AutoPurchaseThreshold: &threshold,
		PerUserLimits:         map[string]int{"user_1": 50},
	}, ledger.Version, nil))

	updated, err := store.GetLedger(ctx, "ws_pg6")
	require.NoError(t, err)
	assert.Equal(t, 200, updated.MonthlyAllowance)
	assert.Equal(t, 20, updated.AutoPurchaseThreshold)
	assert.Equal(t, 50, updated.PerUserLimits["user_1"])

	require.NoError(t, store.Archive(ctx, "ws_pg6"))
	archived, err := store.GetLedger(ctx, "ws_pg6")
	require.NoError(t, err)
	assert.True(t, archived.Archived)

	err = store.Debit(ctx, "ws_pg6", 5, 0, archived.Version, &Transaction{
		WorkspaceID: "ws_pg6", Type: TxConsumption, Amount: -5,
		Feature: plan.FeatureContentGeneration, FundingSource: FundingAllowance,
		BalanceAfter: 195,
	})
	assert.ErrorIs(t, err, ErrLedgerArchived)

	due, err := store.DueForReset(ctx, time.Now().AddDate(0, 2, 0), 10)
	require.NoError(t, err)
	assert.NotContains(t, due, "ws_pg6") // archived ledgers never reset
}
