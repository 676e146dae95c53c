package quota

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vireohq/creditmeter/internal/idgen"
	"github.com/vireohq/creditmeter/internal/plan"
)

// PostgresStore implements Store with PostgreSQL.
//
// Overdraft safety is layered: conditional UPDATEs guarded by the ledger
// version do the real work, and CHECK constraints on the balance columns
// are the storage-level backstop.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed quota store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ledgerColumns = `
	workspace_id, purchased_balance, monthly_allowance, allowance_used,
	period_start, reset_at, billing_anchor,
	auto_purchase_threshold, COALESCE(auto_purchase_package_id, ''),
	per_user_limits, feature_costs, archived, version, created_at, updated_at`

func scanLedger(row interface{ Scan(...any) error }) (*Ledger, error) {
	l := &Ledger{}
	var userLimits, featureCosts []byte
	err := row.Scan(
		&l.WorkspaceID, &l.PurchasedBalance, &l.MonthlyAllowance, &l.AllowanceUsed,
		&l.PeriodStart, &l.ResetAt, &l.BillingAnchor,
		&l.AutoPurchaseThreshold, &l.AutoPurchasePackageID,
		&userLimits, &featureCosts, &l.Archived, &l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(userLimits) > 0 {
		if err := json.Unmarshal(userLimits, &l.PerUserLimits); err != nil {
			return nil, fmt.Errorf("decode per_user_limits: %w", err)
		}
	}
	if len(featureCosts) > 0 {
		if err := json.Unmarshal(featureCosts, &l.FeatureCosts); err != nil {
			return nil, fmt.Errorf("decode feature_costs: %w", err)
		}
	}
	return l, nil
}

func (p *PostgresStore) GetLedger(ctx context.Context, workspaceID string) (*Ledger, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM quota_ledgers WHERE workspace_id = $1
	`, workspaceID)

	l, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *PostgresStore) CreateLedger(ctx context.Context, l *Ledger) (*Ledger, error) {
	userLimits, err := json.Marshal(orEmptyLimits(l.PerUserLimits))
	if err != nil {
		return nil, err
	}
	featureCosts, err := json.Marshal(orEmptyCosts(l.FeatureCosts))
	if err != nil {
		return nil, err
	}

	// First writer wins; concurrent creators all read back the same row.
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO quota_ledgers (
			workspace_id, purchased_balance, monthly_allowance, allowance_used,
			period_start, reset_at, billing_anchor,
			auto_purchase_threshold, auto_purchase_package_id,
			per_user_limits, feature_costs, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, 1, NOW(), NOW())
		ON CONFLICT (workspace_id) DO NOTHING
	`, l.WorkspaceID, l.PurchasedBalance, l.MonthlyAllowance, l.AllowanceUsed,
		l.PeriodStart, l.ResetAt, l.BillingAnchor,
		l.AutoPurchaseThreshold, l.AutoPurchasePackageID,
		userLimits, featureCosts)
	if err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}

	return p.GetLedger(ctx, l.WorkspaceID)
}

// appendTx inserts a transaction inside tx, assigning ID and the next
// per-workspace sequence number.
func appendTx(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	txn.ID = idgen.WithPrefix("txn_")
	err := tx.QueryRowContext(ctx, `
		INSERT INTO quota_transactions (
			id, workspace_id, user_id, type, amount, feature, funding_source,
			idempotency_key, balance_after, sequence_number, description, created_at
		) VALUES (
			$1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''),
			NULLIF($8, ''), $9,
			(SELECT COALESCE(MAX(sequence_number), 0) + 1
			 FROM quota_transactions WHERE workspace_id = $2),
			NULLIF($10, ''), NOW()
		)
		RETURNING sequence_number, created_at
	`, txn.ID, txn.WorkspaceID, txn.UserID, txn.Type, txn.Amount,
		string(txn.Feature), string(txn.FundingSource), txn.IdempotencyKey,
		txn.BalanceAfter, txn.Description).Scan(&txn.Sequence, &txn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "idx_quota_tx_idem") {
			return ErrDuplicateIdempotencyKey
		}
		if isUniqueViolation(err, "") {
			// Sequence collision with a concurrent append in another
			// transaction; surface as a retryable conflict.
			return ErrVersionConflict
		}
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

func (p *PostgresStore) Debit(ctx context.Context, workspaceID string, fromAllowance, fromPurchase int, version int64, txn *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE quota_ledgers SET
			allowance_used    = allowance_used + $2,
			purchased_balance = purchased_balance - $3,
			version           = version + 1,
			updated_at        = NOW()
		WHERE workspace_id = $1 AND version = $4 AND NOT archived
	`, workspaceID, fromAllowance, fromPurchase, version)
	if err != nil {
		// CHECK violation: the split no longer fits this ledger state.
		if isCheckViolation(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("debit ledger: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return p.classifyMiss(ctx, tx, workspaceID)
	}

	if err := appendTx(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit()
}

// classifyMiss decides why a conditional update matched no rows.
func (p *PostgresStore) classifyMiss(ctx context.Context, tx *sql.Tx, workspaceID string) error {
	var archived bool
	err := tx.QueryRowContext(ctx,
		`SELECT archived FROM quota_ledgers WHERE workspace_id = $1`, workspaceID,
	).Scan(&archived)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrWorkspaceNotFound
	}
	if err != nil {
		return err
	}
	if archived {
		return ErrLedgerArchived
	}
	return ErrVersionConflict
}

func (p *PostgresStore) Credit(ctx context.Context, workspaceID string, credits int, txn *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE quota_ledgers SET
			purchased_balance = purchased_balance + $2,
			version           = version + 1,
			updated_at        = NOW()
		WHERE workspace_id = $1 AND NOT archived
	`, workspaceID, credits)
	if err != nil {
		return fmt.Errorf("credit ledger: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return p.classifyMiss(ctx, tx, workspaceID)
	}

	if err := appendTx(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Reset(ctx context.Context, workspaceID string, version int64, periodStart, resetAt time.Time, txn *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE quota_ledgers SET
			allowance_used = 0,
			period_start   = $2,
			reset_at       = $3,
			version        = version + 1,
			updated_at     = NOW()
		WHERE workspace_id = $1 AND version = $4
	`, workspaceID, periodStart, resetAt, version)
	if err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return p.classifyMiss(ctx, tx, workspaceID)
	}

	if err := appendTx(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) UpdateSettings(ctx context.Context, workspaceID string, s Settings, version int64, txn *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var userLimits, featureCosts []byte
	if s.PerUserLimits != nil {
		if userLimits, err = json.Marshal(s.PerUserLimits); err != nil {
			return err
		}
	}
	if s.FeatureCosts != nil {
		if featureCosts, err = json.Marshal(s.FeatureCosts); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE quota_ledgers SET
			monthly_allowance        = COALESCE($2, monthly_allowance),
			allowance_used           = LEAST(allowance_used, COALESCE($2, monthly_allowance)),
			auto_purchase_threshold  = COALESCE($3, auto_purchase_threshold),
			auto_purchase_package_id = CASE WHEN $4::TEXT IS NULL THEN auto_purchase_package_id ELSE NULLIF($4, '') END,
			per_user_limits          = COALESCE($5, per_user_limits),
			feature_costs            = COALESCE($6, feature_costs),
			version                  = version + 1,
			updated_at               = NOW()
		WHERE workspace_id = $1 AND version = $7
	`, workspaceID, s.MonthlyAllowance, s.AutoPurchaseThreshold, s.AutoPurchasePackageID,
		nullableJSON(userLimits), nullableJSON(featureCosts), version)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return p.classifyMiss(ctx, tx, workspaceID)
	}

	if txn != nil {
		if err := appendTx(ctx, tx, txn); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func (p *PostgresStore) Archive(ctx context.Context, workspaceID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE quota_ledgers SET
			archived   = TRUE,
			version    = version + 1,
			updated_at = NOW()
		WHERE workspace_id = $1
	`, workspaceID)
	if err != nil {
		return fmt.Errorf("archive ledger: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWorkspaceNotFound
	}
	return nil
}

const txColumns = `
	id, workspace_id, COALESCE(user_id, ''), type, amount,
	COALESCE(feature, ''), COALESCE(funding_source, ''),
	COALESCE(idempotency_key, ''), balance_after, sequence_number, COALESCE(description, ''), created_at`

func scanTransaction(row interface{ Scan(...any) error }) (*Transaction, error) {
	t := &Transaction{}
	var feature, funding string
	err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.UserID, &t.Type, &t.Amount,
		&feature, &funding, &t.IdempotencyKey, &t.BalanceAfter, &t.Sequence, &t.Description, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Feature = plan.Feature(feature)
	t.FundingSource = FundingSource(funding)
	return t, nil
}

func (p *PostgresStore) FindByIdempotencyKey(ctx context.Context, workspaceID, key string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM quota_transactions
		WHERE workspace_id = $1 AND idempotency_key = $2
	`, workspaceID, key)

	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, workspaceID string, beforeSeq int64, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM quota_transactions
		WHERE workspace_id = $1 AND ($2 <= 0 OR sequence_number < $2)
		ORDER BY sequence_number DESC
		LIMIT $3
	`, workspaceID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (p *PostgresStore) TransactionsSince(ctx context.Context, workspaceID string, since time.Time) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM quota_transactions
		WHERE workspace_id = $1 AND created_at >= $2
		ORDER BY sequence_number ASC
	`, workspaceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UserConsumedSince(ctx context.Context, workspaceID, userID string, since time.Time) (int, error) {
	var total int
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-amount), 0)
		FROM quota_transactions
		WHERE workspace_id = $1 AND user_id = $2 AND type = 'consumption' AND created_at >= $3
	`, workspaceID, userID, since).Scan(&total)
	return total, err
}

func (p *PostgresStore) DueForReset(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT workspace_id
		FROM quota_ledgers
		WHERE reset_at <= $1 AND NOT archived
		ORDER BY reset_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		due = append(due, id)
	}
	return due, rows.Err()
}

func orEmptyLimits(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func orEmptyCosts(m map[plan.Feature]int) map[plan.Feature]int {
	if m == nil {
		return map[plan.Feature]int{}
	}
	return m
}
