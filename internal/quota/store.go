package quota

import (
	"context"
	"time"
)

// Store persists ledgers and the append-only transaction log.
//
// Every mutating call applies the balance change and appends its
// transaction atomically: either both happen or neither does. Debit,
// Reset, and UpdateSettings are conditional on the caller's ledger
// version and return ErrVersionConflict when the version has moved,
// so a read-compute-write sequence can never overdraw the balance.
type Store interface {
	// GetLedger returns a workspace's ledger or ErrWorkspaceNotFound.
	GetLedger(ctx context.Context, workspaceID string) (*Ledger, error)

	// CreateLedger inserts a new ledger. If one already exists the
	// existing ledger is returned (first writer wins).
	CreateLedger(ctx context.Context, l *Ledger) (*Ledger, error)

	// Debit applies a consumption split atomically, conditional on
	// version. txn must carry the consumption transaction; its ID,
	// sequence, and timestamp are assigned by the store.
	// Returns ErrVersionConflict on a lost race and
	// ErrDuplicateIdempotencyKey when txn's key was already used.
	Debit(ctx context.Context, workspaceID string, fromAllowance, fromPurchase int, version int64, txn *Transaction) error

	// Credit adds purchased credits and appends the purchase transaction.
	Credit(ctx context.Context, workspaceID string, credits int, txn *Transaction) error

	// Reset zeroes allowance usage, advances the period boundaries, and
	// appends the reset transaction, conditional on version.
	Reset(ctx context.Context, workspaceID string, version int64, periodStart, resetAt time.Time, txn *Transaction) error

	// UpdateSettings applies a partial settings update conditional on
	// version. When txn is non-nil (allowance changed) it is appended
	// in the same operation.
	UpdateSettings(ctx context.Context, workspaceID string, s Settings, version int64, txn *Transaction) error

	// Archive marks the ledger archived. Archived ledgers reject
	// debits and credits but keep their transaction history.
	Archive(ctx context.Context, workspaceID string) error

	// FindByIdempotencyKey returns the transaction recorded under key,
	// or (nil, nil) when the key is unused.
	FindByIdempotencyKey(ctx context.Context, workspaceID, key string) (*Transaction, error)

	// ListTransactions returns up to limit transactions in descending
	// sequence order, starting below beforeSeq (0 = from the newest).
	ListTransactions(ctx context.Context, workspaceID string, beforeSeq int64, limit int) ([]*Transaction, error)

	// TransactionsSince returns all transactions created at or after
	// since, ascending by sequence.
	TransactionsSince(ctx context.Context, workspaceID string, since time.Time) ([]*Transaction, error)

	// UserConsumedSince sums the credits consumed by one user at or
	// after since. The result is never negative.
	UserConsumedSince(ctx context.Context, workspaceID, userID string, since time.Time) (int, error)

	// DueForReset lists up to limit workspace IDs whose reset_at has
	// passed, excluding archived ledgers.
	DueForReset(ctx context.Context, now time.Time, limit int) ([]string, error)
}
