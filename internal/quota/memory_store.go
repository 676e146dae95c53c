package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vireohq/creditmeter/internal/idgen"
	"github.com/vireohq/creditmeter/internal/plan"
	"github.com/vireohq/creditmeter/internal/syncutil"
)

// MemoryStore is an in-memory Store for development mode and tests.
// It enforces the same version-conditional semantics as the Postgres
// store so the consumption engine behaves identically against both.
//
// State is partitioned per workspace and guarded by a sharded per-key
// mutex, so tenants contend only when they hash to the same shard.
type MemoryStore struct {
	locks      syncutil.KeyMutex
	workspaces sync.Map // workspaceID -> *workspaceRecord
}

// workspaceRecord holds everything the store keeps for one workspace.
// Access only while holding the workspace's key lock.
type workspaceRecord struct {
	ledger    *Ledger
	txns      []*Transaction // ascending by sequence
	byIdemKey map[string]*Transaction
	sequence  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func copyLedger(l *Ledger) *Ledger {
	cp := *l
	if l.PerUserLimits != nil {
		cp.PerUserLimits = make(map[string]int, len(l.PerUserLimits))
		for k, v := range l.PerUserLimits {
			cp.PerUserLimits[k] = v
		}
	}
	if l.FeatureCosts != nil {
		cp.FeatureCosts = make(map[plan.Feature]int, len(l.FeatureCosts))
		for k, v := range l.FeatureCosts {
			cp.FeatureCosts[k] = v
		}
	}
	return &cp
}

// record returns the workspace's record, or nil if it was never created.
// Caller holds the key lock.
func (m *MemoryStore) record(workspaceID string) *workspaceRecord {
	v, ok := m.workspaces.Load(workspaceID)
	if !ok {
		return nil
	}
	return v.(*workspaceRecord)
}

func (m *MemoryStore) GetLedger(ctx context.Context, workspaceID string) (*Ledger, error) {
	unlock := m.locks.Lock(workspaceID)
	defer unlock()

	rec := m.record(workspaceID)
	if rec == nil {
		return nil, ErrWorkspaceNotFound
	}
	return copyLedger(rec.ledger), nil
}

func (m *MemoryStore) CreateLedger(ctx context.Context, l *Ledger) (*Ledger, error) {
	unlock := m.locks.Lock(l.WorkspaceID)
	defer unlock()

	if rec := m.record(l.WorkspaceID); rec != nil {
		return copyLedger(rec.ledger), nil
	}

	cp := copyLedger(l)
	now := time.Now()
	cp.Version = 1
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.workspaces.Store(l.WorkspaceID, &workspaceRecord{
		ledger:    cp,
		byIdemKey: make(map[string]*Transaction),
	})
	return copyLedger(cp), nil
}

// append assigns ID, sequence, and timestamp, then appends. Caller holds
// the key lock.
func (rec *workspaceRecord) append(txn *Transaction) {
	rec.sequence++
	txn.ID = idgen.WithPrefix("txn_")
	txn.Sequence = rec.sequence
	txn.CreatedAt = time.Now()
	rec.txns = append(rec.txns, txn)
	if txn.IdempotencyKey != "" {
		rec.byIdemKey[txn.IdempotencyKey] = txn
	}
}

func (m *MemoryStore) Debit(ctx context.Context, workspaceID string, fromAllowance, fromPurchase int, version int64, txn *Transaction) error {
	unlock := m.locks.Lock(workspaceID)
	defer unlock()

	rec := m.record(workspaceID)
	if rec == nil {
		return ErrWorkspaceNotFound
	}
	l := rec.ledger
	if l.Archived {
		return ErrLedgerArchived
	}
	if txn.IdempotencyKey != "" {
		if _, used := rec.byIdemKey[txn.IdempotencyKey]; used {
			return ErrDuplicateIdempotencyKey
		}
	}
	if l.Version != version {
		return ErrVersionConflict
	}
	// With the version matched these can only fail if the caller
	// computed a bad split; treat them the same as a lost race.
	if l.AllowanceUsed+fromAllowance > l.MonthlyAllowance || l.PurchasedBalance < fromPurchase {
		return ErrVersionConflict
	}

	l.AllowanceUsed += fromAllowance
	l.PurchasedBalance -= fromPurchase
	l.Version++
	l.UpdatedAt = time.Now()

	rec.append(txn)
	return nil
}

func (m *MemoryStore) Credit(ctx context.Context, workspaceID string, credits int, txn *Transaction) error {
	unlock := m.locks.Lock(workspaceID)
	defer unlock()

	rec := m.record(workspaceID)
	if rec == nil {
		return ErrWorkspaceNotFound
	}
	l := rec.ledger
	if l.Archived {
		return ErrLedgerArchived
	}
	if txn.IdempotencyKey != "" {
		if _, used := rec.byIdemKey[txn.IdempotencyKey]; used {
			return ErrDuplicateIdempotencyKey
		}
	}

	l.PurchasedBalance += credits
	l.Version++
	l.UpdatedAt = time.Now()

	rec.append(txn)
	return nil
}

func (m *MemoryStore) Reset(ctx context.Context, workspaceID string, version int64, periodStart, resetAt time.Time, txn *Transaction) error {
	unlock := m.locks.Lock(workspaceID)
	defer unlock()

	rec := m.record(workspaceID)
	if rec == nil {
		return ErrWorkspaceNotFound
	}
	l := rec.ledger
	if l.Version != version {
		return ErrVersionConflict
	}

	l.AllowanceUsed = 0
	l.PeriodStart = periodStart
	l.ResetAt = resetAt
	l.Version++
	l.UpdatedAt = time.Now()

	rec.append(txn)
	return nil
}

func (m *MemoryStore) UpdateSettings(ctx context.Context, workspaceID string, s Settings, version int64, txn *Transaction) error {
	unlock := m.locks.Lock(workspaceID)
	defer unlock()

	rec := m.record(workspaceID)
	if rec == nil {
		return ErrWorkspaceNotFound
	}
	l := rec.ledger
	if l.Version != version {
		return ErrVersionConflict
	}

	if s.MonthlyAllowance != nil {
		l.MonthlyAllowance = *s.MonthlyAllowance
		if l.AllowanceUsed > l.MonthlyAllowance {
			l.AllowanceUsed = l.MonthlyAllowance
		}
	}
	if s.AutoPurchaseThreshold != nil {
		l.AutoPurchaseThreshold = *s.AutoPurchaseThreshold
	}
	if s.AutoPurchasePackageID != nil {
		l.AutoPurchasePackageID = *s.AutoPurchasePackageID
	}
	if s.PerUserLimits != nil {
		l.PerUserLimits = make(map[string]int, len(s.PerUserLimits))
		for k, v := range s.PerUserLimits {
			l.PerUserLimits[k] = v
		}
	}
	if s.FeatureCosts != nil {
		l.FeatureCosts = make(map[plan.Feature]int, len(s.FeatureCosts))
		for k, v := range s.FeatureCosts {
			l.FeatureCosts[k] = v
		}
	}
	l.Version++
	l.UpdatedAt = time.Now()

	if txn != nil {
		rec.append(txn)
	}
	return nil
}

func (m *MemoryStore) Archive(ctx context.Context, workspaceID string) error {
	unlock := m.locks.Lock(workspaceID)
	defer unlock()

	rec := m.record(workspaceID)
	if rec == nil {
		return ErrWorkspaceNotFound
	}
	rec.ledger.Archived = true
	rec.ledger.Version++
	rec.ledger.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) FindByIdempotencyKey(ctx context.Context, workspaceID, key string) (*Transaction, error) {
	unlock := m.locks.Lock(workspaceID)
	defer unlock()

	rec := m.record(workspaceID)
	if rec == nil {
		return nil, nil
	}
	txn, ok := rec.byIdemKey[key]
	if !ok {
		return nil, nil
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, workspaceID string, beforeSeq int64, limit int) ([]*Transaction, error) {
	unlock := m.locks.Lock(workspaceID)
	defer unlock()

	rec := m.record(workspaceID)
	if rec == nil {
		return nil, nil
	}
	var out []*Transaction
	for i := len(rec.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeSeq > 0 && rec.txns[i].Sequence >= beforeSeq {
			continue
		}
		cp := *rec.txns[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) TransactionsSince(ctx context.Context, workspaceID string, since time.Time) ([]*Transaction, error) {
	unlock := m.locks.Lock(workspaceID)
	defer unlock()

	rec := m.record(workspaceID)
	if rec == nil {
		return nil, nil
	}
	var out []*Transaction
	for _, txn := range rec.txns {
		if txn.CreatedAt.Before(since) {
			continue
		}
		cp := *txn
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *MemoryStore) UserConsumedSince(ctx context.Context, workspaceID, userID string, since time.Time) (int, error) {
	unlock := m.locks.Lock(workspaceID)
	defer unlock()

	rec := m.record(workspaceID)
	if rec == nil {
		return 0, nil
	}
	total := 0
	for _, txn := range rec.txns {
		if txn.Type != TxConsumption || txn.UserID != userID || txn.CreatedAt.Before(since) {
			continue
		}
		total += -txn.Amount
	}
	return total, nil
}

func (m *MemoryStore) DueForReset(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var due []string
	m.workspaces.Range(func(key, value any) bool {
		id := key.(string)
		unlock := m.locks.Lock(id)
		l := value.(*workspaceRecord).ledger
		if !l.Archived && !l.ResetAt.After(now) {
			due = append(due, id)
		}
		unlock()
		return len(due) < limit
	})
	sort.Strings(due)
	return due, nil
}

// setTransactionTime backdates a stored transaction. Test hook for
// exercising time-bucketed rollups.
func (m *MemoryStore) setTransactionTime(txnID string, at time.Time) {
	m.workspaces.Range(func(key, value any) bool {
		unlock := m.locks.Lock(key.(string))
		defer unlock()
		for _, txn := range value.(*workspaceRecord).txns {
			if txn.ID == txnID {
				txn.CreatedAt = at
				return false
			}
		}
		return true
	})
}
