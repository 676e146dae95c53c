package workspace

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vireohq/creditmeter/internal/plan"
)

// PostgresStore persists workspaces in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed workspace store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, w *Workspace) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, tier, stripe_customer_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		w.ID, w.Name, string(w.Tier), w.StripeCustomerID, string(w.Status),
		w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Workspace, error) {
	return p.scanWorkspace(p.db.QueryRowContext(ctx, `
		SELECT id, name, tier, stripe_customer_id, status, created_at, updated_at
		FROM workspaces WHERE id = $1`, id))
}

func (p *PostgresStore) GetByStripeCustomer(ctx context.Context, customerID string) (*Workspace, error) {
	return p.scanWorkspace(p.db.QueryRowContext(ctx, `
		SELECT id, name, tier, stripe_customer_id, status, created_at, updated_at
		FROM workspaces WHERE stripe_customer_id = $1`, customerID))
}

func (p *PostgresStore) Update(ctx context.Context, w *Workspace) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE workspaces SET name = $1, tier = $2, stripe_customer_id = NULLIF($3, ''),
			status = $4, updated_at = $5
		WHERE id = $6`,
		w.Name, string(w.Tier), w.StripeCustomerID, string(w.Status),
		w.UpdatedAt, w.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Workspace, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, tier, stripe_customer_id, status, created_at, updated_at
		FROM workspaces ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Workspace
	for rows.Next() {
		w, err := p.scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) scanWorkspace(row interface{ Scan(...any) error }) (*Workspace, error) {
	w := &Workspace{}
	var (
		tier, status string
		stripeID     sql.NullString
	)
	err := row.Scan(&w.ID, &w.Name, &tier, &stripeID, &status, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Tier = plan.Tier(tier)
	w.Status = Status(status)
	if stripeID.Valid {
		w.StripeCustomerID = stripeID.String
	}
	return w, nil
}

var _ Store = (*PostgresStore)(nil)
