// Package ledger owns the nation_states table: the treasury, economy and
// governance figures the pipeline debits and the sweep applies effects to.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mandato/internal/domain"
)

// Ledger is the state-ledger interface consumed by the pipeline and the
// scheduler. Injected so tests can substitute it.
type Ledger interface {
	Snapshot(ctx context.Context, stateID string) (domain.StateSnapshot, error)
	GetStateByOwner(ctx context.Context, ownerID string) (domain.NationState, error)
	// DebitTreasuryTx atomically subtracts amount inside the caller's
	// transaction, so a debit and the status change or record claiming it
	// commit or roll back together. Returns ErrInsufficientFunds (and
	// applies no partial debit) when the balance would go negative.
	DebitTreasuryTx(ctx context.Context, tx *sql.Tx, stateID string, amount float64) error
	AdjustApproval(ctx context.Context, stateID string, delta float64) error
	AdjustMonthlyRevenue(ctx context.Context, stateID string, delta float64) error
}

var (
	ErrNotFound          = errors.New("nation state not found")
	ErrInsufficientFunds = errors.New("insufficient treasury funds")
)

// Store is the SQLite-backed Ledger.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

const stateColumns = `id,owner_id,name,treasury_balance,gdp,monthly_revenue,population,approval_rating,governance_stability,created_at,updated_at`

func (s Store) CreateState(ctx context.Context, n domain.NationState) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO nation_states(`+stateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.OwnerID, n.Name, n.TreasuryBalance, n.GDP, n.MonthlyRevenue, n.Population,
		n.ApprovalRating, n.GovernanceStability, n.CreatedAt, n.UpdatedAt)
	return err
}

func (s Store) GetState(ctx context.Context, stateID string) (domain.NationState, error) {
	return scanState(s.DB.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM nation_states WHERE id=?`, stateID))
}

func (s Store) GetStateByOwner(ctx context.Context, ownerID string) (domain.NationState, error) {
	return scanState(s.DB.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM nation_states WHERE owner_id=? ORDER BY created_at ASC LIMIT 1`, ownerID))
}

func (s Store) Snapshot(ctx context.Context, stateID string) (domain.StateSnapshot, error) {
	n, err := s.GetState(ctx, stateID)
	if err != nil {
		return domain.StateSnapshot{}, err
	}
	return n.Snapshot(), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s Store) DebitTreasury(ctx context.Context, stateID string, amount float64) error {
	return s.debit(ctx, s.DB, stateID, amount)
}

func (s Store) DebitTreasuryTx(ctx context.Context, tx *sql.Tx, stateID string, amount float64) error {
	return s.debit(ctx, tx, stateID, amount)
}

func (s Store) debit(ctx context.Context, e execer, stateID string, amount float64) error {
	now := s.now().UTC().Format(time.RFC3339)
	res, err := e.ExecContext(ctx,
		`UPDATE nation_states SET treasury_balance=treasury_balance-?, updated_at=? WHERE id=? AND treasury_balance>=?`,
		amount, now, stateID, amount)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetState(ctx, stateID); err != nil {
			return err
		}
		return ErrInsufficientFunds
	}
	return nil
}

func (s Store) AdjustApproval(ctx context.Context, stateID string, delta float64) error {
	now := s.now().UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx,
		`UPDATE nation_states SET approval_rating=MAX(0, MIN(100, approval_rating+?)), updated_at=? WHERE id=?`,
		delta, now, stateID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) AdjustMonthlyRevenue(ctx context.Context, stateID string, delta float64) error {
	now := s.now().UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx,
		`UPDATE nation_states SET monthly_revenue=MAX(0, monthly_revenue+?), updated_at=? WHERE id=?`,
		delta, now, stateID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanState(row *sql.Row) (domain.NationState, error) {
	var n domain.NationState
	err := row.Scan(&n.ID, &n.OwnerID, &n.Name, &n.TreasuryBalance, &n.GDP, &n.MonthlyRevenue,
		&n.Population, &n.ApprovalRating, &n.GovernanceStability, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	return n, err
}
