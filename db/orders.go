package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/RaghavSood/dcabot/errs"
)

const (
	StatusActive    = "active"
	StatusExecuted  = "executed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
	StatusExpired   = "expired"

	ConditionAbove = "above"
	ConditionBelow = "below"
)

// MaxActiveOrdersPerOwner caps how many active orders one owner may hold.
const MaxActiveOrdersPerOwner = 10

// DefaultMaxRetries bounds failed execution attempts before an order turns
// terminal.
const DefaultMaxRetries = 3

// ErrStaleOrder is returned when a mutation loses the optimistic lock on
// updated_at; the caller re-reads and retries or drops the work.
var ErrStaleOrder = errors.New("order was modified concurrently")

// Order mirrors one row of the orders table. FromAmount is the smallest-unit
// integer as a decimal string; it is never renormalized after creation.
type Order struct {
	ID                string
	OwnerKey          string
	FromSymbol        string
	ToSymbol          string
	FromAmount        string
	TriggerPrice      decimal.Decimal
	TriggerCondition  string
	MaxSlippageBps    int64
	Primed            bool
	Status            string
	RetryCount        int
	MaxRetries        int
	LastFailureReason string
	ExpiresAt         *time.Time
	ExecutedAt        *time.Time
	ExecutionTxHash   string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Terminal reports whether the order can no longer change state.
func (o *Order) Terminal() bool {
	return o.Status != StatusActive
}

const orderColumns = `id, owner_key, from_symbol, to_symbol, from_amount,
	trigger_price, trigger_condition, max_slippage_bps, primed, status,
	retry_count, max_retries, last_failure_reason, expires_at, executed_at,
	execution_tx_hash, created_at, updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*Order, error) {
	var o Order
	var triggerPrice string
	var failureReason, txHash sql.NullString
	var expiresAt, executedAt sql.NullTime

	err := row.Scan(&o.ID, &o.OwnerKey, &o.FromSymbol, &o.ToSymbol, &o.FromAmount,
		&triggerPrice, &o.TriggerCondition, &o.MaxSlippageBps, &o.Primed, &o.Status,
		&o.RetryCount, &o.MaxRetries, &failureReason, &expiresAt, &executedAt,
		&txHash, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.TriggerPrice, err = decimal.NewFromString(triggerPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing trigger price %q: %w", triggerPrice, err)
	}
	o.LastFailureReason = failureReason.String
	o.ExecutionTxHash = txHash.String
	if expiresAt.Valid {
		t := expiresAt.Time
		o.ExpiresAt = &t
	}
	if executedAt.Valid {
		t := executedAt.Time
		o.ExecutedAt = &t
	}
	return &o, nil
}

// CreateOrder persists a new active order, assigning its id and timestamps.
// The per-owner active cap is enforced inside one transaction.
func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning create: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE owner_key = ? AND status = ?`,
		o.OwnerKey, StatusActive).Scan(&active)
	if err != nil {
		return fmt.Errorf("counting active orders: %w", err)
	}
	if active >= MaxActiveOrdersPerOwner {
		return errs.Newf(errs.KindQuotaExceeded, "owner already holds %d active orders", active)
	}

	now := time.Now().UTC()
	o.ID = uuid.NewString()
	o.Status = StatusActive
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OwnerKey, o.FromSymbol, o.ToSymbol, o.FromAmount,
		o.TriggerPrice.String(), o.TriggerCondition, o.MaxSlippageBps, o.Primed, o.Status,
		o.RetryCount, o.MaxRetries, nullString(o.LastFailureReason), nullTime(o.ExpiresAt), nullTime(o.ExecutedAt),
		nullString(o.ExecutionTxHash), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}

	return tx.Commit()
}

// GetOrder returns the order only when it exists and belongs to the owner.
func (s *Store) GetOrder(ctx context.Context, ownerKey, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ? AND owner_key = ?`, id, ownerKey)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "order %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading order: %w", err)
	}
	return o, nil
}

// ListOrders returns the owner's orders, newest first, optionally filtered
// by status.
func (s *Store) ListOrders(ctx context.Context, ownerKey, status string, limit int) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE owner_key = ?`
	args := []interface{}{ownerKey}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ClaimForTick returns active, unexpired orders that still have retries
// left, in creation order.
func (s *Store) ClaimForTick(ctx context.Context, now time.Time) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = ?
		  AND retry_count < max_retries
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC`, StatusActive, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("claiming orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// MarkPrimed records that the order's trigger was observed unsatisfied, the
// precondition for a later execution.
func (s *Store) MarkPrimed(ctx context.Context, o *Order) error {
	return s.casUpdate(ctx, o, `primed = 1`)
}

// MarkExecuted finishes the order successfully.
func (s *Store) MarkExecuted(ctx context.Context, o *Order, txHash string, at time.Time) error {
	return s.casUpdate(ctx, o, `status = ?, execution_tx_hash = ?, executed_at = ?`,
		StatusExecuted, txHash, at.UTC())
}

// MarkFailed records a failed attempt, incrementing the retry count. The
// order turns terminal once retries are exhausted.
func (s *Store) MarkFailed(ctx context.Context, o *Order, reason string) error {
	retries := o.RetryCount + 1
	status := StatusActive
	if retries >= o.MaxRetries {
		status = StatusFailed
	}
	return s.casUpdate(ctx, o, `status = ?, retry_count = ?, last_failure_reason = ?`,
		status, retries, reason)
}

// MarkCancelled cancels an active order on the owner's behalf.
func (s *Store) MarkCancelled(ctx context.Context, ownerKey, id string) error {
	o, err := s.GetOrder(ctx, ownerKey, id)
	if err != nil {
		return err
	}
	if o.Terminal() {
		return errs.Newf(errs.KindTerminalState, "order %s is %s", id, o.Status)
	}
	return s.casUpdate(ctx, o, `status = ?`, StatusCancelled)
}

// SweepExpired marks active orders past their expiry as expired and returns
// how many were swept.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE orders
		SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		StatusExpired, now.UTC(), StatusActive, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired orders: %w", err)
	}
	return res.RowsAffected()
}

// casUpdate applies setClause under an optimistic lock on updated_at. Losing
// the lock returns ErrStaleOrder; the in-memory order is refreshed on
// success.
func (s *Store) casUpdate(ctx context.Context, o *Order, setClause string, args ...interface{}) error {
	now := time.Now().UTC()
	query := `UPDATE orders SET ` + setClause + `, updated_at = ? WHERE id = ? AND updated_at = ?`
	args = append(args, now, o.ID, o.UpdatedAt)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrStaleOrder, o.ID)
	}

	refreshed, err := s.GetOrder(ctx, o.OwnerKey, o.ID)
	if err != nil {
		return err
	}
	*o = *refreshed
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
