package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"circlesmarket/market/schema"
)

// weiShift converts whole-unit prices into wei.
const weiShift = 18

// PaymentEvent is one observed on-chain transfer tagged with a reference.
type PaymentEvent struct {
	PaymentReference string
	ChainID          int64
	TxHash           string
	LogIndex         uint64
	GatewayAddress   string
	AmountWei        string
}

// RecordPayment stores a payment event and folds its amount into the
// per-reference aggregate. Replays of the same (reference, tx, logIndex) are
// no-ops; the bool reports whether the event was new.
func (s *Store) RecordPayment(ctx context.Context, event PaymentEvent) (bool, error) {
	amount, err := decimal.NewFromString(event.AmountWei)
	if err != nil {
		return false, fmt.Errorf("parse payment amount %q: %w", event.AmountWei, err)
	}
	if amount.IsNegative() {
		return false, fmt.Errorf("negative payment amount %q", event.AmountWei)
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin record payment: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
        INSERT INTO payment_events(payment_reference, tx_hash, log_index, chain_id, gateway_address, amount_wei, observed_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(payment_reference, tx_hash, log_index) DO NOTHING
    `, event.PaymentReference, event.TxHash, event.LogIndex, event.ChainID, event.GatewayAddress, amount.String(), now)
	if err != nil {
		return false, fmt.Errorf("insert payment event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert payment event: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	row := tx.QueryRowContext(ctx, `
        SELECT total_amount_wei FROM payments WHERE payment_reference = ?
    `, event.PaymentReference)
	var totalRaw string
	switch err := row.Scan(&totalRaw); {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO payments(payment_reference, chain_id, total_amount_wei, gateway_address, first_tx_hash, first_log_index, updated_at)
            VALUES(?, ?, ?, ?, ?, ?, ?)
        `, event.PaymentReference, event.ChainID, amount.String(), event.GatewayAddress, event.TxHash, event.LogIndex, now); err != nil {
			return false, fmt.Errorf("insert payment aggregate: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("query payment aggregate: %w", err)
	default:
		total, err := decimal.NewFromString(totalRaw)
		if err != nil {
			return false, fmt.Errorf("parse payment aggregate %q: %w", totalRaw, err)
		}
		if _, err := tx.ExecContext(ctx, `
            UPDATE payments SET total_amount_wei = ?, updated_at = ? WHERE payment_reference = ?
        `, total.Add(amount).String(), now, event.PaymentReference); err != nil {
			return false, fmt.Errorf("update payment aggregate: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit record payment: %w", err)
	}
	return true, nil
}

// PaymentTotal returns the aggregated wei for a reference, zero when none.
func (s *Store) PaymentTotal(ctx context.Context, reference string) (decimal.Decimal, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT total_amount_wei FROM payments WHERE payment_reference = ?
    `, reference)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("query payment aggregate: %w", err)
	}
	total, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse payment aggregate %q: %w", raw, err)
	}
	return total, nil
}

// expectedWei converts the order total into the wei amount the aggregate must
// reach. An order without a total is considered covered by any payment.
func expectedWei(order *schema.Order) decimal.Decimal {
	if order.TotalPaymentDue == nil {
		return decimal.Zero
	}
	return order.TotalPaymentDue.Price.Shift(weiShift)
}

// PaidDetails captures the transfer that crossed the threshold.
type PaidDetails struct {
	ChainID        int64
	TxHash         string
	LogIndex       uint64
	GatewayAddress string
}

// TryMarkPaidByReference transitions the order to PaymentProcessing once the
// aggregated payments reach the order total. It is idempotent: an already
// paid order, an unknown reference, or an insufficient aggregate all return
// false with no error.
func (s *Store) TryMarkPaidByReference(ctx context.Context, reference string, details PaidDetails, paidAt time.Time) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT order_id, order_json, status, paid_at FROM orders WHERE payment_reference = ?
    `, reference)
	var orderID, raw, currentStatus string
	var existingPaid sql.NullTime
	if err := row.Scan(&orderID, &raw, &currentStatus, &existingPaid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query order by reference: %w", err)
	}
	if existingPaid.Valid {
		return false, nil
	}
	order := &schema.Order{}
	if err := json.Unmarshal([]byte(raw), order); err != nil {
		return false, fmt.Errorf("decode order: %w", err)
	}
	expected := expectedWei(order)
	if expected.IsPositive() {
		total, err := s.PaymentTotal(ctx, reference)
		if err != nil {
			return false, err
		}
		if total.LessThan(expected) {
			return false, nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin mark paid: %w", err)
	}
	defer tx.Rollback()

	total, err := s.PaymentTotal(ctx, reference)
	if err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, `
        UPDATE orders
        SET status = ?, paid_at = ?, paid_tx_hash = ?, paid_log_index = ?,
            paid_chain_id = ?, paid_gateway = ?, paid_amount_wei = ?
        WHERE payment_reference = ? AND paid_at IS NULL
    `, schema.StatusPaymentProcessing, paidAt.UTC(), details.TxHash, details.LogIndex,
		details.ChainID, details.GatewayAddress, total.String(), reference)
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO orders_status_history(order_id, old_status, new_status, changed_at)
        VALUES(?, ?, ?, ?)
    `, orderID, currentStatus, schema.StatusPaymentProcessing, paidAt.UTC()); err != nil {
		return false, fmt.Errorf("insert status history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit mark paid: %w", err)
	}
	return true, nil
}

// TryMarkConfirmedByReference records the confirmation timestamp. The status
// does not change; only an already paid, not yet confirmed order advances.
func (s *Store) TryMarkConfirmedByReference(ctx context.Context, reference string, confirmedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
        UPDATE orders SET confirmed_at = ?
        WHERE payment_reference = ? AND paid_at IS NOT NULL AND confirmed_at IS NULL
    `, confirmedAt.UTC(), reference)
	if err != nil {
		return false, fmt.Errorf("mark confirmed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark confirmed: %w", err)
	}
	return affected == 1, nil
}

// TryMarkFinalizedByReference transitions a paid order to PaymentComplete.
// Confirmation is not a prerequisite; finality on chains without a distinct
// confirmation phase arrives directly.
func (s *Store) TryMarkFinalizedByReference(ctx context.Context, reference string, finalizedAt time.Time) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT order_id, status FROM orders
        WHERE payment_reference = ? AND paid_at IS NOT NULL AND finalized_at IS NULL
    `, reference)
	var orderID, currentStatus string
	if err := row.Scan(&orderID, &currentStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query order for finality: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin mark finalized: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
        UPDATE orders SET status = ?, finalized_at = ?
        WHERE payment_reference = ? AND paid_at IS NOT NULL AND finalized_at IS NULL
    `, schema.StatusPaymentComplete, finalizedAt.UTC(), reference)
	if err != nil {
		return false, fmt.Errorf("mark finalized: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark finalized: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO orders_status_history(order_id, old_status, new_status, changed_at)
        VALUES(?, ?, ?, ?)
    `, orderID, currentStatus, schema.StatusPaymentComplete, finalizedAt.UTC()); err != nil {
		return false, fmt.Errorf("insert status history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit mark finalized: %w", err)
	}
	return true, nil
}
