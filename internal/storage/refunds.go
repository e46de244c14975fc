// Package storage - Refund authorization ledger operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/talerforge/merchantd/pkg/amount"
)

// Refund errors
var (
	ErrRefundExceedsAmount = errors.New("refund exceeds contract amount")
)

// RefundAuthorization is one append-only entry of the refund ledger.
// Amount is the delta granted by this entry, not the cumulative total.
type RefundAuthorization struct {
	ID             int64
	InstanceID     string
	HContract      string
	RTransactionID uint64
	Amount         string
	Reason         string
	CreatedAt      time.Time
}

// RefundTotal returns the cumulative authorized refund amount for a
// contract. Zero in the given currency when no refunds exist.
func (s *Storage) RefundTotal(hContract, currency string) (amount.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT amount FROM merchant_refunds WHERE h_contract = ? ORDER BY rtransaction_id
	`, hContract)
	if err != nil {
		return amount.Amount{}, fmt.Errorf("failed to read refunds: %w", err)
	}
	defer rows.Close()

	total := amount.Zero(currency)
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return amount.Amount{}, fmt.Errorf("failed to scan refund: %w", err)
		}
		parsed, err := amount.Parse(a)
		if err != nil {
			return amount.Amount{}, fmt.Errorf("corrupt refund amount %q: %w", a, err)
		}
		total, err = total.Add(parsed)
		if err != nil {
			return amount.Amount{}, err
		}
	}
	return total, rows.Err()
}

// IncreaseRefund applies max-semantics to the refund ledger: the new
// cumulative total becomes max(current, requested). When that grows the
// total, a delta row with a fresh monotone rtransaction id is appended.
// Returns the effective cumulative total and whether a row was added.
func (s *Storage) IncreaseRefund(instanceID, hContract string, requested, contractAmount amount.Amount, reason string) (amount.Amount, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newTotal amount.Amount
	var grew bool

	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT amount FROM merchant_refunds WHERE h_contract = ? ORDER BY rtransaction_id
		`, hContract)
		if err != nil {
			return fmt.Errorf("failed to read refunds: %w", err)
		}
		current := amount.Zero(requested.Currency)
		var maxRtx uint64
		for rows.Next() {
			var a string
			if err := rows.Scan(&a); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan refund: %w", err)
			}
			parsed, err := amount.Parse(a)
			if err != nil {
				rows.Close()
				return fmt.Errorf("corrupt refund amount %q: %w", a, err)
			}
			current, err = current.Add(parsed)
			if err != nil {
				rows.Close()
				return err
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if err := tx.QueryRow(`
			SELECT COALESCE(MAX(rtransaction_id), 0) FROM merchant_refunds WHERE h_contract = ?
		`, hContract).Scan(&maxRtx); err != nil {
			return fmt.Errorf("failed to read rtransaction id: %w", err)
		}

		cmp, err := requested.Cmp(current)
		if err != nil {
			return err
		}
		if cmp <= 0 {
			// Lower or equal request: no-op, total stays.
			newTotal = current
			grew = false
			return nil
		}

		exceeds, err := requested.Cmp(contractAmount)
		if err != nil {
			return err
		}
		if exceeds > 0 {
			return ErrRefundExceedsAmount
		}

		delta, err := requested.Subtract(current)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO merchant_refunds (
				instance_id, h_contract, rtransaction_id, amount, reason, created_at
			) VALUES (?, ?, ?, ?, ?, ?)
		`, instanceID, hContract, maxRtx+1, delta.String(), reason, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to insert refund: %w", err)
		}

		newTotal = requested
		grew = true
		return nil
	})
	if err != nil {
		return amount.Amount{}, false, err
	}
	return newTotal, grew, nil
}

// ListRefunds returns a contract's refund ledger entries in
// rtransaction id order.
func (s *Storage) ListRefunds(hContract string) ([]*RefundAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, instance_id, h_contract, rtransaction_id, amount, reason, created_at
		FROM merchant_refunds WHERE h_contract = ? ORDER BY rtransaction_id
	`, hContract)
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	defer rows.Close()

	var refunds []*RefundAuthorization
	for rows.Next() {
		var r RefundAuthorization
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.InstanceID, &r.HContract, &r.RTransactionID,
			&r.Amount, &r.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan refund: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		refunds = append(refunds, &r)
	}
	return refunds, rows.Err()
}
