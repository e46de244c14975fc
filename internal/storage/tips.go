// Package storage - Tip reserve and tip storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/talerforge/merchantd/pkg/amount"
)

// Tip errors
var (
	ErrReserveNotFound      = errors.New("tip reserve not found")
	ErrTipNotFound          = errors.New("tip not found")
	ErrTipInsufficientFunds = errors.New("insufficient tip reserve funds")
	ErrTipExhausted         = errors.New("tip already fully picked up")
)

// TipReserve tracks an instance's exchange-hosted tipping reserve.
// Invariant: picked_up <= authorized <= available.
type TipReserve struct {
	InstanceID  string
	ReservePub  string
	ExchangeURL string
	Available   string // committed balance observed at the exchange
	Authorized  string // sum of authorized tips
	PickedUp    string // sum of withdrawn amounts
	Expiration  time.Time
	UpdatedAt   time.Time
}

// Tip is one authorized gratuity, possibly picked up in several steps.
type Tip struct {
	TipID         string
	InstanceID    string
	ReservePub    string
	Amount        string
	PickedUp      string
	Justification string
	Extra         string
	Expiration    time.Time
	CreatedAt     time.Time
}

// TipPickup records one pickup batch against a tip.
type TipPickup struct {
	PickupID     string
	TipID        string
	Amount       string
	NumPlanchets int
	CreatedAt    time.Time
}

// UpsertTipReserve creates or refreshes the reserve row.
func (s *Storage) UpsertTipReserve(r *TipReserve) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO merchant_tip_reserves (
			instance_id, reserve_pub, exchange_url,
			available, authorized, picked_up, expiration, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			reserve_pub = excluded.reserve_pub,
			exchange_url = excluded.exchange_url,
			available = excluded.available,
			expiration = excluded.expiration,
			updated_at = excluded.updated_at
	`, r.InstanceID, r.ReservePub, r.ExchangeURL,
		r.Available, r.Authorized, r.PickedUp,
		r.Expiration.Unix(), r.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert tip reserve: %w", err)
	}
	return nil
}

// GetTipReserve retrieves the reserve for an instance.
func (s *Storage) GetTipReserve(instanceID string) (*TipReserve, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r TipReserve
	var expiration, updatedAt int64
	err := s.db.QueryRow(`
		SELECT instance_id, reserve_pub, exchange_url,
			available, authorized, picked_up, expiration, updated_at
		FROM merchant_tip_reserves WHERE instance_id = ?
	`, instanceID).Scan(
		&r.InstanceID, &r.ReservePub, &r.ExchangeURL,
		&r.Available, &r.Authorized, &r.PickedUp, &expiration, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrReserveNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tip reserve: %w", err)
	}

	r.Expiration = time.Unix(expiration, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return &r, nil
}

// AuthorizeTip atomically checks the reserve balance and inserts a new
// tip. Fails with ErrTipInsufficientFunds when
// authorized + amount > available.
func (s *Storage) AuthorizeTip(tip *Tip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		var availableStr, authorizedStr string
		err := tx.QueryRow(`
			SELECT available, authorized FROM merchant_tip_reserves WHERE instance_id = ?
		`, tip.InstanceID).Scan(&availableStr, &authorizedStr)
		if err == sql.ErrNoRows {
			return ErrReserveNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read tip reserve: %w", err)
		}

		available, err := amount.Parse(availableStr)
		if err != nil {
			return fmt.Errorf("corrupt reserve balance: %w", err)
		}
		authorized, err := amount.Parse(authorizedStr)
		if err != nil {
			return fmt.Errorf("corrupt reserve authorized total: %w", err)
		}
		tipAmount, err := amount.Parse(tip.Amount)
		if err != nil {
			return err
		}

		newAuthorized, err := authorized.Add(tipAmount)
		if err != nil {
			return err
		}
		cmp, err := newAuthorized.Cmp(available)
		if err != nil {
			return err
		}
		if cmp > 0 {
			return ErrTipInsufficientFunds
		}

		_, err = tx.Exec(`
			INSERT INTO merchant_tips (
				tip_id, instance_id, reserve_pub, amount, picked_up,
				justification, extra, expiration, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, tip.TipID, tip.InstanceID, tip.ReservePub, tip.Amount,
			amount.Zero(tipAmount.Currency).String(),
			tip.Justification, tip.Extra, tip.Expiration.Unix(), tip.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to insert tip: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE merchant_tip_reserves SET authorized = ?, updated_at = ? WHERE instance_id = ?
		`, newAuthorized.String(), time.Now().Unix(), tip.InstanceID)
		if err != nil {
			return fmt.Errorf("failed to update reserve: %w", err)
		}
		return nil
	})
}

// GetTip retrieves a tip by id.
func (s *Storage) GetTip(tipID string) (*Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t Tip
	var extra sql.NullString
	var expiration, createdAt int64
	err := s.db.QueryRow(`
		SELECT tip_id, instance_id, reserve_pub, amount, picked_up,
			justification, extra, expiration, created_at
		FROM merchant_tips WHERE tip_id = ?
	`, tipID).Scan(
		&t.TipID, &t.InstanceID, &t.ReservePub, &t.Amount, &t.PickedUp,
		&t.Justification, &extra, &expiration, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tip: %w", err)
	}

	t.Extra = extra.String
	t.Expiration = time.Unix(expiration, 0)
	t.CreatedAt = time.Unix(createdAt, 0)
	return &t, nil
}

// ListTips returns all tips of an instance, newest first.
func (s *Storage) ListTips(instanceID string) ([]*Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT tip_id, instance_id, reserve_pub, amount, picked_up,
			justification, extra, expiration, created_at
		FROM merchant_tips WHERE instance_id = ? ORDER BY created_at DESC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tips: %w", err)
	}
	defer rows.Close()

	var tips []*Tip
	for rows.Next() {
		var t Tip
		var extra sql.NullString
		var expiration, createdAt int64
		if err := rows.Scan(&t.TipID, &t.InstanceID, &t.ReservePub, &t.Amount, &t.PickedUp,
			&t.Justification, &extra, &expiration, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan tip: %w", err)
		}
		t.Extra = extra.String
		t.Expiration = time.Unix(expiration, 0)
		t.CreatedAt = time.Unix(createdAt, 0)
		tips = append(tips, &t)
	}
	return tips, rows.Err()
}

// RecordTipPickup atomically accounts a pickup batch against the tip
// and the reserve. Fails with ErrTipExhausted when the pickup would
// exceed the tip's authorized amount.
func (s *Storage) RecordTipPickup(p *TipPickup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		var instanceID, authorizedStr, pickedUpStr string
		err := tx.QueryRow(`
			SELECT instance_id, amount, picked_up FROM merchant_tips WHERE tip_id = ?
		`, p.TipID).Scan(&instanceID, &authorizedStr, &pickedUpStr)
		if err == sql.ErrNoRows {
			return ErrTipNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read tip: %w", err)
		}

		authorized, err := amount.Parse(authorizedStr)
		if err != nil {
			return fmt.Errorf("corrupt tip amount: %w", err)
		}
		pickedUp, err := amount.Parse(pickedUpStr)
		if err != nil {
			return fmt.Errorf("corrupt tip pickup total: %w", err)
		}
		batch, err := amount.Parse(p.Amount)
		if err != nil {
			return err
		}

		newPickedUp, err := pickedUp.Add(batch)
		if err != nil {
			return err
		}
		cmp, err := newPickedUp.Cmp(authorized)
		if err != nil {
			return err
		}
		if cmp > 0 {
			return ErrTipExhausted
		}

		_, err = tx.Exec(`
			INSERT INTO merchant_tip_pickups (pickup_id, tip_id, amount, num_planchets, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, p.PickupID, p.TipID, p.Amount, p.NumPlanchets, p.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to insert pickup: %w", err)
		}

		if _, err := tx.Exec(`
			UPDATE merchant_tips SET picked_up = ? WHERE tip_id = ?
		`, newPickedUp.String(), p.TipID); err != nil {
			return fmt.Errorf("failed to update tip: %w", err)
		}

		// Roll the batch up into the reserve's picked_up counter.
		var reservePicked string
		err = tx.QueryRow(`
			SELECT picked_up FROM merchant_tip_reserves WHERE instance_id = ?
		`, instanceID).Scan(&reservePicked)
		if err != nil {
			return fmt.Errorf("failed to read reserve: %w", err)
		}
		rp, err := amount.Parse(reservePicked)
		if err != nil {
			return fmt.Errorf("corrupt reserve pickup total: %w", err)
		}
		rp, err = rp.Add(batch)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE merchant_tip_reserves SET picked_up = ?, updated_at = ? WHERE instance_id = ?
		`, rp.String(), time.Now().Unix(), instanceID); err != nil {
			return fmt.Errorf("failed to update reserve: %w", err)
		}
		return nil
	})
}

// RollbackTipPickup undoes a recorded pickup whose withdrawals never
// completed: the pickup row is removed and the tip and reserve counters
// are credited back. A missing pickup id is a no-op.
func (s *Storage) RollbackTipPickup(pickupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		var tipID, amountStr string
		err := tx.QueryRow(`
			SELECT tip_id, amount FROM merchant_tip_pickups WHERE pickup_id = ?
		`, pickupID).Scan(&tipID, &amountStr)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read pickup: %w", err)
		}
		batch, err := amount.Parse(amountStr)
		if err != nil {
			return fmt.Errorf("corrupt pickup amount: %w", err)
		}

		var instanceID, pickedUpStr string
		err = tx.QueryRow(`
			SELECT instance_id, picked_up FROM merchant_tips WHERE tip_id = ?
		`, tipID).Scan(&instanceID, &pickedUpStr)
		if err != nil {
			return fmt.Errorf("failed to read tip: %w", err)
		}
		pickedUp, err := amount.Parse(pickedUpStr)
		if err != nil {
			return fmt.Errorf("corrupt tip pickup total: %w", err)
		}
		pickedUp, err = pickedUp.Subtract(batch)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE merchant_tips SET picked_up = ? WHERE tip_id = ?
		`, pickedUp.String(), tipID); err != nil {
			return fmt.Errorf("failed to update tip: %w", err)
		}

		var reservePicked string
		err = tx.QueryRow(`
			SELECT picked_up FROM merchant_tip_reserves WHERE instance_id = ?
		`, instanceID).Scan(&reservePicked)
		if err != nil {
			return fmt.Errorf("failed to read reserve: %w", err)
		}
		rp, err := amount.Parse(reservePicked)
		if err != nil {
			return fmt.Errorf("corrupt reserve pickup total: %w", err)
		}
		rp, err = rp.Subtract(batch)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE merchant_tip_reserves SET picked_up = ?, updated_at = ? WHERE instance_id = ?
		`, rp.String(), time.Now().Unix(), instanceID); err != nil {
			return fmt.Errorf("failed to update reserve: %w", err)
		}

		if _, err := tx.Exec(`
			DELETE FROM merchant_tip_pickups WHERE pickup_id = ?
		`, pickupID); err != nil {
			return fmt.Errorf("failed to delete pickup: %w", err)
		}
		return nil
	})
}
