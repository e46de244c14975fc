// Package storage - Per-coin deposit storage operations.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Deposit errors
var (
	ErrDepositNotFound = errors.New("deposit not found")
	ErrDepositExists   = errors.New("deposit already recorded for coin")
)

// Deposit records a successful exchange deposit of one coin against a
// contract, including the exchange's signed confirmation.
type Deposit struct {
	ID            int64
	InstanceID    string
	HContract     string
	CoinPub       string
	ExchangeURL   string
	AmountWithFee string
	DepositFee    string
	RefundFee     string
	ExchangePub   string
	ExchangeSig   string
	Proof         json.RawMessage
	CreatedAt     time.Time
}

// InsertDeposit records a deposit. (coin pub, contract hash) is unique;
// replays return ErrDepositExists.
func (s *Storage) InsertDeposit(d *Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var proof interface{}
	if len(d.Proof) > 0 {
		proof = string(d.Proof)
	}

	_, err := s.db.Exec(`
		INSERT INTO merchant_deposits (
			instance_id, h_contract, coin_pub, exchange_url,
			amount_with_fee, deposit_fee, refund_fee,
			exchange_pub, exchange_sig, proof, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.InstanceID, d.HContract, d.CoinPub, d.ExchangeURL,
		d.AmountWithFee, d.DepositFee, d.RefundFee,
		d.ExchangePub, d.ExchangeSig, proof, d.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDepositExists
		}
		return fmt.Errorf("failed to insert deposit: %w", err)
	}
	return nil
}

// GetDeposit retrieves the deposit for a (contract, coin) pair.
func (s *Storage) GetDeposit(hContract, coinPub string) (*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(depositSelect+`
		WHERE h_contract = ? AND coin_pub = ?
	`, hContract, coinPub)
	return scanDeposit(row)
}

// ListDeposits returns all deposits for a contract in insertion order.
// The order is load-bearing: refund shares are assigned by walking it.
func (s *Storage) ListDeposits(hContract string) ([]*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(depositSelect+`
		WHERE h_contract = ? ORDER BY id
	`, hContract)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	defer rows.Close()

	var deposits []*Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

const depositSelect = `
	SELECT id, instance_id, h_contract, coin_pub, exchange_url,
		amount_with_fee, deposit_fee, refund_fee,
		exchange_pub, exchange_sig, proof, created_at
	FROM merchant_deposits
`

func scanDeposit(row rowScanner) (*Deposit, error) {
	var d Deposit
	var proof sql.NullString
	var createdAt int64

	err := row.Scan(
		&d.ID, &d.InstanceID, &d.HContract, &d.CoinPub, &d.ExchangeURL,
		&d.AmountWithFee, &d.DepositFee, &d.RefundFee,
		&d.ExchangePub, &d.ExchangeSig, &proof, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrDepositNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan deposit: %w", err)
	}

	if proof.Valid {
		d.Proof = json.RawMessage(proof.String)
	}
	d.CreatedAt = time.Unix(createdAt, 0)
	return &d, nil
}

// CountDeposits returns how many deposits exist for a contract.
func (s *Storage) CountDeposits(hContract string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM merchant_deposits WHERE h_contract = ?
	`, hContract).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count deposits: %w", err)
	}
	return n, nil
}
