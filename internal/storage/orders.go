// Package storage - Unclaimed order and contract storage operations.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Order errors
var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderExists      = errors.New("order already exists")
	ErrContractNotFound = errors.New("contract not found")
	ErrAlreadyClaimed   = errors.New("order already claimed with different nonce")
)

// UnclaimedOrder is a persisted order awaiting its first claim.
type UnclaimedOrder struct {
	InstanceID    string
	OrderID       string
	ContractTerms json.RawMessage
	CreatedAt     time.Time
	PayDeadline   time.Time
}

// Contract is the claimed, signed form of an order. Immutable after
// creation except for the paid flag.
type Contract struct {
	InstanceID          string
	OrderID             string
	ContractTerms       json.RawMessage
	HContract           string
	Nonce               string
	MerchantSig         string
	Amount              string
	MaxFee              string
	WireFeeAmortization uint32
	HWire               string
	PayDeadline         time.Time
	RefundDeadline      time.Time
	WireTransferDeadline time.Time
	Paid                bool
	CreatedAt           time.Time
}

// CreateUnclaimedOrder persists a new unclaimed order. Fails with
// ErrOrderExists when the (instance, order id) pair is taken by either
// an unclaimed order or a contract.
func (s *Storage) CreateUnclaimedOrder(order *UnclaimedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRow(`
			SELECT COUNT(*) FROM merchant_contract_terms
			WHERE instance_id = ? AND order_id = ?
		`, order.InstanceID, order.OrderID).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check contracts: %w", err)
		}
		if n > 0 {
			return ErrOrderExists
		}

		_, err = tx.Exec(`
			INSERT INTO merchant_orders (instance_id, order_id, contract_terms, created_at, pay_deadline)
			VALUES (?, ?, ?, ?, ?)
		`, order.InstanceID, order.OrderID, string(order.ContractTerms),
			order.CreatedAt.Unix(), order.PayDeadline.Unix())
		if err != nil {
			if isUniqueViolation(err) {
				return ErrOrderExists
			}
			return fmt.Errorf("failed to create order: %w", err)
		}
		return nil
	})
}

// GetUnclaimedOrder retrieves an unclaimed order.
func (s *Storage) GetUnclaimedOrder(instanceID, orderID string) (*UnclaimedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var order UnclaimedOrder
	var terms string
	var createdAt, payDeadline int64
	err := s.db.QueryRow(`
		SELECT instance_id, order_id, contract_terms, created_at, pay_deadline
		FROM merchant_orders WHERE instance_id = ? AND order_id = ?
	`, instanceID, orderID).Scan(&order.InstanceID, &order.OrderID, &terms, &createdAt, &payDeadline)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	order.ContractTerms = json.RawMessage(terms)
	order.CreatedAt = time.Unix(createdAt, 0)
	order.PayDeadline = time.Unix(payDeadline, 0)
	return &order, nil
}

// ClaimFunc turns unclaimed order terms into a signed contract. It runs
// inside the claim transaction so the read-canonicalize-sign-insert
// sequence is atomic with respect to concurrent claims.
type ClaimFunc func(terms json.RawMessage) (*Contract, error)

// ClaimOrder atomically converts an unclaimed order into a contract.
// A repeated claim with the nonce already on the contract returns the
// existing contract (idempotent); a different nonce fails with
// ErrAlreadyClaimed.
func (s *Storage) ClaimOrder(instanceID, orderID, nonce string, claim ClaimFunc) (*Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *Contract
	err := s.withTx(func(tx *sql.Tx) error {
		// Replay check first: an existing contract decides the outcome.
		existing, err := scanContract(tx.QueryRow(contractSelect+`
			WHERE instance_id = ? AND order_id = ?
		`, instanceID, orderID))
		if err != nil && err != ErrContractNotFound {
			return err
		}
		if existing != nil {
			if existing.Nonce != nonce {
				return ErrAlreadyClaimed
			}
			result = existing
			return nil
		}

		var terms string
		err = tx.QueryRow(`
			SELECT contract_terms FROM merchant_orders
			WHERE instance_id = ? AND order_id = ?
		`, instanceID, orderID).Scan(&terms)
		if err == sql.ErrNoRows {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read order: %w", err)
		}

		contract, err := claim(json.RawMessage(terms))
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO merchant_contract_terms (
				instance_id, order_id, contract_terms, h_contract, nonce,
				merchant_sig, amount, max_fee, wire_fee_amortization, h_wire,
				pay_deadline, refund_deadline, wire_transfer_deadline, paid, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`,
			contract.InstanceID, contract.OrderID, string(contract.ContractTerms),
			contract.HContract, contract.Nonce, contract.MerchantSig,
			contract.Amount, contract.MaxFee, contract.WireFeeAmortization,
			contract.HWire, contract.PayDeadline.Unix(), contract.RefundDeadline.Unix(),
			contract.WireTransferDeadline.Unix(), contract.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert contract: %w", err)
		}

		if _, err := tx.Exec(`
			DELETE FROM merchant_orders WHERE instance_id = ? AND order_id = ?
		`, instanceID, orderID); err != nil {
			return fmt.Errorf("failed to delete unclaimed order: %w", err)
		}

		result = contract
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

const contractSelect = `
	SELECT instance_id, order_id, contract_terms, h_contract, nonce,
		merchant_sig, amount, max_fee, wire_fee_amortization, h_wire,
		pay_deadline, refund_deadline, wire_transfer_deadline, paid, created_at
	FROM merchant_contract_terms
`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(row rowScanner) (*Contract, error) {
	var c Contract
	var terms string
	var paid int
	var payDeadline, refundDeadline, wireDeadline, createdAt int64

	err := row.Scan(
		&c.InstanceID, &c.OrderID, &terms, &c.HContract, &c.Nonce,
		&c.MerchantSig, &c.Amount, &c.MaxFee, &c.WireFeeAmortization, &c.HWire,
		&payDeadline, &refundDeadline, &wireDeadline, &paid, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contract: %w", err)
	}

	c.ContractTerms = json.RawMessage(terms)
	c.PayDeadline = time.Unix(payDeadline, 0)
	c.RefundDeadline = time.Unix(refundDeadline, 0)
	c.WireTransferDeadline = time.Unix(wireDeadline, 0)
	c.Paid = paid == 1
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

// GetContract retrieves a contract by (instance, order id).
func (s *Storage) GetContract(instanceID, orderID string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanContract(s.db.QueryRow(contractSelect+`
		WHERE instance_id = ? AND order_id = ?
	`, instanceID, orderID))
}

// GetContractByHash retrieves a contract by its hash.
func (s *Storage) GetContractByHash(hContract string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanContract(s.db.QueryRow(contractSelect+`
		WHERE h_contract = ?
	`, hContract))
}

// MarkContractPaid flags a contract as fully paid.
func (s *Storage) MarkContractPaid(hContract string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE merchant_contract_terms SET paid = 1 WHERE h_contract = ?
	`, hContract)
	if err != nil {
		return fmt.Errorf("failed to mark contract paid: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrContractNotFound
	}
	return nil
}

// PurgeExpiredOrders deletes unclaimed orders whose pay deadline has
// passed. Returns the number of removed rows.
func (s *Storage) PurgeExpiredOrders(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		DELETE FROM merchant_orders WHERE pay_deadline < ?
	`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired orders: %w", err)
	}
	return result.RowsAffected()
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
