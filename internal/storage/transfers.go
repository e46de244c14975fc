// Package storage - Wire transfer mapping, transfer proof and wire fee
// storage operations.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Transfer errors
var (
	ErrProofNotFound    = errors.New("transfer proof not found")
	ErrTransferNotFound = errors.New("transfer mapping not found")
	ErrWireFeeNotFound  = errors.New("wire fee not found")
)

// CoinTransfer associates a deposited coin with the wire transfer that
// settled it. Learned lazily from the exchange's tracking API.
type CoinTransfer struct {
	HContract     string
	CoinPub       string
	WTID          string
	ExchangeURL   string
	ExecutionTime time.Time
}

// TransferProof is an exchange-signed aggregate transfer record.
// Content-addressed by (exchange URL, wtid) and immutable.
type TransferProof struct {
	ExchangeURL string
	WTID        string
	Proof       json.RawMessage
	ExchangePub string
	ExchangeSig string
	Total       string
	WireFee     string
	HWire       string
	CreatedAt   time.Time
}

// WireFee is one entry of an exchange's wire fee schedule.
type WireFee struct {
	ExchangeURL string
	WireMethod  string
	WireFee     string
	StartDate   time.Time
	EndDate     time.Time
}

// UpsertCoinTransfer records the wtid a coin was settled under. The
// mapping is a fact; a repeated upsert with the same values is a no-op.
func (s *Storage) UpsertCoinTransfer(t *CoinTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO merchant_transfers (h_contract, coin_pub, wtid, exchange_url, execution_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(h_contract, coin_pub) DO UPDATE SET
			wtid = excluded.wtid,
			execution_time = excluded.execution_time
	`, t.HContract, t.CoinPub, t.WTID, t.ExchangeURL, t.ExecutionTime.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert transfer: %w", err)
	}
	return nil
}

// ListTransfersForContract returns the known coin->wtid mappings of a
// contract.
func (s *Storage) ListTransfersForContract(hContract string) ([]*CoinTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT h_contract, coin_pub, wtid, exchange_url, execution_time
		FROM merchant_transfers WHERE h_contract = ? ORDER BY coin_pub
	`, hContract)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*CoinTransfer
	for rows.Next() {
		var t CoinTransfer
		var execTime sql.NullInt64
		if err := rows.Scan(&t.HContract, &t.CoinPub, &t.WTID, &t.ExchangeURL, &execTime); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		if execTime.Valid {
			t.ExecutionTime = time.Unix(execTime.Int64, 0)
		}
		transfers = append(transfers, &t)
	}
	return transfers, rows.Err()
}

// ListCoinsForWTID returns the (contract, coin) pairs settled under a
// wire transfer, according to the local mapping table.
func (s *Storage) ListCoinsForWTID(wtid string) ([]*CoinTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT h_contract, coin_pub, wtid, exchange_url, execution_time
		FROM merchant_transfers WHERE wtid = ? ORDER BY h_contract, coin_pub
	`, wtid)
	if err != nil {
		return nil, fmt.Errorf("failed to list coins for wtid: %w", err)
	}
	defer rows.Close()

	var transfers []*CoinTransfer
	for rows.Next() {
		var t CoinTransfer
		var execTime sql.NullInt64
		if err := rows.Scan(&t.HContract, &t.CoinPub, &t.WTID, &t.ExchangeURL, &execTime); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		if execTime.Valid {
			t.ExecutionTime = time.Unix(execTime.Int64, 0)
		}
		transfers = append(transfers, &t)
	}
	return transfers, rows.Err()
}

// InsertProof stores a verified transfer proof. Proofs are immutable;
// inserting an existing (exchange, wtid) pair is a silent no-op.
func (s *Storage) InsertProof(p *TransferProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO merchant_proofs (
			exchange_url, wtid, proof, exchange_pub, exchange_sig,
			total, wire_fee, h_wire, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ExchangeURL, p.WTID, string(p.Proof), p.ExchangePub, p.ExchangeSig,
		p.Total, p.WireFee, p.HWire, p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert proof: %w", err)
	}
	return nil
}

// GetProof retrieves a stored transfer proof.
func (s *Storage) GetProof(exchangeURL, wtid string) (*TransferProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p TransferProof
	var proof string
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT exchange_url, wtid, proof, exchange_pub, exchange_sig,
			total, wire_fee, h_wire, created_at
		FROM merchant_proofs WHERE exchange_url = ? AND wtid = ?
	`, exchangeURL, wtid).Scan(
		&p.ExchangeURL, &p.WTID, &proof, &p.ExchangePub, &p.ExchangeSig,
		&p.Total, &p.WireFee, &p.HWire, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proof: %w", err)
	}

	p.Proof = json.RawMessage(proof)
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

// UpsertWireFee records an exchange's wire fee for a method and period.
func (s *Storage) UpsertWireFee(f *WireFee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO exchange_wire_fees (exchange_url, wire_method, wire_fee, start_date, end_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(exchange_url, wire_method, start_date) DO UPDATE SET
			wire_fee = excluded.wire_fee,
			end_date = excluded.end_date
	`, f.ExchangeURL, f.WireMethod, f.WireFee, f.StartDate.Unix(), f.EndDate.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert wire fee: %w", err)
	}
	return nil
}

// GetWireFee returns the wire fee valid at the given time.
func (s *Storage) GetWireFee(exchangeURL, wireMethod string, at time.Time) (*WireFee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var f WireFee
	var start, end int64
	err := s.db.QueryRow(`
		SELECT exchange_url, wire_method, wire_fee, start_date, end_date
		FROM exchange_wire_fees
		WHERE exchange_url = ? AND wire_method = ? AND start_date <= ? AND end_date > ?
		ORDER BY start_date DESC LIMIT 1
	`, exchangeURL, wireMethod, at.Unix(), at.Unix()).Scan(
		&f.ExchangeURL, &f.WireMethod, &f.WireFee, &start, &end,
	)
	if err == sql.ErrNoRows {
		return nil, ErrWireFeeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wire fee: %w", err)
	}

	f.StartDate = time.Unix(start, 0)
	f.EndDate = time.Unix(end, 0)
	return &f, nil
}
