// Package storage - Instance and account storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Instance errors
var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrAccountNotFound  = errors.New("account not found")
)

// Instance is a logical merchant identity. The signing key seed is
// held only in this row; handlers receive derived keypairs.
type Instance struct {
	ID           string
	Name         string
	KeySeed      []byte
	Address      string // opaque structured JSON
	Jurisdiction string // opaque structured JSON

	// Tipping; empty seed disables the tip subsystem for the instance.
	TipReserveSeed []byte
	TipExchange    string

	Active    bool
	CreatedAt time.Time
}

// Account is a bank account descriptor owned by an instance. The
// content hash h_wire is a deterministic hash over (payto_uri, salt).
type Account struct {
	InstanceID string
	PaytoURI   string
	Salt       string
	HWire      string
	Active     bool
}

// UpsertInstance creates or updates an instance. The key seed of an
// existing instance is never replaced.
func (s *Storage) UpsertInstance(inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	if inst.Active {
		active = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO merchant_instances (
			id, name, key_seed, address, jurisdiction,
			tip_reserve_seed, tip_exchange, active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			jurisdiction = excluded.jurisdiction,
			tip_reserve_seed = excluded.tip_reserve_seed,
			tip_exchange = excluded.tip_exchange,
			active = excluded.active
	`,
		inst.ID, inst.Name, inst.KeySeed, inst.Address, inst.Jurisdiction,
		inst.TipReserveSeed, inst.TipExchange, active, inst.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by id.
func (s *Storage) GetInstance(id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var inst Instance
	var active int
	var createdAt int64
	var address, jurisdiction, tipExchange sql.NullString

	err := s.db.QueryRow(`
		SELECT id, name, key_seed, address, jurisdiction,
			tip_reserve_seed, tip_exchange, active, created_at
		FROM merchant_instances WHERE id = ?
	`, id).Scan(
		&inst.ID, &inst.Name, &inst.KeySeed, &address, &jurisdiction,
		&inst.TipReserveSeed, &tipExchange, &active, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	inst.Address = address.String
	inst.Jurisdiction = jurisdiction.String
	inst.TipExchange = tipExchange.String
	inst.Active = active == 1
	inst.CreatedAt = time.Unix(createdAt, 0)
	return &inst, nil
}

// ListInstances returns all active instances.
func (s *Storage) ListInstances() ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, name, key_seed, tip_reserve_seed, tip_exchange, active, created_at
		FROM merchant_instances WHERE active = 1 ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		var inst Instance
		var active int
		var createdAt int64
		var tipExchange sql.NullString
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.KeySeed,
			&inst.TipReserveSeed, &tipExchange, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		inst.TipExchange = tipExchange.String
		inst.Active = active == 1
		inst.CreatedAt = time.Unix(createdAt, 0)
		instances = append(instances, &inst)
	}
	return instances, rows.Err()
}

// DeactivateInstance soft-deletes an instance. Existing contracts stay
// valid; the instance stops accepting new orders.
func (s *Storage) DeactivateInstance(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`UPDATE merchant_instances SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate instance: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

// AddAccount adds a bank account to an instance.
func (s *Storage) AddAccount(acc *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	if acc.Active {
		active = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO merchant_accounts (instance_id, payto_uri, salt, h_wire, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, h_wire) DO UPDATE SET active = excluded.active
	`, acc.InstanceID, acc.PaytoURI, acc.Salt, acc.HWire, active)
	if err != nil {
		return fmt.Errorf("failed to add account: %w", err)
	}
	return nil
}

// ListAccounts returns accounts for an instance. With activeOnly set,
// inactive accounts are omitted (they remain valid for old contracts).
func (s *Storage) ListAccounts(instanceID string, activeOnly bool) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT instance_id, payto_uri, salt, h_wire, active
		FROM merchant_accounts WHERE instance_id = ?
	`
	if activeOnly {
		query += " AND active = 1"
	}
	query += " ORDER BY h_wire"

	rows, err := s.db.Query(query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var acc Account
		var active int
		if err := rows.Scan(&acc.InstanceID, &acc.PaytoURI, &acc.Salt, &acc.HWire, &active); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		acc.Active = active == 1
		accounts = append(accounts, &acc)
	}
	return accounts, rows.Err()
}

// GetAccountByHash looks up an account by its wire hash.
func (s *Storage) GetAccountByHash(instanceID, hWire string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var acc Account
	var active int
	err := s.db.QueryRow(`
		SELECT instance_id, payto_uri, salt, h_wire, active
		FROM merchant_accounts WHERE instance_id = ? AND h_wire = ?
	`, instanceID, hWire).Scan(&acc.InstanceID, &acc.PaytoURI, &acc.Salt, &acc.HWire, &active)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	acc.Active = active == 1
	return &acc, nil
}
