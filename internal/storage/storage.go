// Package storage provides persistent storage for the merchant backend
// using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage errors
var (
	// ErrStoreBusy is returned when a transaction still conflicts after
	// the retry budget is exhausted.
	ErrStoreBusy = errors.New("store busy")
)

// txRetries is the number of attempts for a conflicting transaction.
const txRetries = 3

// Storage provides persistent storage for the merchant backend.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "merchant.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, retrying on lock conflicts up to
// txRetries times before surfacing ErrStoreBusy. All multi-row updates
// go through here.
func (s *Storage) withTx(fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetries; attempt++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			if isBusy(err) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreBusy, lastErr)
}

// isBusy reports whether err is a transient SQLite lock conflict.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Merchant instances (signing key seed is generated on first run)
	CREATE TABLE IF NOT EXISTS merchant_instances (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		key_seed BLOB NOT NULL,
		address TEXT,
		jurisdiction TEXT,
		tip_reserve_seed BLOB,
		tip_exchange TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);

	-- Bank accounts per instance; h_wire is the salted hash of the
	-- payto URI and identifies the account in contracts
	CREATE TABLE IF NOT EXISTS merchant_accounts (
		instance_id TEXT NOT NULL,
		payto_uri TEXT NOT NULL,
		salt TEXT NOT NULL,
		h_wire TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (instance_id, h_wire),
		FOREIGN KEY (instance_id) REFERENCES merchant_instances(id)
	);

	-- Unclaimed orders: created by the frontend, consumed by the first
	-- successful claim, purgeable after the pay deadline
	CREATE TABLE IF NOT EXISTS merchant_orders (
		instance_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		contract_terms TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		pay_deadline INTEGER NOT NULL,
		PRIMARY KEY (instance_id, order_id),
		FOREIGN KEY (instance_id) REFERENCES merchant_instances(id)
	);

	CREATE INDEX IF NOT EXISTS idx_orders_deadline ON merchant_orders(pay_deadline);

	-- Claimed, signed contracts. Immutable after insertion except for
	-- the paid flag.
	CREATE TABLE IF NOT EXISTS merchant_contract_terms (
		instance_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		contract_terms TEXT NOT NULL,
		h_contract TEXT NOT NULL UNIQUE,
		nonce TEXT NOT NULL,
		merchant_sig TEXT NOT NULL,
		amount TEXT NOT NULL,
		max_fee TEXT NOT NULL,
		wire_fee_amortization INTEGER NOT NULL DEFAULT 1,
		h_wire TEXT NOT NULL,
		pay_deadline INTEGER NOT NULL,
		refund_deadline INTEGER NOT NULL,
		wire_transfer_deadline INTEGER NOT NULL,
		paid INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (instance_id, order_id),
		FOREIGN KEY (instance_id) REFERENCES merchant_instances(id)
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_hash ON merchant_contract_terms(h_contract);

	-- Per-coin deposits with the exchange's signed confirmation.
	-- Insertion order drives deterministic refund share computation.
	CREATE TABLE IF NOT EXISTS merchant_deposits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL,
		h_contract TEXT NOT NULL,
		coin_pub TEXT NOT NULL,
		exchange_url TEXT NOT NULL,
		amount_with_fee TEXT NOT NULL,
		deposit_fee TEXT NOT NULL,
		refund_fee TEXT NOT NULL,
		exchange_pub TEXT NOT NULL,
		exchange_sig TEXT NOT NULL,
		proof TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE (h_contract, coin_pub)
	);

	CREATE INDEX IF NOT EXISTS idx_deposits_contract ON merchant_deposits(h_contract);

	-- Coin -> wire transfer id mapping, learned lazily from the exchange
	CREATE TABLE IF NOT EXISTS merchant_transfers (
		h_contract TEXT NOT NULL,
		coin_pub TEXT NOT NULL,
		wtid TEXT NOT NULL,
		exchange_url TEXT NOT NULL,
		execution_time INTEGER,
		PRIMARY KEY (h_contract, coin_pub)
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_wtid ON merchant_transfers(wtid);

	-- Exchange-signed aggregate transfer proofs, content-addressed and
	-- immutable
	CREATE TABLE IF NOT EXISTS merchant_proofs (
		exchange_url TEXT NOT NULL,
		wtid TEXT NOT NULL,
		proof TEXT NOT NULL,
		exchange_pub TEXT NOT NULL,
		exchange_sig TEXT NOT NULL,
		total TEXT NOT NULL,
		wire_fee TEXT NOT NULL,
		h_wire TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (exchange_url, wtid)
	);

	-- Refund authorization ledger; cumulative amount is monotone per
	-- contract and rtransaction ids increase strictly
	CREATE TABLE IF NOT EXISTS merchant_refunds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL,
		h_contract TEXT NOT NULL,
		rtransaction_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (h_contract, rtransaction_id)
	);

	CREATE INDEX IF NOT EXISTS idx_refunds_contract ON merchant_refunds(h_contract);

	-- Tip reserves: one per instance
	CREATE TABLE IF NOT EXISTS merchant_tip_reserves (
		instance_id TEXT PRIMARY KEY,
		reserve_pub TEXT NOT NULL,
		exchange_url TEXT NOT NULL,
		available TEXT NOT NULL,
		authorized TEXT NOT NULL,
		picked_up TEXT NOT NULL,
		expiration INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (instance_id) REFERENCES merchant_instances(id)
	);

	CREATE TABLE IF NOT EXISTS merchant_tips (
		tip_id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		reserve_pub TEXT NOT NULL,
		amount TEXT NOT NULL,
		picked_up TEXT NOT NULL,
		justification TEXT NOT NULL,
		extra TEXT,
		expiration INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (instance_id) REFERENCES merchant_instances(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tips_instance ON merchant_tips(instance_id);

	CREATE TABLE IF NOT EXISTS merchant_tip_pickups (
		pickup_id TEXT PRIMARY KEY,
		tip_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		num_planchets INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (tip_id) REFERENCES merchant_tips(tip_id)
	);

	-- Wire fee schedule learned from exchanges, consulted during the
	-- amortization check
	CREATE TABLE IF NOT EXISTS exchange_wire_fees (
		exchange_url TEXT NOT NULL,
		wire_method TEXT NOT NULL,
		wire_fee TEXT NOT NULL,
		start_date INTEGER NOT NULL,
		end_date INTEGER NOT NULL,
		PRIMARY KEY (exchange_url, wire_method, start_date)
	);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE merchant_transfers ADD COLUMN execution_time INTEGER",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
