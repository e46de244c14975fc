// Package exchange provides the HTTP client for talking to payment
// exchanges: key discovery, coin deposits, settlement tracking, reserve
// inspection and tip withdrawals.
package exchange

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/talerforge/merchantd/pkg/amount"
)

// Client errors. ErrExchangeUnavailable covers transport failures and
// 5xx answers and is retryable; ErrExchangeProtocol covers answers that
// violate the protocol and is never retried.
var (
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	ErrExchangeProtocol    = errors.New("exchange protocol violation")
	ErrDenomUnknown        = errors.New("denomination unknown to exchange")
	ErrInsufficientFunds   = errors.New("coin has insufficient funds")
	ErrDepositPending      = errors.New("deposit not yet wired")
	ErrReserveUnknown      = errors.New("reserve unknown to exchange")
)

// Timestamp is the wire representation of an instant: milliseconds
// since the epoch, or the literal string "/never/".
type Timestamp struct {
	Time  time.Time
	Never bool
}

// MarshalJSON encodes as {"t_ms": n} or "/never/".
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Never {
		return []byte(`"/never/"`), nil
	}
	return json.Marshal(struct {
		TMs int64 `json:"t_ms"`
	}{t.Time.UnixMilli()})
}

// UnmarshalJSON accepts {"t_ms": n} and "/never/".
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == `"/never/"` {
		t.Never = true
		t.Time = time.Time{}
		return nil
	}
	var v struct {
		TMs int64 `json:"t_ms"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	t.Never = false
	t.Time = time.UnixMilli(v.TMs)
	return nil
}

// Never returns the "/never/" timestamp.
func Never() Timestamp {
	return Timestamp{Never: true}
}

// At wraps a concrete instant.
func At(tm time.Time) Timestamp {
	return Timestamp{Time: tm}
}

// DenomKey is one denomination published by an exchange, with its fee
// schedule and validity window.
type DenomKey struct {
	DenomPubHash string        `json:"denom_pub_hash"`
	Value        amount.Amount `json:"value"`
	FeeDeposit   amount.Amount `json:"fee_deposit"`
	FeeRefund    amount.Amount `json:"fee_refund"`
	FeeRefresh   amount.Amount `json:"fee_refresh"`
	ValidFrom    Timestamp     `json:"stamp_start"`
	ExpireSpend  Timestamp     `json:"stamp_expire_deposit"`
	MasterSig    string        `json:"master_sig"`
}

// KeySet is the exchange's /keys answer: its signing and master keys
// plus the denomination list, signed by the master key.
type KeySet struct {
	MasterPub   string     `json:"master_public_key"`
	SigningPub  string     `json:"signkey_pub"`
	ListIssue   Timestamp  `json:"list_issue_date"`
	Denoms      []DenomKey `json:"denoms"`
	EdDSASig    string     `json:"eddsa_sig"`

	byHash map[string]*DenomKey
}

// Denom looks up a denomination by its public key hash.
func (k *KeySet) Denom(denomPubHash string) (*DenomKey, bool) {
	d, ok := k.byHash[denomPubHash]
	return d, ok
}

// DepositRequest carries everything the exchange needs to accept one
// coin against a contract.
type DepositRequest struct {
	CoinPub       string          `json:"-"`
	ContribAmount amount.Amount   `json:"contribution"`
	DenomPubHash  string          `json:"denom_pub_hash"`
	UBSig         string          `json:"ub_sig"`
	HContract     string          `json:"h_contract_terms"`
	HWire         string          `json:"h_wire"`
	WireDetails   json.RawMessage `json:"wire"`
	Timestamp     Timestamp       `json:"timestamp"`
	RefundDeadline Timestamp      `json:"refund_deadline"`
	WireDeadline  Timestamp       `json:"wire_transfer_deadline"`
	MerchantPub   string          `json:"merchant_pub"`
	CoinSig       string          `json:"coin_sig"`
}

// DepositResult is a successful deposit confirmation: the exchange's
// signature over the deposit, made with its current signing key.
type DepositResult struct {
	ExchangePub string          `json:"exchange_pub"`
	ExchangeSig string          `json:"exchange_sig"`
	Proof       json.RawMessage `json:"-"`
}

// CoinHistory is attached to insufficient-funds answers as evidence of
// prior spending.
type CoinHistory struct {
	History json.RawMessage `json:"history"`
}

// DepositConflictError is the typed 409 answer: the coin was already
// spent elsewhere. The attached history proves it.
type DepositConflictError struct {
	CoinPub string
	History json.RawMessage
}

func (e *DepositConflictError) Error() string {
	return "coin " + e.CoinPub + ": " + ErrInsufficientFunds.Error()
}

func (e *DepositConflictError) Unwrap() error {
	return ErrInsufficientFunds
}

// TrackDepositResult reports which wire transfer settled a deposit.
type TrackDepositResult struct {
	WTID          string    `json:"wtid"`
	ExecutionTime Timestamp `json:"execution_time"`
	CoinContrib   string    `json:"coin_contribution"`
	ExchangeSig   string    `json:"exchange_sig"`
	ExchangePub   string    `json:"exchange_pub"`
}

// TransferDeposit is one line of an aggregate transfer breakdown.
type TransferDeposit struct {
	HContract     string        `json:"h_contract_terms"`
	CoinPub       string        `json:"coin_pub"`
	DepositValue  amount.Amount `json:"deposit_value"`
	DepositFee    amount.Amount `json:"deposit_fee"`
}

// TransferDetail is the exchange's signed answer for one wire transfer:
// the total, the wire fee, and the per-deposit breakdown.
type TransferDetail struct {
	Total        amount.Amount     `json:"total"`
	WireFee      amount.Amount     `json:"wire_fee"`
	MerchantPub  string            `json:"merchant_pub"`
	HWire        string            `json:"h_wire"`
	ExecutionTime Timestamp        `json:"execution_time"`
	Deposits     []TransferDeposit `json:"deposits"`
	ExchangeSig  string            `json:"exchange_sig"`
	ExchangePub  string            `json:"exchange_pub"`
	Raw          json.RawMessage   `json:"-"`
}

// Reserve history entry types.
const (
	ReserveDeposit  = "DEPOSIT"
	ReserveWithdraw = "WITHDRAW"
	ReserveClose    = "CLOSING"
	ReservePayback  = "PAYBACK"
)

// ReserveHistoryEntry is one event in a reserve's history.
type ReserveHistoryEntry struct {
	Type      string        `json:"type"`
	Amount    amount.Amount `json:"amount"`
	Timestamp Timestamp     `json:"timestamp"`
}

// ReserveStatus is the exchange's view of a reserve.
type ReserveStatus struct {
	Balance amount.Amount         `json:"balance"`
	History []ReserveHistoryEntry `json:"history"`
}

// TipWithdrawRequest withdraws one planchet from a tip reserve. The
// reserve signature authorizes spending reserve funds on the planchet.
type TipWithdrawRequest struct {
	DenomPubHash string `json:"denom_pub_hash"`
	CoinEv       string `json:"coin_ev"`
	ReservePub   string `json:"reserve_pub"`
	ReserveSig   string `json:"reserve_sig"`
}

// TipWithdrawResult carries the blind signature over the planchet.
type TipWithdrawResult struct {
	EvSig string `json:"ev_sig"`
}
