// Package pay implements the payment coordinator: it validates a
// wallet's coin set against a claimed contract, fans the deposits out
// to the issuing exchanges, and atomically finalizes the payment.
package pay

import (
	"encoding/json"
	"errors"

	"github.com/talerforge/merchantd/internal/refund"
	"github.com/talerforge/merchantd/pkg/amount"
)

// Coordinator errors. ErrPaymentFailed and ErrExchangesUnavailable are
// returned together with a result carrying the per-coin breakdown.
var (
	ErrContractNotFound      = errors.New("contract not found")
	ErrPayDeadlineExpired    = errors.New("pay deadline expired")
	ErrInsufficientCoverage  = errors.New("coins do not cover contract amount")
	ErrCoinAmountMismatch    = errors.New("coin amount does not match denomination fee")
	ErrFeesTooHigh           = errors.New("fees exceed contract max fee")
	ErrInvalidCoin           = errors.New("invalid coin")
	ErrPaymentFailed         = errors.New("payment failed")
	ErrReplayMismatch        = errors.New("paid contract resubmitted with different coins")
	ErrExchangesUnavailable  = errors.New("exchange unavailable, retry later")
	ErrAbortAfterCompletion  = errors.New("cannot abort a completed payment")
)

// Mode selects between paying and aborting a partial payment.
type Mode string

const (
	ModePay         Mode = "pay"
	ModeAbortRefund Mode = "abort-refund"
)

// Coin is one coin offered against a contract.
type Coin struct {
	CoinPub          string        `json:"coin_pub"`
	DenomPubHash     string        `json:"denom_pub_hash"`
	UBSig            string        `json:"ub_sig"`
	CoinSig          string        `json:"coin_sig"`
	ExchangeURL      string        `json:"exchange_url"`
	AmountWithFee    amount.Amount `json:"contribution"`
	AmountWithoutFee amount.Amount `json:"amount_without_fee"`
}

// Outcome classifies one coin's deposit attempt.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeDoubleSpend  Outcome = "double-spend"
	OutcomeDenomInvalid Outcome = "denomination-invalid"
	OutcomeUnavailable  Outcome = "exchange-unavailable"
	OutcomeProtocol     Outcome = "exchange-protocol"
)

// CoinError reports one failed coin to the wallet. For double spends
// the exchange's signed coin history is attached as evidence.
type CoinError struct {
	CoinPub       string          `json:"coin_pub"`
	Outcome       Outcome         `json:"outcome"`
	Hint          string          `json:"hint,omitempty"`
	ExchangeProof json.RawMessage `json:"exchange_proof,omitempty"`
}

// Result is the coordinator's answer.
type Result struct {
	Paid        bool        `json:"paid"`
	MerchantPub string      `json:"merchant_pub,omitempty"`
	MerchantSig string      `json:"merchant_sig,omitempty"`
	CoinErrors  []CoinError `json:"coin_errors,omitempty"`

	// RefundPermissions is set in abort-refund mode for coins that had
	// already been deposited.
	RefundPermissions []refund.Permission `json:"refund_permissions,omitempty"`
}

// depositOutcome is one coin's classified fan-out result.
type depositOutcome struct {
	coin    Coin
	outcome Outcome
	hint    string
	proof   json.RawMessage
}
