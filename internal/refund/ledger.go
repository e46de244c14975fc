// Package refund implements the monotone refund ledger: authorization
// increases with max-semantics, deterministic per-coin shares, and
// signed refund permissions for wallet pickup.
package refund

import (
	"errors"
	"fmt"

	"github.com/talerforge/merchantd/internal/crypto"
	"github.com/talerforge/merchantd/internal/longpoll"
	"github.com/talerforge/merchantd/internal/storage"
	"github.com/talerforge/merchantd/pkg/amount"
	"github.com/talerforge/merchantd/pkg/logging"
)

// Ledger errors
var (
	ErrContractNotFound      = storage.ErrContractNotFound
	ErrContractNotPaid       = errors.New("contract not paid")
	ErrExceedsContractAmount = errors.New("refund exceeds contract amount")
	ErrNothingRefunded       = errors.New("no refund authorized")
)

// Ledger wraps the persistent refund ledger with contract checks,
// share computation and signing.
type Ledger struct {
	store *storage.Storage
	lp    *longpoll.Registry
	log   *logging.Logger
}

// NewLedger creates a refund ledger.
func NewLedger(store *storage.Storage, lp *longpoll.Registry) *Ledger {
	return &Ledger{
		store: store,
		lp:    lp,
		log:   logging.Component("refund"),
	}
}

// Increase raises the authorized refund total to requested using
// max-semantics: lower or equal requests are accepted no-ops. Waiters
// long-polling for refunds are resumed when the total grows.
func (l *Ledger) Increase(instanceID, orderID string, requested amount.Amount, reason string) (amount.Amount, error) {
	contract, err := l.store.GetContract(instanceID, orderID)
	if err != nil {
		return amount.Amount{}, err
	}
	if !contract.Paid {
		return amount.Amount{}, ErrContractNotPaid
	}

	contractAmount, err := amount.Parse(contract.Amount)
	if err != nil {
		return amount.Amount{}, fmt.Errorf("corrupt contract amount: %w", err)
	}

	total, grew, err := l.store.IncreaseRefund(instanceID, contract.HContract, requested, contractAmount, reason)
	if errors.Is(err, storage.ErrRefundExceedsAmount) {
		return amount.Amount{}, ErrExceedsContractAmount
	}
	if err != nil {
		return amount.Amount{}, err
	}

	if grew {
		l.log.Info("refund increased", "order", orderID, "total", total.String())
		l.lp.ResumeRefund(instanceID, orderID, total)
	}
	return total, nil
}

// IncreaseByHash is Increase keyed by contract hash. Used by the
// payment coordinator's abort path, where only the hash is at hand.
func (l *Ledger) IncreaseByHash(hContract string, requested amount.Amount, reason string) (amount.Amount, error) {
	contract, err := l.store.GetContractByHash(hContract)
	if err != nil {
		return amount.Amount{}, err
	}

	contractAmount, err := amount.Parse(contract.Amount)
	if err != nil {
		return amount.Amount{}, fmt.Errorf("corrupt contract amount: %w", err)
	}

	total, grew, err := l.store.IncreaseRefund(contract.InstanceID, hContract, requested, contractAmount, reason)
	if errors.Is(err, storage.ErrRefundExceedsAmount) {
		return amount.Amount{}, ErrExceedsContractAmount
	}
	if err != nil {
		return amount.Amount{}, err
	}

	if grew {
		l.lp.ResumeRefund(contract.InstanceID, contract.OrderID, total)
	}
	return total, nil
}

// Share is the slice of the authorized refund assigned to one coin.
type Share struct {
	CoinPub     string
	ExchangeURL string
	Amount      amount.Amount
	RefundFee   amount.Amount
}

// Shares splits the authorized refund total across the contract's
// deposits. The split is deterministic: deposits are walked in
// insertion order and each absorbs as much of the remaining total as
// its deposited value allows.
func (l *Ledger) Shares(hContract string) ([]Share, error) {
	contract, err := l.store.GetContractByHash(hContract)
	if err != nil {
		return nil, err
	}
	contractAmount, err := amount.Parse(contract.Amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt contract amount: %w", err)
	}

	total, err := l.store.RefundTotal(hContract, contractAmount.Currency)
	if err != nil {
		return nil, err
	}
	if total.IsZero() {
		return nil, ErrNothingRefunded
	}

	deposits, err := l.store.ListDeposits(hContract)
	if err != nil {
		return nil, err
	}
	if len(deposits) == 0 {
		return nil, storage.ErrDepositNotFound
	}

	remaining := total
	var shares []Share
	for _, d := range deposits {
		if remaining.IsZero() {
			break
		}
		withFee, err := amount.Parse(d.AmountWithFee)
		if err != nil {
			return nil, fmt.Errorf("corrupt deposit amount: %w", err)
		}
		depositFee, err := amount.Parse(d.DepositFee)
		if err != nil {
			return nil, fmt.Errorf("corrupt deposit fee: %w", err)
		}
		refundFee, err := amount.Parse(d.RefundFee)
		if err != nil {
			return nil, fmt.Errorf("corrupt refund fee: %w", err)
		}
		value, err := withFee.Subtract(depositFee)
		if err != nil {
			return nil, err
		}

		share, err := amount.Min(remaining, value)
		if err != nil {
			return nil, err
		}
		remaining, err = remaining.Subtract(share)
		if err != nil {
			return nil, err
		}
		shares = append(shares, Share{
			CoinPub:     d.CoinPub,
			ExchangeURL: d.ExchangeURL,
			Amount:      share,
			RefundFee:   refundFee,
		})
	}

	// Totals above the summed deposit values cannot happen (the ledger
	// caps at the contract amount), but a rounding remainder lands on
	// the last deposit.
	if !remaining.IsZero() && len(shares) > 0 {
		last := &shares[len(shares)-1]
		grown, err := last.Amount.Add(remaining)
		if err != nil {
			return nil, err
		}
		last.Amount = grown
	}
	return shares, nil
}

// Permission is a merchant signature authorizing the wallet to redeem
// one coin's refund share at its exchange.
type Permission struct {
	CoinPub        string        `json:"coin_pub"`
	ExchangeURL    string        `json:"exchange_url"`
	RefundAmount   amount.Amount `json:"refund_amount"`
	RefundFee      amount.Amount `json:"refund_fee"`
	RTransactionID uint64        `json:"rtransaction_id"`
	MerchantPub    string        `json:"merchant_pub"`
	MerchantSig    string        `json:"merchant_sig"`
}

// Pickup produces refund permissions for the current shares. The
// signatures are a pure function of (contract, share, rtransaction id),
// so repeated pickups with an unchanged total return identical
// permissions.
func (l *Ledger) Pickup(hContract string) ([]Permission, error) {
	contract, err := l.store.GetContractByHash(hContract)
	if err != nil {
		return nil, err
	}
	inst, err := l.store.GetInstance(contract.InstanceID)
	if err != nil {
		return nil, err
	}
	kp, err := crypto.KeyPairFromSeed(inst.KeySeed)
	if err != nil {
		return nil, err
	}

	entries, err := l.store.ListRefunds(hContract)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNothingRefunded
	}
	rtx := entries[len(entries)-1].RTransactionID

	shares, err := l.Shares(hContract)
	if err != nil {
		return nil, err
	}

	permissions := make([]Permission, 0, len(shares))
	for _, share := range shares {
		payload := crypto.BuildPayload(
			[]byte(hContract),
			[]byte(share.CoinPub),
			[]byte(fmt.Sprintf("%d", rtx)),
			[]byte(share.Amount.String()),
			[]byte(share.RefundFee.String()),
		)
		permissions = append(permissions, Permission{
			CoinPub:        share.CoinPub,
			ExchangeURL:    share.ExchangeURL,
			RefundAmount:   share.Amount,
			RefundFee:      share.RefundFee,
			RTransactionID: rtx,
			MerchantPub:    kp.PubHex(),
			MerchantSig:    crypto.SignHex(kp.Priv, crypto.PurposeRefund, payload),
		})
	}
	return permissions, nil
}

// Total returns the contract's authorized refund total.
func (l *Ledger) Total(instanceID, orderID string) (amount.Amount, error) {
	contract, err := l.store.GetContract(instanceID, orderID)
	if err != nil {
		return amount.Amount{}, err
	}
	contractAmount, err := amount.Parse(contract.Amount)
	if err != nil {
		return amount.Amount{}, fmt.Errorf("corrupt contract amount: %w", err)
	}
	return l.store.RefundTotal(contract.HContract, contractAmount.Currency)
}
