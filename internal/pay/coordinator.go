package pay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/talerforge/merchantd/internal/config"
	"github.com/talerforge/merchantd/internal/crypto"
	"github.com/talerforge/merchantd/internal/exchange"
	"github.com/talerforge/merchantd/internal/longpoll"
	"github.com/talerforge/merchantd/internal/refund"
	"github.com/talerforge/merchantd/internal/storage"
	"github.com/talerforge/merchantd/pkg/amount"
	"github.com/talerforge/merchantd/pkg/logging"
)

// Coordinator validates, deposits and finalizes payments.
type Coordinator struct {
	store     *storage.Storage
	exchanges *exchange.Registry
	lp        *longpoll.Registry
	refunds   *refund.Ledger
	cfg       *config.Config
	log       *logging.Logger
}

// NewCoordinator creates a payment coordinator.
func NewCoordinator(store *storage.Storage, exchanges *exchange.Registry, lp *longpoll.Registry, refunds *refund.Ledger, cfg *config.Config) *Coordinator {
	return &Coordinator{
		store:     store,
		exchanges: exchanges,
		lp:        lp,
		refunds:   refunds,
		cfg:       cfg,
		log:       logging.Component("pay"),
	}
}

// Pay processes a wallet's coin set for an order. In ModePay it
// deposits every coin and finalizes the contract when all succeed. In
// ModeAbortRefund it routes already-deposited coins through the refund
// ledger instead of completing the payment.
func (c *Coordinator) Pay(ctx context.Context, instanceID, orderID string, coins []Coin, mode Mode) (*Result, error) {
	contract, err := c.store.GetContract(instanceID, orderID)
	if err == storage.ErrContractNotFound {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}

	inst, err := c.store.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	kp, err := crypto.KeyPairFromSeed(inst.KeySeed)
	if err != nil {
		return nil, err
	}

	if mode == ModeAbortRefund {
		return c.abort(contract, coins)
	}

	if time.Now().After(contract.PayDeadline) && !contract.Paid {
		return nil, ErrPayDeadlineExpired
	}

	// Replay: a paid contract accepts only the coin set it was paid
	// with and answers with the identical receipt. A diverging set is a
	// conflict, never a second payment.
	if contract.Paid {
		done, err := c.allDeposited(contract, coins)
		if err != nil {
			return nil, err
		}
		if !done {
			return nil, ErrReplayMismatch
		}
		return c.successResult(contract, kp), nil
	}

	denoms, err := c.validateCoins(ctx, contract, kp.PubHex(), coins)
	if err != nil {
		return nil, err
	}
	if err := c.checkFees(contract, coins, denoms); err != nil {
		return nil, err
	}

	wireDetails, err := c.wireDetails(contract)
	if err != nil {
		return nil, err
	}

	outcomes := c.depositAll(ctx, contract, kp.PubHex(), coins, denoms, wireDetails)

	var coinErrors []CoinError
	retryable := false
	okCount := 0
	for _, o := range outcomes {
		if o.outcome == OutcomeOK {
			okCount++
			continue
		}
		if o.outcome == OutcomeUnavailable {
			retryable = true
		}
		coinErrors = append(coinErrors, CoinError{
			CoinPub:       o.coin.CoinPub,
			Outcome:       o.outcome,
			Hint:          o.hint,
			ExchangeProof: o.proof,
		})
	}

	if okCount == len(coins) {
		if err := c.finalize(contract); err != nil {
			return nil, err
		}
		return c.successResult(contract, kp), nil
	}

	result := &Result{Paid: false, CoinErrors: coinErrors}
	if retryable {
		return result, ErrExchangesUnavailable
	}
	return result, ErrPaymentFailed
}

// validateCoins checks structure, signatures, denominations and
// coverage. Returns the denomination of each coin by index.
func (c *Coordinator) validateCoins(ctx context.Context, contract *storage.Contract, merchantPub string, coins []Coin) ([]*exchange.DenomKey, error) {
	if len(coins) == 0 {
		return nil, fmt.Errorf("%w: no coins", ErrInsufficientCoverage)
	}

	contractAmount, err := amount.Parse(contract.Amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt contract amount: %w", err)
	}

	denoms := make([]*exchange.DenomKey, len(coins))
	covered := amount.Zero(contractAmount.Currency)

	for i, coin := range coins {
		if _, err := crypto.ParsePublicKey(coin.CoinPub); err != nil {
			return nil, fmt.Errorf("%w: coin %s: %v", ErrInvalidCoin, coin.CoinPub, err)
		}

		spendPayload := crypto.BuildPayload(
			[]byte(contract.HContract),
			[]byte(merchantPub),
			[]byte(coin.AmountWithFee.String()),
		)
		if err := crypto.VerifyHex(coin.CoinPub, crypto.PurposeDeposit, spendPayload, coin.CoinSig); err != nil {
			return nil, fmt.Errorf("%w: coin %s spend signature: %v", ErrInvalidCoin, coin.CoinPub, err)
		}

		client, err := c.exchanges.Get(coin.ExchangeURL)
		if err != nil {
			return nil, fmt.Errorf("%w: coin %s: %v", ErrInvalidCoin, coin.CoinPub, err)
		}
		denom, err := client.DenomByHash(ctx, coin.DenomPubHash)
		if err != nil {
			return nil, fmt.Errorf("%w: coin %s: %v", ErrInvalidCoin, coin.CoinPub, err)
		}
		if !denom.ExpireSpend.Never && time.Now().After(denom.ExpireSpend.Time) {
			return nil, fmt.Errorf("%w: coin %s: denomination expired", ErrInvalidCoin, coin.CoinPub)
		}
		denoms[i] = denom

		// amount-with-fee − deposit fee must equal amount-without-fee.
		net, err := coin.AmountWithFee.Subtract(denom.FeeDeposit)
		if err != nil {
			return nil, fmt.Errorf("%w: coin %s: %v", ErrCoinAmountMismatch, coin.CoinPub, err)
		}
		if cmp, err := net.Cmp(coin.AmountWithoutFee); err != nil || cmp != 0 {
			return nil, fmt.Errorf("%w: coin %s", ErrCoinAmountMismatch, coin.CoinPub)
		}

		covered, err = covered.Add(coin.AmountWithoutFee)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCoin, err)
		}
	}

	if cmp, err := covered.Cmp(contractAmount); err != nil || cmp < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrInsufficientCoverage, covered.String(), contractAmount.String())
	}
	return denoms, nil
}

// checkFees enforces the contract max fee including the amortized wire
// fee share: Σ deposit fees + wire_fee/amortization ≤ max fee.
func (c *Coordinator) checkFees(contract *storage.Contract, coins []Coin, denoms []*exchange.DenomKey) error {
	maxFee, err := amount.Parse(contract.MaxFee)
	if err != nil {
		return fmt.Errorf("corrupt contract max fee: %w", err)
	}

	totalFees := amount.Zero(maxFee.Currency)
	for _, denom := range denoms {
		totalFees, err = totalFees.Add(denom.FeeDeposit)
		if err != nil {
			return err
		}
	}

	if share, ok := c.wireFeeShare(contract, coins); ok {
		totalFees, err = totalFees.Add(share)
		if err != nil {
			return err
		}
	}

	if cmp, err := totalFees.Cmp(maxFee); err != nil || cmp > 0 {
		return fmt.Errorf("%w: %s > %s", ErrFeesTooHigh, totalFees.String(), maxFee.String())
	}
	return nil
}

// wireFeeShare computes the amortized wire fee for the coin set's
// first exchange. Without a known fee schedule the share is zero and
// the merchant absorbs the wire fee.
func (c *Coordinator) wireFeeShare(contract *storage.Contract, coins []Coin) (amount.Amount, bool) {
	account, err := c.store.GetAccountByHash(contract.InstanceID, contract.HWire)
	if err != nil {
		return amount.Amount{}, false
	}
	method := wireMethod(account.PaytoURI)
	if method == "" {
		return amount.Amount{}, false
	}

	fee, err := c.store.GetWireFee(coins[0].ExchangeURL, method, time.Now())
	if err != nil {
		return amount.Amount{}, false
	}
	wireFee, err := amount.Parse(fee.WireFee)
	if err != nil {
		return amount.Amount{}, false
	}

	amortization := contract.WireFeeAmortization
	if amortization < 1 {
		amortization = 1
	}
	share := amount.Amount{
		Currency: wireFee.Currency,
		Value:    wireFee.Value / uint64(amortization),
		Fraction: uint32((uint64(wireFee.Fraction) + (wireFee.Value%uint64(amortization))*amount.FractionBase) / uint64(amortization)),
	}
	return share, true
}

// wireMethod extracts the method from a payto URI
// ("payto://iban/DE123" -> "iban").
func wireMethod(paytoURI string) string {
	u, err := url.Parse(paytoURI)
	if err != nil || u.Scheme != "payto" {
		return ""
	}
	return strings.ToLower(u.Host)
}

// allDeposited reports whether every offered coin already has a
// persisted deposit under the contract.
func (c *Coordinator) allDeposited(contract *storage.Contract, coins []Coin) (bool, error) {
	for _, coin := range coins {
		_, err := c.store.GetDeposit(contract.HContract, coin.CoinPub)
		if err == storage.ErrDepositNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// finalize marks the contract paid and wakes long-poll waiters.
func (c *Coordinator) finalize(contract *storage.Contract) error {
	if err := c.store.MarkContractPaid(contract.HContract); err != nil {
		return err
	}
	c.log.Info("payment complete", "instance", contract.InstanceID, "order", contract.OrderID)
	c.lp.ResumePaid(contract.InstanceID, contract.OrderID)
	return nil
}

// successResult builds the payment-OK answer. The signature is
// deterministic, so replays reconstruct identical bytes.
func (c *Coordinator) successResult(contract *storage.Contract, kp *crypto.KeyPair) *Result {
	return &Result{
		Paid:        true,
		MerchantPub: kp.PubHex(),
		MerchantSig: crypto.SignHex(kp.Priv, crypto.PurposePaymentOK, []byte(contract.HContract)),
	}
}

// wireDetails reassembles the wire JSON the deposits reference: the
// account's payto URI and salt, hashing to the contract's h_wire.
func (c *Coordinator) wireDetails(contract *storage.Contract) (json.RawMessage, error) {
	account, err := c.store.GetAccountByHash(contract.InstanceID, contract.HWire)
	if err != nil {
		return nil, err
	}
	details, err := json.Marshal(crypto.WireDetails{
		Salt: account.Salt,
		URI:  account.PaytoURI,
	})
	if err != nil {
		return nil, err
	}
	return details, nil
}

// abort routes already-deposited coins of an unpaid contract through
// the refund ledger and returns signed refund permissions.
func (c *Coordinator) abort(contract *storage.Contract, coins []Coin) (*Result, error) {
	if contract.Paid {
		return nil, ErrAbortAfterCompletion
	}

	deposits, err := c.store.ListDeposits(contract.HContract)
	if err != nil {
		return nil, err
	}
	if len(deposits) == 0 {
		// Nothing was deposited; there is nothing to refund.
		return &Result{Paid: false}, nil
	}

	contractAmount, err := amount.Parse(contract.Amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt contract amount: %w", err)
	}

	// Refund each deposited coin's net contribution.
	total := amount.Zero(contractAmount.Currency)
	for _, d := range deposits {
		withFee, err := amount.Parse(d.AmountWithFee)
		if err != nil {
			return nil, fmt.Errorf("corrupt deposit amount: %w", err)
		}
		depositFee, err := amount.Parse(d.DepositFee)
		if err != nil {
			return nil, fmt.Errorf("corrupt deposit fee: %w", err)
		}
		net, err := withFee.Subtract(depositFee)
		if err != nil {
			return nil, err
		}
		total, err = total.Add(net)
		if err != nil {
			return nil, err
		}
	}
	capped, err := amount.Min(total, contractAmount)
	if err != nil {
		return nil, err
	}

	if _, err := c.refunds.IncreaseByHash(contract.HContract, capped, "payment aborted"); err != nil &&
		!errors.Is(err, refund.ErrExceedsContractAmount) {
		return nil, err
	}

	permissions, err := c.refunds.Pickup(contract.HContract)
	if err != nil {
		return nil, err
	}

	c.log.Info("payment aborted", "instance", contract.InstanceID,
		"order", contract.OrderID, "refunded", capped.String())
	return &Result{Paid: false, RefundPermissions: permissions}, nil
}
