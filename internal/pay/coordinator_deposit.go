package pay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/talerforge/merchantd/internal/crypto"
	"github.com/talerforge/merchantd/internal/exchange"
	"github.com/talerforge/merchantd/internal/storage"
	"github.com/talerforge/merchantd/pkg/amount"
)

// retryDelay spaces the single retry of a retryable deposit failure.
const retryDelay = 500 * time.Millisecond

// depositAll fans the coin set out to the exchanges and waits for
// quiescence. Every coin gets exactly one classified outcome. The
// per-exchange concurrency bound lives in the exchange registry, so
// coins of the same exchange queue there while other exchanges proceed.
func (c *Coordinator) depositAll(ctx context.Context, contract *storage.Contract, merchantPub string, coins []Coin, denoms []*exchange.DenomKey, wireDetails json.RawMessage) []depositOutcome {
	outcomes := make([]depositOutcome, len(coins))

	g, gctx := errgroup.WithContext(ctx)
	for i := range coins {
		i := i
		g.Go(func() error {
			outcomes[i] = c.depositOne(gctx, contract, merchantPub, coins[i], denoms[i], wireDetails)
			return nil
		})
	}
	// Workers only record outcomes; the group never returns an error.
	_ = g.Wait()
	return outcomes
}

// depositOne submits a single coin, retrying once on a retryable
// failure, and persists the signed proof on success.
func (c *Coordinator) depositOne(ctx context.Context, contract *storage.Contract, merchantPub string, coin Coin, denom *exchange.DenomKey, wireDetails json.RawMessage) depositOutcome {
	// Replay: an existing deposit needs no exchange round trip.
	if _, err := c.store.GetDeposit(contract.HContract, coin.CoinPub); err == nil {
		return depositOutcome{coin: coin, outcome: OutcomeOK}
	}

	result, err := c.submit(ctx, contract, merchantPub, coin, wireDetails)
	if err != nil && errors.Is(err, exchange.ErrExchangeUnavailable) {
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return depositOutcome{coin: coin, outcome: OutcomeUnavailable, hint: ctx.Err().Error()}
		}
		result, err = c.submit(ctx, contract, merchantPub, coin, wireDetails)
	}
	if err != nil {
		return c.classifyDepositError(coin, denom, err)
	}

	deposit := &storage.Deposit{
		InstanceID:    contract.InstanceID,
		HContract:     contract.HContract,
		CoinPub:       coin.CoinPub,
		ExchangeURL:   coin.ExchangeURL,
		AmountWithFee: coin.AmountWithFee.String(),
		DepositFee:    denom.FeeDeposit.String(),
		RefundFee:     denom.FeeRefund.String(),
		ExchangePub:   result.ExchangePub,
		ExchangeSig:   result.ExchangeSig,
		Proof:         result.Proof,
		CreatedAt:     time.Now(),
	}
	if err := c.store.InsertDeposit(deposit); err != nil && err != storage.ErrDepositExists {
		c.log.Error("failed to persist deposit", "coin", coin.CoinPub, "error", err)
		return depositOutcome{coin: coin, outcome: OutcomeUnavailable, hint: "persistence failure"}
	}

	c.log.Debug("coin deposited", "coin", coin.CoinPub, "exchange", coin.ExchangeURL)
	return depositOutcome{coin: coin, outcome: OutcomeOK}
}

// submit performs one deposit RPC under the exchange's request slot.
func (c *Coordinator) submit(ctx context.Context, contract *storage.Contract, merchantPub string, coin Coin, wireDetails json.RawMessage) (*exchange.DepositResult, error) {
	release, err := c.exchanges.Acquire(ctx, coin.ExchangeURL)
	if err != nil {
		return nil, err
	}
	defer release()

	client, err := c.exchanges.Get(coin.ExchangeURL)
	if err != nil {
		return nil, err
	}

	return client.Deposit(ctx, &exchange.DepositRequest{
		CoinPub:        coin.CoinPub,
		ContribAmount:  coin.AmountWithFee,
		DenomPubHash:   coin.DenomPubHash,
		UBSig:          coin.UBSig,
		HContract:      contract.HContract,
		HWire:          contract.HWire,
		WireDetails:    wireDetails,
		Timestamp:      exchange.At(contract.CreatedAt),
		RefundDeadline: exchange.At(contract.RefundDeadline),
		WireDeadline:   exchange.At(contract.WireTransferDeadline),
		MerchantPub:    merchantPub,
		CoinSig:        coin.CoinSig,
	})
}

// classifyDepositError maps a client error to a per-coin outcome.
// Double-spend answers are checked for internal consistency first: a
// history that leaves enough residual value to cover this coin cannot
// justify the refusal and is treated as a protocol violation.
func (c *Coordinator) classifyDepositError(coin Coin, denom *exchange.DenomKey, err error) depositOutcome {
	var conflict *exchange.DepositConflictError
	switch {
	case errors.As(err, &conflict):
		if !historyJustifiesRefusal(coin.CoinPub, conflict.History, denom.Value, coin.AmountWithFee) {
			return depositOutcome{
				coin:    coin,
				outcome: OutcomeProtocol,
				hint:    "coin history does not justify refusal",
				proof:   conflict.History,
			}
		}
		return depositOutcome{
			coin:    coin,
			outcome: OutcomeDoubleSpend,
			hint:    "coin already spent",
			proof:   conflict.History,
		}

	case errors.Is(err, exchange.ErrDenomUnknown):
		return depositOutcome{coin: coin, outcome: OutcomeDenomInvalid, hint: err.Error()}

	case errors.Is(err, exchange.ErrExchangeUnavailable):
		return depositOutcome{coin: coin, outcome: OutcomeUnavailable, hint: err.Error()}

	default:
		return depositOutcome{coin: coin, outcome: OutcomeProtocol, hint: err.Error()}
	}
}

// historyJustifiesRefusal folds the exchange-reported spend history of
// a coin and checks that the residual value really cannot cover the
// requested contribution. Only entries carrying a valid spend signature
// by the coin's own key count as spending: an entry the merchant cannot
// verify is worthless as evidence and voids the refusal.
func historyJustifiesRefusal(coinPub string, history json.RawMessage, denomValue, requested amount.Amount) bool {
	var entries []struct {
		Type        string        `json:"type"`
		Amount      amount.Amount `json:"amount"`
		HContract   string        `json:"h_contract_terms"`
		MerchantPub string        `json:"merchant_pub"`
		CoinSig     string        `json:"coin_sig"`
	}
	if err := json.Unmarshal(history, &entries); err != nil || len(entries) == 0 {
		return false
	}

	spent := amount.Zero(denomValue.Currency)
	for _, e := range entries {
		var err error
		switch e.Type {
		case "DEPOSIT", "MELT":
			payload := crypto.BuildPayload(
				[]byte(e.HContract),
				[]byte(e.MerchantPub),
				[]byte(e.Amount.String()),
			)
			if crypto.VerifyHex(coinPub, crypto.PurposeDeposit, payload, e.CoinSig) != nil {
				return false
			}
			spent, err = spent.Add(e.Amount)
			if err != nil {
				return false
			}
		case "REFUND":
			// Refunds return value to the coin. Taking them at face value
			// only shrinks the spent total, so they need no verification.
			spent, err = spent.Subtract(e.Amount)
			if err != nil {
				return false
			}
		}
	}

	residual, err := denomValue.Subtract(spent)
	if err != nil {
		// Spent more than the denomination value: refusal stands.
		return true
	}
	cmp, err := residual.Cmp(requested)
	if err != nil {
		return false
	}
	return cmp < 0
}
