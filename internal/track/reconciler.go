// Package track reconciles the merchant's deposit records with the
// exchange's settlement view: which wire transfer paid which coins,
// and whether the exchange's signed aggregates match what was
// deposited.
package track

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/talerforge/merchantd/internal/crypto"
	"github.com/talerforge/merchantd/internal/exchange"
	"github.com/talerforge/merchantd/internal/storage"
	"github.com/talerforge/merchantd/pkg/amount"
	"github.com/talerforge/merchantd/pkg/logging"
)

// Reconciler errors. The mismatch errors are fatal: they indicate the
// exchange's signed answer contradicts local records and must never be
// retried away.
var (
	ErrOrderNotPaid    = errors.New("order not paid")
	ErrUnknownDeposit  = errors.New("transfer references unknown deposit")
	ErrAmountMismatch  = errors.New("transfer amounts do not match deposits")
	ErrAccountMismatch = errors.New("transfer credits unknown account")
)

// pendingTTL bounds how long a "still pending" answer is served from
// cache before asking the exchange again.
const pendingTTL = 30 * time.Second

// Reconciler resolves orders to wire transfers and verifies transfer
// aggregates.
type Reconciler struct {
	store     *storage.Storage
	exchanges *exchange.Registry
	pending   *expirable.LRU[string, struct{}]
	log       *logging.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(store *storage.Storage, exchanges *exchange.Registry) *Reconciler {
	return &Reconciler{
		store:     store,
		exchanges: exchanges,
		pending:   expirable.NewLRU[string, struct{}](1024, nil, pendingTTL),
		log:       logging.Component("track"),
	}
}

// CoinStatus reports one coin's settlement state.
type CoinStatus struct {
	CoinPub string `json:"coin_pub"`
	WTID    string `json:"wtid,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// OrderTrack is the answer to a track-by-order request.
type OrderTrack struct {
	WTIDs []string     `json:"wtids"`
	Coins []CoinStatus `json:"coins"`

	// Pending is set while at least one coin has not been wired.
	Pending bool `json:"pending"`
}

// ByOrder resolves the wire transfers that settled an order's coins.
// Locally known mappings are served from the store; unknown coins are
// looked up at their exchange and the learned mapping is persisted.
func (r *Reconciler) ByOrder(ctx context.Context, instanceID, orderID string) (*OrderTrack, error) {
	contract, err := r.store.GetContract(instanceID, orderID)
	if err != nil {
		return nil, err
	}
	if !contract.Paid {
		return nil, ErrOrderNotPaid
	}

	inst, err := r.store.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	kp, err := crypto.KeyPairFromSeed(inst.KeySeed)
	if err != nil {
		return nil, err
	}

	deposits, err := r.store.ListDeposits(contract.HContract)
	if err != nil {
		return nil, err
	}

	known := make(map[string]string)
	transfers, err := r.store.ListTransfersForContract(contract.HContract)
	if err != nil {
		return nil, err
	}
	for _, t := range transfers {
		known[t.CoinPub] = t.WTID
	}

	track := &OrderTrack{}
	wtids := make(map[string]bool)
	cacheKey := instanceID + "/" + orderID

	for _, d := range deposits {
		if wtid, ok := known[d.CoinPub]; ok {
			track.Coins = append(track.Coins, CoinStatus{CoinPub: d.CoinPub, WTID: wtid})
			wtids[wtid] = true
			continue
		}

		// A recent pending answer suppresses the exchange round trip.
		if _, cached := r.pending.Get(cacheKey); cached {
			track.Coins = append(track.Coins, CoinStatus{CoinPub: d.CoinPub, Pending: true})
			track.Pending = true
			continue
		}

		status, err := r.trackCoin(ctx, contract, kp, d)
		if err != nil {
			return nil, err
		}
		if status.Pending {
			track.Pending = true
			r.pending.Add(cacheKey, struct{}{})
		} else {
			wtids[status.WTID] = true
		}
		track.Coins = append(track.Coins, status)
	}

	for wtid := range wtids {
		track.WTIDs = append(track.WTIDs, wtid)
	}
	return track, nil
}

// trackCoin asks the coin's exchange which transfer settled it and
// persists the learned mapping.
func (r *Reconciler) trackCoin(ctx context.Context, contract *storage.Contract, kp *crypto.KeyPair, d *storage.Deposit) (CoinStatus, error) {
	client, err := r.exchanges.Get(d.ExchangeURL)
	if err != nil {
		return CoinStatus{}, err
	}

	sig := crypto.SignHex(kp.Priv, crypto.PurposeTransfer, crypto.BuildPayload(
		[]byte(contract.HContract),
		[]byte(contract.HWire),
		[]byte(d.CoinPub),
	))

	result, err := client.TrackDeposit(ctx, contract.HWire, contract.HContract, d.CoinPub, kp.PubHex(), sig)
	if errors.Is(err, exchange.ErrDepositPending) {
		return CoinStatus{CoinPub: d.CoinPub, Pending: true}, nil
	}
	if err != nil {
		return CoinStatus{}, err
	}

	err = r.store.UpsertCoinTransfer(&storage.CoinTransfer{
		HContract:     contract.HContract,
		CoinPub:       d.CoinPub,
		WTID:          result.WTID,
		ExchangeURL:   d.ExchangeURL,
		ExecutionTime: result.ExecutionTime.Time,
	})
	if err != nil {
		return CoinStatus{}, err
	}

	r.log.Debug("learned transfer mapping", "coin", d.CoinPub, "wtid", result.WTID)
	return CoinStatus{CoinPub: d.CoinPub, WTID: result.WTID}, nil
}

// ByTransfer fetches (or recalls) the exchange's signed aggregate for
// a wire transfer and cross-checks it against local deposit records
// before persisting it as an immutable proof.
func (r *Reconciler) ByTransfer(ctx context.Context, instanceID, exchangeURL, wtid string) (*storage.TransferProof, error) {
	if proof, err := r.store.GetProof(exchangeURL, wtid); err == nil {
		return proof, nil
	} else if err != storage.ErrProofNotFound {
		return nil, err
	}

	client, err := r.exchanges.Get(exchangeURL)
	if err != nil {
		return nil, err
	}

	detail, err := client.TrackTransfer(ctx, wtid)
	if err != nil {
		return nil, err
	}

	if err := r.verifyTransfer(instanceID, detail); err != nil {
		return nil, err
	}

	for _, dep := range detail.Deposits {
		err := r.store.UpsertCoinTransfer(&storage.CoinTransfer{
			HContract:     dep.HContract,
			CoinPub:       dep.CoinPub,
			WTID:          wtid,
			ExchangeURL:   exchangeURL,
			ExecutionTime: detail.ExecutionTime.Time,
		})
		if err != nil {
			return nil, err
		}
	}

	proof := &storage.TransferProof{
		ExchangeURL: exchangeURL,
		WTID:        wtid,
		Proof:       detail.Raw,
		ExchangePub: detail.ExchangePub,
		ExchangeSig: detail.ExchangeSig,
		Total:       detail.Total.String(),
		WireFee:     detail.WireFee.String(),
		HWire:       detail.HWire,
		CreatedAt:   time.Now(),
	}
	if err := r.store.InsertProof(proof); err != nil {
		return nil, err
	}

	r.log.Info("transfer reconciled", "wtid", wtid, "total", detail.Total.String())
	return proof, nil
}

// verifyTransfer cross-checks the exchange's aggregate: the credited
// account must belong to the instance, every referenced deposit must
// exist locally with identical amounts, and the arithmetic
// Σ(value − fee) − wire fee must equal the claimed total.
func (r *Reconciler) verifyTransfer(instanceID string, detail *exchange.TransferDetail) error {
	if _, err := r.store.GetAccountByHash(instanceID, detail.HWire); err != nil {
		return fmt.Errorf("%w: h_wire %s", ErrAccountMismatch, detail.HWire)
	}

	sum := amount.Zero(detail.Total.Currency)
	for _, dep := range detail.Deposits {
		local, err := r.store.GetDeposit(dep.HContract, dep.CoinPub)
		if err == storage.ErrDepositNotFound {
			return fmt.Errorf("%w: coin %s contract %s", ErrUnknownDeposit, dep.CoinPub, dep.HContract)
		}
		if err != nil {
			return err
		}
		if local.AmountWithFee != dep.DepositValue.String() || local.DepositFee != dep.DepositFee.String() {
			return fmt.Errorf("%w: coin %s", ErrAmountMismatch, dep.CoinPub)
		}

		net, err := dep.DepositValue.Subtract(dep.DepositFee)
		if err != nil {
			return err
		}
		sum, err = sum.Add(net)
		if err != nil {
			return err
		}
	}

	expected, err := sum.Subtract(detail.WireFee)
	if err != nil {
		return fmt.Errorf("%w: wire fee exceeds deposits", ErrAmountMismatch)
	}
	if cmp, err := expected.Cmp(detail.Total); err != nil || cmp != 0 {
		return fmt.Errorf("%w: expected %s, exchange claims %s",
			ErrAmountMismatch, expected.String(), detail.Total.String())
	}
	return nil
}
