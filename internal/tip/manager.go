// Package tip implements reserve-backed gratuities: the merchant
// authorizes a tip against an exchange-hosted reserve it controls, and
// the wallet later picks the tip up as blind-signed coins.
package tip

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/talerforge/merchantd/internal/crypto"
	"github.com/talerforge/merchantd/internal/exchange"
	"github.com/talerforge/merchantd/internal/storage"
	"github.com/talerforge/merchantd/pkg/amount"
	"github.com/talerforge/merchantd/pkg/logging"
)

// Manager errors.
var (
	ErrInstanceDoesNotTip = errors.New("instance has no tip reserve configured")
	ErrReserveUnknown     = errors.New("tip reserve unknown to exchange")
	ErrReserveExpired     = errors.New("tip reserve expired")
	ErrInsufficientFunds  = errors.New("tip reserve has insufficient funds")
	ErrTipExpired         = errors.New("tip expired")
	ErrNoPlanchets        = errors.New("pickup carries no planchets")

	ErrTipNotFound  = storage.ErrTipNotFound
	ErrTipExhausted = storage.ErrTipExhausted
)

// reserveIdleWindow is how long a reserve stays usable after its latest
// funding deposit before the exchange may close it.
const reserveIdleWindow = 4 * 7 * 24 * time.Hour

// Manager runs the tip subsystem for all instances.
type Manager struct {
	store     *storage.Storage
	exchanges *exchange.Registry
	log       *logging.Logger
}

// NewManager creates a tip manager.
func NewManager(store *storage.Storage, exchanges *exchange.Registry) *Manager {
	return &Manager{
		store:     store,
		exchanges: exchanges,
		log:       logging.Component("tip"),
	}
}

// Authorization is the answer to a successful tip authorization.
type Authorization struct {
	TipID      string    `json:"tip_id"`
	TipURI     string    `json:"taler_tip_uri"`
	Expiration time.Time `json:"-"`
}

// Authorize reserves part of the instance's tip reserve for a new tip.
// A stale local balance triggers one reserve refresh before the check
// is repeated; a second shortfall is final.
func (m *Manager) Authorize(ctx context.Context, instanceID string, amt amount.Amount, justification, extra string) (*Authorization, error) {
	inst, err := m.store.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	if len(inst.TipReserveSeed) == 0 || inst.TipExchange == "" {
		return nil, ErrInstanceDoesNotTip
	}
	kp, err := crypto.KeyPairFromSeed(inst.TipReserveSeed)
	if err != nil {
		return nil, err
	}

	reserve, err := m.store.GetTipReserve(instanceID)
	if errors.Is(err, storage.ErrReserveNotFound) {
		reserve, err = m.probeReserve(ctx, instanceID, kp.PubHex(), inst.TipExchange)
	}
	if err != nil {
		return nil, err
	}

	if !reserve.Expiration.After(time.Now()) {
		reserve, err = m.probeReserve(ctx, instanceID, kp.PubHex(), inst.TipExchange)
		if err != nil {
			return nil, err
		}
		if !reserve.Expiration.After(time.Now()) {
			return nil, ErrReserveExpired
		}
	}

	tip := &storage.Tip{
		TipID:         uuid.NewString(),
		InstanceID:    instanceID,
		ReservePub:    reserve.ReservePub,
		Amount:        amt.String(),
		Justification: justification,
		Extra:         extra,
		Expiration:    reserve.Expiration,
		CreatedAt:     time.Now(),
	}

	err = m.store.AuthorizeTip(tip)
	if errors.Is(err, storage.ErrTipInsufficientFunds) {
		// The committed balance may have grown since the last probe.
		if _, perr := m.probeReserve(ctx, instanceID, kp.PubHex(), inst.TipExchange); perr != nil {
			return nil, perr
		}
		err = m.store.AuthorizeTip(tip)
	}
	if errors.Is(err, storage.ErrTipInsufficientFunds) {
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, err
	}

	m.log.Info("tip authorized", "instance", instanceID, "tip", tip.TipID, "amount", tip.Amount)
	return &Authorization{
		TipID:      tip.TipID,
		TipURI:     tipURI(inst.TipExchange, tip.TipID),
		Expiration: tip.Expiration,
	}, nil
}

// Status is the answer to a tip subsystem query.
type Status struct {
	ReservePub string         `json:"reserve_pub"`
	Available  string         `json:"amount_available"`
	Authorized string         `json:"amount_authorized"`
	PickedUp   string         `json:"amount_picked_up"`
	Expiration time.Time      `json:"-"`
	Tips       []*storage.Tip `json:"-"`
}

// Query returns the instance's reserve counters and its tips.
func (m *Manager) Query(instanceID string) (*Status, error) {
	inst, err := m.store.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	if len(inst.TipReserveSeed) == 0 {
		return nil, ErrInstanceDoesNotTip
	}

	reserve, err := m.store.GetTipReserve(instanceID)
	if errors.Is(err, storage.ErrReserveNotFound) {
		return nil, ErrReserveUnknown
	}
	if err != nil {
		return nil, err
	}

	tips, err := m.store.ListTips(instanceID)
	if err != nil {
		return nil, err
	}

	return &Status{
		ReservePub: reserve.ReservePub,
		Available:  reserve.Available,
		Authorized: reserve.Authorized,
		PickedUp:   reserve.PickedUp,
		Expiration: reserve.Expiration,
		Tips:       tips,
	}, nil
}

// Planchet is one blind coin candidate submitted by the wallet.
type Planchet struct {
	DenomPubHash string `json:"denom_pub_hash"`
	CoinEv       string `json:"coin_ev"`
}

// Pickup withdraws one batch of planchets against a tip. The batch is
// accounted atomically against the tip's authorized amount before any
// exchange round trip, so concurrent pickups cannot overdraw.
func (m *Manager) Pickup(ctx context.Context, tipID string, planchets []Planchet) ([]string, error) {
	if len(planchets) == 0 {
		return nil, ErrNoPlanchets
	}

	tip, err := m.store.GetTip(tipID)
	if err != nil {
		return nil, err
	}
	if time.Now().After(tip.Expiration) {
		return nil, ErrTipExpired
	}

	inst, err := m.store.GetInstance(tip.InstanceID)
	if err != nil {
		return nil, err
	}
	kp, err := crypto.KeyPairFromSeed(inst.TipReserveSeed)
	if err != nil {
		return nil, err
	}
	reserve, err := m.store.GetTipReserve(tip.InstanceID)
	if err != nil {
		return nil, err
	}
	client, err := m.exchanges.Get(reserve.ExchangeURL)
	if err != nil {
		return nil, err
	}

	// Price the batch by denomination value.
	var total *amount.Amount
	for _, p := range planchets {
		denom, err := client.DenomByHash(ctx, p.DenomPubHash)
		if err != nil {
			return nil, err
		}
		if total == nil {
			z := amount.Zero(denom.Value.Currency)
			total = &z
		}
		sum, err := total.Add(denom.Value)
		if err != nil {
			return nil, err
		}
		*total = sum
	}

	pickup := &storage.TipPickup{
		PickupID:     uuid.NewString(),
		TipID:        tipID,
		Amount:       total.String(),
		NumPlanchets: len(planchets),
		CreatedAt:    time.Now(),
	}
	if err := m.store.RecordTipPickup(pickup); err != nil {
		return nil, err
	}

	sigs := make([]string, len(planchets))
	g, gctx := errgroup.WithContext(ctx)
	for i := range planchets {
		i := i
		g.Go(func() error {
			release, err := m.exchanges.Acquire(gctx, reserve.ExchangeURL)
			if err != nil {
				return err
			}
			defer release()

			p := planchets[i]
			sig := crypto.SignHex(kp.Priv, crypto.PurposeWithdraw, crypto.BuildPayload(
				[]byte(p.DenomPubHash),
				[]byte(p.CoinEv),
			))
			result, err := client.TipWithdraw(gctx, &exchange.TipWithdrawRequest{
				DenomPubHash: p.DenomPubHash,
				CoinEv:       p.CoinEv,
				ReservePub:   kp.PubHex(),
				ReserveSig:   sig,
			})
			if err != nil {
				return fmt.Errorf("planchet %d: %w", i, err)
			}
			sigs[i] = result.EvSig
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// No signatures were delivered; credit the allocation back so a
		// retry can pick the same value up again.
		if rbErr := m.store.RollbackTipPickup(pickup.PickupID); rbErr != nil {
			m.log.Error("pickup rollback failed", "pickup", pickup.PickupID, "error", rbErr)
		}
		return nil, err
	}

	m.log.Info("tip picked up", "tip", tipID, "planchets", len(planchets), "amount", pickup.Amount)
	return sigs, nil
}

// probeReserve queries the exchange for the reserve's history, folds it
// into the local balance counters and persists the refreshed row. The
// authorized and picked-up counters are local facts and survive the
// refresh.
func (m *Manager) probeReserve(ctx context.Context, instanceID, reservePub, exchangeURL string) (*storage.TipReserve, error) {
	client, err := m.exchanges.Get(exchangeURL)
	if err != nil {
		return nil, err
	}

	status, err := client.ReserveStatus(ctx, reservePub)
	if errors.Is(err, exchange.ErrReserveUnknown) {
		return nil, ErrReserveUnknown
	}
	if err != nil {
		return nil, err
	}

	available := amount.Zero(status.Balance.Currency)
	var latestDeposit time.Time
	for _, e := range status.History {
		switch e.Type {
		case exchange.ReserveDeposit:
			available, err = available.Add(e.Amount)
			if err != nil {
				return nil, fmt.Errorf("%w: reserve history: %v", exchange.ErrExchangeProtocol, err)
			}
			if e.Timestamp.Time.After(latestDeposit) {
				latestDeposit = e.Timestamp.Time
			}
		case exchange.ReserveWithdraw, exchange.ReserveClose:
			available, err = available.Subtract(e.Amount)
			if err != nil {
				return nil, fmt.Errorf("%w: reserve history underflow", exchange.ErrExchangeProtocol)
			}
		case exchange.ReservePayback:
			// Paybacks need manual reconciliation; never credited here.
			m.log.Warn("reserve payback event", "reserve", reservePub, "amount", e.Amount.String())
		}
	}

	zero := amount.Zero(available.Currency).String()
	err = m.store.UpsertTipReserve(&storage.TipReserve{
		InstanceID:  instanceID,
		ReservePub:  reservePub,
		ExchangeURL: exchangeURL,
		Available:   available.String(),
		Authorized:  zero,
		PickedUp:    zero,
		Expiration:  latestDeposit.Add(reserveIdleWindow),
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		return nil, err
	}

	m.log.Debug("reserve refreshed", "reserve", reservePub, "available", available.String())

	// Re-read: the upsert keeps any existing authorized/picked-up totals.
	return m.store.GetTipReserve(instanceID)
}

// tipURI builds the wallet-redeemable URI for a tip hosted at the given
// exchange.
func tipURI(exchangeURL, tipID string) string {
	host := exchangeURL
	if u, err := url.Parse(exchangeURL); err == nil && u.Host != "" {
		host = u.Host + u.Path
	}
	return "taler://tip/" + host + "/" + tipID
}
