package tip

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talerforge/merchantd/internal/crypto"
	"github.com/talerforge/merchantd/internal/exchange"
	"github.com/talerforge/merchantd/internal/storage"
	"github.com/talerforge/merchantd/pkg/amount"
)

const testDenomHash = "tip-denom-eur-1"

type tipFixture struct {
	mgr     *Manager
	store   *storage.Storage
	exchURL string
	mux     *http.ServeMux

	reserveKP *crypto.KeyPair
	history   []exchange.ReserveHistoryEntry

	// failEv makes withdrawals of the listed planchets answer with 500.
	failEv map[string]bool
}

func newTipFixture(t *testing.T) *tipFixture {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "merchantd-tip-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	master, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	reserveKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	merchantKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	f := &tipFixture{store: store, mux: http.NewServeMux(), reserveKP: reserveKP, failEv: make(map[string]bool)}
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	f.exchURL = srv.URL

	require.NoError(t, store.UpsertInstance(&storage.Instance{
		ID: "default", Name: "Shop", KeySeed: merchantKP.Seed(),
		TipReserveSeed: reserveKP.Seed(), TipExchange: srv.URL,
		Active: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.UpsertInstance(&storage.Instance{
		ID: "notips", Name: "No Tips", KeySeed: merchantKP.Seed(),
		Active: true, CreatedAt: time.Now(),
	}))

	f.mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		ks := exchange.KeySet{
			MasterPub:  master.PubHex(),
			SigningPub: "signkey",
			ListIssue:  exchange.At(time.Now()),
			Denoms: []exchange.DenomKey{{
				DenomPubHash: testDenomHash,
				Value:        amount.MustParse("EUR:1"),
				FeeDeposit:   amount.MustParse("EUR:0.01"),
				FeeRefund:    amount.MustParse("EUR:0.01"),
				FeeRefresh:   amount.MustParse("EUR:0.01"),
				ValidFrom:    exchange.At(time.Now().Add(-time.Hour)),
				ExpireSpend:  exchange.At(time.Now().Add(time.Hour)),
				MasterSig:    "ms",
			}},
		}
		ks.EdDSASig = crypto.SignHex(master.Priv, crypto.PurposeKeySet,
			crypto.BuildPayload([]byte(ks.SigningPub), []byte(testDenomHash)))
		json.NewEncoder(w).Encode(ks)
	})

	f.mux.HandleFunc("GET /reserves/{pub}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("pub") != reserveKP.PubHex() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(exchange.ReserveStatus{
			Balance: amount.MustParse("EUR:0"),
			History: f.history,
		})
	})

	f.mux.HandleFunc("POST /reserves/{pub}/withdraw", func(w http.ResponseWriter, r *http.Request) {
		var req exchange.TipWithdrawRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if f.failEv[req.CoinEv] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		payload := crypto.BuildPayload([]byte(req.DenomPubHash), []byte(req.CoinEv))
		if err := crypto.VerifyHex(req.ReservePub, crypto.PurposeWithdraw, payload, req.ReserveSig); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(exchange.TipWithdrawResult{EvSig: "ev-" + req.CoinEv})
	})

	registry := exchange.NewRegistry()
	registry.Add(srv.URL, master.PubHex())
	f.mgr = NewManager(store, registry)
	return f
}

// fund seeds the reserve history with one funding deposit.
func (f *tipFixture) fund(amt string, at time.Time) {
	f.history = append(f.history, exchange.ReserveHistoryEntry{
		Type: exchange.ReserveDeposit, Amount: amount.MustParse(amt), Timestamp: exchange.At(at),
	})
}

func TestAuthorizeProbesReserve(t *testing.T) {
	f := newTipFixture(t)
	f.fund("EUR:10.02", time.Now())

	auth, err := f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:5.01"), "thanks", "")
	require.NoError(t, err)
	assert.NotEmpty(t, auth.TipID)
	assert.True(t, strings.HasPrefix(auth.TipURI, "taler://tip/"))
	assert.True(t, strings.HasSuffix(auth.TipURI, "/"+auth.TipID))

	reserve, err := f.store.GetTipReserve("default")
	require.NoError(t, err)
	assert.Equal(t, "EUR:10.02", reserve.Available)
	assert.Equal(t, "EUR:5.01", reserve.Authorized)
}

func TestAuthorizeInsufficientFunds(t *testing.T) {
	f := newTipFixture(t)
	f.fund("EUR:10.02", time.Now())

	_, err := f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:5.01"), "a", "")
	require.NoError(t, err)
	_, err = f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:5.01"), "b", "")
	require.NoError(t, err)

	// Exhausted: the refresh finds the same balance and the retry fails.
	_, err = f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:0.01"), "c", "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestAuthorizeRetriesAfterTopUp(t *testing.T) {
	f := newTipFixture(t)
	f.fund("EUR:5", time.Now())

	_, err := f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:4"), "a", "")
	require.NoError(t, err)

	// The reserve is topped up at the exchange; the stale local balance
	// triggers one refresh and the retry succeeds.
	f.fund("EUR:7", time.Now())
	_, err = f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:5"), "b", "")
	require.NoError(t, err)

	reserve, err := f.store.GetTipReserve("default")
	require.NoError(t, err)
	assert.Equal(t, "EUR:12", reserve.Available)
	assert.Equal(t, "EUR:9", reserve.Authorized)
}

func TestAuthorizeInstanceDoesNotTip(t *testing.T) {
	f := newTipFixture(t)

	_, err := f.mgr.Authorize(context.Background(), "notips", amount.MustParse("EUR:1"), "a", "")
	assert.ErrorIs(t, err, ErrInstanceDoesNotTip)
}

func TestAuthorizeReserveUnknown(t *testing.T) {
	f := newTipFixture(t)

	// Wrong reserve key at the exchange: the probe gets a 404.
	require.NoError(t, f.store.UpsertInstance(&storage.Instance{
		ID: "default", Name: "Shop", KeySeed: f.reserveKP.Seed(),
		TipReserveSeed: func() []byte {
			kp, _ := crypto.GenerateKeyPair()
			return kp.Seed()
		}(),
		TipExchange: f.exchURL, Active: true, CreatedAt: time.Now(),
	}))

	_, err := f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:1"), "a", "")
	assert.ErrorIs(t, err, ErrReserveUnknown)
}

func TestAuthorizeReserveExpired(t *testing.T) {
	f := newTipFixture(t)
	f.fund("EUR:10", time.Now().Add(-reserveIdleWindow-time.Hour))

	_, err := f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:1"), "a", "")
	assert.ErrorIs(t, err, ErrReserveExpired)
}

func TestProbeFoldsWithdrawals(t *testing.T) {
	f := newTipFixture(t)
	f.fund("EUR:10", time.Now())
	f.history = append(f.history, exchange.ReserveHistoryEntry{
		Type: exchange.ReserveWithdraw, Amount: amount.MustParse("EUR:3"), Timestamp: exchange.At(time.Now()),
	})

	_, err := f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:7"), "a", "")
	require.NoError(t, err)

	_, err = f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:0.01"), "b", "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestQueryReportsTotals(t *testing.T) {
	f := newTipFixture(t)
	f.fund("EUR:10.02", time.Now())

	_, err := f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:5.01"), "a", "")
	require.NoError(t, err)

	status, err := f.mgr.Query("default")
	require.NoError(t, err)
	assert.Equal(t, "EUR:10.02", status.Available)
	assert.Equal(t, "EUR:5.01", status.Authorized)
	assert.Equal(t, "EUR:0", status.PickedUp)
	require.Len(t, status.Tips, 1)
	assert.Equal(t, "a", status.Tips[0].Justification)
}

func TestQueryWithoutReserve(t *testing.T) {
	f := newTipFixture(t)

	_, err := f.mgr.Query("notips")
	assert.ErrorIs(t, err, ErrInstanceDoesNotTip)
}

func TestPickupWithdrawsPlanchets(t *testing.T) {
	f := newTipFixture(t)
	f.fund("EUR:10.02", time.Now())

	auth, err := f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:2"), "a", "")
	require.NoError(t, err)

	sigs, err := f.mgr.Pickup(context.Background(), auth.TipID, []Planchet{
		{DenomPubHash: testDenomHash, CoinEv: "ev1"},
		{DenomPubHash: testDenomHash, CoinEv: "ev2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-ev1", "ev-ev2"}, sigs)

	tip, err := f.store.GetTip(auth.TipID)
	require.NoError(t, err)
	assert.Equal(t, "EUR:2", tip.PickedUp)

	// The tip is exhausted; further pickups are refused.
	_, err = f.mgr.Pickup(context.Background(), auth.TipID, []Planchet{
		{DenomPubHash: testDenomHash, CoinEv: "ev3"},
	})
	assert.ErrorIs(t, err, ErrTipExhausted)
}

func TestPickupRollsBackOnExchangeFailure(t *testing.T) {
	f := newTipFixture(t)
	f.fund("EUR:10.02", time.Now())

	auth, err := f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:2"), "a", "")
	require.NoError(t, err)

	// The second planchet's withdrawal fails mid-batch; the allocation
	// must be credited back, not burned.
	f.failEv["ev2"] = true
	planchets := []Planchet{
		{DenomPubHash: testDenomHash, CoinEv: "ev1"},
		{DenomPubHash: testDenomHash, CoinEv: "ev2"},
	}
	_, err = f.mgr.Pickup(context.Background(), auth.TipID, planchets)
	assert.ErrorIs(t, err, exchange.ErrExchangeUnavailable)

	tip, err := f.store.GetTip(auth.TipID)
	require.NoError(t, err)
	assert.Equal(t, "EUR:0", tip.PickedUp)
	reserve, err := f.store.GetTipReserve("default")
	require.NoError(t, err)
	assert.Equal(t, "EUR:0", reserve.PickedUp)

	// A retry with the same planchets succeeds once the exchange is back.
	delete(f.failEv, "ev2")
	sigs, err := f.mgr.Pickup(context.Background(), auth.TipID, planchets)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-ev1", "ev-ev2"}, sigs)

	tip, err = f.store.GetTip(auth.TipID)
	require.NoError(t, err)
	assert.Equal(t, "EUR:2", tip.PickedUp)
}

func TestPickupUnknownDenom(t *testing.T) {
	f := newTipFixture(t)
	f.fund("EUR:10", time.Now())

	auth, err := f.mgr.Authorize(context.Background(), "default", amount.MustParse("EUR:2"), "a", "")
	require.NoError(t, err)

	_, err = f.mgr.Pickup(context.Background(), auth.TipID, []Planchet{
		{DenomPubHash: "no-such-denom", CoinEv: "ev1"},
	})
	assert.ErrorIs(t, err, exchange.ErrDenomUnknown)
}

func TestPickupValidation(t *testing.T) {
	f := newTipFixture(t)

	_, err := f.mgr.Pickup(context.Background(), "missing", []Planchet{{DenomPubHash: testDenomHash, CoinEv: "x"}})
	assert.ErrorIs(t, err, ErrTipNotFound)

	_, err = f.mgr.Pickup(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNoPlanchets)
}
