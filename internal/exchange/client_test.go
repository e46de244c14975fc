package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talerforge/merchantd/internal/crypto"
	"github.com/talerforge/merchantd/pkg/amount"
)

// fakeExchange is a minimal exchange for client tests. Handlers are
// swapped per test.
type fakeExchange struct {
	master *crypto.KeyPair
	mux    *http.ServeMux
	srv    *httptest.Server
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()

	master, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	f := &fakeExchange{master: master, mux: http.NewServeMux()}
	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeExchange) client() *Client {
	return NewClient(f.srv.URL, f.master.PubHex())
}

// serveKeys installs a /keys handler with a correctly signed key set.
func (f *fakeExchange) serveKeys(t *testing.T, denoms []DenomKey) {
	t.Helper()

	signing, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	fields := [][]byte{[]byte(signing.PubHex())}
	for _, d := range denoms {
		fields = append(fields, []byte(d.DenomPubHash))
	}
	sig := crypto.SignHex(f.master.Priv, crypto.PurposeKeySet, crypto.BuildPayload(fields...))

	ks := KeySet{
		MasterPub:  f.master.PubHex(),
		SigningPub: signing.PubHex(),
		Denoms:     denoms,
		EdDSASig:   sig,
	}
	f.mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ks)
	})
}

func testDenoms() []DenomKey {
	return []DenomKey{
		{
			DenomPubHash: "denom-1",
			Value:        amount.MustParse("EUR:5"),
			FeeDeposit:   amount.MustParse("EUR:0.01"),
			FeeRefund:    amount.MustParse("EUR:0.01"),
			FeeRefresh:   amount.MustParse("EUR:0.01"),
			ExpireSpend:  Never(),
		},
		{
			DenomPubHash: "denom-2",
			Value:        amount.MustParse("EUR:1"),
			FeeDeposit:   amount.MustParse("EUR:0.01"),
			FeeRefund:    amount.MustParse("EUR:0.01"),
			FeeRefresh:   amount.MustParse("EUR:0.01"),
			ExpireSpend:  Never(),
		},
	}
}

func TestKeysFetchAndCache(t *testing.T) {
	f := newFakeExchange(t)

	fetches := 0
	denoms := testDenoms()
	signing, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	fields := [][]byte{[]byte(signing.PubHex())}
	for _, d := range denoms {
		fields = append(fields, []byte(d.DenomPubHash))
	}
	sig := crypto.SignHex(f.master.Priv, crypto.PurposeKeySet, crypto.BuildPayload(fields...))

	f.mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(KeySet{
			MasterPub:  f.master.PubHex(),
			SigningPub: signing.PubHex(),
			Denoms:     denoms,
			EdDSASig:   sig,
		})
	})

	c := f.client()
	ks, err := c.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, ks.Denoms, 2)

	// Second call is served from cache.
	_, err = c.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)

	d, err := c.DenomByHash(context.Background(), "denom-2")
	require.NoError(t, err)
	assert.Equal(t, "EUR:1", d.Value.String())

	_, err = c.DenomByHash(context.Background(), "denom-x")
	assert.ErrorIs(t, err, ErrDenomUnknown)
}

func TestKeysBadSignature(t *testing.T) {
	f := newFakeExchange(t)

	f.mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(KeySet{
			MasterPub:  f.master.PubHex(),
			SigningPub: "sp",
			Denoms:     testDenoms(),
			EdDSASig:   "00",
		})
	})

	_, err := f.client().Keys(context.Background())
	assert.ErrorIs(t, err, ErrExchangeProtocol)
}

func TestKeysMasterMismatch(t *testing.T) {
	f := newFakeExchange(t)

	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	f.mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(KeySet{MasterPub: other.PubHex()})
	})

	_, err = f.client().Keys(context.Background())
	assert.ErrorIs(t, err, ErrExchangeProtocol)
}

func TestDepositOutcomes(t *testing.T) {
	f := newFakeExchange(t)

	f.mux.HandleFunc("POST /coins/good-coin/deposit", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(DepositResult{ExchangePub: "epub", ExchangeSig: "esig"})
	})
	f.mux.HandleFunc("POST /coins/spent-coin/deposit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(CoinHistory{History: json.RawMessage(`[{"type":"DEPOSIT"}]`)})
	})
	f.mux.HandleFunc("POST /coins/old-coin/deposit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	f.mux.HandleFunc("POST /coins/unlucky-coin/deposit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := f.client()
	ctx := context.Background()
	base := DepositRequest{
		ContribAmount: amount.MustParse("EUR:5"),
		DenomPubHash:  "denom-1",
		HContract:     "hc",
		HWire:         "hw",
		Timestamp:     At(testTime()),
	}

	good := base
	good.CoinPub = "good-coin"
	result, err := c.Deposit(ctx, &good)
	require.NoError(t, err)
	assert.Equal(t, "epub", result.ExchangePub)
	assert.NotEmpty(t, result.Proof)

	spent := base
	spent.CoinPub = "spent-coin"
	_, err = c.Deposit(ctx, &spent)
	var conflict *DepositConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "spent-coin", conflict.CoinPub)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	old := base
	old.CoinPub = "old-coin"
	_, err = c.Deposit(ctx, &old)
	assert.ErrorIs(t, err, ErrDenomUnknown)

	unlucky := base
	unlucky.CoinPub = "unlucky-coin"
	_, err = c.Deposit(ctx, &unlucky)
	assert.ErrorIs(t, err, ErrExchangeUnavailable)
}

func TestDepositMissingSignature(t *testing.T) {
	f := newFakeExchange(t)

	f.mux.HandleFunc("POST /coins/coin/deposit", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})

	req := DepositRequest{CoinPub: "coin", ContribAmount: amount.MustParse("EUR:1")}
	_, err := f.client().Deposit(context.Background(), &req)
	assert.ErrorIs(t, err, ErrExchangeProtocol)
}

func TestTrackDeposit(t *testing.T) {
	f := newFakeExchange(t)

	f.mux.HandleFunc("GET /deposits/hw/hc/settled", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TrackDepositResult{WTID: "WTID1", ExecutionTime: At(testTime())})
	})
	f.mux.HandleFunc("GET /deposits/hw/hc/pending", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	c := f.client()
	result, err := c.TrackDeposit(context.Background(), "hw", "hc", "settled", "mpub", "msig")
	require.NoError(t, err)
	assert.Equal(t, "WTID1", result.WTID)

	_, err = c.TrackDeposit(context.Background(), "hw", "hc", "pending", "mpub", "msig")
	assert.ErrorIs(t, err, ErrDepositPending)
}

func TestTrackTransferVerifiesSignature(t *testing.T) {
	f := newFakeExchange(t)

	epair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	detail := TransferDetail{
		Total:       amount.MustParse("EUR:9.9"),
		WireFee:     amount.MustParse("EUR:0.1"),
		MerchantPub: "mpub",
		HWire:       "hw",
		Deposits: []TransferDeposit{
			{HContract: "hc", CoinPub: "coin-1", DepositValue: amount.MustParse("EUR:10"), DepositFee: amount.MustParse("EUR:0.01")},
		},
		ExchangePub: epair.PubHex(),
	}
	payload := crypto.BuildPayload(
		[]byte(detail.Total.String()),
		[]byte(detail.WireFee.String()),
		[]byte(detail.MerchantPub),
		[]byte(detail.HWire),
	)
	detail.ExchangeSig = crypto.SignHex(epair.Priv, crypto.PurposeTransfer, payload)

	f.mux.HandleFunc("GET /transfers/WTID1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(detail)
	})
	tampered := detail
	tampered.Total = amount.MustParse("EUR:999")
	f.mux.HandleFunc("GET /transfers/WTID2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tampered)
	})

	c := f.client()
	got, err := c.TrackTransfer(context.Background(), "WTID1")
	require.NoError(t, err)
	assert.Equal(t, "EUR:9.9", got.Total.String())
	assert.NotEmpty(t, got.Raw)

	_, err = c.TrackTransfer(context.Background(), "WTID2")
	assert.ErrorIs(t, err, ErrExchangeProtocol)
}

func TestReserveStatus(t *testing.T) {
	f := newFakeExchange(t)

	f.mux.HandleFunc("GET /reserves/rpub", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ReserveStatus{
			Balance: amount.MustParse("EUR:10"),
			History: []ReserveHistoryEntry{
				{Type: ReserveDeposit, Amount: amount.MustParse("EUR:12")},
				{Type: ReserveWithdraw, Amount: amount.MustParse("EUR:2")},
			},
		})
	})

	c := f.client()
	status, err := c.ReserveStatus(context.Background(), "rpub")
	require.NoError(t, err)
	assert.Equal(t, "EUR:10", status.Balance.String())
	assert.Len(t, status.History, 2)

	_, err = c.ReserveStatus(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrReserveUnknown)
}

func TestTipWithdraw(t *testing.T) {
	f := newFakeExchange(t)

	f.mux.HandleFunc("POST /reserves/rpub/withdraw", func(w http.ResponseWriter, r *http.Request) {
		var req TipWithdrawRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReserveSig == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(TipWithdrawResult{EvSig: "blind-sig"})
	})
	f.mux.HandleFunc("POST /reserves/poor/withdraw", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	c := f.client()
	result, err := c.TipWithdraw(context.Background(), &TipWithdrawRequest{
		DenomPubHash: "denom-1", CoinEv: "ev", ReservePub: "rpub", ReserveSig: "rsig",
	})
	require.NoError(t, err)
	assert.Equal(t, "blind-sig", result.EvSig)

	_, err = c.TipWithdraw(context.Background(), &TipWithdrawRequest{ReservePub: "poor", ReserveSig: "rsig"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Add("https://exchange.test/", "mpub")

	// Lookup normalizes trailing slash and case.
	c, err := r.Get("https://EXCHANGE.test")
	require.NoError(t, err)
	assert.Equal(t, "https://exchange.test", c.BaseURL())

	_, err = r.Get("https://other.test/")
	assert.ErrorIs(t, err, ErrExchangeUnknown)

	release, err := r.Acquire(context.Background(), "https://exchange.test/")
	require.NoError(t, err)
	release()
}

func testTime() time.Time {
	return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
}
