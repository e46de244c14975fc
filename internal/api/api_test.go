package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talerforge/merchantd/internal/config"
	"github.com/talerforge/merchantd/internal/crypto"
	"github.com/talerforge/merchantd/internal/exchange"
	"github.com/talerforge/merchantd/internal/longpoll"
	"github.com/talerforge/merchantd/internal/order"
	"github.com/talerforge/merchantd/internal/pay"
	"github.com/talerforge/merchantd/internal/refund"
	"github.com/talerforge/merchantd/internal/storage"
	"github.com/talerforge/merchantd/internal/tip"
	"github.com/talerforge/merchantd/internal/track"
	"github.com/talerforge/merchantd/pkg/amount"
)

const testDenomHash = "denom-eur-5"

type apiFixture struct {
	srv      *httptest.Server
	store    *storage.Storage
	merchant *crypto.KeyPair
	exchURL  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "merchantd-api-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	merchant, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, store.UpsertInstance(&storage.Instance{
		ID: "default", Name: "Shop", KeySeed: merchant.Seed(),
		Active: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.AddAccount(&storage.Account{
		InstanceID: "default", PaytoURI: "payto://iban/DE1234",
		Salt: "salt", HWire: "hw1", Active: true,
	}))

	master, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	exchMux := http.NewServeMux()
	exchMux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		ks := exchange.KeySet{
			MasterPub:  master.PubHex(),
			SigningPub: "signkey",
			ListIssue:  exchange.At(time.Now()),
			Denoms: []exchange.DenomKey{{
				DenomPubHash: testDenomHash,
				Value:        amount.MustParse("EUR:5"),
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
	exchMux.HandleFunc("POST /coins/{coin}/deposit", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"exchange_pub": "epub", "exchange_sig": "esig-" + r.PathValue("coin"),
		})
	})
	exchSrv := httptest.NewServer(exchMux)
	t.Cleanup(exchSrv.Close)

	registry := exchange.NewRegistry()
	registry.Add(exchSrv.URL, master.PubHex())

	cfg := config.DefaultConfig()
	lp := longpoll.NewRegistry()
	t.Cleanup(lp.Close)
	ledger := refund.NewLedger(store, lp)
	server := NewServer(store,
		order.NewManager(store, cfg),
		pay.NewCoordinator(store, registry, lp, ledger, cfg),
		ledger,
		track.NewReconciler(store, registry),
		tip.NewManager(store, registry),
		lp,
	)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, store: store, merchant: merchant, exchURL: exchSrv.URL}
}

// call sends a JSON request and decodes the JSON answer.
func (f *apiFixture) call(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

// createAndClaim runs an order through creation and claim, returning
// (order id, h_contract).
func (f *apiFixture) createAndClaim(t *testing.T, amt string) (string, string) {
	t.Helper()

	status, resp := f.call(t, "POST", "/instances/default/orders", map[string]interface{}{
		"order": map[string]interface{}{"amount": amt, "summary": "test order"},
	})
	require.Equal(t, http.StatusOK, status, "create: %v", resp)
	orderID := resp["order_id"].(string)

	nonce, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	status, resp = f.call(t, "POST", "/instances/default/orders/"+orderID+"/claim",
		map[string]string{"nonce": nonce.PubHex()})
	require.Equal(t, http.StatusOK, status, "claim: %v", resp)

	return orderID, resp["h_contract"].(string)
}

// makeCoin builds a valid EUR:5 coin spending against the contract.
func (f *apiFixture) makeCoin(t *testing.T, hContract string) pay.Coin {
	t.Helper()

	wallet, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	withFee := amount.MustParse("EUR:5")
	payload := crypto.BuildPayload(
		[]byte(hContract),
		[]byte(f.merchant.PubHex()),
		[]byte(withFee.String()),
	)
	return pay.Coin{
		CoinPub:          wallet.PubHex(),
		DenomPubHash:     testDenomHash,
		UBSig:            "ub",
		CoinSig:          crypto.SignHex(wallet.Priv, crypto.PurposeDeposit, payload),
		ExchangeURL:      f.exchURL,
		AmountWithFee:    withFee,
		AmountWithoutFee: amount.MustParse("EUR:4.99"),
	}
}

// payOrder completes a payment with two EUR:5 coins.
func (f *apiFixture) payOrder(t *testing.T, orderID, hContract string) {
	t.Helper()

	status, resp := f.call(t, "POST", "/instances/default/orders/"+orderID+"/pay",
		map[string]interface{}{"coins": []pay.Coin{f.makeCoin(t, hContract), f.makeCoin(t, hContract)}})
	require.Equal(t, http.StatusOK, status, "pay: %v", resp)
}

func TestOrderLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	orderID, hContract := f.createAndClaim(t, "EUR:9.98")

	status, resp := f.call(t, "GET", "/instances/default/orders/"+orderID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, resp["paid"])

	coins := []pay.Coin{f.makeCoin(t, hContract), f.makeCoin(t, hContract)}
	status, resp = f.call(t, "POST", "/instances/default/orders/"+orderID+"/pay",
		map[string]interface{}{"coins": coins})
	require.Equal(t, http.StatusOK, status, "pay: %v", resp)

	// The payment confirmation verifies against h_contract.
	require.NoError(t, crypto.VerifyHex(
		resp["merchant_pub"].(string), crypto.PurposePaymentOK,
		[]byte(hContract), resp["merchant_sig"].(string)))

	status, resp = f.call(t, "GET", "/instances/default/orders/"+orderID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, resp["paid"])
}

func TestCreateOrderRejectsBadBody(t *testing.T) {
	f := newAPIFixture(t)

	status, resp := f.call(t, "POST", "/instances/default/orders", map[string]string{"not": "an order"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.EqualValues(t, CodeBadRequest, resp["code"])
}

func TestClaimNonceConflict(t *testing.T) {
	f := newAPIFixture(t)

	status, resp := f.call(t, "POST", "/instances/default/orders", map[string]interface{}{
		"order": map[string]interface{}{"amount": "EUR:5", "summary": "x"},
	})
	require.Equal(t, http.StatusOK, status)
	orderID := resp["order_id"].(string)

	nonceA, _ := crypto.GenerateKeyPair()
	nonceB, _ := crypto.GenerateKeyPair()
	status, _ = f.call(t, "POST", "/instances/default/orders/"+orderID+"/claim",
		map[string]string{"nonce": nonceA.PubHex()})
	require.Equal(t, http.StatusOK, status)

	status, resp = f.call(t, "POST", "/instances/default/orders/"+orderID+"/claim",
		map[string]string{"nonce": nonceB.PubHex()})
	assert.Equal(t, http.StatusConflict, status)
	assert.EqualValues(t, CodeAlreadyClaimed, resp["code"])
}

func TestUnknownOrder(t *testing.T) {
	f := newAPIFixture(t)

	status, resp := f.call(t, "GET", "/instances/default/orders/no-such-order", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.EqualValues(t, CodeNotFound, resp["code"])
}

func TestLongPollWokenByPayment(t *testing.T) {
	f := newAPIFixture(t)
	orderID, hContract := f.createAndClaim(t, "EUR:9.98")

	type answer struct {
		status int
		body   map[string]interface{}
	}
	done := make(chan answer, 1)
	go func() {
		status, body := f.call(t, "GET",
			"/instances/default/orders/"+orderID+"?timeout_ms=5000", nil)
		done <- answer{status, body}
	}()

	time.Sleep(100 * time.Millisecond)
	f.payOrder(t, orderID, hContract)

	select {
	case a := <-done:
		require.Equal(t, http.StatusOK, a.status)
		assert.Equal(t, true, a.body["paid"])
	case <-time.After(5 * time.Second):
		t.Fatal("long poll did not complete")
	}
}

func TestLongPollTimesOut(t *testing.T) {
	f := newAPIFixture(t)
	orderID, _ := f.createAndClaim(t, "EUR:9.98")

	status, resp := f.call(t, "GET",
		"/instances/default/orders/"+orderID+"?timeout_ms=50", nil)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.EqualValues(t, CodeGatewayTimeout, resp["code"])
}

func TestRefundFlow(t *testing.T) {
	f := newAPIFixture(t)
	orderID, hContract := f.createAndClaim(t, "EUR:9.98")
	f.payOrder(t, orderID, hContract)

	status, resp := f.call(t, "POST", "/instances/default/orders/"+orderID+"/refund",
		map[string]string{"refund": "EUR:3", "reason": "damaged goods"})
	require.Equal(t, http.StatusOK, status, "refund: %v", resp)
	assert.Equal(t, "EUR:3", resp["refund_amount"])
	assert.Contains(t, resp["taler_refund_uri"], "taler://refund/")

	status, resp = f.call(t, "GET", "/instances/default/orders/"+orderID+"/refund", nil)
	require.Equal(t, http.StatusOK, status)
	perms := resp["refund_permissions"].([]interface{})
	require.NotEmpty(t, perms)

	// Beyond the contract amount the increase is refused.
	status, resp = f.call(t, "POST", "/instances/default/orders/"+orderID+"/refund",
		map[string]string{"refund": "EUR:100", "reason": "oops"})
	assert.Equal(t, http.StatusConflict, status)
	assert.EqualValues(t, CodeRefundExceedsAmount, resp["code"])
}

func TestRefundRequiresPayment(t *testing.T) {
	f := newAPIFixture(t)
	orderID, _ := f.createAndClaim(t, "EUR:9.98")

	status, resp := f.call(t, "POST", "/instances/default/orders/"+orderID+"/refund",
		map[string]string{"refund": "EUR:1", "reason": "x"})
	assert.Equal(t, http.StatusConflict, status)
	assert.EqualValues(t, CodeContractNotPaid, resp["code"])
}

func TestRefundPickupEmptyWithoutRefund(t *testing.T) {
	f := newAPIFixture(t)
	orderID, hContract := f.createAndClaim(t, "EUR:9.98")
	f.payOrder(t, orderID, hContract)

	status, resp := f.call(t, "GET", "/instances/default/orders/"+orderID+"/refund", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, resp["refund_permissions"])
}

func TestTipAuthorizeWithoutReserve(t *testing.T) {
	f := newAPIFixture(t)

	status, resp := f.call(t, "POST", "/instances/default/tips/authorize",
		map[string]string{"amount": "EUR:1", "justification": "survey"})
	assert.Equal(t, http.StatusPreconditionFailed, status)
	assert.EqualValues(t, CodeInstanceDoesNotTip, resp["code"])
}

func TestTrackTransferValidation(t *testing.T) {
	f := newAPIFixture(t)

	status, resp := f.call(t, "GET", "/instances/default/transfers", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.EqualValues(t, CodeBadRequest, resp["code"])
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	status, resp := f.call(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", resp["status"])

	metricsResp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/instances/default/orders", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://shop.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://shop.example", resp.Header.Get("Access-Control-Allow-Origin"))
}
