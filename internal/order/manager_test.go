package order

import (
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/talerforge/merchantd/internal/config"
	"github.com/talerforge/merchantd/internal/crypto"
	"github.com/talerforge/merchantd/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Storage) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "merchantd-order-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}
	if err := store.UpsertInstance(&storage.Instance{
		ID:        "default",
		Name:      "Test Shop",
		KeySeed:   kp.Seed(),
		Active:    true,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("failed to seed instance: %v", err)
	}
	if err := store.AddAccount(&storage.Account{
		InstanceID: "default",
		PaytoURI:   "payto://iban/DE1234",
		Salt:       "salt",
		HWire:      "hw1",
		Active:     true,
	}); err != nil {
		t.Fatalf("failed to add account: %v", err)
	}

	cfg := config.DefaultConfig()
	return NewManager(store, cfg), store
}

func testNonce(t *testing.T) string {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate nonce key: %v", err)
	}
	return kp.PubHex()
}

func TestCreateFillsDefaults(t *testing.T) {
	m, store := newTestManager(t)

	orderID, err := m.Create("default", json.RawMessage(`{"amount":"EUR:5","summary":"coffee"}`))
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	if orderID == "" {
		t.Fatal("expected a generated order id")
	}

	order, err := store.GetUnclaimedOrder("default", orderID)
	if err != nil {
		t.Fatalf("failed to read order: %v", err)
	}

	var terms map[string]interface{}
	if err := json.Unmarshal(order.ContractTerms, &terms); err != nil {
		t.Fatalf("failed to parse terms: %v", err)
	}
	for _, key := range []string{
		"order_id", "merchant_pub", "h_wire", "timestamp",
		"pay_deadline", "refund_deadline", "wire_transfer_deadline",
		"max_fee", "max_wire_fee", "wire_fee_amortization", "merchant",
	} {
		if _, ok := terms[key]; !ok {
			t.Errorf("terms missing default-filled key %s", key)
		}
	}
	if terms["h_wire"] != "hw1" {
		t.Errorf("expected account hash hw1, got %v", terms["h_wire"])
	}
	if order.PayDeadline.Before(time.Now()) {
		t.Error("pay deadline should be in the future")
	}
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)

	cases := []struct {
		name     string
		template string
		wantErr  error
	}{
		{"missing amount", `{"summary":"x"}`, ErrInvalidAmount},
		{"bad amount", `{"amount":"nonsense"}`, ErrInvalidAmount},
		{"wrong currency", `{"amount":"USD:5"}`, ErrInvalidAmount},
		{"past deadline", `{"amount":"EUR:5","pay_deadline":{"t_ms":1000}}`, ErrDeadlineInPast},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Create("default", json.RawMessage(tc.template))
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCreateDuplicateID(t *testing.T) {
	m, _ := newTestManager(t)

	template := json.RawMessage(`{"amount":"EUR:5","order_id":"fixed-1"}`)
	if _, err := m.Create("default", template); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := m.Create("default", template); !errors.Is(err, ErrOrderIDExists) {
		t.Errorf("expected ErrOrderIDExists, got %v", err)
	}
}

func TestCreateNoActiveAccount(t *testing.T) {
	m, store := newTestManager(t)

	// Deactivate the only account.
	if err := store.AddAccount(&storage.Account{
		InstanceID: "default", PaytoURI: "payto://iban/DE1234",
		Salt: "salt", HWire: "hw1", Active: false,
	}); err != nil {
		t.Fatalf("failed to deactivate account: %v", err)
	}

	_, err := m.Create("default", json.RawMessage(`{"amount":"EUR:5"}`))
	if !errors.Is(err, ErrNoActiveAccount) {
		t.Errorf("expected ErrNoActiveAccount, got %v", err)
	}
}

func TestClaimProducesVerifiableContract(t *testing.T) {
	m, store := newTestManager(t)

	orderID, err := m.Create("default", json.RawMessage(`{"amount":"EUR:5","summary":"book"}`))
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	nonce := testNonce(t)
	contract, err := m.Claim("default", orderID, nonce)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}

	// Hash is a pure function of the canonical terms.
	hash, err := crypto.ContractHashHex(contract.ContractTerms)
	if err != nil {
		t.Fatalf("failed to hash terms: %v", err)
	}
	if hash != contract.HContract {
		t.Error("stored hash does not match canonical terms")
	}

	// The merchant signature verifies under the instance key.
	inst, err := store.GetInstance("default")
	if err != nil {
		t.Fatalf("failed to get instance: %v", err)
	}
	kp, err := crypto.KeyPairFromSeed(inst.KeySeed)
	if err != nil {
		t.Fatalf("failed to derive keypair: %v", err)
	}
	if err := crypto.VerifyHex(kp.PubHex(), crypto.PurposeContract,
		[]byte(contract.HContract), contract.MerchantSig); err != nil {
		t.Errorf("merchant signature does not verify: %v", err)
	}

	// The nonce ended up inside the signed terms.
	var terms map[string]interface{}
	if err := json.Unmarshal(contract.ContractTerms, &terms); err != nil {
		t.Fatalf("failed to parse contract terms: %v", err)
	}
	if terms["nonce"] != nonce {
		t.Error("nonce missing from contract terms")
	}
}

func TestClaimIdempotence(t *testing.T) {
	m, _ := newTestManager(t)

	orderID, err := m.Create("default", json.RawMessage(`{"amount":"EUR:5"}`))
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	nonce := testNonce(t)
	c1, err := m.Claim("default", orderID, nonce)
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	c2, err := m.Claim("default", orderID, nonce)
	if err != nil {
		t.Fatalf("replay claim failed: %v", err)
	}
	if string(c1.ContractTerms) != string(c2.ContractTerms) || c1.MerchantSig != c2.MerchantSig {
		t.Error("replayed claim did not return byte-identical contract")
	}

	if _, err := m.Claim("default", orderID, testNonce(t)); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestClaimRejectsBadNonce(t *testing.T) {
	m, _ := newTestManager(t)

	orderID, err := m.Create("default", json.RawMessage(`{"amount":"EUR:5"}`))
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	if _, err := m.Claim("default", orderID, "not-a-key"); !errors.Is(err, ErrInvalidNonce) {
		t.Errorf("expected ErrInvalidNonce, got %v", err)
	}
}

func TestClaimUnknownOrder(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Claim("default", "missing", testNonce(t)); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}
