// Package order implements the order and contract manager: it turns
// frontend order templates into persisted unclaimed orders and claims
// them into signed contracts.
package order

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/talerforge/merchantd/internal/config"
	"github.com/talerforge/merchantd/internal/crypto"
	"github.com/talerforge/merchantd/internal/storage"
	"github.com/talerforge/merchantd/pkg/amount"
	"github.com/talerforge/merchantd/pkg/logging"
)

// Manager errors
var (
	ErrOrderIDExists   = errors.New("order id already exists")
	ErrNoActiveAccount = errors.New("instance has no active account")
	ErrInvalidAmount   = errors.New("invalid order amount")
	ErrDeadlineInPast  = errors.New("deadline is in the past")
	ErrInvalidNonce    = errors.New("invalid claim nonce")
	ErrOrderNotFound   = storage.ErrOrderNotFound
	ErrAlreadyClaimed  = storage.ErrAlreadyClaimed
)

// Manager fills order templates, persists unclaimed orders and claims
// them into contracts.
type Manager struct {
	store *storage.Storage
	cfg   *config.Config
	log   *logging.Logger
}

// NewManager creates an order manager.
func NewManager(store *storage.Storage, cfg *config.Config) *Manager {
	return &Manager{
		store: store,
		cfg:   cfg,
		log:   logging.Component("order"),
	}
}

// Create fills a template's defaults and persists it as an unclaimed
// order. Returns the (possibly generated) order id.
func (m *Manager) Create(instanceID string, template json.RawMessage) (string, error) {
	inst, err := m.store.GetInstance(instanceID)
	if err != nil {
		return "", err
	}

	terms, err := decodeTerms(template)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	// Amount is the one field the frontend must supply.
	amtStr, _ := terms["amount"].(string)
	amt, err := amount.Parse(amtStr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if amt.Currency != m.cfg.Currency {
		return "", fmt.Errorf("%w: currency %s not accepted", ErrInvalidAmount, amt.Currency)
	}

	accounts, err := m.store.ListAccounts(instanceID, true)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", ErrNoActiveAccount
	}

	kp, err := crypto.KeyPairFromSeed(inst.KeySeed)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)

	orderID, _ := terms["order_id"].(string)
	if orderID == "" {
		orderID = generateOrderID(now)
		terms["order_id"] = orderID
	}

	payDeadline, err := m.fillDeadline(terms, "pay_deadline", now, m.cfg.Defaults.PayDelay)
	if err != nil {
		return "", err
	}
	refundDeadline, err := m.fillDeadline(terms, "refund_deadline", now, m.cfg.Defaults.RefundDelay)
	if err != nil {
		return "", err
	}
	wireDeadline, err := m.fillDeadline(terms, "wire_transfer_deadline", now, m.cfg.Defaults.WireTransferDelay)
	if err != nil {
		return "", err
	}
	// The exchange refuses deposits whose refund deadline outlives the
	// wire deadline; orders with an explicit earlier wire deadline get
	// it pushed out to the refund deadline.
	if wireDeadline.Before(refundDeadline) {
		terms["wire_transfer_deadline"] = tsObject(refundDeadline)
	}

	if _, ok := terms["timestamp"]; !ok {
		terms["timestamp"] = tsObject(now)
	}
	if _, ok := terms["max_fee"]; !ok {
		terms["max_fee"] = m.cfg.Defaults.MaxDepositFee
	}
	if _, ok := terms["max_wire_fee"]; !ok {
		terms["max_wire_fee"] = m.cfg.Defaults.MaxWireFee
	}
	if _, ok := terms["wire_fee_amortization"]; !ok {
		terms["wire_fee_amortization"] = json.Number(fmt.Sprint(m.cfg.Defaults.WireFeeAmortization))
	}

	terms["merchant_pub"] = kp.PubHex()
	terms["h_wire"] = accounts[0].HWire
	if _, ok := terms["merchant"]; !ok {
		merchant := map[string]interface{}{"name": inst.Name}
		if inst.Address != "" {
			merchant["address"] = json.RawMessage(inst.Address)
		}
		if inst.Jurisdiction != "" {
			merchant["jurisdiction"] = json.RawMessage(inst.Jurisdiction)
		}
		terms["merchant"] = merchant
	}

	encoded, err := json.Marshal(terms)
	if err != nil {
		return "", err
	}

	err = m.store.CreateUnclaimedOrder(&storage.UnclaimedOrder{
		InstanceID:    instanceID,
		OrderID:       orderID,
		ContractTerms: encoded,
		CreatedAt:     now,
		PayDeadline:   payDeadline,
	})
	if err == storage.ErrOrderExists {
		return "", ErrOrderIDExists
	}
	if err != nil {
		return "", err
	}

	m.log.Info("order created", "instance", instanceID, "order", orderID, "amount", amt.String())
	return orderID, nil
}

// Claim converts an unclaimed order into a signed contract, binding it
// to the wallet's nonce. Idempotent for repeated claims with the same
// nonce; a different nonce fails with ErrAlreadyClaimed.
func (m *Manager) Claim(instanceID, orderID, nonce string) (*storage.Contract, error) {
	if _, err := crypto.ParsePublicKey(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}

	inst, err := m.store.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	kp, err := crypto.KeyPairFromSeed(inst.KeySeed)
	if err != nil {
		return nil, err
	}

	contract, err := m.store.ClaimOrder(instanceID, orderID, nonce, func(raw json.RawMessage) (*storage.Contract, error) {
		terms, err := decodeTerms(raw)
		if err != nil {
			return nil, err
		}
		terms["nonce"] = nonce

		encoded, err := json.Marshal(terms)
		if err != nil {
			return nil, err
		}
		canonical, err := crypto.Canonicalize(encoded)
		if err != nil {
			return nil, err
		}
		hContract, err := crypto.ContractHashHex(canonical)
		if err != nil {
			return nil, err
		}
		sig := crypto.SignHex(kp.Priv, crypto.PurposeContract, []byte(hContract))

		payDeadline, err := deadlineFrom(terms, "pay_deadline")
		if err != nil {
			return nil, err
		}
		refundDeadline, err := deadlineFrom(terms, "refund_deadline")
		if err != nil {
			return nil, err
		}
		wireDeadline, err := deadlineFrom(terms, "wire_transfer_deadline")
		if err != nil {
			return nil, err
		}

		amt, _ := terms["amount"].(string)
		maxFee, _ := terms["max_fee"].(string)
		hWire, _ := terms["h_wire"].(string)
		amortization := uint32(1)
		if n, ok := terms["wire_fee_amortization"].(json.Number); ok {
			if v, err := n.Int64(); err == nil && v >= 1 {
				amortization = uint32(v)
			}
		}

		return &storage.Contract{
			InstanceID:           instanceID,
			OrderID:              orderID,
			ContractTerms:        canonical,
			HContract:            hContract,
			Nonce:                nonce,
			MerchantSig:          sig,
			Amount:               amt,
			MaxFee:               maxFee,
			WireFeeAmortization:  amortization,
			HWire:                hWire,
			PayDeadline:          payDeadline,
			RefundDeadline:       refundDeadline,
			WireTransferDeadline: wireDeadline,
			CreatedAt:            time.Now(),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("order claimed", "instance", instanceID, "order", orderID)
	return contract, nil
}

// PurgeExpired deletes unclaimed orders whose pay deadline has passed.
func (m *Manager) PurgeExpired(now time.Time) (int64, error) {
	n, err := m.store.PurgeExpiredOrders(now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("purged expired orders", "count", n)
	}
	return n, nil
}

// fillDeadline ensures the named deadline exists, defaulting it to
// now + delay, and checks it is not in the past.
func (m *Manager) fillDeadline(terms map[string]interface{}, key string, now time.Time, delay time.Duration) (time.Time, error) {
	if _, ok := terms[key]; !ok {
		terms[key] = tsObject(now.Add(delay))
	}
	deadline, err := deadlineFrom(terms, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	if deadline.Before(now) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrDeadlineInPast, key)
	}
	return deadline, nil
}

// decodeTerms parses contract terms preserving integer precision.
func decodeTerms(raw json.RawMessage) (map[string]interface{}, error) {
	var terms map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&terms); err != nil {
		return nil, err
	}
	if terms == nil {
		terms = make(map[string]interface{})
	}
	return terms, nil
}

// tsObject encodes an instant as the wire timestamp object.
func tsObject(t time.Time) map[string]interface{} {
	return map[string]interface{}{"t_ms": json.Number(fmt.Sprint(t.UnixMilli()))}
}

// deadlineFrom extracts a {"t_ms": n} timestamp from the terms.
func deadlineFrom(terms map[string]interface{}, key string) (time.Time, error) {
	obj, ok := terms[key].(map[string]interface{})
	if !ok {
		return time.Time{}, fmt.Errorf("missing timestamp %s", key)
	}
	n, ok := obj["t_ms"].(json.Number)
	if !ok {
		return time.Time{}, fmt.Errorf("malformed timestamp %s", key)
	}
	ms, err := n.Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %s: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}

// generateOrderID builds a time-derived order id: year.day_of_year and
// a sub-day nanosecond counter keep ids monotone within an instance.
func generateOrderID(now time.Time) string {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("%s-%011d", now.Format("2006.002"), now.Sub(midnight).Nanoseconds())
}
