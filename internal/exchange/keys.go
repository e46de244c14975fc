package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/talerforge/merchantd/internal/crypto"
)

// keysTTL bounds how long a fetched key set is served from cache.
const keysTTL = 15 * time.Minute

// denomCacheSize bounds the denomination lookup cache. Exchanges
// publish a few dozen denominations per currency.
const denomCacheSize = 256

// keyCache holds the last verified key set and a per-denomination
// lookup cache that survives key set rotation.
type keyCache struct {
	mu        sync.Mutex
	keySet    *KeySet
	fetchedAt time.Time
	denoms    *expirable.LRU[string, *DenomKey]
}

func newKeyCache() *keyCache {
	return &keyCache{
		denoms: expirable.NewLRU[string, *DenomKey](denomCacheSize, nil, keysTTL),
	}
}

// Keys returns the exchange's current key set, fetching and verifying
// it when the cached copy is stale.
func (c *Client) Keys(ctx context.Context) (*KeySet, error) {
	c.keys.mu.Lock()
	if c.keys.keySet != nil && time.Since(c.keys.fetchedAt) < keysTTL {
		ks := c.keys.keySet
		c.keys.mu.Unlock()
		return ks, nil
	}
	c.keys.mu.Unlock()

	ks, err := c.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}

	c.keys.mu.Lock()
	c.keys.keySet = ks
	c.keys.fetchedAt = time.Now()
	for i := range ks.Denoms {
		c.keys.denoms.Add(ks.Denoms[i].DenomPubHash, &ks.Denoms[i])
	}
	c.keys.mu.Unlock()

	return ks, nil
}

// DenomByHash resolves one denomination, consulting the lookup cache
// before fetching a fresh key set. Unknown denominations after a fresh
// fetch yield ErrDenomUnknown.
func (c *Client) DenomByHash(ctx context.Context, denomPubHash string) (*DenomKey, error) {
	if d, ok := c.keys.denoms.Get(denomPubHash); ok {
		return d, nil
	}

	ks, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if d, ok := ks.Denom(denomPubHash); ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDenomUnknown, denomPubHash)
}

// InvalidateKeys drops the cached key set so the next call refetches.
// Used after deposit failures that suggest key rotation.
func (c *Client) InvalidateKeys() {
	c.keys.mu.Lock()
	c.keys.keySet = nil
	c.keys.mu.Unlock()
}

// fetchKeys downloads /keys and verifies the master signature envelope
// before trusting any denomination in it.
func (c *Client) fetchKeys(ctx context.Context) (*KeySet, error) {
	resp, body, err := c.get(ctx, "/keys")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.classify(resp.StatusCode, body)
	}

	var ks KeySet
	if err := json.Unmarshal(body, &ks); err != nil {
		return nil, fmt.Errorf("%w: bad keys answer: %v", ErrExchangeProtocol, err)
	}
	if ks.MasterPub != c.masterPub {
		return nil, fmt.Errorf("%w: master key mismatch", ErrExchangeProtocol)
	}
	if err := verifyKeySetSig(&ks); err != nil {
		return nil, err
	}

	ks.byHash = make(map[string]*DenomKey, len(ks.Denoms))
	for i := range ks.Denoms {
		ks.byHash[ks.Denoms[i].DenomPubHash] = &ks.Denoms[i]
	}
	c.log.Debug("fetched exchange keys", "denoms", len(ks.Denoms))
	return &ks, nil
}

// verifyKeySetSig checks the master signature over the signing key and
// the denomination hashes.
func verifyKeySetSig(ks *KeySet) error {
	fields := make([][]byte, 0, len(ks.Denoms)+1)
	fields = append(fields, []byte(ks.SigningPub))
	for _, d := range ks.Denoms {
		fields = append(fields, []byte(d.DenomPubHash))
	}
	payload := crypto.BuildPayload(fields...)
	if err := crypto.VerifyHex(ks.MasterPub, crypto.PurposeKeySet, payload, ks.EdDSASig); err != nil {
		return fmt.Errorf("%w: key set signature: %v", ErrExchangeProtocol, err)
	}
	return nil
}
