// Package crypto implements the merchant's signing primitives: EdDSA
// keypairs, purpose-tagged signatures, and canonical contract hashing.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// Key errors
var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// KeyPair is an EdDSA keypair. The private key never leaves the process.
type KeyPair struct {
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh EdDSA keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &KeyPair{Pub: pub, Priv: priv}, nil
}

// KeyPairFromSeed reconstructs a keypair from a stored 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed length %d", ErrInvalidKey, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Pub: priv.Public().(ed25519.PublicKey), Priv: priv}, nil
}

// Seed returns the 32-byte seed suitable for persistence.
func (kp *KeyPair) Seed() []byte {
	return kp.Priv.Seed()
}

// PubHex returns the public key in lowercase hex.
func (kp *KeyPair) PubHex() string {
	return hex.EncodeToString(kp.Pub)
}

// ParsePublicKey decodes a hex public key and checks that it is a
// canonical point on the Edwards curve. Wallet-supplied coin public
// keys and claim nonces go through here before any use.
func ParsePublicKey(hexPub string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexPub)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidKey)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidKey, len(raw))
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: not a curve point", ErrInvalidKey)
	}
	return ed25519.PublicKey(raw), nil
}
