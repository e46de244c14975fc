// Package crypto - Purpose-tagged EdDSA signatures.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Purpose numbers provide domain separation between signature kinds. A
// signature made for one purpose never verifies under another.
type Purpose uint32

const (
	PurposeContract     Purpose = 1101 // merchant signs contract terms hash
	PurposePaymentOK    Purpose = 1104 // merchant confirms full payment
	PurposeRefund       Purpose = 1102 // merchant authorizes a coin refund
	PurposeTipPickup    Purpose = 1103 // reserve signs a tip withdrawal
	PurposeDeposit      Purpose = 1201 // coin signs a deposit permission (verified only)
	PurposeTransfer     Purpose = 1384 // exchange signs an aggregate transfer (verified only)
	PurposeDepositProof Purpose = 1385 // exchange confirms a single deposit (verified only)
	PurposeKeySet       Purpose = 1035 // exchange master key signs its key set (verified only)
	PurposeWithdraw     Purpose = 1200 // reserve signs a withdraw request
)

// purposePrefix builds the 8-byte domain separation header: purpose
// number and payload length, both big-endian uint32.
func purposePrefix(p Purpose, payloadLen int) []byte {
	var prefix [8]byte
	binary.BigEndian.PutUint32(prefix[0:4], uint32(p))
	binary.BigEndian.PutUint32(prefix[4:8], uint32(payloadLen)+8)
	return prefix[:]
}

// signBody computes the message actually signed: the SHA-512 of the
// purpose-prefixed payload.
func signBody(p Purpose, payload []byte) []byte {
	h := sha512.New()
	h.Write(purposePrefix(p, len(payload)))
	h.Write(payload)
	return h.Sum(nil)
}

// Sign signs the payload under the given purpose. The payload is the
// concatenation of the fixed-size fields the purpose covers; callers
// build it with BuildPayload.
func Sign(priv ed25519.PrivateKey, p Purpose, payload []byte) []byte {
	return ed25519.Sign(priv, signBody(p, payload))
}

// SignHex signs and returns the lowercase hex signature.
func SignHex(priv ed25519.PrivateKey, p Purpose, payload []byte) string {
	return hex.EncodeToString(Sign(priv, p, payload))
}

// Verify checks a purpose-tagged signature.
func Verify(pub ed25519.PublicKey, p Purpose, payload, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature length %d", ErrInvalidSignature, len(sig))
	}
	if !ed25519.Verify(pub, signBody(p, payload), sig) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyHex checks a hex-encoded purpose-tagged signature.
func VerifyHex(pubHex string, p Purpose, payload []byte, sigHex string) error {
	pub, err := ParsePublicKey(pubHex)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: not hex", ErrInvalidSignature)
	}
	return Verify(pub, p, payload, sig)
}

// BuildPayload concatenates signature payload fields in order. String
// fields are included as their UTF-8 bytes with a big-endian uint32
// length prefix so that field boundaries are unambiguous.
func BuildPayload(fields ...[]byte) []byte {
	total := 0
	for _, f := range fields {
		total += 4 + len(f)
	}
	out := make([]byte, 0, total)
	var lenBuf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		out = append(out, lenBuf[:]...)
		out = append(out, f...)
	}
	return out
}
