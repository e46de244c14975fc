// Package crypto - Canonical JSON encoding and contract hashing.
package crypto

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize re-encodes arbitrary JSON into its canonical byte form:
// UTF-8, object keys sorted lexicographically, no insignificant
// whitespace, numbers kept exactly as they appeared (no float
// round-trip). Contract hashes are computed over this form only.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []interface{}:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case json.Number:
		buf.WriteString(val.String())
		return nil

	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// ContractHash computes the domain-separated SHA-512 hash of canonical
// contract terms. The hash identifies the contract in every downstream
// record (deposits, refunds, transfer proofs).
func ContractHash(raw json.RawMessage) ([]byte, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return nil, err
	}
	h := sha512.New()
	h.Write(purposePrefix(PurposeContract, len(canonical)))
	h.Write(canonical)
	return h.Sum(nil), nil
}

// ContractHashHex returns the contract hash in lowercase hex.
func ContractHashHex(raw json.RawMessage) (string, error) {
	sum, err := ContractHash(raw)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// WireDetails is the salted account reference embedded in deposits and
// hashed into each contract's h_wire.
type WireDetails struct {
	Salt string `json:"salt"`
	URI  string `json:"uri"`
}

// WireHashHex computes the account content hash: SHA-512 over the
// canonical JSON of the payto URI and its salt.
func WireHashHex(paytoURI, salt string) (string, error) {
	raw, err := json.Marshal(WireDetails{Salt: salt, URI: paytoURI})
	if err != nil {
		return "", err
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha512.Sum512(canonical)
	return hex.EncodeToString(sum[:]), nil
}
