package crypto

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// RawPubKeySize is the length of the uncompressed point representation
// (X||Y) used on the wire, with the leading 0x04 tag stripped.
const RawPubKeySize = 64

// uncompressedTag is the SEC1 tag byte for an uncompressed point.
const uncompressedTag = 0x04

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a new random signing key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes reconstructs a signing key from its 32-byte scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("crypto: private key must be 32 bytes, got %d", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// Bytes returns the raw 32-byte scalar.
func (p *PrivateKey) Bytes() []byte {
	return p.key.Serialize()
}

// PublicKey returns the raw 64-byte uncompressed point (X||Y) bound to p.
func (p *PrivateKey) PublicKey() []byte {
	uncompressed := p.key.PubKey().SerializeUncompressed()
	return uncompressed[1:] // strip the 0x04 tag.
}

// Address returns the address derived from p's public key.
func (p *PrivateKey) Address() string {
	return AddressFromPubKey(p.PublicKey())
}

// Sign produces an ECDSA signature over hash using p, encoded as DER bytes.
func Sign(p *PrivateKey, hash []byte) ([]byte, error) {
	if len(hash) != HashSize {
		return nil, fmt.Errorf("crypto: sign: hash must be %d bytes, got %d", HashSize, len(hash))
	}
	sig := ecdsa.Sign(p.key, hash)
	return sig.Serialize(), nil
}

// VerifySignature checks an ECDSA signature over hash against a raw 64-byte
// public key. pubKey is X||Y with no compression tag, per the wire format.
func VerifySignature(hash, signature, pubKey []byte) (bool, error) {
	if len(hash) != HashSize {
		return false, fmt.Errorf("crypto: verify: hash must be %d bytes, got %d", HashSize, len(hash))
	}
	pub, err := parseRawPubKey(pubKey)
	if err != nil {
		return false, err
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false, fmt.Errorf("crypto: parse signature: %w", err)
	}
	return sig.Verify(hash, pub), nil
}

// parseRawPubKey reconstructs a secp256k1 public key from its 64-byte raw
// point representation.
func parseRawPubKey(raw []byte) (*secp256k1.PublicKey, error) {
	if len(raw) != RawPubKeySize {
		return nil, errors.New("crypto: public key must be 64 bytes")
	}
	uncompressed := make([]byte, 1+RawPubKeySize)
	uncompressed[0] = uncompressedTag
	copy(uncompressed[1:], raw)
	pub, err := secp256k1.ParsePubKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	return pub, nil
}
