package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the length in bytes of a digest produced by Digest.
const HashSize = sha256.Size

// Hash is a 32-byte SHA-256 digest, used as transaction id and block id.
// Addresses are the hex string of such a digest (see AddressFromPubKey).
type Hash [HashSize]byte

// ZeroHash is the all-zero sentinel used as a genesis block's prev hash.
var ZeroHash Hash

// IsZero reports whether h is the all-zero sentinel.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Hex returns the lowercase hex encoding of h.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// MarshalJSON encodes h as a lowercase hex JSON string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.Hex() + `"`), nil
}

// UnmarshalJSON decodes h from a hex JSON string.
func (h *Hash) UnmarshalJSON(data []byte) error {
	s, err := unquote(data)
	if err != nil {
		return err
	}
	decoded, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

func unquote(data []byte) (string, error) {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return "", fmt.Errorf("crypto: hash must be a JSON string")
	}
	return string(data[1 : len(data)-1]), nil
}

// HashFromHex parses a lowercase (or uppercase) hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("crypto: invalid hex hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("crypto: hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Digest computes the SHA-256 digest of data.
func Digest(data []byte) Hash {
	return sha256.Sum256(data)
}

// DigestHex computes hex(digest(data)).
func DigestHex(data []byte) string {
	h := Digest(data)
	return h.Hex()
}

// AddressFromPubKey derives the address bound to a raw 64-byte public key:
// hex(sha256(raw_public_key_bytes)).
func AddressFromPubKey(pubKey []byte) string {
	return DigestHex(pubKey)
}
