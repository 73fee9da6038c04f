// Package tx implements the transaction data model: a transaction moves
// value from existing outputs (inputs) to new ones (outputs), identified by
// the hash of its hashable image and optionally signed over that same image.
package tx

import (
	"fmt"
	"math"

	"github.com/toychain-go/toychaind/pkg/codec"
	"github.com/toychain-go/toychaind/pkg/crypto"
)

// Input references an existing output by the id of the transaction that
// created it and its position within that transaction's outputs.
type Input struct {
	SourceTxID crypto.Hash `json:"source_tx_id"`
	Vout       uint32      `json:"vout"`
}

// Output assigns an amount to an address.
type Output struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// Transaction moves value from existing outputs to new ones. A transaction
// with no inputs is a coinbase: the miner's reward outlet.
type Transaction struct {
	Inputs    []Input  `json:"inputs"`
	Outputs   []Output `json:"outputs"`
	Timestamp uint64   `json:"timestamp"`
	Signature []byte   `json:"signature"`
	PublicKey []byte   `json:"public_key"`
}

// hashableImage is the subset of a transaction's fields that enters its
// identity hash. The signature and public key are deliberately excluded so
// that signing a transaction never changes its id.
type hashableImage struct {
	Inputs    []Input  `json:"inputs"`
	Outputs   []Output `json:"outputs"`
	Timestamp uint64   `json:"timestamp"`
}

// HashableImage returns the canonical-JSON-encodable value whose digest is
// this transaction's id, and the same bytes that must be signed.
func (t *Transaction) HashableImage() ([]byte, error) {
	// A nil and an empty slice are the same logical value and hash alike, so
	// a coinbase keeps its id across a wire round trip.
	inputs, outputs := t.Inputs, t.Outputs
	if inputs == nil {
		inputs = []Input{}
	}
	if outputs == nil {
		outputs = []Output{}
	}
	img := hashableImage{Inputs: inputs, Outputs: outputs, Timestamp: t.Timestamp}
	b, err := codec.Canonical(img)
	if err != nil {
		return nil, fmt.Errorf("tx: hashable image: %w", err)
	}
	return b, nil
}

// ID computes the transaction id: SHA-256 of the canonical hashable image.
func (t *Transaction) ID() (crypto.Hash, error) {
	img, err := t.HashableImage()
	if err != nil {
		return crypto.Hash{}, err
	}
	return crypto.Digest(img), nil
}

// IsCoinbase reports whether t has no inputs.
func (t *Transaction) IsCoinbase() bool {
	return len(t.Inputs) == 0
}

// TotalOutputValue sums t's output amounts, failing on overflow.
func (t *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range t.Outputs {
		if out.Amount > math.MaxUint64-total {
			return 0, fmt.Errorf("tx: output total overflows uint64")
		}
		total += out.Amount
	}
	return total, nil
}

// Sign sets t.PublicKey and t.Signature so that the transaction is
// redeemable by its hashable image's signer. Signing never changes t.ID().
func (t *Transaction) Sign(priv *crypto.PrivateKey) error {
	img, err := t.HashableImage()
	if err != nil {
		return err
	}
	hash := crypto.Digest(img)
	sig, err := crypto.Sign(priv, hash[:])
	if err != nil {
		return fmt.Errorf("tx: sign: %w", err)
	}
	t.Signature = sig
	t.PublicKey = priv.PublicKey()
	return nil
}
