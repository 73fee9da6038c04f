// Package block implements the block data model: an ordered list of
// transactions chained to a predecessor by hash and sealed by a proof-of-work
// nonce.
package block

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/toychain-go/toychaind/pkg/codec"
	"github.com/toychain-go/toychaind/pkg/crypto"
	"github.com/toychain-go/toychaind/pkg/tx"
)

// Block is a sealed batch of transactions chained to its predecessor.
type Block struct {
	Prev         crypto.Hash       `json:"prev"`
	Nonce        uint64            `json:"nonce"`
	Timestamp    uint64            `json:"timestamp"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// blockHashableImage is the subset of a block's fields that enters its
// identity hash: the hashable images of its transactions (never their
// signatures) plus timestamp, prev, and nonce.
type blockHashableImage struct {
	Timestamp    uint64            `json:"timestamp"`
	Prev         crypto.Hash       `json:"prev"`
	Nonce        uint64            `json:"nonce"`
	Transactions []json.RawMessage `json:"transactions"`
}

// HashableImage returns the canonical bytes whose digest is this block's id.
func (b *Block) HashableImage() ([]byte, error) {
	txImages := make([]json.RawMessage, len(b.Transactions))
	for i, t := range b.Transactions {
		img, err := t.HashableImage()
		if err != nil {
			return nil, fmt.Errorf("block: transaction %d: %w", i, err)
		}
		txImages[i] = json.RawMessage(img)
	}
	image := blockHashableImage{
		Timestamp:    b.Timestamp,
		Prev:         b.Prev,
		Nonce:        b.Nonce,
		Transactions: txImages,
	}
	out, err := codec.Canonical(image)
	if err != nil {
		return nil, fmt.Errorf("block: hashable image: %w", err)
	}
	return out, nil
}

// ID computes the block id: SHA-256 of the canonical hashable image.
func (b *Block) ID() (crypto.Hash, error) {
	img, err := b.HashableImage()
	if err != nil {
		return crypto.Hash{}, err
	}
	return crypto.Digest(img), nil
}

// ErrNoTransactions is returned by Validate when a block carries no
// transactions at all; every block must carry at least its coinbase.
var ErrNoTransactions = errors.New("block: block has no transactions")

// ErrNoCoinbase is returned when the last transaction is not a coinbase.
var ErrNoCoinbase = errors.New("block: last transaction is not a coinbase")

// Validate checks b's shape independent of chain state: it must carry at
// least one transaction, the last of which is the coinbase, and every
// transaction (including the coinbase) must pass structural validation.
// Ledger-level checks (difficulty, coinbase amount, per-input verification)
// live in the ledger package.
func (b *Block) Validate() error {
	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}
	last := b.Transactions[len(b.Transactions)-1]
	if !last.IsCoinbase() {
		return ErrNoCoinbase
	}
	for i, t := range b.Transactions[:len(b.Transactions)-1] {
		if t.IsCoinbase() {
			return fmt.Errorf("block: transaction %d is an unexpected coinbase", i)
		}
	}
	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("block: transaction %d: %w", i, err)
		}
	}
	return nil
}
