// Package wire defines the external wire representation of blocks and
// transactions: the shape every HTTP response, HTTP request body, and
// persisted file uses. It differs from the internal types only in field
// naming and in carrying an explicit, recomputable "hash" field.
package wire

import (
	"fmt"

	"github.com/toychain-go/toychaind/pkg/block"
	"github.com/toychain-go/toychaind/pkg/crypto"
	"github.com/toychain-go/toychaind/pkg/tx"
)

// Input is a transaction input as it appears on the wire.
type Input struct {
	TransactionID crypto.Hash `json:"transaction_id"`
	Vout          uint32      `json:"vout"`
}

// Transaction is a transaction as it appears on the wire, always carrying
// its id alongside the fields that produce it.
type Transaction struct {
	Inputs    []Input     `json:"inputs"`
	Outputs   []tx.Output `json:"outputs"`
	Timestamp uint64      `json:"timestamp"`
	Signature []byte      `json:"signature"`
	PublicKey []byte      `json:"public_key"`
	Hash      crypto.Hash `json:"hash"`
}

// Block is a block as it appears on the wire.
type Block struct {
	Timestamp    uint64        `json:"timestamp"`
	Prev         crypto.Hash   `json:"prev"`
	Nonce        uint64        `json:"nonce"`
	Hash         crypto.Hash   `json:"hash"`
	Transactions []Transaction `json:"transactions"`
}

// FromTransaction converts an internal transaction to its wire form.
func FromTransaction(t *tx.Transaction) (Transaction, error) {
	id, err := t.ID()
	if err != nil {
		return Transaction{}, err
	}
	inputs := make([]Input, len(t.Inputs))
	for i, in := range t.Inputs {
		inputs[i] = Input{TransactionID: in.SourceTxID, Vout: in.Vout}
	}
	return Transaction{
		Inputs:    inputs,
		Outputs:   t.Outputs,
		Timestamp: t.Timestamp,
		Signature: t.Signature,
		PublicKey: t.PublicKey,
		Hash:      id,
	}, nil
}

// ToTransaction converts a wire transaction back to its internal form. It
// does not recompute or check the hash; callers that receive this from an
// untrusted source should compare w.Hash against t.ID() themselves.
func ToTransaction(w Transaction) *tx.Transaction {
	inputs := make([]tx.Input, len(w.Inputs))
	for i, in := range w.Inputs {
		inputs[i] = tx.Input{SourceTxID: in.TransactionID, Vout: in.Vout}
	}
	return &tx.Transaction{
		Inputs:    inputs,
		Outputs:   w.Outputs,
		Timestamp: w.Timestamp,
		Signature: w.Signature,
		PublicKey: w.PublicKey,
	}
}

// FromBlock converts an internal block to its wire form.
func FromBlock(b *block.Block) (Block, error) {
	id, err := b.ID()
	if err != nil {
		return Block{}, err
	}
	wtxs := make([]Transaction, len(b.Transactions))
	for i, t := range b.Transactions {
		wt, err := FromTransaction(t)
		if err != nil {
			return Block{}, err
		}
		wtxs[i] = wt
	}
	return Block{
		Timestamp:    b.Timestamp,
		Prev:         b.Prev,
		Nonce:        b.Nonce,
		Hash:         id,
		Transactions: wtxs,
	}, nil
}

// ToBlock converts a wire block back to its internal form without checking
// the claimed hash.
func ToBlock(w Block) *block.Block {
	txs := make([]*tx.Transaction, len(w.Transactions))
	for i, wt := range w.Transactions {
		txs[i] = ToTransaction(wt)
	}
	return &block.Block{Prev: w.Prev, Nonce: w.Nonce, Timestamp: w.Timestamp, Transactions: txs}
}

// Verify converts a wire block back to internal form and confirms its
// claimed hash is correct, as recipients of a block SHOULD.
func Verify(w Block) (*block.Block, error) {
	b := ToBlock(w)
	id, err := b.ID()
	if err != nil {
		return nil, fmt.Errorf("wire: recompute block hash: %w", err)
	}
	if id != w.Hash {
		return nil, fmt.Errorf("wire: block hash mismatch: claimed %s, computed %s", w.Hash.Hex(), id.Hex())
	}
	return b, nil
}
