package ledger

import (
	"fmt"
	"math"

	"github.com/toychain-go/toychaind/internal/utxo"
	"github.com/toychain-go/toychaind/pkg/block"
	"github.com/toychain-go/toychaind/pkg/crypto"
	"github.com/toychain-go/toychaind/pkg/tx"
)

// AddTransaction structurally validates t, verifies it against the main
// chain, and admits it to the mempool. It returns the fee it was admitted
// with.
func (l *Ledger) AddTransaction(t *tx.Transaction) (uint64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fee, err := l.verifyTransactionLocked(t)
	if err != nil {
		return 0, err
	}
	id, err := t.ID()
	if err != nil {
		return 0, fmt.Errorf("ledger: compute transaction id: %w", err)
	}
	l.pool.Add(id, t, fee)
	return fee, nil
}

// VerifyTransaction runs verify_transaction against the current main chain
// without admitting t to the mempool.
func (l *Ledger) VerifyTransaction(t *tx.Transaction) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verifyTransactionLocked(t)
}

func (l *Ledger) verifyTransactionLocked(t *tx.Transaction) (uint64, error) {
	return verifyTransactionAgainst(l.blocks, t)
}

// verifyTransactionAgainst runs full transaction verification against an
// explicit chain prefix, so block acceptance can verify a candidate's
// transactions against the prefix up to its parent rather than against
// whatever the main chain happens to be right now.
func verifyTransactionAgainst(chain []*block.Block, t *tx.Transaction) (uint64, error) {
	if t.IsCoinbase() {
		return 0, nil
	}

	var sumIn uint64
	for _, in := range t.Inputs {
		op := utxo.Outpoint{TxID: in.SourceTxID, Vout: in.Vout}

		// a. Output availability: has this exact outpoint already been
		// consumed as an input anywhere in the chain?
		if inputSpentIn(chain, op) {
			return 0, ErrInputUnavailable
		}

		// b. Source resolution: find the transaction that created it.
		source, ok := findTransactionIn(chain, in.SourceTxID)
		if !ok {
			return 0, ErrUnknownSource
		}
		if int(in.Vout) >= len(source.Outputs) {
			return 0, ErrUnknownSource
		}
		out := source.Outputs[in.Vout]

		// c. Can-redeem: public key must hash to the claimed address, and
		// must produce a valid signature over t's hashable image.
		if len(t.PublicKey) != crypto.RawPubKeySize || crypto.AddressFromPubKey(t.PublicKey) != out.Address {
			return 0, ErrAddressMismatch
		}
		img, err := t.HashableImage()
		if err != nil {
			return 0, fmt.Errorf("ledger: hashable image: %w", err)
		}
		digest := crypto.Digest(img)
		ok2, err := crypto.VerifySignature(digest[:], t.Signature, t.PublicKey)
		if err != nil || !ok2 {
			return 0, ErrBadSignature
		}

		if out.Amount > math.MaxUint64-sumIn {
			return 0, fmt.Errorf("ledger: input sum overflows uint64")
		}
		sumIn += out.Amount
	}

	sumOut, err := t.TotalOutputValue()
	if err != nil {
		return 0, err
	}
	if sumIn < sumOut {
		return 0, ErrInsufficientInputs
	}
	return sumIn - sumOut, nil
}

// inputSpentIn reports whether op appears as some transaction's input
// anywhere in chain.
func inputSpentIn(chain []*block.Block, op utxo.Outpoint) bool {
	for _, b := range chain {
		for _, t := range b.Transactions {
			for _, in := range t.Inputs {
				if in.SourceTxID == op.TxID && in.Vout == op.Vout {
					return true
				}
			}
		}
	}
	return false
}

// findTransactionIn locates the transaction with the given id, scanning
// from the chain's tip backward.
func findTransactionIn(chain []*block.Block, id crypto.Hash) (*tx.Transaction, bool) {
	for i := len(chain) - 1; i >= 0; i-- {
		for _, t := range chain[i].Transactions {
			tid, err := t.ID()
			if err == nil && tid == id {
				return t, true
			}
		}
	}
	return nil, false
}
