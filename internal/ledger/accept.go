package ledger

import (
	"fmt"
	"math"

	"github.com/toychain-go/toychaind/internal/consensus"
	"github.com/toychain-go/toychaind/internal/utxo"
	"github.com/toychain-go/toychaind/pkg/block"
	"github.com/toychain-go/toychaind/pkg/crypto"
)

// ReceiveBlock classifies the block against current chain state, validates
// it on every path that would append it, and finishes by attempting
// reconvergence. Invalid or unclassifiable blocks are
// logged and dropped rather than returned as errors — only a caller-facing
// malformed request (e.g. bad JSON) is an error at the HTTP layer.
func (l *Ledger) ReceiveBlock(b *block.Block) error {
	id, err := b.ID()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// 1. Idempotent drop if already in the main chain.
	if _, ok := l.findMainHeightLocked(id); ok {
		return nil
	}

	switch {
	case len(l.blocks) == 0:
		l.acceptGenesisLocked(b, id)

	case b.Prev == l.tipIDLocked():
		l.acceptTipExtensionLocked(b, id)

	default:
		if ancestorHeight, ok := l.findMainHeightLocked(b.Prev); ok {
			l.acceptMainAncestorForkLocked(b, id, ancestorHeight)
		} else if forkTip, hasFork := l.forkTipIDLocked(); hasFork && b.Prev == forkTip {
			l.acceptForkExtensionLocked(b, id)
		} else {
			l.orphans[id] = b
			l.log.Debug().Str("block", id.Hex()).Msg("orphan block: parent unknown")
		}
	}

	l.reconvergeLocked()
	return nil
}

func (l *Ledger) acceptGenesisLocked(b *block.Block, id crypto.Hash) {
	if b.Prev != crypto.ZeroHash {
		l.log.Warn().Str("block", id.Hex()).Msg("rejected genesis candidate: prev is not the zero hash")
		return
	}
	if err := l.validateBlockForAppend(b, 0, nil); err != nil {
		l.log.Warn().Err(err).Str("block", id.Hex()).Msg("dropping invalid genesis block")
		return
	}
	l.appendMainLocked(b, id)
	l.pruneMempoolForLocked(b)
	l.publishLocked(b)
}

func (l *Ledger) acceptTipExtensionLocked(b *block.Block, id crypto.Hash) {
	height := uint64(len(l.blocks))
	if err := l.validateBlockForAppend(b, height, l.blocks); err != nil {
		l.log.Warn().Err(err).Str("block", id.Hex()).Msg("dropping invalid block extending main tip")
		return
	}
	l.appendMainLocked(b, id)
	l.pruneMempoolForLocked(b)
	l.publishLocked(b)
}

func (l *Ledger) acceptMainAncestorForkLocked(b *block.Block, id crypto.Hash, ancestorHeight uint64) {
	mainHeight := uint64(len(l.blocks) - 1)
	if mainHeight-ancestorHeight >= l.cfg.Confirmations {
		l.log.Info().Str("block", id.Hex()).Msg("dropping block extending an ancestor too old to overturn")
		return
	}
	prefix := l.blocks[:ancestorHeight+1]
	if err := l.validateBlockForAppend(b, ancestorHeight+1, prefix); err != nil {
		l.log.Warn().Err(err).Str("block", id.Hex()).Msg("dropping invalid fork-starting block")
		return
	}
	// Single-fork policy: this replaces whatever fork was previously tracked.
	l.fork = []*block.Block{b}
	l.forkIDs = []crypto.Hash{id}
	l.forkBaseHeight = ancestorHeight
}

func (l *Ledger) acceptForkExtensionLocked(b *block.Block, id crypto.Hash) {
	targetHeight := l.forkBaseHeight + uint64(len(l.fork)) + 1
	prefix := make([]*block.Block, 0, l.forkBaseHeight+1+uint64(len(l.fork)))
	prefix = append(prefix, l.blocks[:l.forkBaseHeight+1]...)
	prefix = append(prefix, l.fork...)
	if err := l.validateBlockForAppend(b, targetHeight, prefix); err != nil {
		l.log.Warn().Err(err).Str("block", id.Hex()).Msg("dropping invalid fork-extending block")
		return
	}
	l.fork = append(l.fork, b)
	l.forkIDs = append(l.forkIDs, id)
}

// validateBlockForAppend checks everything receive_block must assert before
// a block may join blocks or fork at the given target height, verified
// against the given chain prefix (the chain up to the new block's parent).
func (l *Ledger) validateBlockForAppend(b *block.Block, height uint64, prefix []*block.Block) error {
	id, err := b.ID()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if !consensus.SatisfiesPoW(id, l.Difficulty(height)) {
		return fmt.Errorf("%w: proof of work not satisfied at height %d", ErrInvalidBlock, height)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}

	coinbase := b.Transactions[len(b.Transactions)-1]
	nonCoinbase := b.Transactions[:len(b.Transactions)-1]

	seen := make(map[utxo.Outpoint]bool, len(nonCoinbase))
	var feeSum uint64
	for i, t := range nonCoinbase {
		for _, in := range t.Inputs {
			op := utxo.Outpoint{TxID: in.SourceTxID, Vout: in.Vout}
			if seen[op] {
				return fmt.Errorf("%w: transaction %d double-spends an input already used earlier in this block", ErrInvalidBlock, i)
			}
			seen[op] = true
		}
		fee, err := verifyTransactionAgainst(prefix, t)
		if err != nil {
			return fmt.Errorf("%w: transaction %d rejected: %v", ErrInvalidBlock, i, err)
		}
		if fee > math.MaxUint64-feeSum {
			return fmt.Errorf("%w: fee total overflows uint64", ErrInvalidBlock)
		}
		feeSum += fee
	}

	if len(coinbase.Outputs) != 1 {
		return fmt.Errorf("%w: coinbase must have exactly one output", ErrInvalidBlock)
	}
	want := l.BlockReward(height) + feeSum
	if coinbase.Outputs[0].Amount != want {
		return fmt.Errorf("%w: coinbase amount %d does not equal reward+fees %d", ErrInvalidBlock, coinbase.Outputs[0].Amount, want)
	}
	return nil
}

// appendMainLocked appends b to the main chain and folds it into the UTXO
// index.
func (l *Ledger) appendMainLocked(b *block.Block, id crypto.Hash) {
	l.blocks = append(l.blocks, b)
	l.blockIDs = append(l.blockIDs, id)
	if err := l.applyBlockToIndexLocked(b); err != nil {
		l.log.Error().Err(err).Str("block", id.Hex()).Msg("updating utxo index after accepting block")
	}
}

func (l *Ledger) applyBlockToIndexLocked(b *block.Block) error {
	txIDs := make([]crypto.Hash, len(b.Transactions))
	inputs := make([][]utxo.Outpoint, len(b.Transactions))
	outputs := make([][]utxo.Entry, len(b.Transactions))
	for i, t := range b.Transactions {
		id, err := t.ID()
		if err != nil {
			return err
		}
		txIDs[i] = id
		for _, in := range t.Inputs {
			inputs[i] = append(inputs[i], utxo.Outpoint{TxID: in.SourceTxID, Vout: in.Vout})
		}
		for _, out := range t.Outputs {
			outputs[i] = append(outputs[i], utxo.Entry{Address: out.Address, Amount: out.Amount})
		}
	}
	return l.index.ApplyBlock(txIDs, inputs, outputs)
}

func (l *Ledger) rebuildIndexLocked() error {
	if err := l.index.Clear(); err != nil {
		return err
	}
	for _, b := range l.blocks {
		if err := l.applyBlockToIndexLocked(b); err != nil {
			return err
		}
	}
	return nil
}

// pruneMempoolForLocked removes every non-coinbase transaction of a
// newly-accepted block from the mempool, tolerating absence.
func (l *Ledger) pruneMempoolForLocked(b *block.Block) {
	for _, t := range b.Transactions {
		if t.IsCoinbase() {
			continue
		}
		id, err := t.ID()
		if err != nil {
			continue
		}
		if err := l.pool.Remove(id); err != nil {
			l.log.Debug().Str("tx", id.Hex()).Msg("mined transaction was not in pool")
		}
	}
}

// publishLocked fires the publish callback, if any, without blocking the
// ledger lock for the duration of delivery.
func (l *Ledger) publishLocked(b *block.Block) {
	if l.publish == nil {
		return
	}
	cb := l.publish
	go cb(b)
}
