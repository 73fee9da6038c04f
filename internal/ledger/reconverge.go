package ledger

import (
	"github.com/toychain-go/toychaind/pkg/block"
	"github.com/toychain-go/toychaind/pkg/crypto"
)

// reconvergeLocked implements the height-lead reconvergence rule.
// Let H be the main chain's height and F be the tracked fork's tip height
// (both undefined, and this a no-op, when there is no fork). If H-F is at
// least Confirmations the fork can never catch up and is discarded. If F-H
// is at least Confirmations the fork has pulled definitively ahead and
// becomes the new main chain. Otherwise both chains are kept and nothing
// changes.
func (l *Ledger) reconvergeLocked() {
	if len(l.fork) == 0 {
		return
	}
	mainHeight := uint64(len(l.blocks) - 1)
	forkHeight := l.forkBaseHeight + uint64(len(l.fork))

	switch {
	case mainHeight >= forkHeight && mainHeight-forkHeight >= l.cfg.Confirmations:
		l.log.Info().
			Uint64("main_height", mainHeight).
			Uint64("fork_height", forkHeight).
			Msg("discarding fork: main chain has pulled definitively ahead")
		l.clearForkLocked()

	case forkHeight >= mainHeight && forkHeight-mainHeight >= l.cfg.Confirmations:
		l.log.Info().
			Uint64("main_height", mainHeight).
			Uint64("fork_height", forkHeight).
			Msg("reconverging: fork has pulled definitively ahead of main")
		l.adoptForkLocked()
	}
}

// adoptForkLocked replaces the main chain's suffix after forkBaseHeight with
// the tracked fork, rebuilds the UTXO index from scratch, and reconciles the
// mempool against the transactions that were displaced or newly mined.
func (l *Ledger) adoptForkLocked() {
	evicted := make([]*block.Block, len(l.blocks)-int(l.forkBaseHeight)-1)
	copy(evicted, l.blocks[l.forkBaseHeight+1:])

	newBlocks := make([]*block.Block, l.forkBaseHeight+1, l.forkBaseHeight+1+uint64(len(l.fork)))
	copy(newBlocks, l.blocks[:l.forkBaseHeight+1])
	newBlocks = append(newBlocks, l.fork...)

	newIDs := make([]crypto.Hash, 0, len(newBlocks))
	for _, b := range newBlocks {
		id, err := b.ID()
		if err != nil {
			l.log.Error().Err(err).Msg("reconvergence: hashing adopted block, aborting adoption")
			return
		}
		newIDs = append(newIDs, id)
	}

	l.blocks = newBlocks
	l.blockIDs = newIDs

	if err := l.rebuildIndexLocked(); err != nil {
		l.log.Error().Err(err).Msg("reconvergence: rebuilding utxo index")
	}

	// The new suffix's transactions are now mined: drop them from the
	// mempool if present.
	for _, b := range l.fork {
		l.pruneMempoolForLocked(b)
	}

	// Transactions evicted from the old main suffix go back up for
	// reconsideration: re-verify against the new chain and re-admit
	// whatever still stands on its own, silently dropping whatever an
	// input already consumed by the new suffix makes unverifiable.
	for _, b := range evicted {
		for _, t := range b.Transactions {
			if t.IsCoinbase() {
				continue
			}
			fee, err := l.verifyTransactionLocked(t)
			if err != nil {
				continue
			}
			id, err := t.ID()
			if err != nil {
				continue
			}
			l.pool.Add(id, t, fee)
		}
	}

	l.clearForkLocked()
}

func (l *Ledger) clearForkLocked() {
	l.fork = nil
	l.forkIDs = nil
	l.forkBaseHeight = 0
}
