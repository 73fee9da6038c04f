// Package ledger is the core of toychaind: it owns the main chain, the
// single tracked fork, the orphan set, and the mempool, and implements
// transaction verification, block acceptance, and reconvergence under one
// coarse lock. It is deliberately ignorant of how blocks arrive (HTTP,
// direct call, peer sync) and of how they leave (the publish callback is
// supplied by the node façade).
package ledger

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/toychain-go/toychaind/internal/consensus"
	"github.com/toychain-go/toychaind/internal/log"
	"github.com/toychain-go/toychaind/internal/mempool"
	"github.com/toychain-go/toychaind/internal/utxo"
	"github.com/toychain-go/toychaind/pkg/block"
	"github.com/toychain-go/toychaind/pkg/crypto"
	"github.com/toychain-go/toychaind/pkg/tx"
)

// Config holds the protocol parameters a Ledger enforces. These must match
// across every node participating in the same chain.
type Config struct {
	BaseDifficulty  uint64
	BaseBlockReward uint64
	Confirmations   uint64
}

// Ledger is the mutex-guarded chain state machine described in this
// package's documentation.
type Ledger struct {
	mu  sync.Mutex
	cfg Config

	blocks   []*block.Block
	blockIDs []crypto.Hash

	fork           []*block.Block
	forkIDs        []crypto.Hash
	forkBaseHeight uint64 // height of fork[0].prev; meaningful only when fork is non-empty

	orphans map[crypto.Hash]*block.Block

	pool  *mempool.Pool
	index *utxo.Index

	publish func(*block.Block)
	log     zerolog.Logger
}

// New creates an empty ledger (no genesis yet) governed by cfg, backed by
// pool for pending transactions and index for balance queries.
func New(cfg Config, pool *mempool.Pool, index *utxo.Index) *Ledger {
	return &Ledger{
		cfg:     cfg,
		orphans: make(map[crypto.Hash]*block.Block),
		pool:    pool,
		index:   index,
		log:     log.Ledger,
	}
}

// SetPublish installs the callback invoked (in a new goroutine, best-effort)
// whenever a block is newly accepted onto the main chain. The node façade
// owns the peer set this eventually reaches; the ledger only knows it has
// something worth relaying.
func (l *Ledger) SetPublish(fn func(*block.Block)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publish = fn
}

// Height returns the current main-chain tip height and whether the chain has
// a genesis block at all.
func (l *Ledger) Height() (height uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.blocks) == 0 {
		return 0, false
	}
	return uint64(len(l.blocks) - 1), true
}

// TipHash returns the main-chain tip's id, or the zero hash if the chain is
// empty.
func (l *Ledger) TipHash() crypto.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tipIDLocked()
}

func (l *Ledger) tipIDLocked() crypto.Hash {
	if len(l.blocks) == 0 {
		return crypto.ZeroHash
	}
	return l.blockIDs[len(l.blockIDs)-1]
}

func (l *Ledger) forkTipIDLocked() (crypto.Hash, bool) {
	if len(l.fork) == 0 {
		return crypto.Hash{}, false
	}
	return l.forkIDs[len(l.forkIDs)-1], true
}

// MiningContext returns the parent hash and height a miner should build its
// next candidate on top of.
func (l *Ledger) MiningContext() (prev crypto.Hash, nextHeight uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.blocks) == 0 {
		return crypto.ZeroHash, 0
	}
	return l.blockIDs[len(l.blockIDs)-1], uint64(len(l.blocks))
}

// TipUnchanged reports whether the main-chain tip is still prev, letting a
// miner detect that the chain advanced out from under its in-progress
// candidate without taking the lock for the whole nonce search.
func (l *Ledger) TipUnchanged(prev crypto.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tipIDLocked() == prev
}

// Difficulty returns the PoW difficulty exponent in effect at height h.
func (l *Ledger) Difficulty(h uint64) uint64 {
	return consensus.Difficulty(l.cfg.BaseDifficulty, h)
}

// BlockReward returns the coinbase reward in effect at height h.
func (l *Ledger) BlockReward(h uint64) uint64 {
	return consensus.BlockReward(l.cfg.BaseBlockReward, h)
}

// TopMempool returns up to k mempool entries sorted by fee descending.
func (l *Ledger) TopMempool(k int) []mempool.Entry {
	return l.pool.Top(k)
}

// GetBlock looks up a block by id, searching the main chain, then the
// tracked fork, then the orphan set.
func (l *Ledger) GetBlock(id crypto.Hash) (*block.Block, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, bid := range l.blockIDs {
		if bid == id {
			return l.blocks[i], true
		}
	}
	for i, bid := range l.forkIDs {
		if bid == id {
			return l.fork[i], true
		}
	}
	if b, ok := l.orphans[id]; ok {
		return b, true
	}
	return nil, false
}

// GetBlockByHeight looks up a main-chain block by height.
func (l *Ledger) GetBlockByHeight(h uint64) (*block.Block, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h >= uint64(len(l.blocks)) {
		return nil, false
	}
	return l.blocks[h], true
}

// NextBlockAfter returns the main-chain block immediately following
// currentTip. If hasTip is false, it returns genesis. It returns
// ErrBlockNotInMainChain if currentTip is not a main-chain block, and
// ErrNoNextBlock if currentTip is already the tip.
func (l *Ledger) NextBlockAfter(currentTip crypto.Hash, hasTip bool) (*block.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !hasTip {
		if len(l.blocks) == 0 {
			return nil, ErrNoNextBlock
		}
		return l.blocks[0], nil
	}

	height, ok := l.findMainHeightLocked(currentTip)
	if !ok {
		return nil, ErrBlockNotInMainChain
	}
	next := height + 1
	if next >= uint64(len(l.blocks)) {
		return nil, ErrNoNextBlock
	}
	return l.blocks[next], nil
}

func (l *Ledger) findMainHeightLocked(id crypto.Hash) (uint64, bool) {
	for i, bid := range l.blockIDs {
		if bid == id {
			return uint64(i), true
		}
	}
	return 0, false
}

// Balance sums unspent output value currently addressed to address, over
// the main chain. The lock keeps the read consistent with any in-flight
// block acceptance updating the index.
func (l *Ledger) Balance(address string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index.Balance(address)
}

// GetTransaction looks up a transaction by id, scanning the main chain
// only. Verification and lookup both treat the main chain as authoritative;
// fork and orphan transactions are invisible here.
func (l *Ledger) GetTransaction(id crypto.Hash) (*tx.Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return findTransactionIn(l.blocks, id)
}
