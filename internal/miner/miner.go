// Package miner implements the background proof-of-work loop described in
// this project's mining design: drain the mempool, assemble a candidate
// block on top of the current tip, search for a nonce under the height's
// difficulty, and submit the sealed block back to the ledger.
package miner

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/toychain-go/toychaind/internal/consensus"
	"github.com/toychain-go/toychaind/internal/log"
	"github.com/toychain-go/toychaind/internal/mempool"
	"github.com/toychain-go/toychaind/pkg/block"
	"github.com/toychain-go/toychaind/pkg/crypto"
	"github.com/toychain-go/toychaind/pkg/tx"
)

// Ledger is the subset of *ledger.Ledger the miner depends on. A narrow
// interface keeps the nonce search decoupled from the ledger's lock and
// lets it be exercised against a fake in tests.
type Ledger interface {
	MiningContext() (prev crypto.Hash, nextHeight uint64)
	TipUnchanged(prev crypto.Hash) bool
	Difficulty(height uint64) uint64
	BlockReward(height uint64) uint64
	TopMempool(k int) []mempool.Entry
	ReceiveBlock(b *block.Block) error
}

// nonceCheckBatch bounds how many nonce increments run between tip-change
// polls, so an abandoned candidate is noticed promptly without taking the
// ledger lock on every iteration.
const nonceCheckBatch = 4096

// errNoWork is returned by MineOnce when the mempool is empty and the chain
// already has a genesis block, so there is nothing worth mining yet.
var errNoWork = errors.New("miner: no transactions to mine and chain already has a genesis block")

// Miner runs the background mining loop for one address against one ledger.
type Miner struct {
	ledger       Ledger
	minerAddress string
	txsPerBlock  int
	pollInterval time.Duration
	log          zerolog.Logger
}

// New creates a Miner. txsPerBlock bounds how many mempool entries are
// pulled into each candidate (the coinbase is always appended on top).
func New(ledger Ledger, minerAddress string, txsPerBlock int, pollInterval time.Duration) *Miner {
	return &Miner{
		ledger:       ledger,
		minerAddress: minerAddress,
		txsPerBlock:  txsPerBlock,
		pollInterval: pollInterval,
		log:          log.Miner,
	}
}

// Run blocks, mining continuously, until ctx is cancelled. Cancellation is
// observed at least once per poll interval and at least once per
// nonceCheckBatch nonce increments.
func (m *Miner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		mined, err := m.MineOnce(ctx)
		if err != nil {
			if !sleepCtx(ctx, m.pollInterval) {
				return
			}
			continue
		}
		if mined == nil {
			// Cancelled or the tip moved out from under us; restart.
			continue
		}
	}
}

// MineOnce assembles one candidate, seals it, and submits it to the ledger.
// It returns (nil, nil) if ctx was cancelled or the chain tip moved while
// searching for a nonce — the caller should simply try again. It services
// both the continuous Run loop and a one-shot mine request.
func (m *Miner) MineOnce(ctx context.Context) (*block.Block, error) {
	candidate, prev, nextHeight, ok := m.assembleCandidate()
	if !ok {
		return nil, errNoWork
	}

	mined, ok := m.seal(ctx, candidate, prev, nextHeight)
	if !ok {
		return nil, nil
	}

	if err := m.ledger.ReceiveBlock(mined); err != nil {
		m.log.Error().Err(err).Msg("submitting mined block")
		return nil, err
	}
	return mined, nil
}

// assembleCandidate pulls the current top mempool entries and builds an
// unsealed candidate block. ok is false when there is nothing to mine yet
// (empty mempool on a non-empty chain): the caller should sleep and retry.
func (m *Miner) assembleCandidate() (candidate *block.Block, prev crypto.Hash, nextHeight uint64, ok bool) {
	prev, nextHeight = m.ledger.MiningContext()
	chainEmpty := prev == crypto.ZeroHash && nextHeight == 0

	entries := m.ledger.TopMempool(m.txsPerBlock)
	if len(entries) == 0 && !chainEmpty {
		return nil, prev, nextHeight, false
	}

	var feeSum uint64
	txs := make([]*tx.Transaction, 0, len(entries)+1)
	for _, e := range entries {
		txs = append(txs, e.Transaction)
		feeSum += e.Fee
	}

	reward := m.ledger.BlockReward(nextHeight)
	coinbase := &tx.Transaction{
		Inputs:    nil,
		Outputs:   []tx.Output{{Address: m.minerAddress, Amount: reward + feeSum}},
		Timestamp: uint64(time.Now().UnixNano()),
	}
	txs = append(txs, coinbase)

	candidate = &block.Block{
		Prev:         prev,
		Nonce:        0,
		Timestamp:    uint64(time.Now().UnixNano()),
		Transactions: txs,
	}
	return candidate, prev, nextHeight, true
}

// seal searches for a nonce satisfying proof-of-work at nextHeight's
// difficulty. ok is false if ctx was cancelled or the chain tip advanced
// past prev while searching, in which case the candidate must be discarded
// and rebuilt.
func (m *Miner) seal(ctx context.Context, candidate *block.Block, prev crypto.Hash, nextHeight uint64) (*block.Block, bool) {
	difficulty := m.ledger.Difficulty(nextHeight)

	for nonce := uint64(0); ; nonce++ {
		candidate.Nonce = nonce

		if nonce%nonceCheckBatch == 0 {
			select {
			case <-ctx.Done():
				return nil, false
			default:
			}
			if !m.ledger.TipUnchanged(prev) {
				return nil, false
			}
		}

		id, err := candidate.ID()
		if err != nil {
			m.log.Error().Err(err).Msg("hashing candidate block")
			return nil, false
		}
		if consensus.SatisfiesPoW(id, difficulty) {
			return candidate, true
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
