package miner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/toychain-go/toychaind/internal/mempool"
	"github.com/toychain-go/toychaind/pkg/block"
	"github.com/toychain-go/toychaind/pkg/crypto"
	"github.com/toychain-go/toychaind/pkg/tx"
)

// fakeLedger is a minimal, in-memory stand-in for *ledger.Ledger that lets
// the nonce-search and submission paths be exercised without running real
// consensus or proof-of-work search.
type fakeLedger struct {
	mu         sync.Mutex
	prev       crypto.Hash
	nextHeight uint64
	difficulty uint64
	reward     uint64
	entries    []mempool.Entry
	received   []*block.Block
	receiveErr error
}

func (f *fakeLedger) MiningContext() (crypto.Hash, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prev, f.nextHeight
}

func (f *fakeLedger) TipUnchanged(prev crypto.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prev == prev
}

func (f *fakeLedger) Difficulty(uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.difficulty
}

func (f *fakeLedger) BlockReward(uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reward
}

func (f *fakeLedger) TopMempool(k int) []mempool.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k > len(f.entries) {
		k = len(f.entries)
	}
	return append([]mempool.Entry(nil), f.entries[:k]...)
}

func (f *fakeLedger) ReceiveBlock(b *block.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiveErr != nil {
		return f.receiveErr
	}
	f.received = append(f.received, b)
	f.prev, _ = b.ID()
	f.nextHeight++
	return nil
}

func TestMineOnceOnEmptyChainMinesCoinbaseOnly(t *testing.T) {
	f := &fakeLedger{prev: crypto.ZeroHash, nextHeight: 0, difficulty: 0, reward: 50}
	m := New(f, "miner-addr", 10, time.Millisecond)

	mined, err := m.MineOnce(context.Background())
	if err != nil {
		t.Fatalf("MineOnce() error = %v", err)
	}
	if len(mined.Transactions) != 1 {
		t.Fatalf("len(Transactions) = %d, want 1 (coinbase only)", len(mined.Transactions))
	}
	if mined.Transactions[0].Outputs[0].Amount != 50 {
		t.Fatalf("coinbase amount = %d, want 50", mined.Transactions[0].Outputs[0].Amount)
	}
	if len(f.received) != 1 {
		t.Fatal("mined block was never submitted to the ledger")
	}
}

func TestMineOnceWithEmptyMempoolOnExistingChainReturnsNoWork(t *testing.T) {
	f := &fakeLedger{prev: crypto.Digest([]byte("tip")), nextHeight: 1, difficulty: 0, reward: 50}
	m := New(f, "miner-addr", 10, time.Millisecond)

	mined, err := m.MineOnce(context.Background())
	if err != errNoWork {
		t.Fatalf("MineOnce() error = %v, want errNoWork", err)
	}
	if mined != nil {
		t.Fatal("MineOnce() returned a block despite no work")
	}
}

func TestMineOnceIncludesMempoolEntriesAndFees(t *testing.T) {
	spend := &tx.Transaction{
		Inputs:    []tx.Input{{SourceTxID: crypto.Digest([]byte("src")), Vout: 0}},
		Outputs:   []tx.Output{{Address: "dest", Amount: 1}},
		Timestamp: 1,
	}
	id, err := spend.ID()
	if err != nil {
		t.Fatal(err)
	}
	entry := mempool.Entry{Transaction: spend, ID: id, Fee: 7}
	f := &fakeLedger{prev: crypto.ZeroHash, nextHeight: 0, difficulty: 0, reward: 50, entries: []mempool.Entry{entry}}
	m := New(f, "miner-addr", 10, time.Millisecond)

	mined, err := m.MineOnce(context.Background())
	if err != nil {
		t.Fatalf("MineOnce() error = %v", err)
	}
	if len(mined.Transactions) != 2 {
		t.Fatalf("len(Transactions) = %d, want 2 (one spend + coinbase)", len(mined.Transactions))
	}
	coinbase := mined.Transactions[len(mined.Transactions)-1]
	if coinbase.Outputs[0].Amount != 57 {
		t.Fatalf("coinbase amount = %d, want 57 (reward 50 + fee 7)", coinbase.Outputs[0].Amount)
	}
}

func TestSealAbortsWhenTipMovesDuringSearch(t *testing.T) {
	// Difficulty high enough that nonce 0 won't trivially satisfy it, forcing
	// the search loop to run long enough to observe the tip change.
	f := &fakeLedger{prev: crypto.ZeroHash, nextHeight: 0, difficulty: 255, reward: 50}
	m := New(f, "miner-addr", 10, time.Millisecond)

	candidate := &block.Block{Prev: f.prev, Transactions: nil}
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.mu.Lock()
		f.prev = crypto.Digest([]byte("someone-else-won"))
		f.mu.Unlock()
	}()

	_, ok := m.seal(context.Background(), candidate, crypto.ZeroHash, 0)
	if ok {
		t.Fatal("seal() succeeded despite the tip moving out from under it")
	}
}

func TestSealAbortsOnContextCancellation(t *testing.T) {
	f := &fakeLedger{prev: crypto.ZeroHash, nextHeight: 0, difficulty: 255, reward: 50}
	m := New(f, "miner-addr", 10, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	candidate := &block.Block{Prev: f.prev, Transactions: nil}
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, ok := m.seal(ctx, candidate, crypto.ZeroHash, 0)
	if ok {
		t.Fatal("seal() succeeded despite context cancellation")
	}
}
