// Package mempool holds verified, unmined transactions keyed by id along
// with the fee computed for each, and selects candidates for mining by fee.
package mempool

import (
	"errors"
	"sort"
	"sync"

	"github.com/toychain-go/toychaind/pkg/crypto"
	"github.com/toychain-go/toychaind/pkg/tx"
)

// ErrNotInPool is returned by Remove when the given id is absent. Callers
// during reconvergence tolerate this.
var ErrNotInPool = errors.New("mempool: transaction not in pool")

// Entry pairs a pooled transaction with the fee it was admitted with.
type Entry struct {
	Transaction *tx.Transaction
	ID          crypto.Hash
	Fee         uint64
}

// Pool is an unordered mapping from transaction id to (transaction, fee).
// There is no eviction policy beyond mining and reconvergence removal.
type Pool struct {
	mu  sync.RWMutex
	txs map[crypto.Hash]Entry
}

// New creates an empty mempool.
func New() *Pool {
	return &Pool{txs: make(map[crypto.Hash]Entry)}
}

// Add inserts a transaction by id. Re-adding an id already present replaces
// the entry; this is idempotent from the caller's point of view.
func (p *Pool) Add(id crypto.Hash, t *tx.Transaction, fee uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txs[id] = Entry{Transaction: t, ID: id, Fee: fee}
}

// Has reports whether id is currently pooled.
func (p *Pool) Has(id crypto.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[id]
	return ok
}

// Get returns the pooled entry for id, if present.
func (p *Pool) Get(id crypto.Hash) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.txs[id]
	return e, ok
}

// Remove deletes id from the pool. It returns ErrNotInPool if id was absent;
// reconvergence callers tolerate that error rather than treating it as fatal.
func (p *Pool) Remove(id crypto.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.txs[id]; !ok {
		return ErrNotInPool
	}
	delete(p.txs, id)
	return nil
}

// Top returns up to k entries sorted by fee descending. Ties are broken
// deterministically (though arbitrarily) by ascending id within this one
// call, so repeated calls against an unchanged pool agree with each other.
func (p *Pool) Top(k int) []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	all := make([]Entry, 0, len(p.txs))
	for _, e := range p.txs {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Fee != all[j].Fee {
			return all[i].Fee > all[j].Fee
		}
		return all[i].ID.Hex() < all[j].ID.Hex()
	})
	if k >= 0 && k < len(all) {
		all = all[:k]
	}
	return all
}

// Count returns the number of pooled transactions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Flush empties the pool.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txs = make(map[crypto.Hash]Entry)
}
