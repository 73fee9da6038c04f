package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/toychain-go/toychaind/pkg/block"
	"github.com/toychain-go/toychaind/pkg/crypto"
	"github.com/toychain-go/toychaind/pkg/wire"
)

// document is the on-disk/over-the-wire shape for a whole ledger: the main
// chain, the tracked fork (if any), and any orphans being held in case their
// parent shows up later.
type document struct {
	Blocks  []wire.Block `json:"blocks"`
	Fork    []wire.Block `json:"fork"`
	Orphans []wire.Block `json:"orphans"`
}

// Serialize renders the whole ledger state — main chain, fork, and
// orphans — as the JSON document persistence/save writes to disk.
func (l *Ledger) Serialize() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc := document{
		Blocks:  make([]wire.Block, 0, len(l.blocks)),
		Fork:    make([]wire.Block, 0, len(l.fork)),
		Orphans: make([]wire.Block, 0, len(l.orphans)),
	}
	for _, b := range l.blocks {
		wb, err := wire.FromBlock(b)
		if err != nil {
			return nil, fmt.Errorf("ledger: serialize main chain: %w", err)
		}
		doc.Blocks = append(doc.Blocks, wb)
	}
	for _, b := range l.fork {
		wb, err := wire.FromBlock(b)
		if err != nil {
			return nil, fmt.Errorf("ledger: serialize fork: %w", err)
		}
		doc.Fork = append(doc.Fork, wb)
	}
	for _, b := range l.orphans {
		wb, err := wire.FromBlock(b)
		if err != nil {
			return nil, fmt.Errorf("ledger: serialize orphans: %w", err)
		}
		doc.Orphans = append(doc.Orphans, wb)
	}
	return json.Marshal(doc)
}

// LoadFromBytes replaces the ledger's entire state with the document encoded
// in data, verifying every block's claimed hash and rebuilding the UTXO
// index from the restored main chain. It does not replay receive_block or
// re-run proof-of-work and transaction verification: a persisted document is
// trusted to have been produced by Serialize (or another conforming node),
// and persistence/load's job is integrity, not re-validation.
func (l *Ledger) LoadFromBytes(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("ledger: decode document: %w", err)
	}

	blocks := make([]*block.Block, len(doc.Blocks))
	blockIDs := make([]crypto.Hash, len(doc.Blocks))
	for i, wb := range doc.Blocks {
		b, err := wire.Verify(wb)
		if err != nil {
			return fmt.Errorf("ledger: main chain block %d: %w", i, err)
		}
		blocks[i] = b
		blockIDs[i], _ = b.ID()
	}

	fork := make([]*block.Block, len(doc.Fork))
	forkIDs := make([]crypto.Hash, len(doc.Fork))
	for i, wb := range doc.Fork {
		b, err := wire.Verify(wb)
		if err != nil {
			return fmt.Errorf("ledger: fork block %d: %w", i, err)
		}
		fork[i] = b
		forkIDs[i], _ = b.ID()
	}

	orphans := make(map[crypto.Hash]*block.Block, len(doc.Orphans))
	for i, wb := range doc.Orphans {
		b, err := wire.Verify(wb)
		if err != nil {
			return fmt.Errorf("ledger: orphan block %d: %w", i, err)
		}
		id, _ := b.ID()
		orphans[id] = b
	}

	var forkBaseHeight uint64
	if len(fork) > 0 && len(blocks) > 0 {
		if h, ok := findHeightOf(blockIDs, fork[0].Prev); ok {
			forkBaseHeight = h
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.blocks = blocks
	l.blockIDs = blockIDs
	l.fork = fork
	l.forkIDs = forkIDs
	l.forkBaseHeight = forkBaseHeight
	l.orphans = orphans
	l.pool.Flush()

	return l.rebuildIndexLocked()
}

func findHeightOf(ids []crypto.Hash, target crypto.Hash) (uint64, bool) {
	for i, id := range ids {
		if id == target {
			return uint64(i), true
		}
	}
	return 0, false
}
