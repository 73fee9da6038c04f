// Package utxo maintains an incremental index of unspent outputs, keyed both
// by outpoint and by address. The index is a pure accelerant: it is always
// rebuildable from the main chain alone and never the source of truth for
// consensus. The ledger asserts output availability and double-spend
// rejection by scanning the in-memory chain directly; this index exists so
// that balance queries don't require that same scan on every call.
package utxo

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/toychain-go/toychaind/internal/storage"
	"github.com/toychain-go/toychaind/pkg/crypto"
)

// Outpoint identifies a single output of a transaction.
type Outpoint struct {
	TxID crypto.Hash
	Vout uint32
}

// Entry is the value attached to an unspent outpoint: who it pays and how
// much.
type Entry struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// Index is an outpoint -> Entry map with a secondary address -> outpoints
// index for balance queries. The two key families live in separate
// namespaces of one backing database; a block's worth of updates is applied
// as a single batch commit.
type Index struct {
	db     storage.DB
	outs   *storage.Namespace // outpoint -> Entry JSON
	byAddr *storage.Namespace // address || outpoint -> empty
}

// New creates a UTXO index backed by db.
func New(db storage.DB) *Index {
	return &Index{
		db:     db,
		outs:   storage.NewNamespace(db, "utxo/"),
		byAddr: storage.NewNamespace(db, "addr/"),
	}
}

// outKey encodes an outpoint as txid || big-endian vout.
func outKey(op Outpoint) []byte {
	k := make([]byte, crypto.HashSize+4)
	copy(k, op.TxID[:])
	binary.BigEndian.PutUint32(k[crypto.HashSize:], op.Vout)
	return k
}

// addrKey encodes an address-index key as address || outKey, so a prefix
// scan on the address alone walks that address's unspent outpoints.
func addrKey(address string, op Outpoint) []byte {
	k := make([]byte, 0, len(address)+crypto.HashSize+4)
	k = append(k, address...)
	return append(k, outKey(op)...)
}

// Get looks up the entry for an outpoint. ok is false if the outpoint is not
// currently unspent (or never existed).
func (idx *Index) Get(op Outpoint) (entry Entry, ok bool, err error) {
	data, err := idx.outs.Get(outKey(op))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("utxo: get: %w", err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("utxo: unmarshal entry: %w", err)
	}
	return entry, true, nil
}

// Has reports whether op is currently unspent.
func (idx *Index) Has(op Outpoint) (bool, error) {
	return idx.outs.Has(outKey(op))
}

// Put records op as unspent, indexed by both outpoint and address.
func (idx *Index) Put(op Outpoint, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("utxo: marshal entry: %w", err)
	}
	if err := idx.outs.Put(outKey(op), data); err != nil {
		return fmt.Errorf("utxo: put: %w", err)
	}
	return idx.byAddr.Put(addrKey(e.Address, op), nil)
}

// Delete marks op as spent, removing it from both key families.
func (idx *Index) Delete(op Outpoint) error {
	if e, ok, _ := idx.Get(op); ok {
		if err := idx.byAddr.Delete(addrKey(e.Address, op)); err != nil {
			return fmt.Errorf("utxo: delete addr index: %w", err)
		}
	}
	if err := idx.outs.Delete(outKey(op)); err != nil {
		return fmt.Errorf("utxo: delete: %w", err)
	}
	return nil
}

// Clear drops every entry in both namespaces. Used before a rebuild.
func (idx *Index) Clear() error {
	if err := idx.outs.DeleteAll(); err != nil {
		return fmt.Errorf("utxo: clear: %w", err)
	}
	if err := idx.byAddr.DeleteAll(); err != nil {
		return fmt.Errorf("utxo: clear addr index: %w", err)
	}
	return nil
}

// ApplyBlock folds one block's transactions into the index in chain order:
// every input it carries removes an entry, every output it carries adds one.
// All updates for the block land in a single batch commit. Applying blocks
// in main-chain order from genesis reproduces exactly the UTXO set a full
// chain scan would observe.
func (idx *Index) ApplyBlock(txIDs []crypto.Hash, inputs [][]Outpoint, outputs [][]Entry) error {
	batch := storage.NewBatch(idx.db)
	outs := idx.outs.InBatch(batch)
	byAddr := idx.byAddr.InBatch(batch)

	// Entries written earlier in this same batch are not yet readable from
	// the database, so they are tracked here to resolve the address-index
	// key of an outpoint created and spent within one call.
	pending := make(map[Outpoint]Entry)

	for i := range txIDs {
		for _, in := range inputs[i] {
			e, ok := pending[in]
			if ok {
				delete(pending, in)
			} else {
				var err error
				if e, ok, err = idx.Get(in); err != nil {
					return err
				}
			}
			if ok {
				if err := byAddr.Delete(addrKey(e.Address, in)); err != nil {
					return err
				}
			}
			if err := outs.Delete(outKey(in)); err != nil {
				return err
			}
		}
		for vout, out := range outputs[i] {
			op := Outpoint{TxID: txIDs[i], Vout: uint32(vout)}
			data, err := json.Marshal(out)
			if err != nil {
				return fmt.Errorf("utxo: marshal entry: %w", err)
			}
			if err := outs.Put(outKey(op), data); err != nil {
				return err
			}
			if err := byAddr.Put(addrKey(out.Address, op), nil); err != nil {
				return err
			}
			pending[op] = out
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("utxo: apply block: %w", err)
	}
	return nil
}

// Balance sums the unspent entries currently indexed for address.
func (idx *Index) Balance(address string) (uint64, error) {
	var total uint64
	err := idx.byAddr.ForEach([]byte(address), func(key, _ []byte) error {
		rest := key[len(address):]
		if len(rest) != crypto.HashSize+4 {
			return nil
		}
		var op Outpoint
		copy(op.TxID[:], rest[:crypto.HashSize])
		op.Vout = binary.BigEndian.Uint32(rest[crypto.HashSize:])
		e, ok, err := idx.Get(op)
		if err != nil {
			return err
		}
		if ok {
			total += e.Amount
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("utxo: balance scan: %w", err)
	}
	return total, nil
}
