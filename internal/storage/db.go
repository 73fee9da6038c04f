// Package storage provides the key-value database abstractions backing the
// UTXO index: a DB interface with Badger-backed and in-memory
// implementations, write batching so a whole block's index updates land in
// one commit, and prefix namespaces separating the index's key families
// within a single database. Canonical block/fork/orphan state is not stored
// here — see internal/ledger's persistence, which is plain JSON file I/O.
package storage

import "errors"

// ErrKeyNotFound is returned by Get when the key is absent. Callers
// distinguish it from real storage failures with errors.Is.
var ErrKeyNotFound = errors.New("storage: key not found")

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix. The callback
	// receives a copy of the key and value. Return a non-nil error from fn
	// to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch accumulates writes and deletes to be applied together. Whether the
// commit is atomic depends on the backing DB; both implementations in this
// package commit atomically.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by DBs that can produce a Batch.
type Batcher interface {
	NewBatch() Batch
}

// NewBatch returns a write batch for db: the DB's own if it implements
// Batcher, otherwise a buffered fallback that replays the operations one by
// one on Commit.
func NewBatch(db DB) Batch {
	if b, ok := db.(Batcher); ok {
		return b.NewBatch()
	}
	return &fallbackBatch{db: db}
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// fallbackBatch buffers operations and applies them with individual writes
// when the backing DB has no batch support of its own.
type fallbackBatch struct {
	db  DB
	ops []batchOp
}

func (fb *fallbackBatch) Put(key, value []byte) error {
	fb.ops = append(fb.ops, batchOp{key: copyBytes(key), value: copyBytes(value)})
	return nil
}

func (fb *fallbackBatch) Delete(key []byte) error {
	fb.ops = append(fb.ops, batchOp{key: copyBytes(key), delete: true})
	return nil
}

func (fb *fallbackBatch) Commit() error {
	for _, op := range fb.ops {
		if op.delete {
			if err := fb.db.Delete(op.key); err != nil {
				return err
			}
			continue
		}
		if err := fb.db.Put(op.key, op.value); err != nil {
			return err
		}
	}
	fb.ops = nil
	return nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
