package storage

// Namespace is a view of a DB under a fixed key prefix. The UTXO index
// keeps its two key families (outpoint records and the per-address
// secondary index) in separate namespaces of one database, so neither can
// collide with the other and each can be scanned or dropped wholesale.
type Namespace struct {
	db     DB
	prefix []byte
}

// NewNamespace creates a namespaced view of db under prefix.
func NewNamespace(db DB, prefix string) *Namespace {
	return &Namespace{db: db, prefix: []byte(prefix)}
}

// wrap prepends the namespace prefix to a logical key.
func (n *Namespace) wrap(key []byte) []byte {
	out := make([]byte, 0, len(n.prefix)+len(key))
	out = append(out, n.prefix...)
	return append(out, key...)
}

// Get retrieves the value stored under the logical key, or ErrKeyNotFound.
func (n *Namespace) Get(key []byte) ([]byte, error) {
	return n.db.Get(n.wrap(key))
}

// Put stores a key-value pair within the namespace.
func (n *Namespace) Put(key, value []byte) error {
	return n.db.Put(n.wrap(key), value)
}

// Delete removes a logical key from the namespace.
func (n *Namespace) Delete(key []byte) error {
	return n.db.Delete(n.wrap(key))
}

// Has reports whether the logical key is present.
func (n *Namespace) Has(key []byte) (bool, error) {
	return n.db.Has(n.wrap(key))
}

// ForEach visits every key in the namespace with the given logical prefix.
// The callback sees keys with the namespace prefix stripped.
func (n *Namespace) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return n.db.ForEach(n.wrap(prefix), func(key, value []byte) error {
		return fn(key[len(n.prefix):], value)
	})
}

// DeleteAll drops every key in the namespace, leaving the rest of the
// database untouched.
func (n *Namespace) DeleteAll() error {
	batch := NewBatch(n.db)
	err := n.db.ForEach(n.prefix, func(key, _ []byte) error {
		return batch.Delete(key)
	})
	if err != nil {
		return err
	}
	return batch.Commit()
}

// InBatch returns a view of batch that writes through this namespace's
// prefix, so updates to several namespaces can share one commit.
func (n *Namespace) InBatch(batch Batch) Batch {
	return &namespaceBatch{ns: n, batch: batch}
}

type namespaceBatch struct {
	ns    *Namespace
	batch Batch
}

func (nb *namespaceBatch) Put(key, value []byte) error {
	return nb.batch.Put(nb.ns.wrap(key), value)
}

func (nb *namespaceBatch) Delete(key []byte) error {
	return nb.batch.Delete(nb.ns.wrap(key))
}

// Commit commits the underlying batch, including anything other namespace
// views wrote into it.
func (nb *namespaceBatch) Commit() error {
	return nb.batch.Commit()
}
