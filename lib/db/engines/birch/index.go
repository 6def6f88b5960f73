package birch

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/birch/internal"
	"github.com/google/btree"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Index (shared state of a named index)
// --------------------------------------------------------------------------

// index is the state of one named index. All handles opened on it share it.
type index struct {
	name      string
	keyType   db.KeyType
	maxKeyLen int
	clock     *clock

	// mu guards the tree and the version chains of all entries in it.
	// Readers share it, commit install and gc pruning are exclusive.
	mu   sync.RWMutex
	tree *btree.BTreeG[*internal.Entry]

	// latest maps every key to the sequence number of its newest commit,
	// commit validation reads it without taking mu
	latest *xsync.MapOf[db.Key, uint64]

	// writers counts active transactions with buffered writes against this index
	stateMu sync.Mutex
	writers int
	dropped atomic.Bool
}

func newIndex(name string, keyType db.KeyType, c *clock, opts Options) *index {
	return &index{
		name:      name,
		keyType:   keyType,
		maxKeyLen: opts.MaxTextKeyLen,
		clock:     c,
		tree:      btree.NewG[*internal.Entry](opts.BTreeDegree, internal.LessEntry),
		latest: xsync.NewMapOfWithHasher[db.Key, uint64](func(k db.Key, seed uint64) uint64 {
			return k.Hash(seed)
		}),
	}
}

// validateKeyType checks that k has the key type of this index
func (idx *index) validateKeyType(k db.Key) error {
	if k.IsZero() {
		return db.NewError(db.KindFailure, "index %s expects %s keys, got no key", idx.name, idx.keyType)
	}
	if k.Type() != idx.keyType {
		return db.NewError(db.KindFailure, "index %s expects %s keys, got %s key %s", idx.name, idx.keyType, k.Type(), k)
	}
	return nil
}

// validateKey checks that k can be stored in this index
func (idx *index) validateKey(k db.Key) error {
	if err := idx.validateKeyType(k); err != nil {
		return err
	}
	if k.Type() == db.KeyTypeText && idx.maxKeyLen > 0 && len(k.Text()) > idx.maxKeyLen {
		return db.NewError(db.KindFailure, "text key of %d bytes exceeds the limit of %d bytes", len(k.Text()), idx.maxKeyLen)
	}
	return nil
}

// validateBound checks the key of a bounded range end
func (idx *index) validateBound(b db.Bound) error {
	if b.IsUnbounded() {
		return nil
	}
	return idx.validateKeyType(b.Key())
}

// registerWriter records that a transaction buffered its first write against this index.
// It fails if the index was dropped.
func (idx *index) registerWriter() error {
	idx.stateMu.Lock()
	defer idx.stateMu.Unlock()

	if idx.dropped.Load() {
		return db.NewError(db.KindEntryDoesNotExist, "index %s was dropped", idx.name)
	}
	idx.writers++
	return nil
}

// releaseWriter is called once per registered transaction when it ends
func (idx *index) releaseWriter() {
	idx.stateMu.Lock()
	defer idx.stateMu.Unlock()
	idx.writers--
}

// markDropped invalidates the index unless a transaction holds buffered writes against it
func (idx *index) markDropped() error {
	idx.stateMu.Lock()
	defer idx.stateMu.Unlock()

	if idx.writers > 0 {
		return db.NewError(db.KindFailure, "index %s has buffered writes of %d active transaction(s)", idx.name, idx.writers)
	}
	idx.dropped.Store(true)
	return nil
}

// --------------------------------------------------------------------------
// Committed state access
// --------------------------------------------------------------------------

// lookup returns the committed version of k visible at snapshot.
func (idx *index) lookup(k db.Key, snapshot uint64) (internal.Version, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lookupLocked(k, snapshot)
}

func (idx *index) lookupLocked(k db.Key, snapshot uint64) (internal.Version, bool) {
	entry, ok := idx.tree.Get(internal.Pivot(k))
	if !ok {
		return internal.Version{}, false
	}
	return entry.Visible(snapshot)
}

// lookupLatest returns the newest committed version of k.
// The snapshot is taken under the read lock, so gc cannot prune what it sees.
func (idx *index) lookupLatest(k db.Key) (internal.Version, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lookupLocked(k, idx.clock.current())
}

// countVisible returns the number of records visible at snapshot.
// Callers hold at least the read lock.
func (idx *index) countVisibleLocked(snapshot uint64) int {
	n := 0
	idx.tree.Ascend(func(e *internal.Entry) bool {
		if _, ok := e.Visible(snapshot); ok {
			n++
		}
		return true
	})
	return n
}

// nextVisible returns the first committed record visible at snapshot that lies
// above pos and below high.
func (idx *index) nextVisible(pos, high db.Bound, snapshot uint64) (db.Key, []byte, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var (
		key   db.Key
		value []byte
		found bool
	)
	visit := func(e *internal.Entry) bool {
		if !pos.AdmitsFromBelow(e.Key) {
			return true
		}
		if !high.AdmitsFromAbove(e.Key) {
			return false
		}
		if v, ok := e.Visible(snapshot); ok {
			key, value, found = e.Key, v.Value, true
			return false
		}
		return true
	}

	if pos.IsUnbounded() {
		idx.tree.Ascend(visit)
	} else {
		idx.tree.AscendGreaterOrEqual(internal.Pivot(pos.Key()), visit)
	}
	return key, value, found
}

// installLocked appends the version written by commit seq.
// Callers hold clock.commitMu and the write lock of the index.
func (idx *index) installLocked(w internal.Write, seq uint64) {
	entry, ok := idx.tree.Get(internal.Pivot(w.Key))
	if !ok {
		entry = &internal.Entry{Key: w.Key}
		idx.tree.ReplaceOrInsert(entry)
	}
	entry.Append(internal.Version{Seq: seq, Value: w.Value, Deleted: w.Deleted})
	idx.latest.Store(w.Key, seq)
}

// applyImplicit runs a write without a transaction as its own single-operation
// commit. The existence check and the install happen against the latest
// committed state in the same critical section.
func (idx *index) applyImplicit(w internal.Write, mode writeMode) error {
	c := idx.clock
	c.commitMu.Lock()

	if idx.dropped.Load() {
		c.commitMu.Unlock()
		return db.NewError(db.KindEntryDoesNotExist, "index %s was dropped", idx.name)
	}

	seq := c.current() + 1

	idx.mu.Lock()
	_, exists := idx.lookupLocked(w.Key, seq-1)
	if err := mode.check(exists, w.Key, idx.name); err != nil {
		idx.mu.Unlock()
		c.commitMu.Unlock()
		return err
	}
	idx.installLocked(w, seq)
	idx.mu.Unlock()

	c.publish(seq)
	c.commitMu.Unlock()

	c.events.Push(gcEvent{idx: idx, keys: []db.Key{w.Key}})
	c.metrics.implicit.Inc()
	return nil
}

// prune runs one gc pass over keys. Settled keys are removed from keys.
func (idx *index) prune(keys map[db.Key]struct{}, watermark uint64) (pruned, removed int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for k := range keys {
		entry, ok := idx.tree.Get(internal.Pivot(k))
		if !ok {
			delete(keys, k)
			continue
		}

		n, settled := entry.Prune(watermark)
		pruned += n

		if len(entry.Versions) == 0 {
			idx.tree.Delete(entry)
			idx.latest.Delete(k)
			removed++
		}
		if settled {
			delete(keys, k)
		}
	}
	return pruned, removed
}

// --------------------------------------------------------------------------
// Write modes
// --------------------------------------------------------------------------

type writeMode uint8

const (
	modeInsert writeMode = iota // strict insert, the key must not exist
	modeUpsert                  // insert or replace
	modeRemove                  // delete, the key must exist
)

// check validates the existence of the key for the write mode
func (m writeMode) check(exists bool, k db.Key, name string) error {
	switch {
	case m == modeInsert && exists:
		return db.NewError(db.KindEntryExists, "key %s already exists in index %s", k, name)
	case m == modeRemove && !exists:
		return db.NewError(db.KindEntryDoesNotExist, "key %s does not exist in index %s", k, name)
	default:
		return nil
	}
}

// --------------------------------------------------------------------------
// Index handle (implements db.Index)
// --------------------------------------------------------------------------

// indexHandle is returned by OpenIndex. It stays usable until it is closed or
// the index is dropped.
type indexHandle struct {
	idx    *index
	closed atomic.Bool
}

func (h *indexHandle) Name() string { return h.idx.name }

func (h *indexHandle) KeyType() db.KeyType { return h.idx.keyType }

// check validates the handle and resolves the transaction (nil for none)
func (h *indexHandle) check(txn db.Txn) (*transaction, error) {
	if err := h.idx.clock.checkOpen(); err != nil {
		return nil, err
	}
	if h.closed.Load() {
		return nil, db.NewError(db.KindEntryDoesNotExist, "handle of index %s is closed", h.idx.name)
	}
	if h.idx.dropped.Load() {
		return nil, db.NewError(db.KindEntryDoesNotExist, "index %s was dropped", h.idx.name)
	}
	if txn == nil {
		return nil, nil
	}
	t, ok := txn.(*transaction)
	if !ok || t == nil || t.clock != h.idx.clock {
		return nil, db.NewError(db.KindTransactionDoesNotExist, "unknown transaction")
	}
	return t, nil
}

// Get returns the record with the given key, or an empty slice.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *indexHandle) Get(key db.Key, txn db.Txn) ([]db.Record, error) {
	t, err := h.check(txn)
	if err != nil {
		return nil, err
	}
	// over-long keys cannot be stored, so reads simply find nothing
	if err := h.idx.validateKeyType(key); err != nil {
		return nil, err
	}

	var (
		value []byte
		ok    bool
	)
	if t == nil {
		var v internal.Version
		v, ok = h.idx.lookupLatest(key)
		value = v.Value
	} else {
		value, ok, err = t.read(h.idx, key)
		if err != nil {
			return nil, err
		}
	}

	if !ok {
		return []db.Record{}, nil
	}
	return []db.Record{db.NewRecord(key, value).Clone()}, nil
}

// GetSingle returns the record with the given key or ErrEntryDoesNotExist.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *indexHandle) GetSingle(key db.Key, txn db.Txn) (db.Record, error) {
	records, err := h.Get(key, txn)
	if err != nil {
		return db.Record{}, err
	}
	if len(records) == 0 {
		return db.Record{}, db.NewError(db.KindEntryDoesNotExist, "key %s does not exist in index %s", key, h.idx.name)
	}
	return records[0], nil
}

// Range returns a lazy cursor over all records between low and high.
//
// Thread-safety: This method is thread-safe, the returned cursor is not.
func (h *indexHandle) Range(low, high db.Bound, txn db.Txn) (db.Cursor, error) {
	t, err := h.check(txn)
	if err != nil {
		return nil, err
	}
	if err := h.idx.validateBound(low); err != nil {
		return nil, err
	}
	if err := h.idx.validateBound(high); err != nil {
		return nil, err
	}
	if t != nil {
		if err := t.checkActive(); err != nil {
			return nil, err
		}
	}
	return newCursor(h, t, low, high), nil
}

// Count returns the number of visible records.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *indexHandle) Count(txn db.Txn) (int, error) {
	t, err := h.check(txn)
	if err != nil {
		return 0, err
	}
	if t != nil {
		return t.count(h.idx)
	}

	h.idx.mu.RLock()
	defer h.idx.mu.RUnlock()
	return h.idx.countVisibleLocked(h.idx.clock.current()), nil
}

// Insert adds a record, failing with ErrEntryExists if the key is visible.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *indexHandle) Insert(record db.Record, txn db.Txn) error {
	return h.write(record, txn, modeInsert)
}

// Upsert adds a record or replaces the value of an existing key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *indexHandle) Upsert(record db.Record, txn db.Txn) error {
	return h.write(record, txn, modeUpsert)
}

// Remove deletes the record with the key of record, failing with
// ErrEntryDoesNotExist if the key is not visible.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *indexHandle) Remove(record db.Record, txn db.Txn) error {
	return h.write(record, txn, modeRemove)
}

func (h *indexHandle) write(record db.Record, txn db.Txn, mode writeMode) error {
	t, err := h.check(txn)
	if err != nil {
		return err
	}
	if err := h.idx.validateKey(record.Key); err != nil {
		return err
	}

	w := internal.Write{Key: record.Key, Deleted: mode == modeRemove}
	if !w.Deleted {
		w.Value = record.Clone().Value
	}

	if t == nil {
		return h.idx.applyImplicit(w, mode)
	}
	return t.write(h.idx, w, mode)
}
