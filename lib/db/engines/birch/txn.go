package birch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/birch/internal"
	"github.com/google/btree"
)

// logEntry records one buffered write and the write-set state it replaced
type logEntry struct {
	idx    *index
	old    internal.Write // previous buffered write of the key
	hadOld bool           // false if the key had no buffered write before
	new    internal.Write
}

// transaction implements db.Txn.
//
// A transaction reads the committed state at its snapshot overlaid with its own
// write sets and buffers all writes until commit. All methods are safe for
// concurrent use, operations of one transaction are serialized by mu.
type transaction struct {
	id       uint64 // also the ID of the snapshot pin
	snapshot uint64
	clock    *clock
	degree   int

	state atomic.Uint32 // db.TxnState, written under mu

	mu     sync.Mutex
	log    []logEntry
	writes map[*index]*btree.BTreeG[internal.Write]
	order  []*index // indices in order of the first write, commit installs in this order
}

func newTransaction(id, snapshot uint64, c *clock, degree int) *transaction {
	return &transaction{
		id:       id,
		snapshot: snapshot,
		clock:    c,
		degree:   degree,
		writes:   make(map[*index]*btree.BTreeG[internal.Write]),
	}
}

func (t *transaction) ID() uint64 { return t.id }

func (t *transaction) Snapshot() uint64 { return t.snapshot }

func (t *transaction) State() db.TxnState { return db.TxnState(t.state.Load()) }

func (t *transaction) String() string {
	return fmt.Sprintf("Txn{ID: %d, Snapshot: %d, State: %s}", t.id, t.snapshot, t.State())
}

// checkActive fails with TransactionDoesNotExist once the transaction ended.
func (t *transaction) checkActive() error {
	if t.State() != db.TxnActive {
		return db.NewError(db.KindTransactionDoesNotExist, "transaction %d is %s", t.id, t.State())
	}
	return nil
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// read returns the value of k as seen by the transaction
func (t *transaction) read(idx *index, k db.Key) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkActive(); err != nil {
		return nil, false, err
	}
	value, ok := t.visibleLocked(idx, k)
	return value, ok, nil
}

// visibleLocked overlays the write set of idx on the snapshot. Callers hold mu.
func (t *transaction) visibleLocked(idx *index, k db.Key) ([]byte, bool) {
	if ws, ok := t.writes[idx]; ok {
		if w, ok := ws.Get(internal.Write{Key: k}); ok {
			if w.Deleted {
				return nil, false
			}
			return w.Value, true
		}
	}
	v, ok := idx.lookup(k, t.snapshot)
	return v.Value, ok
}

// count returns the number of records of idx visible to the transaction
func (t *transaction) count(idx *index) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkActive(); err != nil {
		return 0, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := idx.countVisibleLocked(t.snapshot)
	if ws, ok := t.writes[idx]; ok {
		ws.Ascend(func(w internal.Write) bool {
			_, committed := idx.lookupLocked(w.Key, t.snapshot)
			switch {
			case w.Deleted && committed:
				n--
			case !w.Deleted && !committed:
				n++
			}
			return true
		})
	}
	return n, nil
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// write buffers w after checking the existence of its key against the
// transaction's view. The first write against an index registers the
// transaction as a writer, which blocks DropIndex until the transaction ends.
func (t *transaction) write(idx *index, w internal.Write, mode writeMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkActive(); err != nil {
		return err
	}

	_, exists := t.visibleLocked(idx, w.Key)
	if err := mode.check(exists, w.Key, idx.name); err != nil {
		return err
	}

	ws, ok := t.writes[idx]
	if !ok {
		if err := idx.registerWriter(); err != nil {
			return err
		}
		ws = btree.NewG[internal.Write](t.degree, internal.LessWrite)
		t.writes[idx] = ws
		t.order = append(t.order, idx)
	}

	old, hadOld := ws.ReplaceOrInsert(w)
	t.log = append(t.log, logEntry{idx: idx, old: old, hadOld: hadOld, new: w})
	return nil
}

// --------------------------------------------------------------------------
// Commit and Abort
// --------------------------------------------------------------------------

// commit validates and installs all buffered writes.
//
// Validation is first-committer-wins: if any written key was committed by
// another transaction after this transaction's snapshot, the commit fails
// with a conflict and the transaction is aborted.
func (t *transaction) commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkActive(); err != nil {
		return err
	}

	c := t.clock

	// read-only transactions always commit
	if len(t.order) == 0 {
		t.finishLocked(db.TxnCommitted)
		c.metrics.commits.Inc()
		return nil
	}

	c.commitMu.Lock()

	if idx, key, conflict := t.validateLocked(); conflict {
		c.commitMu.Unlock()

		t.rollbackLocked()
		t.finishLocked(db.TxnAborted)
		c.metrics.conflicts.Inc()
		c.metrics.aborts.Inc()

		Logger.Debugf("transaction %d aborted: key %s of index %s was committed after snapshot %d", t.id, key, idx.name, t.snapshot)
		return db.NewConflictError("transaction %d conflicts on key %s of index %s", t.id, key, idx.name)
	}

	seq := c.current() + 1
	writeSetSize := 0
	events := make([]gcEvent, 0, len(t.order))

	for _, idx := range t.order {
		ws := t.writes[idx]
		keys := make([]db.Key, 0, ws.Len())

		idx.mu.Lock()
		ws.Ascend(func(w internal.Write) bool {
			idx.installLocked(w, seq)
			keys = append(keys, w.Key)
			return true
		})
		idx.mu.Unlock()

		writeSetSize += len(keys)
		events = append(events, gcEvent{idx: idx, keys: keys})
	}

	// all versions are installed, make them visible at once
	c.publish(seq)
	c.commitMu.Unlock()

	for _, e := range events {
		c.events.Push(e)
	}
	c.metrics.commits.Inc()
	c.metrics.writeSetSizes.Update(float64(writeSetSize))

	t.finishLocked(db.TxnCommitted)
	return nil
}

// validateLocked returns the first written key committed after the snapshot.
// Callers hold mu and clock.commitMu.
func (t *transaction) validateLocked() (conflictIdx *index, conflictKey db.Key, conflict bool) {
	for _, idx := range t.order {
		t.writes[idx].Ascend(func(w internal.Write) bool {
			if seq, ok := idx.latest.Load(w.Key); ok && seq > t.snapshot {
				conflictIdx, conflictKey, conflict = idx, w.Key, true
				return false
			}
			return true
		})
		if conflict {
			return
		}
	}
	return
}

// abort discards all buffered writes
func (t *transaction) abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkActive(); err != nil {
		return err
	}

	t.rollbackLocked()
	t.finishLocked(db.TxnAborted)
	t.clock.metrics.aborts.Inc()
	return nil
}

// rollbackLocked undoes the write log in reverse order. An index whose write
// set becomes empty is released right away.
func (t *transaction) rollbackLocked() {
	for i := len(t.log) - 1; i >= 0; i-- {
		e := t.log[i]
		ws, ok := t.writes[e.idx]
		if !ok {
			continue
		}

		if e.hadOld {
			ws.ReplaceOrInsert(e.old)
		} else {
			ws.Delete(e.new)
		}

		if ws.Len() == 0 {
			delete(t.writes, e.idx)
			e.idx.releaseWriter()
		}
	}
	t.log = nil
}

// finishLocked moves the transaction to a terminal state and releases its
// writer registrations and its snapshot pin
func (t *transaction) finishLocked(state db.TxnState) {
	for _, idx := range t.order {
		if _, ok := t.writes[idx]; ok {
			idx.releaseWriter()
		}
	}
	t.writes = nil
	t.order = nil
	t.log = nil

	t.state.Store(uint32(state))
	t.clock.unpin(t.id)
}
