package birch

import (
	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/birch/internal"
	"github.com/google/btree"
)

// cursor implements db.Cursor.
//
// A cursor holds no lock between calls. Every Next searches the tree for the
// first visible key above the last returned one, so concurrent commits and gc
// rounds never invalidate it. Without a transaction the cursor reads at a
// snapshot pinned at creation; with one it reads the transaction's snapshot
// merged with its write set.
//
// Thread-safety: a cursor must not be used by several goroutines at once.
type cursor struct {
	h        *indexHandle
	txn      *transaction // nil for a cursor with a pinned snapshot
	pinID    uint64
	snapshot uint64

	low, high db.Bound
	pos       db.Bound // lower bound of the next record

	err    error
	closed bool
}

func newCursor(h *indexHandle, t *transaction, low, high db.Bound) *cursor {
	c := &cursor{h: h, txn: t, low: low, high: high, pos: low}
	if t == nil {
		c.pinID, c.snapshot = h.idx.clock.pin()
	} else {
		c.snapshot = t.snapshot
	}
	return c
}

// Next returns the next record in ascending key order
func (c *cursor) Next() (db.Record, bool) {
	if c.closed || c.err != nil {
		return db.Record{}, false
	}
	if _, err := c.h.check(nil); err != nil {
		c.err = err
		return db.Record{}, false
	}

	var ws *btree.BTreeG[internal.Write]
	if c.txn != nil {
		c.txn.mu.Lock()
		defer c.txn.mu.Unlock()

		if err := c.txn.checkActive(); err != nil {
			c.err = err
			return db.Record{}, false
		}
		ws = c.txn.writes[c.h.idx]
	}

	for {
		key, value, committed := c.h.idx.nextVisible(c.pos, c.high, c.snapshot)

		var (
			w       internal.Write
			pending bool
		)
		if ws != nil {
			w, pending = nextWrite(ws, c.pos, c.high)
		}

		switch {
		case !committed && !pending:
			return db.Record{}, false

		case pending && (!committed || w.Key.Compare(key) <= 0):
			// the write set shadows the committed state of the same key
			c.pos = db.Exclusive(w.Key)
			if w.Deleted {
				continue
			}
			return db.NewRecord(w.Key, w.Value).Clone(), true

		default:
			c.pos = db.Exclusive(key)
			return db.NewRecord(key, value).Clone(), true
		}
	}
}

// Seek positions the cursor before the first record with a key >= key
func (c *cursor) Seek(key db.Key) {
	if c.low.AdmitsFromBelow(key) {
		c.pos = db.Inclusive(key)
	} else {
		c.pos = c.low
	}
}

// Reset restarts the cursor at the beginning of its range
func (c *cursor) Reset() {
	c.pos = c.low
	c.err = nil
}

func (c *cursor) Err() error { return c.err }

// Close releases the pinned snapshot. Closing twice is a no-op.
func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.txn == nil {
		c.h.idx.clock.unpin(c.pinID)
	}
	return nil
}

// nextWrite returns the first buffered write above pos and below high
func nextWrite(ws *btree.BTreeG[internal.Write], pos, high db.Bound) (internal.Write, bool) {
	var (
		found internal.Write
		ok    bool
	)
	visit := func(w internal.Write) bool {
		if !pos.AdmitsFromBelow(w.Key) {
			return true
		}
		if high.AdmitsFromAbove(w.Key) {
			found, ok = w, true
		}
		return false
	}

	if pos.IsUnbounded() {
		ws.Ascend(visit)
	} else {
		ws.AscendGreaterOrEqual(internal.Write{Key: pos.Key()}, visit)
	}
	return found, ok
}
