package birch

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/util"
)

// --------------------------------------------------------------------------
// Commit clock
// --------------------------------------------------------------------------

// clock is the state shared by a database, its indices and its transactions.
// Indices and transactions only know the clock, never the database.
//
// Lock order: transaction.mu -> clock.commitMu -> index.mu. pinMu and
// index.stateMu are leaves and never held while acquiring another lock.
type clock struct {
	// commitMu serializes validation, install and publish of all commits
	commitMu sync.Mutex

	// seq is the sequence number of the latest published commit
	seq atomic.Uint64

	// nextID hands out transaction and pin identifiers
	nextID atomic.Uint64

	// pins maps pin IDs to pinned snapshots, the minimum is the GC watermark
	pinMu sync.Mutex
	pins  *util.MapHeap[uint64]

	// events carries the keys touched by commits to the garbage collector
	events *util.MPSCQueue[gcEvent]

	metrics *engineMetrics
	closed  atomic.Bool
}

func newClock() *clock {
	return &clock{
		pins:   util.NewMapHeap[uint64](),
		events: util.NewMPSCQueue[gcEvent](),
	}
}

// current returns the sequence number of the latest published commit
func (c *clock) current() uint64 {
	return c.seq.Load()
}

// publish makes the commit with sequence number seq visible to new readers.
// Callers hold commitMu and installed all versions tagged seq before.
func (c *clock) publish(seq uint64) {
	c.seq.Store(seq)
}

// pin registers a reader at the current snapshot and returns the pin ID and snapshot.
// Reading seq under pinMu guarantees the watermark never passes a snapshot about to be pinned.
func (c *clock) pin() (id uint64, snapshot uint64) {
	id = c.nextID.Add(1)

	c.pinMu.Lock()
	defer c.pinMu.Unlock()

	snapshot = c.seq.Load()
	c.pins.Set(id, snapshot)
	return id, snapshot
}

// unpin releases a pinned snapshot. Unpinning twice is a no-op.
func (c *clock) unpin(id uint64) {
	c.pinMu.Lock()
	defer c.pinMu.Unlock()
	c.pins.Remove(id)
}

// watermark returns the oldest snapshot any reader may still use.
// Versions superseded at or below it are invisible to everyone.
func (c *clock) watermark() uint64 {
	c.pinMu.Lock()
	defer c.pinMu.Unlock()

	current := c.seq.Load()
	if oldest, ok := c.pins.Peek(); ok && oldest.Priority < current {
		return oldest.Priority
	}
	return current
}

// pinned returns the number of pinned snapshots
func (c *clock) pinned() int {
	c.pinMu.Lock()
	defer c.pinMu.Unlock()
	return c.pins.Len()
}

// checkOpen fails once the database was closed
func (c *clock) checkOpen() error {
	if c.closed.Load() {
		return db.NewError(db.KindDatabaseDoesNotExist, "database is closed")
	}
	return nil
}
