package birch

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("birch")

// --------------------------------------------------------------------------
// Core birch database structure
// --------------------------------------------------------------------------

// birchDB implements db.Database with multi-version indices kept in memory
type birchDB struct {
	id    uuid.UUID // Identifies the instance in logs and GetInfo
	opts  Options
	clock *clock
	gc    *collector

	// registryMu serializes index creation, drop and Load, lookups are lock-free
	registryMu sync.Mutex
	indices    *xsync.MapOf[string, *index]
	handles    *xsync.MapOf[*indexHandle, struct{}]

	txns       *xsync.MapOf[uint64, *transaction]
	activeTxns atomic.Int64
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewBirchDB creates a new birch database with the specified options (optional).
// Invalid options are replaced by their defaults.
func NewBirchDB(opts *Options) db.Database {
	if opts != nil {
		if err := opts.Validate(); err != nil {
			Logger.Warningf("ignoring invalid options: %v", err)
			opts = nil
		}
	}

	b := &birchDB{
		id:      uuid.New(),
		opts:    opts.withDefaults(),
		clock:   newClock(),
		indices: xsync.NewMapOf[string, *index](),
		handles: xsync.NewMapOf[*indexHandle, struct{}](),
		txns:    xsync.NewMapOf[uint64, *transaction](),
	}

	b.clock.metrics = newEngineMetrics(
		func() float64 { return float64(b.activeTxns.Load()) },
		func() float64 { return float64(b.indices.Size()) },
		func() float64 { return float64(b.clock.pinned()) },
	)

	b.gc = newCollector(b.clock, b.opts.GCInterval)
	b.gc.start()

	Logger.Infof("created birch database %s with %s", b.id, b.opts)
	return b
}

// --------------------------------------------------------------------------
// Index Registry
// --------------------------------------------------------------------------

// CreateIndex registers a new empty index
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (b *birchDB) CreateIndex(name string, keyType db.KeyType) error {
	if err := b.clock.checkOpen(); err != nil {
		return err
	}
	if name == "" || len(name) > math.MaxUint16 {
		return db.NewError(db.KindFailure, "index name must have 1 to %d bytes", math.MaxUint16)
	}
	if !keyType.Valid() {
		return db.NewError(db.KindFailure, "invalid key type %d", keyType)
	}

	b.registryMu.Lock()
	defer b.registryMu.Unlock()

	if _, exists := b.indices.Load(name); exists {
		return db.NewError(db.KindEntryExists, "index %s already exists", name)
	}
	b.indices.Store(name, newIndex(name, keyType, b.clock, b.opts))

	Logger.Infof("created index %s (%s keys)", name, keyType)
	return nil
}

// DropIndex removes an index and invalidates all of its handles
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (b *birchDB) DropIndex(name string) error {
	if err := b.clock.checkOpen(); err != nil {
		return err
	}

	// no commit may install into the index while it is dropped
	b.clock.commitMu.Lock()
	defer b.clock.commitMu.Unlock()
	b.registryMu.Lock()
	defer b.registryMu.Unlock()

	idx, ok := b.indices.Load(name)
	if !ok {
		return db.NewError(db.KindEntryDoesNotExist, "index %s does not exist", name)
	}
	if err := idx.markDropped(); err != nil {
		Logger.Warningf("rejected drop of index %s: %v", name, err)
		return err
	}
	b.indices.Delete(name)

	Logger.Infof("dropped index %s", name)
	return nil
}

// OpenIndex returns a new handle for the named index
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (b *birchDB) OpenIndex(name string) (db.Index, error) {
	if err := b.clock.checkOpen(); err != nil {
		return nil, err
	}

	idx, ok := b.indices.Load(name)
	if !ok {
		return nil, db.NewError(db.KindEntryDoesNotExist, "index %s does not exist", name)
	}

	h := &indexHandle{idx: idx}
	b.handles.Store(h, struct{}{})
	return h, nil
}

// CloseIndex releases a handle returned by OpenIndex
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (b *birchDB) CloseIndex(index db.Index) error {
	if err := b.clock.checkOpen(); err != nil {
		return err
	}

	h, ok := index.(*indexHandle)
	if !ok || h == nil || h.idx.clock != b.clock {
		return db.NewError(db.KindEntryDoesNotExist, "unknown index handle")
	}
	if !h.closed.CompareAndSwap(false, true) {
		return db.NewError(db.KindEntryDoesNotExist, "handle of index %s is already closed", h.idx.name)
	}
	b.handles.Delete(h)
	return nil
}

// ListIndices returns the names of all indices in ascending order
func (b *birchDB) ListIndices() []string {
	names := make([]string, 0, b.indices.Size())
	b.indices.Range(func(name string, _ *index) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// BeginTransaction starts a transaction reading at the latest commit
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (b *birchDB) BeginTransaction() (db.Txn, error) {
	if err := b.clock.checkOpen(); err != nil {
		return nil, err
	}

	active := b.activeTxns.Add(1)
	if limit := b.opts.MaxActiveTxns; limit > 0 && active > int64(limit) {
		b.activeTxns.Add(-1)
		return nil, db.NewError(db.KindFailure, "too many active transactions (limit %d)", limit)
	}

	id, snapshot := b.clock.pin()
	t := newTransaction(id, snapshot, b.clock, b.opts.BTreeDegree)
	b.txns.Store(id, t)
	return t, nil
}

// CommitTransaction validates and applies all buffered writes of txn atomically
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (b *birchDB) CommitTransaction(txn db.Txn) error {
	t, err := b.lookupTxn(txn)
	if err != nil {
		return err
	}
	err = t.commit()
	b.forget(t)
	return err
}

// AbortTransaction discards all buffered writes of txn
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (b *birchDB) AbortTransaction(txn db.Txn) error {
	t, err := b.lookupTxn(txn)
	if err != nil {
		return err
	}
	err = t.abort()
	b.forget(t)
	return err
}

// lookupTxn resolves an active transaction of this database
func (b *birchDB) lookupTxn(txn db.Txn) (*transaction, error) {
	if err := b.clock.checkOpen(); err != nil {
		return nil, err
	}
	t, ok := txn.(*transaction)
	if !ok || t == nil || t.clock != b.clock {
		return nil, db.NewError(db.KindTransactionDoesNotExist, "unknown transaction")
	}
	if _, ok := b.txns.Load(t.id); !ok {
		return nil, db.NewError(db.KindTransactionDoesNotExist, "transaction %d is %s", t.id, t.State())
	}
	return t, nil
}

// forget removes a terminated transaction from the table exactly once
func (b *birchDB) forget(t *transaction) {
	if t.State() == db.TxnActive {
		return
	}
	if _, ok := b.txns.LoadAndDelete(t.id); ok {
		b.activeTxns.Add(-1)
	}
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// GC runs one synchronous garbage collection round
func (b *birchDB) GC() {
	if b.clock.checkOpen() != nil {
		return
	}
	stats := b.gc.run()
	Logger.Debugf("forced gc round: watermark %d, %d versions pruned, %d entries removed, %d keys pending",
		stats.Watermark, stats.Pruned, stats.Removed, stats.Pending)
}

// Close stops the garbage collector and aborts all active transactions
func (b *birchDB) Close() error {
	if !b.clock.closed.CompareAndSwap(false, true) {
		return db.NewError(db.KindDatabaseDoesNotExist, "database is already closed")
	}

	b.gc.stop()
	b.clock.events.Close()

	aborted := 0
	b.txns.Range(func(id uint64, t *transaction) bool {
		if t.abort() == nil {
			aborted++
		}
		b.forget(t)
		return true
	})

	Logger.Infof("closed birch database %s (%d active transaction(s) aborted)", b.id, aborted)
	return nil
}
