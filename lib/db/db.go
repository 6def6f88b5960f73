package db

import "io"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplBirch Implementation = "birch"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureTransactions   Feature = 1 << iota // Support for snapshot isolated transactions
	FeatureRange                              // Support for ordered range scans
	FeatureUpsert                             // Support for Upsert operations
	FeatureRemove                             // Support for Remove operations
	FeatureSave                               // Support for Save operations
	FeatureLoad                               // Support for Load operations
	FeatureGarbageCollect                     // Support for GC of obsolete versions
	FeatureMetrics                            // Support for Prometheus metrics export
)

func (f Feature) String() string {
	switch f {
	case FeatureTransactions:
		return "Transactions"
	case FeatureRange:
		return "Range"
	case FeatureUpsert:
		return "Upsert"
	case FeatureRemove:
		return "Remove"
	case FeatureSave:
		return "Save"
	case FeatureLoad:
		return "Load"
	case FeatureGarbageCollect:
		return "GarbageCollect"
	case FeatureMetrics:
		return "Metrics"
	default:
		return "Unknown"
	}
}

// TxnState is the lifecycle state of a transaction.
type TxnState uint8

const (
	TxnActive TxnState = iota
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "Active"
	case TxnCommitted:
		return "Committed"
	case TxnAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Indices           int            `json:"indices"`
	ActiveTxns        int            `json:"active_txns"`
	CommitSeq         uint64         `json:"commit_seq"`
	Metadata          interface{}    `json:"metadata"`
}

// MetricsWriter is implemented by databases that support FeatureMetrics.
type MetricsWriter interface {
	// WritePrometheus writes all metrics in Prometheus text exposition format.
	WritePrometheus(w io.Writer)
}

// --------------------------------------------------------------------------
// Transaction Interface
// --------------------------------------------------------------------------

// Txn is an opaque transaction handle returned by Database.BeginTransaction.
// It is only meaningful to the database that created it.
type Txn interface {
	// ID returns the identifier of the transaction, unique within its database.
	ID() uint64

	// Snapshot returns the commit sequence number the transaction reads at.
	Snapshot() uint64

	// State returns the current lifecycle state.
	State() TxnState
}

// --------------------------------------------------------------------------
// Index Interface
// --------------------------------------------------------------------------

// Index is an ordered mapping from Key to value owned by a Database.
// Every operation takes an optional transaction: with a nil Txn reads see the
// latest committed state and writes commit immediately as their own implicit
// transaction. With a Txn, reads see the transaction's snapshot plus its own
// writes, and writes stay invisible to everyone else until the transaction commits.
//
// Keys must have the type the index was created with, other keys fail with a Failure error.
type Index interface {
	// Name returns the name the index was created with.
	Name() string

	// KeyType returns the key type of the index.
	KeyType() KeyType

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get returns all records with the given key. Since keys are unique within
	// an index this is either empty or a single record. A missing key is not an error.
	Get(key Key, txn Txn) (records []Record, err error)

	// GetSingle returns the record with the given key or ErrEntryDoesNotExist.
	GetSingle(key Key, txn Txn) (record Record, err error)

	// Range returns a cursor over all records between low and high in ascending key order.
	Range(low, high Bound, txn Txn) (cursor Cursor, err error)

	// Count returns the number of visible records.
	Count(txn Txn) (n int, err error)

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Insert adds a record. It fails with ErrEntryExists if the key is already present.
	Insert(record Record, txn Txn) (err error)

	// Upsert adds a record or replaces the value of an existing key.
	Upsert(record Record, txn Txn) (err error)

	// Remove deletes the record with the key of the given record.
	// It fails with ErrEntryDoesNotExist if the key is not present.
	Remove(record Record, txn Txn) (err error)
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// Database owns a registry of named indices and the set of active transactions.
// All methods are safe for concurrent use.
type Database interface {

	// --------------------------------------------------------------------------
	// Index Registry
	// --------------------------------------------------------------------------

	// CreateIndex registers a new empty index. Names are unique and case-sensitive.
	// It fails with ErrEntryExists if the name is taken.
	CreateIndex(name string, keyType KeyType) (err error)

	// DropIndex removes an index and invalidates all of its handles.
	// It fails with ErrEntryDoesNotExist if the name is unknown and with
	// ErrFailure while an active transaction has buffered writes against it.
	DropIndex(name string) (err error)

	// OpenIndex returns a handle that stays valid until it is closed or the index is dropped.
	OpenIndex(name string) (index Index, err error)

	// CloseIndex releases a handle. Closing a handle twice fails with ErrEntryDoesNotExist.
	CloseIndex(index Index) (err error)

	// ListIndices returns the names of all indices in ascending order.
	ListIndices() (names []string)

	// --------------------------------------------------------------------------
	// Transactions
	// --------------------------------------------------------------------------

	// BeginTransaction starts a new transaction reading at the latest commit.
	BeginTransaction() (txn Txn, err error)

	// CommitTransaction validates and applies all buffered writes atomically.
	// If another transaction committed a write to a key this transaction also
	// wrote after this transaction began, the commit fails with an error
	// matching ErrConflict (and ErrFailure) and the transaction is aborted.
	CommitTransaction(txn Txn) (err error)

	// AbortTransaction discards all buffered writes.
	AbortTransaction(txn Txn) (err error)

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save writes a consistent snapshot of all committed data to the provided io.Writer.
	Save(w io.Writer) (err error)

	// Load replaces the database content with a snapshot written by Save.
	// It fails if indices are open or transactions are active.
	Load(r io.Reader) (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// GC runs one synchronous garbage collection round.
	GC()

	// Close closes the database. All later operations fail with ErrDatabaseDoesNotExist.
	Close() (err error)
}
