package lockmgr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("lockmgr")

const (
	ownerLen = 16           // length of an owner ID (uuid)
	valueLen = ownerLen + 8 // owner ID followed by the expiry in unix nanoseconds (0 = never)
)

type lockMgrImpl struct {
	database db.Database
	index    db.Index
}

// NewLockManager creates a lock manager storing its locks in index, which must have text keys.
// The database is used for the transactions of takeover and release.
func NewLockManager(database db.Database, index db.Index) (ILockManager, error) {
	if index.KeyType() != db.KeyTypeText {
		return nil, fmt.Errorf("lock index %s must have text keys, has %s keys", index.Name(), index.KeyType())
	}
	return &lockMgrImpl{
		database: database,
		index:    index,
	}, nil
}

func (lm *lockMgrImpl) AcquireLock(key string, timeout time.Duration) (bool, []byte, error) {
	// Generate a new owner ID
	owner := uuid.New()
	record := db.NewRecord(db.TextKey(key), encodeLock(owner[:], timeout))

	// Try to acquire the lock (strict insert fails if someone else holds it)
	err := lm.index.Insert(record, nil)
	if err == nil {
		return true, owner[:], nil
	}
	if !errors.Is(err, db.ErrEntryExists) {
		return false, nil, err
	}

	// The lock is held, take it over if it expired
	txn, err := lm.database.BeginTransaction()
	if err != nil {
		return false, nil, err
	}

	current, err := lm.index.GetSingle(record.Key, txn)
	switch {
	case errors.Is(err, db.ErrEntryDoesNotExist):
		// released in the meantime
		err = lm.index.Insert(record, txn)
	case err != nil:
	case !expired(current.Value, time.Now()):
		lm.abort(txn)
		return false, nil, nil
	default:
		err = lm.index.Upsert(record, txn)
	}
	if err != nil {
		lm.abort(txn)
		return false, nil, err
	}

	// Return false if someone else acquired the lock in the meantime
	if err := lm.database.CommitTransaction(txn); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return false, nil, nil
		}
		return false, nil, err
	}

	Logger.Debugf("took over expired lock %s", key)
	return true, owner[:], nil
}

func (lm *lockMgrImpl) ReleaseLock(key string, ownerID []byte) (bool, error) {
	txn, err := lm.database.BeginTransaction()
	if err != nil {
		return false, err
	}

	// Check if the lock exists
	current, err := lm.index.GetSingle(db.TextKey(key), txn)
	if errors.Is(err, db.ErrEntryDoesNotExist) {
		return true, lm.database.CommitTransaction(txn)
	}
	if err != nil {
		lm.abort(txn)
		return false, err
	}

	// Check if the lock is owned by us
	if !bytes.Equal(ownerID, lockOwner(current.Value)) {
		lm.abort(txn)
		return false, nil
	}

	// Release the lock
	if err := lm.index.Remove(current, txn); err != nil {
		lm.abort(txn)
		return false, err
	}
	err = lm.database.CommitTransaction(txn)
	if errors.Is(err, db.ErrConflict) {
		// taken over after it expired
		return false, nil
	}
	return err == nil, err
}

// abort ends txn without committing and logs a failed abort
func (lm *lockMgrImpl) abort(txn db.Txn) {
	if err := lm.database.AbortTransaction(txn); err != nil {
		Logger.Warningf("failed to abort lock transaction: %v", err)
	}
}

// encodeLock builds the stored value of a lock
func encodeLock(owner []byte, timeout time.Duration) []byte {
	value := make([]byte, valueLen)
	copy(value, owner)
	if timeout > 0 {
		binary.BigEndian.PutUint64(value[ownerLen:], uint64(time.Now().Add(timeout).UnixNano()))
	}
	return value
}

// lockOwner returns the owner ID of a stored lock
func lockOwner(value []byte) []byte {
	if len(value) != valueLen {
		return nil
	}
	return value[:ownerLen]
}

// expired reports whether the lock stored as value timed out at now.
// Values that are no locks count as expired.
func expired(value []byte, now time.Time) bool {
	if len(value) != valueLen {
		return true
	}
	expiry := binary.BigEndian.Uint64(value[ownerLen:])
	return expiry != 0 && now.UnixNano() >= int64(expiry)
}
