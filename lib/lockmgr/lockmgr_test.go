package lockmgr

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/birch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newLockManager(t *testing.T) (ILockManager, db.Index) {
	t.Helper()
	database := birch.NewBirchDB(nil)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, database.CreateIndex("locks", db.KeyTypeText))
	index, err := database.OpenIndex("locks")
	require.NoError(t, err)

	lm, err := NewLockManager(database, index)
	require.NoError(t, err)
	return lm, index
}

func TestAcquireRelease(t *testing.T) {
	lm, index := newLockManager(t)

	ok, owner, err := lm.AcquireLock("resource", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, owner, ownerLen)

	ok, other, err := lm.AcquireLock("resource", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, other)

	// locks on other keys are independent
	ok, _, err = lm.AcquireLock("other", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lm.ReleaseLock("resource", []byte("not the owner"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = lm.ReleaseLock("resource", owner)
	require.NoError(t, err)
	assert.True(t, ok)

	records, err := index.Get(db.TextKey("resource"), nil)
	require.NoError(t, err)
	assert.Empty(t, records)

	// releasing a missing lock succeeds
	ok, err = lm.ReleaseLock("resource", owner)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = lm.AcquireLock("resource", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	lm, _ := newLockManager(t)

	ok, first, err := lm.AcquireLock("resource", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = lm.AcquireLock("resource", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, second, err := lm.AcquireLock("resource", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	// the former owner can not release it anymore
	ok, err = lm.ReleaseLock("resource", first)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = lm.ReleaseLock("resource", second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentAcquire(t *testing.T) {
	lm, _ := newLockManager(t)

	var (
		winners atomic.Int32
		g       errgroup.Group
	)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			ok, _, err := lm.AcquireLock("contended", 0)
			if ok {
				winners.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), winners.Load())
}

func TestConcurrentTakeover(t *testing.T) {
	lm, _ := newLockManager(t)

	ok, _, err := lm.AcquireLock("contended", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	var (
		winners atomic.Int32
		g       errgroup.Group
	)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			ok, _, err := lm.AcquireLock("contended", 0)
			if ok {
				winners.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), winners.Load())
}

func TestRequiresTextIndex(t *testing.T) {
	database := birch.NewBirchDB(nil)
	defer database.Close()

	require.NoError(t, database.CreateIndex("ints", db.KeyTypeInt))
	index, err := database.OpenIndex("ints")
	require.NoError(t, err)

	_, err = NewLockManager(database, index)
	assert.Error(t, err)
}

func TestExpired(t *testing.T) {
	now := time.Now()
	owner := make([]byte, ownerLen)

	assert.False(t, expired(encodeLock(owner, 0), now.Add(time.Hour)))
	assert.False(t, expired(encodeLock(owner, time.Minute), now))
	assert.True(t, expired(encodeLock(owner, time.Minute), now.Add(2*time.Minute)))
	assert.True(t, expired([]byte("garbage"), now))
	assert.Nil(t, lockOwner([]byte("garbage")))
}

// failingAbortDB counts aborts and reports each of them as failed
type failingAbortDB struct {
	db.Database
	aborts atomic.Int32
}

func (f *failingAbortDB) AbortTransaction(txn db.Txn) error {
	f.aborts.Add(1)
	_ = f.Database.AbortTransaction(txn)
	return db.NewError(db.KindFailure, "abort failed")
}

func TestFailedAbortIsNotReturned(t *testing.T) {
	database := &failingAbortDB{Database: birch.NewBirchDB(nil)}
	defer database.Close()

	require.NoError(t, database.CreateIndex("locks", db.KeyTypeText))
	index, err := database.OpenIndex("locks")
	require.NoError(t, err)
	lm, err := NewLockManager(database, index)
	require.NoError(t, err)

	ok, owner, err := lm.AcquireLock("resource", 0)
	require.NoError(t, err)
	require.True(t, ok)

	// a held lock aborts the takeover transaction
	ok, _, err = lm.AcquireLock("resource", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), database.aborts.Load())

	// so does a release by someone else
	ok, err = lm.ReleaseLock("resource", make([]byte, ownerLen))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(2), database.aborts.Load())

	ok, err = lm.ReleaseLock("resource", owner)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, database.GetInfo().ActiveTxns)
}
