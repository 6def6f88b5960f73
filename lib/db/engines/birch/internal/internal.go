package internal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ValentinKolb/tKV/lib/db"
)

// --------------------------------------------------------------------------
// Version (one committed state of a key)
// --------------------------------------------------------------------------

// Version is the state of a key written by the commit with sequence number Seq.
type Version struct {
	Seq     uint64 // Commit sequence number that installed this version
	Value   []byte // Stored value, owned by the engine
	Deleted bool   // Tombstone: the key was removed at Seq
}

// --------------------------------------------------------------------------
// Entry Type (version chain of a key, stored in the index tree)
// --------------------------------------------------------------------------

// Entry holds all versions of a key that a pinned snapshot may still need.
// Versions are ordered by ascending Seq.
//
// Entries are mutated in place, callers hold the write lock of the owning index.
type Entry struct {
	Key      db.Key
	Versions []Version
}

// LessEntry orders entries by key, it is the less function of the index tree.
func LessEntry(a, b *Entry) bool {
	return a.Key.Less(b.Key)
}

// Pivot returns an entry usable as a search key for the index tree.
func Pivot(k db.Key) *Entry {
	return &Entry{Key: k}
}

// Visible returns the version a reader at snapshot sees. ok is false if the
// key did not exist at snapshot or was deleted.
func (e *Entry) Visible(snapshot uint64) (v Version, ok bool) {
	for i := len(e.Versions) - 1; i >= 0; i-- {
		if e.Versions[i].Seq <= snapshot {
			if e.Versions[i].Deleted {
				return Version{}, false
			}
			return e.Versions[i], true
		}
	}
	return Version{}, false
}

// Append adds the version installed by a commit.
func (e *Entry) Append(v Version) {
	e.Versions = append(e.Versions, v)
}

// Prune drops every version no reader at or above watermark can see: all
// versions older than the newest one with Seq <= watermark, and that one too
// if it is a tombstone (a missing version and a tombstone read the same).
//
// It returns the number of dropped versions and whether the entry is settled,
// meaning no later round can prune anything until the next commit to the key.
// An entry without versions must be removed from the tree.
func (e *Entry) Prune(watermark uint64) (pruned int, settled bool) {
	base := -1
	for i := len(e.Versions) - 1; i >= 0; i-- {
		if e.Versions[i].Seq <= watermark {
			base = i
			break
		}
	}

	if base >= 0 {
		cut := base
		if e.Versions[base].Deleted {
			cut = base + 1
		}
		if cut > 0 {
			for i := 0; i < cut; i++ {
				e.Versions[i].Value = nil // help the go gc
			}
			e.Versions = append(e.Versions[:0], e.Versions[cut:]...)
			pruned = cut
		}
	}

	settled = len(e.Versions) == 0 || (len(e.Versions) == 1 && !e.Versions[0].Deleted)
	return pruned, settled
}

func (e *Entry) String() string {
	return fmt.Sprintf("Entry{Key: %s, Versions: %d}", e.Key, len(e.Versions))
}

// --------------------------------------------------------------------------
// Write (a buffered, uncommitted write of a transaction)
// --------------------------------------------------------------------------

// Write is the pending state of a key in a transaction's write set.
type Write struct {
	Key     db.Key
	Value   []byte
	Deleted bool
}

// LessWrite orders writes by key, it is the less function of a write set.
func LessWrite(a, b Write) bool {
	return a.Key.Less(b.Key)
}

// --------------------------------------------------------------------------
// Key codec (stream snapshots)
// --------------------------------------------------------------------------

// WriteKey encodes k in little-endian byte order: 4 bytes for short keys,
// 8 bytes for int keys and a 4 byte length followed by the bytes for text keys.
func WriteKey(w *bufio.Writer, k db.Key) error {
	switch k.Type() {
	case db.KeyTypeShort:
		return binary.Write(w, binary.LittleEndian, k.Short())
	case db.KeyTypeInt:
		return binary.Write(w, binary.LittleEndian, k.Int())
	case db.KeyTypeText:
		if err := binary.Write(w, binary.LittleEndian, uint32(len(k.Text()))); err != nil {
			return err
		}
		_, err := w.WriteString(k.Text())
		return err
	default:
		return fmt.Errorf("cannot encode key of type %s", k.Type())
	}
}

// ReadKey decodes a key of type t written by WriteKey.
func ReadKey(r io.Reader, t db.KeyType) (db.Key, error) {
	switch t {
	case db.KeyTypeShort:
		var v int32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return db.Key{}, err
		}
		return db.ShortKey(v), nil
	case db.KeyTypeInt:
		var v int64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return db.Key{}, err
		}
		return db.IntKey(v), nil
	case db.KeyTypeText:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return db.Key{}, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return db.Key{}, err
		}
		return db.TextKey(string(buf)), nil
	default:
		return db.Key{}, fmt.Errorf("cannot decode key of type %d", t)
	}
}
