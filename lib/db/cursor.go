package db

import "iter"

// --------------------------------------------------------------------------
// Range Bounds
// --------------------------------------------------------------------------

type boundKind uint8

const (
	boundUnbounded boundKind = iota
	boundInclusive
	boundExclusive
)

// Bound is one end of a key range. The zero Bound is unbounded.
type Bound struct {
	key  Key
	kind boundKind
}

// Inclusive returns a bound that includes k.
func Inclusive(k Key) Bound { return Bound{key: k, kind: boundInclusive} }

// Exclusive returns a bound that excludes k.
func Exclusive(k Key) Bound { return Bound{key: k, kind: boundExclusive} }

// Unbounded returns a bound that does not limit the range.
func Unbounded() Bound { return Bound{} }

// Key returns the key of a bounded Bound.
func (b Bound) Key() Key { return b.key }

// IsUnbounded reports whether b does not limit the range.
func (b Bound) IsUnbounded() bool { return b.kind == boundUnbounded }

// IsInclusive reports whether b includes its key.
func (b Bound) IsInclusive() bool { return b.kind == boundInclusive }

// AdmitsFromBelow reports whether k satisfies b used as the lower bound of a range.
func (b Bound) AdmitsFromBelow(k Key) bool {
	switch b.kind {
	case boundInclusive:
		return k.Compare(b.key) >= 0
	case boundExclusive:
		return k.Compare(b.key) > 0
	default:
		return true
	}
}

// AdmitsFromAbove reports whether k satisfies b used as the upper bound of a range.
func (b Bound) AdmitsFromAbove(k Key) bool {
	switch b.kind {
	case boundInclusive:
		return k.Compare(b.key) <= 0
	case boundExclusive:
		return k.Compare(b.key) < 0
	default:
		return true
	}
}

func (b Bound) String() string {
	switch b.kind {
	case boundInclusive:
		return "[" + b.key.String()
	case boundExclusive:
		return "(" + b.key.String()
	default:
		return "*"
	}
}

// --------------------------------------------------------------------------
// Cursor
// --------------------------------------------------------------------------

// Cursor is a lazy, finite and restartable sequence of records in ascending key order.
// Records are produced one at a time, nothing is materialized up front.
type Cursor interface {
	// Next returns the next record. The boolean is false once the range is
	// exhausted or the cursor failed (see Err).
	Next() (Record, bool)

	// Seek positions the cursor so the next call to Next returns the first
	// record with a key greater than or equal to key (still limited to the range).
	Seek(key Key)

	// Reset restarts the cursor at the beginning of its range.
	Reset()

	// Err returns the error that stopped the cursor, if any. A cursor used
	// within a transaction stops with ErrTransactionDoesNotExist once the
	// transaction ends.
	Err() error

	// Close releases the cursor. Cursors created without a transaction pin a
	// snapshot of the index until they are closed.
	Close() error
}

// All adapts a cursor for use with range-over-func. The cursor is not reset
// before iterating and is not closed afterward.
func All(c Cursor) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for {
			rec, ok := c.Next()
			if !ok || !yield(rec) {
				return
			}
		}
	}
}

// Collect drains the cursor into a slice and returns the cursor's error.
func Collect(c Cursor) ([]Record, error) {
	var records []Record
	for rec := range All(c) {
		records = append(records, rec)
	}
	return records, c.Err()
}
