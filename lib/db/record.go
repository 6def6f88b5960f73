package db

import (
	"bytes"
	"fmt"
)

// Record pairs a key with an opaque value. Records are value objects: the
// engine materializes them on reads and copies them on writes, it never keeps
// a reference to a caller's Record or hands out references to stored bytes.
type Record struct {
	Key   Key
	Value []byte
}

// NewRecord creates a record from a key and value.
func NewRecord(key Key, value []byte) Record {
	return Record{Key: key, Value: value}
}

// Equal reports whether both records have equal keys and equal value bytes.
func (r Record) Equal(other Record) bool {
	return r.Key == other.Key && bytes.Equal(r.Value, other.Value)
}

// Clone returns a copy of r whose value does not share memory with r.
func (r Record) Clone() Record {
	value := make([]byte, len(r.Value))
	copy(value, r.Value)
	return Record{Key: r.Key, Value: value}
}

func (r Record) String() string {
	return fmt.Sprintf("Record{Key: %s, ValLen: %d}", r.Key, len(r.Value))
}
