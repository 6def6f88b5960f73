package db

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"github.com/ValentinKolb/tKV/lib/db/util"
)

// --------------------------------------------------------------------------
// Key Types
// --------------------------------------------------------------------------

// KeyType identifies the variant of a Key. An index stores keys of exactly one type.
type KeyType uint8

const (
	KeyTypeShort KeyType = iota + 1 // 32-bit signed integer
	KeyTypeInt                      // 64-bit signed integer
	KeyTypeText                     // UTF-8 string, ordered by bytes
)

func (t KeyType) String() string {
	switch t {
	case KeyTypeShort:
		return "short"
	case KeyTypeInt:
		return "int"
	case KeyTypeText:
		return "text"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the defined key types.
func (t KeyType) Valid() bool {
	return t >= KeyTypeShort && t <= KeyTypeText
}

// ParseKeyType converts the string form of a key type (short, int, text) back to a KeyType.
func ParseKeyType(s string) (KeyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short", "int32":
		return KeyTypeShort, nil
	case "int", "int64":
		return KeyTypeInt, nil
	case "text", "varchar", "string":
		return KeyTypeText, nil
	default:
		return 0, fmt.Errorf("invalid key type %q (expected one of short, int, text)", s)
	}
}

// --------------------------------------------------------------------------
// Key
// --------------------------------------------------------------------------

// Key is a tagged union over the supported key representations.
// Keys are comparable, so they can be used as map keys directly: two keys are
// equal only if they have the same type and the same value.
type Key struct {
	typ  KeyType
	num  int64
	text string
}

// ShortKey returns a key holding a 32-bit signed integer.
func ShortKey(v int32) Key {
	return Key{typ: KeyTypeShort, num: int64(v)}
}

// IntKey returns a key holding a 64-bit signed integer.
func IntKey(v int64) Key {
	return Key{typ: KeyTypeInt, num: v}
}

// TextKey returns a key holding a string.
func TextKey(v string) Key {
	return Key{typ: KeyTypeText, text: v}
}

// ParseKey parses s as a key of type t.
func ParseKey(t KeyType, s string) (Key, error) {
	switch t {
	case KeyTypeShort:
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return Key{}, fmt.Errorf("invalid short key %q: %w", s, err)
		}
		return ShortKey(int32(v)), nil
	case KeyTypeInt:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Key{}, fmt.Errorf("invalid int key %q: %w", s, err)
		}
		return IntKey(v), nil
	case KeyTypeText:
		return TextKey(s), nil
	default:
		return Key{}, fmt.Errorf("invalid key type %d", t)
	}
}

// Type returns the variant of the key. The zero Key has no valid type.
func (k Key) Type() KeyType { return k.typ }

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool { return k.typ == 0 }

// Short returns the value of a short key.
func (k Key) Short() int32 { return int32(k.num) }

// Int returns the value of an int key (or the widened value of a short key).
func (k Key) Int() int64 { return k.num }

// Text returns the value of a text key.
func (k Key) Text() string { return k.text }

// Compare orders keys of the same type: numerically for integers and
// lexicographically by bytes for text. Keys of different types are ordered by
// their type tag so the order is total, the engine never mixes types though.
func (k Key) Compare(other Key) int {
	if k.typ != other.typ {
		return cmp.Compare(k.typ, other.typ)
	}
	if k.typ == KeyTypeText {
		return strings.Compare(k.text, other.text)
	}
	return cmp.Compare(k.num, other.num)
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// Equal reports whether both keys have the same type and value.
func (k Key) Equal(other Key) bool {
	return k == other
}

// Hash returns a seeded 64-bit hash of the key. The key type is part of the
// hash input, so ShortKey(1) and IntKey(1) hash differently.
func (k Key) Hash(seed uint64) uint64 {
	seed ^= uint64(k.typ) * 0x9E3779B97F4A7C15
	if k.typ == KeyTypeText {
		return uint64(util.HashString(k.text, seed))
	}
	return uint64(util.HashUint64(uint64(k.num), seed))
}

// Size returns the number of bytes the key occupies in its encoded form.
func (k Key) Size() int {
	switch k.typ {
	case KeyTypeShort:
		return 4
	case KeyTypeInt:
		return 8
	default:
		return len(k.text)
	}
}

func (k Key) String() string {
	switch k.typ {
	case KeyTypeShort, KeyTypeInt:
		return strconv.FormatInt(k.num, 10)
	case KeyTypeText:
		return strconv.Quote(k.text)
	default:
		return "<nil>"
	}
}
