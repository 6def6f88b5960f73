package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashString(t *testing.T) {
	// FNV-1a of "a" with a zero seed
	assert.Equal(t, UintKey(0xaf63dc4c8601ec8c), HashString("a", 0))
	assert.Equal(t, UintKey(offset64), HashString("", 0))

	assert.Equal(t, HashString("key", 7), HashString("key", 7))
	assert.NotEqual(t, HashString("key", 7), HashString("key", 8))
	assert.NotEqual(t, HashString("key", 7), HashString("kez", 7))
}

func TestHashUint64(t *testing.T) {
	assert.Equal(t, HashUint64(42, 1), HashUint64(42, 1))
	assert.NotEqual(t, HashUint64(42, 1), HashUint64(43, 1))
	assert.NotEqual(t, HashUint64(42, 1), HashUint64(42, 2))

	// hashes the same bytes as the little-endian string form
	assert.Equal(t, HashString("\x01\x00\x00\x00\x00\x00\x00\x00", 3), HashUint64(1, 3))
}
