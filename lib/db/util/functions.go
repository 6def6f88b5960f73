package util

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// FNV-1a constants
const (
	offset64 = 14695981039346656037
	prime64  = 1099511628211
)

// UintKey is an efficient key type based on uint64 for internal hash representation
type UintKey uint64

// HashString generates a hash value for a string with a seed
// This function uses the FNV-1a hash algorithm, which is fast and has good distribution
func HashString(s string, seed uint64) UintKey {
	// Start with the offset combined with our seed for uniqueness
	hash := uint64(offset64) ^ seed

	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}

	return UintKey(hash)
}

// HashUint64 hashes the 8 little-endian bytes of v with FNV-1a and a seed.
func HashUint64(v uint64, seed uint64) UintKey {
	hash := uint64(offset64) ^ seed

	for i := 0; i < 8; i++ {
		hash ^= v & 0xFF
		hash *= prime64
		v >>= 8
	}

	return UintKey(hash)
}
