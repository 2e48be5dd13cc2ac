package util

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// UintKey is a 64-bit hash value
type UintKey uint64

// HashString hashes a string with a seed using FNV-1a.
// It is used to derive stable numeric ids (e.g. raft replica ids) from names.
func HashString(s string, seed uint64) UintKey {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return UintKey(hash)
}

// ReplicaID derives the 16 bit replica id stored in the high bits of row keys
// from a replica name. Zero is reserved for stores without replication.
func ReplicaID(name string) uint16 {
	h := HashString(name, 0)
	id := uint16(h ^ h>>16 ^ h>>32 ^ h>>48)
	if id == 0 {
		id = 1
	}
	return id
}
