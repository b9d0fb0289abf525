package chord

import (
	"github.com/cespare/xxhash/v2"
)

// HashID maps an endpoint address onto a keyspace of the given width.
func HashID(addr string, bits uint) uint64 {
	return xxhash.Sum64String(addr) & mask(bits)
}

func mask(bits uint) uint64 {
	return uint64(1)<<bits - 1
}

// between reports whether x lies in the open ring interval (a, b). When
// a == b the interval is the whole ring except a.
func between(x, a, b uint64) bool {
	switch {
	case a < b:
		return a < x && x < b
	case a > b:
		return x > a || x < b
	default:
		return x != a
	}
}

// betweenRight reports whether x lies in the half-open ring interval (a, b].
// When a == b the interval is the whole ring.
func betweenRight(x, a, b uint64) bool {
	if a == b {
		return true
	}
	return between(x, a, b) || x == b
}

// fingerStart is the first key covered by finger k: id + 2^(k-1).
func fingerStart(id uint64, k int, bits uint) uint64 {
	return (id + uint64(1)<<(k-1)) & mask(bits)
}
