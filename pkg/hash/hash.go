package hash

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

const (
	// KeySize is the size of the identifier space in bits (2^64)
	KeySize = 64
)

// Hash digests an identity string to a 64-bit ring key.
// The key is the first 8 bytes of the MD5 sum read little-endian.
func Hash(identity string) uint64 {
	sum := md5.Sum([]byte(identity))
	return binary.LittleEndian.Uint64(sum[:8])
}

// HashAddress hashes a network address (host:port) to a ring key.
// This is used to compute peer keys from their network addresses.
func HashAddress(host string, port int) uint64 {
	return Hash(fmt.Sprintf("%s:%d", host, port))
}

// InHalfOpenRange checks if key is in the ring interval (start, end].
// The interval wraps around if start > end and covers the whole ring if start == end.
//
// Examples:
//   - InHalfOpenRange(5, 3, 7) = true    // 5 is in (3, 7]
//   - InHalfOpenRange(3, 3, 7) = false   // exclusive start
//   - InHalfOpenRange(7, 3, 7) = true    // inclusive end
//   - InHalfOpenRange(1, 8, 3) = true    // wraparound
//   - InHalfOpenRange(4, 4, 4) = true    // single node ring
func InHalfOpenRange(key, start, end uint64) bool {
	switch {
	case start < end:
		return key > start && key <= end
	case start > end:
		return key > start || key <= end
	default:
		return true
	}
}

// InOpenRange checks if key is in the ring interval (start, end), exclusive on both ends.
// Like InHalfOpenRange, start == end is the whole ring.
func InOpenRange(key, start, end uint64) bool {
	switch {
	case start < end:
		return key > start && key < end
	case start > end:
		return key > start || key < end
	default:
		return true
	}
}

// AddPowerOfTwo computes (key + 2^exponent) mod 2^64.
// finger[i] targets AddPowerOfTwo(local, i).
func AddPowerOfTwo(key uint64, exponent int) uint64 {
	if exponent < 0 || exponent >= KeySize {
		return key
	}
	return key + uint64(1)<<uint(exponent)
}

// Distance computes the clockwise distance from start to end on the ring.
func Distance(start, end uint64) uint64 {
	return end - start
}
