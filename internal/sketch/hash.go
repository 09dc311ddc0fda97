package sketch

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// All sketches share one deterministic hash family so that merges are
// bit-exact across processes: register states produced on a switch and on the
// backend from the same items are identical.
//
// Independent hash functions are derived with the Kirsch-Mitzenmacher
// construction: g_i(x) = h1(x) + i*h2(x). Two base hashes are enough for any
// depth without seeding support in the underlying function.

// hash64 returns the base 64-bit hash of an item.
func hash64(item string) uint64 {
	return xxhash.Sum64String(item)
}

// hash64Pair returns two decorrelated hashes of the same item. The second
// hash runs over the first, length-prefixed, so h2 is independent of h1 for
// distinct inputs.
func hash64Pair(item string) (uint64, uint64) {
	h1 := xxhash.Sum64String(item)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h1)
	d := xxhash.New()
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(item)
	return h1, d.Sum64()
}

// derivedHash returns the i-th hash in the family for an item.
func derivedHash(h1, h2 uint64, i int) uint64 {
	return h1 + uint64(i)*h2
}
