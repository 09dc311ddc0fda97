package sketch

import (
	"math"
	"math/bits"
)

// HyperLogLog cardinality estimator.
//
// Fixed precision p: the leading p bits of the item hash select one of 2^p
// single-byte registers; the register keeps the maximum observed count of
// leading zeros (+1) in the remaining bits. Expected relative error is
// roughly 1.04 / sqrt(2^p), so p=12 gives ~1.6%.
//
// Merge is register-wise max, which makes it commutative, associative, and
// idempotent: the backend can fold edge sketches in any batch order.
//
// References:
//   - Flajolet et al., "HyperLogLog: the analysis of a near-optimal
//     cardinality estimation algorithm" (AOFA 2007)
//   - Heule et al., "HyperLogLog in Practice" (EDBT 2013) — bias correction

const (
	// DefaultHLLPrecision keeps each register array at 4 KB.
	DefaultHLLPrecision = 12

	hllMagic   = byte('H')
	hllVersion = byte(1)
)

// HLL is a fixed-precision HyperLogLog sketch.
type HLL struct {
	precision uint8
	registers []uint8
}

// NewHLL creates an empty sketch. Precision outside [4, 16] is clamped.
func NewHLL(precision uint8) *HLL {
	if precision < 4 {
		precision = 4
	}
	if precision > 16 {
		precision = 16
	}
	return &HLL{
		precision: precision,
		registers: make([]uint8, 1<<precision),
	}
}

// Precision returns the configured precision p.
func (h *HLL) Precision() uint8 { return h.precision }

// Add folds one item into the sketch.
func (h *HLL) Add(item string) {
	x := hash64(item)
	idx := x >> (64 - h.precision)
	// Rank = leading zeros of the remaining bits, +1. The register index
	// consumed p bits, so cap the rank at 64-p+1.
	w := x<<h.precision | 1<<(h.precision-1)
	rank := uint8(bits.LeadingZeros64(w)) + 1
	if rank > h.registers[idx] {
		h.registers[idx] = rank
	}
}

// Count returns the bias-corrected cardinality estimate.
func (h *HLL) Count() uint64 {
	m := float64(len(h.registers))

	sum := 0.0
	zeros := 0
	for _, r := range h.registers {
		sum += 1.0 / float64(uint64(1)<<r)
		if r == 0 {
			zeros++
		}
	}

	estimate := alpha(len(h.registers)) * m * m / sum

	// Small-range correction: linear counting while registers remain empty.
	if estimate <= 2.5*m && zeros > 0 {
		return uint64(m * math.Log(m/float64(zeros)))
	}

	// Large-range correction for hash-collision saturation.
	const two32 = 1 << 32
	if estimate > two32/30.0 {
		estimate = -two32 * math.Log(1.0-estimate/two32)
	}

	return uint64(estimate)
}

// Merge folds other into h register-wise. Both sketches must share the same
// precision; mismatch is a programmer error surfaced to the caller.
func (h *HLL) Merge(other *HLL) error {
	if other == nil || other.precision != h.precision {
		return ErrIncompatibleSketch
	}
	for i, r := range other.registers {
		if r > h.registers[i] {
			h.registers[i] = r
		}
	}
	return nil
}

// Clone returns an independent copy.
func (h *HLL) Clone() *HLL {
	c := &HLL{precision: h.precision, registers: make([]uint8, len(h.registers))}
	copy(c.registers, h.registers)
	return c
}

// Serialize produces the compact byte form: magic, version, precision,
// then the raw register array.
func (h *HLL) Serialize() []byte {
	out := make([]byte, 0, 3+len(h.registers))
	out = append(out, hllMagic, hllVersion, h.precision)
	out = append(out, h.registers...)
	return out
}

// DeserializeHLL parses the Serialize form. Structural mismatch fails with
// ErrInvalidFormat.
func DeserializeHLL(data []byte) (*HLL, error) {
	if len(data) < 3 || data[0] != hllMagic || data[1] != hllVersion {
		return nil, ErrInvalidFormat
	}
	p := data[2]
	if p < 4 || p > 16 || len(data) != 3+(1<<p) {
		return nil, ErrInvalidFormat
	}
	h := NewHLL(p)
	copy(h.registers, data[3:])
	return h, nil
}

// alpha is the standard HLL bias constant for m registers.
func alpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	}
	return 0.7213 / (1.0 + 1.079/float64(m))
}

// sizeHint reports the serialized footprint in bytes, used for the edge
// memory budget accounting.
func (h *HLL) sizeHint() int {
	return 3 + len(h.registers)
}
