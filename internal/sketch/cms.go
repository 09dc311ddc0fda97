package sketch

import (
	"encoding/binary"
	"math"
)

// Count-Min frequency sketch.
//
// A depth x width matrix of counters; each of the depth hash rows increments
// one counter per Add. A point query returns the minimum across rows, which
// can only overestimate (collisions add, they never subtract). Merge is
// element-wise addition and needs identical dimensions.
//
// Counters are uint32 with saturation, which keeps the default 500x4 matrix
// at 8 KB so two frequency sketches fit inside the per-endpoint budget.
//
// Reference: Cormode & Muthukrishnan, "An Improved Data Stream Summary:
// The Count-Min Sketch and its Applications" (J. Algorithms 2005)

const (
	// DefaultCMSWidth and DefaultCMSDepth bound the error at roughly
	// e/500 of the stream total with 1-(1/e)^4 probability.
	DefaultCMSWidth = 500
	DefaultCMSDepth = 4

	cmsMagic   = byte('C')
	cmsVersion = byte(1)
)

// CMS is a Count-Min sketch with fixed width and depth.
type CMS struct {
	width uint32
	depth uint32
	rows  [][]uint32
}

// NewCMS creates an empty sketch. Non-positive dimensions fall back to the
// defaults.
func NewCMS(width, depth uint32) *CMS {
	if width == 0 {
		width = DefaultCMSWidth
	}
	if depth == 0 {
		depth = DefaultCMSDepth
	}
	rows := make([][]uint32, depth)
	for i := range rows {
		rows[i] = make([]uint32, width)
	}
	return &CMS{width: width, depth: depth, rows: rows}
}

// Width returns the configured row width.
func (c *CMS) Width() uint32 { return c.width }

// Depth returns the configured number of hash rows.
func (c *CMS) Depth() uint32 { return c.depth }

// Add increments the item's counter in every row by n, saturating at the
// counter maximum.
func (c *CMS) Add(item string, n uint32) {
	h1, h2 := hash64Pair(item)
	for i := uint32(0); i < c.depth; i++ {
		idx := derivedHash(h1, h2, int(i)) % uint64(c.width)
		cur := c.rows[i][idx]
		if cur > math.MaxUint32-n {
			c.rows[i][idx] = math.MaxUint32
		} else {
			c.rows[i][idx] = cur + n
		}
	}
}

// Count returns the estimated frequency of item: the minimum across rows.
// The estimate is one-sided and never below the true count.
func (c *CMS) Count(item string) uint64 {
	h1, h2 := hash64Pair(item)
	min := uint32(math.MaxUint32)
	for i := uint32(0); i < c.depth; i++ {
		idx := derivedHash(h1, h2, int(i)) % uint64(c.width)
		if v := c.rows[i][idx]; v < min {
			min = v
		}
	}
	return uint64(min)
}

// Merge adds other's counter matrix into c. Dimension mismatch is a
// programmer error surfaced to the caller.
func (c *CMS) Merge(other *CMS) error {
	if other == nil || other.width != c.width || other.depth != c.depth {
		return ErrIncompatibleSketch
	}
	for i := range c.rows {
		for j := range c.rows[i] {
			sum := uint64(c.rows[i][j]) + uint64(other.rows[i][j])
			if sum > math.MaxUint32 {
				sum = math.MaxUint32
			}
			c.rows[i][j] = uint32(sum)
		}
	}
	return nil
}

// Clone returns an independent copy.
func (c *CMS) Clone() *CMS {
	n := NewCMS(c.width, c.depth)
	for i := range c.rows {
		copy(n.rows[i], c.rows[i])
	}
	return n
}

// Serialize produces the compact byte form: magic, version, width, depth,
// then the counter matrix row-major in little-endian uint32.
func (c *CMS) Serialize() []byte {
	out := make([]byte, 0, 10+int(c.width)*int(c.depth)*4)
	out = append(out, cmsMagic, cmsVersion)
	var dims [8]byte
	binary.LittleEndian.PutUint32(dims[0:4], c.width)
	binary.LittleEndian.PutUint32(dims[4:8], c.depth)
	out = append(out, dims[:]...)
	var buf [4]byte
	for i := range c.rows {
		for j := range c.rows[i] {
			binary.LittleEndian.PutUint32(buf[:], c.rows[i][j])
			out = append(out, buf[:]...)
		}
	}
	return out
}

// DeserializeCMS parses the Serialize form. Structural mismatch fails with
// ErrInvalidFormat.
func DeserializeCMS(data []byte) (*CMS, error) {
	if len(data) < 10 || data[0] != cmsMagic || data[1] != cmsVersion {
		return nil, ErrInvalidFormat
	}
	width := binary.LittleEndian.Uint32(data[2:6])
	depth := binary.LittleEndian.Uint32(data[6:10])
	if width == 0 || depth == 0 || width > 1<<20 || depth > 64 {
		return nil, ErrInvalidFormat
	}
	expected := 10 + int(width)*int(depth)*4
	if len(data) != expected {
		return nil, ErrInvalidFormat
	}
	c := NewCMS(width, depth)
	off := 10
	for i := range c.rows {
		for j := range c.rows[i] {
			c.rows[i][j] = binary.LittleEndian.Uint32(data[off : off+4])
			off += 4
		}
	}
	return c, nil
}

func (c *CMS) sizeHint() int {
	return 10 + int(c.width)*int(c.depth)*4
}
