package sketch

import (
	"bytes"
	"fmt"
	"math"
	"testing"
)

func TestHLL_SmallCount(t *testing.T) {
	h := NewHLL(12)
	h.Add("10.0.0.1")
	h.Add("10.0.0.2")
	h.Add("10.0.0.1")

	count := h.Count()
	if count < 2 || count > 3 {
		t.Errorf("Expected count in [2, 3] for 2 distinct items. Got: %d", count)
	}
}

func TestHLL_AccuracyWithinTenPercent(t *testing.T) {
	for _, n := range []int{100, 1000, 10000} {
		h := NewHLL(12)
		for i := 0; i < n; i++ {
			h.Add(fmt.Sprintf("endpoint-%d", i))
		}

		estimate := float64(h.Count())
		relErr := math.Abs(estimate-float64(n)) / float64(n)
		if relErr > 0.10 {
			t.Errorf("n=%d: relative error %.3f exceeds 0.10 (estimate %d)", n, relErr, h.Count())
		}
	}
}

func TestHLL_MergeCommutative(t *testing.T) {
	a := NewHLL(12)
	b := NewHLL(12)
	for i := 0; i < 500; i++ {
		a.Add(fmt.Sprintf("a-%d", i))
		b.Add(fmt.Sprintf("b-%d", i))
	}

	ab := a.Clone()
	if err := ab.Merge(b); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	ba := b.Clone()
	if err := ba.Merge(a); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	if !bytes.Equal(ab.Serialize(), ba.Serialize()) {
		t.Error("merge(a,b) and merge(b,a) are not bit-exact")
	}
}

func TestHLL_MergeAssociative(t *testing.T) {
	a, b, c := NewHLL(12), NewHLL(12), NewHLL(12)
	for i := 0; i < 300; i++ {
		a.Add(fmt.Sprintf("a-%d", i))
		b.Add(fmt.Sprintf("b-%d", i))
		c.Add(fmt.Sprintf("c-%d", i))
	}

	// (a+b)+c
	left := a.Clone()
	_ = left.Merge(b)
	_ = left.Merge(c)

	// a+(b+c)
	bc := b.Clone()
	_ = bc.Merge(c)
	right := a.Clone()
	_ = right.Merge(bc)

	if !bytes.Equal(left.Serialize(), right.Serialize()) {
		t.Error("merge is not associative in bit-exact terms")
	}
}

func TestHLL_MergeIncompatiblePrecision(t *testing.T) {
	a := NewHLL(12)
	b := NewHLL(14)
	if err := a.Merge(b); err != ErrIncompatibleSketch {
		t.Errorf("Expected ErrIncompatibleSketch, got %v", err)
	}
}

func TestHLL_SerializeRoundTrip(t *testing.T) {
	h := NewHLL(12)
	for i := 0; i < 2000; i++ {
		h.Add(fmt.Sprintf("peer-%d", i))
	}

	restored, err := DeserializeHLL(h.Serialize())
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if restored.Count() != h.Count() {
		t.Errorf("count changed across round trip: %d != %d", restored.Count(), h.Count())
	}
	if !bytes.Equal(restored.Serialize(), h.Serialize()) {
		t.Error("register state changed across round trip")
	}
}

func TestHLL_DeserializeRejectsGarbage(t *testing.T) {
	if _, err := DeserializeHLL([]byte{0xde, 0xad, 0xbe, 0xef}); err != ErrInvalidFormat {
		t.Errorf("Expected ErrInvalidFormat, got %v", err)
	}
	// Truncated register array
	data := NewHLL(12).Serialize()
	if _, err := DeserializeHLL(data[:100]); err != ErrInvalidFormat {
		t.Errorf("Expected ErrInvalidFormat for truncated data, got %v", err)
	}
}
