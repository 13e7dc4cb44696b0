package ufsck

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/RoaringBitmap/roaring"
)

// BlockMap answers whether a fragment is occupied. It is the result of the
// upstream block-accounting pass and is never modified by the checker.
type BlockMap interface {
	// Allocated reports whether fragment frag is in use.
	Allocated(frag int64) bool

	// Len returns the number of fragments the map covers.
	Len() int64
}

// Bitmap is a bounds-checked bit array over a byte slice, bit i stored at
// bit i%8 of byte i/8. It is used both for the on-disk cylinder group maps
// and as a BlockMap, where a set bit means the fragment is allocated.
type Bitmap struct {
	bits []byte
	n    int64
}

// NewBitmap returns a zeroed bitmap holding n bits.
func NewBitmap(n int64) *Bitmap {
	return &Bitmap{bits: make([]byte, howmany(n, 8)), n: n}
}

// BitmapOf wraps b without copying it. The bitmap addresses the first n
// bits; b must hold at least howmany(n, 8) bytes.
func BitmapOf(b []byte, n int64) *Bitmap {
	if int64(len(b))*8 < n {
		panic(fmt.Sprintf("bitmap of %d bits over %d bytes", n, len(b)))
	}

	return &Bitmap{bits: b, n: n}
}

// Len returns the number of addressable bits.
func (m *Bitmap) Len() int64 {
	return m.n
}

// Bytes returns the backing bytes.
func (m *Bitmap) Bytes() []byte {
	return m.bits
}

func (m *Bitmap) check(i int64) {
	if i < 0 || i >= m.n {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, m.n))
	}
}

// Test reports whether bit i is set.
func (m *Bitmap) Test(i int64) bool {
	m.check(i)
	return m.bits[i/8]&(1<<(i%8)) != 0
}

// Set sets bit i.
func (m *Bitmap) Set(i int64) {
	m.check(i)
	m.bits[i/8] |= 1 << (i % 8)
}

// Clear clears bit i.
func (m *Bitmap) Clear(i int64) {
	m.check(i)
	m.bits[i/8] &^= 1 << (i % 8)
}

// Allocated implements BlockMap.
func (m *Bitmap) Allocated(frag int64) bool {
	return m.Test(frag)
}

// Count returns the number of set bits.
func (m *Bitmap) Count() int64 {
	var n int
	for _, b := range m.bits {
		n += bits.OnesCount8(b)
	}

	return int64(n)
}

// Equal reports whether both bitmaps hold the same bytes.
func (m *Bitmap) Equal(o *Bitmap) bool {
	return bytes.Equal(m.bits, o.bits)
}

// frags returns n consecutive bits starting at start as the low bits of a
// word, bit start first. n is at most MaxFrag.
func (m *Bitmap) frags(start int64, n int) uint {
	var v uint
	for j := 0; j < n; j++ {
		if m.Test(start + int64(j)) {
			v |= 1 << j
		}
	}

	return v
}

// RoaringMap is a BlockMap backed by a compressed roaring bitmap. Large,
// mostly-free filesystems are cheaper to hand over this way than as one
// bit per fragment.
type RoaringMap struct {
	set *roaring.Bitmap
	n   int64
}

// NewRoaringMap returns an empty map covering n fragments.
func NewRoaringMap(n int64) *RoaringMap {
	return &RoaringMap{set: roaring.New(), n: n}
}

// Mark records frags [start, start+count) as allocated.
func (r *RoaringMap) Mark(start, count int64) {
	if start < 0 || count < 0 || start+count > r.n {
		panic(fmt.Sprintf("range [%d, %d) out of [0, %d)", start, start+count, r.n))
	}

	r.set.AddRange(uint64(start), uint64(start+count))
}

// Unmark records frags [start, start+count) as free.
func (r *RoaringMap) Unmark(start, count int64) {
	if start < 0 || count < 0 || start+count > r.n {
		panic(fmt.Sprintf("range [%d, %d) out of [0, %d)", start, start+count, r.n))
	}

	r.set.RemoveRange(uint64(start), uint64(start+count))
}

// Clone returns an independent copy of the map.
func (r *RoaringMap) Clone() *RoaringMap {
	return &RoaringMap{set: r.set.Clone(), n: r.n}
}

// Allocated implements BlockMap.
func (r *RoaringMap) Allocated(frag int64) bool {
	if frag < 0 || frag >= r.n {
		panic(fmt.Sprintf("fragment %d out of range [0, %d)", frag, r.n))
	}

	return r.set.Contains(uint32(frag))
}

// Len implements BlockMap.
func (r *RoaringMap) Len() int64 {
	return r.n
}

// Cardinality returns the number of allocated fragments.
func (r *RoaringMap) Cardinality() uint64 {
	return r.set.GetCardinality()
}
