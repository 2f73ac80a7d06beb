// Package bitfield provides support for manipulating bits in a []byte.
// Bit 0 is the most significant bit of the first byte, as in BEP 3 and in the resume format.
package bitfield

import (
	"encoding/hex"
	"math/bits"
)

// NumBytes returns the number of bytes needed to hold length bits.
func NumBytes(length uint32) int {
	return int((uint64(length) + 7) / 8)
}

// Bitfield is a fixed length bit set.
type Bitfield struct {
	bytes  []byte
	length uint32
}

// New creates a new Bitfield of length bits.
func New(length uint32) *Bitfield {
	return &Bitfield{
		bytes:  make([]byte, NumBytes(length)),
		length: length,
	}
}

// NewBytes returns a new Bitfield from bytes.
// Bytes in b are not copied. Unused bits in last byte are cleared.
// Panics if b is not big enough to hold "length" bits.
func NewBytes(b []byte, length uint32) *Bitfield {
	requiredBytes := NumBytes(length)
	if len(b) < requiredBytes {
		panic("not enough bytes in slice for specified length")
	}
	b = b[:requiredBytes]
	if mod := length % 8; mod != 0 {
		b[len(b)-1] &= ^(0xff >> mod)
	}
	return &Bitfield{
		bytes:  b,
		length: length,
	}
}

// Copy returns a deep copy of b.
func (b *Bitfield) Copy() *Bitfield {
	b2 := &Bitfield{
		bytes:  make([]byte, len(b.bytes)),
		length: b.length,
	}
	copy(b2.bytes, b.bytes)
	return b2
}

// Bytes returns bytes in b. If you modify the returned slice the bits in b are modified too.
func (b *Bitfield) Bytes() []byte { return b.bytes }

// Len returns the number of bits as given to New.
func (b *Bitfield) Len() uint32 { return b.length }

// Hex returns bytes as string. If not all the bits in last byte are used, they encode as not set.
func (b *Bitfield) Hex() string {
	return hex.EncodeToString(b.bytes)
}

// Set bit i. Panics if i >= b.Len().
func (b *Bitfield) Set(i uint32) {
	b.checkIndex(i)
	b.bytes[i/8] |= 0x80 >> (i % 8)
}

// SetTo sets bit i to value. Panics if i >= b.Len().
func (b *Bitfield) SetTo(i uint32, value bool) {
	if value {
		b.Set(i)
	} else {
		b.Clear(i)
	}
}

// SetRange sets the bits in [begin, end). Panics if end > b.Len().
func (b *Bitfield) SetRange(begin, end uint32) {
	if end > b.length {
		panic("index out of bound")
	}
	for i := begin; i < end; i++ {
		b.bytes[i/8] |= 0x80 >> (i % 8)
	}
}

// SetAll sets all bits.
func (b *Bitfield) SetAll() {
	for i := range b.bytes {
		b.bytes[i] = 0xff
	}
	if mod := b.length % 8; mod != 0 {
		b.bytes[len(b.bytes)-1] &= ^(0xff >> mod)
	}
}

// Clear bit i. Panics if i >= b.Len().
func (b *Bitfield) Clear(i uint32) {
	b.checkIndex(i)
	b.bytes[i/8] &= ^(0x80 >> (i % 8))
}

// ClearAll clears all bits.
func (b *Bitfield) ClearAll() {
	for i := range b.bytes {
		b.bytes[i] = 0
	}
}

// Test bit i. Panics if i >= b.Len().
func (b *Bitfield) Test(i uint32) bool {
	b.checkIndex(i)
	return b.bytes[i/8]&(0x80>>(i%8)) != 0
}

// FirstSet returns the index of the first bit that is set starting from start.
func (b *Bitfield) FirstSet(start uint32) (uint32, bool) {
	for i := start; i < b.length; i++ {
		if b.Test(i) {
			return i, true
		}
	}
	return 0, false
}

// FirstClear returns the index of the first bit that is not set starting from start.
func (b *Bitfield) FirstClear(start uint32) (uint32, bool) {
	for i := start; i < b.length; i++ {
		if !b.Test(i) {
			return i, true
		}
	}
	return 0, false
}

// Count returns the count of set bits.
func (b *Bitfield) Count() uint32 {
	var total uint32
	for _, v := range b.bytes {
		total += uint32(bits.OnesCount8(v))
	}
	return total
}

// All returns true if all bits are set, false otherwise.
func (b *Bitfield) All() bool {
	return b.Count() == b.length
}

// And sets b to the intersection of b and b2.
func (b *Bitfield) And(b2 *Bitfield) {
	b.checkLength(b2)
	for i := range b.bytes {
		b.bytes[i] &= b2.bytes[i]
	}
}

// Or sets b to the union of b and b2.
func (b *Bitfield) Or(b2 *Bitfield) {
	b.checkLength(b2)
	for i := range b.bytes {
		b.bytes[i] |= b2.bytes[i]
	}
}

// AndNot clears the bits in b that are set in b2.
func (b *Bitfield) AndNot(b2 *Bitfield) {
	b.checkLength(b2)
	for i := range b.bytes {
		b.bytes[i] &^= b2.bytes[i]
	}
}

// Has tests bit i of a raw bitfield without wrapping it.
// Bits past the end of b are reported as not set.
func Has(b []byte, i uint32) bool {
	if int(i/8) >= len(b) {
		return false
	}
	return b[i/8]&(0x80>>(i%8)) != 0
}

func (b *Bitfield) checkIndex(i uint32) {
	if i >= b.length {
		panic("index out of bound")
	}
}

func (b *Bitfield) checkLength(b2 *Bitfield) {
	if b.length != b2.length {
		panic("length mismatch")
	}
}
