// Package availability keeps the download state of every piece in a torrent.
//
// A Map holds three bitsets over piece indexes: pieces we have (verified and
// written), pieces in use (checked out for downloading) and an optional filter
// restricting the download to selected byte ranges.
package availability

import (
	"errors"
	"sort"

	"github.com/cenkalti/piecestorage/internal/bitfield"
)

// ErrBitfieldLength is returned from Map.SetBytes when the length of the bitfield does not match the number of pieces.
var ErrBitfieldLength = errors.New("invalid bitfield length")

// Factory creates a new Map. PieceStorage creates its own map and the scratch maps used in selection with a Factory.
type Factory func(totalLength int64, pieceLength, blockLength uint32) *Map

// Map is the availability map of a torrent. Map is not safe for concurrent use.
type Map struct {
	totalLength int64
	pieceLength uint32
	blockLength uint32
	numPieces   uint32

	have   *bitfield.Bitfield
	use    *bitfield.Bitfield
	filter *bitfield.Bitfield

	filterEnabled bool
	// merged and sorted byte ranges added to the filter
	ranges []byteRange

	// blocks in selected pieces that we don't have, recounted when missingDirty is set
	missingBlocks uint64
	missingDirty  bool
}

type byteRange struct {
	begin, end int64
}

// New returns an empty Map. Block length is clamped to the piece length.
// Panics if pieceLength is zero.
func New(totalLength int64, pieceLength, blockLength uint32) *Map {
	if pieceLength == 0 {
		panic("zero piece length")
	}
	if blockLength == 0 || blockLength > pieceLength {
		blockLength = pieceLength
	}
	var numPieces uint32
	if totalLength > 0 {
		numPieces = uint32((totalLength + int64(pieceLength) - 1) / int64(pieceLength))
	}
	return &Map{
		totalLength:  totalLength,
		pieceLength:  pieceLength,
		blockLength:  blockLength,
		numPieces:    numPieces,
		have:         bitfield.New(numPieces),
		use:          bitfield.New(numPieces),
		filter:       bitfield.New(numPieces),
		missingDirty: true,
	}
}

// CopyPieces copies the have and use bits of src into m. Filter of m is not changed.
// Panics if src has a different number of pieces.
func (m *Map) CopyPieces(src *Map) {
	if src.numPieces != m.numPieces {
		panic("number of pieces does not match")
	}
	m.have = src.have.Copy()
	m.use = src.use.Copy()
	m.missingDirty = true
}

// NumPieces returns the number of pieces.
func (m *Map) NumPieces() uint32 { return m.numPieces }

// NominalPieceLength returns the length of all pieces except the last one.
func (m *Map) NominalPieceLength() uint32 { return m.pieceLength }

// BlockLength returns the length of transfer blocks.
func (m *Map) BlockLength() uint32 { return m.blockLength }

// TotalLength returns the length of the torrent data.
func (m *Map) TotalLength() int64 { return m.totalLength }

// PieceLength returns the length of piece i. Last piece may be shorter.
// Returns zero if i is out of range.
func (m *Map) PieceLength(i uint32) uint32 {
	if i >= m.numPieces {
		return 0
	}
	if i == m.numPieces-1 {
		return uint32(m.totalLength - int64(i)*int64(m.pieceLength))
	}
	return m.pieceLength
}

// CountBlocks returns the number of transfer blocks in piece i.
func (m *Map) CountBlocks(i uint32) uint32 {
	l := m.PieceLength(i)
	return (l + m.blockLength - 1) / m.blockLength
}

// Has returns true if piece i is downloaded.
func (m *Map) Has(i uint32) bool {
	return i < m.numPieces && m.have.Test(i)
}

// InUse returns true if piece i is checked out for downloading.
func (m *Map) InUse(i uint32) bool {
	return i < m.numPieces && m.use.Test(i)
}

// InFilter returns true if piece i overlaps with a filtered byte range.
func (m *Map) InFilter(i uint32) bool {
	return i < m.numPieces && m.filter.Test(i)
}

// SetHave marks piece i as downloaded. Out of range indexes are ignored.
func (m *Map) SetHave(i uint32) {
	if i >= m.numPieces || m.have.Test(i) {
		return
	}
	m.have.Set(i)
	if !m.missingDirty && m.selected(i) {
		m.missingBlocks -= uint64(m.CountBlocks(i))
	}
}

// ClearHave marks piece i as missing. Out of range indexes are ignored.
func (m *Map) ClearHave(i uint32) {
	if i >= m.numPieces || !m.have.Test(i) {
		return
	}
	m.have.Clear(i)
	if !m.missingDirty && m.selected(i) {
		m.missingBlocks += uint64(m.CountBlocks(i))
	}
}

// SetHaveRange marks pieces in [begin, end) as downloaded.
func (m *Map) SetHaveRange(begin, end uint32) {
	if end > m.numPieces {
		end = m.numPieces
	}
	if begin >= end {
		return
	}
	m.have.SetRange(begin, end)
	m.missingDirty = true
}

// SetAll marks all pieces as downloaded.
func (m *Map) SetAll() {
	m.have.SetAll()
	m.missingDirty = true
}

// ClearAll marks all pieces as missing.
func (m *Map) ClearAll() {
	m.have.ClearAll()
	m.missingDirty = true
}

// SetUse marks piece i as checked out. Out of range indexes are ignored.
func (m *Map) SetUse(i uint32) {
	if i < m.numPieces {
		m.use.Set(i)
	}
}

// ClearUse marks piece i as not checked out. Out of range indexes are ignored.
func (m *Map) ClearUse(i uint32) {
	if i < m.numPieces {
		m.use.Clear(i)
	}
}

// CountHave returns the number of downloaded pieces.
func (m *Map) CountHave() uint32 { return m.have.Count() }

// CountUse returns the number of checked out pieces.
func (m *Map) CountUse() uint32 { return m.use.Count() }

// AllSet returns true if all pieces are downloaded.
func (m *Map) AllSet() bool { return m.have.All() }

// FilteredAllSet returns true if all filtered pieces are downloaded.
// It is same as AllSet when the filter is disabled.
func (m *Map) FilteredAllSet() bool {
	if !m.filterEnabled {
		return m.AllSet()
	}
	for i := uint32(0); i < m.numPieces; i++ {
		if m.filter.Test(i) && !m.have.Test(i) {
			return false
		}
	}
	return true
}

// Bytes returns a copy of the have bitfield in resume format.
func (m *Map) Bytes() []byte {
	return m.have.Copy().Bytes()
}

// SetBytes replaces the have bitfield. Trailing bits are ignored.
func (m *Map) SetBytes(b []byte) error {
	if len(b) != bitfield.NumBytes(m.numPieces) {
		return ErrBitfieldLength
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	m.have = bitfield.NewBytes(buf, m.numPieces)
	m.missingDirty = true
	return nil
}

// AddFilter adds the pieces overlapping [offset, offset+length) to the filter.
// Zero length ranges select nothing.
func (m *Map) AddFilter(offset, length int64) {
	if length <= 0 || offset >= m.totalLength || offset < 0 {
		return
	}
	end := offset + length
	if end > m.totalLength {
		end = m.totalLength
	}
	first := uint32(offset / int64(m.pieceLength))
	last := uint32((end - 1) / int64(m.pieceLength))
	m.filter.SetRange(first, last+1)
	m.addRange(byteRange{offset, end})
	m.missingDirty = true
}

func (m *Map) addRange(r byteRange) {
	m.ranges = append(m.ranges, r)
	sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].begin < m.ranges[j].begin })
	merged := m.ranges[:1]
	for _, r := range m.ranges[1:] {
		last := &merged[len(merged)-1]
		if r.begin <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	m.ranges = merged
}

// EnableFilter makes queries honor the filter.
func (m *Map) EnableFilter() {
	m.filterEnabled = true
	m.missingDirty = true
}

// DisableFilter makes queries ignore the filter. Filtered ranges are kept.
func (m *Map) DisableFilter() {
	m.filterEnabled = false
	m.missingDirty = true
}

// ClearFilter removes all filtered ranges and disables the filter.
func (m *Map) ClearFilter() {
	m.filter.ClearAll()
	m.ranges = nil
	m.filterEnabled = false
	m.missingDirty = true
}

// FilterEnabled returns true if the filter is enabled.
func (m *Map) FilterEnabled() bool { return m.filterEnabled }

func (m *Map) selected(i uint32) bool {
	return !m.filterEnabled || m.filter.Test(i)
}
