package availability

import "github.com/cenkalti/piecestorage/internal/bitfield"

// MissingIndexFor returns the lowest index of a piece that we don't have and the peer has.
// Pieces in use are also returned. Out of range bits in peerBits are ignored.
func (m *Map) MissingIndexFor(peerBits []byte) (uint32, bool) {
	for i := uint32(0); i < m.numPieces; i++ {
		if !m.have.Test(i) && m.selected(i) && bitfield.Has(peerBits, i) {
			return i, true
		}
	}
	return 0, false
}

// MissingUnusedIndexFor is same as MissingIndexFor but skips the pieces in use.
func (m *Map) MissingUnusedIndexFor(peerBits []byte) (uint32, bool) {
	for i := uint32(0); i < m.numPieces; i++ {
		if m.missingUnused(i) && bitfield.Has(peerBits, i) {
			return i, true
		}
	}
	return 0, false
}

// MissingUnusedIndex returns the lowest index of a piece that we don't have and not in use.
func (m *Map) MissingUnusedIndex() (uint32, bool) {
	for i := uint32(0); i < m.numPieces; i++ {
		if m.missingUnused(i) {
			return i, true
		}
	}
	return 0, false
}

// HasMissingPieceFor returns true if the peer has a piece that we don't have.
func (m *Map) HasMissingPieceFor(peerBits []byte) bool {
	_, ok := m.MissingIndexFor(peerBits)
	return ok
}

// SparseMissingUnusedIndex returns a missing and unused piece that is far from the pieces in use.
//
// It finds the longest run of missing and unused pieces, preferring the lowest start on ties.
// If the run starts at zero, zero is returned.
// If the piece just before the run is in use, the middle of the run is returned so that
// the consumer of that piece can continue sequentially.
// Otherwise the start of the run is returned.
func (m *Map) SparseMissingUnusedIndex() (uint32, bool) {
	var bestStart, bestLen, runStart, runLen uint32
	for i := uint32(0); i < m.numPieces; i++ {
		if !m.missingUnused(i) {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = i
		}
		runLen++
		if runLen > bestLen {
			bestStart, bestLen = runStart, runLen
		}
	}
	if bestLen == 0 {
		return 0, false
	}
	if bestStart == 0 {
		return 0, true
	}
	if m.use.Test(bestStart - 1) {
		return bestStart + bestLen/2, true
	}
	return bestStart, true
}

func (m *Map) missingUnused(i uint32) bool {
	return !m.have.Test(i) && !m.use.Test(i) && m.selected(i)
}
