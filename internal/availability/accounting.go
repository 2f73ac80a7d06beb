package availability

// CompletedLength returns the number of bytes in downloaded pieces.
func (m *Map) CompletedLength() int64 {
	n := m.have.Count()
	if n == 0 {
		return 0
	}
	total := int64(n) * int64(m.pieceLength)
	last := m.numPieces - 1
	if m.have.Test(last) {
		total -= int64(m.pieceLength)
		total += int64(m.PieceLength(last))
	}
	return total
}

// FilteredTotalLength returns the number of bytes selected by the filter.
// It is same as TotalLength when the filter is disabled.
func (m *Map) FilteredTotalLength() int64 {
	if !m.filterEnabled {
		return m.totalLength
	}
	var total int64
	for _, r := range m.ranges {
		total += r.end - r.begin
	}
	return total
}

// FilteredCompletedLength returns the number of downloaded bytes that are selected by the filter.
// It is same as CompletedLength when the filter is disabled.
func (m *Map) FilteredCompletedLength() int64 {
	if !m.filterEnabled {
		return m.CompletedLength()
	}
	var total int64
	for i := uint32(0); i < m.numPieces; i++ {
		if !m.have.Test(i) || !m.filter.Test(i) {
			continue
		}
		begin := int64(i) * int64(m.pieceLength)
		total += m.FilteredOverlap(begin, begin+int64(m.PieceLength(i)))
	}
	return total
}

// FilteredOverlap returns the number of bytes in [begin, end) that are selected by the filter.
// It returns end-begin when the filter is disabled.
func (m *Map) FilteredOverlap(begin, end int64) int64 {
	if end <= begin {
		return 0
	}
	if !m.filterEnabled {
		return end - begin
	}
	var total int64
	for _, r := range m.ranges {
		if r.begin >= end {
			break
		}
		b, e := r.begin, r.end
		if b < begin {
			b = begin
		}
		if e > end {
			e = end
		}
		if e > b {
			total += e - b
		}
	}
	return total
}

// CountMissingBlocks returns the number of transfer blocks in the pieces that we don't have.
// Only filtered pieces are counted when the filter is enabled.
// The count is kept up to date by SetHave and ClearHave. Other changes cause a recount on the next call.
func (m *Map) CountMissingBlocks() uint64 {
	if m.missingDirty {
		m.missingBlocks = m.countMissingBlocks()
		m.missingDirty = false
	}
	return m.missingBlocks
}

func (m *Map) countMissingBlocks() uint64 {
	var total uint64
	for i := uint32(0); i < m.numPieces; i++ {
		if m.have.Test(i) || !m.selected(i) {
			continue
		}
		total += uint64(m.CountBlocks(i))
	}
	return total
}
