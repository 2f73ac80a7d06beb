package piecestorage

import (
	"github.com/cenkalti/piecestorage/internal/availability"
	"github.com/cenkalti/piecestorage/internal/piece"
)

// MissingPieceIndex returns the index of a piece that we don't have and the peer has.
// Outside of end game, pieces checked out by other peers are not returned.
func (s *PieceStorage) MissingPieceIndex(pe Peer) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missingPieceIndex(pe.Bitfield())
}

func (s *PieceStorage) missingPieceIndex(peerBits []byte) (uint32, bool) {
	if s.isEndGame() {
		return s.pieces.MissingIndexFor(peerBits)
	}
	return s.pieces.MissingUnusedIndexFor(peerBits)
}

// CheckOutPiece marks the piece at index as in use and returns it.
// If the piece is partially downloaded before, the existing piece is returned.
// Returns nil if index is invalid.
func (s *PieceStorage) CheckOutPiece(index uint32) *Piece {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOutPiece(index)
}

func (s *PieceStorage) checkOutPiece(index uint32) *Piece {
	if index >= s.pieces.NumPieces() {
		return nil
	}
	if s.pieces.InUse(index) {
		s.metrics.EndGameCheckouts.Inc(1)
	}
	s.pieces.SetUse(index)
	p := s.pool.Find(index)
	if p == nil {
		p = piece.New(index, s.pieces.PieceLength(index), s.pieces.BlockLength())
		s.pool.Add(p)
	}
	return p
}

// MissingPiece selects a piece with MissingPieceIndex and checks it out.
// Returns nil if there is no piece to download from the peer.
func (s *PieceStorage) MissingPiece(pe Peer) *Piece {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, ok := s.missingPieceIndex(pe.Bitfield())
	if !ok {
		return nil
	}
	return s.checkOutPiece(index)
}

// SparseMissingPiece checks out a missing piece that is far from the pieces in use.
// It is used when the piece is not going to be requested from a particular peer.
func (s *PieceStorage) SparseMissingPiece() *Piece {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, ok := s.pieces.SparseMissingUnusedIndex()
	if !ok {
		return nil
	}
	return s.checkOutPiece(index)
}

// MissingPieceByIndex checks out the piece at index if we don't have it and it is not in use.
func (s *PieceStorage) MissingPieceByIndex(index uint32) *Piece {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pieces.Has(index) || s.pieces.InUse(index) {
		return nil
	}
	return s.checkOutPiece(index)
}

// MissingPieceForFile checks out a missing piece of the file at path.
func (s *PieceStorage) MissingPieceForFile(path string) (*Piece, error) {
	f, ok := s.info.FindFile(path)
	if !ok {
		return nil, &FileNotFoundError{Path: path}
	}
	return s.MissingPieceForByteRange(f.Offset, f.Length), nil
}

// MissingPieceForByteRange checks out a missing piece that overlaps with the range [offset, offset+length).
//
// The pieces at the edges of the range are shared with other files. If such a piece is being downloaded
// and the part inside the range is already complete, it is not selected again.
func (s *PieceStorage) MissingPieceForByteRange(offset, length int64) *Piece {
	if length <= 0 || offset < 0 || offset >= s.info.TotalLength {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	temp := s.newScratchMap()
	temp.CopyPieces(s.pieces)
	temp.AddFilter(offset, length)
	temp.EnableFilter()

	pieceLength := int64(s.info.PieceLength)
	first := uint32(offset / pieceLength)
	last := uint32((offset + length - 1) / pieceLength)
	if last >= temp.NumPieces() {
		last = temp.NumPieces() - 1
	}
	if !temp.Has(first) && !temp.InUse(first) {
		if p := s.pool.Find(first); p != nil {
			begin := offset - int64(first)*pieceLength
			n := length
			if n > pieceLength {
				n = pieceLength
			}
			if p.IsRangeComplete(uint32(begin), uint32(n)) {
				temp.SetHave(first)
			}
		}
	}
	if first != last && !temp.Has(last) && !temp.InUse(last) {
		if p := s.pool.Find(last); p != nil {
			end := offset + length - int64(last)*pieceLength
			if p.IsRangeComplete(0, uint32(end)) {
				temp.SetHave(last)
			}
		}
	}
	index, ok := temp.SparseMissingUnusedIndex()
	if !ok {
		return nil
	}
	return s.checkOutPiece(index)
}

// MissingFastPieceIndex returns the index of a piece that the peer allows us to download while choked.
// Returns false if the peer does not support the fast extension.
func (s *PieceStorage) MissingFastPieceIndex(pe Peer) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missingFastPieceIndex(pe)
}

func (s *PieceStorage) missingFastPieceIndex(pe Peer) (uint32, bool) {
	if !pe.FastEnabled() {
		return 0, false
	}
	allowed := pe.AllowedFast()
	if len(allowed) == 0 {
		return 0, false
	}
	// pieces that are allowed, the peer has and we don't
	temp := s.newScratchMap()
	for _, i := range allowed {
		if !s.pieces.Has(i) && pe.HasPiece(i) {
			temp.SetHave(i)
		}
	}
	return s.missingPieceIndex(temp.Bytes())
}

func (s *PieceStorage) newScratchMap() *availability.Map {
	return s.newMap(s.info.TotalLength, s.info.PieceLength, s.config.BlockLength)
}

// MissingFastPiece checks out a piece selected with MissingFastPieceIndex.
func (s *PieceStorage) MissingFastPiece(pe Peer) *Piece {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, ok := s.missingFastPieceIndex(pe)
	if !ok {
		return nil
	}
	return s.checkOutPiece(index)
}
