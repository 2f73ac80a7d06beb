package piecestorage

import (
	"fmt"

	"github.com/cenkalti/piecestorage/internal/piece"
	"github.com/cenkalti/piecestorage/internal/resumer"
)

// MarkAllPiecesDone marks all pieces as downloaded. Pieces being downloaded are dropped.
func (s *PieceStorage) MarkAllPiecesDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieces.SetAll()
	for _, p := range s.pool.Pieces() {
		s.pool.Remove(p)
		s.pieces.ClearUse(p.Index)
	}
	s.downloaded = true
}

// MarkPiecesDone marks the first length bytes of torrent as downloaded.
// Whole pieces are marked as downloaded and the blocks of the last partial piece are put in the pool as complete.
// Bytes after the last whole block are ignored.
func (s *PieceStorage) MarkPiecesDone(length int64) {
	if length >= s.info.TotalLength {
		s.MarkAllPiecesDone()
		return
	}
	if length <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	numPiece := uint32(length / int64(s.info.PieceLength))
	s.pieces.SetHaveRange(0, numPiece)
	for _, i := range s.pool.Indexes() {
		if i < numPiece {
			s.pool.RemoveIndex(i)
			s.pieces.ClearUse(i)
		}
	}
	r := uint32(length%int64(s.info.PieceLength)) / s.pieces.BlockLength()
	if r > 0 {
		p := piece.New(numPiece, s.pieces.PieceLength(numPiece), s.pieces.BlockLength())
		for i := uint32(0); i < r; i++ {
			p.CompleteBlock(i)
		}
		// The holder of the replaced piece gets ErrPieceReleased on the next write.
		s.pool.RemoveIndex(numPiece)
		s.pieces.ClearUse(numPiece)
		s.pool.Add(p)
	}
	s.downloaded = s.pieces.FilteredAllSet()
}

// MarkPieceMissing marks the piece at index as not downloaded.
func (s *PieceStorage) MarkPieceMissing(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieces.ClearHave(index)
	s.downloaded = s.pieces.FilteredAllSet()
}

// Bitfield returns the downloaded pieces in resume format.
// Most significant bit of the first byte is piece 0.
func (s *PieceStorage) Bitfield() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces.Bytes()
}

// SetBitfield replaces the downloaded pieces with b.
// Pieces in the pool that are downloaded according to b are dropped.
func (s *PieceStorage) SetBitfield(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pieces.SetBytes(b); err != nil {
		return err
	}
	for _, p := range s.pool.Pieces() {
		if s.pieces.Has(p.Index) {
			s.pool.Remove(p)
			s.pieces.ClearUse(p.Index)
		}
	}
	s.downloaded = s.pieces.FilteredAllSet()
	return nil
}

// InFlightPieces returns the pieces in the pool in the order they are checked out.
func (s *PieceStorage) InFlightPieces() []*Piece {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Pieces()
}

// AddInFlightPieces puts partially downloaded pieces into the pool.
// Pieces that are already downloaded or in the pool are skipped.
func (s *PieceStorage) AddInFlightPieces(pieces []*Piece) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pieces {
		if p == nil || p.Index >= s.pieces.NumPieces() || s.pieces.Has(p.Index) {
			continue
		}
		s.pool.Add(p)
	}
}

// CountInFlightPiece returns the number of pieces in the pool.
func (s *PieceStorage) CountInFlightPiece() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Len()
}

type bufferedBlock struct {
	offset int64
	data   []byte
}

// Save writes the downloaded pieces and the completed blocks of partial pieces to r.
// Bytes of completed blocks are written to the sink first so that they can be read back after Load.
func (s *PieceStorage) Save(r resumer.Resumer) error {
	s.mu.Lock()
	bf := s.pieces.Bytes()
	numHave := s.pieces.CountHave()
	var partials []resumer.PartialPiece
	var blocks []bufferedBlock
	for _, p := range s.pool.Pieces() {
		if p.CountCompleteBlock() == 0 {
			continue
		}
		partials = append(partials, resumer.PartialPiece{Index: p.Index, Blocks: p.BlockBitfield()})
		pieceOffset := int64(p.Index) * int64(s.info.PieceLength)
		for i := uint32(0); i < p.CountBlock(); i++ {
			if !p.IsBlockBuffered(i) {
				continue
			}
			b, _ := p.GetBlock(i)
			data := make([]byte, b.Length)
			copy(data, p.Data[b.Begin:b.Begin+b.Length])
			blocks = append(blocks, bufferedBlock{offset: pieceOffset + int64(b.Begin), data: data})
		}
	}
	s.mu.Unlock()

	for _, b := range blocks {
		if _, err := s.sink.WriteAt(b.data, b.offset); err != nil {
			return fmt.Errorf("cannot write block at offset %d: %w", b.offset, err)
		}
	}
	if err := r.WriteBitfield(bf); err != nil {
		return fmt.Errorf("cannot save bitfield: %w", err)
	}
	if err := r.WritePartialPieces(partials); err != nil {
		return fmt.Errorf("cannot save partial pieces: %w", err)
	}
	s.log.Debugf("saved %d pieces and %d partial pieces", numHave, len(partials))
	return nil
}

// Load restores the downloaded pieces and partial pieces from r.
// Completed blocks of partial pieces are read from the sink when the piece is finished.
func (s *PieceStorage) Load(r resumer.Resumer) error {
	spec, err := r.Read()
	if err != nil {
		return fmt.Errorf("cannot read resume data: %w", err)
	}
	if spec == nil {
		return nil
	}
	if len(spec.Bitfield) > 0 {
		if err = s.SetBitfield(spec.Bitfield); err != nil {
			return fmt.Errorf("invalid resume bitfield: %w", err)
		}
	}
	pieces := make([]*Piece, 0, len(spec.PartialPieces))
	for _, pp := range spec.PartialPieces {
		length := s.pieces.PieceLength(pp.Index)
		if length == 0 {
			s.log.Warningf("ignoring partial piece #%d: invalid index", pp.Index)
			continue
		}
		p := piece.New(pp.Index, length, s.pieces.BlockLength())
		if err = p.SetBlockBitfield(pp.Blocks); err != nil {
			s.log.Warningf("ignoring partial piece #%d: %s", pp.Index, err)
			continue
		}
		pieces = append(pieces, p)
	}
	s.AddInFlightPieces(pieces)
	return nil
}
