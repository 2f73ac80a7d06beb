package piecestorage

import (
	"fmt"
)

// WriteBlock copies the block data into the piece.
// Writing a block that is already complete does not change the piece.
// Returns true if all blocks of the piece are complete after the write.
func (s *PieceStorage) WriteBlock(p *Piece, begin uint32, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool.Find(p.Index) != p {
		return false, ErrPieceReleased
	}
	written, err := p.WriteBlock(begin, data)
	if err != nil {
		return false, err
	}
	if !written {
		// Same block is downloaded from another peer in end game.
		s.metrics.BytesWasted.Mark(int64(len(data)))
	}
	return p.Complete(), nil
}

// CompletePiece marks the piece as downloaded and removes it from the pool of pieces being downloaded.
// The caller must have verified and written the piece data.
// Calling CompletePiece again with the same piece does nothing.
func (s *PieceStorage) CompletePiece(p *Piece) Completion {
	if p == nil {
		return NotCompleted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completePiece(p)
}

func (s *PieceStorage) completePiece(p *Piece) Completion {
	if s.pool.Find(p.Index) == p {
		s.pool.Remove(p)
	}
	if s.pieces.Has(p.Index) {
		return NotCompleted
	}
	if !s.isEndGame() {
		s.reduceUsedPieces(s.config.MaxUsedPieces)
	}
	if s.pieces.AllSet() {
		return NotCompleted
	}
	s.pieces.SetHave(p.Index)
	s.pieces.ClearUse(p.Index)
	s.metrics.CompletedPieces.Inc(1)
	s.log.Debugf("piece #%d completed", p.Index)
	if s.downloaded || !s.pieces.FilteredAllSet() {
		return NotCompleted
	}
	s.downloaded = true
	s.sink.OnDownloadComplete()
	if s.pieces.FilterEnabled() {
		s.log.Notice("download of selected files completed")
		return SelectiveDownloadCompleted
	}
	s.log.Info("download completed")
	return DownloadCompleted
}

func (s *PieceStorage) reduceUsedPieces(max int) {
	for _, e := range s.pool.Reduce(max, s.pieces.InUse) {
		s.log.Debugf("deleting used piece #%d fill=%d%% threshold=%d%%", e.Piece.Index, e.FillRate, e.Threshold)
		s.metrics.EvictedPieces.Inc(1)
	}
}

// CancelPiece releases the piece that is checked out.
// Outside of end game, the piece is removed from the pool if no block is downloaded yet.
// Pieces that are already completed or removed from the pool are ignored.
func (s *PieceStorage) CancelPiece(p *Piece) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool.Find(p.Index) != p {
		return
	}
	s.pieces.ClearUse(p.Index)
	if s.isEndGame() {
		return
	}
	if p.CompletedLength() == 0 {
		s.pool.Remove(p)
	}
}

// MissingBlocks returns the blocks of the piece that are not downloaded yet.
func (s *PieceStorage) MissingBlocks(p *Piece) []Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.MissingBlocks()
}

// FinishPiece verifies the completed piece, writes it to storage and completes it.
//
// Verification and writing are done without holding the lock of the storage.
// If the verification fails, the piece is removed from the pool, its blocks are reset and
// an error wrapping ErrPieceVerification is returned.
// If the write fails, the piece is kept in the pool and the error is returned.
// FinishPiece does nothing if the piece is already being finished by another call or already completed.
func (s *PieceStorage) FinishPiece(p *Piece) (Completion, error) {
	if p == nil {
		return NotCompleted, nil
	}
	s.mu.Lock()
	if s.pieces.Has(p.Index) || s.pool.Find(p.Index) != p {
		s.mu.Unlock()
		return NotCompleted, nil
	}
	if !p.Complete() {
		s.mu.Unlock()
		return NotCompleted, ErrPieceIncomplete
	}
	if _, ok := s.finishing[p.Index]; ok {
		s.mu.Unlock()
		return NotCompleted, nil
	}
	s.finishing[p.Index] = struct{}{}
	buf := s.bufferPool.Get(int(p.Length))
	defer buf.Release()
	var unbuffered []Block
	for i := uint32(0); i < p.CountBlock(); i++ {
		b, _ := p.GetBlock(i)
		if p.IsBlockBuffered(i) {
			copy(buf.Data[b.Begin:b.Begin+b.Length], p.Data[b.Begin:b.Begin+b.Length])
		} else {
			unbuffered = append(unbuffered, b)
		}
	}
	s.mu.Unlock()

	err := s.verifyAndWrite(p.Index, buf.Data, unbuffered)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.finishing, p.Index)
	if err == nil {
		return s.completePiece(p), nil
	}
	if _, ok := err.(*VerificationError); ok {
		s.log.Errorf("piece #%d failed hash check", p.Index)
		s.metrics.VerificationFailures.Inc(1)
		s.metrics.BytesWasted.Mark(int64(p.Length))
		if s.pool.Find(p.Index) == p {
			s.pool.Remove(p)
		}
		p.Reset()
		s.pieces.ClearUse(p.Index)
	}
	return NotCompleted, err
}

func (s *PieceStorage) verifyAndWrite(index uint32, data []byte, unbuffered []Block) error {
	offset := int64(index) * int64(s.info.PieceLength)
	for _, b := range unbuffered {
		_, err := s.sink.ReadAt(data[b.Begin:b.Begin+b.Length], offset+int64(b.Begin))
		if err != nil {
			return fmt.Errorf("cannot read block #%d of piece #%d: %w", b.Index, index, err)
		}
	}
	if !s.verifier.Verify(index, data) {
		return &VerificationError{Index: index}
	}
	s.semWrite.Wait()
	n, err := s.sink.WriteAt(data, offset)
	s.semWrite.Signal()
	if err != nil {
		return fmt.Errorf("cannot write piece #%d: %w", index, err)
	}
	s.metrics.BytesWritten.Mark(int64(n))
	return nil
}
