package piecestorage

import (
	"time"
)

// AdvertisePiece registers the completed piece to be announced to peers.
// originID is the ID of the peer session that downloaded the piece so that the piece is not announced back to it.
func (s *PieceStorage) AdvertisePiece(originID string, index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haves.Advertise(originID, index)
}

// AdvertisedPieceIndexes returns the pieces registered after since, newest first.
// Pieces downloaded by excludeID are not returned.
func (s *PieceStorage) AdvertisedPieceIndexes(excludeID string, since time.Time) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haves.Since(excludeID, since)
}

// RemoveAdvertisedPieces removes the registrations older than maxAge and returns the number of removed entries.
func (s *PieceStorage) RemoveAdvertisedPieces(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.haves.Prune(maxAge)
	if n > 0 {
		s.log.Debugf("removed %d have entries", n)
	}
	return n
}
