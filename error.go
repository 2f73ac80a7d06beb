package piecestorage

import (
	"errors"
	"strconv"

	"github.com/cenkalti/piecestorage/internal/resumer/boltdbresumer"
)

var (
	// ErrPieceVerification is returned from PieceStorage.FinishPiece when the piece data does not match the hash.
	ErrPieceVerification = errors.New("piece verification failed")
	// ErrPieceIncomplete is returned from PieceStorage.FinishPiece when some blocks of the piece are missing.
	ErrPieceIncomplete = errors.New("piece is not complete")
	// ErrPieceReleased is returned when a piece that is no longer checked out is written.
	ErrPieceReleased = errors.New("piece is released")
	// ErrResumeLocked is returned when the resume database is locked by another process.
	ErrResumeLocked = boltdbresumer.ErrLocked
)

// FileNotFoundError is returned from PieceStorage.SetFileFilter when a path does not exist in torrent.
type FileNotFoundError struct {
	Path string
}

// Error implements error interface.
func (e *FileNotFoundError) Error() string {
	return "no such file entry: " + e.Path
}

// FileIndexError is returned from PieceStorage.SetFileFilterByIndex when an ordinal is out of range.
type FileIndexError struct {
	Index int
}

// Error implements error interface.
func (e *FileIndexError) Error() string {
	return "invalid file index: " + strconv.Itoa(e.Index)
}

// VerificationError is returned from PieceStorage.FinishPiece when the piece data does not match the hash.
type VerificationError struct {
	Index uint32
}

// Error implements error interface.
func (e *VerificationError) Error() string {
	return "piece #" + strconv.FormatUint(uint64(e.Index), 10) + ": " + ErrPieceVerification.Error()
}

// Unwrap returns ErrPieceVerification.
func (e *VerificationError) Unwrap() error {
	return ErrPieceVerification
}
