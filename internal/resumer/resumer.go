// Package resumer contains an interface that is used by the piece storage for resuming an existing download.
package resumer

import "time"

// Resumer provides operations to save and load the resume state of a single download.
type Resumer interface {
	WriteBitfield([]byte) error
	WritePartialPieces([]PartialPiece) error
	Read() (*Spec, error)
}

// Spec is the saved state of a download.
type Spec struct {
	InfoHash []byte
	Name     string
	Dest     string
	// Bitfield of verified pieces. Most significant bit of first byte is piece 0.
	Bitfield []byte
	// Pieces that are partially downloaded. Bytes of completed blocks are in the storage.
	PartialPieces []PartialPiece
	AddedAt       time.Time
}

// PartialPiece is the block bitfield of a piece that is not complete.
type PartialPiece struct {
	Index  uint32 `bencode:"index"`
	Blocks []byte `bencode:"blocks"`
}
