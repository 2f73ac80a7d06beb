package verifier

import (
	"bytes"
	"crypto/sha1" // nolint: gosec

	"github.com/cenkalti/piecestorage/internal/metainfo"
)

// Hashes verifies piece data against the SHA-1 hashes in the info dictionary.
type Hashes struct {
	info *metainfo.Info
}

// NewHashes returns a new Hashes verifier for the torrent.
func NewHashes(info *metainfo.Info) *Hashes {
	return &Hashes{info: info}
}

// Verify returns true if data is the content of the piece at index.
func (h *Hashes) Verify(index uint32, data []byte) bool {
	if index >= h.info.NumPieces || uint32(len(data)) != h.info.PieceLengthOf(index) {
		return false
	}
	sum := sha1.Sum(data) // nolint: gosec
	return bytes.Equal(sum[:], h.info.HashOf(index))
}
