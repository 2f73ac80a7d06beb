// Package verifier checks the torrent data in the storage against piece hashes.
package verifier

import (
	"io"

	"github.com/cenkalti/piecestorage/internal/bitfield"
	"github.com/cenkalti/piecestorage/internal/metainfo"
)

// Verifier verifies the pieces in storage.
type Verifier struct {
	Bitfield *bitfield.Bitfield
	Error    error

	closeC chan struct{}
	doneC  chan struct{}
}

// Progress information about the verification.
type Progress struct {
	Checked uint32
	OK      uint32
}

// New returns a new Verifier.
func New() *Verifier {
	return &Verifier{
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Close the verifier.
func (v *Verifier) Close() {
	close(v.closeC)
	<-v.doneC
}

// Run and verify all pieces of the torrent. Progress is sent to progressC if it is not nil.
// The verifier itself is sent to resultC when the run finishes.
func (v *Verifier) Run(data io.ReaderAt, info *metainfo.Info, progressC chan Progress, resultC chan *Verifier) {
	defer close(v.doneC)

	defer func() {
		select {
		case resultC <- v:
		case <-v.closeC:
		}
	}()

	v.Bitfield = bitfield.New(info.NumPieces)
	if info.NumPieces == 0 {
		return
	}
	hashes := NewHashes(info)
	buf := make([]byte, info.PieceLength)
	var numOK uint32
	for i := uint32(0); i < info.NumPieces; i++ {
		buf = buf[:info.PieceLengthOf(i)]
		_, v.Error = data.ReadAt(buf, int64(i)*int64(info.PieceLength))
		if v.Error != nil {
			return
		}
		if hashes.Verify(i, buf) {
			v.Bitfield.Set(i)
			numOK++
		}
		if progressC == nil {
			continue
		}
		select {
		case progressC <- Progress{Checked: i + 1, OK: numOK}:
		case <-v.closeC:
			return
		}
	}
}
