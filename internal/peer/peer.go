// Package peer holds what we know about the pieces of a remote peer.
package peer

import (
	"errors"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/cenkalti/piecestorage/internal/bitfield"
)

// DefaultLatency is the latency of a peer before any block is received from it.
const DefaultLatency = 1500 * time.Millisecond

// ErrBitfieldLength is returned when a bitfield from the peer does not match the number of pieces.
var ErrBitfieldLength = errors.New("invalid bitfield length")

// Peer is the piece availability of a remote peer.
// Peer is not safe for concurrent use.
type Peer struct {
	ID string

	bitfield    *bitfield.Bitfield
	fastEnabled bool
	// pieces that the peer allows us to request while we are choked
	allowedFast *roaring.Bitmap
	latency     time.Duration
}

// New returns a Peer that has no pieces.
func New(id string, numPieces uint32) *Peer {
	return &Peer{
		ID:          id,
		bitfield:    bitfield.New(numPieces),
		allowedFast: roaring.NewBitmap(),
		latency:     DefaultLatency,
	}
}

// Bitfield returns the pieces of the peer in wire format.
func (p *Peer) Bitfield() []byte {
	return p.bitfield.Bytes()
}

// SetBitfield replaces the pieces of the peer. Unused trailing bits are cleared.
func (p *Peer) SetBitfield(b []byte) error {
	if len(b) != bitfield.NumBytes(p.bitfield.Len()) {
		return ErrBitfieldLength
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	p.bitfield = bitfield.NewBytes(buf, p.bitfield.Len())
	return nil
}

// SetHave marks piece i as present in peer. Out of range indexes are ignored.
func (p *Peer) SetHave(i uint32) {
	if i < p.bitfield.Len() {
		p.bitfield.Set(i)
	}
}

// SetAll marks all pieces as present in peer, as in a "have all" message.
func (p *Peer) SetAll() {
	p.bitfield.SetAll()
}

// HasPiece returns true if the peer has piece i.
func (p *Peer) HasPiece(i uint32) bool {
	return i < p.bitfield.Len() && p.bitfield.Test(i)
}

// FastEnabled returns true if the peer supports the fast extension.
func (p *Peer) FastEnabled() bool {
	return p.fastEnabled
}

// SetFastEnabled records whether the peer supports the fast extension.
func (p *Peer) SetFastEnabled(v bool) {
	p.fastEnabled = v
}

// AddAllowedFast records that the peer allows us to request piece i while choked.
// Out of range indexes are ignored.
func (p *Peer) AddAllowedFast(i uint32) {
	if i < p.bitfield.Len() {
		p.allowedFast.Add(i)
	}
}

// IsAllowedFast returns true if piece i can be requested while choked.
func (p *Peer) IsAllowedFast(i uint32) bool {
	return p.allowedFast.Contains(i)
}

// AllowedFast returns the allowed fast set in ascending order.
// The set is empty if the fast extension is not enabled.
func (p *Peer) AllowedFast() []uint32 {
	if !p.fastEnabled {
		return nil
	}
	return p.allowedFast.ToArray()
}

// Latency returns the smoothed response time of the peer.
func (p *Peer) Latency() time.Duration {
	return p.latency
}

// UpdateLatency adds a new response time sample.
func (p *Peer) UpdateLatency(sample time.Duration) {
	p.latency = (p.latency*20 + sample*80) / 200
}
