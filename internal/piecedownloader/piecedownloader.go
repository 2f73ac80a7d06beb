// Package piecedownloader drives the block requests sent to a single peer.
package piecedownloader

import (
	"errors"
	"sort"
	"time"

	"github.com/cenkalti/piecestorage"
	"github.com/cenkalti/piecestorage/internal/logger"
	"github.com/cenkalti/piecestorage/internal/peer"
	"github.com/cenkalti/piecestorage/internal/requestslot"
)

// ErrBlockNotRequested is returned from PieceDownloader.GotBlock method when the received block is not requested.
var ErrBlockNotRequested = errors.New("received not requested block")

// Storage is the part of PieceStorage used by PieceDownloader.
type Storage interface {
	MissingPiece(pe piecestorage.Peer) *piecestorage.Piece
	MissingFastPiece(pe piecestorage.Peer) *piecestorage.Piece
	MissingBlocks(p *piecestorage.Piece) []piecestorage.Block
	WriteBlock(p *piecestorage.Piece, begin uint32, data []byte) (bool, error)
	FinishPiece(p *piecestorage.Piece) (piecestorage.Completion, error)
	CancelPiece(p *piecestorage.Piece)
	HasPiece(index uint32) bool
	AdvertisePiece(originID string, index uint32)
}

// Requester sends request and cancel messages to the peer.
type Requester interface {
	RequestPiece(index, begin, length uint32)
	CancelPiece(index, begin, length uint32)
}

// PieceDownloader downloads pieces from a peer.
// It checks out pieces from Storage, keeps the outstanding requests and writes received blocks back to Storage.
// PieceDownloader is not safe for concurrent use.
type PieceDownloader struct {
	Peer *peer.Peer

	storage   Storage
	requester Requester
	slots     *requestslot.Tracker
	// pieces checked out for this peer
	pieces map[uint32]*piecestorage.Piece
	choked bool
	log    logger.Logger
}

// New returns a new PieceDownloader. If now is nil, time.Now is used for request timestamps.
func New(pe *peer.Peer, s Storage, r Requester, now func() time.Time) *PieceDownloader {
	return &PieceDownloader{
		Peer:      pe,
		storage:   s,
		requester: r,
		slots:     requestslot.New(now),
		pieces:    make(map[uint32]*piecestorage.Piece),
		log:       logger.New("downloader " + pe.ID),
	}
}

// Choked must be called when the peer has choked us.
// If the peer does not support the fast extension, pending requests are dropped and
// the pieces that are not in the allowed fast set are released.
// Otherwise the peer rejects the requests it is not going to serve.
func (d *PieceDownloader) Choked() {
	d.choked = true
	if d.Peer.FastEnabled() {
		return
	}
	d.slots.CancelAll()
	for _, index := range d.indexes() {
		d.release(index)
	}
}

// Unchoked must be called when the peer has unchoked us.
func (d *PieceDownloader) Unchoked() {
	d.choked = false
}

// RequestBlocks sends requests to the peer until there are queueLength outstanding requests.
// New pieces are checked out when the blocks of the current pieces are all requested.
// While choked, only the pieces in the allowed fast set are requested.
// Returns the number of requests sent.
func (d *PieceDownloader) RequestBlocks(queueLength int) int {
	var n int
	for {
		n += d.requestMissingBlocks(queueLength)
		if d.slots.Len() >= queueLength {
			break
		}
		p := d.nextPiece()
		if p == nil {
			break
		}
		if _, ok := d.pieces[p.Index]; ok {
			// Same piece is returned in end game.
			break
		}
		d.log.Debugf("checked out piece #%d", p.Index)
		if len(d.storage.MissingBlocks(p)) == 0 {
			// All blocks are received before but the piece could not be written.
			if _, err := d.finishPiece(p); err != nil {
				d.log.Errorf("cannot finish piece #%d: %s", p.Index, err)
				break
			}
			if !d.storage.HasPiece(p.Index) {
				// Being finished by another peer.
				break
			}
			continue
		}
		d.pieces[p.Index] = p
	}
	return n
}

func (d *PieceDownloader) nextPiece() *piecestorage.Piece {
	if d.choked {
		return d.storage.MissingFastPiece(d.Peer)
	}
	return d.storage.MissingPiece(d.Peer)
}

func (d *PieceDownloader) requestMissingBlocks(queueLength int) int {
	var n int
	for _, index := range d.indexes() {
		if d.choked && !d.Peer.IsAllowedFast(index) {
			continue
		}
		p := d.pieces[index]
		for _, b := range d.storage.MissingBlocks(p) {
			if d.slots.Len() >= queueLength {
				return n
			}
			if _, ok := d.slots.Match(index, b.Begin, b.Length); ok {
				continue
			}
			d.slots.Dispatch(index, b.Begin, b.Length, b.Index)
			d.requester.RequestPiece(index, b.Begin, b.Length)
			n++
		}
	}
	return n
}

// GotBlock must be called when a block is received from the peer.
// The block is written to Storage and the piece is finished when all of its blocks are received.
func (d *PieceDownloader) GotBlock(index, begin uint32, data []byte) (piecestorage.Completion, error) {
	slot, ok := d.slots.Match(index, begin, uint32(len(data)))
	if !ok {
		return piecestorage.NotCompleted, ErrBlockNotRequested
	}
	d.slots.Remove(slot)
	d.Peer.UpdateLatency(slot.Latency(d.slots.Now()))
	p, ok := d.pieces[index]
	if !ok {
		return piecestorage.NotCompleted, ErrBlockNotRequested
	}
	complete, err := d.storage.WriteBlock(p, begin, data)
	if err == piecestorage.ErrPieceReleased {
		// Piece is finished by another peer in end game or failed the hash check.
		d.release(index)
		return piecestorage.NotCompleted, nil
	}
	if err != nil {
		return piecestorage.NotCompleted, err
	}
	if !complete {
		return piecestorage.NotCompleted, nil
	}
	d.cancelRequests(index)
	delete(d.pieces, index)
	return d.finishPiece(p)
}

// finishPiece verifies and writes the complete piece.
// If the write fails, the piece is released with its blocks so that it can be checked out and written again.
func (d *PieceDownloader) finishPiece(p *piecestorage.Piece) (piecestorage.Completion, error) {
	c, err := d.storage.FinishPiece(p)
	if err != nil {
		// Pieces failing the hash check are already released by the storage.
		if !errors.Is(err, piecestorage.ErrPieceVerification) {
			d.storage.CancelPiece(p)
		}
		return c, err
	}
	if d.storage.HasPiece(p.Index) {
		d.storage.AdvertisePiece(d.Peer.ID, p.Index)
	}
	return c, nil
}

// Rejected must be called when the peer has rejected a request.
// Returns false if there is no such request.
func (d *PieceDownloader) Rejected(index, begin, length uint32) bool {
	slot, ok := d.slots.Match(index, begin, length)
	if !ok {
		return false
	}
	d.slots.Remove(slot)
	if d.choked && !d.Peer.IsAllowedFast(index) && d.slots.CountPiece(index) == 0 {
		d.release(index)
	}
	return true
}

// CheckTimeouts cancels the requests that are not responded in timeout and
// the requests for blocks that are received from other peers.
// Cancelled blocks are requested again by the next call to RequestBlocks.
// Returns the timed out requests.
func (d *PieceDownloader) CheckTimeouts(timeout time.Duration) []requestslot.Slot {
	timedOut := d.slots.TimedOut(timeout)
	for _, s := range timedOut {
		d.log.Debugf("request timed out: piece #%d begin=%d length=%d", s.Index, s.Begin, s.Length)
		d.cancel(s)
	}
	for _, index := range d.indexes() {
		missing := make(map[uint32]struct{})
		for _, b := range d.storage.MissingBlocks(d.pieces[index]) {
			missing[b.Index] = struct{}{}
		}
		for _, s := range d.slots.Slots() {
			if s.Index != index {
				continue
			}
			if _, ok := missing[s.BlockIndex]; !ok {
				d.cancel(s)
			}
		}
	}
	return timedOut
}

// Close cancels outstanding requests and releases the checked out pieces.
func (d *PieceDownloader) Close() {
	for _, s := range d.slots.CancelAll() {
		d.requester.CancelPiece(s.Index, s.Begin, s.Length)
	}
	for _, index := range d.indexes() {
		d.release(index)
	}
}

// Pieces returns the indexes of checked out pieces in ascending order.
func (d *PieceDownloader) Pieces() []uint32 {
	return d.indexes()
}

// Requests returns the outstanding requests in dispatch order.
func (d *PieceDownloader) Requests() []requestslot.Slot {
	return d.slots.Slots()
}

func (d *PieceDownloader) cancel(s requestslot.Slot) {
	d.slots.Remove(s)
	d.requester.CancelPiece(s.Index, s.Begin, s.Length)
}

func (d *PieceDownloader) cancelRequests(index uint32) {
	for _, s := range d.slots.RemovePiece(index) {
		d.requester.CancelPiece(s.Index, s.Begin, s.Length)
	}
}

func (d *PieceDownloader) release(index uint32) {
	p, ok := d.pieces[index]
	if !ok {
		return
	}
	d.cancelRequests(index)
	delete(d.pieces, index)
	d.storage.CancelPiece(p)
}

func (d *PieceDownloader) indexes() []uint32 {
	ret := make([]uint32, 0, len(d.pieces))
	for index := range d.pieces {
		ret = append(ret, index)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}
