// Package piecestorage decides which pieces of a torrent to download next and
// reconciles the blocks received from many peers into verified pieces on storage.
//
// A PieceStorage keeps an availability map of the pieces that are downloaded,
// a pool of pieces that are partially downloaded and the list of completed pieces
// to be advertised to peers. All methods are safe for concurrent use.
package piecestorage

import (
	"sync"
	"time"

	"github.com/cenkalti/piecestorage/internal/availability"
	"github.com/cenkalti/piecestorage/internal/bufferpool"
	"github.com/cenkalti/piecestorage/internal/haves"
	"github.com/cenkalti/piecestorage/internal/logger"
	"github.com/cenkalti/piecestorage/internal/metainfo"
	"github.com/cenkalti/piecestorage/internal/piece"
	"github.com/cenkalti/piecestorage/internal/piecepool"
	"github.com/cenkalti/piecestorage/internal/semaphore"
	"github.com/cenkalti/piecestorage/internal/storage"
	"github.com/cenkalti/piecestorage/internal/verifier"
)

// Piece is a piece checked out from PieceStorage.
// Pieces must be modified only through the methods of PieceStorage.
type Piece = piece.Piece

// Block is a part of a piece that is requested from peers.
type Block = piece.Block

// Peer is the piece availability of a remote peer.
type Peer interface {
	// Bitfield of the pieces the peer has. Most significant bit of the first byte is piece 0.
	Bitfield() []byte
	HasPiece(index uint32) bool
	FastEnabled() bool
	// AllowedFast returns the pieces that can be requested while the peer is choking us.
	AllowedFast() []uint32
}

// Verifier checks the data of a piece before it is written to storage.
type Verifier interface {
	Verify(index uint32, data []byte) bool
}

// Completion is the result of completing a piece.
type Completion int

const (
	// NotCompleted means there are still missing pieces to download.
	NotCompleted Completion = iota
	// SelectiveDownloadCompleted means all pieces of the selected files are downloaded.
	SelectiveDownloadCompleted
	// DownloadCompleted means all pieces are downloaded.
	DownloadCompleted
)

var completionNames = [...]string{
	"not completed",
	"selective download completed",
	"download completed",
}

func (c Completion) String() string {
	return completionNames[c]
}

// PieceStorage is the piece selection and completion engine of a single torrent.
type PieceStorage struct {
	info     *metainfo.Info
	config   Config
	sink     storage.Sink
	verifier Verifier
	newMap   availability.Factory
	now      func() time.Time

	mu         sync.Mutex
	pieces     *availability.Map
	pool       *piecepool.Pool
	haves      *haves.List
	finishing  map[uint32]struct{}
	downloaded bool // OnDownloadComplete is called for the current selection

	bufferPool *bufferpool.Pool
	semWrite   *semaphore.Semaphore
	metrics    *Metrics
	log        logger.Logger
}

// Option changes the default collaborators of a PieceStorage.
type Option func(*PieceStorage)

// WithFactory sets the function that creates availability maps.
func WithFactory(f availability.Factory) Option {
	return func(s *PieceStorage) { s.newMap = f }
}

// WithVerifier replaces the SHA-1 verifier.
func WithVerifier(v Verifier) Option {
	return func(s *PieceStorage) { s.verifier = v }
}

// WithClock sets the time source used for have advertisements.
func WithClock(now func() time.Time) Option {
	return func(s *PieceStorage) { s.now = now }
}

// New returns a new PieceStorage for the torrent. Pieces are written to sink after they are verified.
// By default, pieces are verified against the hashes in info.
func New(info *metainfo.Info, sink storage.Sink, cfg Config, options ...Option) *PieceStorage {
	s := &PieceStorage{
		info:      info,
		config:    cfg,
		sink:      sink,
		verifier:  verifier.NewHashes(info),
		newMap:    availability.New,
		now:       time.Now,
		finishing: make(map[uint32]struct{}),
		log:       logger.New("piecestorage " + info.Name),
	}
	for _, opt := range options {
		opt(s)
	}
	s.pieces = s.newMap(info.TotalLength, info.PieceLength, cfg.BlockLength)
	s.pool = piecepool.New()
	s.haves = haves.New(s.now)
	s.bufferPool = bufferpool.New(int(info.PieceLength))
	s.semWrite = semaphore.New(cfg.ParallelWrites)
	s.initMetrics()
	return s
}

// Close releases the resources used by metrics.
func (s *PieceStorage) Close() {
	s.metrics.close()
}

// Info returns the torrent info the storage is created with.
func (s *PieceStorage) Info() *metainfo.Info {
	return s.info
}

// NumPieces returns the number of pieces in torrent.
func (s *PieceStorage) NumPieces() uint32 {
	return s.pieces.NumPieces()
}

// PieceLength returns the length of the piece at index. Returns zero if index is invalid.
func (s *PieceStorage) PieceLength(index uint32) uint32 {
	return s.pieces.PieceLength(index)
}

// HasPiece returns true if the piece is verified and written to storage.
func (s *PieceStorage) HasPiece(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces.Has(index)
}

// IsPieceUsed returns true if the piece is checked out for downloading.
func (s *PieceStorage) IsPieceUsed(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces.InUse(index)
}

// IsEndGame returns true when few blocks are missing so that pieces in use can be downloaded from more than one peer.
func (s *PieceStorage) IsEndGame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isEndGame()
}

func (s *PieceStorage) isEndGame() bool {
	return s.pieces.CountMissingBlocks() <= uint64(s.config.EndGameBlockThreshold)
}

// HasMissingPiece returns true if the peer has a piece that we don't have.
func (s *PieceStorage) HasMissingPiece(pe Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces.HasMissingPieceFor(pe.Bitfield())
}

// GetPiece returns the piece at index for reading.
// If the piece is not being downloaded, a new Piece is returned and it is not tracked by the storage.
// All blocks of the returned piece are complete if we have the piece.
// Returns nil if index is invalid.
func (s *PieceStorage) GetPiece(index uint32) *Piece {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= s.pieces.NumPieces() {
		return nil
	}
	if p := s.pool.Find(index); p != nil {
		return p
	}
	p := piece.New(index, s.pieces.PieceLength(index), s.pieces.BlockLength())
	if s.pieces.Has(index) {
		p.SetAllBlocks()
	}
	return p
}

// TotalLength returns the length of torrent data.
func (s *PieceStorage) TotalLength() int64 {
	return s.pieces.TotalLength()
}

// FilteredTotalLength returns the length of the selected files, or the TotalLength if there is no selection.
func (s *PieceStorage) FilteredTotalLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces.FilteredTotalLength()
}

// CompletedLength returns the number of bytes in verified pieces and completed blocks of pieces being downloaded.
func (s *PieceStorage) CompletedLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces.CompletedLength() + s.pool.CompletedLength()
}

// FilteredCompletedLength is same as CompletedLength but counts only the bytes in selected files.
func (s *PieceStorage) FilteredCompletedLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.pieces.FilteredCompletedLength()
	for _, p := range s.pool.Pieces() {
		total += s.filteredCompletedLengthOf(p)
	}
	return total
}

func (s *PieceStorage) filteredCompletedLengthOf(p *Piece) int64 {
	if !s.pieces.FilterEnabled() {
		return int64(p.CompletedLength())
	}
	if !s.pieces.InFilter(p.Index) {
		return 0
	}
	var total int64
	pieceOffset := int64(p.Index) * int64(s.info.PieceLength)
	for i := uint32(0); i < p.CountBlock(); i++ {
		if !p.IsBlockComplete(i) {
			continue
		}
		b, _ := p.GetBlock(i)
		begin := pieceOffset + int64(b.Begin)
		total += s.pieces.FilteredOverlap(begin, begin+int64(b.Length))
	}
	return total
}

// DownloadFinished returns true if all selected pieces are downloaded.
func (s *PieceStorage) DownloadFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces.FilteredAllSet()
}

// AllDownloadFinished returns true if all pieces are downloaded, regardless of the selection.
func (s *PieceStorage) AllDownloadFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces.AllSet()
}

// IsSelectiveDownloadingMode returns true if a file filter is in effect.
func (s *PieceStorage) IsSelectiveDownloadingMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces.FilterEnabled()
}
