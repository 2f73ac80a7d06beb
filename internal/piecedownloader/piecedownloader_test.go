package piecedownloader

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/piecestorage"
	"github.com/cenkalti/piecestorage/internal/metainfo"
	"github.com/cenkalti/piecestorage/internal/peer"
	"github.com/cenkalti/piecestorage/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type TestRequester struct {
	mock.Mock
}

func (r *TestRequester) RequestPiece(index, begin, length uint32) {
	r.Called(index, begin, length)
}

func (r *TestRequester) CancelPiece(index, begin, length uint32) {
	r.Called(index, begin, length)
}

func newRequester() *TestRequester {
	r := new(TestRequester)
	r.On("RequestPiece", mock.Anything, mock.Anything, mock.Anything).Return()
	r.On("CancelPiece", mock.Anything, mock.Anything, mock.Anything).Return()
	return r
}

type memSink struct {
	mu   sync.Mutex
	data []byte
}

func (m *memSink) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memSink) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(m.data[off:], p), nil
}

func (m *memSink) OnDownloadComplete() {}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

// failingSink fails the first n writes.
type failingSink struct {
	*memSink
	n int
}

func (s *failingSink) WriteAt(p []byte, off int64) (int, error) {
	if s.n > 0 {
		s.n--
		return 0, errors.New("disk full")
	}
	return s.memSink.WriteAt(p, off)
}

// newStorage returns a storage of 16 bytes pieces and 4 bytes blocks.
func newStorage(t *testing.T, length int64) (*piecestorage.PieceStorage, []byte) {
	return newStorageWithSink(t, length, &memSink{data: make([]byte, length)})
}

func newStorageWithSink(t *testing.T, length int64, sink storage.Sink) (*piecestorage.PieceStorage, []byte) {
	data := make([]byte, length)
	for i := range data {
		data[i] = byte(i)
	}
	b, err := metainfo.NewInfoBytes("test", []metainfo.FileDict{{Length: length, Path: []string{"test"}}}, 16, bytes.NewReader(data))
	require.NoError(t, err)
	info, err := metainfo.NewInfo(b)
	require.NoError(t, err)
	cfg := piecestorage.DefaultConfig
	cfg.BlockLength = 4
	s := piecestorage.New(info, sink, cfg)
	t.Cleanup(s.Close)
	return s, data
}

func newSeeder(s *piecestorage.PieceStorage, id string) *peer.Peer {
	pe := peer.New(id, s.NumPieces())
	pe.SetAll()
	return pe
}

func TestRequestBlocks(t *testing.T) {
	s, _ := newStorage(t, 48)
	r := newRequester()
	d := New(newSeeder(s, "peer1"), s, r, nil)

	assert.Equal(t, 6, d.RequestBlocks(6))
	assert.Equal(t, []uint32{0, 1}, d.Pieces())
	assert.Len(t, d.Requests(), 6)
	r.AssertCalled(t, "RequestPiece", uint32(0), uint32(12), uint32(4))
	r.AssertCalled(t, "RequestPiece", uint32(1), uint32(4), uint32(4))
	r.AssertNotCalled(t, "RequestPiece", uint32(1), uint32(8), uint32(4))
	assert.True(t, s.IsPieceUsed(0))
	assert.True(t, s.IsPieceUsed(1))

	assert.Equal(t, 0, d.RequestBlocks(6))
	assert.Equal(t, 2, d.RequestBlocks(8))
	r.AssertNumberOfCalls(t, "RequestPiece", 8)
}

func TestGotBlock(t *testing.T) {
	s, data := newStorage(t, 48)
	clock := &fakeClock{t: time.Now()}
	pe := newSeeder(s, "peer1")
	d := New(pe, s, newRequester(), clock.Now)

	_, err := d.GotBlock(0, 0, data[:4])
	assert.Equal(t, ErrBlockNotRequested, err)

	d.RequestBlocks(4)
	clock.t = clock.t.Add(time.Second)
	for begin := uint32(0); begin < 16; begin += 4 {
		c, err := d.GotBlock(0, begin, data[begin:begin+4])
		require.NoError(t, err)
		assert.Equal(t, piecestorage.NotCompleted, c)
	}
	assert.True(t, s.HasPiece(0))
	assert.Empty(t, d.Pieces())
	assert.Empty(t, d.Requests())
	assert.Equal(t, []uint32{0}, s.AdvertisedPieceIndexes("", time.Time{}))
	assert.Empty(t, s.AdvertisedPieceIndexes("peer1", time.Time{}))
	assert.True(t, pe.Latency() < peer.DefaultLatency)
}

func TestGotBlockVerificationFailure(t *testing.T) {
	s, _ := newStorage(t, 48)
	d := New(newSeeder(s, "peer1"), s, newRequester(), nil)

	d.RequestBlocks(4)
	var err error
	for begin := uint32(0); begin < 16; begin += 4 {
		_, err = d.GotBlock(0, begin, []byte{1, 1, 1, 1})
	}
	assert.ErrorIs(t, err, piecestorage.ErrPieceVerification)
	assert.False(t, s.HasPiece(0))
	assert.False(t, s.IsPieceUsed(0))
	assert.Empty(t, s.AdvertisedPieceIndexes("", time.Time{}))

	// piece is downloaded again
	d.RequestBlocks(4)
	assert.Equal(t, []uint32{0}, d.Pieces())
}

func TestGotBlockWriteError(t *testing.T) {
	s, data := newStorageWithSink(t, 48, &failingSink{memSink: &memSink{data: make([]byte, 48)}, n: 1})
	d1 := New(newSeeder(s, "peer1"), s, newRequester(), nil)

	d1.RequestBlocks(4)
	var err error
	for begin := uint32(0); begin < 16; begin += 4 {
		_, err = d1.GotBlock(0, begin, data[begin:begin+4])
	}
	assert.EqualError(t, err, "cannot write piece #0: disk full")
	assert.False(t, s.HasPiece(0))
	assert.False(t, s.IsPieceUsed(0))
	assert.Equal(t, 1, s.CountInFlightPiece())
	assert.Empty(t, d1.Pieces())
	d1.Close()

	// received blocks are written when the piece is checked out again
	r2 := newRequester()
	d2 := New(newSeeder(s, "peer2"), s, r2, nil)
	assert.Equal(t, 4, d2.RequestBlocks(4))
	assert.True(t, s.HasPiece(0))
	assert.Equal(t, []uint32{1}, d2.Pieces())
	r2.AssertNotCalled(t, "RequestPiece", uint32(0), mock.Anything, mock.Anything)
	assert.Equal(t, []uint32{0}, s.AdvertisedPieceIndexes("", time.Time{}))
}

func TestChokedWithoutFast(t *testing.T) {
	s, _ := newStorage(t, 48)
	r := newRequester()
	d := New(newSeeder(s, "peer1"), s, r, nil)

	d.RequestBlocks(4)
	d.Choked()
	assert.Empty(t, d.Requests())
	assert.Empty(t, d.Pieces())
	assert.False(t, s.IsPieceUsed(0))
	r.AssertNotCalled(t, "CancelPiece", mock.Anything, mock.Anything, mock.Anything)

	assert.Equal(t, 0, d.RequestBlocks(4))

	d.Unchoked()
	assert.Equal(t, 4, d.RequestBlocks(4))
}

func TestChokedWithFast(t *testing.T) {
	s, _ := newStorage(t, 48)
	pe := newSeeder(s, "peer1")
	pe.SetFastEnabled(true)
	pe.AddAllowedFast(2)
	d := New(pe, s, newRequester(), nil)

	d.RequestBlocks(4)
	d.Choked()
	assert.Len(t, d.Requests(), 4)

	for begin := uint32(0); begin < 12; begin += 4 {
		assert.True(t, d.Rejected(0, begin, 4))
	}
	assert.Equal(t, []uint32{0}, d.Pieces())
	assert.True(t, d.Rejected(0, 12, 4))
	assert.False(t, d.Rejected(0, 12, 4))
	assert.Empty(t, d.Pieces())
	assert.False(t, s.IsPieceUsed(0))

	assert.Equal(t, 4, d.RequestBlocks(4))
	assert.Equal(t, []uint32{2}, d.Pieces())
}

func TestCheckTimeouts(t *testing.T) {
	s, _ := newStorage(t, 48)
	clock := &fakeClock{t: time.Now()}
	r := newRequester()
	d := New(newSeeder(s, "peer1"), s, r, clock.Now)

	d.RequestBlocks(2)
	assert.Empty(t, d.CheckTimeouts(20*time.Second))

	clock.t = clock.t.Add(30 * time.Second)
	timedOut := d.CheckTimeouts(20 * time.Second)
	assert.Len(t, timedOut, 2)
	assert.Empty(t, d.Requests())
	r.AssertCalled(t, "CancelPiece", uint32(0), uint32(0), uint32(4))
	r.AssertCalled(t, "CancelPiece", uint32(0), uint32(4), uint32(4))

	assert.Equal(t, 2, d.RequestBlocks(2))
	assert.Equal(t, []uint32{0}, d.Pieces())
}

func TestClose(t *testing.T) {
	s, data := newStorage(t, 48)
	r := newRequester()
	d := New(newSeeder(s, "peer1"), s, r, nil)

	d.RequestBlocks(6)
	_, err := d.GotBlock(1, 0, data[16:20])
	require.NoError(t, err)
	d.Close()
	r.AssertNumberOfCalls(t, "CancelPiece", 5)
	assert.Empty(t, d.Requests())
	assert.False(t, s.IsPieceUsed(0))
	assert.False(t, s.IsPieceUsed(1))
	// partially downloaded piece is kept
	assert.Equal(t, 1, s.CountInFlightPiece())
}

func TestEndGame(t *testing.T) {
	// pieces of 4, 4 and 2 blocks
	s, data := newStorage(t, 40)
	require.NoError(t, s.SetBitfield([]byte{0xc0}))
	require.True(t, s.IsEndGame())

	r1, r2 := newRequester(), newRequester()
	d1 := New(newSeeder(s, "peer1"), s, r1, nil)
	d2 := New(newSeeder(s, "peer2"), s, r2, nil)
	assert.Equal(t, 2, d1.RequestBlocks(10))
	assert.Equal(t, 2, d2.RequestBlocks(10))
	assert.Equal(t, []uint32{2}, d2.Pieces())

	_, err := d1.GotBlock(2, 0, data[32:36])
	require.NoError(t, err)
	c, err := d1.GotBlock(2, 4, data[36:40])
	require.NoError(t, err)
	assert.Equal(t, piecestorage.DownloadCompleted, c)

	// requests of the other peer are cancelled
	d2.CheckTimeouts(time.Hour)
	assert.Empty(t, d2.Requests())
	r2.AssertNumberOfCalls(t, "CancelPiece", 2)

	_, err = d2.GotBlock(2, 0, data[32:36])
	assert.Equal(t, ErrBlockNotRequested, err)
	d2.Close()
	assert.True(t, s.AllDownloadFinished())
}

func TestEndGameReleasedPiece(t *testing.T) {
	s, data := newStorage(t, 40)
	require.NoError(t, s.SetBitfield([]byte{0xc0}))

	r2 := newRequester()
	d1 := New(newSeeder(s, "peer1"), s, newRequester(), nil)
	d2 := New(newSeeder(s, "peer2"), s, r2, nil)
	d1.RequestBlocks(10)
	d2.RequestBlocks(10)
	for begin := uint32(0); begin < 8; begin += 4 {
		_, err := d1.GotBlock(2, begin, data[32+begin:36+begin])
		require.NoError(t, err)
	}

	c, err := d2.GotBlock(2, 0, data[32:36])
	require.NoError(t, err)
	assert.Equal(t, piecestorage.NotCompleted, c)
	assert.Empty(t, d2.Pieces())
	assert.Empty(t, d2.Requests())
	r2.AssertCalled(t, "CancelPiece", uint32(2), uint32(4), uint32(4))
}
