package piecestorage

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestWriteBlock(t *testing.T) {
	s := newTestStorage(t, threeFiles, testConfig())
	p := s.CheckOutPiece(6)
	require.NotNil(t, p)

	_, err := s.WriteBlock(p, 0, []byte{1, 2})
	assert.Error(t, err)

	complete, err := s.WriteBlock(p, 0, s.data[96:100])
	require.NoError(t, err)
	assert.True(t, complete)
	complete, err = s.WriteBlock(p, 0, s.data[96:100])
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, int64(4), s.Metrics().BytesWasted.Count())

	assert.Equal(t, ErrPieceReleased, errOf(s.WriteBlock(s.GetPiece(3), 0, s.data[48:52])))
}

func errOf(_ bool, err error) error {
	return err
}

func TestFinishPiece(t *testing.T) {
	s := newTestStorage(t, threeFiles, testConfig())
	p := s.CheckOutPiece(1)

	_, err := s.FinishPiece(p)
	assert.Equal(t, ErrPieceIncomplete, err)

	s.writePiece(t, p)
	assert.Equal(t, int64(16), s.CompletedLength())
	c, err := s.FinishPiece(p)
	require.NoError(t, err)
	assert.Equal(t, NotCompleted, c)
	assert.True(t, s.HasPiece(1))
	assert.False(t, s.IsPieceUsed(1))
	assert.Equal(t, 0, s.CountInFlightPiece())
	assert.Equal(t, int64(16), s.CompletedLength())
	assert.Equal(t, s.data[16:32], s.sink.Bytes()[16:32])
	assert.Equal(t, int64(1), s.Metrics().CompletedPieces.Count())
	assert.Equal(t, int64(16), s.Metrics().BytesWritten.Count())

	// finishing again does nothing
	c, err = s.FinishPiece(p)
	assert.NoError(t, err)
	assert.Equal(t, NotCompleted, c)
	assert.Equal(t, int64(1), s.Metrics().CompletedPieces.Count())
}

func TestFinishPieceVerificationFailure(t *testing.T) {
	s := newTestStorage(t, threeFiles, testConfig())
	p := s.CheckOutPiece(0)
	for begin := uint32(0); begin < 16; begin += 4 {
		_, err := s.WriteBlock(p, begin, []byte{0xff, 0xff, 0xff, 0xff})
		require.NoError(t, err)
	}

	c, err := s.FinishPiece(p)
	assert.Equal(t, NotCompleted, c)
	assert.True(t, errors.Is(err, ErrPieceVerification))
	var verr *VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, uint32(0), verr.Index)

	assert.False(t, s.HasPiece(0))
	assert.False(t, s.IsPieceUsed(0))
	assert.Equal(t, 0, s.CountInFlightPiece())
	assert.Equal(t, uint32(0), p.CountCompleteBlock())
	assert.Equal(t, int64(1), s.Metrics().VerificationFailures.Count())
	assert.Equal(t, make([]byte, 16), s.sink.Bytes()[:16])

	_, err = s.WriteBlock(p, 0, s.data[:4])
	assert.Equal(t, ErrPieceReleased, err)

	// piece can be downloaded again
	p = s.MissingPiece(seeder(s.PieceStorage))
	require.NotNil(t, p)
	assert.Equal(t, uint32(0), p.Index)
	s.writePiece(t, p)
	_, err = s.FinishPiece(p)
	require.NoError(t, err)
	assert.True(t, s.HasPiece(0))
}

func TestFinishPieceWriteError(t *testing.T) {
	data := testData(100)
	info := newTestInfo(t, threeFiles, 16, data)
	sink := new(mockSink)
	errDisk := errors.New("disk full")
	sink.On("WriteAt", mock.Anything, int64(16)).Return(0, errDisk).Once()
	sink.On("WriteAt", mock.Anything, int64(16)).Return(16, nil)
	s := New(info, sink, testConfig())
	defer s.Close()

	p := s.CheckOutPiece(1)
	for begin := uint32(0); begin < 16; begin += 4 {
		_, err := s.WriteBlock(p, begin, data[16+begin:16+begin+4])
		require.NoError(t, err)
	}

	_, err := s.FinishPiece(p)
	assert.True(t, errors.Is(err, errDisk))
	assert.False(t, s.HasPiece(1))
	assert.Equal(t, 1, s.CountInFlightPiece())
	assert.True(t, p.Complete())

	// complete piece is released and checked out again with its blocks
	assert.True(t, s.IsPieceUsed(1))
	s.CancelPiece(p)
	assert.False(t, s.IsPieceUsed(1))
	assert.Equal(t, 1, s.CountInFlightPiece())
	assert.Same(t, p, s.CheckOutPiece(1))

	_, err = s.FinishPiece(p)
	require.NoError(t, err)
	assert.True(t, s.HasPiece(1))
	assert.False(t, s.IsPieceUsed(1))
	sink.AssertNumberOfCalls(t, "WriteAt", 2)
	sink.AssertNotCalled(t, "OnDownloadComplete")
}

func TestFinishPieceReadsUnbufferedBlocks(t *testing.T) {
	s := newTestStorage(t, threeFiles, testConfig())
	// first two blocks of piece 1 are already in storage
	_, err := s.sink.WriteAt(s.data[:24], 0)
	require.NoError(t, err)
	s.MarkPiecesDone(24)
	require.Equal(t, 1, s.CountInFlightPiece())

	p := s.CheckOutPiece(1)
	assert.Equal(t, uint32(2), p.CountCompleteBlock())
	_, err = s.WriteBlock(p, 8, s.data[24:28])
	require.NoError(t, err)
	complete, err := s.WriteBlock(p, 12, s.data[28:32])
	require.NoError(t, err)
	require.True(t, complete)

	_, err = s.FinishPiece(p)
	require.NoError(t, err)
	assert.True(t, s.HasPiece(1))
}

func TestCompletePieceTwice(t *testing.T) {
	s := newTestStorage(t, threeFiles, testConfig())
	var last *Piece
	var results []Completion
	for i := uint32(0); i < s.NumPieces(); i++ {
		last = s.CheckOutPiece(i)
		results = append(results, s.CompletePiece(last))
	}
	assert.Equal(t, DownloadCompleted, results[len(results)-1])
	for _, c := range results[:len(results)-1] {
		assert.Equal(t, NotCompleted, c)
	}
	assert.True(t, s.DownloadFinished())
	assert.True(t, s.AllDownloadFinished())
	assert.Equal(t, 1, s.sink.CompleteCount())

	assert.Equal(t, NotCompleted, s.CompletePiece(last))
	assert.Equal(t, NotCompleted, s.CompletePiece(nil))
	assert.Equal(t, 1, s.sink.CompleteCount())
	assert.Equal(t, int64(7), s.Metrics().CompletedPieces.Count())
}

func TestCancelPiece(t *testing.T) {
	s := newTestStorage(t, threeFiles, testConfig())
	p0 := s.CheckOutPiece(0)
	p1 := s.CheckOutPiece(1)
	_, err := s.WriteBlock(p1, 0, s.data[16:20])
	require.NoError(t, err)

	s.CancelPiece(p0)
	s.CancelPiece(p1)
	s.CancelPiece(nil)
	assert.False(t, s.IsPieceUsed(0))
	assert.False(t, s.IsPieceUsed(1))
	pieces := s.InFlightPieces()
	require.Len(t, pieces, 1)
	assert.Same(t, p1, pieces[0])
	assert.Equal(t, int64(4), s.CompletedLength())

	// partially downloaded piece is given again
	assert.Same(t, p1, s.CheckOutPiece(1))
}

func TestCancelPieceInEndGame(t *testing.T) {
	s := newTestStorage(t, singleFile(40), testConfig())
	require.NoError(t, s.SetBitfield([]byte{0xc0}))
	p := s.CheckOutPiece(2)
	s.CancelPiece(p)
	assert.False(t, s.IsPieceUsed(2))
	assert.Equal(t, 1, s.CountInFlightPiece())
}

func TestEvictionKeepsPoolBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUsedPieces = 2
	s := newTestStorage(t, singleFile(320), cfg)

	var pieces []*Piece
	for i := uint32(0); i < 6; i++ {
		pieces = append(pieces, s.CheckOutPiece(i))
	}
	for _, p := range pieces[1:5] {
		_, err := s.WriteBlock(p, 0, s.data[p.Index*16:p.Index*16+4])
		require.NoError(t, err)
	}
	for _, p := range pieces[1:] {
		s.CancelPiece(p)
	}
	assert.Equal(t, 5, s.CountInFlightPiece())

	s.CompletePiece(pieces[0])
	assert.Equal(t, 2, s.CountInFlightPiece())
	var indexes []uint32
	for _, p := range s.InFlightPieces() {
		indexes = append(indexes, p.Index)
	}
	assert.Equal(t, []uint32{3, 4}, indexes)
	assert.Equal(t, int64(2), s.Metrics().EvictedPieces.Count())
}

func TestEvictionKeepsPiecesInUse(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUsedPieces = 2
	s := newTestStorage(t, singleFile(320), cfg)

	var pieces []*Piece
	for i := uint32(0); i < 6; i++ {
		pieces = append(pieces, s.CheckOutPiece(i))
	}
	s.CompletePiece(pieces[0])
	assert.Equal(t, 5, s.CountInFlightPiece())
	assert.Equal(t, int64(0), s.Metrics().EvictedPieces.Count())

	for _, p := range pieces[1:3] {
		_, err := s.WriteBlock(p, 0, s.data[p.Index*16:p.Index*16+4])
		require.NoError(t, err)
		s.CancelPiece(p)
	}
	s.CompletePiece(pieces[3])
	// pieces 4 and 5 are in use
	assert.Equal(t, 2, s.CountInFlightPiece())
	assert.Equal(t, int64(2), s.Metrics().EvictedPieces.Count())
	assert.True(t, s.IsPieceUsed(4))
	assert.True(t, s.IsPieceUsed(5))
}

func TestConcurrentDownload(t *testing.T) {
	cfg := testConfig()
	cfg.ParallelWrites = 2
	s := newTestStorage(t, threeFiles, cfg)

	defer leaktest.Check(t)()

	var completed int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pe := seeder(s.PieceStorage)
			for !s.AllDownloadFinished() {
				p := s.MissingPiece(pe)
				if p == nil {
					runtime.Gosched()
					continue
				}
				offset := int64(p.Index) * 16
				released := false
				for j := uint32(0); j < p.CountBlock(); j++ {
					b, _ := p.GetBlock(j)
					begin := offset + int64(b.Begin)
					_, err := s.WriteBlock(p, b.Begin, s.data[begin:begin+int64(b.Length)])
					if err == ErrPieceReleased {
						released = true
						break
					}
					if !assert.NoError(t, err) {
						return
					}
				}
				if released {
					continue
				}
				c, err := s.FinishPiece(p)
				if !assert.NoError(t, err) {
					return
				}
				if c == DownloadCompleted {
					atomic.AddInt32(&completed, 1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&completed))
	assert.Equal(t, 1, s.sink.CompleteCount())
	assert.Equal(t, s.data, s.sink.Bytes())
	assert.Equal(t, 0, s.CountInFlightPiece())
}
