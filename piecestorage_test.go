package piecestorage

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/cenkalti/piecestorage/internal/availability"
	"github.com/cenkalti/piecestorage/internal/metainfo"
	"github.com/cenkalti/piecestorage/internal/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// 100 bytes in 7 pieces of 16 bytes, 25 blocks of 4 bytes.
var threeFiles = []metainfo.FileDict{
	{Length: 40, Path: []string{"a"}},
	{Length: 30, Path: []string{"b"}},
	{Length: 30, Path: []string{"c"}},
}

func singleFile(length int64) []metainfo.FileDict {
	return []metainfo.FileDict{{Length: length, Path: []string{"file"}}}
}

// memSink keeps the torrent data in memory.
type memSink struct {
	mu        sync.Mutex
	data      []byte
	completed int
}

func newMemSink(length int64) *memSink {
	return &memSink{data: make([]byte, length)}
}

func (m *memSink) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memSink) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, errors.New("write out of range")
	}
	return copy(m.data[off:], p), nil
}

func (m *memSink) OnDownloadComplete() {
	m.mu.Lock()
	m.completed++
	m.mu.Unlock()
}

func (m *memSink) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

func (m *memSink) CompleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) ReadAt(p []byte, off int64) (int, error) {
	args := m.Called(p, off)
	return args.Int(0), args.Error(1)
}

func (m *mockSink) WriteAt(p []byte, off int64) (int, error) {
	args := m.Called(p, off)
	return args.Int(0), args.Error(1)
}

func (m *mockSink) OnDownloadComplete() {
	m.Called()
}

func testData(length int64) []byte {
	b := make([]byte, length)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func newTestInfo(t *testing.T, files []metainfo.FileDict, pieceLength uint32, data []byte) *metainfo.Info {
	b, err := metainfo.NewInfoBytes("test", files, pieceLength, bytes.NewReader(data))
	require.NoError(t, err)
	info, err := metainfo.NewInfo(b)
	require.NoError(t, err)
	return info
}

type testStorage struct {
	*PieceStorage
	sink *memSink
	data []byte
}

func newTestStorage(t *testing.T, files []metainfo.FileDict, cfg Config, options ...Option) *testStorage {
	var total int64
	for _, f := range files {
		total += f.Length
	}
	data := testData(total)
	info := newTestInfo(t, files, 16, data)
	sink := newMemSink(total)
	s := New(info, sink, cfg, options...)
	t.Cleanup(s.Close)
	return &testStorage{PieceStorage: s, sink: sink, data: data}
}

func testConfig() Config {
	cfg := DefaultConfig
	cfg.BlockLength = 4
	return cfg
}

// writePiece writes all blocks of p with the correct data.
func (s *testStorage) writePiece(t *testing.T, p *Piece) {
	offset := int64(p.Index) * int64(s.info.PieceLength)
	for i := uint32(0); i < p.CountBlock(); i++ {
		b, _ := p.GetBlock(i)
		begin := offset + int64(b.Begin)
		_, err := s.WriteBlock(p, b.Begin, s.data[begin:begin+int64(b.Length)])
		require.NoError(t, err)
	}
}

func seeder(s *PieceStorage) *peer.Peer {
	pe := peer.New("seeder", s.NumPieces())
	pe.SetAll()
	return pe
}

func TestNew(t *testing.T) {
	s := newTestStorage(t, threeFiles, testConfig())
	assert.Equal(t, uint32(7), s.NumPieces())
	assert.Equal(t, int64(100), s.TotalLength())
	assert.Equal(t, int64(100), s.FilteredTotalLength())
	assert.Equal(t, uint32(16), s.PieceLength(0))
	assert.Equal(t, uint32(4), s.PieceLength(6))
	assert.Equal(t, uint32(0), s.PieceLength(7))
	assert.Equal(t, int64(0), s.CompletedLength())
	assert.False(t, s.IsEndGame())
	assert.False(t, s.DownloadFinished())
	assert.False(t, s.IsSelectiveDownloadingMode())
	assert.True(t, s.HasMissingPiece(seeder(s.PieceStorage)))
	assert.Equal(t, "download completed", DownloadCompleted.String())
}

func TestWithFactory(t *testing.T) {
	var maps []*availability.Map
	factory := func(totalLength int64, pieceLength, blockLength uint32) *availability.Map {
		assert.Equal(t, int64(100), totalLength)
		assert.Equal(t, uint32(16), pieceLength)
		assert.Equal(t, uint32(4), blockLength)
		m := availability.New(totalLength, pieceLength, blockLength)
		maps = append(maps, m)
		return m
	}
	s := newTestStorage(t, threeFiles, testConfig(), WithFactory(factory))
	require.Len(t, maps, 1)
	require.NotNil(t, s.CheckOutPiece(0))
	assert.True(t, maps[0].InUse(0))

	// scratch map for the byte range gets a copy of the pieces in use
	_, err := s.MissingPieceForFile("a")
	require.NoError(t, err)
	require.Len(t, maps, 2)
	assert.True(t, maps[1].InUse(0))
	assert.True(t, maps[1].FilterEnabled())
	assert.False(t, maps[0].FilterEnabled())

	pe := peer.New("peer1", s.NumPieces())
	pe.SetAll()
	pe.SetFastEnabled(true)
	pe.AddAllowedFast(4)
	p2 := s.MissingFastPiece(pe)
	require.NotNil(t, p2)
	assert.Equal(t, uint32(4), p2.Index)
	require.Len(t, maps, 3)
	assert.True(t, maps[2].Has(4))
	assert.Equal(t, uint32(1), maps[2].CountHave())
}

func TestGetPiece(t *testing.T) {
	s := newTestStorage(t, threeFiles, testConfig())
	assert.Nil(t, s.GetPiece(7))

	p := s.GetPiece(1)
	require.NotNil(t, p)
	assert.False(t, p.Complete())
	assert.Equal(t, 0, s.CountInFlightPiece())

	s.MarkPiecesDone(32)
	assert.True(t, s.GetPiece(1).Complete())

	p = s.CheckOutPiece(3)
	assert.Same(t, p, s.GetPiece(3))
}

func TestHaveAndInFlightAreExclusive(t *testing.T) {
	s := newTestStorage(t, threeFiles, testConfig())
	pe := seeder(s.PieceStorage)

	for i := 0; i < 3; i++ {
		p := s.MissingPiece(pe)
		require.NotNil(t, p)
		if i < 2 {
			s.writePiece(t, p)
			_, err := s.FinishPiece(p)
			require.NoError(t, err)
		}
	}
	require.NoError(t, s.SetBitfield([]byte{0xe0}))

	inFlight := make(map[uint32]bool)
	for _, p := range s.InFlightPieces() {
		inFlight[p.Index] = true
	}
	for i := uint32(0); i < s.NumPieces(); i++ {
		assert.False(t, s.HasPiece(i) && inFlight[i], "piece #%d", i)
	}
	assert.Equal(t, 0, s.CountInFlightPiece())
	assert.False(t, s.IsPieceUsed(2))
}
