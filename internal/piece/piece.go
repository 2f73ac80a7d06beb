// Package piece contains the block completion tracker of a single piece.
package piece

import (
	"errors"

	"github.com/cenkalti/piecestorage/internal/bitfield"
)

// BlockSize is the default length of a block.
const BlockSize = 16 * 1024

var (
	// ErrBlockInvalid is returned from Piece.WriteBlock when begin and length do not match a block.
	ErrBlockInvalid = errors.New("block is invalid")
	// ErrBitfieldLength is returned when a block bitfield does not match the number of blocks.
	ErrBitfieldLength = errors.New("invalid block bitfield length")
)

// Piece tracks which blocks of a piece are complete and accumulates their bytes.
// Piece is not safe for concurrent use.
type Piece struct {
	Index       uint32 // index in torrent
	Length      uint32 // equal to piece length of torrent except last piece.
	BlockLength uint32 // equal to BlockSize unless piece is smaller.

	// Data holds the bytes of blocks. It is allocated on first write.
	Data []byte

	done     *bitfield.Bitfield // completed blocks
	buffered *bitfield.Bitfield // completed blocks that have their bytes in Data
}

// New returns a Piece with no completed blocks.
func New(index, length, blockLength uint32) *Piece {
	if blockLength == 0 || blockLength > length {
		blockLength = length
	}
	p := &Piece{
		Index:       index,
		Length:      length,
		BlockLength: blockLength,
	}
	n := p.CountBlock()
	p.done = bitfield.New(n)
	p.buffered = bitfield.New(n)
	return p
}

// CountBlock returns the number of blocks in the piece.
func (p *Piece) CountBlock() uint32 {
	if p.BlockLength == 0 {
		return 0
	}
	div, mod := p.Length/p.BlockLength, p.Length%p.BlockLength
	if mod != 0 {
		div++
	}
	return div
}

// GetBlock returns the block at index i.
func (p *Piece) GetBlock(i uint32) (b Block, ok bool) {
	n := p.CountBlock()
	if i >= n {
		return
	}
	b = Block{
		Index:  i,
		Begin:  i * p.BlockLength,
		Length: p.BlockLength,
	}
	if i == n-1 {
		b.Length = p.Length - b.Begin
	}
	return b, true
}

// FindBlock returns the block that starts at begin and has the given length.
func (p *Piece) FindBlock(begin, length uint32) (b Block, ok bool) {
	if p.BlockLength == 0 || begin%p.BlockLength != 0 {
		return
	}
	b, ok = p.GetBlock(begin / p.BlockLength)
	if !ok || b.Length != length {
		return Block{}, false
	}
	return b, true
}

// CompleteBlock marks the block at index i as complete without touching Data.
// It is used when the bytes of the block are already in the storage.
// Returns false if the block was already complete or i is out of range.
func (p *Piece) CompleteBlock(i uint32) bool {
	if i >= p.done.Len() || p.done.Test(i) {
		return false
	}
	p.done.Set(i)
	return true
}

// WriteBlock copies data into the buffer at begin and marks the block complete.
// Writing a block that is already complete does not change the buffer.
// Returns true if the block is newly completed.
func (p *Piece) WriteBlock(begin uint32, data []byte) (bool, error) {
	b, ok := p.FindBlock(begin, uint32(len(data)))
	if !ok {
		return false, ErrBlockInvalid
	}
	if p.done.Test(b.Index) {
		return false, nil
	}
	if p.Data == nil {
		p.Data = make([]byte, p.Length)
	}
	copy(p.Data[b.Begin:b.Begin+b.Length], data)
	p.done.Set(b.Index)
	p.buffered.Set(b.Index)
	return true, nil
}

// IsBlockComplete returns true if the block at index i is complete.
func (p *Piece) IsBlockComplete(i uint32) bool {
	return i < p.done.Len() && p.done.Test(i)
}

// IsBlockBuffered returns true if the bytes of block i are present in Data.
func (p *Piece) IsBlockBuffered(i uint32) bool {
	return i < p.buffered.Len() && p.buffered.Test(i)
}

// IsRangeComplete returns true if every block overlapping [offset, offset+length) is complete.
func (p *Piece) IsRangeComplete(offset, length uint32) bool {
	if length == 0 {
		return true
	}
	if offset >= p.Length {
		return false
	}
	end := offset + length - 1
	if end >= p.Length {
		end = p.Length - 1
	}
	for i := offset / p.BlockLength; i <= end/p.BlockLength; i++ {
		if !p.done.Test(i) {
			return false
		}
	}
	return true
}

// CountCompleteBlock returns the number of completed blocks.
func (p *Piece) CountCompleteBlock() uint32 {
	return p.done.Count()
}

// CompletedLength returns the number of bytes in completed blocks.
func (p *Piece) CompletedLength() uint32 {
	n := p.done.Count()
	if n == 0 {
		return 0
	}
	total := n * p.BlockLength
	last := p.CountBlock() - 1
	if p.done.Test(last) {
		// last block may be shorter
		total -= p.BlockLength
		total += p.Length - last*p.BlockLength
	}
	return total
}

// FillRate returns the percentage of completed blocks.
func (p *Piece) FillRate() uint32 {
	n := p.CountBlock()
	if n == 0 {
		return 100
	}
	return p.done.Count() * 100 / n
}

// Complete returns true if all blocks are complete.
func (p *Piece) Complete() bool {
	return p.done.All()
}

// SetAllBlocks marks all blocks complete.
func (p *Piece) SetAllBlocks() {
	p.done.SetAll()
}

// Reset clears all blocks and drops the buffer.
func (p *Piece) Reset() {
	p.done.ClearAll()
	p.buffered.ClearAll()
	p.Data = nil
}

// MissingBlocks returns the blocks that are not complete yet, in ascending order.
func (p *Piece) MissingBlocks() []Block {
	var blocks []Block
	for i := uint32(0); i < p.done.Len(); i++ {
		if p.done.Test(i) {
			continue
		}
		b, _ := p.GetBlock(i)
		blocks = append(blocks, b)
	}
	return blocks
}

// BlockBitfield returns a copy of the completion bits of the blocks.
func (p *Piece) BlockBitfield() []byte {
	return p.done.Copy().Bytes()
}

// SetBlockBitfield replaces the completion bits with b.
// Completed blocks from b are treated as not buffered.
func (p *Piece) SetBlockBitfield(b []byte) error {
	if len(b) != bitfield.NumBytes(p.done.Len()) {
		return ErrBitfieldLength
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	p.done = bitfield.NewBytes(buf, p.done.Len())
	p.buffered.ClearAll()
	return nil
}
