// Package piecepool keeps the pieces that are partially downloaded.
package piecepool

import (
	"github.com/cenkalti/piecestorage/internal/piece"
	"github.com/google/btree"
)

// Fill rate thresholds in percent used while reducing the pool.
// Pieces with lower fill rate are evicted first.
const (
	firstFillRate = 10
	fillRateStep  = 10
)

type entry struct {
	index uint32
	piece *piece.Piece
}

var _ btree.Item = (*entry)(nil)

func (e *entry) Less(than btree.Item) bool {
	return e.index < than.(*entry).index
}

// Pool contains the pieces that are checked out or partially downloaded.
// Pieces are kept in checkout order and indexed by piece index.
// Pool owns the pieces, callers must not keep references after the piece is removed.
// Pool is not safe for concurrent use.
type Pool struct {
	// in checkout order
	pieces []*piece.Piece
	index  *btree.BTree
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{
		index: btree.New(2),
	}
}

// Len returns the number of pieces in the pool.
func (p *Pool) Len() int {
	return len(p.pieces)
}

// Add inserts pc at the end of the pool. Returns false if a piece with the same index is already in the pool.
func (p *Pool) Add(pc *piece.Piece) bool {
	e := &entry{index: pc.Index, piece: pc}
	if p.index.Has(e) {
		return false
	}
	p.index.ReplaceOrInsert(e)
	p.pieces = append(p.pieces, pc)
	return true
}

// Find returns the piece with index i or nil if it is not in the pool.
func (p *Pool) Find(i uint32) *piece.Piece {
	item := p.index.Get(&entry{index: i})
	if item == nil {
		return nil
	}
	return item.(*entry).piece
}

// Remove deletes the piece with the same index as pc. Returns false if there is no such piece.
func (p *Pool) Remove(pc *piece.Piece) bool {
	return p.RemoveIndex(pc.Index)
}

// RemoveIndex deletes the piece with index i. Returns false if there is no such piece.
func (p *Pool) RemoveIndex(i uint32) bool {
	if p.index.Delete(&entry{index: i}) == nil {
		return false
	}
	for j, pc := range p.pieces {
		if pc.Index == i {
			p.pieces = append(p.pieces[:j], p.pieces[j+1:]...)
			break
		}
	}
	return true
}

// Pieces returns the pieces in checkout order.
func (p *Pool) Pieces() []*piece.Piece {
	ret := make([]*piece.Piece, len(p.pieces))
	copy(ret, p.pieces)
	return ret
}

// Indexes returns the indexes of pieces in ascending order.
func (p *Pool) Indexes() []uint32 {
	ret := make([]uint32, 0, p.index.Len())
	p.index.Ascend(func(i btree.Item) bool {
		ret = append(ret, i.(*entry).index)
		return true
	})
	return ret
}

// CompletedLength returns the sum of completed bytes in pooled pieces.
func (p *Pool) CompletedLength() int64 {
	var total int64
	for _, pc := range p.pieces {
		total += int64(pc.CompletedLength())
	}
	return total
}

// Eviction is a piece removed from the pool by Reduce.
type Eviction struct {
	Piece     *piece.Piece
	FillRate  uint32
	Threshold uint32
}

// Reduce removes pieces until the pool contains at most max pieces.
// Pieces for which inUse returns true are never removed.
// Pieces are swept in checkout order with increasing fill rate thresholds,
// so that barely started pieces are removed before nearly finished ones.
//
// Usually the pool fits after the 40% sweep and pieces that are more than
// half downloaded are kept. Sweeps above 50% only run when the pool is still
// too large, and they throw away downloaded blocks of idle pieces to keep the
// pool within max.
func (p *Pool) Reduce(max int, inUse func(index uint32) bool) []Eviction {
	toDelete := len(p.pieces) - max
	if toDelete <= 0 {
		return nil
	}
	var evicted []Eviction
	for rate := uint32(firstFillRate); rate <= 100 && toDelete > 0; rate += fillRateStep {
		kept := p.pieces[:0]
		for _, pc := range p.pieces {
			if toDelete > 0 && !inUse(pc.Index) && pc.CountCompleteBlock()*100 <= pc.CountBlock()*rate {
				p.index.Delete(&entry{index: pc.Index})
				evicted = append(evicted, Eviction{Piece: pc, FillRate: pc.FillRate(), Threshold: rate})
				toDelete--
				continue
			}
			kept = append(kept, pc)
		}
		for i := len(kept); i < len(p.pieces); i++ {
			p.pieces[i] = nil
		}
		p.pieces = kept
	}
	return evicted
}
