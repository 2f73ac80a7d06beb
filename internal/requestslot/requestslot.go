// Package requestslot tracks the block requests sent to a peer.
package requestslot

import (
	"time"
)

// Slot is a block request that is sent to a peer and waiting for a response.
type Slot struct {
	Index        uint32
	Begin        uint32
	Length       uint32
	BlockIndex   uint32
	DispatchedAt time.Time
}

// Equal reports whether s and o refer to the same block request. Dispatch time and block index are not compared.
func (s Slot) Equal(o Slot) bool {
	return s.Index == o.Index && s.Begin == o.Begin && s.Length == o.Length
}

// IsTimeout returns true if the request is waiting for longer than timeout at now.
func (s Slot) IsTimeout(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.DispatchedAt) >= timeout
}

// Latency returns the time passed since the request is dispatched.
func (s Slot) Latency(now time.Time) time.Duration {
	return now.Sub(s.DispatchedAt)
}

// Tracker keeps the outstanding requests of a single peer in dispatch order.
// Tracker is not safe for concurrent use.
type Tracker struct {
	slots []Slot
	now   func() time.Time
}

// New returns a new Tracker. If now is nil, time.Now is used for timestamps.
func New(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Now returns the current time from the Tracker's clock.
func (t *Tracker) Now() time.Time {
	return t.now()
}

// Dispatch records a new request with the current time.
// If the same request is already outstanding, it is returned without modification.
func (t *Tracker) Dispatch(index, begin, length, blockIndex uint32) Slot {
	if s, ok := t.Match(index, begin, length); ok {
		return s
	}
	s := Slot{
		Index:        index,
		Begin:        begin,
		Length:       length,
		BlockIndex:   blockIndex,
		DispatchedAt: t.now(),
	}
	t.slots = append(t.slots, s)
	return s
}

// Match returns the outstanding request for the block.
func (t *Tracker) Match(index, begin, length uint32) (Slot, bool) {
	key := Slot{Index: index, Begin: begin, Length: length}
	for _, s := range t.slots {
		if s.Equal(key) {
			return s, true
		}
	}
	return Slot{}, false
}

// Remove deletes the request equal to s. Returns false if there is no such request.
func (t *Tracker) Remove(s Slot) bool {
	for i := range t.slots {
		if t.slots[i].Equal(s) {
			t.slots = append(t.slots[:i], t.slots[i+1:]...)
			return true
		}
	}
	return false
}

// TimedOut returns the requests that are waiting for longer than timeout. Requests are not removed.
func (t *Tracker) TimedOut(timeout time.Duration) []Slot {
	now := t.now()
	var ret []Slot
	for _, s := range t.slots {
		if s.IsTimeout(now, timeout) {
			ret = append(ret, s)
		}
	}
	return ret
}

// RemovePiece deletes all requests for the piece and returns them.
func (t *Tracker) RemovePiece(index uint32) []Slot {
	var removed []Slot
	kept := t.slots[:0]
	for _, s := range t.slots {
		if s.Index == index {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	t.slots = kept
	return removed
}

// CountPiece returns the number of outstanding requests for the piece.
func (t *Tracker) CountPiece(index uint32) int {
	var n int
	for _, s := range t.slots {
		if s.Index == index {
			n++
		}
	}
	return n
}

// CancelAll deletes all requests and returns them.
func (t *Tracker) CancelAll() []Slot {
	ret := t.slots
	t.slots = nil
	return ret
}

// Len returns the number of outstanding requests.
func (t *Tracker) Len() int {
	return len(t.slots)
}

// Slots returns the outstanding requests in dispatch order.
func (t *Tracker) Slots() []Slot {
	ret := make([]Slot, len(t.slots))
	copy(ret, t.slots)
	return ret
}
