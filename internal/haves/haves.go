// Package haves keeps the pieces completed recently so that they can be advertised to peers.
package haves

import (
	"time"
)

// Entry is a completed piece waiting to be advertised.
type Entry struct {
	// ID of the peer session that downloaded the piece. Empty for local events.
	OriginID     string
	Index        uint32
	RegisteredAt time.Time
}

// List is an advertisement list ordered by registration time.
// List is not safe for concurrent use.
type List struct {
	// oldest first, new entries are appended
	entries []Entry
	now     func() time.Time
}

// New returns an empty List. If now is nil, time.Now is used for timestamps.
func New(now func() time.Time) *List {
	if now == nil {
		now = time.Now
	}
	return &List{now: now}
}

// Len returns the number of entries in the list.
func (l *List) Len() int {
	return len(l.entries)
}

// Advertise registers piece index completed by originID with the current time.
func (l *List) Advertise(originID string, index uint32) {
	l.entries = append(l.entries, Entry{
		OriginID:     originID,
		Index:        index,
		RegisteredAt: l.now(),
	})
}

// Since returns the indexes registered at or after since, newest first.
// Entries originated from excludeID are skipped.
func (l *List) Since(excludeID string, since time.Time) []uint32 {
	var ret []uint32
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.RegisteredAt.Before(since) {
			break
		}
		if e.OriginID == excludeID {
			continue
		}
		ret = append(ret, e.Index)
	}
	return ret
}

// Prune removes the entries that are registered maxAge ago or earlier and returns the number of removed entries.
func (l *List) Prune(maxAge time.Duration) int {
	now := l.now()
	n := 0
	for n < len(l.entries) && now.Sub(l.entries[n].RegisteredAt) >= maxAge {
		n++
	}
	if n == 0 {
		return 0
	}
	l.entries = append(l.entries[:0], l.entries[n:]...)
	return n
}

// Entries returns the entries newest first.
func (l *List) Entries() []Entry {
	ret := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		ret[len(ret)-1-i] = e
	}
	return ret
}
