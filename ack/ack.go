// Package ack implements the fixed-capacity identifier memories that replace
// sequence-number windows in the transfer protocol.
//
// A Window remembers the last WindowSize packet ids received from the peer.
// Its snapshot is attached to every outgoing packet, which tells the peer
// which of its own packets arrived (cross-echo acknowledgment).
//
// A Set remembers up to SetSize ids the peer has echoed back to us. An
// outstanding packet whose id is in the Set is acknowledged and is no longer
// retransmitted.
//
// Neither structure can tell "never seen" apart from "evicted"; correctness
// relies on round trips being short enough that the memories do not wrap
// before an id is acknowledged.
package ack

import (
	"github.com/opd-ai/mztransport/packet"
)

const (
	// WindowSize is the capacity of a Window and the length of every ack window.
	WindowSize = packet.MaxAcks
	// SetSize is the capacity of a Set.
	SetSize = 64
)

// Window is a circular buffer of the most recent ids. The zero value is an
// empty window.
type Window struct {
	ids [WindowSize]packet.ID
	cur uint8
}

// Push stores id at the rotating cursor, overwriting the oldest entry.
func (w *Window) Push(id packet.ID) {
	w.ids[w.cur] = id
	w.cur = (w.cur + 1) % WindowSize
}

// Contains reports whether id is currently remembered. Zero is never
// reported as remembered.
func (w *Window) Contains(id packet.ID) bool {
	if id == 0 {
		return false
	}
	for _, v := range w.ids {
		if v == id {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of all WindowSize slots in storage order, empty
// slots included.
func (w *Window) Snapshot() []packet.ID {
	out := make([]packet.ID, WindowSize)
	copy(out, w.ids[:])
	return out
}

// Len returns the fixed capacity of the window.
func (w *Window) Len() int {
	return len(w.ids)
}

// Set is a SetSize-slot membership memory with FIFO-biased eviction. The
// zero value is an empty set.
type Set struct {
	slots [SetSize]packet.ID
}

// Merge folds ids into the set.
//
// Existing slots are first de-duplicated in scan order. The free slot indices
// are then collected in order and padded with synthetic indices 0..missing
// so exactly SetSize candidates exist; each nonzero id takes the index popped
// from the end of that list. An id that is already present moves to the
// popped slot and its old slot is cleared, so every id of the most recent
// merge is a member afterwards and no id is stored twice.
func (s *Set) Merge(ids []packet.ID) {
	where := make(map[packet.ID]int, SetSize)
	for i, v := range s.slots {
		if v == 0 {
			continue
		}
		if _, dup := where[v]; dup {
			s.slots[i] = 0
			continue
		}
		where[v] = i
	}

	free := make([]int, 0, SetSize)
	for i, v := range s.slots {
		if v == 0 {
			free = append(free, i)
		}
	}
	for i := 0; len(free) < SetSize; i++ {
		free = append(free, i)
	}

	for _, id := range ids {
		if id == 0 {
			continue
		}
		if len(free) == 0 {
			return
		}
		pos := free[len(free)-1]
		free = free[:len(free)-1]

		if old := s.slots[pos]; old != 0 && old != id {
			delete(where, old)
		}
		if prev, ok := where[id]; ok && prev != pos {
			s.slots[prev] = 0
		}
		s.slots[pos] = id
		where[id] = pos
	}
}

// Contains reports whether id is in the set. Zero is never a member.
func (s *Set) Contains(id packet.ID) bool {
	if id == 0 {
		return false
	}
	for _, v := range s.slots {
		if v == id {
			return true
		}
	}
	return false
}

// Len returns the fixed number of slots, which never changes.
func (s *Set) Len() int {
	return len(s.slots)
}

// Slots returns a copy of the raw slots, zeros included.
func (s *Set) Slots() []packet.ID {
	out := make([]packet.ID, SetSize)
	copy(out, s.slots[:])
	return out
}
