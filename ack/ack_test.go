package ack

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/mztransport/packet"
)

func countOf(slots []packet.ID, id packet.ID) int {
	n := 0
	for _, v := range slots {
		if v == id {
			n++
		}
	}
	return n
}

func TestWindowWrapsModWindowSize(t *testing.T) {
	var w Window
	assert.Equal(t, WindowSize, w.Len())
	assert.Len(t, w.Snapshot(), WindowSize)

	for i := 1; i <= WindowSize; i++ {
		w.Push(packet.ID(i))
	}
	for i := 1; i <= WindowSize; i++ {
		assert.True(t, w.Contains(packet.ID(i)))
	}

	// the 33rd push overwrites slot 0, which held id 1
	w.Push(100)
	snap := w.Snapshot()
	assert.Equal(t, packet.ID(100), snap[0])
	assert.Equal(t, packet.ID(2), snap[1])
	assert.False(t, w.Contains(1))
	assert.True(t, w.Contains(100))
	assert.Len(t, snap, WindowSize)
}

func TestWindowSnapshotIsCopy(t *testing.T) {
	var w Window
	w.Push(7)
	snap := w.Snapshot()
	snap[0] = 9
	assert.True(t, w.Contains(7))
	assert.False(t, w.Contains(9))
}

func TestWindowNeverContainsZero(t *testing.T) {
	var w Window
	assert.False(t, w.Contains(0))
	w.Push(0)
	assert.False(t, w.Contains(0))
}

func TestSetMergeSameIDTwice(t *testing.T) {
	var s Set
	s.Merge([]packet.ID{5})
	s.Merge([]packet.ID{5})
	assert.Equal(t, 1, countOf(s.Slots(), 5))

	s.Merge([]packet.ID{5, 5, 5, 6})
	assert.Equal(t, 1, countOf(s.Slots(), 5))
	assert.Equal(t, 1, countOf(s.Slots(), 6))
}

func TestSetMergeSkipsZero(t *testing.T) {
	var s Set
	s.Merge(make([]packet.ID, packet.MaxAcks))
	assert.Equal(t, SetSize, countOf(s.Slots(), 0))
	assert.False(t, s.Contains(0))
}

func TestSetFillsFromTheEnd(t *testing.T) {
	var s Set
	s.Merge([]packet.ID{1, 2})
	slots := s.Slots()
	assert.Equal(t, packet.ID(1), slots[SetSize-1])
	assert.Equal(t, packet.ID(2), slots[SetSize-2])
}

func TestSetEvictsUnderPressure(t *testing.T) {
	var s Set
	ids := make([]packet.ID, 0, SetSize)
	for i := 1; i <= SetSize; i++ {
		ids = append(ids, packet.ID(i))
	}
	s.Merge(ids)
	for _, id := range ids {
		assert.True(t, s.Contains(id))
	}

	// full set: the synthetic indices 0..63 are popped from the end
	s.Merge([]packet.ID{1000})
	assert.True(t, s.Contains(1000))
	assert.Equal(t, packet.ID(1000), s.Slots()[SetSize-1])
	assert.False(t, s.Contains(1))
	assert.Equal(t, SetSize, s.Len())
}

func TestSetFullKeepsRepeatedWindow(t *testing.T) {
	var s Set
	for i := 1; i <= SetSize; i++ {
		s.Merge([]packet.ID{packet.ID(i)})
	}

	s.Merge([]packet.ID{100})
	s.Merge([]packet.ID{100, 101})
	assert.True(t, s.Contains(100))
	assert.True(t, s.Contains(101))
	assert.Equal(t, 1, countOf(s.Slots(), 100))

	s.Merge([]packet.ID{100, 101, 102})
	for _, id := range []packet.ID{100, 101, 102} {
		assert.True(t, s.Contains(id))
		assert.Equal(t, 1, countOf(s.Slots(), id))
	}
}

func TestSetMergeRepairsDuplicateSlots(t *testing.T) {
	var s Set
	s.slots[3] = 9
	s.slots[10] = 9
	s.Merge(nil)
	assert.Equal(t, 1, countOf(s.Slots(), 9))
	assert.Equal(t, packet.ID(9), s.slots[3])
}

func TestSetAlwaysSixtyFourSlots(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var s Set
	for round := 0; round < 500; round++ {
		batch := make([]packet.ID, rng.Intn(packet.MaxAcks+1))
		for i := range batch {
			batch[i] = packet.ID(rng.Intn(200))
		}
		s.Merge(batch)

		for _, id := range batch {
			if id != 0 {
				assert.True(t, s.Contains(id), "id %d of the latest merge missing in round %d", id, round)
			}
		}
		assert.Equal(t, SetSize, s.Len())
		assert.Len(t, s.Slots(), SetSize)

		seen := map[packet.ID]bool{}
		for _, v := range s.Slots() {
			if v == 0 {
				continue
			}
			assert.False(t, seen[v], "id %d stored twice after round %d", v, round)
			seen[v] = true
		}
	}
}
