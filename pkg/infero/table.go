package infero

import (
	"fmt"

	"k8s.io/examples/AI/infero/pkg/errdefs"
)

// HandleID identifies a handle in a Runtime. It packs a slot index with the slot's
// generation, so an id outlives neither a Delete nor a Finalise. The zero id is never
// issued.
type HandleID uint64

func newHandleID(index, generation uint32) HandleID {
	return HandleID(uint64(generation)<<32 | uint64(index))
}

func (id HandleID) index() uint32      { return uint32(id) }
func (id HandleID) generation() uint32 { return uint32(id >> 32) }

func (id HandleID) String() string {
	return fmt.Sprintf("handle(%d#%d)", id.index(), id.generation())
}

type slot struct {
	generation uint32
	handle     *Handle
}

// handleTable is not safe for concurrent use; Runtime guards it.
type handleTable struct {
	slots []slot
	free  []uint32
}

func (t *handleTable) add(h *Handle) HandleID {
	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}
	s := &t.slots[index]
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	s.handle = h
	return newHandleID(index, s.generation)
}

func (t *handleTable) get(id HandleID) (*Handle, error) {
	index := id.index()
	if int(index) >= len(t.slots) {
		return nil, errdefs.InvalidStatef("%v does not exist", id)
	}
	s := t.slots[index]
	if s.handle == nil || s.generation != id.generation() {
		return nil, errdefs.InvalidStatef("%v has been deleted", id)
	}
	return s.handle, nil
}

// remove frees the slot of id if it still holds h.
func (t *handleTable) remove(id HandleID, h *Handle) {
	index := id.index()
	if int(index) >= len(t.slots) {
		return
	}
	s := &t.slots[index]
	if s.handle != h || s.generation != id.generation() {
		return
	}
	s.handle = nil
	t.free = append(t.free, index)
}

// live returns the ids of every handle in the table.
func (t *handleTable) live() []HandleID {
	var ids []HandleID
	for i, s := range t.slots {
		if s.handle != nil {
			ids = append(ids, newHandleID(uint32(i), s.generation))
		}
	}
	return ids
}
