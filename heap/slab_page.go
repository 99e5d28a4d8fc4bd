package heap

import (
	"github.com/halcyon-os/kmem/frame"
)

// slabPage is one block of frames obtained from the frame allocator and partitioned into equal-size
// slots of a single size class. Slot state lives entirely in this structure; the managed memory holds
// no free-list linkage and is never touched.
type slabPage struct {
	base frame.PhysAddr

	// freeSlots is a LIFO stack of free slot indices. Freed slots are reused first, which favors
	// cache locality in the consumer.
	freeSlots []uint32
	usedBits  []uint64
	liveCount int

	onPartial   bool
	prevPartial *slabPage
	nextPartial *slabPage
}

func newSlabPage(base frame.PhysAddr, slotCount int) *slabPage {
	page := &slabPage{
		base:      base,
		freeSlots: make([]uint32, 0, slotCount),
		usedBits:  make([]uint64, (slotCount+63)/64),
	}

	// Pushed in reverse so the lowest slot pops first.
	for slot := slotCount - 1; slot >= 0; slot-- {
		page.freeSlots = append(page.freeSlots, uint32(slot))
	}
	return page
}

func (p *slabPage) popSlot() int {
	n := len(p.freeSlots) - 1
	slot := int(p.freeSlots[n])
	p.freeSlots = p.freeSlots[:n]

	p.usedBits[slot/64] |= 1 << (slot % 64)
	p.liveCount++
	return slot
}

func (p *slabPage) pushSlot(slot int) {
	p.usedBits[slot/64] &^= 1 << (slot % 64)
	p.liveCount--
	p.freeSlots = append(p.freeSlots, uint32(slot))
}

func (p *slabPage) slotLive(slot int) bool {
	return p.usedBits[slot/64]&(1<<(slot%64)) != 0
}

func (p *slabPage) full() bool {
	return len(p.freeSlots) == 0
}

func (p *slabPage) empty() bool {
	return p.liveCount == 0
}
