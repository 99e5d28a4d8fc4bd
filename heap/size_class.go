package heap

import (
	"math/bits"

	"github.com/dolthub/swiss"

	"github.com/halcyon-os/kmem/frame"
	"github.com/halcyon-os/kmem/internal/utils"
)

// MinObjectSize is the smallest size class. Requests below it are rounded up.
const MinObjectSize = 8

// sizeClass serves objects of one fixed size from a set of slab pages. Classes are powers of two, so
// any slot is naturally aligned to the class size. Each class carries its own lock; traffic on one
// class never contends with another.
type sizeClass struct {
	mutex utils.OptionalMutex

	size         int
	slotsPerPage int

	pages       *swiss.Map[frame.PhysAddr, *slabPage]
	partialHead *slabPage
	liveObjects int
}

func newSizeClass(size, slotsPerPage int, useMutex bool) *sizeClass {
	return &sizeClass{
		mutex:        utils.OptionalMutex{UseMutex: useMutex},
		size:         size,
		slotsPerPage: slotsPerPage,
		pages:        swiss.NewMap[frame.PhysAddr, *slabPage](8),
	}
}

// classIndexForSize maps a byte count to the index of the smallest class that can hold it, assuming
// class sizes double starting at MinObjectSize. Callers bound-check against the class table.
func classIndexForSize(size int) int {
	if size <= MinObjectSize {
		return 0
	}
	return bits.Len(uint(size-1)) - bits.Len(uint(MinObjectSize-1))
}

func (c *sizeClass) pushPartial(page *slabPage) {
	page.prevPartial = nil
	page.nextPartial = c.partialHead
	if c.partialHead != nil {
		c.partialHead.prevPartial = page
	}
	c.partialHead = page
	page.onPartial = true
}

func (c *sizeClass) removePartial(page *slabPage) {
	if page.nextPartial != nil {
		page.nextPartial.prevPartial = page.prevPartial
	}
	if page.prevPartial != nil {
		page.prevPartial.nextPartial = page.nextPartial
	} else {
		c.partialHead = page.nextPartial
	}

	page.prevPartial = nil
	page.nextPartial = nil
	page.onPartial = false
}
