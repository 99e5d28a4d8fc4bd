package heap

import (
	"log/slog"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"

	"github.com/halcyon-os/kmem/frame"
	"github.com/halcyon-os/kmem/memutils"
)

// Config controls the construction of a heap Allocator.
type Config struct {
	// PagesPerSlab is the number of frames backing each slab page. It must be a power of two; 1 is
	// used when zero.
	PagesPerSlab int
	// UseMutex guards each size class with its own mutex. Leave it off for single-threaded
	// bootstrap use.
	UseMutex bool
	// RetainEmptySlabs keeps fully empty slab pages cached on their size class instead of returning
	// them to the frame allocator.
	RetainEmptySlabs bool
	// Logger receives debug output. slog.Default() is used when nil.
	Logger *slog.Logger
}

// Allocator is a slab allocator serving general-purpose heap requests. Objects up to half a slab page
// are served from power-of-two size classes; larger requests bypass the slab machinery and become
// whole-frame allocations.
//
// Backing memory comes exclusively from the frame allocator, one slab page at a time, requested
// lazily when a class runs out of free slots. OutOfMemory from the frame allocator is propagated
// unchanged; there is no reclamation beyond optionally returning empty slab pages.
type Allocator struct {
	logger *slog.Logger
	frames *frame.Allocator

	slabSize         int
	slabOrder        int
	maxClassSize     int
	retainEmptySlabs bool

	classes []*sizeClass
}

// NewAllocator builds a heap Allocator on top of the provided frame allocator.
func NewAllocator(frames *frame.Allocator, config Config) (*Allocator, error) {
	pagesPerSlab := config.PagesPerSlab
	if pagesPerSlab == 0 {
		pagesPerSlab = 1
	}
	err := memutils.CheckPow2(uint(pagesPerSlab), "config.PagesPerSlab")
	if err != nil {
		return nil, err
	}

	slabSize := frames.FrameSize() * pagesPerSlab
	slabOrder := frames.OrderForBytes(slabSize)
	if slabOrder > frames.MaxOrder() {
		return nil, errors.Errorf("a slab page of %d frames exceeds the frame allocator's largest order %d", pagesPerSlab, frames.MaxOrder())
	}
	if slabSize/2 < MinObjectSize {
		return nil, errors.Errorf("slab pages of %d bytes are too small to hold any size class", slabSize)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Allocator{
		logger: logger,
		frames: frames,

		slabSize:         slabSize,
		slabOrder:        slabOrder,
		maxClassSize:     slabSize / 2,
		retainEmptySlabs: config.RetainEmptySlabs,
	}

	for size := MinObjectSize; size <= a.maxClassSize; size *= 2 {
		a.classes = append(a.classes, newSizeClass(size, slabSize/size, config.UseMutex))
	}

	return a, nil
}

// SlabSize returns the size in bytes of one slab page.
func (a *Allocator) SlabSize() int { return a.slabSize }

// MaxClassSize returns the largest object size served from a size class. Larger requests are served
// directly by the frame allocator.
func (a *Allocator) MaxClassSize() int { return a.maxClassSize }

// classFor returns the class serving max(size, align) bytes, or nil when the request must go to the
// frame allocator directly.
func (a *Allocator) classFor(size, align int) *sizeClass {
	need := size
	if align > need {
		need = align
	}
	if need > a.maxClassSize {
		return nil
	}
	return a.classes[classIndexForSize(need)]
}

// Allocate returns the address of at least size bytes satisfying align, taken from the smallest size
// class that can hold the request. It fails with memutils.OutOfMemoryError when the class needs a new
// slab page and the frame allocator cannot supply one.
//
// align must be a power of two; zero means no alignment requirement.
func (a *Allocator) Allocate(size, align int) (frame.PhysAddr, error) {
	if size <= 0 {
		return 0, errors.Errorf("allocation size must be positive, not %d", size)
	}
	if align > 1 {
		err := memutils.CheckPow2(uint(align), "align")
		if err != nil {
			return 0, err
		}
	}

	class := a.classFor(size, align)
	if class == nil {
		return a.allocateLarge(size, align)
	}

	class.mutex.Lock()
	defer class.mutex.Unlock()
	classValidate := memutils.ValidateFunc(func() error {
		return validateClassLocked(class, a.slabSize)
	})
	memutils.DebugValidate(classValidate)
	defer memutils.DebugValidate(classValidate)

	page := class.partialHead
	if page == nil {
		base, err := a.frames.AllocFrames(a.slabOrder)
		if err != nil {
			return 0, cerrors.Wrapf(err, "growing the %d-byte size class", class.size)
		}

		page = newSlabPage(base, class.slotsPerPage)
		class.pages.Put(base, page)
		class.pushPartial(page)

		a.logger.Debug("slab page created",
			slog.Int("classSize", class.size),
			slog.String("page", base.String()),
			slog.Int("slots", class.slotsPerPage))
	}

	slot := page.popSlot()
	if page.full() {
		class.removePartial(page)
	}
	class.liveObjects++

	return page.base + frame.PhysAddr(slot*class.size), nil
}

// Free returns an object to its class's free-slot list. The caller must pass the same size and align
// values used at allocation; a mismatch routes the free to the wrong class and fails with
// memutils.InvalidFreeError, as does any address that is not a live object.
func (a *Allocator) Free(addr frame.PhysAddr, size, align int) error {
	if size <= 0 {
		return errors.Errorf("allocation size must be positive, not %d", size)
	}
	if align > 1 {
		err := memutils.CheckPow2(uint(align), "align")
		if err != nil {
			return err
		}
	}

	class := a.classFor(size, align)
	if class == nil {
		return a.freeLarge(addr, size, align)
	}

	class.mutex.Lock()
	defer class.mutex.Unlock()
	classValidate := memutils.ValidateFunc(func() error {
		return validateClassLocked(class, a.slabSize)
	})
	memutils.DebugValidate(classValidate)
	defer memutils.DebugValidate(classValidate)

	pageBase := addr &^ frame.PhysAddr(a.slabSize-1)
	page, ok := class.pages.Get(pageBase)
	if !ok {
		return cerrors.Wrapf(memutils.InvalidFreeError, "no slab page of the %d-byte class holds %s", class.size, addr)
	}

	offset := int(addr - pageBase)
	if offset%class.size != 0 {
		return cerrors.Wrapf(memutils.InvalidFreeError, "address %s does not sit on a %d-byte slot boundary", addr, class.size)
	}

	slot := offset / class.size
	if !page.slotLive(slot) {
		return cerrors.Wrapf(memutils.InvalidFreeError, "slot %d of slab page %s is already free", slot, pageBase)
	}

	wasFull := page.full()
	page.pushSlot(slot)
	class.liveObjects--

	if wasFull {
		class.pushPartial(page)
	}

	if page.empty() && !a.retainEmptySlabs {
		class.removePartial(page)
		class.pages.Delete(pageBase)

		err := a.frames.FreeFrames(pageBase, a.slabOrder)
		if err != nil {
			return cerrors.Wrapf(err, "returning the empty slab page at %s", pageBase)
		}

		a.logger.Debug("empty slab page reclaimed",
			slog.Int("classSize", class.size),
			slog.String("page", pageBase.String()))
	}

	return nil
}

// allocateLarge serves requests above the largest size class as whole-frame allocations, rounded up
// to the nearest order. Order-k blocks are aligned to their own size, so any power-of-two alignment
// up to the block size is satisfied for free.
func (a *Allocator) allocateLarge(size, align int) (frame.PhysAddr, error) {
	need := size
	if align > need {
		need = align
	}

	addr, err := a.frames.AllocFrames(a.frames.OrderForBytes(need))
	if err != nil {
		return 0, cerrors.Wrapf(err, "large allocation of %d bytes", size)
	}
	return addr, nil
}

func (a *Allocator) freeLarge(addr frame.PhysAddr, size, align int) error {
	need := size
	if align > need {
		need = align
	}
	return a.frames.FreeFrames(addr, a.frames.OrderForBytes(need))
}

// Clear instantly frees all slab-served allocations, returning every slab page to the frame
// allocator. Large allocations are not tracked by the heap and are unaffected.
func (a *Allocator) Clear() error {
	for _, class := range a.classes {
		class.mutex.Lock()

		var bases []frame.PhysAddr
		class.pages.Iter(func(base frame.PhysAddr, page *slabPage) bool {
			bases = append(bases, base)
			return false
		})

		for _, base := range bases {
			err := a.frames.FreeFrames(base, a.slabOrder)
			if err != nil {
				class.mutex.Unlock()
				return cerrors.Wrapf(err, "returning the slab page at %s", base)
			}
		}

		class.pages = swiss.NewMap[frame.PhysAddr, *slabPage](8)
		class.partialHead = nil
		class.liveObjects = 0

		class.mutex.Unlock()
	}
	return nil
}

// Validate performs internal consistency checks on every size class. When the allocator is
// functioning correctly, it should not be possible for this method to return an error.
func (a *Allocator) Validate() error {
	for _, class := range a.classes {
		err := validateClass(class, a.slabSize)
		if err != nil {
			return err
		}
	}
	return nil
}

func validateClass(class *sizeClass, slabSize int) error {
	class.mutex.Lock()
	defer class.mutex.Unlock()
	return validateClassLocked(class, slabSize)
}

func validateClassLocked(class *sizeClass, slabSize int) error {
	for page := class.partialHead; page != nil; page = page.nextPartial {
		if !page.onPartial {
			return errors.Errorf("slab page %s is on the %d-byte class's partial list but is not marked partial", page.base, class.size)
		}
		if page.nextPartial != nil && page.nextPartial.prevPartial != page {
			return errors.Errorf("slab page %s lists %s as its next partial page, but the reverse reference is broken", page.base, page.nextPartial.base)
		}

		mapped, ok := class.pages.Get(page.base)
		if !ok || mapped != page {
			return errors.Errorf("slab page %s is on the %d-byte class's partial list but not in its page map", page.base, class.size)
		}
	}

	liveTotal := 0
	var iterErr error
	class.pages.Iter(func(base frame.PhysAddr, page *slabPage) bool {
		if page.base != base {
			iterErr = errors.Errorf("slab page %s is keyed at %s in the %d-byte class's page map", page.base, base, class.size)
			return true
		}
		if uint64(base)%uint64(slabSize) != 0 {
			iterErr = errors.Errorf("slab page %s is not aligned to the slab size", base)
			return true
		}
		if len(page.freeSlots)+page.liveCount != class.slotsPerPage {
			iterErr = errors.Errorf("slab page %s holds %d free and %d live slots, but the %d-byte class has %d slots per page",
				base, len(page.freeSlots), page.liveCount, class.size, class.slotsPerPage)
			return true
		}
		if usedCount(page) != page.liveCount {
			iterErr = errors.Errorf("slab page %s records %d live slots but its slot bitmap disagrees", base, page.liveCount)
			return true
		}
		if (len(page.freeSlots) > 0) != page.onPartial {
			iterErr = errors.Errorf("slab page %s has %d free slots but its partial-list membership disagrees", base, len(page.freeSlots))
			return true
		}

		liveTotal += page.liveCount
		return false
	})
	if iterErr != nil {
		return iterErr
	}

	if liveTotal != class.liveObjects {
		return errors.Errorf("the %d-byte class records %d live objects, but its pages only added up to %d", class.size, class.liveObjects, liveTotal)
	}

	return nil
}

func usedCount(page *slabPage) int {
	count := 0
	for slot := 0; slot < len(page.usedBits)*64; slot++ {
		if page.slotLive(slot) {
			count++
		}
	}
	return count
}

// AddStatistics sums every size class's accounting into the statistics currently present in the
// provided memutils.Statistics object. Large allocations are accounted by the frame allocator.
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	for _, class := range a.classes {
		class.mutex.Lock()

		stats.BlockCount += class.pages.Count()
		stats.BlockBytes += class.pages.Count() * a.slabSize
		stats.AllocationCount += class.liveObjects
		stats.AllocationBytes += class.liveObjects * class.size

		class.mutex.Unlock()
	}
}

// AddDetailedStatistics sums every size class's accounting, live objects, and free slots into the
// statistics currently present in the provided memutils.DetailedStatistics object.
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, class := range a.classes {
		class.mutex.Lock()

		class.pages.Iter(func(base frame.PhysAddr, page *slabPage) bool {
			stats.BlockCount++
			stats.BlockBytes += a.slabSize

			for i := 0; i < page.liveCount; i++ {
				stats.AddAllocation(class.size)
			}
			for i := 0; i < len(page.freeSlots); i++ {
				stats.AddUnusedRange(class.size)
			}
			return false
		})

		class.mutex.Unlock()
	}
}

// PrintDetailedMap populates a json object with the allocator's current state.
func (a *Allocator) PrintDetailedMap(json jwriter.ObjectState) {
	json.Name("SlabSize").Int(a.slabSize)
	json.Name("MaxClassSize").Int(a.maxClassSize)

	classes := json.Name("Classes").Array()
	for _, class := range a.classes {
		class.mutex.Lock()

		freeSlots := 0
		class.pages.Iter(func(base frame.PhysAddr, page *slabPage) bool {
			freeSlots += len(page.freeSlots)
			return false
		})

		o := classes.Object()
		o.Name("ClassSize").Int(class.size)
		o.Name("SlotsPerPage").Int(class.slotsPerPage)
		o.Name("Pages").Int(class.pages.Count())
		o.Name("LiveObjects").Int(class.liveObjects)
		o.Name("FreeSlots").Int(freeSlots)
		o.End()

		class.mutex.Unlock()
	}
	classes.End()
}
