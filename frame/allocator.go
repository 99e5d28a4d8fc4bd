package frame

import (
	"log/slog"
	"math/bits"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"

	"github.com/halcyon-os/kmem/internal/utils"
	"github.com/halcyon-os/kmem/memutils"
)

// DefaultFrameSize is the frame size used when Config.FrameSize is zero.
const DefaultFrameSize = 4096

// Config controls the construction of a frame Allocator.
type Config struct {
	// FrameSize is the size in bytes of a single frame, the allocator's base granularity. It must be
	// a power of two. DefaultFrameSize is used when zero.
	FrameSize int
	// MaxOrder caps the largest block order the allocator will form. When zero, the cap is derived
	// from the managed range, so coalescing can rebuild a block spanning the whole range.
	MaxOrder int
	// UseMutex guards the allocator state with a mutex so it can be shared between goroutines. Leave
	// it off for single-threaded bootstrap use.
	UseMutex bool
	// Logger receives debug output. slog.Default() is used when nil.
	Logger *slog.Logger
}

var freeBlockAllocator = sync.Pool{
	New: func() any {
		return &freeBlock{}
	},
}

// freeBlock is one node of a per-order free list. Nodes live on the Go heap and are keyed by frame
// index; the managed memory itself is never written to.
type freeBlock struct {
	index uint64
	order int

	prevFree *freeBlock
	nextFree *freeBlock
}

// Allocator is a buddy allocator over a range of physical memory frames. It is built once at boot from
// the bootloader's memory map and lives for the kernel's lifetime.
//
// Blocks are power-of-two runs of frames identified by their order k (2^k frames). Allocation splits
// larger free blocks down to the requested order; deallocation merges a block with its buddy - the
// same-order block at index XOR 2^k - for as long as the buddy is free.
//
// Every frame is in exactly one of three states: reserved (never allocatable), free (owned by exactly
// one free-list block), or allocated (owned by exactly one live allocation). The allocation bitmap and
// the live-allocation registry track the latter two so frees can be validated without dereferencing
// the memory being managed.
type Allocator struct {
	mutex  utils.OptionalMutex
	logger *slog.Logger

	frameSize  uint64
	frameShift uint
	frameCount uint64
	maxOrder   int

	freeLists     []*freeBlock
	freeOrderMask uint64
	freeByIndex   *swiss.Map[uint64, *freeBlock]
	allocations   *swiss.Map[uint64, int]

	allocBits    frameBitmap
	reservedBits frameBitmap

	usableFrames uint64
	freeFrames   uint64
	allocCount   int
}

// NewAllocator builds a frame Allocator over the usable portions of the provided memory map. Regions
// that are not RegionUsable, memory below LowMemoryLimit, and partial frames at region edges are
// permanently reserved and never enter a free list.
func NewAllocator(memoryMap []Region, config Config) (*Allocator, error) {
	frameSize := uint64(config.FrameSize)
	if frameSize == 0 {
		frameSize = DefaultFrameSize
	}
	err := memutils.CheckPow2(frameSize, "config.FrameSize")
	if err != nil {
		return nil, err
	}

	spans := usableSpans(memoryMap, frameSize)
	if len(spans) == 0 {
		return nil, errors.New("memory map contains no usable frames")
	}

	frameCount := spans[len(spans)-1].end
	maxOrder := bits.Len64(frameCount - 1)
	if config.MaxOrder > 0 && config.MaxOrder < maxOrder {
		maxOrder = config.MaxOrder
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Allocator{
		mutex:  utils.OptionalMutex{UseMutex: config.UseMutex},
		logger: logger,

		frameSize:  frameSize,
		frameShift: uint(bits.TrailingZeros64(frameSize)),
		frameCount: frameCount,
		maxOrder:   maxOrder,

		freeLists:   make([]*freeBlock, maxOrder+1),
		freeByIndex: swiss.NewMap[uint64, *freeBlock](64),
		allocations: swiss.NewMap[uint64, int](64),

		allocBits:    newFrameBitmap(frameCount, true),
		reservedBits: newFrameBitmap(frameCount, true),
	}

	for _, span := range spans {
		a.reservedBits.clearRange(span.start, span.frames())
		a.releaseSpan(span)
		a.usableFrames += span.frames()
	}

	logger.Debug("physical frame pool initialized",
		slog.Uint64("usableFrames", a.usableFrames),
		slog.Uint64("reservedFrames", frameCount-a.usableFrames),
		slog.Int("maxOrder", maxOrder),
		slog.Uint64("frameSize", frameSize))

	return a, nil
}

// releaseSpan carves a span of usable frames into maximal naturally-aligned blocks and places them in
// the free lists.
func (a *Allocator) releaseSpan(span frameSpan) {
	index := span.start
	for index < span.end {
		order := a.maxOrder
		if index != 0 && bits.TrailingZeros64(index) < order {
			order = bits.TrailingZeros64(index)
		}
		for order > 0 && index+uint64(1)<<uint(order) > span.end {
			order--
		}

		a.insertFreeBlock(index, order)
		count := uint64(1) << uint(order)
		a.allocBits.clearRange(index, count)
		a.freeFrames += count
		index += count
	}
}

func (a *Allocator) insertFreeBlock(index uint64, order int) {
	block := freeBlockAllocator.Get().(*freeBlock)
	block.index = index
	block.order = order
	block.prevFree = nil
	block.nextFree = a.freeLists[order]
	if block.nextFree != nil {
		block.nextFree.prevFree = block
	}

	a.freeLists[order] = block
	a.freeOrderMask |= uint64(1) << uint(order)
	a.freeByIndex.Put(index, block)
}

func (a *Allocator) removeFreeBlock(block *freeBlock) {
	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}
	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		a.freeLists[block.order] = block.nextFree
		if block.nextFree == nil {
			a.freeOrderMask &^= uint64(1) << uint(block.order)
		}
	}

	a.freeByIndex.Delete(block.index)
	block.prevFree = nil
	block.nextFree = nil
	freeBlockAllocator.Put(block)
}

// AllocFrames hands out a frame-aligned block of 2^order contiguous frames and returns its physical
// address. It fails with memutils.OutOfMemoryError when no free block of the requested order or larger
// exists, or when the order exceeds the largest supported order.
func (a *Allocator) AllocFrames(order int) (PhysAddr, error) {
	if order < 0 {
		return 0, errors.Errorf("order must be non-negative, not %d", order)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()
	memutils.DebugValidate(memutils.ValidateFunc(a.validate))

	if order > a.maxOrder {
		return 0, cerrors.Wrapf(memutils.OutOfMemoryError, "order %d exceeds the largest supported order %d", order, a.maxOrder)
	}

	mask := a.freeOrderMask >> uint(order)
	if mask == 0 {
		return 0, cerrors.Wrapf(memutils.OutOfMemoryError, "no free block of order %d or larger", order)
	}
	foundOrder := order + bits.TrailingZeros64(mask)

	block := a.freeLists[foundOrder]
	index := block.index
	a.removeFreeBlock(block)

	// Split the block in half until a block of the requested order remains, returning each unused
	// upper half to the free list one order down.
	for foundOrder > order {
		foundOrder--
		a.insertFreeBlock(index+uint64(1)<<uint(foundOrder), foundOrder)
	}

	count := uint64(1) << uint(order)
	a.allocBits.setRange(index, count)
	a.freeFrames -= count
	a.allocations.Put(index, order)
	a.allocCount++

	memutils.DebugValidate(memutils.ValidateFunc(a.validate))
	return a.addrOf(index), nil
}

// FreeFrames returns a block previously handed out by AllocFrames to the free pool and coalesces it
// with its buddy as far up as the buddies allow. Passing an address or order that does not match a
// live allocation fails with memutils.InvalidFreeError.
func (a *Allocator) FreeFrames(addr PhysAddr, order int) error {
	if order < 0 || order > a.maxOrder {
		return cerrors.Wrapf(memutils.InvalidFreeError, "order %d is outside the supported range 0 through %d", order, a.maxOrder)
	}
	if uint64(addr)&(a.frameSize-1) != 0 {
		return cerrors.Wrapf(memutils.InvalidFreeError, "address %s is not frame-aligned", addr)
	}

	index := uint64(addr) >> a.frameShift
	count := uint64(1) << uint(order)
	if index >= a.frameCount || index+count > a.frameCount {
		return cerrors.Wrapf(memutils.InvalidFreeError, "block at %s of order %d lies outside the managed range", addr, order)
	}
	if index&(count-1) != 0 {
		return cerrors.Wrapf(memutils.InvalidFreeError, "address %s is not aligned to a block of order %d", addr, order)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()
	memutils.DebugValidate(memutils.ValidateFunc(a.validate))

	allocOrder, live := a.allocations.Get(index)
	if !live {
		return cerrors.Wrapf(memutils.InvalidFreeError, "no live allocation starts at %s", addr)
	}
	if allocOrder != order {
		return cerrors.Wrapf(memutils.InvalidFreeError, "block at %s was allocated with order %d, not order %d", addr, allocOrder, order)
	}
	if !a.allocBits.allSet(index, count) {
		return cerrors.Wrapf(memutils.InvalidFreeError, "block at %s covers frames that are not allocated", addr)
	}

	a.allocations.Delete(index)
	a.allocCount--
	a.allocBits.clearRange(index, count)
	a.freeFrames += count

	// Merge with the buddy while it is simultaneously free and of the same order. The buddy of the
	// block at index i and order k sits at i XOR 2^k.
	for order < a.maxOrder {
		buddyIndex := index ^ (uint64(1) << uint(order))
		buddy, ok := a.freeByIndex.Get(buddyIndex)
		if !ok || buddy.order != order {
			break
		}

		a.removeFreeBlock(buddy)
		if buddyIndex < index {
			index = buddyIndex
		}
		order++
	}
	a.insertFreeBlock(index, order)

	memutils.DebugValidate(memutils.ValidateFunc(a.validate))
	return nil
}

func (a *Allocator) addrOf(index uint64) PhysAddr {
	return PhysAddr(index << a.frameShift)
}

// FrameSize returns the size in bytes of a single frame.
func (a *Allocator) FrameSize() int { return int(a.frameSize) }

// MaxOrder returns the largest block order the allocator can serve.
func (a *Allocator) MaxOrder() int { return a.maxOrder }

// TotalFrames returns the number of frames in the managed index space, including reserved frames.
func (a *Allocator) TotalFrames() uint64 { return a.frameCount }

// UsableFrames returns the number of frames that were allocatable at construction.
func (a *Allocator) UsableFrames() uint64 { return a.usableFrames }

// FreeFrameCount returns the number of frames currently in the free pool.
func (a *Allocator) FreeFrameCount() uint64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.freeFrames
}

// AllocationCount returns the number of live block allocations.
func (a *Allocator) AllocationCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.allocCount
}

// FreeMemory returns the number of free bytes in the pool.
func (a *Allocator) FreeMemory() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return int(a.freeFrames * a.frameSize)
}

// AllocatedMemory returns the number of bytes currently held by live allocations.
func (a *Allocator) AllocatedMemory() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return int((a.usableFrames - a.freeFrames) * a.frameSize)
}

// OrderForBytes returns the smallest order whose block covers size bytes.
func (a *Allocator) OrderForBytes(size int) int {
	frames := (uint64(size) + a.frameSize - 1) >> a.frameShift
	if frames < 2 {
		return 0
	}
	return bits.Len64(frames - 1)
}

// VisitFreeBlocks calls the provided callback once per free block, in ascending order of block order.
// It is primarily a diagnostic aid.
func (a *Allocator) VisitFreeBlocks(visit func(addr PhysAddr, order int) error) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for order := 0; order <= a.maxOrder; order++ {
		for block := a.freeLists[order]; block != nil; block = block.nextFree {
			err := visit(a.addrOf(block.index), order)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// DebugLogAllAllocations will log via the provided callback once for each live block allocation.
func (a *Allocator) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, addr PhysAddr, order int)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.allocations.Iter(func(index uint64, order int) bool {
		logFunc(logger, a.addrOf(index), order)
		return false
	})
}

// Validate performs internal consistency checks on the allocator. When the allocator is functioning
// correctly, it should not be possible for this method to return an error.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.validate()
}

func (a *Allocator) validate() error {
	var freeBlockFrames uint64
	freeBlockCount := 0

	for order := 0; order <= a.maxOrder; order++ {
		hasMaskBit := a.freeOrderMask&(uint64(1)<<uint(order)) != 0
		if (a.freeLists[order] != nil) != hasMaskBit {
			return errors.Errorf("the free-order mask disagrees with the order-%d free list", order)
		}

		for block := a.freeLists[order]; block != nil; block = block.nextFree {
			count := uint64(1) << uint(order)

			if block.order != order {
				return errors.Errorf("block at frame %d is in the order-%d free list but records order %d", block.index, order, block.order)
			}
			if block.index&(count-1) != 0 {
				return errors.Errorf("free block at frame %d is not aligned to its order %d", block.index, order)
			}
			if block.index+count > a.frameCount {
				return errors.Errorf("free block at frame %d of order %d extends past the managed range", block.index, order)
			}
			if !a.allocBits.allClear(block.index, count) {
				return errors.Errorf("free block at frame %d of order %d covers frames marked allocated", block.index, order)
			}
			if !a.reservedBits.allClear(block.index, count) {
				return errors.Errorf("free block at frame %d of order %d covers reserved frames", block.index, order)
			}
			if block.nextFree != nil && block.nextFree.prevFree != block {
				return errors.Errorf("free block at frame %d lists the block at frame %d as its next block, but the reverse reference is broken", block.index, block.nextFree.index)
			}

			mapped, ok := a.freeByIndex.Get(block.index)
			if !ok || mapped != block {
				return errors.Errorf("free block at frame %d is missing from the index map", block.index)
			}

			if order < a.maxOrder {
				buddy, ok := a.freeByIndex.Get(block.index ^ count)
				if ok && buddy.order == order {
					return errors.Errorf("buddies at frames %d and %d are both free at order %d but were not coalesced", block.index, buddy.index, order)
				}
			}

			freeBlockFrames += count
			freeBlockCount++
		}
	}

	if freeBlockCount != a.freeByIndex.Count() {
		return errors.Errorf("the free lists hold %d blocks but the index map holds %d", freeBlockCount, a.freeByIndex.Count())
	}
	if freeBlockFrames != a.freeFrames {
		return errors.Errorf("the free frame count is %d, but the free blocks only added up to %d frames", a.freeFrames, freeBlockFrames)
	}

	var allocFrames uint64
	var iterErr error
	a.allocations.Iter(func(index uint64, order int) bool {
		count := uint64(1) << uint(order)
		if index+count > a.frameCount {
			iterErr = errors.Errorf("allocation at frame %d of order %d extends past the managed range", index, order)
			return true
		}
		if !a.allocBits.allSet(index, count) {
			iterErr = errors.Errorf("allocation at frame %d of order %d covers frames marked free", index, order)
			return true
		}
		if !a.reservedBits.allClear(index, count) {
			iterErr = errors.Errorf("allocation at frame %d of order %d covers reserved frames", index, order)
			return true
		}
		allocFrames += count
		return false
	})
	if iterErr != nil {
		return iterErr
	}

	if a.allocations.Count() != a.allocCount {
		return errors.Errorf("the allocation count is %d, but the registry holds %d allocations", a.allocCount, a.allocations.Count())
	}
	if a.freeFrames+allocFrames != a.usableFrames {
		return errors.Errorf("%d free frames and %d allocated frames do not add up to %d usable frames", a.freeFrames, allocFrames, a.usableFrames)
	}
	if setBits := a.allocBits.setCount(a.frameCount); setBits != a.frameCount-a.freeFrames {
		return errors.Errorf("the allocation bitmap has %d set bits, but %d frames are allocated or reserved", setBits, a.frameCount-a.freeFrames)
	}

	return nil
}

// AddStatistics sums this allocator's accounting into the statistics currently present in the
// provided memutils.Statistics object.
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.BlockCount++
	stats.BlockBytes += int(a.usableFrames * a.frameSize)
	stats.AllocationCount += a.allocCount
	stats.AllocationBytes += int((a.usableFrames - a.freeFrames) * a.frameSize)
}

// AddDetailedStatistics sums this allocator's accounting, free blocks, and live allocations into the
// statistics currently present in the provided memutils.DetailedStatistics object.
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.BlockCount++
	stats.BlockBytes += int(a.usableFrames * a.frameSize)

	for order := 0; order <= a.maxOrder; order++ {
		for block := a.freeLists[order]; block != nil; block = block.nextFree {
			stats.AddUnusedRange(int(a.frameSize) << uint(order))
		}
	}

	a.allocations.Iter(func(index uint64, order int) bool {
		stats.AddAllocation(int(a.frameSize) << uint(order))
		return false
	})
}

// PrintDetailedMap populates a json object with the allocator's current state.
func (a *Allocator) PrintDetailedMap(json jwriter.ObjectState) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	json.Name("FrameSize").Int(int(a.frameSize))
	json.Name("TotalFrames").Int(int(a.frameCount))
	json.Name("UsableFrames").Int(int(a.usableFrames))
	json.Name("FreeFrames").Int(int(a.freeFrames))
	json.Name("Allocations").Int(a.allocCount)

	orders := json.Name("Orders").Array()
	for order := 0; order <= a.maxOrder; order++ {
		blockCount := 0
		for block := a.freeLists[order]; block != nil; block = block.nextFree {
			blockCount++
		}

		o := orders.Object()
		o.Name("Order").Int(order)
		o.Name("FreeBlocks").Int(blockCount)
		o.End()
	}
	orders.End()
}
