package heap_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/halcyon-os/kmem/frame"
	"github.com/halcyon-os/kmem/heap"
	"github.com/halcyon-os/kmem/memutils"
)

const testFrameSize = 4096

func buildAllocators(t *testing.T, frames uint64, config heap.Config) (*frame.Allocator, *heap.Allocator) {
	frameAlloc, err := frame.NewAllocator([]frame.Region{
		{Base: 0x100000, Length: frames * testFrameSize, Kind: frame.RegionUsable},
	}, frame.Config{})
	require.NoError(t, err)

	heapAlloc, err := heap.NewAllocator(frameAlloc, config)
	require.NoError(t, err)

	return frameAlloc, heapAlloc
}

func TestHeapClassSelection(t *testing.T) {
	_, h := buildAllocators(t, 64, heap.Config{})

	// 1 byte and 8 bytes both land in the smallest class: consecutive allocations are 8 bytes
	// apart on the same slab page.
	first, err := h.Allocate(1, 0)
	require.NoError(t, err)
	second, err := h.Allocate(8, 0)
	require.NoError(t, err)
	require.Equal(t, first+8, second)

	// 9 bytes rounds up to the 16-byte class, which lives on its own slab page.
	third, err := h.Allocate(9, 0)
	require.NoError(t, err)
	require.NotEqual(t, first&^frame.PhysAddr(testFrameSize-1), third&^frame.PhysAddr(testFrameSize-1))

	fourth, err := h.Allocate(16, 0)
	require.NoError(t, err)
	require.Equal(t, third+16, fourth)

	require.NoError(t, h.Validate())
}

func TestHeapAlignment(t *testing.T) {
	_, h := buildAllocators(t, 64, heap.Config{})

	// A small object with a large alignment requirement is promoted to the class matching the
	// alignment.
	addr, err := h.Allocate(10, 64)
	require.NoError(t, err)
	require.EqualValues(t, 0, addr%64)

	addr, err = h.Allocate(100, 512)
	require.NoError(t, err)
	require.EqualValues(t, 0, addr%512)

	_, err = h.Allocate(10, 48)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestHeapSlabPageProvisioning(t *testing.T) {
	f, h := buildAllocators(t, 64, heap.Config{})

	// A 4096-byte slab page of 64-byte objects holds exactly 64 slots, so the first 64
	// allocations cost a single frame.
	var addrs []frame.PhysAddr
	for i := 0; i < 64; i++ {
		addr, err := h.Allocate(64, 0)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	require.Equal(t, 1, f.AllocationCount())

	// The 65th allocation forces a second slab page.
	extra, err := h.Allocate(64, 0)
	require.NoError(t, err)
	require.Equal(t, 2, f.AllocationCount())

	require.NoError(t, h.Validate())

	require.NoError(t, h.Free(extra, 64, 0))
	for _, addr := range addrs {
		require.NoError(t, h.Free(addr, 64, 0))
	}
	require.Equal(t, 0, f.AllocationCount())
}

func TestHeapFreeSlotsReusedMostRecentFirst(t *testing.T) {
	_, h := buildAllocators(t, 64, heap.Config{})

	first, err := h.Allocate(32, 0)
	require.NoError(t, err)
	second, err := h.Allocate(32, 0)
	require.NoError(t, err)
	_, err = h.Allocate(32, 0)
	require.NoError(t, err)

	require.NoError(t, h.Free(first, 32, 0))
	require.NoError(t, h.Free(second, 32, 0))

	// The most recently freed slot is handed out again first.
	reused, err := h.Allocate(32, 0)
	require.NoError(t, err)
	require.Equal(t, second, reused)

	reused, err = h.Allocate(32, 0)
	require.NoError(t, err)
	require.Equal(t, first, reused)
}

func TestHeapLargeAllocations(t *testing.T) {
	f, h := buildAllocators(t, 64, heap.Config{})

	// Requests above half a slab page bypass the size classes and come straight from the frame
	// allocator, rounded up to whole frames.
	addr, err := h.Allocate(h.MaxClassSize()+1, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, uint64(addr)%testFrameSize)
	require.Equal(t, 1, f.AllocationCount())
	require.EqualValues(t, 63, f.FreeFrameCount())

	multi, err := h.Allocate(3*testFrameSize, 0)
	require.NoError(t, err)
	require.EqualValues(t, 59, f.FreeFrameCount(), "3 frames round up to an order-2 block")

	require.NoError(t, h.Free(multi, 3*testFrameSize, 0))
	require.NoError(t, h.Free(addr, h.MaxClassSize()+1, 0))
	require.EqualValues(t, 64, f.FreeFrameCount())
}

func TestHeapInvalidFree(t *testing.T) {
	_, h := buildAllocators(t, 64, heap.Config{RetainEmptySlabs: true})

	addr, err := h.Allocate(64, 0)
	require.NoError(t, err)

	// Freeing with a mismatched size routes the free to the wrong class.
	err = h.Free(addr, 16, 0)
	require.ErrorIs(t, err, memutils.InvalidFreeError)

	// An address between slot boundaries is rejected.
	err = h.Free(addr+7, 64, 0)
	require.ErrorIs(t, err, memutils.InvalidFreeError)

	require.NoError(t, h.Free(addr, 64, 0))

	err = h.Free(addr, 64, 0)
	require.ErrorIs(t, err, memutils.InvalidFreeError, "double free must be rejected")

	// An address on a page no class has ever seen.
	err = h.Free(0x100000+32*testFrameSize, 64, 0)
	require.ErrorIs(t, err, memutils.InvalidFreeError)

	require.NoError(t, h.Validate())
}

func TestHeapEmptySlabReclamation(t *testing.T) {
	f, h := buildAllocators(t, 64, heap.Config{})

	addr, err := h.Allocate(128, 0)
	require.NoError(t, err)
	require.EqualValues(t, 63, f.FreeFrameCount())

	// The last object leaving a slab page returns the page to the frame allocator.
	require.NoError(t, h.Free(addr, 128, 0))
	require.EqualValues(t, 64, f.FreeFrameCount())
	require.Equal(t, 0, f.AllocationCount())
}

func TestHeapRetainEmptySlabs(t *testing.T) {
	f, h := buildAllocators(t, 64, heap.Config{RetainEmptySlabs: true})

	addr, err := h.Allocate(128, 0)
	require.NoError(t, err)
	require.NoError(t, h.Free(addr, 128, 0))

	// The empty page stays cached on its class.
	require.EqualValues(t, 63, f.FreeFrameCount())
	require.Equal(t, 1, f.AllocationCount())

	// The next allocation reuses it without going back to the frame allocator.
	reused, err := h.Allocate(128, 0)
	require.NoError(t, err)
	require.Equal(t, addr, reused)
	require.Equal(t, 1, f.AllocationCount())

	require.NoError(t, h.Validate())
}

func TestHeapOutOfMemoryPropagates(t *testing.T) {
	f, h := buildAllocators(t, 4, heap.Config{})

	var held []frame.PhysAddr
	for {
		addr, err := f.AllocFrames(0)
		if err != nil {
			break
		}
		held = append(held, addr)
	}
	require.Len(t, held, 4)

	// A class allocation that needs a fresh slab page surfaces the frame allocator's failure.
	_, err := h.Allocate(64, 0)
	require.ErrorIs(t, err, memutils.OutOfMemoryError)

	_, err = h.Allocate(2*testFrameSize, 0)
	require.ErrorIs(t, err, memutils.OutOfMemoryError)

	require.NoError(t, f.FreeFrames(held[0], 0))
	_, err = h.Allocate(64, 0)
	require.NoError(t, err)
}

func TestHeapMultiFrameSlabPages(t *testing.T) {
	f, h := buildAllocators(t, 64, heap.Config{PagesPerSlab: 4})

	require.Equal(t, 4*testFrameSize, h.SlabSize())
	require.Equal(t, 2*testFrameSize, h.MaxClassSize())

	// One slab page now costs an order-2 frame block and serves objects up to two frames.
	addr, err := h.Allocate(2*testFrameSize, 0)
	require.NoError(t, err)
	require.EqualValues(t, 60, f.FreeFrameCount())

	require.NoError(t, h.Free(addr, 2*testFrameSize, 0))
	require.EqualValues(t, 64, f.FreeFrameCount())

	_, err = heap.NewAllocator(f, heap.Config{PagesPerSlab: 3})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestHeapClear(t *testing.T) {
	f, h := buildAllocators(t, 64, heap.Config{RetainEmptySlabs: true})

	for _, size := range []int{8, 8, 24, 64, 200, 2048} {
		_, err := h.Allocate(size, 0)
		require.NoError(t, err)
	}
	require.Less(t, f.FreeFrameCount(), uint64(64))

	require.NoError(t, h.Clear())
	require.EqualValues(t, 64, f.FreeFrameCount())
	require.NoError(t, h.Validate())

	// The heap is fully usable again afterwards.
	_, err := h.Allocate(64, 0)
	require.NoError(t, err)
}

func TestHeapStatistics(t *testing.T) {
	_, h := buildAllocators(t, 64, heap.Config{})

	for i := 0; i < 3; i++ {
		_, err := h.Allocate(64, 0)
		require.NoError(t, err)
	}
	_, err := h.Allocate(16, 0)
	require.NoError(t, err)

	var stats memutils.Statistics
	stats.Clear()
	h.AddStatistics(&stats)

	require.Equal(t, 2, stats.BlockCount, "one slab page per active class")
	require.Equal(t, 4, stats.AllocationCount)
	require.Equal(t, 2*testFrameSize, stats.BlockBytes)
	require.Equal(t, 3*64+16, stats.AllocationBytes)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	h.AddDetailedStatistics(&detailed)

	require.Equal(t, stats, detailed.Statistics)
	require.Equal(t, 64, detailed.AllocationSizeMax)
	require.Equal(t, 16, detailed.AllocationSizeMin)
}

func TestHeapRandomTraceStaysConsistent(t *testing.T) {
	f, h := buildAllocators(t, 256, heap.Config{})

	type liveObject struct {
		addr frame.PhysAddr
		size int
	}

	rng := rand.New(rand.NewSource(7))
	sizes := []int{1, 8, 13, 32, 64, 100, 256, 1024, 2048, 5000}
	var live []liveObject

	for i := 0; i < 2000; i++ {
		if len(live) == 0 || rng.Intn(3) > 0 {
			size := sizes[rng.Intn(len(sizes))]
			addr, err := h.Allocate(size, 0)
			if err != nil {
				require.ErrorIs(t, err, memutils.OutOfMemoryError)
				continue
			}
			live = append(live, liveObject{addr: addr, size: size})
		} else {
			victim := rng.Intn(len(live))
			object := live[victim]
			require.NoError(t, h.Free(object.addr, object.size, 0))
			live = append(live[:victim], live[victim+1:]...)
		}

		if i%100 == 0 {
			require.NoError(t, h.Validate())
			require.NoError(t, f.Validate())
		}
	}

	for _, object := range live {
		require.NoError(t, h.Free(object.addr, object.size, 0))
	}

	require.NoError(t, h.Validate())
	require.EqualValues(t, 256, f.FreeFrameCount())
}

func BenchmarkHeapAllocateFree(b *testing.B) {
	frameAlloc, err := frame.NewAllocator([]frame.Region{
		{Base: 0x100000, Length: 1024 * testFrameSize, Kind: frame.RegionUsable},
	}, frame.Config{})
	if err != nil {
		b.Fatal(err)
	}
	h, err := heap.NewAllocator(frameAlloc, heap.Config{RetainEmptySlabs: true})
	if err != nil {
		b.Fatal(err)
	}

	sizes := []int{8, 32, 64, 256, 1024}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		size := sizes[i%len(sizes)]
		addr, err := h.Allocate(size, 0)
		if err != nil {
			b.Fatal(err)
		}
		err = h.Free(addr, size, 0)
		if err != nil {
			b.Fatal(err)
		}
	}
}
