// Package kmem wires the kernel's memory-management layers together at boot. The bootloader's memory
// map goes in; a physical frame allocator (package frame) and a general-purpose object allocator
// (package heap) built on top of it come out.
//
// Nothing in this package is a singleton. Bootstrap can be called any number of times to build
// independent managers, which is how the allocators are tested against each other.
package kmem

import (
	"log/slog"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/halcyon-os/kmem/frame"
	"github.com/halcyon-os/kmem/heap"
	"github.com/halcyon-os/kmem/memutils"
)

// CreateOptions controls Bootstrap.
type CreateOptions struct {
	// FrameSize is the physical frame size in bytes. frame.DefaultFrameSize when zero.
	FrameSize int
	// MaxOrder caps the largest buddy block order. Derived from the managed range when zero.
	MaxOrder int
	// PagesPerSlab is the number of frames backing each slab page. 1 when zero.
	PagesPerSlab int
	// UseMutex guards all allocator state with locks. Required once allocations can originate from
	// more than one goroutine.
	UseMutex bool
	// RetainEmptySlabs keeps empty slab pages cached instead of returning them to the frame pool.
	RetainEmptySlabs bool
	// Logger receives debug output from all layers. slog.Default() when nil.
	Logger *slog.Logger
}

// Manager owns one frame allocator and the heap allocator backed by it.
type Manager struct {
	logger *slog.Logger
	frames *frame.Allocator
	heap   *heap.Allocator
}

// Bootstrap builds the memory-management layers from a boot memory map: the frame allocator over the
// map's usable regions, then the heap allocator on top. It is meant to run once, early, before any
// consumer needs dynamic memory.
func Bootstrap(memoryMap []frame.Region, o CreateOptions) (*Manager, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	frames, err := frame.NewAllocator(memoryMap, frame.Config{
		FrameSize: o.FrameSize,
		MaxOrder:  o.MaxOrder,
		UseMutex:  o.UseMutex,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	heapAlloc, err := heap.NewAllocator(frames, heap.Config{
		PagesPerSlab:     o.PagesPerSlab,
		UseMutex:         o.UseMutex,
		RetainEmptySlabs: o.RetainEmptySlabs,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		logger: logger,
		frames: frames,
		heap:   heapAlloc,
	}, nil
}

// Frames returns the physical frame allocator, the interface consumed by the virtual-memory mapper.
func (m *Manager) Frames() *frame.Allocator { return m.frames }

// Heap returns the object allocator, the interface consumed by kernel subsystems needing dynamic
// memory.
func (m *Manager) Heap() *heap.Allocator { return m.heap }

// Allocate returns the address of at least size bytes satisfying align. See heap.Allocator.Allocate.
func (m *Manager) Allocate(size, align int) (frame.PhysAddr, error) {
	return m.heap.Allocate(size, align)
}

// Free returns an allocation made with Allocate. The size and align values must match the ones used
// at allocation. See heap.Allocator.Free.
func (m *Manager) Free(addr frame.PhysAddr, size, align int) error {
	return m.heap.Free(addr, size, align)
}

// AllocFrames hands out a block of 2^order contiguous frames. See frame.Allocator.AllocFrames.
func (m *Manager) AllocFrames(order int) (frame.PhysAddr, error) {
	return m.frames.AllocFrames(order)
}

// FreeFrames returns a block obtained from AllocFrames. See frame.Allocator.FreeFrames.
func (m *Manager) FreeFrames(addr frame.PhysAddr, order int) error {
	return m.frames.FreeFrames(addr, order)
}

// Validate performs internal consistency checks on both allocator layers.
func (m *Manager) Validate() error {
	err := m.frames.Validate()
	if err != nil {
		return err
	}
	return m.heap.Validate()
}

// CalculateStatistics aggregates accounting from both layers into the provided statistics object,
// which is cleared first.
func (m *Manager) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	m.frames.AddDetailedStatistics(stats)
	m.heap.AddDetailedStatistics(stats)
}

// BuildStatsString dumps the state of both allocator layers as a JSON document, suitable for a
// diagnostic console. When detailed is true, per-order and per-class breakdowns are included.
func (m *Manager) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	obj := writer.Object()

	var stats memutils.DetailedStatistics
	m.CalculateStatistics(&stats)

	total := obj.Name("Total").Object()
	total.Name("BlockCount").Int(stats.BlockCount)
	total.Name("BlockBytes").Int(stats.BlockBytes)
	total.Name("AllocationCount").Int(stats.AllocationCount)
	total.Name("AllocationBytes").Int(stats.AllocationBytes)
	total.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	total.End()

	if detailed {
		frameObj := obj.Name("FrameAllocator").Object()
		m.frames.PrintDetailedMap(frameObj)
		frameObj.End()

		heapObj := obj.Name("Heap").Object()
		m.heap.PrintDetailedMap(heapObj)
		heapObj.End()
	}

	obj.End()

	return string(writer.Bytes())
}
