package frame

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// PhysAddr is a physical memory address. The allocator hands out and accepts PhysAddr values but never
// dereferences them; mapping an address into the virtual address space is the consumer's business.
type PhysAddr uint64

func (a PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// RegionKind classifies a boot memory-map region. Only RegionUsable memory ever enters the free pool;
// every other kind is treated as permanently allocated.
type RegionKind uint32

const (
	// RegionUsable is ordinary RAM that the allocator may hand out.
	RegionUsable RegionKind = iota
	// RegionReserved is memory the firmware reports as unusable.
	RegionReserved
	// RegionACPIReclaimable holds ACPI tables. The allocator does not reclaim it; it stays reserved
	// for the kernel's lifetime.
	RegionACPIReclaimable
	// RegionNonVolatile is ACPI NVS memory.
	RegionNonVolatile
	// RegionKernelImage is occupied by the loaded kernel image.
	RegionKernelImage
	// RegionBootloader is memory still holding bootloader structures, including the memory map itself.
	RegionBootloader
)

var regionKindMapping = map[RegionKind]string{
	RegionUsable:          "Usable",
	RegionReserved:        "Reserved",
	RegionACPIReclaimable: "ACPIReclaimable",
	RegionNonVolatile:     "NonVolatile",
	RegionKernelImage:     "KernelImage",
	RegionBootloader:      "Bootloader",
}

func (k RegionKind) String() string {
	return regionKindMapping[k]
}

// Region is one entry of the boot memory map handed over by the bootloader.
type Region struct {
	Base   PhysAddr
	Length uint64
	Kind   RegionKind
}

// LowMemoryLimit is the physical address below which memory is never handed out, regardless of what
// the memory map reports. Legacy structures (real-mode IVT, EBDA, VGA memory) live down there.
const LowMemoryLimit PhysAddr = 0x100000

// frameSpan is a half-open range of frame indices.
type frameSpan struct {
	start uint64
	end   uint64
}

func (s frameSpan) frames() uint64 {
	return s.end - s.start
}

// usableSpans reduces a boot memory map to sorted, disjoint spans of usable frame indices. Usable
// regions are clipped inward to frame boundaries and to LowMemoryLimit; non-usable regions are expanded
// outward to frame boundaries and subtracted, so a frame partially covered by a reservation never
// becomes allocatable.
func usableSpans(memoryMap []Region, frameSize uint64) []frameSpan {
	var usable, reserved []frameSpan

	lowLimit := (uint64(LowMemoryLimit) + frameSize - 1) / frameSize

	for _, region := range memoryMap {
		if region.Length == 0 {
			continue
		}

		base := uint64(region.Base)
		end := base + region.Length

		if region.Kind == RegionUsable {
			span := frameSpan{
				start: (base + frameSize - 1) / frameSize,
				end:   end / frameSize,
			}
			if span.start < lowLimit {
				span.start = lowLimit
			}
			if span.start < span.end {
				usable = append(usable, span)
			}
		} else {
			reserved = append(reserved, frameSpan{
				start: base / frameSize,
				end:   (end + frameSize - 1) / frameSize,
			})
		}
	}

	usable = mergeSpans(usable)
	reserved = mergeSpans(reserved)

	return subtractSpans(usable, reserved)
}

// mergeSpans sorts spans by start and merges overlapping or adjacent entries.
func mergeSpans(spans []frameSpan) []frameSpan {
	if len(spans) < 2 {
		return spans
	}

	slices.SortFunc(spans, func(a, b frameSpan) bool {
		return a.start < b.start
	})

	merged := spans[:1]
	for _, span := range spans[1:] {
		last := &merged[len(merged)-1]
		if span.start <= last.end {
			if span.end > last.end {
				last.end = span.end
			}
			continue
		}
		merged = append(merged, span)
	}

	return merged
}

// subtractSpans removes every reserved span from the usable spans. Both inputs must be sorted and
// disjoint; the result is too.
func subtractSpans(usable, reserved []frameSpan) []frameSpan {
	if len(reserved) == 0 {
		return usable
	}

	var result []frameSpan
	for _, span := range usable {
		remaining := span
		for _, hole := range reserved {
			if hole.end <= remaining.start {
				continue
			}
			if hole.start >= remaining.end {
				break
			}
			if hole.start > remaining.start {
				result = append(result, frameSpan{start: remaining.start, end: hole.start})
			}
			if hole.end >= remaining.end {
				remaining.start = remaining.end
				break
			}
			remaining.start = hole.end
		}
		if remaining.start < remaining.end {
			result = append(result, remaining)
		}
	}

	return result
}
