package frame

import "math/bits"

// frameBitmap tracks one bit per managed frame. The allocator keeps two of these: an allocation bitmap
// (set while a frame is allocated or reserved) and a reservation bitmap (set for frames that must never
// be handed out). Both are sized from the managed range at construction, never from a fixed buffer.
type frameBitmap struct {
	words []uint64
}

func newFrameBitmap(frameCount uint64, initial bool) frameBitmap {
	wordCount := (frameCount + 63) / 64

	b := frameBitmap{words: make([]uint64, wordCount)}
	if initial {
		for i := range b.words {
			b.words[i] = ^uint64(0)
		}
	}
	return b
}

func (b frameBitmap) isSet(index uint64) bool {
	return b.words[index/64]&(1<<(index%64)) != 0
}

func (b frameBitmap) setRange(start, count uint64) {
	for index := start; index < start+count; index++ {
		b.words[index/64] |= 1 << (index % 64)
	}
}

func (b frameBitmap) clearRange(start, count uint64) {
	for index := start; index < start+count; index++ {
		b.words[index/64] &^= 1 << (index % 64)
	}
}

func (b frameBitmap) allSet(start, count uint64) bool {
	for index := start; index < start+count; index++ {
		if !b.isSet(index) {
			return false
		}
	}
	return true
}

func (b frameBitmap) allClear(start, count uint64) bool {
	for index := start; index < start+count; index++ {
		if b.isSet(index) {
			return false
		}
	}
	return true
}

// setCount returns the number of set bits at indices below frameCount. Trailing bits of the last word
// beyond frameCount are masked off.
func (b frameBitmap) setCount(frameCount uint64) uint64 {
	var total uint64
	fullWords := frameCount / 64

	for i := uint64(0); i < fullWords; i++ {
		total += uint64(bits.OnesCount64(b.words[i]))
	}

	if rem := frameCount % 64; rem != 0 {
		total += uint64(bits.OnesCount64(b.words[fullWords] & (1<<rem - 1)))
	}
	return total
}
