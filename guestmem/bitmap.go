package guestmem

import (
	"math"

	"go.uber.org/atomic"
)

// CompareAndSwapUntil applies transform to the value of word until the result is stored without a
// concurrent writer getting in between. transform receives the current value and returns the
// value to store; returning false instead leaves the word untouched and stops. The value of the
// word after the call is returned.
//
// transform can be called any number of times and must not have side effects.
func CompareAndSwapUntil(word *atomic.Uint64, transform func(old uint64) (uint64, bool)) uint64 {
	for {
		old := word.Load()
		updated, ok := transform(old)
		if !ok {
			return old
		}

		if word.CompareAndSwap(old, updated) {
			return updated
		}
	}
}

// PageBitmap packs the PageState of every page of an address space into 64-bit words, 32 pages per
// word. Every update is a CompareAndSwapUntil restricted to the bits of the pages in range, so
// goroutines working on different pages never disturb each other, even when the pages share a
// word.
type PageBitmap struct {
	words []atomic.Uint64
}

// NewPageBitmap creates a bitmap for pageCount pages, all unmapped
func NewPageBitmap(pageCount uint64) *PageBitmap {
	wordCount := (pageCount + pagesPerWord - 1) >> pageToWordShift
	if wordCount == 0 {
		wordCount = 1
	}

	return &PageBitmap{words: make([]atomic.Uint64, wordCount)}
}

// WordCount returns the number of 64-bit words in the bitmap
func (b *PageBitmap) WordCount() int {
	return len(b.words)
}

// Word returns the raw value of a bitmap word
func (b *PageBitmap) Word(index int) uint64 {
	return b.words[index].Load()
}

func entryShift(page uint64) uint64 {
	return (page & (pagesPerWord - 1)) << 1
}

// blockRange returns the masks selecting [pageStart, pageEnd) in the first and last word of the
// range, along with the indices of those words. pageEnd must be greater than pageStart.
func blockRange(pageStart, pageEnd uint64) (startMask, endMask uint64, index, endIndex int) {
	startMask = math.MaxUint64 << entryShift(pageStart)

	endMask = math.MaxUint64
	if shift := entryShift(pageEnd); shift != 0 {
		endMask = math.MaxUint64 >> (64 - shift)
	}

	index = int(pageStart >> pageToWordShift)
	endIndex = int((pageEnd - 1) >> pageToWordShift)
	return startMask, endMask, index, endIndex
}

// mappedEntries returns a mask with both bits set for every entry of pte that is not PageUnmapped
func mappedEntries(pte uint64) uint64 {
	mapped := (pte | (pte >> 1)) & blockMappedMask
	return mapped | (mapped << 1)
}

// visitRange calls visit once per word touched by [pageStart, pageStart+pages), with a mask
// selecting the bits of the pages in range. Iteration stops when visit returns false.
func (b *PageBitmap) visitRange(pageStart, pages uint64, visit func(word *atomic.Uint64, mask uint64) bool) {
	if pages == 0 {
		return
	}

	startMask, endMask, index, endIndex := blockRange(pageStart, pageStart+pages)

	mask := startMask
	for ; index <= endIndex; index++ {
		if index == endIndex {
			mask &= endMask
		}

		if !visit(&b.words[index], mask) {
			return
		}

		mask = math.MaxUint64
	}
}

// State returns the state of a single page
func (b *PageBitmap) State(page uint64) PageState {
	pte := b.words[page>>pageToWordShift].Load()
	return PageState((pte >> entryShift(page)) & 3)
}

// IsMapped returns true if the page is in any state other than PageUnmapped
func (b *PageBitmap) IsMapped(page uint64) bool {
	return b.State(page) != PageUnmapped
}

// IsRangeMapped returns true if every page in [pageStart, pageStart+pages) is mapped
func (b *PageBitmap) IsRangeMapped(pageStart, pages uint64) bool {
	if pages == 1 {
		return b.IsMapped(pageStart)
	}

	mapped := true
	b.visitRange(pageStart, pages, func(word *atomic.Uint64, mask uint64) bool {
		// fold the high bit of each entry onto the low bit, then every low bit in range must be set
		mappedMask := mask & blockMappedMask
		pte := word.Load()
		pte |= pte >> 1

		mapped = pte&mappedMask == mappedMask
		return mapped
	})

	return mapped
}

// Map moves every unmapped page in range to PageMapped. Pages that are already mapped keep their state.
func (b *PageBitmap) Map(pageStart, pages uint64) {
	b.visitRange(pageStart, pages, func(word *atomic.Uint64, mask uint64) bool {
		CompareAndSwapUntil(word, func(pte uint64) (uint64, bool) {
			// everything outside the range is treated as mapped so it is left unchanged
			mappedMask := mappedEntries(pte) | ^mask

			return (pte & mappedMask) | (blockMappedMask &^ mappedMask), true
		})
		return true
	})
}

// Unmap moves every page in range to PageUnmapped
func (b *PageBitmap) Unmap(pageStart, pages uint64) {
	b.visitRange(pageStart, pages, func(word *atomic.Uint64, mask uint64) bool {
		CompareAndSwapUntil(word, func(pte uint64) (uint64, bool) {
			return pte &^ mask, true
		})
		return true
	})
}

// SetTracking moves every mapped page in range to state. Unmapped pages stay unmapped. state must
// not be PageUnmapped.
func (b *PageBitmap) SetTracking(pageStart, pages uint64, state PageState) {
	if pages == 1 {
		shift := entryShift(pageStart)
		tagMask := uint64(3) << shift
		tag := uint64(state) << shift

		CompareAndSwapUntil(&b.words[pageStart>>pageToWordShift], func(pte uint64) (uint64, bool) {
			if pte&tagMask == 0 {
				return pte, false
			}
			return (pte &^ tagMask) | tag, true
		})
		return
	}

	replicated := state.replicate()
	b.visitRange(pageStart, pages, func(word *atomic.Uint64, mask uint64) bool {
		CompareAndSwapUntil(word, func(pte uint64) (uint64, bool) {
			// only mapped pages inside the range change
			mappedMask := mappedEntries(pte) & mask

			return (pte &^ mappedMask) | (replicated & mappedMask), true
		})
		return true
	})
}

// CheckTracking reports whether an access to [pageStart, pageStart+pages) must notify the tracking
// collaborator, and whether every page in range is mapped. Writes notify for any tracked page;
// reads only for PageReadWriteTracked pages.
func (b *PageBitmap) CheckTracking(pageStart, pages uint64, write bool) (notify bool, mapped bool) {
	if pages == 1 {
		tag := PageReadWriteTracked
		if write {
			tag = PageWriteTracked
		}

		state := b.State(pageStart)
		return state >= tag, state != PageUnmapped
	}

	mapped = true
	b.visitRange(pageStart, pages, func(word *atomic.Uint64, mask uint64) bool {
		pte := word.Load()
		mappedMask := mask & blockMappedMask

		if (pte|(pte>>1))&mappedMask != mappedMask {
			mapped = false
			return false
		}

		pte &= mask
		if pte&blockWriteTrackedMask != 0 {
			// writes trigger on any tracking, reads only when both bits of an entry are set
			if write || pte&(pte>>1)&blockMappedMask != 0 {
				notify = true
				return false
			}
		}

		return true
	})

	return notify, mapped
}
