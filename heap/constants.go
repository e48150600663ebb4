// ABOUTME: Layout constants shared by headers, pages, free lists and the contains cache
// ABOUTME: Sizes are in bytes and every object size is a multiple of the allocation granularity

package heap

import (
	"github.com/prateek/oilpan/pagememory"
)

// Address is a location in managed memory.
type Address = pagememory.Address

const (
	blinkPageSizeLog2   = pagememory.BlinkPageSizeLog2
	blinkPageSize       = pagememory.BlinkPageSize
	blinkPageOffsetMask = pagememory.BlinkPageOffsetMask
	blinkPageBaseMask   = pagememory.BlinkPageBaseMask

	allocationGranularity = 8
	allocationMask        = allocationGranularity - 1

	objectStartBitMapSize = (blinkPageSize + (8 * allocationGranularity) - 1) / (8 * allocationGranularity)

	// MaxHeapObjectSize bounds a single allocation. Larger requests fail with
	// ErrInvalidSize.
	MaxHeapObjectSize = 1 << 27

	// Objects whose allocation size exceeds half a blink page get a page of
	// their own.
	largeObjectSizeThreshold = blinkPageSize / 2

	headerMagic  = 0xc0de247
	zappedMagic  = 0xC0DEdead
	zappedVTable = 0xd0d

	freeListZapValue  = 42
	finalizedZapValue = 24

	sizeMask        = uint64(0xffffffff) &^ 7
	markBitMask     = 1
	freeListMask    = 2
	debugBitMask    = 4
	encodedSizeMask = uint64(0xffffffff)

	// objectHeaderSize is the header of objects on typed heaps: the GCInfo
	// lives on the page.
	objectHeaderSize = 8
	// finalizedHeaderSize adds a GCInfo index word for the general heap.
	finalizedHeaderSize = 16
	// freeListEntrySize is the smallest run that can be linked on a free list.
	freeListEntrySize = 16

	// pageHeaderSize is reserved at the start of every page for its in-memory
	// descriptor.
	pageHeaderSize = 32

	gcInfoHeapIndex = 0
)

func roundToBlinkPageStart(a Address) Address { return a & blinkPageBaseMask }

func pageHeaderAddress(a Address) Address {
	return roundToBlinkPageStart(a) + pagememory.OSPageSize()
}

func blinkPagePayloadSize() uintptr {
	return pagememory.BlinkPagePayloadSize()
}
