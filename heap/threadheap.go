// ABOUTME: Per-thread allocation heap: bump allocation, bucketed free lists, page pool and large objects
// ABOUTME: One general heap plus one heap per typed GCInfo exist for every attached thread

package heap

import (
	"math/bits"

	"github.com/prateek/oilpan/pagememory"
)

const freeListBuckets = blinkPageSizeLog2

// ThreadHeap owns the pages and large objects of one heap on one thread.
type ThreadHeap struct {
	state            *ThreadState
	index            int
	gcInfo           *GCInfo // set for typed heaps
	finalizedHeaders bool
	headerSize       uintptr

	currentAllocationPoint  Address
	remainingAllocationSize uintptr

	firstPage            *HeapPage
	firstLargeHeapObject *LargeHeapObject

	// freeLists[i] holds runs of at least 1<<i bytes. biggestFreeListIndex
	// always names the highest non-empty bucket, or zero.
	freeLists            [freeListBuckets]Address
	biggestFreeListIndex int

	// pagePool holds decommitted pages this heap may reuse.
	pagePool []*pagememory.PageMemory
}

func newThreadHeap(state *ThreadState, index int, info *GCInfo) *ThreadHeap {
	h := &ThreadHeap{
		state:            state,
		index:            index,
		gcInfo:           info,
		finalizedHeaders: info == nil,
		headerSize:       objectHeaderSize,
	}
	if h.finalizedHeaders {
		h.headerSize = finalizedHeaderSize
	}
	return h
}

func (h *ThreadHeap) zap() bool { return h.state.heap.opts.zap }

func (h *ThreadHeap) pageFlags() uint32 {
	if h.finalizedHeaders {
		return pageFlagFinalizedHeaders
	}
	return 0
}

func (h *ThreadHeap) gcInfoIndex() uint32 {
	if h.gcInfo == nil {
		return 0
	}
	return h.gcInfo.index
}

func (h *ThreadHeap) allocationSizeFromSize(size uintptr) uintptr {
	allocationSize := size + h.headerSize
	return (allocationSize + allocationMask) &^ allocationMask
}

// allocate returns a zeroed payload of at least size bytes. Callers have
// already checked size against MaxHeapObjectSize.
func (h *ThreadHeap) allocate(size uintptr, info *GCInfo) Address {
	allocationSize := h.allocationSizeFromSize(size)
	if allocationSize > largeObjectSizeThreshold {
		return h.allocateLargeObject(allocationSize, info)
	}
	if allocationSize > h.remainingAllocationSize {
		return h.outOfLineAllocate(size, info)
	}
	headerAddress := h.currentAllocationPoint
	h.currentAllocationPoint += allocationSize
	h.remainingAllocationSize -= allocationSize
	header := writeHeader(headerAddress, allocationSize, h.finalizedHeaders, info.index)
	h.state.stats.increaseObjectSpace(header.PayloadSize())
	clearMemory(header.Payload(), header.PayloadSize())
	return header.Payload()
}

func (h *ThreadHeap) outOfLineAllocate(size uintptr, info *GCInfo) Address {
	allocationSize := h.allocationSizeFromSize(size)
	if h.state.shouldGC() {
		if h.state.shouldForceConservativeGC() {
			h.state.heap.CollectGarbage(h.state, HeapPointersOnStack)
		} else {
			h.state.setGCRequested()
		}
	}
	h.ensureCurrentAllocation(allocationSize)
	return h.allocate(size, info)
}

// ensureCurrentAllocation replaces the bump area with one of at least
// minSize bytes. The unused tail of the old area goes back on the free list
// so every byte of a page stays covered by a header.
func (h *ThreadHeap) ensureCurrentAllocation(minSize uintptr) {
	if h.remainingAllocationSize > 0 {
		h.addToFreeList(h.currentAllocationPoint, h.remainingAllocationSize)
		h.setAllocationPoint(0, 0)
	}
	if h.allocateFromFreeList(minSize) {
		return
	}
	h.addPageToHeap()
	if !h.allocateFromFreeList(minSize) {
		fatalf("ensureCurrentAllocation", ErrAllocationNotAllowed, "fresh page cannot hold %d bytes", minSize)
	}
}

func (h *ThreadHeap) setAllocationPoint(point Address, size uintptr) {
	h.currentAllocationPoint = point
	h.remainingAllocationSize = size
}

// allocateFromFreeList takes the first entry from the biggest bucket whose
// entries are guaranteed to fit minSize and makes it the bump area.
func (h *ThreadHeap) allocateFromFreeList(minSize uintptr) bool {
	i := h.biggestFreeListIndex
	for bucketSize := uintptr(1) << i; i > 0; i, bucketSize = i-1, bucketSize>>1 {
		if bucketSize < minSize {
			break
		}
		entry := h.freeLists[i]
		if entry != 0 {
			h.freeLists[i] = freeListNext(entry)
			h.recomputeBiggestFreeListIndex()
			h.setAllocationPoint(entry, HeapObjectHeader{addr: entry}.Size())
			return true
		}
	}
	h.recomputeBiggestFreeListIndex()
	return false
}

func (h *ThreadHeap) recomputeBiggestFreeListIndex() {
	i := h.biggestFreeListIndex
	for i > 0 && h.freeLists[i] == 0 {
		i--
	}
	h.biggestFreeListIndex = i
}

func bucketIndexForSize(size uintptr) int {
	return bits.Len(uint(size)) - 1
}

// addToFreeList turns [a, a+size) into a free run. Runs too small to hold a
// free-list entry are only tagged so page walks can step over them.
func (h *ThreadHeap) addToFreeList(a Address, size uintptr) {
	if size < freeListEntrySize {
		writeFreeHeader(a, size)
		return
	}
	writeFreeListEntry(a, size, h.zap())
	index := bucketIndexForSize(size)
	setFreeListNext(a, h.freeLists[index])
	h.freeLists[index] = a
	if index > h.biggestFreeListIndex {
		h.biggestFreeListIndex = index
	}
}

func (h *ThreadHeap) clearFreeLists() {
	clear(h.freeLists[:])
	h.biggestFreeListIndex = 0
}

func (h *ThreadHeap) addPageToHeap() {
	h.state.containsCache.flush()
	var storage *pagememory.PageMemory
	if n := len(h.pagePool); n > 0 {
		storage = h.pagePool[n-1]
		h.pagePool = h.pagePool[:n-1]
		if !storage.Commit() {
			fatalf("addPageToHeap", ErrProtectFailed, "recommitting %s", storage)
		}
	} else {
		storage = pagememory.Allocate(blinkPagePayloadSize())
		h.state.stats.increaseAllocatedSpace(blinkPageSize)
	}
	page := newHeapPage(storage, h)
	page.next = h.firstPage
	h.firstPage = page
	h.addToFreeList(page.payload(), page.payloadSize())
}

// removePageFromHeap decommits the page and keeps its memory for reuse by
// this heap only.
func (h *ThreadHeap) removePageFromHeap(page *HeapPage) {
	h.state.containsCache.flush()
	page.storage.Decommit()
	h.pagePool = append(h.pagePool, page.storage)
}

func (h *ThreadHeap) allocateLargeObject(allocationSize uintptr, info *GCInfo) Address {
	if h.state.shouldGC() {
		h.state.setGCRequested()
	}
	h.state.containsCache.flush()
	storage := pagememory.Allocate(pageHeaderSize + allocationSize)
	writePageHeader(storage.WritableStart(), h.pageFlags()|pageFlagLarge, h.gcInfoIndex(), h.state.id)
	large := &LargeHeapObject{storage: storage, heap: h}
	header := writeHeader(large.address()+pageHeaderSize, allocationSize, h.finalizedHeaders, info.index)
	clearMemory(header.Payload(), header.PayloadSize())
	large.next = h.firstLargeHeapObject
	h.firstLargeHeapObject = large
	h.state.stats.increaseAllocatedSpace(large.size())
	h.state.stats.increaseObjectSpace(header.PayloadSize())
	return header.Payload()
}

func (h *ThreadHeap) freeLargeObject(large *LargeHeapObject, prev **LargeHeapObject) {
	*prev = large.next
	large.header().finalize(h.zap())
	h.state.containsCache.flush()
	large.storage.Release()
}

// sweep reclaims everything left unmarked. Pages that were already empty go
// back to the pool first; the rest are swept in place.
func (h *ThreadHeap) sweep() {
	stats := &h.state.stats
	for prev := &h.firstPage; *prev != nil; {
		page := *prev
		if page.isEmpty() {
			page.unlink(prev)
			h.removePageFromHeap(page)
			continue
		}
		stats.increaseAllocatedSpace(blinkPageSize)
		page.sweep()
		prev = &page.next
	}
	stats.increaseAllocatedSpace(uintptr(len(h.pagePool)) * blinkPageSize)

	for prev := &h.firstLargeHeapObject; *prev != nil; {
		large := *prev
		if large.isMarked() {
			large.unmark()
			large.getStats(stats)
			prev = &large.next
			continue
		}
		h.freeLargeObject(large, prev)
	}
}

func (h *ThreadHeap) clearMarks() {
	for page := h.firstPage; page != nil; page = page.next {
		page.clearMarks()
	}
	for large := h.firstLargeHeapObject; large != nil; large = large.next {
		if large.isMarked() {
			large.unmark()
		}
	}
}

// makeConsistentForGC hands the unused bump area back and drops the free
// lists. Afterwards every byte of every page is covered by a header, which
// the collector relies on when walking pages.
func (h *ThreadHeap) makeConsistentForGC() {
	if h.remainingAllocationSize > 0 {
		h.addToFreeList(h.currentAllocationPoint, h.remainingAllocationSize)
	}
	h.setAllocationPoint(0, 0)
	h.clearFreeLists()
}

// sealAllocationArea tags the bump area as free without touching the free
// lists, so pages can be walked while allocation later resumes where it left
// off.
func (h *ThreadHeap) sealAllocationArea() {
	if h.remainingAllocationSize > 0 {
		writeFreeHeader(h.currentAllocationPoint, h.remainingAllocationSize)
	}
}

// invalidateObjectStartBitMaps forgets bitmaps computed while the bump area
// was sealed; allocation is about to resume there.
func (h *ThreadHeap) invalidateObjectStartBitMaps() {
	for page := h.firstPage; page != nil; page = page.next {
		page.clearObjectStartBitMap()
	}
}

func (h *ThreadHeap) isConsistentForGC() bool {
	for _, entry := range h.freeLists {
		if entry != 0 {
			return false
		}
	}
	return h.remainingAllocationSize == 0
}

// assertEmpty checks, on thread teardown, that nothing survived and rebuilds
// the free lists from the now empty pages.
func (h *ThreadHeap) assertEmpty() {
	h.makeConsistentForGC()
	for page := h.firstPage; page != nil; page = page.next {
		page.objects(func(header HeapObjectHeader) {
			fatalf("assertEmpty", ErrLiveObjectAtTeardown, "%s object at %#x", gcInfoName(header.GCInfo()), header.Payload())
		})
		h.addToFreeList(page.payload(), page.payloadSize())
	}
	if large := h.firstLargeHeapObject; large != nil {
		fatalf("assertEmpty", ErrLiveObjectAtTeardown, "large %s object at %#x", gcInfoName(large.header().GCInfo()), large.Payload())
	}
}

// deletePages releases every page, pooled or live, back to the OS.
func (h *ThreadHeap) deletePages() {
	h.state.containsCache.flush()
	for page := h.firstPage; page != nil; page = page.next {
		page.storage.Release()
	}
	h.firstPage = nil
	for _, storage := range h.pagePool {
		storage.Release()
	}
	h.pagePool = nil
	for large := h.firstLargeHeapObject; large != nil; large = large.next {
		large.storage.Release()
	}
	h.firstLargeHeapObject = nil
	h.setAllocationPoint(0, 0)
	h.clearFreeLists()
}

// pageFromAddress finds the normal page containing a, or the large object
// whose first blink page contains it.
func (h *ThreadHeap) pageFromAddress(a Address) basePage {
	for page := h.firstPage; page != nil; page = page.next {
		if page.contains(a) {
			return page
		}
	}
	for large := h.firstLargeHeapObject; large != nil; large = large.next {
		if roundToBlinkPageStart(large.address()) == roundToBlinkPageStart(a) {
			return large
		}
	}
	return nil
}

func (h *ThreadHeap) largeHeapObjectFromAddress(a Address) *LargeHeapObject {
	for large := h.firstLargeHeapObject; large != nil; large = large.next {
		if large.contains(a) {
			return large
		}
	}
	return nil
}

func (h *ThreadHeap) checkAndMarkLargeHeapObject(v Visitor, a Address) bool {
	if large := h.largeHeapObjectFromAddress(a); large != nil {
		return large.checkAndMarkPointer(v, a)
	}
	return false
}

func (h *ThreadHeap) getStats(stats *HeapStats) {
	for page := h.firstPage; page != nil; page = page.next {
		page.getStats(stats)
	}
	stats.increaseAllocatedSpace(uintptr(len(h.pagePool)) * blinkPageSize)
	for large := h.firstLargeHeapObject; large != nil; large = large.next {
		large.getStats(stats)
	}
}

// objects calls fn for every allocated object of the heap. The heap must be
// consistent or sealed.
func (h *ThreadHeap) objects(fn func(HeapObjectHeader)) {
	for page := h.firstPage; page != nil; page = page.next {
		page.objects(fn)
	}
	for large := h.firstLargeHeapObject; large != nil; large = large.next {
		fn(large.header())
	}
}

func gcInfoName(info *GCInfo) string {
	if info == nil {
		return "unknown"
	}
	return info.Name
}
