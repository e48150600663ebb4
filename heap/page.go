// ABOUTME: Normal heap pages with an object-start bitmap, and large objects that own their memory
// ABOUTME: Sweeping finalizes unmarked objects and coalesces neighbouring free runs onto free lists

package heap

import (
	"math/bits"

	"github.com/prateek/oilpan/pagememory"
)

// basePage is what the contains cache and conservative scanning need from a
// page, whether it holds many objects or one large one.
type basePage interface {
	address() Address
	threadState() *ThreadState
	checkAndMarkPointer(v Visitor, a Address) bool
}

// HeapPage is a blink page carved into objects and free runs with no gaps
// between them.
type HeapPage struct {
	storage *pagememory.PageMemory
	heap    *ThreadHeap
	next    *HeapPage

	objectStartBitMapComputed bool
	objectStartBitMap         [objectStartBitMapSize]uint8
}

func newHeapPage(storage *pagememory.PageMemory, h *ThreadHeap) *HeapPage {
	p := &HeapPage{storage: storage, heap: h}
	writePageHeader(storage.WritableStart(), h.pageFlags(), h.gcInfoIndex(), h.state.id)
	return p
}

func (p *HeapPage) address() Address          { return p.storage.WritableStart() }
func (p *HeapPage) threadState() *ThreadState { return p.heap.state }
func (p *HeapPage) payload() Address          { return p.address() + pageHeaderSize }
func (p *HeapPage) end() Address              { return p.payload() + p.payloadSize() }

func (p *HeapPage) payloadSize() uintptr {
	return (blinkPagePayloadSize() - pageHeaderSize) &^ allocationMask
}

// contains covers the whole blink page, guard pages included, so conservative
// lookups that land on a guard page still resolve to this page.
func (p *HeapPage) contains(a Address) bool {
	base := roundToBlinkPageStart(p.address())
	return base <= a && a < base+blinkPageSize
}

func (p *HeapPage) headerAt(a Address) HeapObjectHeader {
	return HeapObjectHeader{addr: a, finalized: p.heap.finalizedHeaders}
}

// checkedHeaderAt is headerAt for page walks. A run that is empty, unaligned
// or reaches past the page means the page is corrupt, and walking on would
// either spin or read foreign memory.
func (p *HeapPage) checkedHeaderAt(a Address, op string) HeapObjectHeader {
	h := p.headerAt(a)
	size := h.Size()
	if size == 0 || size&allocationMask != 0 || size > p.end()-a {
		fatalf(op, ErrCorruptHeader, "run at %#x has size %d, page ends at %#x", a, size, p.end())
	}
	return h
}

func (p *HeapPage) isEmpty() bool {
	h := p.headerAt(p.payload())
	return h.IsFree() && h.Size() == p.payloadSize()
}

func (p *HeapPage) unlink(prev **HeapPage) {
	*prev = p.next
	p.next = nil
}

func (p *HeapPage) sweep() {
	p.clearObjectStartBitMap()
	stats := &p.heap.state.stats
	startOfGap := p.payload()
	for headerAddress := startOfGap; headerAddress < p.end(); {
		header := p.checkedHeaderAt(headerAddress, "sweep")
		size := header.Size()
		if header.IsFree() {
			headerAddress += size
			continue
		}
		if !header.IsMarked() {
			header.finalize(p.heap.zap())
			headerAddress += size
			continue
		}
		if startOfGap != headerAddress {
			p.heap.addToFreeList(startOfGap, headerAddress-startOfGap)
		}
		header.Unmark()
		headerAddress += size
		stats.increaseObjectSpace(header.PayloadSize())
		startOfGap = headerAddress
	}
	if startOfGap != p.end() {
		p.heap.addToFreeList(startOfGap, p.end()-startOfGap)
	}
}

func (p *HeapPage) clearMarks() {
	for headerAddress := p.payload(); headerAddress < p.end(); {
		header := p.checkedHeaderAt(headerAddress, "clearMarks")
		if !header.IsFree() {
			header.Unmark()
		}
		headerAddress += header.Size()
	}
}

func (p *HeapPage) getStats(stats *HeapStats) {
	stats.increaseAllocatedSpace(blinkPageSize)
	for headerAddress := p.payload(); headerAddress < p.end(); {
		header := p.checkedHeaderAt(headerAddress, "getStats")
		if !header.IsFree() {
			stats.increaseObjectSpace(header.PayloadSize())
		}
		headerAddress += header.Size()
	}
}

// objects calls fn for every allocated object on the page.
func (p *HeapPage) objects(fn func(HeapObjectHeader)) {
	for headerAddress := p.payload(); headerAddress < p.end(); {
		header := p.checkedHeaderAt(headerAddress, "objects")
		next := headerAddress + header.Size()
		if !header.IsFree() {
			fn(header)
		}
		headerAddress = next
	}
}

func (p *HeapPage) clearObjectStartBitMap() {
	p.objectStartBitMapComputed = false
}

func (p *HeapPage) populateObjectStartBitMap() {
	clear(p.objectStartBitMap[:])
	start := p.payload()
	for headerAddress := start; headerAddress < p.end(); {
		header := p.checkedHeaderAt(headerAddress, "populateObjectStartBitMap")
		offset := (headerAddress - start) / allocationGranularity
		p.objectStartBitMap[offset/8] |= 1 << (offset & 7)
		headerAddress += header.Size()
	}
	p.objectStartBitMapComputed = true
}

// findHeaderFromAddress locates the object whose header starts at or before
// a by scanning the object-start bitmap backwards.
func (p *HeapPage) findHeaderFromAddress(a Address) (HeapObjectHeader, bool) {
	if a < p.payload() || a >= p.end() {
		return HeapObjectHeader{}, false
	}
	if !p.objectStartBitMapComputed {
		p.populateObjectStartBitMap()
	}
	objectOffset := (a - p.payload()) / allocationGranularity
	objectStartNumber := objectOffset / 8
	mapIndex := int(objectStartNumber)
	bit := uint(objectOffset & 7)
	b := p.objectStartBitMap[mapIndex] & uint8((1<<(bit+1))-1)
	for b == 0 {
		mapIndex--
		b = p.objectStartBitMap[mapIndex]
	}
	leadingZeroes := bits.LeadingZeros8(b)
	objectOffset = uintptr(mapIndex)*8 + 7 - uintptr(leadingZeroes)
	return p.headerAt(p.payload() + objectOffset*allocationGranularity), true
}

// checkAndMarkPointer treats a as a possible interior pointer and marks the
// object it lands in. Free runs match but are not marked.
func (p *HeapPage) checkAndMarkPointer(v Visitor, a Address) bool {
	header, ok := p.findHeaderFromAddress(a)
	if !ok {
		return false
	}
	if header.IsFree() {
		return true
	}
	v.MarkHeader(header, header.GCInfo().Trace)
	return true
}

// LargeHeapObject is a single object too big for a normal page. It owns its
// PageMemory and is unmapped as soon as a sweep finds it dead.
type LargeHeapObject struct {
	storage *pagememory.PageMemory
	heap    *ThreadHeap
	next    *LargeHeapObject
}

func (l *LargeHeapObject) address() Address          { return l.storage.WritableStart() }
func (l *LargeHeapObject) threadState() *ThreadState { return l.heap.state }

func (l *LargeHeapObject) header() HeapObjectHeader {
	return HeapObjectHeader{addr: l.address() + pageHeaderSize, finalized: l.heap.finalizedHeaders}
}

func (l *LargeHeapObject) Payload() Address { return l.header().Payload() }

// Size counts the page descriptor as well as the object.
func (l *LargeHeapObject) size() uintptr {
	return l.header().Size() + pageHeaderSize
}

func (l *LargeHeapObject) contains(a Address) bool {
	return l.address() <= a && a < l.address()+l.size()
}

func (l *LargeHeapObject) checkAndMarkPointer(v Visitor, a Address) bool {
	if !l.contains(a) {
		return false
	}
	header := l.header()
	v.MarkHeader(header, header.GCInfo().Trace)
	return true
}

func (l *LargeHeapObject) isMarked() bool { return l.header().IsMarked() }
func (l *LargeHeapObject) unmark()        { l.header().Unmark() }

func (l *LargeHeapObject) getStats(stats *HeapStats) {
	stats.increaseAllocatedSpace(l.size())
	stats.increaseObjectSpace(l.header().PayloadSize())
}
