// ABOUTME: Object headers stored in front of every payload and the page descriptor that locates them
// ABOUTME: The first header word packs size, mark, free and debug bits under a magic number

package heap

import (
	"unsafe"
)

// HeapObjectHeader is a view onto the header in front of a payload. General
// heap objects carry a second word naming their GCInfo; objects on typed
// heaps take the GCInfo from their page.
type HeapObjectHeader struct {
	addr      Address
	finalized bool
}

func wordAt(a Address) *uint64 {
	return (*uint64)(unsafe.Pointer(a))
}

func addressAt(a Address) *Address {
	return (*Address)(unsafe.Pointer(a))
}

func writeHeader(a Address, size uintptr, finalized bool, gcInfoIndex uint32) HeapObjectHeader {
	*wordAt(a) = uint64(size) | uint64(headerMagic)<<32
	if finalized {
		*wordAt(a + objectHeaderSize) = uint64(gcInfoIndex)
	}
	return HeapObjectHeader{addr: a, finalized: finalized}
}

// writeFreeHeader tags a run too small for the free list so page walks can
// step over it.
func writeFreeHeader(a Address, size uintptr) {
	*wordAt(a) = uint64(size) | freeListMask | uint64(zappedMagic)<<32
}

// HeaderFromPayload returns the header of the object whose payload starts at
// p. The header kind comes from the page descriptor.
func HeaderFromPayload(p Address) HeapObjectHeader {
	if pageHeaderAt(p).finalizedHeaders() {
		return HeapObjectHeader{addr: p - finalizedHeaderSize, finalized: true}
	}
	return HeapObjectHeader{addr: p - objectHeaderSize}
}

func (h HeapObjectHeader) Address() Address { return h.addr }

func (h HeapObjectHeader) Size() uintptr {
	return uintptr(*wordAt(h.addr) & sizeMask)
}

func (h HeapObjectHeader) magic() uint32 {
	return uint32(*wordAt(h.addr) >> 32)
}

// CheckHeader panics if the header does not carry the live object magic.
func (h HeapObjectHeader) CheckHeader() {
	if m := h.magic(); m != headerMagic {
		fatalf("CheckHeader", ErrCorruptHeader, "header %#x has magic %#x", h.addr, m)
	}
}

func (h HeapObjectHeader) IsFree() bool {
	return *wordAt(h.addr)&freeListMask != 0
}

func (h HeapObjectHeader) IsMarked() bool {
	h.CheckHeader()
	return *wordAt(h.addr)&markBitMask != 0
}

func (h HeapObjectHeader) Mark() {
	h.CheckHeader()
	*wordAt(h.addr) |= markBitMask
}

func (h HeapObjectHeader) Unmark() {
	h.CheckHeader()
	*wordAt(h.addr) &^= markBitMask
}

func (h HeapObjectHeader) HasDebugMark() bool {
	h.CheckHeader()
	return *wordAt(h.addr)&debugBitMask != 0
}

func (h HeapObjectHeader) SetDebugMark() {
	h.CheckHeader()
	*wordAt(h.addr) |= debugBitMask
}

func (h HeapObjectHeader) ClearDebugMark() {
	h.CheckHeader()
	*wordAt(h.addr) &^= debugBitMask
}

func (h HeapObjectHeader) headerSize() uintptr {
	if h.finalized {
		return finalizedHeaderSize
	}
	return objectHeaderSize
}

func (h HeapObjectHeader) Payload() Address {
	return h.addr + h.headerSize()
}

func (h HeapObjectHeader) PayloadSize() uintptr {
	return h.Size() - h.headerSize()
}

func (h HeapObjectHeader) PayloadEnd() Address {
	return h.addr + h.Size()
}

// GCInfo resolves the type information of the object.
func (h HeapObjectHeader) GCInfo() *GCInfo {
	if h.finalized {
		return gcInfoAt(uint32(*wordAt(h.addr + objectHeaderSize)))
	}
	return gcInfoAt(pageHeaderAt(h.addr).gcInfoIndex)
}

func (h HeapObjectHeader) zapMagic() {
	*wordAt(h.addr) = *wordAt(h.addr)&encodedSizeMask | uint64(zappedMagic)<<32
}

// finalize runs the type's finalizer and then poisons the payload so stale
// references fault or read obvious garbage.
func (h HeapObjectHeader) finalize(zap bool) {
	payload, size := h.Payload(), h.PayloadSize()
	if info := h.GCInfo(); info != nil && info.Finalize != nil {
		info.Finalize(payload)
	}
	if zap {
		fill(payload, size, finalizedZapValue)
	}
	*addressAt(payload) = zappedVTable
}

func fill(a Address, size uintptr, b byte) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(a)), size)
	for i := range buf {
		buf[i] = b
	}
}

func clearMemory(a Address, size uintptr) {
	clear(unsafe.Slice((*byte)(unsafe.Pointer(a)), size))
}

func copyMemory(dst, src Address, size uintptr) {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), unsafe.Slice((*byte)(unsafe.Pointer(src)), size))
}

// Free-list entries reuse the header word and keep the next pointer right
// after it.
func writeFreeListEntry(a Address, size uintptr, zap bool) {
	*wordAt(a) = uint64(size) | freeListMask | uint64(zappedMagic)<<32
	*addressAt(a + objectHeaderSize) = 0
	if zap {
		fill(a+freeListEntrySize, size-freeListEntrySize, freeListZapValue)
	}
}

func freeListNext(a Address) Address {
	return *addressAt(a + objectHeaderSize)
}

func setFreeListNext(a, next Address) {
	*addressAt(a + objectHeaderSize) = next
}

const (
	pageMagic = 0x0b1a9e5

	pageFlagLarge            = 1
	pageFlagFinalizedHeaders = 2
)

// pageHeader is written at the start of every page's writable window, which
// is always one OS page past a blink page boundary. Any interior address of a
// normal page, and the first blink page of a large object, can find it by
// masking.
type pageHeader struct {
	magic       uint32
	flags       uint32
	gcInfoIndex uint32
	threadID    uint32
	_           [2]uint64
}

func pageHeaderAt(a Address) *pageHeader {
	return (*pageHeader)(unsafe.Pointer(pageHeaderAddress(a)))
}

func writePageHeader(at Address, flags uint32, gcInfoIndex uint32, threadID uint32) {
	*(*pageHeader)(unsafe.Pointer(at)) = pageHeader{
		magic:       pageMagic,
		flags:       flags,
		gcInfoIndex: gcInfoIndex,
		threadID:    threadID,
	}
}

func (p *pageHeader) finalizedHeaders() bool { return p.flags&pageFlagFinalizedHeaders != 0 }
func (p *pageHeader) large() bool            { return p.flags&pageFlagLarge != 0 }
