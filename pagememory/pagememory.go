// ABOUTME: Reserves, commits, decommits and releases the OS memory backing heap pages
// ABOUTME: Each allocation is aligned to a blink page and wrapped in inaccessible guard pages

package pagememory

import (
	"errors"
	"fmt"
	"sync"
)

// Address is a raw location in page memory. Managed objects, headers and
// free-list entries are all addressed this way.
type Address = uintptr

const (
	// BlinkPageSizeLog2 fixes the heap page size at 128 KiB.
	BlinkPageSizeLog2 = 17
	BlinkPageSize     = 1 << BlinkPageSizeLog2

	BlinkPageOffsetMask = BlinkPageSize - 1
	BlinkPageBaseMask   = ^uintptr(BlinkPageOffsetMask)
)

var (
	ErrMapFailed     = errors.New("pagememory: reserving address space failed")
	ErrUnmapFailed   = errors.New("pagememory: releasing address space failed")
	ErrProtectFailed = errors.New("pagememory: changing page protection failed")
	ErrAdviseFailed  = errors.New("pagememory: advising the kernel about page use failed")
)

var (
	pageSizeOnce sync.Once
	pageSize     uintptr
)

// OSPageSize returns the granularity of the host's page protection.
func OSPageSize() uintptr {
	pageSizeOnce.Do(func() { pageSize = osPageSize() })
	return pageSize
}

// BlinkPagePayloadSize is the number of writable bytes in one blink page once
// the leading and trailing guard pages are taken out.
func BlinkPagePayloadSize() uintptr {
	return BlinkPageSize - 2*OSPageSize()
}

func RoundToBlinkPageStart(a Address) Address {
	return a & BlinkPageBaseMask
}

func RoundToBlinkPageEnd(a Address) Address {
	return (a - 1 + BlinkPageSize) & BlinkPageBaseMask
}

func RoundToOSPageSize(size uintptr) uintptr {
	ps := OSPageSize()
	return (size + ps - 1) &^ (ps - 1)
}

// IsPageHeaderAddress reports whether a sits exactly where a page header is
// placed: one OS page into a blink page.
func IsPageHeaderAddress(a Address) bool {
	return a-RoundToBlinkPageStart(a) == OSPageSize()
}

// MemoryRegion is a contiguous span of address space.
type MemoryRegion struct {
	base Address
	size uintptr
}

func NewMemoryRegion(base Address, size uintptr) MemoryRegion {
	return MemoryRegion{base: base, size: size}
}

func (r MemoryRegion) Base() Address { return r.base }
func (r MemoryRegion) Size() uintptr { return r.size }
func (r MemoryRegion) End() Address  { return r.base + r.size }

func (r MemoryRegion) Contains(a Address) bool {
	return r.base <= a && a < r.base+r.size
}

func (r MemoryRegion) ContainsRegion(other MemoryRegion) bool {
	return r.Contains(other.base) && r.Contains(other.base+other.size-1)
}

func (r MemoryRegion) commit() bool {
	if err := protect(r.base, r.size, true); err != nil {
		return false
	}
	return advise(r.base, r.size, adviceNormal) == nil
}

// decommit panics rather than report success while the pages stay resident.
func (r MemoryRegion) decommit() {
	if err := advise(r.base, r.size, adviceDontNeed); err != nil {
		panic(fmt.Errorf("decommit %#x+%d: %w: %v", r.base, r.size, ErrAdviseFailed, err))
	}
	if err := protect(r.base, r.size, false); err != nil {
		panic(fmt.Errorf("decommit %#x+%d: %w", r.base, r.size, ErrProtectFailed))
	}
}

func (r MemoryRegion) release() {
	if err := unmap(r.base, r.size); err != nil {
		panic(fmt.Errorf("release %#x+%d: %w: %v", r.base, r.size, ErrUnmapFailed, err))
	}
}

// reserve maps size bytes of inaccessible address space aligned to a blink
// page. The returned region is what must eventually be released.
func reserve(size uintptr) MemoryRegion {
	allocationSize := size + BlinkPageSize
	base, err := mapRegion(allocationSize)
	if err != nil {
		panic(fmt.Errorf("reserve %d bytes: %w: %v", allocationSize, ErrMapFailed, err))
	}
	aligned := RoundToBlinkPageEnd(base)
	if !canTrimReservation {
		return MemoryRegion{base: base, size: allocationSize}
	}
	// Hand the unaligned head and the unused tail back to the OS so only the
	// aligned span stays reserved.
	if pre := aligned - base; pre > 0 {
		if err := unmap(base, pre); err != nil {
			panic(fmt.Errorf("trim reservation head: %w: %v", ErrUnmapFailed, err))
		}
	}
	if post := (base + allocationSize) - (aligned + size); post > 0 {
		if err := unmap(aligned+size, post); err != nil {
			panic(fmt.Errorf("trim reservation tail: %w: %v", ErrUnmapFailed, err))
		}
	}
	return MemoryRegion{base: aligned, size: size}
}

// PageMemory is one reserved region with a writable window placed one OS page
// after a blink page boundary. The pages before and after the window stay
// inaccessible, so overruns fault instead of corrupting neighbours.
type PageMemory struct {
	reserved MemoryRegion
	writable MemoryRegion
	released bool
}

// Allocate reserves room for payloadSize bytes plus both guard pages and
// commits the writable window. Failure to map memory panics: the heap has no
// way to recover from address space exhaustion.
func Allocate(payloadSize uintptr) *PageMemory {
	payloadSize = RoundToOSPageSize(payloadSize)
	allocationSize := payloadSize + 2*OSPageSize()
	reserved := reserve(allocationSize)

	writableStart := RoundToBlinkPageEnd(reserved.base) + OSPageSize()
	p := &PageMemory{
		reserved: reserved,
		writable: MemoryRegion{base: writableStart, size: payloadSize},
	}
	if !p.Commit() {
		p.Release()
		panic(fmt.Errorf("commit %d bytes: %w", payloadSize, ErrProtectFailed))
	}
	return p
}

func (p *PageMemory) WritableStart() Address  { return p.writable.base }
func (p *PageMemory) WritableSize() uintptr   { return p.writable.size }
func (p *PageMemory) Writable() MemoryRegion  { return p.writable }
func (p *PageMemory) Reserved() MemoryRegion  { return p.reserved }
func (p *PageMemory) Released() bool          { return p.released }
func (p *PageMemory) Contains(a Address) bool { return p.writable.Contains(a) }
func (p *PageMemory) String() string {
	return fmt.Sprintf("PageMemory{%#x+%d}", p.writable.base, p.writable.size)
}

// Commit makes the writable window accessible again after a Decommit.
func (p *PageMemory) Commit() bool {
	return p.writable.commit()
}

// Decommit drops the physical backing of the writable window and makes it
// inaccessible. The address space stays reserved.
func (p *PageMemory) Decommit() {
	p.writable.decommit()
}

// Release returns the whole reservation, guard pages included, to the OS.
func (p *PageMemory) Release() {
	if p.released {
		return
	}
	p.released = true
	p.reserved.release()
}

// IsMapped reports whether the OS still backs a with any mapping. It is used
// to observe that released memory really went away.
func IsMapped(a Address) bool {
	return isMapped(RoundToOSPageSizeStart(a))
}

func RoundToOSPageSizeStart(a Address) Address {
	return a &^ (OSPageSize() - 1)
}
