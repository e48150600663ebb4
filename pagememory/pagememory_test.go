// ABOUTME: Tests for page memory reservation, alignment, commit cycles and release
// ABOUTME: Verifies guard page placement and that released memory is no longer mapped

package pagememory

import (
	"testing"
	"unsafe"
)

func TestAllocateAlignment(t *testing.T) {
	tests := []struct {
		name    string
		payload uintptr
	}{
		{"one blink page", BlinkPagePayloadSize()},
		{"small", 100},
		{"one megabyte", 1 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Allocate(tt.payload)
			defer p.Release()

			start := p.WritableStart()
			if got := start - RoundToBlinkPageStart(start); got != OSPageSize() {
				t.Errorf("Expected writable start one OS page into a blink page, got offset %d", got)
			}
			if !IsPageHeaderAddress(start) {
				t.Errorf("Expected %#x to be a page header address", start)
			}
			if p.WritableSize() < tt.payload {
				t.Errorf("Expected at least %d writable bytes, got %d", tt.payload, p.WritableSize())
			}
			if p.WritableSize()%OSPageSize() != 0 {
				t.Errorf("Expected writable size to be a multiple of the OS page size, got %d", p.WritableSize())
			}
			if !p.Reserved().ContainsRegion(p.Writable()) {
				t.Errorf("Expected reserved region %v to contain writable region %v", p.Reserved(), p.Writable())
			}
		})
	}
}

func TestWritableMemoryIsZeroedAndUsable(t *testing.T) {
	p := Allocate(BlinkPagePayloadSize())
	defer p.Release()

	buf := unsafe.Slice((*byte)(unsafe.Pointer(p.WritableStart())), p.WritableSize())
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("Expected fresh memory to be zero, byte %d is %d", i, b)
		}
	}
	buf[0] = 1
	buf[len(buf)-1] = 2
	if buf[0] != 1 || buf[len(buf)-1] != 2 {
		t.Error("Expected writes to the writable window to stick")
	}
}

func TestDecommitCommitCycle(t *testing.T) {
	p := Allocate(BlinkPagePayloadSize())
	defer p.Release()

	for i := 0; i < 3; i++ {
		p.Decommit()
		if !p.Commit() {
			t.Fatalf("Expected commit %d to succeed", i)
		}
		word := (*uint64)(unsafe.Pointer(p.WritableStart()))
		*word = uint64(i + 1)
		if *word != uint64(i+1) {
			t.Errorf("Expected recommitted memory to be writable")
		}
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := Allocate(100)
	p.Release()
	p.Release()
	if !p.Released() {
		t.Error("Expected page memory to report released")
	}
}

func TestReleaseUnmapsMemory(t *testing.T) {
	p := Allocate(1 << 20)
	start := p.WritableStart()
	if !IsMapped(start) {
		t.Fatalf("Expected %#x to be mapped before release", start)
	}
	p.Release()
	if IsMapped(start) {
		t.Errorf("Expected %#x to be unmapped after release", start)
	}
	if IsMapped(start + (1 << 19)) {
		t.Errorf("Expected the middle of the released region to be unmapped")
	}
}

func TestMemoryRegion(t *testing.T) {
	r := NewMemoryRegion(0x1000, 0x100)
	tests := []struct {
		addr Address
		want bool
	}{
		{0xfff, false},
		{0x1000, true},
		{0x10ff, true},
		{0x1100, false},
	}
	for _, tt := range tests {
		if got := r.Contains(tt.addr); got != tt.want {
			t.Errorf("Contains(%#x): expected %v, got %v", tt.addr, tt.want, got)
		}
	}
	if !r.ContainsRegion(NewMemoryRegion(0x1010, 0x10)) {
		t.Error("Expected nested region to be contained")
	}
	if r.ContainsRegion(NewMemoryRegion(0x10f0, 0x20)) {
		t.Error("Expected overlapping region not to be contained")
	}
}

func TestRounding(t *testing.T) {
	if got := RoundToBlinkPageStart(BlinkPageSize + 5); got != BlinkPageSize {
		t.Errorf("Expected %d, got %d", BlinkPageSize, got)
	}
	if got := RoundToBlinkPageEnd(BlinkPageSize + 5); got != 2*BlinkPageSize {
		t.Errorf("Expected %d, got %d", 2*BlinkPageSize, got)
	}
	if got := RoundToBlinkPageEnd(BlinkPageSize); got != BlinkPageSize {
		t.Errorf("Expected aligned address to stay put, got %d", got)
	}
	if got := RoundToOSPageSize(1); got != OSPageSize() {
		t.Errorf("Expected %d, got %d", OSPageSize(), got)
	}
}
