// ABOUTME: Portable page memory for hosts without the Linux mapping primitives
// ABOUTME: Reservations come from pinned Go byte arenas and guard pages are not enforced

//go:build !linux

package pagememory

import (
	"errors"
	"sync"
	"unsafe"
)

const canTrimReservation = false

type advice int

const (
	adviceNormal advice = iota
	adviceDontNeed
)

var errUnknownRegion = errors.New("region was not reserved here")

// arenas keeps every reservation reachable so the Go collector never frees
// memory the managed heap is still using.
var arenas = struct {
	sync.Mutex
	live map[Address][]byte
}{live: make(map[Address][]byte)}

func osPageSize() uintptr {
	return 4096
}

func mapRegion(size uintptr) (Address, error) {
	buf := make([]byte, size)
	base := Address(unsafe.Pointer(&buf[0]))
	arenas.Lock()
	arenas.live[base] = buf
	arenas.Unlock()
	return base, nil
}

func unmap(base Address, size uintptr) error {
	arenas.Lock()
	defer arenas.Unlock()
	if _, ok := arenas.live[base]; !ok {
		return errUnknownRegion
	}
	delete(arenas.live, base)
	return nil
}

func protect(base Address, size uintptr, writable bool) error {
	return nil
}

func advise(base Address, size uintptr, a advice) error {
	if a == adviceDontNeed {
		clear(unsafe.Slice((*byte)(unsafe.Pointer(base)), size))
	}
	return nil
}

func isMapped(page Address) bool {
	arenas.Lock()
	defer arenas.Unlock()
	for base, buf := range arenas.live {
		if base <= page && page < base+Address(len(buf)) {
			return true
		}
	}
	return false
}
