// ABOUTME: Linux page memory primitives built on mmap, munmap, mprotect and madvise
// ABOUTME: Reservations are trimmed to blink page alignment and released piecewise

//go:build linux

package pagememory

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const canTrimReservation = true

type advice int

const (
	adviceNormal advice = iota
	adviceDontNeed
)

func osPageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

func bytesAt(base Address, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
}

// mapRegion and unmap go through the raw syscalls: unix.Mmap hands back a
// Go slice and keeps its own bookkeeping of live mappings, which would pin
// every trimmed reservation.
func mapRegion(size uintptr) (Address, error) {
	p, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, size,
		unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE, ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return Address(p), nil
}

func unmap(base Address, size uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, base, size, 0); errno != 0 {
		return errno
	}
	return nil
}

func protect(base Address, size uintptr, writable bool) error {
	prot := unix.PROT_NONE
	if writable {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(bytesAt(base, size), prot)
}

func advise(base Address, size uintptr, a advice) error {
	switch a {
	case adviceDontNeed:
		return unix.Madvise(bytesAt(base, size), unix.MADV_DONTNEED)
	default:
		return unix.Madvise(bytesAt(base, size), unix.MADV_NORMAL)
	}
}

// isMapped asks mincore about a single page. ENOMEM means nothing is mapped
// there any more.
func isMapped(page Address) bool {
	var vec [1]byte
	_, _, errno := unix.Syscall(unix.SYS_MINCORE, page, OSPageSize(), uintptr(unsafe.Pointer(&vec[0])))
	return errno != unix.ENOMEM
}
