//go:build unix

package platform

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

func prot(p Prot) int {
	n := unix.PROT_NONE
	if p&ProtRead != 0 {
		n |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		n |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		n |= unix.PROT_EXEC
	}
	return n
}

// Reserve claims size bytes of address space with no backing store. Every
// access inside the range faults until part of it is committed. hint is best
// effort: without MAP_FIXED the kernel is free to place the mapping at a
// different base, and the caller decides whether that is acceptable.
func Reserve(hint uintptr, size int) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|reserveFlags)
	if err != nil {
		return 0, err
	}
	return uintptr(p), nil
}

// Commit backs [base, base+size) with storage under protection p. On unix
// the reservation already carries anonymous pages, so commit is a protection
// transition away from PROT_NONE.
func Commit(base uintptr, size int, p Prot) error {
	return unix.Mprotect(Slice(base, size), prot(p))
}

// Decommit returns the range to reserved semantics. Remapping over the range
// drops its backing pages, so a later Commit observes fresh zero pages.
func Decommit(base uintptr, size int) error {
	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(base), uintptr(size),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED|reserveFlags)
	return err
}

// Release returns the whole range to the free address space pool.
func Release(base uintptr, size int) error {
	return unix.MunmapPtr(unsafe.Pointer(base), uintptr(size))
}

// Protect changes the effective protection of an already-committed range.
func Protect(base uintptr, size int, p Prot) error {
	return unix.Mprotect(Slice(base, size), prot(p))
}

// Transient reports whether err is momentary system-wide resource pressure
// that may clear after a short delay, as opposed to an invalid request.
func Transient(err error) bool {
	return errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN)
}
