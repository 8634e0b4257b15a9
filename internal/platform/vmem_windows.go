package platform

import (
	"syscall"
	"unsafe"
)

var (
	kernel32           = syscall.NewLazyDLL("kernel32.dll")
	procVirtualAlloc   = kernel32.NewProc("VirtualAlloc")
	procVirtualProtect = kernel32.NewProc("VirtualProtect")
	procVirtualFree    = kernel32.NewProc("VirtualFree")
)

const (
	windows_MEM_COMMIT   = 0x00001000
	windows_MEM_RESERVE  = 0x00002000
	windows_MEM_DECOMMIT = 0x00004000
	windows_MEM_RELEASE  = 0x00008000

	windows_PAGE_NOACCESS          = 0x00000001
	windows_PAGE_READONLY          = 0x00000002
	windows_PAGE_READWRITE         = 0x00000004
	windows_PAGE_EXECUTE_READ      = 0x00000020
	windows_PAGE_EXECUTE_READWRITE = 0x00000040

	windows_ERROR_NOT_ENOUGH_MEMORY  syscall.Errno = 8
	windows_ERROR_OUTOFMEMORY        syscall.Errno = 14
	windows_ERROR_COMMITMENT_MINIMUM syscall.Errno = 635
)

// The Windows protection constants look like a bitmask but are in fact an
// enumeration, so the triple collapses to the closest representable value.
func protect(p Prot) uintptr {
	switch {
	case p&ProtExec != 0 && p&ProtWrite != 0:
		return windows_PAGE_EXECUTE_READWRITE
	case p&ProtExec != 0:
		return windows_PAGE_EXECUTE_READ
	case p&ProtWrite != 0:
		return windows_PAGE_READWRITE
	case p&ProtRead != 0:
		return windows_PAGE_READONLY
	}
	return windows_PAGE_NOACCESS
}

// Reserve claims size bytes of address space with no backing store. hint is
// best effort: if the hinted base is unavailable the reservation falls back
// to a kernel-chosen one, and the caller decides whether that is acceptable.
func Reserve(hint uintptr, size int) (uintptr, error) {
	r0, _, err := procVirtualAlloc.Call(hint, uintptr(size), windows_MEM_RESERVE, windows_PAGE_NOACCESS)
	if r0 == 0 && hint != 0 {
		r0, _, err = procVirtualAlloc.Call(0, uintptr(size), windows_MEM_RESERVE, windows_PAGE_NOACCESS)
	}
	if r0 == 0 {
		return 0, err
	}
	return r0, nil
}

// Commit backs [base, base+size) with storage under protection p.
func Commit(base uintptr, size int, p Prot) error {
	r0, _, err := procVirtualAlloc.Call(base, uintptr(size), windows_MEM_COMMIT, protect(p))
	if r0 == 0 {
		return err
	}
	return nil
}

// Decommit returns the range to reserved semantics; recommitting later
// observes fresh zero pages.
func Decommit(base uintptr, size int) error {
	r1, _, err := procVirtualFree.Call(base, uintptr(size), windows_MEM_DECOMMIT)
	if r1 == 0 {
		return err
	}
	return nil
}

// Release returns the whole reservation to the free address space pool.
// size must be 0 for MEM_RELEASE, so it is intentionally unused here.
func Release(base uintptr, _ int) error {
	r1, _, err := procVirtualFree.Call(base, 0, windows_MEM_RELEASE)
	if r1 == 0 {
		return err
	}
	return nil
}

// Protect changes the effective protection of an already-committed range.
func Protect(base uintptr, size int, p Prot) error {
	var old uint32
	r1, _, err := procVirtualProtect.Call(base, uintptr(size), protect(p), uintptr(unsafe.Pointer(&old)))
	if r1 == 0 {
		return err
	}
	return nil
}

// Transient reports whether err is momentary system-wide commit pressure
// that may clear after a short delay.
func Transient(err error) bool {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return false
	}
	return errno == windows_ERROR_COMMITMENT_MINIMUM ||
		errno == windows_ERROR_NOT_ENOUGH_MEMORY ||
		errno == windows_ERROR_OUTOFMEMORY
}
