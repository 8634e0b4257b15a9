// Package platform provides the per-OS virtual memory primitives the rest of
// the module is built on: reserve, commit, decommit, release and re-protect
// over raw address ranges. Callers are expected to pass page-aligned bases
// and sizes; this package does not round for them.
package platform

import (
	"os"
	"unsafe"
)

// Prot is the platform-neutral protection bitmask. Per-OS files translate it
// to the native representation.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

var pageSize = os.Getpagesize()

// PageSize returns the platform page size, discovered once at initialization
// and constant thereafter.
func PageSize() int {
	return pageSize
}

// Aligned reports whether v is a multiple of the page size.
func Aligned(v uintptr) bool {
	return v&uintptr(pageSize-1) == 0
}

// Slice returns a byte view over the mapped range starting at base. The
// caller must only touch parts whose protection permits it.
func Slice(base uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
}
