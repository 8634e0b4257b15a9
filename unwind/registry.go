// Package unwind maintains the metadata that lets the platform's
// exception-propagation machinery, which only understands statically
// compiled code, locate a handler trampoline for any instruction pointer
// inside a dynamically generated code region.
package unwind

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hostmem/hostmem/vmem"
)

// Record maps one generated-code range to its published trampoline
// descriptor. Records are append-only: once linked they are never mutated or
// unlinked, so readers stay lock-free for the process lifetime. Unlinking
// would require quiescing every thread first.
type Record struct {
	codeStart uintptr
	codeEnd   uintptr
	trampo    uintptr
	next      atomic.Pointer[Record]
}

// CodeStart returns the first address of the decorated code range.
func (r *Record) CodeStart() uintptr { return r.codeStart }

// CodeEnd returns the first address past the decorated code range.
func (r *Record) CodeEnd() uintptr { return r.codeEnd }

// Trampoline returns the address of the descriptor block the platform
// unwinder transfers control through.
func (r *Record) Trampoline() uintptr { return r.trampo }

// Registry is the chain of registered code regions, ordered by registration
// time, not by address. Lookups never take a lock. Registration assumes at
// most one in-flight writer: code generation is rare and already serialized
// by the generator, and concurrent registrations without external
// serialization are a caller bug.
type Registry struct {
	entry uintptr
	head  atomic.Pointer[Record]
	tail  *Record
}

// NewRegistry returns a registry whose trampolines transfer control to the
// fault filter at entry.
func NewRegistry(entry uintptr) *Registry {
	if entry == 0 {
		panic(errors.New("BUG: NewRegistry with zero entry point"))
	}
	return &Registry{entry: entry}
}

// Register publishes unwind metadata for the generated code at
// [region.Base()+codeOff, region.Base()+codeOff+codeSize).
//
// The descriptor is written into the committed page at metaOff, which must
// be page aligned and lie after the code it decorates, a layout
// precondition of the descriptor format. The page is made writable,
// populated, re-protected to read/execute and only then linked into the
// chain, so a reader that can observe the record observes it fully
// populated. Memory-manager failures propagate as fatal allocation errors;
// there is no transient path.
func (g *Registry) Register(region *vmem.Region, codeOff, codeSize, metaOff int) (*Record, error) {
	if codeOff < 0 || codeSize <= 0 {
		panic(fmt.Errorf("BUG: Register with ill-formed code range [%#x, %#x)", codeOff, codeOff+codeSize))
	}
	if metaOff < codeOff+codeSize {
		panic(fmt.Errorf("BUG: Register with metadata at %#x not after code end %#x", metaOff, codeOff+codeSize))
	}

	ps := region.PageSize()
	if err := region.Reprotect(metaOff, ps, vmem.ReadWrite); err != nil {
		return nil, fmt.Errorf("unwind: unprotecting metadata page: %w", err)
	}
	if err := encodeDescriptor(region.Bytes(metaOff, DescriptorSize), codeSize, g.entry); err != nil {
		return nil, err
	}
	if err := region.Reprotect(metaOff, ps, vmem.ReadExecute); err != nil {
		return nil, fmt.Errorf("unwind: sealing metadata page: %w", err)
	}

	rec := &Record{
		codeStart: region.Base() + uintptr(codeOff),
		codeEnd:   region.Base() + uintptr(codeOff+codeSize),
		trampo:    region.Base() + uintptr(metaOff),
	}
	// The atomic link is the single point where readers can first see rec.
	if g.tail == nil {
		g.head.Store(rec)
	} else {
		g.tail.next.Store(rec)
	}
	g.tail = rec
	return rec, nil
}

// Lookup returns the first record, in registration order, whose code range
// contains pc. A miss means pc belongs to statically compiled code handled
// by the platform's ordinary mechanism, or is truly invalid.
func (g *Registry) Lookup(pc uintptr) (*Record, bool) {
	for r := g.head.Load(); r != nil; r = r.next.Load() {
		if pc >= r.codeStart && pc < r.codeEnd {
			return r, true
		}
	}
	return nil, false
}
