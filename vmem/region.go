package vmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hostmem/hostmem/internal/platform"
)

// Region is one reservation of address space [Base, Base+Size). Sub-ranges
// committed with different modes are tracked independently, so a large
// reserved window can back an emulated address space with only the touched
// pages committed as they fault in.
type Region struct {
	mgr      *Manager
	base     uintptr
	size     int
	mu       sync.Mutex
	segs     []segment
	released bool
}

// segment is a committed sub-range and its effective protection. The list
// is sorted by offset, non-overlapping, with adjacent equal-mode entries
// merged.
type segment struct {
	off, size int
	mode      Mode
}

// Base returns the start address of the reservation.
func (r *Region) Base() uintptr {
	return r.base
}

// Size returns the reservation size in bytes.
func (r *Region) Size() int {
	return r.size
}

// PageSize returns the page size of the owning manager.
func (r *Region) PageSize() int {
	return r.mgr.pageSize
}

// End returns the first address past the reservation.
func (r *Region) End() uintptr {
	return r.base + uintptr(r.size)
}

// Contains reports whether addr falls inside the reservation.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.base && addr < r.End()
}

// Offset translates an address inside the reservation to a page-rounded
// region offset.
func (r *Region) Offset(addr uintptr) int {
	if !r.Contains(addr) {
		panic(fmt.Errorf("BUG: Offset of %#x outside region [%#x, %#x)", addr, r.base, r.End()))
	}
	return int(addr-r.base) &^ (r.mgr.pageSize - 1)
}

// Bytes returns a view of [off, off+size). The caller must only touch parts
// whose current protection permits it.
func (r *Region) Bytes(off, size int) []byte {
	if off < 0 || size <= 0 || off+size > r.size {
		panic(fmt.Errorf("BUG: Bytes range [%#x, %#x) outside region of %#x bytes", off, off+size, r.size))
	}
	return platform.Slice(r.base+uintptr(off), size)
}

// Commit backs [off, off+size) with storage and sets its effective
// protection to mode, rounded per the platform capability rules. Committing
// an already-committed range again, with the same or another mode, is safe.
// Transient resource pressure is retried after a short delay per the
// manager's policy before escalating to a fatal allocation error.
func (r *Region) Commit(off, size int, mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkRangeLocked(off, size, "Commit")

	eff := mode.Effective()
	for attempt := 0; ; attempt++ {
		err := platformCommit(r.base+uintptr(off), size, eff.prot())
		if err == nil {
			break
		}
		if !platformTransient(err) {
			return fmt.Errorf("%w: commit of [%#x, %#x) as %s: %v",
				ErrFatalAlloc, r.base+uintptr(off), r.base+uintptr(off+size), eff, err)
		}
		if attempt >= r.mgr.retries {
			return fmt.Errorf("commit of [%#x, %#x) as %s: %w persisted after %d attempts, escalating: %w (%v)",
				r.base+uintptr(off), r.base+uintptr(off+size), eff,
				ErrResourcePressure, attempt+1, ErrFatalAlloc, err)
		}
		r.mgr.sleep(r.mgr.retryDelay)
	}
	r.insertLocked(segment{off: off, size: size, mode: eff})
	return nil
}

// Decommit drops the backing store of [off, off+size); the range reverts to
// reserved semantics and recommitting later yields fresh zero pages.
// Releasing resources has no legitimate transient failure mode, so any
// platform refusal is a bug.
func (r *Region) Decommit(off, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkRangeLocked(off, size, "Decommit")

	if err := platform.Decommit(r.base+uintptr(off), size); err != nil {
		panic(fmt.Errorf("BUG: decommit of [%#x, %#x): %v", r.base+uintptr(off), r.base+uintptr(off+size), err))
	}
	r.removeLocked(off, size)
}

// Reprotect changes the effective protection of the already-committed range
// [off, off+size) without touching its contents or backing store. Calling it
// on a range that is not fully committed is a bug.
func (r *Region) Reprotect(off, size int, mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkRangeLocked(off, size, "Reprotect")
	if !r.committedLocked(off, size) {
		panic(fmt.Errorf("BUG: Reprotect of uncommitted range [%#x, %#x)", r.base+uintptr(off), r.base+uintptr(off+size)))
	}

	eff := mode.Effective()
	if err := platform.Protect(r.base+uintptr(off), size, eff.prot()); err != nil {
		return fmt.Errorf("%w: reprotect of [%#x, %#x) as %s: %v",
			ErrFatalAlloc, r.base+uintptr(off), r.base+uintptr(off+size), eff, err)
	}
	r.insertLocked(segment{off: off, size: size, mode: eff})
	return nil
}

// Release returns the entire reservation to the free address space pool and
// invalidates the region. Any further use is a caller bug.
func (r *Region) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		panic(errors.New("BUG: Release of already released region"))
	}
	if err := platform.Release(r.base, r.size); err != nil {
		panic(fmt.Errorf("BUG: release of [%#x, %#x): %v", r.base, r.End(), err))
	}
	r.released = true
	r.segs = nil
}

// Protection reports the effective protection of the byte at off and whether
// it is committed. Handlers use this during fault evaluation; it takes only
// the region lock for a bounded walk.
func (r *Region) Protection(off int) (Mode, bool) {
	if off < 0 || off >= r.size {
		panic(fmt.Errorf("BUG: Protection query at %#x outside region of %#x bytes", off, r.size))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.segs {
		if off >= s.off && off < s.off+s.size {
			return s.mode, true
		}
	}
	return NoAccess, false
}

func (r *Region) checkRangeLocked(off, size int, op string) {
	if r.released {
		panic(fmt.Errorf("BUG: %s on released region", op))
	}
	if off < 0 || size <= 0 || off+size > r.size {
		panic(fmt.Errorf("BUG: %s range [%#x, %#x) outside region of %#x bytes", op, off, off+size, r.size))
	}
	ps := r.mgr.pageSize
	if off%ps != 0 || size%ps != 0 {
		panic(fmt.Errorf("BUG: %s with unaligned range [%#x, %#x)", op, off, off+size))
	}
}

// insertLocked replaces whatever the list held for seg's range with seg.
func (r *Region) insertLocked(seg segment) {
	out := r.carveLocked(seg.off, seg.size)
	out = append(out, seg)
	sort.Slice(out, func(i, j int) bool { return out[i].off < out[j].off })
	r.segs = coalesce(out)
}

// removeLocked drops coverage of [off, off+size), splitting segments that
// straddle the boundary.
func (r *Region) removeLocked(off, size int) {
	out := r.carveLocked(off, size)
	sort.Slice(out, func(i, j int) bool { return out[i].off < out[j].off })
	r.segs = coalesce(out)
}

// carveLocked returns the segment list with [off, off+size) cut out.
func (r *Region) carveLocked(off, size int) []segment {
	end := off + size
	var out []segment
	for _, s := range r.segs {
		sEnd := s.off + s.size
		if sEnd <= off || s.off >= end {
			out = append(out, s)
			continue
		}
		if s.off < off {
			out = append(out, segment{off: s.off, size: off - s.off, mode: s.mode})
		}
		if sEnd > end {
			out = append(out, segment{off: end, size: sEnd - end, mode: s.mode})
		}
	}
	return out
}

func coalesce(segs []segment) []segment {
	if len(segs) == 0 {
		return nil
	}
	out := segs[:1]
	for _, s := range segs[1:] {
		last := &out[len(out)-1]
		if last.off+last.size == s.off && last.mode == s.mode {
			last.size += s.size
			continue
		}
		out = append(out, s)
	}
	return out
}

// committedLocked reports whether [off, off+size) is fully covered by
// committed segments.
func (r *Region) committedLocked(off, size int) bool {
	need := off
	end := off + size
	for _, s := range r.segs {
		if s.off > need {
			break
		}
		if s.off+s.size > need {
			need = s.off + s.size
		}
		if need >= end {
			return true
		}
	}
	return need >= end
}
