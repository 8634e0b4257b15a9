package fault

import (
	"runtime"
	"runtime/debug"
)

// With debug.SetPanicOnFault in effect the runtime turns a memory fault into
// a panic whose error value carries the faulting address.
type addresser interface {
	runtime.Error
	Addr() uintptr
}

func faultAddr(v any) (uintptr, bool) {
	if e, ok := v.(addresser); ok {
		return e.Addr(), true
	}
	return 0, false
}

// Run executes fn with memory-access violations on the calling goroutine
// routed through the dispatcher.
//
// A fault resolved as Handled re-executes fn from the top, the closest
// analogue of the platform retrying the faulting instruction, so fn must
// tolerate re-execution, which fastmem-style accessors naturally do. An
// Unhandled fault propagates as the original runtime panic, matching the
// platform's default behavior. Panics that are not memory faults propagate
// unchanged.
func (d *Dispatcher) Run(fn func()) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	for !d.attempt(fn) {
	}
}

func (d *Dispatcher) attempt(fn func()) (completed bool) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		addr, ok := faultAddr(v)
		if !ok || d.Dispatch(&Event{Addr: addr}) != Handled {
			panic(v)
		}
	}()
	fn()
	return true
}
