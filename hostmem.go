// Package hostmem is the host memory-protection and fault-routing substrate
// underneath a just-in-time code generator. Package vmem reserves, commits
// and re-protects pages; package fault intercepts memory-access violations
// and routes them to interested handlers; package unwind makes generated
// code regions visible to the platform's exception-propagation machinery.
//
// This package holds the process-wide page-fault source. The platform
// delivers faults through a single global entry point with no per-caller
// context, so the dispatcher has to be a process-scoped service; keeping it
// behind one accessor makes the lifecycle explicit, and tests swap in a
// fresh instance instead of mutating the installed one.
package hostmem

import (
	"errors"
	"sync/atomic"

	"github.com/hostmem/hostmem/fault"
)

var pageFault atomic.Pointer[fault.Dispatcher]

func init() {
	pageFault.Store(fault.NewDispatcher())
}

// PageFault returns the installed process-wide fault dispatcher.
func PageFault() *fault.Dispatcher {
	return pageFault.Load()
}

// SwapPageFault installs d as the process-wide dispatcher and returns the
// previously installed one.
func SwapPageFault(d *fault.Dispatcher) *fault.Dispatcher {
	if d == nil {
		panic(errors.New("BUG: SwapPageFault with nil dispatcher"))
	}
	return pageFault.Swap(d)
}

// Run executes fn with memory-access violations on the calling goroutine
// routed through the installed dispatcher. See fault.Dispatcher.Run.
func Run(fn func()) {
	PageFault().Run(fn)
}
