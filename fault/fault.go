// Package fault routes hardware memory-access violations to registered
// handlers. The platform delivers a fault exactly once; the dispatcher walks
// the interested handlers in registration order until one claims it, and
// reports a binary handled/unhandled verdict back. By the time a fault gets
// here there is no caller left to hand a richer error to.
package fault

import "sync"

// Event describes one illegal memory access. It is created once per fault
// and passed by pointer to every handler until one claims it.
type Event struct {
	// Addr is the address whose access raised the fault.
	Addr uintptr
}

// Outcome is the verdict reported back to the platform after evaluation.
type Outcome int

const (
	// Unhandled means no handler claimed the fault and the platform should
	// apply its default behavior, ordinarily terminating the thread. This is
	// the normal outcome for a genuine invalid access.
	Unhandled Outcome = iota
	// Handled means a handler resolved the fault, typically by committing
	// the previously unbacked page, and the faulting access should be
	// retried.
	Handled
)

func (o Outcome) String() string {
	if o == Handled {
		return "handled"
	}
	return "unhandled"
}

// Handler is a consumer able to claim responsibility for and resolve a
// fault. Handlers run in the fault-delivery context and must obey its
// restrictions: no allocation under pressure, no blocking, no touching
// memory that may itself fault. The dispatcher never extends a handler's
// lifetime; a registrant must Deregister before discarding one.
type Handler interface {
	// OnPageFault reports whether the handler resolved the fault.
	OnPageFault(ev *Event) bool
}

// Dispatcher is a process-wide registry of fault-interest handlers.
//
// A single lock serializes evaluation: independently scheduled emulation
// threads can fault concurrently on shared handler state, and serializing
// here spares every handler from being internally thread-safe. The lock is
// the sole concurrency primitive and is held only across the handler walk,
// never across unrelated memory-manager calls that may sleep under resource
// pressure.
type Dispatcher struct {
	mu       sync.Mutex
	handlers []Handler
}

// NewDispatcher returns an empty dispatcher. The process normally installs
// one instance for its lifetime; tests install a fresh one each.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register appends h to the evaluation chain. Handlers are evaluated in
// registration order, stable across faults.
func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Deregister removes h from the chain. Removing a handler that was never
// registered is a no-op.
func (d *Dispatcher) Deregister(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.handlers {
		if cur == h {
			d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Dispatch evaluates ev against every registered handler until one claims
// it.
//
// Dispatch runs in the machine's fault-handling context. If the walk itself
// raises a second access violation (a handler bug, or teardown racing a
// late fault) the guard below resolves the original fault as Unhandled
// instead of re-entering evaluation, leaving the fault observable to an
// attached debugger. Panics that are not memory faults propagate unchanged.
func (d *Dispatcher) Dispatch(ev *Event) (outcome Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if v := recover(); v != nil {
			if _, ok := faultAddr(v); !ok {
				panic(v)
			}
			outcome = Unhandled
		}
	}()
	for _, h := range d.handlers {
		if h.OnPageFault(ev) {
			return Handled
		}
	}
	return Unhandled
}
