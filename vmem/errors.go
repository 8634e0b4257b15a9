package vmem

import "errors"

var (
	// ErrAddressSpaceExhausted is returned by Reserve when no address range
	// of the requested size is available.
	ErrAddressSpaceExhausted = errors.New("vmem: address space exhausted")

	// ErrResourcePressure marks a commit failure caused by system-wide
	// memory or commit limits. Commit retries such failures internally; it
	// appears in a returned error only as the cause of an escalated
	// ErrFatalAlloc after the retry budget is spent.
	ErrResourcePressure = errors.New("vmem: transient resource pressure")

	// ErrFatalAlloc is any other allocation or protection failure. In
	// practice it indicates a logic error rather than expected resource
	// scarcity and is never retried.
	ErrFatalAlloc = errors.New("vmem: allocation failure")
)
