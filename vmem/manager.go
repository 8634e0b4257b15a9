// Package vmem implements the four-stage lifecycle of virtual address
// ranges (reserve, commit, decommit, release) with precise
// read/write/execute protection and heterogeneous protection of sub-ranges
// within one reservation.
//
// Alignment bugs are caller bugs: every base, offset and size must be a
// multiple of the platform page size, and violations panic rather than
// return an error.
package vmem

import (
	"fmt"
	"time"

	"github.com/hostmem/hostmem/internal/platform"
)

// The platform layer is reached through these indirections so tests can
// simulate conditions, resource pressure above all, that cannot be produced
// for real.
var (
	platformReserve   = platform.Reserve
	platformCommit    = platform.Commit
	platformTransient = platform.Transient
)

const (
	defaultCommitRetries = 1
	// Cut the system some time to rework its commit budget before retrying.
	defaultCommitRetryDelay = time.Second
)

// Manager hands out reservations and owns the commit retry policy.
type Manager struct {
	pageSize   int
	retries    int
	retryDelay time.Duration
	sleep      func(time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithCommitRetries sets how many times a commit hitting transient resource
// pressure is retried before escalating to a fatal allocation error.
func WithCommitRetries(n int) Option {
	return func(m *Manager) { m.retries = n }
}

// WithCommitRetryDelay sets the delay between commit retries.
func WithCommitRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// NewManager returns a Manager with the default single-retry commit policy.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		pageSize:   platform.PageSize(),
		retries:    defaultCommitRetries,
		retryDelay: defaultCommitRetryDelay,
		sleep:      time.Sleep,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// PageSize returns the platform page size all arguments must align to.
func (m *Manager) PageSize() int {
	return m.pageSize
}

// Reserve claims size bytes of address space, optionally at baseHint. The
// range carries no backing store and faults on any access until sub-ranges
// are committed. The hint is best effort: a reservation may succeed at a
// different base, and callers that require a fixed base must treat a
// different returned base as failure.
func (m *Manager) Reserve(baseHint uintptr, size int) (*Region, error) {
	m.assertAligned(baseHint, size, "Reserve")
	base, err := platformReserve(baseHint, size)
	if err != nil {
		if platformTransient(err) {
			return nil, fmt.Errorf("%w: reserve of %#x bytes: %v", ErrAddressSpaceExhausted, size, err)
		}
		return nil, fmt.Errorf("%w: reserve of %#x bytes: %v", ErrFatalAlloc, size, err)
	}
	return &Region{mgr: m, base: base, size: size}, nil
}

// MapExecutable reserves and commits size bytes as read/write/execute in one
// logical operation. Platforms that refuse to create writable+executable
// pages atomically get the two-step treatment: commit with execute stripped,
// then transition. On unix commit and reprotect reach the same mprotect
// call, so the fallback repeats the failed request and only does real work
// on platforms whose commit and protection primitives are distinct calls.
// A failure of the second step releases the partially committed reservation
// before reporting, so callers observe either a fully mapped region or none.
func (m *Manager) MapExecutable(baseHint uintptr, size int) (*Region, error) {
	r, err := m.Reserve(baseHint, size)
	if err != nil {
		return nil, err
	}
	if err := r.Commit(0, size, ReadWriteExecute); err != nil {
		if err2 := r.Commit(0, size, ReadWriteExecute.NoExecute()); err2 != nil {
			r.Release()
			return nil, err
		}
		if err2 := r.Reprotect(0, size, ReadWriteExecute); err2 != nil {
			r.Release()
			return nil, err2
		}
	}
	return r, nil
}

func (m *Manager) assertAligned(base uintptr, size int, op string) {
	if size <= 0 || size%m.pageSize != 0 {
		panic(fmt.Errorf("BUG: %s with unaligned size %#x", op, size))
	}
	if !platform.Aligned(base) {
		panic(fmt.Errorf("BUG: %s with unaligned base %#x", op, base))
	}
}
