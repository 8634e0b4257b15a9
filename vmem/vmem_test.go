package vmem

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hostmem/hostmem/internal/platform"
)

func TestReserveCommitProtection(t *testing.T) {
	m := NewManager()
	ps := m.PageSize()

	r, err := m.Reserve(0, 16*ps)
	require.NoError(t, err)
	defer r.Release()
	require.NotZero(t, r.Base())
	require.Equal(t, 16*ps, r.Size())

	// Nothing is committed yet.
	_, committed := r.Protection(0)
	require.False(t, committed)

	require.NoError(t, r.Commit(0, 4*ps, ReadWrite))
	mode, committed := r.Protection(0)
	require.True(t, committed)
	require.True(t, mode.Superset(ReadWrite))

	// Committed memory is usable.
	mem := r.Bytes(0, 4*ps)
	mem[0] = 0xab
	mem[4*ps-1] = 0xcd
	require.Equal(t, byte(0xab), mem[0])
	require.Equal(t, byte(0xcd), mem[4*ps-1])

	// The rest of the reservation stays uncommitted.
	_, committed = r.Protection(4 * ps)
	require.False(t, committed)
}

func TestCommitIdempotent(t *testing.T) {
	m := NewManager()
	ps := m.PageSize()

	r, err := m.Reserve(0, 4*ps)
	require.NoError(t, err)
	defer r.Release()

	require.NoError(t, r.Commit(0, 2*ps, ReadWrite))
	before, committed := r.Protection(ps)
	require.True(t, committed)

	r.Bytes(0, ps)[0] = 0x5a
	require.NoError(t, r.Commit(0, 2*ps, ReadWrite))
	after, committed := r.Protection(ps)
	require.True(t, committed)
	require.Equal(t, before, after)
	// Recommitting with the same mode preserved the contents.
	require.Equal(t, byte(0x5a), r.Bytes(0, ps)[0])
}

func TestCommitEffectivePromotion(t *testing.T) {
	m := NewManager()
	ps := m.PageSize()

	r, err := m.Reserve(0, 2*ps)
	require.NoError(t, err)
	defer r.Release()

	// Execute-only is representable in the model but promoted to
	// execute+read by the platform rounding rule.
	require.NoError(t, r.Commit(0, ps, NewMode(false, false, true)))
	mode, committed := r.Protection(0)
	require.True(t, committed)
	require.True(t, mode.CanRead())
	require.True(t, mode.CanExecute())
	require.True(t, mode.Superset(NewMode(false, false, true)))
}

func TestDecommitZeroFill(t *testing.T) {
	m := NewManager()
	ps := m.PageSize()

	r, err := m.Reserve(0, 4*ps)
	require.NoError(t, err)
	defer r.Release()

	require.NoError(t, r.Commit(0, ps, ReadWrite))
	mem := r.Bytes(0, ps)
	for i := range mem {
		mem[i] = 0xee
	}

	r.Decommit(0, ps)
	_, committed := r.Protection(0)
	require.False(t, committed)

	// Recommitting yields a fresh zero-filled backing store; the old
	// contents must not be observable.
	require.NoError(t, r.Commit(0, ps, ReadWrite))
	mem = r.Bytes(0, ps)
	for i := range mem {
		require.Zero(t, mem[i])
	}
}

func TestReprotect(t *testing.T) {
	m := NewManager()
	ps := m.PageSize()

	r, err := m.Reserve(0, 4*ps)
	require.NoError(t, err)
	defer r.Release()

	require.NoError(t, r.Commit(0, ps, ReadWrite))
	r.Bytes(0, ps)[7] = 0x42

	require.NoError(t, r.Reprotect(0, ps, ReadOnly))
	mode, committed := r.Protection(0)
	require.True(t, committed)
	require.Equal(t, ReadOnly, mode)
	// Contents survive the transition.
	require.Equal(t, byte(0x42), r.Bytes(0, ps)[7])

	t.Run("uncommitted range is a bug", func(t *testing.T) {
		require.Panics(t, func() {
			_ = r.Reprotect(2*ps, ps, ReadOnly)
		})
	})

	t.Run("partially committed range is a bug", func(t *testing.T) {
		require.Panics(t, func() {
			_ = r.Reprotect(0, 2*ps, ReadOnly)
		})
	})
}

func TestHeterogeneousProtection(t *testing.T) {
	m := NewManager()
	ps := m.PageSize()

	r, err := m.Reserve(0, 8*ps)
	require.NoError(t, err)
	defer r.Release()

	require.NoError(t, r.Commit(0, ps, ReadWrite))
	require.NoError(t, r.Commit(ps, ps, ReadOnly))
	require.NoError(t, r.Commit(3*ps, ps, ReadWriteExecute))

	mode, _ := r.Protection(0)
	require.Equal(t, ReadWrite, mode)
	mode, _ = r.Protection(ps)
	require.Equal(t, ReadOnly, mode)
	_, committed := r.Protection(2 * ps)
	require.False(t, committed)
	mode, _ = r.Protection(3 * ps)
	require.Equal(t, ReadWriteExecute, mode)
}

func TestAlignmentPreconditions(t *testing.T) {
	m := NewManager()
	ps := m.PageSize()

	require.Panics(t, func() { _, _ = m.Reserve(0, ps+1) })
	require.Panics(t, func() { _, _ = m.Reserve(0, 0) })
	require.Panics(t, func() { _, _ = m.Reserve(1, ps) })

	r, err := m.Reserve(0, 4*ps)
	require.NoError(t, err)
	defer r.Release()

	require.Panics(t, func() { _ = r.Commit(ps/2, ps, ReadWrite) })
	require.Panics(t, func() { _ = r.Commit(0, ps-1, ReadWrite) })
	require.Panics(t, func() { _ = r.Commit(0, 8*ps, ReadWrite) })
	require.Panics(t, func() { r.Decommit(0, ps+1) })
}

func TestReleaseInvalidatesRegion(t *testing.T) {
	m := NewManager()
	ps := m.PageSize()

	r, err := m.Reserve(0, 2*ps)
	require.NoError(t, err)
	r.Release()

	require.Panics(t, func() { _ = r.Commit(0, ps, ReadWrite) })
	require.Panics(t, func() { r.Decommit(0, ps) })
	require.Panics(t, func() { r.Release() })
}

func TestReserveHint(t *testing.T) {
	m := NewManager()
	ps := m.PageSize()

	r, err := m.Reserve(0, 4*ps)
	require.NoError(t, err)
	hint := r.Base()
	r.Release()

	// Reserving at a hint must succeed even if the hint cannot be
	// honored; callers that need a fixed base compare the result.
	r, err = m.Reserve(hint, 4*ps)
	require.NoError(t, err)
	defer r.Release()
	require.NotZero(t, r.Base())
}

func TestMapExecutable(t *testing.T) {
	m := NewManager()
	ps := m.PageSize()

	r, err := m.MapExecutable(0, 2*ps)
	require.NoError(t, err)
	defer r.Release()

	mode, committed := r.Protection(0)
	require.True(t, committed)
	require.True(t, mode.CanExecute())
	require.True(t, mode.CanRead())

	if mode.CanWrite() {
		r.Bytes(0, ps)[0] = 0xc3
		require.Equal(t, byte(0xc3), r.Bytes(0, ps)[0])
	}
}

func TestOffsetAndContains(t *testing.T) {
	m := NewManager()
	ps := m.PageSize()

	r, err := m.Reserve(0, 4*ps)
	require.NoError(t, err)
	defer r.Release()

	require.True(t, r.Contains(r.Base()))
	require.True(t, r.Contains(r.End()-1))
	require.False(t, r.Contains(r.End()))

	require.Equal(t, 0, r.Offset(r.Base()+5))
	require.Equal(t, 2*ps, r.Offset(r.Base()+uintptr(2*ps+ps/2)))
	require.Panics(t, func() { r.Offset(r.End()) })
}

func TestSegmentTracking(t *testing.T) {
	m := NewManager()
	ps := m.PageSize()
	r := &Region{mgr: m, size: 16 * ps}

	r.insertLocked(segment{off: 0, size: 4 * ps, mode: ReadWrite})
	r.insertLocked(segment{off: 4 * ps, size: 4 * ps, mode: ReadWrite})
	// Adjacent equal-mode segments merge.
	require.Len(t, r.segs, 1)
	require.Equal(t, 8*ps, r.segs[0].size)

	// Overwriting the middle with another mode splits the run.
	r.insertLocked(segment{off: 2 * ps, size: 2 * ps, mode: ReadOnly})
	require.Len(t, r.segs, 3)
	require.Equal(t, segment{off: 0, size: 2 * ps, mode: ReadWrite}, r.segs[0])
	require.Equal(t, segment{off: 2 * ps, size: 2 * ps, mode: ReadOnly}, r.segs[1])
	require.Equal(t, segment{off: 4 * ps, size: 4 * ps, mode: ReadWrite}, r.segs[2])

	// Removal trims and splits.
	r.removeLocked(ps, 4*ps)
	require.Equal(t, segment{off: 0, size: ps, mode: ReadWrite}, r.segs[0])
	require.Equal(t, segment{off: 5 * ps, size: 3 * ps, mode: ReadWrite}, r.segs[1])

	require.True(t, r.committedLocked(0, ps))
	require.True(t, r.committedLocked(5*ps, 3*ps))
	require.False(t, r.committedLocked(0, 2*ps))
	require.False(t, r.committedLocked(ps, ps))
}

func TestManagerOptions(t *testing.T) {
	m := NewManager(WithCommitRetries(3), WithCommitRetryDelay(5*time.Millisecond))
	require.Equal(t, 3, m.retries)
	require.Equal(t, 5*time.Millisecond, m.retryDelay)
}

// stubPlatformCommit swaps the platform commit path for the lifetime of one
// test. Genuine system-wide resource pressure cannot be produced on demand,
// so these tests simulate it here.
func stubPlatformCommit(t *testing.T, commit func(base uintptr, size int, p platform.Prot) error, transient func(error) bool) {
	prevCommit, prevTransient := platformCommit, platformTransient
	platformCommit, platformTransient = commit, transient
	t.Cleanup(func() { platformCommit, platformTransient = prevCommit, prevTransient })
}

func TestCommitRetriesTransientPressure(t *testing.T) {
	pressure := errors.New("commit budget exhausted")
	calls := 0
	stubPlatformCommit(t, func(uintptr, int, platform.Prot) error {
		calls++
		if calls == 1 {
			return pressure
		}
		return nil
	}, func(err error) bool { return err == pressure })

	m := NewManager(WithCommitRetryDelay(5 * time.Millisecond))
	var slept []time.Duration
	m.sleep = func(d time.Duration) { slept = append(slept, d) }
	ps := m.PageSize()

	r, err := m.Reserve(0, 4*ps)
	require.NoError(t, err)
	defer r.Release()

	require.NoError(t, r.Commit(0, ps, ReadWrite))
	require.Equal(t, 2, calls)
	require.Equal(t, []time.Duration{5 * time.Millisecond}, slept)

	mode, committed := r.Protection(0)
	require.True(t, committed)
	require.True(t, mode.Superset(ReadWrite))
}

func TestCommitEscalatesAfterRetryBudget(t *testing.T) {
	pressure := errors.New("commit budget exhausted")
	calls := 0
	stubPlatformCommit(t, func(uintptr, int, platform.Prot) error {
		calls++
		return pressure
	}, func(err error) bool { return err == pressure })

	m := NewManager(WithCommitRetries(2), WithCommitRetryDelay(time.Millisecond))
	var slept []time.Duration
	m.sleep = func(d time.Duration) { slept = append(slept, d) }
	ps := m.PageSize()

	r, err := m.Reserve(0, 4*ps)
	require.NoError(t, err)
	defer r.Release()

	err = r.Commit(0, ps, ReadWrite)
	require.ErrorIs(t, err, ErrResourcePressure)
	require.ErrorIs(t, err, ErrFatalAlloc)
	// One initial attempt plus the two retries, each preceded by a sleep.
	require.Equal(t, 3, calls)
	require.Len(t, slept, 2)

	_, committed := r.Protection(0)
	require.False(t, committed)
}

func TestCommitFatalFailureNotRetried(t *testing.T) {
	refused := errors.New("mapping refused")
	calls := 0
	stubPlatformCommit(t, func(uintptr, int, platform.Prot) error {
		calls++
		return refused
	}, func(error) bool { return false })

	m := NewManager()
	m.sleep = func(time.Duration) { t.Fatal("fatal failures must not sleep") }
	ps := m.PageSize()

	r, err := m.Reserve(0, 4*ps)
	require.NoError(t, err)
	defer r.Release()

	err = r.Commit(0, ps, ReadWrite)
	require.ErrorIs(t, err, ErrFatalAlloc)
	require.NotErrorIs(t, err, ErrResourcePressure)
	require.Equal(t, 1, calls)

	_, committed := r.Protection(0)
	require.False(t, committed)
}

func TestReserveFailureClassification(t *testing.T) {
	fail := errors.New("no address range")
	prevReserve, prevTransient := platformReserve, platformTransient
	transient := false
	platformReserve = func(uintptr, int) (uintptr, error) { return 0, fail }
	platformTransient = func(error) bool { return transient }
	t.Cleanup(func() { platformReserve, platformTransient = prevReserve, prevTransient })

	m := NewManager()
	ps := m.PageSize()

	transient = true
	_, err := m.Reserve(0, 4*ps)
	require.ErrorIs(t, err, ErrAddressSpaceExhausted)

	transient = false
	_, err = m.Reserve(0, 4*ps)
	require.ErrorIs(t, err, ErrFatalAlloc)
	require.NotErrorIs(t, err, ErrAddressSpaceExhausted)
}
