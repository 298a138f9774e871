package arbiter

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-policyd/config"
	g "github.com/Meander-Cloud/go-policyd/group"
)

func newTestArbiter(t *testing.T) *Arbiter {
	a := NewArbiter(&config.Config{LogPrefix: t.Name(), EventChannelLength: 16})
	t.Cleanup(a.Shutdown)
	return a
}

func TestDispatchRunsInOrder(t *testing.T) {
	a := newTestArbiter(t)

	var seen []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, a.Dispatch(func() { seen = append(seen, i) }))
	}
	require.NoError(t, a.DispatchWait(func() {}))

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestDispatchRecoversPanic(t *testing.T) {
	a := newTestArbiter(t)

	require.NoError(t, a.Dispatch(func() { panic("boom") }))

	ran := false
	require.NoError(t, a.DispatchWait(func() { ran = true }))
	assert.True(t, ran)
}

func TestScheduleOnceAndRelease(t *testing.T) {
	a := newTestArbiter(t)

	var fired atomic.Int32
	require.NoError(t, a.DispatchWait(func() {
		a.ScheduleOnce(g.GroupSyncInterval, 20*time.Millisecond, func() { fired.Add(1) })
		a.ScheduleOnce(g.GroupBlockActionWindow, 20*time.Millisecond, func() { fired.Add(10) })
		a.Release(g.GroupBlockActionWindow)
	}))

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestDispatchAfterShutdown(t *testing.T) {
	a := NewArbiter(&config.Config{LogPrefix: t.Name(), EventChannelLength: 16})
	a.Shutdown()
	a.Shutdown()

	assert.ErrorIs(t, a.Dispatch(func() {}), ErrShutdown)
	assert.ErrorIs(t, a.DispatchWait(func() {}), ErrShutdown)
}
