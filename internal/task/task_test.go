package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-servobus/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_StartStopWait(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	var iterations atomic.Int64
	var exited atomic.Bool

	err := mgr.Start("loop", func() bool {
		iterations.Add(1)
		time.Sleep(time.Millisecond)
		return true
	}, func() { exited.Store(true) })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return iterations.Load() > 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, mgr.Count())

	mgr.Stop()
	mgr.Wait()

	assert.True(t, exited.Load())
	assert.Equal(t, 0, mgr.Count())

	// manager is re-armed after Wait
	done := make(chan struct{})
	require.NoError(t, mgr.Start("once", func() bool {
		close(done)
		return false
	}, nil))
	<-done
	mgr.Wait()
}

func TestManager_TaskReturnsFalse(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	var n atomic.Int32
	require.NoError(t, mgr.Start("three", func() bool {
		return n.Add(1) < 3
	}, nil))

	mgr.Wait()
	assert.Equal(t, int32(3), n.Load())
}

func TestManager_PanicIsRecovered(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	var n atomic.Int32
	require.NoError(t, mgr.Start("panicky", func() bool {
		if n.Add(1) == 1 {
			panic("boom")
		}
		return false
	}, nil))

	mgr.Wait()
	assert.Equal(t, int32(2), n.Load())
}

func TestManager_StartInterval(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	var ticks atomic.Int32
	ticker, err := mgr.StartInterval("tick", func() bool {
		ticks.Add(1)
		return true
	}, 2*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, ticker)

	_, err = mgr.StartInterval("tick", func() bool { return true }, time.Millisecond)
	require.Error(t, err)

	_, err = mgr.StartInterval("bad", func() bool { return true }, 0)
	require.Error(t, err)

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)

	mgr.Stop()
	mgr.Wait()
}

func TestManager_StartAfterParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mgr := NewManager(ctx, logger.GetLogger())
	cancel()

	err := mgr.Start("late", func() bool { return false }, nil)
	require.ErrorIs(t, err, ErrStopped)
}
