package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerPool_GetPut(t *testing.T) {
	timer := GetTimer(10 * time.Millisecond)
	require.NotNil(t, timer)
	<-timer.C
	PutTimer(timer)

	// a reused timer must be re-armed and must not fire early from a stale tick
	timer = GetTimer(50 * time.Millisecond)
	start := time.Now()
	<-timer.C
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	PutTimer(timer)
}

func TestTimerPool_PutActive(t *testing.T) {
	timer := GetTimer(time.Hour)
	PutTimer(timer)

	timer = GetTimer(5 * time.Millisecond)
	select {
	case <-timer.C:
	case <-time.After(time.Second):
		t.Fatal("pooled timer did not fire")
	}
	PutTimer(timer)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
	require.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
