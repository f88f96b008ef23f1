package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-servobus/protocol"
)

func newTestScheduler(bound, burst int) *scheduler {
	return newScheduler(bound, burst, []protocol.Address{1, 2, 3}, &Metrics{})
}

func poll(addr protocol.Address) *transaction {
	return newTransaction(addr, protocol.ReadTelemetry{}, priorityPoll, 0)
}

func command(addr protocol.Address) *transaction {
	return newTransaction(addr, protocol.Enable{}, priorityCommand, 0)
}

func popAddrs(s *scheduler, n int) []protocol.Address {
	var out []protocol.Address
	for range n {
		txn, _ := s.next(time.Now())
		if txn == nil {
			break
		}
		out = append(out, txn.address)
	}

	return out
}

func TestScheduler_PollRoundRobin(t *testing.T) {
	s := newTestScheduler(16, 0)

	for _, addr := range []protocol.Address{3, 1, 2} {
		require.True(t, s.submitPoll(poll(addr)))
	}
	assert.Equal(t, []protocol.Address{1, 2, 3}, popAddrs(s, 3))

	// The cursor continues after the last served address.
	require.True(t, s.submitPoll(poll(1)))
	require.True(t, s.submitPoll(poll(2)))
	require.True(t, s.submitPoll(poll(3)))
	_ = popAddrs(s, 1)
	require.True(t, s.submitPoll(poll(1)))
	assert.Equal(t, []protocol.Address{2, 3, 1}, popAddrs(s, 3))

	txn, wait := s.next(time.Now())
	assert.Nil(t, txn)
	assert.Zero(t, wait)
}

func TestScheduler_RetryFirst(t *testing.T) {
	s := newTestScheduler(16, 0)
	ctx := context.Background()

	require.NoError(t, s.submit(ctx, command(1), false))
	require.True(t, s.submitPoll(poll(2)))

	failed := command(3)
	failed.state = txnInFlight
	failed.handle.sched = s
	failed.notBefore = time.Now().Add(time.Hour)
	require.NoError(t, s.requeue(failed))

	// A retry waiting for its backoff holds back everything behind it.
	txn, wait := s.next(time.Now())
	assert.Nil(t, txn)
	assert.Greater(t, wait, 59*time.Minute)

	failed.notBefore = time.Time{}
	assert.Equal(t, []protocol.Address{3, 1, 2}, popAddrs(s, 3))
}

func TestScheduler_RequeueRefused(t *testing.T) {
	s := newTestScheduler(16, 0)

	txn := command(1)
	txn.cancelRequested = true
	require.ErrorIs(t, s.requeue(txn), ErrCancelled)

	s.close()
	require.ErrorIs(t, s.requeue(command(1)), ErrEngineClosed)
}

func TestScheduler_CancelQueuedPoll(t *testing.T) {
	s := newTestScheduler(16, 0)

	txn := poll(2)
	require.True(t, s.submitPoll(txn))
	assert.Equal(t, 1, s.depth())

	assert.True(t, txn.handle.Cancel())
	assert.Zero(t, s.depth())

	_, err := txn.handle.Result()
	require.ErrorIs(t, err, ErrCancelled)

	// A fresh poll for the same address is admitted again.
	assert.True(t, s.submitPoll(poll(2)))
}

func TestScheduler_Close(t *testing.T) {
	s := newTestScheduler(16, 0)
	ctx := context.Background()

	require.NoError(t, s.submit(ctx, command(1), false))
	require.NoError(t, s.submit(ctx, command(2), false))
	require.True(t, s.submitPoll(poll(3)))

	stranded := s.close()
	assert.Len(t, stranded, 3)
	assert.Zero(t, s.depth())
	assert.Empty(t, s.close())

	require.ErrorIs(t, s.submit(ctx, command(1), false), ErrEngineClosed)
	assert.False(t, s.submitPoll(poll(1)))
}

func TestScheduler_CloseWakesBlockedSubmitter(t *testing.T) {
	s := newTestScheduler(1, 0)
	ctx := context.Background()

	require.NoError(t, s.submit(ctx, command(1), false))

	errCh := make(chan error, 1)
	go func() { errCh <- s.submit(ctx, command(2), true) }()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.waiters == 1
	}, time.Second, time.Millisecond)

	s.close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrEngineClosed)
	case <-time.After(time.Second):
		require.FailNow(t, "blocked submitter not woken")
	}
}
