package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-servobus/internal/queue"
	"github.com/arloliu/go-servobus/protocol"
)

// scheduler is the single ordered transaction queue drained by the worker.
//
// Dequeue order:
//  1. retries, at the front, so a failed attempt is repeated before anything else runs;
//  2. commands in submission order;
//  3. polls, one pending per address, served round-robin.
//
// After burst consecutive commands with polls pending, one poll is served ahead of the
// next command.
type scheduler struct {
	mu sync.Mutex

	bound int
	burst int

	retries  *queue.Deque[*transaction]
	commands *queue.Deque[*transaction]

	polls     map[protocol.Address]*transaction
	pollOrder []protocol.Address
	pollNext  int

	served  int // consecutive commands served while polls were pending
	closed  bool
	waiters int

	wake  chan struct{}
	space chan struct{}

	metrics *Metrics
}

func newScheduler(bound, burst int, addrs []protocol.Address, metrics *Metrics) *scheduler {
	return &scheduler{
		bound:     bound,
		burst:     burst,
		retries:   queue.NewDeque[*transaction](4),
		commands:  queue.NewDeque[*transaction](bound),
		polls:     make(map[protocol.Address]*transaction, len(addrs)),
		pollOrder: addrs,
		wake:      make(chan struct{}, 1),
		space:     make(chan struct{}),
		metrics:   metrics,
	}
}

// submit admits a command. With block set it waits for room until ctx is done; otherwise a
// full queue fails with ErrQueueSaturated.
func (s *scheduler) submit(ctx context.Context, txn *transaction, block bool) error {
	s.mu.Lock()

	for {
		if s.closed {
			s.mu.Unlock()
			return ErrEngineClosed
		}

		if s.depthLocked() < s.bound {
			txn.state = txnQueued
			txn.handle.sched = s
			s.commands.PushBack(txn)
			s.changedLocked()
			s.mu.Unlock()
			s.notify()

			return nil
		}

		if !block {
			s.mu.Unlock()
			s.metrics.SaturatedCount.Add(1)

			return ErrQueueSaturated
		}

		space := s.space
		s.waiters++
		s.mu.Unlock()

		select {
		case <-space:
		case <-ctx.Done():
			s.mu.Lock()
			s.waiters--
			s.mu.Unlock()

			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}

		s.mu.Lock()
		s.waiters--
	}
}

// submitPoll admits a poll tick. It reports false when the tick was merged into a pending
// poll for the same address or dropped because the queue is full.
func (s *scheduler) submitPoll(txn *transaction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return false
	case s.polls[txn.address] != nil:
		s.metrics.PollCoalescedCount.Add(1)
		return false
	case s.depthLocked() >= s.bound:
		s.metrics.PollDroppedCount.Add(1)
		return false
	}

	txn.state = txnQueued
	txn.handle.sched = s
	s.polls[txn.address] = txn
	s.metrics.PollCount.Add(1)
	s.changedLocked()
	s.notify()

	return true
}

// requeue puts a failed transaction back at the front of the queue. It returns
// ErrCancelled or ErrEngineClosed when the transaction must be resolved instead.
func (s *scheduler) requeue(txn *transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrEngineClosed
	case txn.cancelRequested:
		return ErrCancelled
	}

	txn.state = txnQueued
	s.retries.PushFront(txn)
	s.changedLocked()
	s.notify()

	return nil
}

// next pops the transaction to run now. When nothing is runnable it returns nil and, if a
// retry is waiting for its backoff to expire, how long until it becomes runnable.
func (s *scheduler) next(now time.Time) (*transaction, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var txn *transaction

	if front, ok := s.retries.Front(); ok {
		if wait := front.notBefore.Sub(now); wait > 0 {
			return nil, wait
		}
		txn, _ = s.retries.PopFront()
	} else {
		pollsPending := len(s.polls) > 0
		quotaSpent := s.burst > 0 && s.served >= s.burst

		switch {
		case !s.commands.IsEmpty() && !(pollsPending && quotaSpent):
			txn, _ = s.commands.PopFront()
			if pollsPending {
				s.served++
			}
		case pollsPending:
			txn = s.popPollLocked()
			s.served = 0
		default:
			return nil, 0
		}
	}

	txn.state = txnInFlight
	s.changedLocked()

	return txn, 0
}

// popPollLocked returns the next pending poll in round-robin address order.
func (s *scheduler) popPollLocked() *transaction {
	n := len(s.pollOrder)
	for i := range n {
		idx := (s.pollNext + i) % n
		addr := s.pollOrder[idx]

		if txn, ok := s.polls[addr]; ok {
			delete(s.polls, addr)
			s.pollNext = (idx + 1) % n

			return txn
		}
	}

	return nil
}

// cancel withdraws a queued transaction and resolves it with ErrCancelled. For a
// transaction in flight it only prevents further retries.
func (s *scheduler) cancel(txn *transaction) bool {
	s.mu.Lock()

	switch txn.state {
	case txnInFlight:
		txn.cancelRequested = true
		s.mu.Unlock()

		return false
	case txnDone:
		s.mu.Unlock()
		return false
	}

	same := func(t *transaction) bool { return t == txn }
	removed := s.retries.RemoveFunc(same) || s.commands.RemoveFunc(same)
	if !removed && s.polls[txn.address] == txn {
		delete(s.polls, txn.address)
		removed = true
	}

	if !removed {
		s.mu.Unlock()
		return false
	}

	txn.state = txnDone
	s.changedLocked()
	s.mu.Unlock()

	s.metrics.incResolved(ErrCancelled)
	txn.handle.resolve(protocol.Reply{}, ErrCancelled)

	return true
}

// finish marks txn resolved so later cancels are no-ops.
func (s *scheduler) finish(txn *transaction) {
	s.mu.Lock()
	txn.state = txnDone
	s.mu.Unlock()
}

// close stops admission and returns every queued transaction, marked resolved, for the
// caller to fail.
func (s *scheduler) close() []*transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stranded []*transaction
	if s.closed {
		return stranded
	}
	s.closed = true

	for _, q := range []*queue.Deque[*transaction]{s.retries, s.commands} {
		for {
			txn, ok := q.PopFront()
			if !ok {
				break
			}
			stranded = append(stranded, txn)
		}
	}

	for _, addr := range s.pollOrder {
		if txn, ok := s.polls[addr]; ok {
			stranded = append(stranded, txn)
		}
	}
	clear(s.polls)

	for _, txn := range stranded {
		txn.state = txnDone
	}

	s.changedLocked()
	// Wake blocked submitters so they observe closed.
	close(s.space)
	s.space = make(chan struct{})

	return stranded
}

func (s *scheduler) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.depthLocked()
}

func (s *scheduler) depthLocked() int {
	return s.retries.Length() + s.commands.Length() + len(s.polls)
}

// changedLocked publishes the queue depth and releases submitters waiting for room.
func (s *scheduler) changedLocked() {
	depth := s.depthLocked()
	s.metrics.QueueDepth.Store(int64(depth))

	if s.waiters > 0 && depth < s.bound {
		close(s.space)
		s.space = make(chan struct{})
	}
}

// notify wakes the worker without blocking.
func (s *scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
