package fault

import (
	"iter"
	"sync"
	"sync/atomic"
)

// Subscription receives FaultState transitions from a Monitor until it is closed.
type Subscription struct {
	monitor   *Monitor
	events    chan Transition
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Events returns a lazy sequence of transitions. Iteration blocks until the next transition
// and ends when the subscription is closed. Events may be called again to resume where a
// previous iteration stopped.
func (s *Subscription) Events() iter.Seq[Transition] {
	return func(yield func(Transition) bool) {
		for {
			select {
			case <-s.done:
				return
			default:
			}

			select {
			case tr := <-s.events:
				if !yield(tr) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

// C returns the raw event channel for use in select statements. It is never closed; pair it
// with Done.
func (s *Subscription) C() <-chan Transition { return s.events }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns the number of transitions discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.monitor.unsubscribe(s)
		close(s.done)
	})
}

// offer enqueues tr, discarding the oldest buffered transition when full. It reports false
// when a transition was discarded.
func (s *Subscription) offer(tr Transition) bool {
	select {
	case s.events <- tr:
		return true
	default:
	}

	select {
	case <-s.events:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.events <- tr:
	default:
		// Unreachable with a single publisher.
		s.dropped.Add(1)
	}

	return false
}
