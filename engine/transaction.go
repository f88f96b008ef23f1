package engine

import (
	"context"
	"time"

	"github.com/arloliu/go-servobus/protocol"
)

// priority orders transactions in the queue.
type priority uint8

const (
	priorityCommand priority = iota
	priorityPoll
)

func (p priority) String() string {
	if p == priorityPoll {
		return "poll"
	}

	return "command"
}

// txnState is guarded by the scheduler mutex.
type txnState uint8

const (
	txnQueued txnState = iota
	txnInFlight
	txnDone
)

// transaction is one request travelling through the scheduler. It is owned by the
// scheduler while queued and by the worker while in flight.
type transaction struct {
	address          protocol.Address
	command          protocol.Command
	priority         priority
	retriesRemaining int
	attempts         int
	enqueueTime      time.Time
	notBefore        time.Time

	// Guarded by the scheduler mutex.
	state           txnState
	cancelRequested bool

	handle *Handle
}

func newTransaction(addr protocol.Address, cmd protocol.Command, prio priority, retries int) *transaction {
	txn := &transaction{
		address:          addr,
		command:          cmd,
		priority:         prio,
		retriesRemaining: retries,
		enqueueTime:      time.Now(),
	}
	txn.handle = &Handle{txn: txn, done: make(chan struct{})}

	return txn
}

// Handle tracks a submitted transaction.
type Handle struct {
	txn   *transaction
	sched *scheduler
	done  chan struct{}

	// Written once before done is closed.
	reply    protocol.Reply
	err      error
	attempts int
}

// Address returns the target actuator.
func (h *Handle) Address() protocol.Address { return h.txn.address }

// Command returns the submitted command.
func (h *Handle) Command() protocol.Command { return h.txn.command }

// Done is closed when the transaction is resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome. It must only be called after Done is closed.
func (h *Handle) Result() (protocol.Reply, error) { return h.reply, h.err }

// Attempts returns the number of bus transactions used. It must only be called after Done
// is closed.
func (h *Handle) Attempts() int { return h.attempts }

// Wait blocks until the transaction is resolved or ctx is done. It does not cancel the
// transaction when ctx ends; use Cancel for that.
func (h *Handle) Wait(ctx context.Context) (protocol.Reply, error) {
	select {
	case <-h.done:
		return h.reply, h.err
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

// Cancel withdraws the transaction if it is not on the bus. A queued transaction, or one
// waiting for a retry, resolves with ErrCancelled and Cancel returns true. A transaction in
// flight completes its current attempt, is not retried afterwards, and Cancel returns false.
func (h *Handle) Cancel() bool {
	if h.sched == nil {
		return false
	}

	return h.sched.cancel(h.txn)
}

func (h *Handle) resolve(reply protocol.Reply, err error) {
	h.reply = reply
	h.err = err
	h.attempts = h.txn.attempts
	close(h.done)
}
