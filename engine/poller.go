package engine

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/arloliu/go-servobus/protocol"
)

const (
	minPollTick = time.Millisecond
	maxPollTick = 50 * time.Millisecond
)

// newLimiter returns a limiter admitting hz poll ticks per second. Zero never admits.
func newLimiter(hz float64) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(hz), 1)
}

// startPoller starts the poll ticker task. The ticker only enqueues; the worker performs the
// reads.
func (e *Engine) startPoller() error {
	e.polling.Store(true)

	ticker, err := e.taskMgr.StartInterval("poller", e.pollIteration, e.pollTick())
	if err != nil {
		return err
	}
	e.pollTicker.Store(ticker)

	return nil
}

func (e *Engine) stopPoller() {
	e.polling.Store(false)
	e.pollTicker.Store(nil)
}

func (e *Engine) pollIteration() bool {
	if !e.polling.Load() {
		return false
	}
	if e.paused.Load() {
		return true
	}

	now := time.Now()
	for _, addr := range e.addrs {
		lim, ok := e.limiters.Load(addr)
		if !ok || lim.Limit() == 0 || !lim.AllowN(now, 1) {
			continue
		}

		txn := newTransaction(addr, protocol.ReadTelemetry{}, priorityPoll, e.cfg.retryLimit)
		e.sched.submitPoll(txn)
	}

	return true
}

// pollTick returns a ticker period fine enough for the fastest configured rate.
func (e *Engine) pollTick() time.Duration {
	fastest := 0.0
	e.limiters.Range(func(_ protocol.Address, lim *rate.Limiter) bool {
		fastest = max(fastest, float64(lim.Limit()))
		return true
	})

	if fastest <= 0 {
		return maxPollTick
	}

	tick := time.Duration(float64(time.Second) / (2 * fastest))

	return min(max(tick, minPollTick), maxPollTick)
}

// SetPollRate changes the poll rate for addr. Zero stops polling it.
func (e *Engine) SetPollRate(addr protocol.Address, hz float64) error {
	if err := validatePollRate(hz); err != nil {
		return err
	}

	lim, ok := e.limiters.Load(addr)
	if !ok {
		return fmt.Errorf("%w: unregistered address %s", ErrInvalidCommand, addr)
	}
	lim.SetLimit(rate.Limit(hz))

	if ticker := e.pollTicker.Load(); ticker != nil {
		ticker.Reset(e.pollTick())
	}

	e.logger.Info("servobus: poll rate changed", "address", addr, "hz", hz)

	return nil
}

// Pause stops polling every actuator. Submitted commands still run. With a link watchdog
// armed, actuators stop once it expires.
func (e *Engine) Pause() {
	if e.paused.CompareAndSwap(false, true) {
		e.logger.Info("servobus: polling paused")
	}
}

// Resume restarts polling after Pause.
func (e *Engine) Resume() {
	if e.paused.CompareAndSwap(true, false) {
		e.logger.Info("servobus: polling resumed")
	}
}

// Paused reports whether polling is paused.
func (e *Engine) Paused() bool { return e.paused.Load() }
