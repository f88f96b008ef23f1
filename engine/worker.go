package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-servobus/internal/pool"
	"github.com/arloliu/go-servobus/protocol"
	"github.com/arloliu/go-servobus/state"
	"github.com/arloliu/go-servobus/transport"
)

const (
	// minSweepInterval bounds how often the staleness sweep runs.
	minSweepInterval = 5 * time.Millisecond
	// maxLateFrames bounds the input drained before each attempt.
	maxLateFrames = 16
	// rateWindow is the period over which the achieved bus rate is measured.
	rateWindow = 250 * time.Millisecond
)

// --- Worker loop ---
//
// The worker is the only goroutine that touches the transport, the state table mutators and
// the fault monitor's observe methods. Everything below runs on it.

// startWorker starts the worker as a managed task.
func (e *Engine) startWorker() error {
	now := time.Now()
	e.busStart = now
	e.lastSweep = now
	e.rateStart = now
	e.rateAttempts = e.metrics.AttemptCount.Load()

	return e.taskMgr.Start("worker", e.workerIteration, e.onWorkerExit)
}

// workerIteration runs at most one transaction attempt, then the staleness sweep.
func (e *Engine) workerIteration() bool {
	ctx := e.taskMgr.Context()
	if ctx.Err() != nil {
		return false
	}

	txn, wait := e.sched.next(time.Now())
	if txn != nil {
		e.execute(txn)

		now := time.Now()
		e.sweep(now)
		e.sampleRate(now)

		return true
	}

	now := time.Now()
	e.sweep(now)
	e.sampleRate(now)

	idle := e.sweepInterval
	if wait > 0 && wait < idle {
		idle = wait
	}

	timer := pool.GetTimer(idle)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		return false
	case <-e.sched.wake:
	case <-timer.C:
	}

	return true
}

func (e *Engine) onWorkerExit() {
	for _, txn := range e.sched.close() {
		e.metrics.incResolved(ErrEngineClosed)
		txn.handle.resolve(protocol.Reply{}, ErrEngineClosed)
	}

	e.logger.Debug("servobus: worker stopped")
}

// execute performs one attempt of txn and either resolves it or requeues it for a retry.
func (e *Engine) execute(txn *transaction) {
	frame, err := e.encode(txn)
	if err != nil {
		e.logger.Debug("servobus: rejected command", "address", txn.address, "kind", txn.command.Kind(), "error", err)
		e.resolve(txn, protocol.Reply{}, err)

		return
	}

	seq := e.nextSequence(txn.address)
	txn.attempts++
	e.metrics.incAttempt(txn.attempts > 1)

	reply, err := e.exchange(txn, frame)
	now := time.Now()

	if err != nil {
		e.onFailure(txn, err, now)
		return
	}

	e.onSuccess(txn, reply, seq, now)
}

// encode fills a poll with the address's standing target before encoding, so polling keeps
// the actuator holding its last commanded setpoint.
func (e *Engine) encode(txn *transaction) (protocol.Frame, error) {
	cmd := txn.command
	if rt, ok := cmd.(protocol.ReadTelemetry); ok && rt.Hold == nil {
		if hold, ok := e.standing[txn.address]; ok {
			cmd = protocol.ReadTelemetry{Hold: &hold}
		}
	}

	return e.codec.Encode(txn.address, cmd)
}

func (e *Engine) nextSequence(addr protocol.Address) uint64 {
	e.seq[addr]++
	return e.seq[addr]
}

// exchange sends frame and waits for the reply that completes txn. Replies that belong to
// something else are handled and skipped while the transaction deadline allows.
func (e *Engine) exchange(txn *transaction, frame protocol.Frame) (protocol.Reply, error) {
	e.drainInput()

	if err := e.transport.Send(frame); err != nil {
		e.countFailure(err)
		return protocol.Reply{}, err
	}

	deadline := time.Now().Add(e.cfg.transactionTimeout)

	// Text parameter answers span several frames.
	var chunks []protocol.ParameterChunk

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.metrics.TimeoutCount.Add(1)
			return protocol.Reply{}, transport.ErrTimeout
		}

		f, err := e.transport.Receive(remaining)
		if err != nil {
			e.countFailure(err)
			return protocol.Reply{}, err
		}

		reply, err := e.codec.Decode(f)
		if err != nil {
			e.countFailure(err)
			return protocol.Reply{}, err
		}

		if reply.Kind == protocol.ReplyFaultReport {
			e.onFaultReport(reply)
			continue
		}

		if reply.Address != txn.address {
			e.metrics.MisroutedCount.Add(1)
			e.logger.Debug("servobus: misrouted reply", "expected", txn.address, "from", reply.Address, "reply", reply.Kind)
			e.onUnsolicited(reply)

			continue
		}

		if !accepts(txn.command, reply) {
			e.logger.Debug("servobus: skipped unexpected reply",
				"address", reply.Address, "kind", txn.command.Kind(), "reply", reply.Kind)

			continue
		}

		if rs, ok := txn.command.(protocol.ReadParameterString); ok {
			chunks = append(chunks, *reply.Chunk)
			if len(chunks) < int(rs.Frames) {
				deadline = time.Now().Add(e.cfg.transactionTimeout)
				continue
			}

			text := protocol.JoinChunks(rs.Index, chunks)

			return protocol.Reply{Kind: protocol.ReplyParameterString, Address: reply.Address, Text: &text}, nil
		}

		return reply, nil
	}
}

// accepts reports whether reply completes cmd.
func accepts(cmd protocol.Command, reply protocol.Reply) bool {
	switch c := cmd.(type) {
	case protocol.ReadParameter:
		return reply.Kind == protocol.ReplyParameter && reply.Parameter.Index == c.Index
	case protocol.ReadParameterString:
		return reply.Kind == protocol.ReplyParameterChunk
	case protocol.WriteParameter, protocol.SetRunMode, protocol.SetWatchdog:
		return reply.Kind == protocol.ReplyAck || reply.Kind == protocol.ReplyTelemetry
	default:
		return reply.Kind == protocol.ReplyTelemetry
	}
}

func (e *Engine) countFailure(err error) {
	switch {
	case errors.Is(err, transport.ErrTimeout):
		e.metrics.TimeoutCount.Add(1)
	case errors.Is(err, protocol.ErrDecode):
		e.metrics.DecodeErrCount.Add(1)
	default:
		e.metrics.TransportErrCount.Add(1)
	}
}

func (e *Engine) onFaultReport(reply protocol.Reply) {
	e.metrics.FaultReportCount.Add(1)
	e.logger.Warn("servobus: actuator fault report", "address", reply.Address,
		"fault", fmt.Sprintf("%#08x", reply.Faults.Fault),
		"warning", fmt.Sprintf("%#08x", reply.Faults.Warning))
}

// drainInput discards replies left over from abandoned attempts so they cannot complete the
// next one. Their telemetry and fault reports are still recorded.
func (e *Engine) drainInput() {
	for range maxLateFrames {
		f, err := e.transport.Receive(0)
		if err != nil {
			return
		}

		reply, err := e.codec.Decode(f)
		if err != nil {
			continue
		}

		e.metrics.LateReplyCount.Add(1)
		e.onUnsolicited(reply)
	}
}

// onUnsolicited records a reply that completes no transaction. Telemetry is offered to the
// table under the sender's last sequence number, so it cannot replace anything newer.
func (e *Engine) onUnsolicited(reply protocol.Reply) {
	switch {
	case reply.Kind == protocol.ReplyFaultReport:
		e.onFaultReport(reply)
	case reply.Telemetry != nil:
		sample := state.NewSample(reply.Telemetry, e.seq[reply.Address], time.Now())
		if _, err := e.table.Install(reply.Address, sample); err != nil {
			e.logger.Debug("servobus: dropped unsolicited telemetry", "address", reply.Address, "error", err)
		}
	}
}

func (e *Engine) onSuccess(txn *transaction, reply protocol.Reply, seq uint64, now time.Time) {
	addr := txn.address

	if reply.Telemetry != nil {
		if _, err := e.table.Install(addr, state.NewSample(reply.Telemetry, seq, now)); err != nil {
			e.logger.Error("servobus: failed to install telemetry", "address", addr, "error", err)
		}
	}

	prev, _ := e.table.Snapshot(addr)
	st, err := e.table.RecordSuccess(addr, now)
	if err != nil {
		e.logger.Error("servobus: failed to record success", "address", addr, "error", err)
	}
	if prev.Liveness == state.LivenessOffline {
		e.metrics.OfflineGauge.Add(-1)
		e.logger.Info("servobus: actuator back online", "address", addr)
	}

	e.monitor.ObserveSuccess(&st, now)

	switch c := txn.command.(type) {
	case protocol.SetTarget:
		e.standing[addr] = c
	case protocol.Disable:
		delete(e.standing, addr)
	case protocol.SetZero:
		// Positions are now measured from the new zero; holding the old setpoint would
		// drive the joint by the zeroing offset. Keep the gains so it still holds still.
		if hold, ok := e.standing[addr]; ok {
			e.standing[addr] = protocol.SetTarget{Gains: hold.Gains}
		}
	}

	e.resolve(txn, reply, nil)
}

func (e *Engine) onFailure(txn *transaction, cause error, now time.Time) {
	addr := txn.address

	st, err := e.table.RecordFailure(addr, now)
	if err != nil {
		e.logger.Error("servobus: failed to record failure", "address", addr, "error", err)
	}
	e.monitor.ObserveFailure(&st, now)

	if txn.retriesRemaining > 0 {
		txn.retriesRemaining--
		txn.notBefore = now.Add(e.backoff(txn.attempts))

		reqErr := e.sched.requeue(txn)
		if reqErr == nil {
			e.logger.Debug("servobus: retry transaction", "address", addr, "kind", txn.command.Kind(),
				"attempt", txn.attempts, "error", cause)

			return
		}

		e.resolve(txn, protocol.Reply{}, fmt.Errorf("%w: %w", reqErr, cause))

		return
	}

	e.monitor.ObserveExhausted(&st, now)

	if txn.priority == priorityPoll {
		e.logger.Warn("servobus: poll failed", "address", addr, "attempts", txn.attempts, "error", cause)
	} else {
		e.logger.Error("servobus: transaction failed", "address", addr, "kind", txn.command.Kind(),
			"attempts", txn.attempts, "error", cause)
	}

	e.resolve(txn, protocol.Reply{},
		fmt.Errorf("%w: %s after %d attempts: %w", ErrCommunicationFailure, addr, txn.attempts, cause))
}

// backoff returns the delay before the retry following attempt, doubling from the
// configured initial delay up to the maximum.
func (e *Engine) backoff(attempt int) time.Duration {
	if e.cfg.retryBackoff <= 0 || attempt < 1 {
		return 0
	}

	delay := e.cfg.retryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.cfg.retryBackoffMax {
			return e.cfg.retryBackoffMax
		}
	}

	return min(delay, e.cfg.retryBackoffMax)
}

func (e *Engine) resolve(txn *transaction, reply protocol.Reply, err error) {
	e.sched.finish(txn)
	e.metrics.incResolved(err)
	txn.handle.resolve(reply, err)
}

// sweep moves actuators without a successful exchange inside the staleness window to
// Offline.
func (e *Engine) sweep(now time.Time) {
	if now.Sub(e.lastSweep) < e.sweepInterval {
		return
	}
	e.lastSweep = now

	for _, addr := range e.table.Stale(now, e.cfg.stalenessWindow, e.busStart) {
		changed, err := e.table.MarkOffline(addr)
		if err != nil {
			continue
		}

		if changed {
			e.metrics.OfflineGauge.Add(1)
		}

		st, _ := e.table.Snapshot(addr)
		e.monitor.ObserveStale(&st, now)
	}
}

// sampleRate publishes the bus attempt rate achieved over the last rate window.
func (e *Engine) sampleRate(now time.Time) {
	elapsed := now.Sub(e.rateStart)
	if elapsed < rateWindow {
		return
	}

	attempts := e.metrics.AttemptCount.Load()
	e.metrics.setUpdateRate(float64(attempts-e.rateAttempts) / elapsed.Seconds())
	e.rateStart = now
	e.rateAttempts = attempts
}
