package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/arloliu/go-servobus/fault"
	"github.com/arloliu/go-servobus/internal/task"
	"github.com/arloliu/go-servobus/logger"
	"github.com/arloliu/go-servobus/protocol"
	"github.com/arloliu/go-servobus/state"
	"github.com/arloliu/go-servobus/transport"
)

// Engine runs every transaction on one bus, one at a time, and keeps the latest state and
// fault classification of each registered actuator.
type Engine struct {
	pctx      context.Context
	cfg       *Config
	logger    logger.Logger
	transport transport.Transport
	codec     *protocol.Codec
	table     *state.Table
	monitor   *fault.Monitor
	sched     *scheduler
	taskMgr   *task.Manager
	opState   atomicOpState
	metrics   Metrics
	closeMu   sync.Mutex

	addrs         []protocol.Address
	limiters      *xsync.MapOf[protocol.Address, *rate.Limiter]
	polling       atomic.Bool
	paused        atomic.Bool
	pollTicker    atomic.Pointer[time.Ticker]
	sweepInterval time.Duration

	// Owned by the worker.
	seq          map[protocol.Address]uint64
	standing     map[protocol.Address]protocol.SetTarget
	busStart     time.Time
	lastSweep    time.Time
	rateStart    time.Time
	rateAttempts uint64
}

// New creates an engine driving tr. The engine owns tr from now on and closes it in Close.
// Call Open to start the worker.
func New(ctx context.Context, cfg *Config, tr transport.Transport) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: nil config")
	}
	if tr == nil {
		return nil, errors.New("engine: nil transport")
	}

	l := cfg.GetLogger()
	actuators := cfg.Actuators()
	codec := protocol.NewCodec(cfg.HostID(), actuators)

	e := &Engine{
		pctx:      ctx,
		cfg:       cfg,
		logger:    l,
		transport: tr,
		codec:     codec,
		table:     state.NewTable(),
		monitor: fault.NewMonitor(fault.Thresholds{
			Degraded:        cfg.DegradedThreshold(),
			Faulted:         cfg.FaultedThreshold(),
			OverTemperature: cfg.OverTemperature(),
		}, l),
		taskMgr:  task.NewManager(ctx, l),
		addrs:    codec.Addresses(),
		limiters: xsync.NewMapOf[protocol.Address, *rate.Limiter](),
		seq:      make(map[protocol.Address]uint64, len(actuators)),
		standing: make(map[protocol.Address]protocol.SetTarget, len(actuators)),
	}

	e.sched = newScheduler(cfg.QueueDepth(), cfg.CommandBurst(), e.addrs, &e.metrics)
	e.sweepInterval = max(cfg.StalenessWindow()/4, minSweepInterval)

	now := time.Now()
	for _, addr := range e.addrs {
		if err := e.table.Register(addr, actuators[addr], now); err != nil {
			return nil, err
		}
		e.monitor.Register(addr)
		e.limiters.Store(addr, newLimiter(cfg.PollRate(addr)))
	}

	return e, nil
}

// Open starts the worker, runs the start-up sequence and starts polling. Start-up failures
// are logged and leave the affected actuator to the fault monitor; they do not fail Open.
func (e *Engine) Open(ctx context.Context) error {
	if e.opState.Get() == OpenedState {
		return nil
	}

	if !e.opState.toOpening() {
		return fmt.Errorf("%w: engine is %s", ErrEngineClosed, e.opState.String())
	}

	if err := e.startWorker(); err != nil {
		e.opState.toShutdown()
		return fmt.Errorf("engine: start worker: %w", err)
	}

	if e.cfg.StartupSequence() {
		e.startup(ctx)
	}

	if err := e.startPoller(); err != nil {
		e.logger.Error("servobus: failed to start poller", "error", err)
		_ = e.Close()

		return fmt.Errorf("engine: start poller: %w", err)
	}

	if !e.opState.toOpened() {
		return fmt.Errorf("%w: engine is %s", ErrEngineClosed, e.opState.String())
	}

	e.logger.Info("servobus: engine opened", "actuators", len(e.addrs), "hostID", e.cfg.HostID())

	return nil
}

// startup brings every actuator into MIT mode: reset, select the mode, zero the encoder on
// models that need it, enable, then arm the link watchdog. An actuator whose step fails is
// skipped for the rest of the sequence.
func (e *Engine) startup(ctx context.Context) {
	for _, addr := range e.addrs {
		model, _ := e.codec.Model(addr)
		info, _ := model.Info()

		steps := []protocol.Command{
			protocol.Disable{},
			protocol.SetRunMode{Mode: protocol.RunModeMIT},
		}
		if info.ZeroOnInit {
			steps = append(steps, protocol.SetZero{})
		}
		steps = append(steps, protocol.Enable{})
		if timeout := e.cfg.WatchdogTimeout(); timeout > 0 {
			steps = append(steps, protocol.SetWatchdog{Timeout: timeout})
		}

		for _, cmd := range steps {
			if _, err := e.submit(ctx, addr, cmd, true); err != nil {
				e.logger.Warn("servobus: actuator start-up failed", "address", addr, "step", cmd.Kind(), "error", err)
				break
			}
		}
	}
}

// shutdown releases every reachable actuator: hold zero torque, then disable.
func (e *Engine) shutdown(ctx context.Context) {
	for _, addr := range e.addrs {
		if st, err := e.table.Snapshot(addr); err == nil && st.Liveness == state.LivenessOffline {
			continue
		}

		for _, cmd := range []protocol.Command{protocol.SetTarget{}, protocol.Disable{}} {
			if _, err := e.submit(ctx, addr, cmd, true); err != nil {
				e.logger.Warn("servobus: actuator shutdown failed", "address", addr, "step", cmd.Kind(), "error", err)
				break
			}
		}
	}
}

// Close releases the actuators, fails every queued transaction with ErrEngineClosed, waits
// for the transaction in flight and closes the transport. The whole sequence is bounded by
// the configured close timeout. Close is idempotent.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()

	if e.opState.Get() == ShutdownState {
		return nil
	}

	closeCtx, closeCtxCancel := context.WithTimeout(context.Background(), e.cfg.CloseTimeout())
	defer closeCtxCancel()

	var closeErr error

	if e.opState.toClosing() {
		e.stopPoller()

		if e.cfg.StartupSequence() {
			e.shutdown(closeCtx)
		}

		for _, txn := range e.sched.close() {
			e.metrics.incResolved(ErrEngineClosed)
			txn.handle.resolve(protocol.Reply{}, ErrEngineClosed)
		}

		e.taskMgr.Stop()

		waitCtx, waitCancel := context.WithCancel(closeCtx)
		go func() {
			e.taskMgr.Wait()
			waitCancel()
		}()
		<-waitCtx.Done()

		if errors.Is(closeCtx.Err(), context.DeadlineExceeded) {
			e.logger.Error("servobus: close timeout", "timeout", e.cfg.CloseTimeout())
			closeErr = fmt.Errorf("engine: close timeout: %w", closeCtx.Err())
		}
	}

	if err := e.transport.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		closeErr = errors.Join(closeErr, fmt.Errorf("engine: close transport: %w", err))
	}

	e.monitor.CloseSubscriptions()
	e.opState.toShutdown()

	e.logger.Info("servobus: engine closed")

	return closeErr
}

// State returns the lifecycle state.
func (e *Engine) State() OpState { return e.opState.Get() }

// Metrics returns the engine counters.
func (e *Engine) Metrics() *Metrics { return &e.metrics }

// GetLogger returns the engine logger.
func (e *Engine) GetLogger() logger.Logger { return e.logger }

// Codec returns the codec used on the bus.
func (e *Engine) Codec() *protocol.Codec { return e.codec }

// Addresses returns the registered actuator addresses in ascending order.
func (e *Engine) Addresses() []protocol.Address {
	out := make([]protocol.Address, len(e.addrs))
	copy(out, e.addrs)

	return out
}

// QueueDepth returns the number of queued transactions.
func (e *Engine) QueueDepth() int { return e.sched.depth() }

// --- Submission ---

// Submit runs cmd against addr and waits for its outcome. It blocks while the queue is
// full. If ctx ends while the transaction is still queued it is withdrawn and Submit returns
// ErrCancelled; once on the bus the current attempt is allowed to finish.
func (e *Engine) Submit(ctx context.Context, addr protocol.Address, cmd protocol.Command) (protocol.Reply, error) {
	if !e.opState.acceptsWork() {
		return protocol.Reply{}, ErrEngineClosed
	}

	return e.submit(ctx, addr, cmd, true)
}

// SubmitAsync queues cmd against addr without waiting. It fails with ErrQueueSaturated when
// the queue is full.
func (e *Engine) SubmitAsync(addr protocol.Address, cmd protocol.Command) (*Handle, error) {
	return e.enqueue(context.Background(), addr, cmd, false)
}

// Enqueue queues cmd against addr, waiting for room in the queue until ctx ends, and
// returns without waiting for the outcome.
func (e *Engine) Enqueue(ctx context.Context, addr protocol.Address, cmd protocol.Command) (*Handle, error) {
	return e.enqueue(ctx, addr, cmd, true)
}

func (e *Engine) submit(ctx context.Context, addr protocol.Address, cmd protocol.Command, block bool) (protocol.Reply, error) {
	h, err := e.admit(ctx, addr, cmd, block)
	if err != nil {
		return protocol.Reply{}, err
	}

	select {
	case <-h.Done():
		return h.Result()
	case <-ctx.Done():
		if h.Cancel() {
			return protocol.Reply{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}

		<-h.Done()

		return h.Result()
	}
}

func (e *Engine) enqueue(ctx context.Context, addr protocol.Address, cmd protocol.Command, block bool) (*Handle, error) {
	if !e.opState.acceptsWork() {
		return nil, ErrEngineClosed
	}

	return e.admit(ctx, addr, cmd, block)
}

// admit queues a command regardless of the lifecycle state; the start-up and shutdown
// sequences use it directly.
func (e *Engine) admit(ctx context.Context, addr protocol.Address, cmd protocol.Command, block bool) (*Handle, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	if _, ok := e.codec.Model(addr); !ok {
		return nil, fmt.Errorf("%w: unregistered address %s", ErrInvalidCommand, addr)
	}

	txn := newTransaction(addr, cmd, priorityCommand, e.cfg.RetryLimit())
	if err := e.sched.submit(ctx, txn, block); err != nil {
		return nil, err
	}

	return txn.handle, nil
}

// --- Observation ---

// Snapshot returns the latest state of addr.
func (e *Engine) Snapshot(addr protocol.Address) (state.ActuatorState, error) {
	return e.table.Snapshot(addr)
}

// Snapshots returns the latest state of every registered actuator.
func (e *Engine) Snapshots() map[protocol.Address]state.ActuatorState {
	list := e.table.Snapshots()
	out := make(map[protocol.Address]state.ActuatorState, len(list))
	for _, st := range list {
		out[st.Address] = st
	}

	return out
}

// FaultState returns the fault classification of addr.
func (e *Engine) FaultState(addr protocol.Address) (fault.State, error) {
	s, ok := e.monitor.State(addr)
	if !ok {
		return fault.State{}, fmt.Errorf("%w: %s", state.ErrUnknownAddress, addr)
	}

	return s, nil
}

// FaultStates returns the fault classification of every registered actuator.
func (e *Engine) FaultStates() map[protocol.Address]fault.State {
	return e.monitor.States()
}

// SubscribeFaults opens a subscription to fault state transitions. A buffer below one uses
// the configured default. The subscription ends when the engine closes.
func (e *Engine) SubscribeFaults(buffer int) *fault.Subscription {
	if buffer < 1 {
		buffer = e.cfg.FaultEventBuffer()
	}

	return e.monitor.Subscribe(buffer)
}

// --- Convenience commands ---

// SetTarget sends an MIT control target and returns the feedback it produced. The target
// becomes the standing target repeated by polls.
func (e *Engine) SetTarget(ctx context.Context, addr protocol.Address, target protocol.SetTarget) (protocol.Feedback, error) {
	reply, err := e.Submit(ctx, addr, target)
	if err != nil {
		return protocol.Feedback{}, err
	}

	return *reply.Telemetry, nil
}

// Enable starts the motor driver of addr.
func (e *Engine) Enable(ctx context.Context, addr protocol.Address) error {
	_, err := e.Submit(ctx, addr, protocol.Enable{})
	return err
}

// Disable stops the motor driver of addr, optionally clearing latched faults.
func (e *Engine) Disable(ctx context.Context, addr protocol.Address, clearFaults bool) error {
	_, err := e.Submit(ctx, addr, protocol.Disable{ClearFaults: clearFaults})
	return err
}

// Zero sets the current mechanical position of addr as zero.
func (e *Engine) Zero(ctx context.Context, addr protocol.Address) error {
	_, err := e.Submit(ctx, addr, protocol.SetZero{})
	return err
}

// ReadTelemetry reads fresh feedback from addr, holding its standing target.
func (e *Engine) ReadTelemetry(ctx context.Context, addr protocol.Address) (protocol.Feedback, error) {
	reply, err := e.Submit(ctx, addr, protocol.ReadTelemetry{})
	if err != nil {
		return protocol.Feedback{}, err
	}

	return *reply.Telemetry, nil
}

// WriteParameter writes a raw parameter value.
func (e *Engine) WriteParameter(ctx context.Context, addr protocol.Address, index uint16, value uint32) error {
	_, err := e.Submit(ctx, addr, protocol.WriteParameter{Index: index, Value: value})
	return err
}

// ReadParameter reads a raw parameter value.
func (e *Engine) ReadParameter(ctx context.Context, addr protocol.Address, index uint16) (protocol.ParameterValue, error) {
	reply, err := e.Submit(ctx, addr, protocol.ReadParameter{Index: index})
	if err != nil {
		return protocol.ParameterValue{}, err
	}

	return *reply.Parameter, nil
}

// ReadParameterString reads a text parameter whose answer spans frames frames.
func (e *Engine) ReadParameterString(ctx context.Context, addr protocol.Address, index uint16, frames uint8) (string, error) {
	reply, err := e.Submit(ctx, addr, protocol.ReadParameterString{Index: index, Frames: frames})
	if err != nil {
		return "", err
	}

	return reply.Text.Value, nil
}

// Identity is the factory identification of an actuator.
type Identity struct {
	Name      string
	BarCode   string
	BuildDate string
}

// ReadIdentity reads the name, bar code and firmware build date of addr.
func (e *Engine) ReadIdentity(ctx context.Context, addr protocol.Address) (Identity, error) {
	var id Identity

	fields := []struct {
		index uint16
		dst   *string
	}{
		{protocol.ParamName, &id.Name},
		{protocol.ParamBarCode, &id.BarCode},
		{protocol.ParamBuildDate, &id.BuildDate},
	}
	for _, f := range fields {
		frames, _ := protocol.StringFrames(f.index)

		v, err := e.ReadParameterString(ctx, addr, f.index, frames)
		if err != nil {
			return Identity{}, fmt.Errorf("engine: read identity of %s: %w", addr, err)
		}
		*f.dst = v
	}

	return id, nil
}

// Restart resets and re-enables every actuator through the queue. Standing targets are
// dropped by the reset, so polls hold zero torque until the next SetTarget. Every actuator is
// attempted; the returned error joins the failures.
func (e *Engine) Restart(ctx context.Context) error {
	var errs []error
	for _, addr := range e.addrs {
		for _, cmd := range []protocol.Command{protocol.Disable{}, protocol.Enable{}} {
			if _, err := e.Submit(ctx, addr, cmd); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", addr, cmd.Kind(), err))
				break
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	e.logger.Info("servobus: actuators restarted", "actuators", len(e.addrs))

	return nil
}

// SetMinUpdateRate arms every actuator's link watchdog so it stops once the host addresses
// it less often than hz times per second. Keep the poll rate above hz, and mind that a
// paused engine no longer polls.
func (e *Engine) SetMinUpdateRate(ctx context.Context, hz float64) error {
	period := 1 / hz
	if math.IsNaN(hz) || hz <= 0 || period > protocol.MaxWatchdogTimeout.Seconds() || period < time.Millisecond.Seconds() {
		return fmt.Errorf("%w: minimum update rate %v Hz needs a watchdog outside [1ms, %s]",
			ErrInvalidCommand, hz, protocol.MaxWatchdogTimeout)
	}

	timeout := time.Duration(period * float64(time.Second)).Truncate(time.Millisecond)

	var errs []error
	for _, addr := range e.addrs {
		if _, err := e.Submit(ctx, addr, protocol.SetWatchdog{Timeout: timeout}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	e.logger.Info("servobus: minimum update rate set", "hz", hz, "watchdog", timeout)

	return nil
}
