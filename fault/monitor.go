package fault

import (
	"maps"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-servobus/logger"
	"github.com/arloliu/go-servobus/protocol"
	"github.com/arloliu/go-servobus/state"
)

// Thresholds configures the classification.
type Thresholds struct {
	// Degraded is the consecutive failure count at which an actuator becomes Degraded.
	Degraded int
	// Faulted is the consecutive failure count at which an actuator becomes Faulted.
	Faulted int
	// OverTemperature is the reported temperature, in °C, above which an actuator is
	// Degraded. Zero disables the check.
	OverTemperature float64
}

// Monitor tracks the FaultState of every registered actuator.
//
// The Observe methods must be called from a single goroutine (the engine worker). State,
// States and Subscribe are safe from any goroutine.
type Monitor struct {
	thresholds Thresholds
	logger     logger.Logger
	states     *xsync.MapOf[protocol.Address, State]

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

// NewMonitor returns a monitor with no registered actuators.
func NewMonitor(th Thresholds, l logger.Logger) *Monitor {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Monitor{
		thresholds: th,
		logger:     l,
		states:     xsync.NewMapOf[protocol.Address, State](),
		subs:       make(map[*Subscription]struct{}),
	}
}

// Register starts tracking addr at Unknown.
func (m *Monitor) Register(addr protocol.Address) {
	m.states.LoadOrStore(addr, State{Level: Unknown})
}

// State returns addr's current FaultState.
func (m *Monitor) State(addr protocol.Address) (State, bool) {
	return m.states.Load(addr)
}

// States returns the FaultState of every registered actuator.
func (m *Monitor) States() map[protocol.Address]State {
	out := make(map[protocol.Address]State, m.states.Size())
	m.states.Range(func(addr protocol.Address, s State) bool {
		out[addr] = s
		return true
	})

	return out
}

// ObserveSuccess evaluates a completed transaction. st is the record after the outcome was
// applied; its latest sample supplies the fault bits and temperature.
//
// Only a success whose latest telemetry has clear fault bits returns an actuator to Nominal.
func (m *Monitor) ObserveSuccess(st *state.ActuatorState, at time.Time) (Transition, bool) {
	next := State{Level: Nominal}

	if s := st.Sample; s != nil {
		switch {
		case s.Faults.Hardware() != 0:
			next = State{Level: Faulted, Reason: s.Faults.Hardware().String()}
		case s.Faults.Soft() != 0:
			next = State{Level: Degraded, Reason: s.Faults.Soft().String()}
		case m.thresholds.OverTemperature > 0 && s.Temperature > m.thresholds.OverTemperature:
			next = State{Level: Degraded, Reason: ReasonOverTemperature}
		}
	}

	return m.transition(st, next, at)
}

// ObserveFailure evaluates one failed attempt. Failures only ever raise the level: a Faulted
// or Offline actuator stays so until a success or the staleness sweep moves it.
func (m *Monitor) ObserveFailure(st *state.ActuatorState, at time.Time) (Transition, bool) {
	var next State

	switch {
	case m.thresholds.Faulted > 0 && st.ConsecutiveFailures >= m.thresholds.Faulted:
		next = State{Level: Faulted, Reason: ReasonConsecutiveFailures}
	case m.thresholds.Degraded > 0 && st.ConsecutiveFailures >= m.thresholds.Degraded:
		next = State{Level: Degraded, Reason: ReasonConsecutiveFailures}
	default:
		return Transition{}, false
	}

	return m.raise(st, next, at)
}

// ObserveExhausted evaluates a transaction that ran out of retries.
func (m *Monitor) ObserveExhausted(st *state.ActuatorState, at time.Time) (Transition, bool) {
	return m.raise(st, State{Level: Faulted, Reason: ReasonCommunication}, at)
}

// ObserveStale moves an actuator that has not answered within the staleness window to
// Offline.
func (m *Monitor) ObserveStale(st *state.ActuatorState, at time.Time) (Transition, bool) {
	return m.transition(st, State{Level: Offline, Reason: ReasonStale}, at)
}

func (m *Monitor) raise(st *state.ActuatorState, next State, at time.Time) (Transition, bool) {
	cur, ok := m.states.Load(st.Address)
	if !ok || cur.Level == Offline || cur.Level >= next.Level {
		return Transition{}, false
	}

	return m.transition(st, next, at)
}

func (m *Monitor) transition(st *state.ActuatorState, next State, at time.Time) (Transition, bool) {
	cur, ok := m.states.Load(st.Address)
	if !ok || cur == next {
		return Transition{}, false
	}

	m.states.Store(st.Address, next)

	tr := Transition{
		Address:  st.Address,
		From:     cur,
		To:       next,
		Failures: st.ConsecutiveFailures,
		At:       at,
	}

	if next.Level == Nominal {
		m.logger.Info("servobus: actuator fault state changed", "address", st.Address, "from", cur, "to", next)
	} else {
		m.logger.Warn("servobus: actuator fault state changed",
			"address", st.Address, "from", cur, "to", next, "failures", st.ConsecutiveFailures)
	}

	m.publish(tr)

	return tr, true
}

// Subscribe opens a subscription buffering up to buffer transitions. When the buffer is full
// the oldest transition is discarded to make room.
func (m *Monitor) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	sub := &Subscription{
		monitor: m,
		events:  make(chan Transition, buffer),
		done:    make(chan struct{}),
	}

	m.subsMu.Lock()
	m.subs[sub] = struct{}{}
	m.subsMu.Unlock()

	return sub
}

// CloseSubscriptions ends every open subscription.
func (m *Monitor) CloseSubscriptions() {
	m.subsMu.Lock()
	subs := maps.Clone(m.subs)
	m.subsMu.Unlock()

	for sub := range subs {
		sub.Close()
	}
}

func (m *Monitor) unsubscribe(sub *Subscription) {
	m.subsMu.Lock()
	delete(m.subs, sub)
	m.subsMu.Unlock()
}

func (m *Monitor) publish(tr Transition) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for sub := range m.subs {
		if !sub.offer(tr) {
			m.logger.Warn("servobus: slow fault subscriber, dropped oldest event", "address", tr.Address)
		}
	}
}
