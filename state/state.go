// Package state holds the latest known condition of every actuator on the bus.
//
// The Table has exactly one writer, the engine worker, and any number of readers. Each
// actuator's record is replaced wholesale on every update, so a reader always observes a
// complete record and never blocks the writer.
package state

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-servobus/protocol"
)

var (
	// ErrUnknownAddress reports an address that was never registered.
	ErrUnknownAddress = errors.New("state: unknown address")
	// ErrDuplicateAddress reports a second registration of the same address.
	ErrDuplicateAddress = errors.New("state: address already registered")
)

// Liveness tracks whether an actuator is answering.
type Liveness uint8

const (
	LivenessUnknown Liveness = iota
	LivenessOnline
	LivenessOffline
)

func (l Liveness) String() string {
	switch l {
	case LivenessUnknown:
		return "unknown"
	case LivenessOnline:
		return "online"
	case LivenessOffline:
		return "offline"
	default:
		return fmt.Sprintf("Liveness(%d)", uint8(l))
	}
}

// TelemetrySample is one decoded feedback frame. Samples are immutable once installed.
//
// Torque doubles as the current reading: the actuator reports output torque, which is the
// scaled q-axis current.
type TelemetrySample struct {
	Position    float64
	Velocity    float64
	Torque      float64
	Temperature float64
	Mode        protocol.MotorMode
	Faults      protocol.FaultBits
	Sequence    uint64
	Timestamp   time.Time
}

// NewSample builds a sample from decoded feedback.
func NewSample(fb *protocol.Feedback, seq uint64, at time.Time) TelemetrySample {
	return TelemetrySample{
		Position:    fb.Position,
		Velocity:    fb.Velocity,
		Torque:      fb.Torque,
		Temperature: fb.Temperature,
		Mode:        fb.Mode,
		Faults:      fb.Faults,
		Sequence:    seq,
		Timestamp:   at,
	}
}

// ActuatorState is a point-in-time copy of one actuator's record.
type ActuatorState struct {
	Address protocol.Address
	Model   protocol.Model

	// Sample is nil until the first telemetry arrives.
	Sample *TelemetrySample

	Liveness            Liveness
	ConsecutiveFailures int
	Registered          time.Time
	LastTransaction     time.Time
	LastSuccess         time.Time
	TotalTransactions   uint64
	FailedTransactions  uint64
}

// Table maps actuator addresses to their latest state.
//
// Register, RecordSuccess, RecordFailure, Install and MarkOffline must only be called from
// the single writer. Snapshot and Snapshots are safe from any goroutine.
type Table struct {
	entries *xsync.MapOf[protocol.Address, *ActuatorState]
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: xsync.NewMapOf[protocol.Address, *ActuatorState]()}
}

// Register adds addr with no telemetry and unknown liveness.
func (t *Table) Register(addr protocol.Address, model protocol.Model, at time.Time) error {
	_, loaded := t.entries.LoadOrStore(addr, &ActuatorState{
		Address:    addr,
		Model:      model,
		Registered: at,
	})
	if loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, addr)
	}

	return nil
}

// Len returns the number of registered actuators.
func (t *Table) Len() int { return t.entries.Size() }

// Snapshot returns a copy of addr's current record.
func (t *Table) Snapshot(addr protocol.Address) (ActuatorState, error) {
	st, ok := t.entries.Load(addr)
	if !ok {
		return ActuatorState{}, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}

	return *st, nil
}

// Snapshots returns copies of every record ordered by address.
func (t *Table) Snapshots() []ActuatorState {
	out := make([]ActuatorState, 0, t.entries.Size())
	t.entries.Range(func(_ protocol.Address, st *ActuatorState) bool {
		out = append(out, *st)
		return true
	})

	slices.SortFunc(out, func(a, b ActuatorState) int { return int(a.Address) - int(b.Address) })

	return out
}

// RecordSuccess notes a completed exchange: the failure streak resets and the actuator is
// online.
func (t *Table) RecordSuccess(addr protocol.Address, at time.Time) (ActuatorState, error) {
	return t.update(addr, func(st *ActuatorState) {
		st.ConsecutiveFailures = 0
		st.Liveness = LivenessOnline
		st.LastTransaction = at
		st.LastSuccess = at
		st.TotalTransactions++
	})
}

// RecordFailure notes one failed exchange attempt.
func (t *Table) RecordFailure(addr protocol.Address, at time.Time) (ActuatorState, error) {
	return t.update(addr, func(st *ActuatorState) {
		st.ConsecutiveFailures++
		st.LastTransaction = at
		st.TotalTransactions++
		st.FailedTransactions++
	})
}

// Install replaces addr's sample unless the stored sample carries a higher sequence number.
// It reports whether the sample was installed.
func (t *Table) Install(addr protocol.Address, sample TelemetrySample) (bool, error) {
	installed := false
	_, err := t.update(addr, func(st *ActuatorState) {
		if st.Sample != nil && sample.Sequence < st.Sample.Sequence {
			return
		}
		st.Sample = &sample
		installed = true
	})

	return installed, err
}

// MarkOffline moves addr to offline. It reports whether the liveness changed.
func (t *Table) MarkOffline(addr protocol.Address) (bool, error) {
	changed := false
	_, err := t.update(addr, func(st *ActuatorState) {
		changed = st.Liveness != LivenessOffline
		st.Liveness = LivenessOffline
	})

	return changed, err
}

// Stale returns the addresses that are not offline and have not completed an exchange
// within window of now. Actuators that never answered are measured from registration, or
// from since when that is later; since is when the bus started carrying traffic.
func (t *Table) Stale(now time.Time, window time.Duration, since time.Time) []protocol.Address {
	var out []protocol.Address
	t.entries.Range(func(addr protocol.Address, st *ActuatorState) bool {
		if st.Liveness == LivenessOffline {
			return true
		}

		last := st.LastSuccess
		if last.IsZero() {
			last = st.Registered
			if since.After(last) {
				last = since
			}
		}
		if now.Sub(last) > window {
			out = append(out, addr)
		}

		return true
	})
	slices.Sort(out)

	return out
}

// update applies fn to a private copy of addr's record and publishes the copy.
func (t *Table) update(addr protocol.Address, fn func(*ActuatorState)) (ActuatorState, error) {
	var (
		result ActuatorState
		found  bool
	)

	t.entries.Compute(addr, func(old *ActuatorState, loaded bool) (*ActuatorState, bool) {
		if !loaded {
			return nil, true
		}
		found = true

		next := *old
		fn(&next)
		result = next

		return &next, false
	})

	if !found {
		return ActuatorState{}, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}

	return result, nil
}
