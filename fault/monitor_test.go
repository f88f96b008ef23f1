package fault

import (
	"bytes"
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-servobus/logger"
	"github.com/arloliu/go-servobus/protocol"
	"github.com/arloliu/go-servobus/state"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestMonitor(addrs ...protocol.Address) *Monitor {
	m := NewMonitor(Thresholds{Degraded: 2, Faulted: 5, OverTemperature: 80}, logger.GetLogger())
	for _, a := range addrs {
		m.Register(a)
	}

	return m
}

func failures(addr protocol.Address, n int) *state.ActuatorState {
	return &state.ActuatorState{Address: addr, ConsecutiveFailures: n}
}

func healthy(addr protocol.Address, faults protocol.FaultBits, temp float64) *state.ActuatorState {
	return &state.ActuatorState{
		Address: addr,
		Sample:  &state.TelemetrySample{Faults: faults, Temperature: temp},
	}
}

func TestMonitor_FailureThresholds(t *testing.T) {
	m := newTestMonitor(1)

	s, ok := m.State(1)
	require.True(t, ok)
	assert.Equal(t, Unknown, s.Level)

	_, changed := m.ObserveFailure(failures(1, 1), t0)
	assert.False(t, changed)

	tr, changed := m.ObserveFailure(failures(1, 2), t0)
	require.True(t, changed)
	assert.Equal(t, Unknown, tr.From.Level)
	assert.Equal(t, State{Level: Degraded, Reason: ReasonConsecutiveFailures}, tr.To)
	assert.Equal(t, 2, tr.Failures)

	for n := 3; n < 5; n++ {
		_, changed = m.ObserveFailure(failures(1, n), t0)
		assert.False(t, changed, "failure %d", n)
	}

	tr, changed = m.ObserveFailure(failures(1, 5), t0)
	require.True(t, changed)
	assert.Equal(t, Faulted, tr.To.Level)

	// Only a success clears a fault.
	_, changed = m.ObserveFailure(failures(1, 6), t0)
	assert.False(t, changed)

	tr, changed = m.ObserveSuccess(healthy(1, 0, 30), t0)
	require.True(t, changed)
	assert.Equal(t, State{Level: Nominal}, tr.To)
}

func TestMonitor_SuccessClassification(t *testing.T) {
	m := newTestMonitor(1)

	tr, changed := m.ObserveSuccess(&state.ActuatorState{Address: 1}, t0)
	require.True(t, changed)
	assert.Equal(t, Nominal, tr.To.Level, "success without telemetry is nominal")

	tr, changed = m.ObserveSuccess(healthy(1, protocol.FaultUnderVoltage, 30), t0)
	require.True(t, changed)
	assert.Equal(t, State{Level: Degraded, Reason: "under-voltage"}, tr.To)

	tr, changed = m.ObserveSuccess(healthy(1, protocol.FaultUnderVoltage|protocol.FaultHallEncoder, 30), t0)
	require.True(t, changed)
	assert.Equal(t, State{Level: Faulted, Reason: "hall-encoder"}, tr.To)

	tr, changed = m.ObserveSuccess(healthy(1, 0, 95), t0)
	require.True(t, changed)
	assert.Equal(t, State{Level: Degraded, Reason: ReasonOverTemperature}, tr.To)

	_, changed = m.ObserveSuccess(healthy(1, 0, 96), t0)
	assert.False(t, changed, "same state is not a transition")

	tr, changed = m.ObserveSuccess(healthy(1, 0, 40), t0)
	require.True(t, changed)
	assert.Equal(t, Nominal, tr.To.Level)
}

func TestMonitor_ExhaustedAndStale(t *testing.T) {
	m := newTestMonitor(1, 2)

	tr, changed := m.ObserveExhausted(failures(1, 3), t0)
	require.True(t, changed)
	assert.Equal(t, State{Level: Faulted, Reason: ReasonCommunication}, tr.To)

	s, _ := m.State(2)
	assert.Equal(t, Unknown, s.Level, "other actuators are unaffected")

	tr, changed = m.ObserveStale(failures(1, 3), t0)
	require.True(t, changed)
	assert.Equal(t, Offline, tr.To.Level)

	_, changed = m.ObserveExhausted(failures(1, 6), t0)
	assert.False(t, changed, "offline is left only on success")
	_, changed = m.ObserveStale(failures(1, 6), t0)
	assert.False(t, changed)

	tr, changed = m.ObserveSuccess(healthy(1, 0, 30), t0)
	require.True(t, changed)
	assert.Equal(t, Offline, tr.From.Level)
	assert.Equal(t, Nominal, tr.To.Level)

	_, changed = m.ObserveSuccess(healthy(9, 0, 30), t0)
	assert.False(t, changed, "unregistered addresses are ignored")
}

func TestMonitor_Subscribe(t *testing.T) {
	m := newTestMonitor(1)
	sub := m.Subscribe(8)

	m.ObserveSuccess(healthy(1, 0, 30), t0)
	m.ObserveFailure(failures(1, 2), t0.Add(time.Millisecond))

	var got []Transition
	for tr := range sub.Events() {
		got = append(got, tr)
		if len(got) == 1 {
			break
		}
	}

	// The sequence resumes where the first iteration stopped.
	for tr := range sub.Events() {
		got = append(got, tr)
		break
	}

	require.Len(t, got, 2)
	assert.Equal(t, Nominal, got[0].To.Level)
	assert.Equal(t, Degraded, got[1].To.Level)
	assert.Equal(t, t0.Add(time.Millisecond), got[1].At)

	sub.Close()
	sub.Close()
	assert.Empty(t, slices.Collect(sub.Events()))
}

func TestMonitor_SlowSubscriberDropsOldest(t *testing.T) {
	m := newTestMonitor(1)
	sub := m.Subscribe(2)
	defer sub.Close()

	m.ObserveSuccess(healthy(1, 0, 30), t0)                           // nominal
	m.ObserveSuccess(healthy(1, protocol.FaultUnderVoltage, 30), t0) // degraded
	m.ObserveSuccess(healthy(1, protocol.FaultOverCurrent, 30), t0)  // faulted

	assert.Equal(t, uint64(1), sub.Dropped())

	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, Degraded, first.To.Level)
	assert.Equal(t, Faulted, second.To.Level)
}

func TestMonitor_CloseSubscriptions(t *testing.T) {
	m := newTestMonitor(1)
	a, b := m.Subscribe(1), m.Subscribe(1)

	m.CloseSubscriptions()

	<-a.Done()
	<-b.Done()

	// Publishing after close is a no-op.
	m.ObserveSuccess(healthy(1, 0, 30), t0)
	assert.Empty(t, a.C())
}

func TestMonitor_LogsTransitions(t *testing.T) {
	ml := logger.NewMockLogger()
	ml.On("Warn", "servobus: actuator fault state changed", mock.Anything).Once()

	m := NewMonitor(Thresholds{Degraded: 1, Faulted: 3}, ml)
	m.Register(1)
	m.ObserveFailure(failures(1, 1), t0)

	ml.AssertExpectations(t)
}

func TestMonitor_LogsStateAsText(t *testing.T) {
	t.Setenv("ENV", "")

	var buf bytes.Buffer
	m := NewMonitor(Thresholds{Degraded: 1, Faulted: 3}, logger.NewSlogWithWriter(&buf, logger.InfoLevel, false))
	m.Register(1)
	m.ObserveFailure(failures(1, 1), t0)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "unknown", rec["from"])
	assert.Equal(t, "degraded(consecutive failures)", rec["to"])
}
