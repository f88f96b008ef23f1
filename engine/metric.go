package engine

import (
	"errors"
	"math"
	"sync/atomic"
)

// Metrics contains atomic engine counters.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// TransactionCount indicates the number of resolved transactions.
	TransactionCount atomic.Uint64
	// AttemptCount indicates the number of bus transactions (send + receive cycles).
	AttemptCount atomic.Uint64
	// RetryCount indicates the number of attempts that were retries.
	RetryCount atomic.Uint64
	// SuccessCount indicates the number of transactions resolved with a reply.
	SuccessCount atomic.Uint64
	// CommFailureCount indicates the number of transactions that exhausted their retries.
	CommFailureCount atomic.Uint64
	// InvalidCount indicates the number of transactions rejected by the encoder.
	InvalidCount atomic.Uint64
	// CancelledCount indicates the number of cancelled transactions.
	CancelledCount atomic.Uint64

	// TimeoutCount indicates the number of attempts that received no reply.
	TimeoutCount atomic.Uint64
	// DecodeErrCount indicates the number of attempts that received a corrupt reply.
	DecodeErrCount atomic.Uint64
	// TransportErrCount indicates the number of attempts that failed on link I/O.
	TransportErrCount atomic.Uint64
	// MisroutedCount indicates the number of replies from an address other than the one
	// addressed.
	MisroutedCount atomic.Uint64
	// LateReplyCount indicates the number of replies that arrived after their attempt had
	// been abandoned.
	LateReplyCount atomic.Uint64
	// FaultReportCount indicates the number of fault reports received.
	FaultReportCount atomic.Uint64

	// PollCount indicates the number of poll ticks admitted to the queue.
	PollCount atomic.Uint64
	// PollCoalescedCount indicates the number of poll ticks merged into a pending poll.
	PollCoalescedCount atomic.Uint64
	// PollDroppedCount indicates the number of poll ticks dropped by admission control.
	PollDroppedCount atomic.Uint64
	// SaturatedCount indicates the number of non-blocking submissions rejected.
	SaturatedCount atomic.Uint64

	// QueueDepth indicates the number of queued transactions.
	QueueDepth atomic.Int64
	// OfflineGauge indicates the number of actuators currently offline.
	OfflineGauge atomic.Int32

	updateRate atomic.Uint64 // float64 bits
}

// UpdateRate returns the bus transaction attempts per second achieved over the most recent
// measurement window. It is zero while the bus is idle.
func (m *Metrics) UpdateRate() float64 {
	return math.Float64frombits(m.updateRate.Load())
}

func (m *Metrics) setUpdateRate(hz float64) {
	m.updateRate.Store(math.Float64bits(hz))
}

func (m *Metrics) incAttempt(retry bool) {
	m.AttemptCount.Add(1)
	if retry {
		m.RetryCount.Add(1)
	}
}

func (m *Metrics) incResolved(err error) {
	m.TransactionCount.Add(1)

	switch {
	case err == nil:
		m.SuccessCount.Add(1)
	case errors.Is(err, ErrCancelled):
		m.CancelledCount.Add(1)
	case errors.Is(err, ErrInvalidCommand):
		m.InvalidCount.Add(1)
	case errors.Is(err, ErrCommunicationFailure):
		m.CommFailureCount.Add(1)
	}
}
