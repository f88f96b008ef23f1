// Package fault derives a health classification for every actuator from transaction outcomes
// and telemetry, and publishes classification changes to subscribers.
//
// The monitor only observes. Acting on a fault (disabling an actuator, stopping a motion) is
// left to the controller that consumes the transitions.
package fault

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/arloliu/go-servobus/protocol"
)

// Level is the coarse health classification of an actuator.
type Level uint8

const (
	// Unknown is the initial level, before any outcome was observed.
	Unknown Level = iota
	Nominal
	Degraded
	Faulted
	Offline
)

func (l Level) String() string {
	switch l {
	case Unknown:
		return "unknown"
	case Nominal:
		return "nominal"
	case Degraded:
		return "degraded"
	case Faulted:
		return "faulted"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// State is an actuator's FaultState. Reason is empty for Unknown and Nominal.
type State struct {
	Level  Level
	Reason string
}

func (s State) String() string {
	if s.Reason == "" {
		return s.Level.String()
	}

	return s.Level.String() + "(" + s.Reason + ")"
}

// LogValue implements slog.LogValuer.
func (s State) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// Transition is one FaultState change.
type Transition struct {
	Address  protocol.Address
	From     State
	To       State
	Failures int
	At       time.Time
}

// Reasons attached to non-nominal states.
const (
	ReasonConsecutiveFailures = "consecutive failures"
	ReasonCommunication       = "communication failure"
	ReasonStale               = "no successful transaction within staleness window"
	ReasonOverTemperature     = "over temperature"
)
