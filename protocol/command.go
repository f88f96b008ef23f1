package protocol

import (
	"fmt"
	"math"
	"time"
)

// Address is the CAN id of one actuator on the bus.
type Address uint8

// Valid reports whether a can be assigned to an actuator. The master, host, broadcast and
// 0xFF ids are reserved.
func (a Address) Valid() bool {
	switch uint8(a) {
	case MasterID, DebugHostID, BroadcastID, 0xFF:
		return false
	default:
		return true
	}
}

func (a Address) String() string {
	return fmt.Sprintf("0x%02X", uint8(a))
}

// Parameter indexes used by the engine.
const (
	ParamRunMode      uint16 = 0x7005 // u8, see RunMode
	ParamIqRef        uint16 = 0x7006 // f32, current-mode set-point
	ParamSpeedRef     uint16 = 0x700A // f32
	ParamLimitTorque  uint16 = 0x700B // f32
	ParamLocRef       uint16 = 0x7016 // f32
	ParamLimitSpeed   uint16 = 0x7017 // f32
	ParamLimitCurrent uint16 = 0x7018 // f32
	ParamMechPos      uint16 = 0x7019 // f32, read-only
	ParamIqFilter     uint16 = 0x701A // f32, read-only
	ParamMechVel      uint16 = 0x701B // f32, read-only
	ParamVBus         uint16 = 0x701C // f32, read-only
	ParamCANTimeout   uint16 = 0x200C // u32, in 50µs ticks
)

// Text parameters read with ReadParameterString, and the number of frames each answer spans.
const (
	ParamName      uint16 = 0x0000
	ParamBarCode   uint16 = 0x0001
	ParamBuildDate uint16 = 0x1001

	NameFrames      uint8 = 4
	BarCodeFrames   uint8 = 4
	BuildDateFrames uint8 = 3
)

// MaxStringFrames bounds the length of a text parameter answer.
const MaxStringFrames = 8

// StringFrames returns the answer length of a known text parameter.
func StringFrames(index uint16) (uint8, bool) {
	switch index {
	case ParamName:
		return NameFrames, true
	case ParamBarCode:
		return BarCodeFrames, true
	case ParamBuildDate:
		return BuildDateFrames, true
	default:
		return 0, false
	}
}

// RunMode selects the actuator's control loop.
type RunMode uint8

const (
	RunModeMIT RunMode = iota
	RunModePosition
	RunModeSpeed
	RunModeCurrent
	RunModeToZero
	RunModeCSPPosition
)

func (m RunMode) String() string {
	switch m {
	case RunModeMIT:
		return "mit"
	case RunModePosition:
		return "position"
	case RunModeSpeed:
		return "speed"
	case RunModeCurrent:
		return "current"
	case RunModeToZero:
		return "to-zero"
	case RunModeCSPPosition:
		return "csp-position"
	default:
		return fmt.Sprintf("RunMode(%d)", uint8(m))
	}
}

// MaxWatchdogTimeout is the longest CAN watchdog the firmware accepts.
const MaxWatchdogTimeout = 5 * time.Second

// WatchdogTicksPerMs converts milliseconds into the firmware's CAN timeout unit.
const WatchdogTicksPerMs = 20

// Kind tags a Command variant.
type Kind uint8

const (
	KindSetTarget Kind = iota + 1
	KindEnable
	KindDisable
	KindReadTelemetry
	KindWriteParameter
	KindReadParameter
	KindSetZero
	KindSetRunMode
	KindSetWatchdog
	KindReadParameterString
)

func (k Kind) String() string {
	switch k {
	case KindSetTarget:
		return "set-target"
	case KindEnable:
		return "enable"
	case KindDisable:
		return "disable"
	case KindReadTelemetry:
		return "read-telemetry"
	case KindWriteParameter:
		return "write-parameter"
	case KindReadParameter:
		return "read-parameter"
	case KindSetZero:
		return "set-zero"
	case KindSetRunMode:
		return "set-run-mode"
	case KindSetWatchdog:
		return "set-watchdog"
	case KindReadParameterString:
		return "read-parameter-string"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// IsWrite reports whether the command changes actuator configuration rather than its motion.
func (k Kind) IsWrite() bool {
	switch k {
	case KindWriteParameter, KindSetRunMode, KindSetWatchdog, KindSetZero:
		return true
	default:
		return false
	}
}

// Command is an immutable request for one actuator. The set of variants is closed.
type Command interface {
	Kind() Kind
	isCommand()
}

// Gains are the MIT-mode stiffness and damping.
type Gains struct {
	Kp float64
	Kd float64
}

// SetTarget is an MIT-mode control frame:
// torque = Kp*(Position-pos) + Kd*(Velocity-vel) + Torque.
type SetTarget struct {
	Position float64 // rad
	Velocity float64 // rad/s
	Torque   float64 // feed-forward N·m
	Gains    Gains
}

// Enable switches the actuator into its running state.
type Enable struct{}

// Disable stops the actuator. ClearFaults also clears latched fault bits.
type Disable struct {
	ClearFaults bool
}

// ReadTelemetry samples the actuator's feedback.
//
// The actuator only reports feedback in answer to control-class frames, so a telemetry read is
// encoded as a control frame repeating Hold. A nil Hold sends a zero-gain, zero-torque frame,
// which leaves a disabled actuator passive.
type ReadTelemetry struct {
	Hold *SetTarget
}

// WriteParameter writes a 32-bit little-endian value to a runtime parameter.
// Use FloatValue for f32 parameters.
type WriteParameter struct {
	Index uint16
	Value uint32
}

// ReadParameter reads a runtime parameter.
type ReadParameter struct {
	Index uint16
}

// ReadParameterString reads a text parameter. The actuator answers with Frames frames of
// four characters each.
type ReadParameterString struct {
	Index  uint16
	Frames uint8
}

// SetZero makes the current mechanical position the actuator's zero.
type SetZero struct{}

// SetRunMode selects the control loop via the run-mode parameter.
type SetRunMode struct {
	Mode RunMode
}

// SetWatchdog sets the CAN timeout after which the actuator stops if no frame arrives.
// A zero Timeout disables the watchdog.
type SetWatchdog struct {
	Timeout time.Duration
}

func (SetTarget) Kind() Kind           { return KindSetTarget }
func (Enable) Kind() Kind              { return KindEnable }
func (Disable) Kind() Kind             { return KindDisable }
func (ReadTelemetry) Kind() Kind       { return KindReadTelemetry }
func (WriteParameter) Kind() Kind      { return KindWriteParameter }
func (ReadParameter) Kind() Kind       { return KindReadParameter }
func (ReadParameterString) Kind() Kind { return KindReadParameterString }
func (SetZero) Kind() Kind             { return KindSetZero }
func (SetRunMode) Kind() Kind          { return KindSetRunMode }
func (SetWatchdog) Kind() Kind         { return KindSetWatchdog }

func (SetTarget) isCommand()           {}
func (Enable) isCommand()              {}
func (Disable) isCommand()             {}
func (ReadTelemetry) isCommand()       {}
func (WriteParameter) isCommand()      {}
func (ReadParameter) isCommand()       {}
func (ReadParameterString) isCommand() {}
func (SetZero) isCommand()             {}
func (SetRunMode) isCommand()          {}
func (SetWatchdog) isCommand()         {}

// FloatValue returns the raw bits of an f32 parameter value.
func FloatValue(v float32) uint32 {
	return math.Float32bits(v)
}
