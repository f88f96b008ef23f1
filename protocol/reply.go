package protocol

import (
	"fmt"
	"math"
	"strings"
)

// ReplyKind tags a decoded Reply.
type ReplyKind uint8

const (
	ReplyTelemetry ReplyKind = iota + 1
	ReplyAck
	ReplyParameter
	ReplyFaultReport
	ReplyParameterChunk
	ReplyParameterString
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyTelemetry:
		return "telemetry"
	case ReplyAck:
		return "ack"
	case ReplyParameter:
		return "parameter"
	case ReplyFaultReport:
		return "fault-report"
	case ReplyParameterChunk:
		return "parameter-chunk"
	case ReplyParameterString:
		return "parameter-string"
	default:
		return fmt.Sprintf("ReplyKind(%d)", uint8(k))
	}
}

// Reply is a decoded response from an actuator. At most one of the payload pointers is
// set, matching Kind. Ack replies echo a parameter write and carry Parameter.
//
// ReplyParameterString is never decoded from a single frame; it is assembled from the
// ReplyParameterChunk frames answering a ReadParameterString.
type Reply struct {
	Kind      ReplyKind
	Address   Address
	Telemetry *Feedback
	Parameter *ParameterValue
	Faults    *FaultReport
	Chunk     *ParameterChunk
	Text      *ParameterString
}

// MotorMode is the actuator state reported in every feedback frame.
type MotorMode uint8

const (
	MotorModeReset MotorMode = iota
	MotorModeCalibration
	MotorModeRunning
)

func (m MotorMode) String() string {
	switch m {
	case MotorModeReset:
		return "reset"
	case MotorModeCalibration:
		return "calibration"
	case MotorModeRunning:
		return "running"
	default:
		return fmt.Sprintf("MotorMode(%d)", uint8(m))
	}
}

// FaultBits is the six-bit fault field of a feedback frame.
type FaultBits uint8

const (
	FaultUnderVoltage FaultBits = 1 << iota
	FaultOverCurrent
	FaultOverTemperature
	FaultMagneticEncoder
	FaultHallEncoder
	FaultUncalibrated
)

const (
	hardwareFaults FaultBits = FaultOverCurrent | FaultOverTemperature | FaultMagneticEncoder | FaultHallEncoder
	softFaults     FaultBits = FaultUnderVoltage | FaultUncalibrated
)

var faultNames = [...]string{
	"under-voltage",
	"over-current",
	"over-temperature",
	"magnetic-encoder",
	"hall-encoder",
	"uncalibrated",
}

// Hardware returns the bits that mean the actuator can no longer be driven.
func (b FaultBits) Hardware() FaultBits { return b & hardwareFaults }

// Soft returns the bits that degrade operation without stopping the actuator.
func (b FaultBits) Soft() FaultBits { return b & softFaults }

func (b FaultBits) String() string {
	if b == 0 {
		return "none"
	}

	names := make([]string, 0, len(faultNames))
	for i, name := range faultNames {
		if b&(1<<i) != 0 {
			names = append(names, name)
		}
	}

	return strings.Join(names, "|")
}

// Feedback is one decoded telemetry frame.
type Feedback struct {
	Position    float64 // rad
	Velocity    float64 // rad/s
	Torque      float64 // N·m
	Temperature float64 // °C
	Mode        MotorMode
	Faults      FaultBits
}

// ParameterValue is the answer to a ReadParameter command.
type ParameterValue struct {
	Index uint16
	Raw   uint32
}

// Float interprets the value as an f32 parameter.
func (p ParameterValue) Float() float32 {
	return math.Float32frombits(p.Raw)
}

// ParameterChunk is one four-character frame of a text parameter answer.
type ParameterChunk struct {
	Index uint16
	Data  [4]byte
}

// ParameterString is a reassembled text parameter.
type ParameterString struct {
	Index uint16
	Value string
}

// JoinChunks reassembles a text parameter from its frames in arrival order. NUL padding is
// dropped.
func JoinChunks(index uint16, chunks []ParameterChunk) ParameterString {
	var b strings.Builder
	b.Grow(len(chunks) * 4)
	for _, c := range chunks {
		for _, ch := range c.Data {
			if ch != 0 {
				b.WriteByte(ch)
			}
		}
	}

	return ParameterString{Index: index, Value: b.String()}
}

// FaultReport is an unsolicited fault and warning report.
type FaultReport struct {
	Fault   uint32
	Warning uint32
}
