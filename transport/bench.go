package transport

import (
	"fmt"
	"sync"

	"github.com/arloliu/go-servobus/protocol"
)

// benchTemperature is the idle temperature reported by bench actuators, in °C.
const benchTemperature = 30

type benchActuator struct {
	enabled  bool
	silent   bool
	faults   protocol.FaultBits
	temp     float64
	feedback protocol.Feedback
	params   map[uint16]uint32
	text     map[uint16]string
}

// Bench answers host frames the way a set of healthy actuators would: targets are reached
// instantly, parameters are remembered and every command is answered. Individual actuators
// can be silenced or given fault bits to exercise failure handling.
//
// Use Bench.Respond as a Mock responder. Bench is safe for concurrent use.
type Bench struct {
	codec *protocol.Codec

	mu        sync.Mutex
	actuators map[protocol.Address]*benchActuator
}

// NewBench returns a bench with one actuator per address registered in codec.
func NewBench(codec *protocol.Codec) *Bench {
	b := &Bench{codec: codec, actuators: make(map[protocol.Address]*benchActuator)}
	for _, addr := range codec.Addresses() {
		b.actuators[addr] = &benchActuator{
			temp: benchTemperature,
			params: map[uint16]uint32{
				protocol.ParamVBus: protocol.FloatValue(24),
			},
			text: map[uint16]string{
				protocol.ParamName:      fmt.Sprintf("bench-%02X", uint8(addr)),
				protocol.ParamBarCode:   fmt.Sprintf("BC%08X", uint8(addr)),
				protocol.ParamBuildDate: "Jan 01 2024",
			},
		}
	}

	return b
}

// SetSilent stops (or resumes) answers from addr.
func (b *Bench) SetSilent(addr protocol.Address, silent bool) {
	b.with(addr, func(a *benchActuator) { a.silent = silent })
}

// SetFaults sets the fault bits addr reports.
func (b *Bench) SetFaults(addr protocol.Address, faults protocol.FaultBits) {
	b.with(addr, func(a *benchActuator) { a.faults = faults })
}

// SetTemperature sets the temperature addr reports.
func (b *Bench) SetTemperature(addr protocol.Address, celsius float64) {
	b.with(addr, func(a *benchActuator) { a.temp = celsius })
}

// SetText sets the text parameter index reported by addr.
func (b *Bench) SetText(addr protocol.Address, index uint16, value string) {
	b.with(addr, func(a *benchActuator) { a.text[index] = value })
}

// Enabled reports whether addr is in its running state.
func (b *Bench) Enabled(addr protocol.Address) bool {
	var enabled bool
	b.with(addr, func(a *benchActuator) { enabled = a.enabled })

	return enabled
}

// Parameter returns the last value written to index on addr.
func (b *Bench) Parameter(addr protocol.Address, index uint16) (uint32, bool) {
	var (
		v  uint32
		ok bool
	)
	b.with(addr, func(a *benchActuator) { v, ok = a.params[index] })

	return v, ok
}

// Respond implements Responder.
func (b *Bench) Respond(f protocol.Frame) []protocol.Frame {
	addr, cmd, err := b.codec.DecodeCommand(f)
	if err != nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.actuators[addr]
	if !ok || a.silent {
		return nil
	}

	switch cmd := cmd.(type) {
	case protocol.SetTarget:
		if a.enabled {
			a.feedback.Position = cmd.Position
			a.feedback.Velocity = cmd.Velocity
			a.feedback.Torque = cmd.Torque
		}
	case protocol.Enable:
		a.enabled = true
	case protocol.Disable:
		a.enabled = false
		a.feedback.Velocity, a.feedback.Torque = 0, 0
		if cmd.ClearFaults {
			a.faults = 0
		}
	case protocol.SetZero:
		a.feedback.Position = 0
	case protocol.ReadParameter:
		raw := a.params[cmd.Index]
		if cmd.Index == protocol.ParamMechPos {
			raw = protocol.FloatValue(float32(a.feedback.Position))
		}
		return []protocol.Frame{b.codec.EncodeParameter(addr, protocol.ParameterValue{Index: cmd.Index, Raw: raw}, false)}
	case protocol.ReadParameterString:
		value := a.text[cmd.Index]
		frames, ok := protocol.StringFrames(cmd.Index)
		if !ok {
			frames = uint8(max(1, min((len(value)+3)/4, protocol.MaxStringFrames)))
		}
		return b.codec.EncodeParameterString(addr, cmd.Index, value, frames)
	case protocol.WriteParameter:
		a.params[cmd.Index] = cmd.Value
		return []protocol.Frame{b.codec.EncodeParameter(addr, protocol.ParameterValue{Index: cmd.Index, Raw: cmd.Value}, true)}
	case protocol.SetRunMode:
		a.params[protocol.ParamRunMode] = uint32(cmd.Mode)
		return []protocol.Frame{b.codec.EncodeParameter(addr, protocol.ParameterValue{Index: protocol.ParamRunMode, Raw: uint32(cmd.Mode)}, true)}
	case protocol.SetWatchdog:
		ticks := uint32(cmd.Timeout.Milliseconds()) * protocol.WatchdogTicksPerMs
		a.params[protocol.ParamCANTimeout] = ticks
		return []protocol.Frame{b.codec.EncodeParameter(addr, protocol.ParameterValue{Index: protocol.ParamCANTimeout, Raw: ticks}, true)}
	}

	return []protocol.Frame{b.feedbackFrame(addr, a)}
}

func (b *Bench) feedbackFrame(addr protocol.Address, a *benchActuator) protocol.Frame {
	fb := a.feedback
	fb.Faults = a.faults
	fb.Temperature = a.temp
	fb.Mode = protocol.MotorModeReset
	if a.enabled {
		fb.Mode = protocol.MotorModeRunning
	}

	f, err := b.codec.EncodeFeedback(addr, fb)
	if err != nil {
		// Only reachable with a temperature outside the wire range.
		fb.Temperature = 0
		f, _ = b.codec.EncodeFeedback(addr, fb)
	}

	return f
}

func (b *Bench) with(addr protocol.Address, fn func(*benchActuator)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if a, ok := b.actuators[addr]; ok {
		fn(a)
	}
}
