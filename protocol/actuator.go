package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// The encoders below produce frames the way an actuator does. Bench tools and transport
// doubles use them to answer the host.

// EncodeFeedback builds the feedback frame actuator addr sends in answer to a control frame.
func (c *Codec) EncodeFeedback(addr Address, fb Feedback) (Frame, error) {
	model, ok := c.models[addr]
	if !ok {
		return Frame{}, fmt.Errorf("%w: unknown address %s", ErrInvalidCommand, addr)
	}
	info, _ := model.Info()

	if fb.Mode > MotorModeRunning || fb.Faults > 0x3F {
		return Frame{}, fmt.Errorf("%w: mode %d faults 0x%X", ErrInvalidCommand, fb.Mode, uint8(fb.Faults))
	}
	if math.IsNaN(fb.Temperature) || fb.Temperature < 0 || fb.Temperature*10 > math.MaxUint16 {
		return Frame{}, fmt.Errorf("%w: temperature %v", ErrInvalidCommand, fb.Temperature)
	}

	f := Frame{
		ID: ExtID{
			Target: c.hostID,
			Data:   uint16(fb.Mode)<<14 | uint16(fb.Faults)<<8 | uint16(addr),
			Type:   CommMotorFeedback,
		},
		Len: MaxDataLen,
	}
	binary.BigEndian.PutUint16(f.Data[0:2], floatToUint(fb.Position, info.Position))
	binary.BigEndian.PutUint16(f.Data[2:4], floatToUint(fb.Velocity, info.Velocity))
	binary.BigEndian.PutUint16(f.Data[4:6], floatToUint(fb.Torque, info.Torque))
	binary.BigEndian.PutUint16(f.Data[6:8], uint16(math.Round(fb.Temperature*10)))

	return f, nil
}

// EncodeParameter builds a parameter read answer (ack false) or a write echo (ack true).
func (c *Codec) EncodeParameter(addr Address, pv ParameterValue, ack bool) Frame {
	typ := CommSdoRead
	if ack {
		typ = CommSdoWrite
	}
	f := Frame{
		ID:  ExtID{Target: c.hostID, Data: uint16(addr), Type: typ},
		Len: MaxDataLen,
	}
	binary.LittleEndian.PutUint16(f.Data[0:2], pv.Index)
	binary.LittleEndian.PutUint32(f.Data[4:8], pv.Raw)

	return f
}

// EncodeParameterString builds the frames of a text parameter answer: value split into
// frames of four characters, NUL padded to the given number of frames and truncated beyond
// it.
func (c *Codec) EncodeParameterString(addr Address, index uint16, value string, frames uint8) []Frame {
	out := make([]Frame, frames)
	for i := range out {
		f := Frame{
			ID:  ExtID{Target: c.hostID, Data: uint16(addr), Type: CommParaRead},
			Len: MaxDataLen,
		}
		binary.LittleEndian.PutUint16(f.Data[0:2], index)
		if start := i * 4; start < len(value) {
			copy(f.Data[4:8], value[start:min(start+4, len(value))])
		}
		out[i] = f
	}

	return out
}

// EncodeFaultReport builds an unsolicited fault report from addr.
func (c *Codec) EncodeFaultReport(addr Address, fr FaultReport) Frame {
	f := Frame{
		ID:  ExtID{Target: c.hostID, Data: uint16(addr), Type: CommFaultWarn},
		Len: MaxDataLen,
	}
	binary.LittleEndian.PutUint32(f.Data[0:4], fr.Fault)
	binary.LittleEndian.PutUint32(f.Data[4:8], fr.Warning)

	return f
}

// DecodeCommand interprets a host frame as the actuator would. It is the inverse of Encode
// for the frame shapes Encode produces; ReadTelemetry frames decode as SetTarget and
// ReadParameterString frames decode with a zero Frames count.
func (c *Codec) DecodeCommand(f Frame) (Address, Command, error) {
	addr := Address(f.ID.Target)
	model, ok := c.models[addr]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	info, _ := model.Info()

	if f.Len != MaxDataLen {
		return 0, nil, fmt.Errorf("%w: %d", ErrBadLength, f.Len)
	}

	switch f.ID.Type {
	case CommMotorCtrl:
		return addr, SetTarget{
			Position: uintToFloat(binary.BigEndian.Uint16(f.Data[0:2]), info.Position),
			Velocity: uintToFloat(binary.BigEndian.Uint16(f.Data[2:4]), info.Velocity),
			Torque:   uintToFloat(f.ID.Data, info.Torque),
			Gains: Gains{
				Kp: uintToFloat(binary.BigEndian.Uint16(f.Data[4:6]), info.Kp),
				Kd: uintToFloat(binary.BigEndian.Uint16(f.Data[6:8]), info.Kd),
			},
		}, nil
	case CommMotorEnable:
		return addr, Enable{}, nil
	case CommMotorReset:
		return addr, Disable{ClearFaults: f.Data[0] == 1}, nil
	case CommMotorZero:
		return addr, SetZero{}, nil
	case CommSdoRead:
		return addr, ReadParameter{Index: binary.LittleEndian.Uint16(f.Data[0:2])}, nil
	case CommSdoWrite:
		index := binary.LittleEndian.Uint16(f.Data[0:2])
		if index == ParamRunMode {
			return addr, SetRunMode{Mode: RunMode(f.Data[4])}, nil
		}
		return addr, WriteParameter{Index: index, Value: binary.LittleEndian.Uint32(f.Data[4:8])}, nil
	case CommParaRead:
		// The frame count is not on the wire.
		return addr, ReadParameterString{Index: binary.LittleEndian.Uint16(f.Data[0:2])}, nil
	case CommParaWrite:
		ticks := binary.LittleEndian.Uint32(f.Data[4:8])
		return addr, SetWatchdog{Timeout: time.Duration(ticks/WatchdogTicksPerMs) * time.Millisecond}, nil
	default:
		return 0, nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, f.ID.Type)
	}
}
