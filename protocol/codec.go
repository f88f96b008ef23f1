package protocol

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
)

// Codec translates Commands into Frames and Frames into Replies for a fixed set of
// actuators. A Codec is immutable and safe for concurrent use.
type Codec struct {
	hostID uint8
	models map[Address]Model
}

// NewCodec returns a codec speaking as hostID to the actuators in models.
func NewCodec(hostID uint8, models map[Address]Model) *Codec {
	return &Codec{hostID: hostID, models: maps.Clone(models)}
}

// HostID returns the CAN id the codec sends from.
func (c *Codec) HostID() uint8 { return c.hostID }

// Model returns the model registered for addr.
func (c *Codec) Model(addr Address) (Model, bool) {
	m, ok := c.models[addr]
	return m, ok
}

// Encode builds the frame carrying cmd to addr.
//
// Encode never clamps: an unknown address, a non-finite value or a value outside the
// actuator model's range fails with an error wrapping ErrInvalidCommand.
func (c *Codec) Encode(addr Address, cmd Command) (Frame, error) {
	if !addr.Valid() {
		return Frame{}, fmt.Errorf("%w: reserved address %s", ErrInvalidCommand, addr)
	}

	model, ok := c.models[addr]
	if !ok {
		return Frame{}, fmt.Errorf("%w: unknown address %s", ErrInvalidCommand, addr)
	}

	info, ok := model.Info()
	if !ok {
		return Frame{}, fmt.Errorf("%w: address %s has unknown model %s", ErrInvalidCommand, addr, model)
	}

	switch cmd := cmd.(type) {
	case SetTarget:
		return c.encodeTarget(addr, &cmd, &info)
	case *SetTarget:
		if cmd == nil {
			return Frame{}, fmt.Errorf("%w: nil target", ErrInvalidCommand)
		}
		return c.encodeTarget(addr, cmd, &info)
	case ReadTelemetry:
		hold := SetTarget{}
		if cmd.Hold != nil {
			hold = *cmd.Hold
		}
		return c.encodeTarget(addr, &hold, &info)
	case Enable:
		return c.hostFrame(addr, CommMotorEnable), nil
	case Disable:
		f := c.hostFrame(addr, CommMotorReset)
		if cmd.ClearFaults {
			f.Data[0] = 1
		}
		return f, nil
	case SetZero:
		f := c.hostFrame(addr, CommMotorZero)
		f.Data[0] = 1
		return f, nil
	case WriteParameter:
		f := c.hostFrame(addr, CommSdoWrite)
		binary.LittleEndian.PutUint16(f.Data[0:2], cmd.Index)
		binary.LittleEndian.PutUint32(f.Data[4:8], cmd.Value)
		return f, nil
	case ReadParameter:
		f := c.hostFrame(addr, CommSdoRead)
		binary.LittleEndian.PutUint16(f.Data[0:2], cmd.Index)
		return f, nil
	case ReadParameterString:
		if cmd.Frames == 0 || cmd.Frames > MaxStringFrames {
			return Frame{}, fmt.Errorf("%w: text parameter of %d frames outside [1, %d]", ErrInvalidCommand, cmd.Frames, MaxStringFrames)
		}
		f := c.hostFrame(addr, CommParaRead)
		binary.LittleEndian.PutUint16(f.Data[0:2], cmd.Index)
		return f, nil
	case SetRunMode:
		if cmd.Mode > RunModeCSPPosition {
			return Frame{}, fmt.Errorf("%w: run mode %d", ErrInvalidCommand, uint8(cmd.Mode))
		}
		f := c.hostFrame(addr, CommSdoWrite)
		binary.LittleEndian.PutUint16(f.Data[0:2], ParamRunMode)
		f.Data[4] = uint8(cmd.Mode)
		return f, nil
	case SetWatchdog:
		if cmd.Timeout < 0 || cmd.Timeout > MaxWatchdogTimeout {
			return Frame{}, fmt.Errorf("%w: watchdog timeout %s outside [0, %s]", ErrInvalidCommand, cmd.Timeout, MaxWatchdogTimeout)
		}
		f := c.hostFrame(addr, CommParaWrite)
		binary.LittleEndian.PutUint16(f.Data[0:2], ParamCANTimeout)
		f.Data[2] = 0x04
		binary.LittleEndian.PutUint32(f.Data[4:8], uint32(cmd.Timeout.Milliseconds())*WatchdogTicksPerMs)
		return f, nil
	case nil:
		return Frame{}, fmt.Errorf("%w: nil command", ErrInvalidCommand)
	default:
		return Frame{}, fmt.Errorf("%w: unsupported command %T", ErrInvalidCommand, cmd)
	}
}

func (c *Codec) hostFrame(addr Address, typ CommType) Frame {
	return Frame{
		ID:  ExtID{Target: uint8(addr), Data: uint16(c.hostID), Type: typ},
		Len: MaxDataLen,
	}
}

func (c *Codec) encodeTarget(addr Address, t *SetTarget, info *ModelInfo) (Frame, error) {
	checks := [...]struct {
		name string
		v    float64
		r    Range
	}{
		{"position", t.Position, info.Position},
		{"velocity", t.Velocity, info.Velocity},
		{"torque", t.Torque, info.Torque},
		{"kp", t.Gains.Kp, info.Kp},
		{"kd", t.Gains.Kd, info.Kd},
	}
	for _, chk := range checks {
		// Contains is false for NaN.
		if !chk.r.Contains(chk.v) {
			return Frame{}, fmt.Errorf("%w: %s %v outside [%v, %v]", ErrInvalidCommand, chk.name, chk.v, chk.r.Min, chk.r.Max)
		}
	}

	f := Frame{
		ID:  ExtID{Target: uint8(addr), Data: floatToUint(t.Torque, info.Torque), Type: CommMotorCtrl},
		Len: MaxDataLen,
	}
	binary.BigEndian.PutUint16(f.Data[0:2], floatToUint(t.Position, info.Position))
	binary.BigEndian.PutUint16(f.Data[2:4], floatToUint(t.Velocity, info.Velocity))
	binary.BigEndian.PutUint16(f.Data[4:6], floatToUint(t.Gains.Kp, info.Kp))
	binary.BigEndian.PutUint16(f.Data[6:8], floatToUint(t.Gains.Kd, info.Kd))

	return f, nil
}

// DecodeBytes parses one serial-adapter frame and decodes it.
func (c *Codec) DecodeBytes(data []byte) (Reply, error) {
	f, err := ParseFrame(data)
	if err != nil {
		return Reply{}, err
	}

	return c.Decode(f)
}

// Decode interprets a frame received from the bus. Every failure wraps ErrDecode and no
// partial Reply is returned.
//
// The source actuator is taken from the low byte of the identifier's data field; the
// target byte addresses the host and is not checked.
func (c *Codec) Decode(f Frame) (Reply, error) {
	if f.Len > MaxDataLen {
		return Reply{}, fmt.Errorf("%w: %d", ErrBadLength, f.Len)
	}

	addr := Address(f.ID.Data & 0xFF)
	model, ok := c.models[addr]
	if !ok {
		return Reply{}, fmt.Errorf("%w: %s (%s)", ErrUnknownAddress, addr, f.ID.Type)
	}

	switch f.ID.Type {
	case CommMotorFeedback:
		if f.Len < 6 {
			return Reply{}, fmt.Errorf("%w: feedback carries %d bytes, want at least 6", ErrTruncated, f.Len)
		}
		info, _ := model.Info()
		fb := &Feedback{
			Position: uintToFloat(binary.BigEndian.Uint16(f.Data[0:2]), info.Position),
			Velocity: uintToFloat(binary.BigEndian.Uint16(f.Data[2:4]), info.Velocity),
			Torque:   uintToFloat(binary.BigEndian.Uint16(f.Data[4:6]), info.Torque),
			Mode:     MotorMode(f.ID.Data >> 14),
			Faults:   FaultBits((f.ID.Data >> 8) & 0x3F),
		}
		if f.Len >= 8 {
			fb.Temperature = float64(binary.BigEndian.Uint16(f.Data[6:8])) / 10
		}

		return Reply{Kind: ReplyTelemetry, Address: addr, Telemetry: fb}, nil

	case CommSdoRead:
		if f.Len < MaxDataLen {
			return Reply{}, fmt.Errorf("%w: parameter reply carries %d bytes", ErrTruncated, f.Len)
		}
		pv := &ParameterValue{
			Index: binary.LittleEndian.Uint16(f.Data[0:2]),
			Raw:   binary.LittleEndian.Uint32(f.Data[4:8]),
		}

		return Reply{Kind: ReplyParameter, Address: addr, Parameter: pv}, nil

	case CommSdoWrite, CommParaWrite:
		if f.Len < MaxDataLen {
			return Reply{}, fmt.Errorf("%w: write echo carries %d bytes", ErrTruncated, f.Len)
		}
		pv := &ParameterValue{
			Index: binary.LittleEndian.Uint16(f.Data[0:2]),
			Raw:   binary.LittleEndian.Uint32(f.Data[4:8]),
		}

		return Reply{Kind: ReplyAck, Address: addr, Parameter: pv}, nil

	case CommParaRead:
		if f.Len < MaxDataLen {
			return Reply{}, fmt.Errorf("%w: text parameter frame carries %d bytes", ErrTruncated, f.Len)
		}
		chunk := &ParameterChunk{Index: binary.LittleEndian.Uint16(f.Data[0:2])}
		copy(chunk.Data[:], f.Data[4:8])

		return Reply{Kind: ReplyParameterChunk, Address: addr, Chunk: chunk}, nil

	case CommFaultWarn:
		if f.Len < MaxDataLen {
			return Reply{}, fmt.Errorf("%w: fault report carries %d bytes", ErrTruncated, f.Len)
		}
		fr := &FaultReport{
			Fault:   binary.LittleEndian.Uint32(f.Data[0:4]),
			Warning: binary.LittleEndian.Uint32(f.Data[4:8]),
		}

		return Reply{Kind: ReplyFaultReport, Address: addr, Faults: fr}, nil

	default:
		return Reply{}, fmt.Errorf("%w: %s from %s", ErrUnknownOpcode, f.ID.Type, addr)
	}
}

// Addresses returns the registered actuator addresses in ascending order.
func (c *Codec) Addresses() []Address {
	return slices.Sorted(maps.Keys(c.models))
}
