package protocol

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec() *Codec {
	return NewCodec(DebugHostID, map[Address]Model{
		0x01: ModelType01,
		0x02: ModelType02,
		0x7F: ModelType04,
	})
}

func TestScale(t *testing.T) {
	r := Range{-12.5, 12.5}
	assert.Equal(t, uint16(0), floatToUint(-12.5, r))
	assert.Equal(t, uint16(65535), floatToUint(12.5, r))
	assert.Equal(t, uint16(32767), floatToUint(0, r))

	assert.InDelta(t, -12.5, uintToFloat(0, r), 1e-6)
	assert.InDelta(t, 12.5, uintToFloat(65535, r), 1e-6)

	for _, v := range []float64{-12.5, -3.3, 0, 0.001, 7.25, 12.5} {
		assert.InDelta(t, v, uintToFloat(floatToUint(v, r), r), r.Resolution()*1.01, "value %v", v)
	}
}

func TestCodec_EncodeSetTarget(t *testing.T) {
	c := newTestCodec()

	f, err := c.Encode(0x01, SetTarget{})
	require.NoError(t, err)
	assert.Equal(t, CommMotorCtrl, f.ID.Type)
	assert.Equal(t, uint8(0x01), f.ID.Target)
	assert.Equal(t, uint16(32767), f.ID.Data, "torque rides in the identifier")
	assert.Equal(t, uint8(8), f.Len)
	assert.Equal(t, uint16(32767), binary.BigEndian.Uint16(f.Data[0:2]))
	assert.Equal(t, uint16(32767), binary.BigEndian.Uint16(f.Data[2:4]))
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(f.Data[4:6]))
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(f.Data[6:8]))
}

func TestCodec_CommandRoundTrip(t *testing.T) {
	c := newTestCodec()
	info, _ := ModelType04.Info()

	target := SetTarget{Position: 1.25, Velocity: -3.5, Torque: 40, Gains: Gains{Kp: 120, Kd: 2.5}}
	f, err := c.Encode(0x7F, target)
	require.NoError(t, err)

	// Through the wire and back.
	parsed, err := ParseFrame(f.Pack())
	require.NoError(t, err)

	addr, cmd, err := c.DecodeCommand(parsed)
	require.NoError(t, err)
	assert.Equal(t, Address(0x7F), addr)

	got, ok := cmd.(SetTarget)
	require.True(t, ok)
	assert.InDelta(t, target.Position, got.Position, info.Position.Resolution()*1.01)
	assert.InDelta(t, target.Velocity, got.Velocity, info.Velocity.Resolution()*1.01)
	assert.InDelta(t, target.Torque, got.Torque, info.Torque.Resolution()*1.01)
	assert.InDelta(t, target.Gains.Kp, got.Gains.Kp, info.Kp.Resolution()*1.01)
	assert.InDelta(t, target.Gains.Kd, got.Gains.Kd, info.Kd.Resolution()*1.01)
}

func TestCodec_EncodeSimpleCommands(t *testing.T) {
	c := newTestCodec()

	tests := []struct {
		cmd  Command
		typ  CommType
		want Command
	}{
		{Enable{}, CommMotorEnable, Enable{}},
		{Disable{}, CommMotorReset, Disable{}},
		{Disable{ClearFaults: true}, CommMotorReset, Disable{ClearFaults: true}},
		{SetZero{}, CommMotorZero, SetZero{}},
		{ReadParameter{Index: ParamVBus}, CommSdoRead, ReadParameter{Index: ParamVBus}},
		{WriteParameter{Index: ParamLimitSpeed, Value: FloatValue(2.5)}, CommSdoWrite, WriteParameter{Index: ParamLimitSpeed, Value: FloatValue(2.5)}},
		{SetRunMode{Mode: RunModeSpeed}, CommSdoWrite, SetRunMode{Mode: RunModeSpeed}},
		{SetWatchdog{Timeout: 250 * time.Millisecond}, CommParaWrite, SetWatchdog{Timeout: 250 * time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.Kind().String(), func(t *testing.T) {
			f, err := c.Encode(0x02, tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, f.ID.Type)
			assert.Equal(t, uint16(DebugHostID), f.ID.Data)

			addr, cmd, err := c.DecodeCommand(f)
			require.NoError(t, err)
			assert.Equal(t, Address(0x02), addr)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestCodec_EncodeWatchdogWire(t *testing.T) {
	c := newTestCodec()

	f, err := c.Encode(0x01, SetWatchdog{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, ParamCANTimeout, binary.LittleEndian.Uint16(f.Data[0:2]))
	assert.Equal(t, byte(0x04), f.Data[2])
	assert.Equal(t, uint32(2000), binary.LittleEndian.Uint32(f.Data[4:8]))
}

func TestCodec_ReadTelemetryRepeatsHold(t *testing.T) {
	c := newTestCodec()
	hold := SetTarget{Position: 0.5, Gains: Gains{Kp: 10, Kd: 1}}

	want, err := c.Encode(0x01, hold)
	require.NoError(t, err)
	got, err := c.Encode(0x01, ReadTelemetry{Hold: &hold})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	passive, err := c.Encode(0x01, ReadTelemetry{})
	require.NoError(t, err)
	zero, err := c.Encode(0x01, SetTarget{})
	require.NoError(t, err)
	assert.Equal(t, zero, passive)
}

func TestCodec_EncodeInvalid(t *testing.T) {
	c := newTestCodec()

	tests := []struct {
		name string
		addr Address
		cmd  Command
	}{
		{"unknown address", 0x33, Enable{}},
		{"master address", 0x00, Enable{}},
		{"broadcast address", Address(BroadcastID), Enable{}},
		{"nil command", 0x01, nil},
		{"position above range", 0x01, SetTarget{Position: 12.6}},
		{"velocity below range", 0x01, SetTarget{Velocity: -45}},
		{"torque above model range", 0x01, SetTarget{Torque: 40}},
		{"negative kp", 0x01, SetTarget{Gains: Gains{Kp: -1}}},
		{"kd above range", 0x01, SetTarget{Gains: Gains{Kd: 6}}},
		{"nan position", 0x01, SetTarget{Position: math.NaN()}},
		{"inf torque", 0x7F, SetTarget{Torque: math.Inf(1)}},
		{"invalid hold", 0x01, ReadTelemetry{Hold: &SetTarget{Position: 100}}},
		{"negative watchdog", 0x01, SetWatchdog{Timeout: -time.Millisecond}},
		{"watchdog too long", 0x01, SetWatchdog{Timeout: 6 * time.Second}},
		{"run mode", 0x01, SetRunMode{Mode: 9}},
		{"text parameter without frames", 0x01, ReadParameterString{Index: ParamName}},
		{"text parameter too long", 0x01, ReadParameterString{Index: ParamName, Frames: MaxStringFrames + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Encode(tt.addr, tt.cmd)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCommand)
		})
	}
}

func TestCodec_DecodeFeedback(t *testing.T) {
	c := newTestCodec()
	info, _ := ModelType01.Info()

	fb := Feedback{
		Position:    -2.5,
		Velocity:    10,
		Torque:      -1.5,
		Temperature: 35.5,
		Mode:        MotorModeRunning,
		Faults:      FaultUnderVoltage | FaultHallEncoder,
	}
	f, err := c.EncodeFeedback(0x01, fb)
	require.NoError(t, err)
	assert.Equal(t, DebugHostID, f.ID.Target)

	reply, err := c.DecodeBytes(f.Pack())
	require.NoError(t, err)
	assert.Equal(t, ReplyTelemetry, reply.Kind)
	assert.Equal(t, Address(0x01), reply.Address)
	require.NotNil(t, reply.Telemetry)
	assert.Nil(t, reply.Parameter)
	assert.Nil(t, reply.Faults)

	got := reply.Telemetry
	assert.InDelta(t, fb.Position, got.Position, info.Position.Resolution()*1.01)
	assert.InDelta(t, fb.Velocity, got.Velocity, info.Velocity.Resolution()*1.01)
	assert.InDelta(t, fb.Torque, got.Torque, info.Torque.Resolution()*1.01)
	assert.InDelta(t, 35.5, got.Temperature, 1e-9)
	assert.Equal(t, MotorModeRunning, got.Mode)
	assert.Equal(t, FaultUnderVoltage|FaultHallEncoder, got.Faults)
}

func TestCodec_DecodeParameterAndFaults(t *testing.T) {
	c := newTestCodec()

	reply, err := c.Decode(c.EncodeParameter(0x02, ParameterValue{Index: ParamVBus, Raw: FloatValue(24.5)}, false))
	require.NoError(t, err)
	assert.Equal(t, ReplyParameter, reply.Kind)
	require.NotNil(t, reply.Parameter)
	assert.Equal(t, ParamVBus, reply.Parameter.Index)
	assert.InDelta(t, 24.5, reply.Parameter.Float(), 1e-6)

	reply, err = c.Decode(c.EncodeParameter(0x02, ParameterValue{Index: ParamRunMode, Raw: 1}, true))
	require.NoError(t, err)
	assert.Equal(t, ReplyAck, reply.Kind)

	reply, err = c.Decode(c.EncodeFaultReport(0x7F, FaultReport{Fault: 0x10, Warning: 0x1}))
	require.NoError(t, err)
	assert.Equal(t, ReplyFaultReport, reply.Kind)
	assert.Equal(t, Address(0x7F), reply.Address)
	assert.Equal(t, &FaultReport{Fault: 0x10, Warning: 0x1}, reply.Faults)
}

func TestCodec_ParameterString(t *testing.T) {
	c := newTestCodec()

	f, err := c.Encode(0x02, ReadParameterString{Index: ParamBuildDate, Frames: BuildDateFrames})
	require.NoError(t, err)
	assert.Equal(t, CommParaRead, f.ID.Type)
	assert.Equal(t, ParamBuildDate, binary.LittleEndian.Uint16(f.Data[0:2]))

	addr, cmd, err := c.DecodeCommand(f)
	require.NoError(t, err)
	assert.Equal(t, Address(0x02), addr)
	assert.Equal(t, ReadParameterString{Index: ParamBuildDate}, cmd)

	frames := c.EncodeParameterString(0x02, ParamBuildDate, "Jan 12 2024", BuildDateFrames)
	require.Len(t, frames, int(BuildDateFrames))

	chunks := make([]ParameterChunk, 0, len(frames))
	for _, fr := range frames {
		reply, err := c.Decode(fr)
		require.NoError(t, err)
		assert.Equal(t, ReplyParameterChunk, reply.Kind)
		assert.Equal(t, Address(0x02), reply.Address)
		require.NotNil(t, reply.Chunk)
		chunks = append(chunks, *reply.Chunk)
	}
	assert.Equal(t, [4]byte{'J', 'a', 'n', ' '}, chunks[0].Data)

	assert.Equal(t, ParameterString{Index: ParamBuildDate, Value: "Jan 12 2024"}, JoinChunks(ParamBuildDate, chunks))

	// Longer values are cut at the frame count.
	frames = c.EncodeParameterString(0x02, ParamName, "RS01-actuator-left-knee", NameFrames)
	chunks = chunks[:0]
	for _, fr := range frames {
		reply, err := c.Decode(fr)
		require.NoError(t, err)
		chunks = append(chunks, *reply.Chunk)
	}
	assert.Equal(t, "RS01-actuator-le", JoinChunks(ParamName, chunks).Value)

	n, ok := StringFrames(ParamBarCode)
	assert.True(t, ok)
	assert.Equal(t, BarCodeFrames, n)
	_, ok = StringFrames(ParamVBus)
	assert.False(t, ok)
}

func TestCodec_DecodeErrors(t *testing.T) {
	c := newTestCodec()

	// Reply from an actuator that is not registered.
	other := NewCodec(DebugHostID, map[Address]Model{0x33: ModelType01})
	f, err := other.EncodeFeedback(0x33, Feedback{})
	require.NoError(t, err)
	_, err = c.Decode(f)
	require.ErrorIs(t, err, ErrUnknownAddress)
	require.ErrorIs(t, err, ErrDecode)

	// A host command echoed back is not a reply.
	cmd, err := c.Encode(0x01, Enable{})
	require.NoError(t, err)
	cmd.ID.Data = 0x01
	_, err = c.Decode(cmd)
	require.ErrorIs(t, err, ErrUnknownOpcode)

	// Short feedback payload.
	short, err := c.EncodeFeedback(0x01, Feedback{})
	require.NoError(t, err)
	short.Len = 4
	_, err = c.Decode(short)
	require.ErrorIs(t, err, ErrTruncated)

	// Corrupt trailer never yields a partial reply.
	raw := short.Pack()
	raw[len(raw)-2] = 0
	reply, err := c.DecodeBytes(raw)
	require.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, Reply{}, reply)
}

func TestFaultBits(t *testing.T) {
	b := FaultUnderVoltage | FaultOverCurrent | FaultUncalibrated
	assert.Equal(t, FaultOverCurrent, b.Hardware())
	assert.Equal(t, FaultUnderVoltage|FaultUncalibrated, b.Soft())
	assert.Equal(t, "under-voltage|over-current|uncalibrated", b.String())
	assert.Equal(t, "none", FaultBits(0).String())
}

func TestAddress_Valid(t *testing.T) {
	assert.True(t, Address(1).Valid())
	assert.True(t, Address(0xFC).Valid())
	assert.False(t, Address(0).Valid())
	assert.False(t, Address(0xFD).Valid())
	assert.False(t, Address(0xFE).Valid())
	assert.False(t, Address(0xFF).Valid())
}

func TestParseModel(t *testing.T) {
	for _, name := range []string{"04", "4", "type04", "RS04", " Type04 "} {
		m, err := ParseModel(name)
		require.NoError(t, err, name)
		assert.Equal(t, ModelType04, m)
	}

	_, err := ParseModel("05")
	require.Error(t, err)

	var m Model
	require.NoError(t, m.UnmarshalText([]byte("rs02")))
	assert.Equal(t, ModelType02, m)
	text, err := m.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "02", string(text))
}
