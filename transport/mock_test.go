package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-servobus/protocol"
)

func TestMock_RecordsAndResponds(t *testing.T) {
	f := testFrame()
	m := NewMock(func(sent protocol.Frame) []protocol.Frame {
		return []protocol.Frame{sent}
	})

	require.NoError(t, m.Send(f))
	assert.Equal(t, []protocol.Frame{f}, m.Sent())
	assert.Equal(t, 1, m.SentCount())

	got, err := m.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, f, got)

	_, err = m.Receive(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestMock_InjectAndFail(t *testing.T) {
	m := NewMock(nil)

	m.InjectError(protocol.ErrBadTrailer)
	_, err := m.Receive(time.Second)
	require.ErrorIs(t, err, protocol.ErrDecode)

	m.FailSends(assert.AnError)
	err = m.Send(testFrame())
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, assert.AnError)

	m.FailSends(nil)
	require.NoError(t, m.Send(testFrame()))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Send(testFrame()), ErrClosed)
	_, err = m.Receive(time.Second)
	require.ErrorIs(t, err, ErrClosed)
}

func TestBench(t *testing.T) {
	codec := protocol.NewCodec(protocol.DebugHostID, map[protocol.Address]protocol.Model{
		1: protocol.ModelType01,
		2: protocol.ModelType03,
	})
	bench := NewBench(codec)
	m := NewMock(bench.Respond)

	exchange := func(addr protocol.Address, cmd protocol.Command) protocol.Reply {
		t.Helper()

		f, err := codec.Encode(addr, cmd)
		require.NoError(t, err)
		require.NoError(t, m.Send(f))

		rf, err := m.Receive(time.Second)
		require.NoError(t, err)
		reply, err := codec.Decode(rf)
		require.NoError(t, err)
		assert.Equal(t, addr, reply.Address)

		return reply
	}

	reply := exchange(1, protocol.Enable{})
	require.Equal(t, protocol.ReplyTelemetry, reply.Kind)
	assert.Equal(t, protocol.MotorModeRunning, reply.Telemetry.Mode)
	assert.True(t, bench.Enabled(1))
	assert.False(t, bench.Enabled(2))

	reply = exchange(1, protocol.SetTarget{Position: 1.5, Gains: protocol.Gains{Kp: 10}})
	assert.InDelta(t, 1.5, reply.Telemetry.Position, 0.001)
	assert.InDelta(t, 30, reply.Telemetry.Temperature, 0.001)

	reply = exchange(2, protocol.WriteParameter{Index: protocol.ParamLimitSpeed, Value: 42})
	assert.Equal(t, protocol.ReplyAck, reply.Kind)
	v, ok := bench.Parameter(2, protocol.ParamLimitSpeed)
	require.True(t, ok)
	assert.Equal(t, uint32(42), v)

	reply = exchange(2, protocol.ReadParameter{Index: protocol.ParamVBus})
	require.Equal(t, protocol.ReplyParameter, reply.Kind)
	assert.InDelta(t, 24, reply.Parameter.Float(), 1e-6)

	// A text parameter answers with one frame per four characters.
	f, err := codec.Encode(2, protocol.ReadParameterString{Index: protocol.ParamName, Frames: protocol.NameFrames})
	require.NoError(t, err)
	require.NoError(t, m.Send(f))
	chunks := make([]protocol.ParameterChunk, 0, protocol.NameFrames)
	for range protocol.NameFrames {
		rf, err := m.Receive(time.Second)
		require.NoError(t, err)
		reply, err := codec.Decode(rf)
		require.NoError(t, err)
		require.Equal(t, protocol.ReplyParameterChunk, reply.Kind)
		chunks = append(chunks, *reply.Chunk)
	}
	assert.Equal(t, "bench-02", protocol.JoinChunks(protocol.ParamName, chunks).Value)

	bench.SetFaults(1, protocol.FaultOverCurrent)
	reply = exchange(1, protocol.ReadTelemetry{})
	assert.Equal(t, protocol.FaultOverCurrent, reply.Telemetry.Faults)

	reply = exchange(1, protocol.Disable{ClearFaults: true})
	assert.Equal(t, protocol.MotorModeReset, reply.Telemetry.Mode)
	assert.Equal(t, protocol.FaultBits(0), reply.Telemetry.Faults)

	bench.SetSilent(2, true)
	f, err = codec.Encode(2, protocol.Enable{})
	require.NoError(t, err)
	require.NoError(t, m.Send(f))
	_, err = m.Receive(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}
