package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtID_CANID(t *testing.T) {
	id := ExtID{Target: 0x7F, Data: 0x00FD, Type: CommMotorEnable}
	assert.Equal(t, uint32(0x0300FD7F), id.CANID())
	assert.Equal(t, id, ExtIDFromCANID(id.CANID()))

	// Type is limited to five bits.
	id = ExtIDFromCANID(0xFFFFFFFF)
	assert.Equal(t, CommType(0x1F), id.Type)
	assert.Equal(t, uint16(0xFFFF), id.Data)
	assert.Equal(t, uint8(0xFF), id.Target)
}

func TestFrame_Pack(t *testing.T) {
	f := Frame{ID: ExtID{Target: 0x7F, Data: 0x00FD, Type: CommMotorEnable}, Len: 8}
	want := []byte{
		'A', 'T',
		0x18, 0x07, 0xEB, 0xFC,
		0x08,
		0, 0, 0, 0, 0, 0, 0, 0,
		'\r', '\n',
	}
	assert.Equal(t, want, f.Pack())
	assert.Len(t, f.Pack(), WireSize)
}

func TestFrame_PackShort(t *testing.T) {
	f := Frame{ID: ExtID{Target: 1, Type: CommMotorReset}, Len: 2, Data: [8]byte{0xAA, 0xBB, 0xCC}}
	raw := f.Pack()
	require.Len(t, raw, wireOverhead+2)
	assert.Equal(t, []byte{0xAA, 0xBB, '\r', '\n'}, raw[7:])

	parsed, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, parsed.Payload())
	assert.Equal(t, byte(0), parsed.Data[2], "bytes past DLC are not carried")
}

func TestParseFrame_RoundTrip(t *testing.T) {
	f := Frame{
		ID:   ExtID{Target: 0xFD, Data: 0x8A05, Type: CommMotorFeedback},
		Len:  8,
		Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}

	parsed, err := ParseFrame(f.Pack())
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
}

func TestParseFrame_Errors(t *testing.T) {
	valid := (&Frame{ID: ExtID{Target: 1, Type: CommMotorEnable}, Len: 8}).Pack()

	mutate := func(fn func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return fn(b)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"short", valid[:5], ErrTruncated},
		{"preamble", mutate(func(b []byte) []byte { b[0] = 'X'; return b }), ErrBadPreamble},
		{"standard frame flag", mutate(func(b []byte) []byte { b[5] &^= 0x04; return b }), ErrFrameFormat},
		{"remote frame flag", mutate(func(b []byte) []byte { b[5] |= 0x02; return b }), ErrFrameFormat},
		{"dlc too large", mutate(func(b []byte) []byte { b[6] = 9; return b }), ErrBadLength},
		{"dlc larger than data", mutate(func(b []byte) []byte { return b[:len(b)-3] }), ErrTruncated},
		{"trailing garbage", mutate(func(b []byte) []byte { return append(b, 0) }), ErrBadLength},
		{"trailer", mutate(func(b []byte) []byte { b[len(b)-1] = 0; return b }), ErrBadTrailer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestFrameLength(t *testing.T) {
	n, err := FrameLength([]byte{'A', 'T', 0, 0, 0, 4, 8})
	require.NoError(t, err)
	assert.Equal(t, WireSize, n)

	n, err = FrameLength([]byte{'A', 'T', 0, 0, 0, 4, 0})
	require.NoError(t, err)
	assert.Equal(t, wireOverhead, n)

	_, err = FrameLength([]byte{'A', 'T'})
	require.ErrorIs(t, err, ErrTruncated)

	_, err = FrameLength([]byte{'A', 'T', 0, 0, 0, 4, 12})
	require.ErrorIs(t, err, ErrBadLength)
}

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(0x0200FD01, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, CommMotorFeedback, f.ID.Type)
	assert.Equal(t, uint16(0x00FD), f.ID.Data)
	assert.Equal(t, uint8(0x01), f.ID.Target)
	assert.Equal(t, []byte{1, 2}, f.Payload())

	_, err = NewFrame(0x20000000, nil)
	require.ErrorIs(t, err, ErrFrameFormat)

	_, err = NewFrame(1, make([]byte, 9))
	require.ErrorIs(t, err, ErrBadLength)
}
