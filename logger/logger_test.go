package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger_JSONOutput(t *testing.T) {
	t.Setenv("ENV", "")

	var buf bytes.Buffer
	l := NewSlogWithWriter(&buf, InfoLevel, false)

	l.Debug("hidden")
	l.Info("servobus: engine opened", "actuators", 3)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "servobus: engine opened", rec["msg"])
	assert.InDelta(t, 3, rec["actuators"], 0)
	assert.Contains(t, rec, "ts")
}

func TestSlogLogger_LevelAndWith(t *testing.T) {
	t.Setenv("ENV", "")

	var buf bytes.Buffer
	l := NewSlogWithWriter(&buf, WarnLevel, false)
	assert.Equal(t, WarnLevel, l.Level())

	child := l.With("address", 7)
	child.SetLevel(DebugLevel)

	// level is shared between parent and child
	assert.Equal(t, DebugLevel, l.Level())

	child.Debug("frame sent")
	assert.Contains(t, buf.String(), `"address":7`)
}

func TestZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerolog(&buf, InfoLevel, false)

	l.Debug("hidden")
	l.With("address", 2).Warn("servobus: actuator degraded", "failures", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "warn", rec["level"])
	assert.InDelta(t, 2, rec["address"], 0)
	assert.InDelta(t, 2, rec["failures"], 0)

	l.SetLevel(ErrorLevel)
	assert.Equal(t, ErrorLevel, l.Level())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want Level
		ok   bool
	}{
		{"debug", DebugLevel, true},
		{"INFO", InfoLevel, true},
		{"warning", WarnLevel, true},
		{"error", ErrorLevel, true},
		{"fatal", FatalLevel, true},
		{"verbose", InfoLevel, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLevel(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetDefault(t *testing.T) {
	orig := GetLogger()
	t.Cleanup(func() { SetDefault(orig) })

	m := NewMockLogger()
	m.On("Info", "hello", mock.Anything).Return()

	SetDefault(m)
	SetDefault(nil) // ignored

	Info("hello", "k", "v")
	m.AssertExpectations(t)
}
