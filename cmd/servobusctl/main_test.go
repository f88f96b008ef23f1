package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-servobus/config"
	"github.com/arloliu/go-servobus/logger"
	"github.com/arloliu/go-servobus/protocol"
)

func TestParseActuator(t *testing.T) {
	a, err := parseActuator("0x7F:type01")
	require.NoError(t, err)
	assert.Equal(t, config.ActuatorConfig{Address: 0x7F, Model: protocol.ModelType01}, a)

	a, err = parseActuator("12:rs03")
	require.NoError(t, err)
	assert.Equal(t, protocol.Address(12), a.Address)
	assert.Equal(t, protocol.ModelType03, a.Model)

	for _, bad := range []string{"0x7F", "0x7F:type09", "0x1FF:type01", "0xFE:type01", "x:01"} {
		_, err := parseActuator(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseParam(t *testing.T) {
	index, err := parseParam("vbus")
	require.NoError(t, err)
	assert.Equal(t, protocol.ParamVBus, index)

	index, err = parseParam("0x7017")
	require.NoError(t, err)
	assert.Equal(t, protocol.ParamLimitSpeed, index)

	_, err = parseParam("volts")
	require.Error(t, err)

	assert.Contains(t, paramNames(), "mech_pos")
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	var opts options
	fs := newFlagSet(&opts)
	require.NoError(t, fs.Parse([]string{
		"--transport", "tcp", "--address", "10.0.0.2:20001",
		"-a", "0x01:type01", "-a", "0x02:type02",
		"--log-level", "debug", "--no-startup",
	}))

	cfg, err := loadConfig(fs, &opts)
	require.NoError(t, err)

	assert.Equal(t, config.TransportTCP, cfg.Transport.Kind)
	assert.Equal(t, "10.0.0.2:20001", cfg.Transport.Address)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Engine.StartupSequence)
	assert.Len(t, cfg.Actuators, 2)
}

func TestLoadConfig_NoActuators(t *testing.T) {
	var opts options
	fs := newFlagSet(&opts)
	require.NoError(t, fs.Parse([]string{"--simulate"}))

	_, err := loadConfig(fs, &opts)
	require.ErrorIs(t, err, config.ErrInvalid)
}

func newSimCommand(t *testing.T, extra ...string) (*command, *bytes.Buffer) {
	t.Helper()

	var opts options
	fs := newFlagSet(&opts)
	require.NoError(t, fs.Parse(append([]string{"--simulate", "-a", "0x01:type01", "-a", "0x02:type01"}, extra...)))

	cfg, err := loadConfig(fs, &opts)
	require.NoError(t, err)
	cfg.Engine.PollRate = 0

	eng, err := openEngine(context.Background(), cfg, logger.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	var out bytes.Buffer

	return &command{eng: eng, opts: &opts, out: &out}, &out
}

func TestCommand_SetAndStatus(t *testing.T) {
	cmd, out := newSimCommand(t, "--kp", "20", "--kd", "1")
	ctx := context.Background()

	require.NoError(t, cmd.dispatch(ctx, []string{"set", "0x01", "1.5"}))
	assert.Contains(t, out.String(), "position=1.5")

	out.Reset()
	require.NoError(t, cmd.dispatch(ctx, []string{"status"}))
	assert.Contains(t, out.String(), "ADDR")
	assert.Contains(t, out.String(), "0x01")
	assert.Contains(t, out.String(), "Online")
}

func TestCommand_Param(t *testing.T) {
	cmd, out := newSimCommand(t)
	ctx := context.Background()

	require.NoError(t, cmd.dispatch(ctx, []string{"param", "read", "0x02", "vbus"}))
	assert.Contains(t, out.String(), "float=24")

	require.NoError(t, cmd.dispatch(ctx, []string{"param", "write", "0x02", "limit_speed", "3.5"}))

	out.Reset()
	require.NoError(t, cmd.dispatch(ctx, []string{"param", "read", "0x02", "limit_speed"}))
	assert.Contains(t, out.String(), "float=3.5")

	require.Error(t, cmd.dispatch(ctx, []string{"param", "erase", "0x02", "vbus"}))
	require.Error(t, cmd.dispatch(ctx, []string{"param", "read"}))
}

func TestCommand_IdentityRestartWatchdog(t *testing.T) {
	cmd, out := newSimCommand(t)
	ctx := context.Background()

	require.NoError(t, cmd.dispatch(ctx, []string{"identity", "0x01"}))
	assert.Contains(t, out.String(), `name="bench-01"`)
	assert.Contains(t, out.String(), `build_date="Jan 01 2024"`)

	out.Reset()
	require.NoError(t, cmd.dispatch(ctx, []string{"restart"}))
	assert.Contains(t, out.String(), "rate=")

	out.Reset()
	require.NoError(t, cmd.dispatch(ctx, []string{"watchdog", "20"}))
	assert.Contains(t, out.String(), "20 Hz")

	require.Error(t, cmd.dispatch(ctx, []string{"watchdog", "0"}))
	require.Error(t, cmd.dispatch(ctx, []string{"identity"}))
}

func TestCommand_Errors(t *testing.T) {
	cmd, _ := newSimCommand(t)
	ctx := context.Background()

	require.Error(t, cmd.dispatch(ctx, []string{"spin"}))
	require.Error(t, cmd.dispatch(ctx, []string{"enable"}))
	require.Error(t, cmd.dispatch(ctx, []string{"enable", "0x03"}))
	require.Error(t, cmd.dispatch(ctx, []string{"set", "0x01", "99"}))
	require.NoError(t, cmd.dispatch(ctx, []string{"disable", "0x01"}))
}

func TestCommand_Monitor(t *testing.T) {
	cmd, out := newSimCommand(t, "--count", "2", "--interval", "5ms")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, cmd.dispatch(ctx, []string{"monitor"}))
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("ADDR")))
}

func TestRun_Help(t *testing.T) {
	require.NoError(t, run([]string{"--help"}))
	require.NoError(t, run(nil))
	require.Error(t, run([]string{"--bogus"}))
}
