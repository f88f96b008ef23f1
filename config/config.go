// Package config loads a bus description from a YAML or TOML file with SERVOBUS_*
// environment overrides, and turns it into engine options, a transport and a logger.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-servobus/engine"
	"github.com/arloliu/go-servobus/logger"
	"github.com/arloliu/go-servobus/protocol"
	"github.com/arloliu/go-servobus/transport"
)

// EnvPrefix prefixes every environment override, e.g. SERVOBUS_TRANSPORT_DEVICE.
const EnvPrefix = "SERVOBUS_"

// Transport kinds.
const (
	TransportSerial    = "serial"
	TransportTCP       = "tcp"
	TransportSocketCAN = "socketcan"
	TransportSim       = "sim"
)

// Log formats.
const (
	LogJSON    = "json"
	LogConsole = "console"
	LogZerolog = "zerolog"
)

var (
	// ErrUnsupportedFormat reports a config file extension other than .yaml, .yml or .toml.
	ErrUnsupportedFormat = errors.New("config: unsupported file format")
	// ErrInvalid reports a configuration that fails validation.
	ErrInvalid = errors.New("config: invalid configuration")
)

// Config describes one bus.
type Config struct {
	HostID    uint8            `yaml:"host_id" toml:"host_id" env:"HOST_ID"`
	Transport TransportConfig  `yaml:"transport" toml:"transport" envPrefix:"TRANSPORT_"`
	Engine    EngineConfig     `yaml:"engine" toml:"engine" envPrefix:"ENGINE_"`
	Log       LogConfig        `yaml:"log" toml:"log" envPrefix:"LOG_"`
	Actuators []ActuatorConfig `yaml:"actuators" toml:"actuators"`
}

// TransportConfig selects and configures the link.
type TransportConfig struct {
	// Kind is one of serial, tcp, socketcan or sim.
	Kind             string        `yaml:"kind" toml:"kind" env:"KIND"`
	Device           string        `yaml:"device" toml:"device" env:"DEVICE"`
	BaudRate         int           `yaml:"baud_rate" toml:"baud_rate" env:"BAUD_RATE"`
	Address          string        `yaml:"address" toml:"address" env:"ADDRESS"`
	Interface        string        `yaml:"interface" toml:"interface" env:"INTERFACE"`
	DialTimeout      time.Duration `yaml:"dial_timeout" toml:"dial_timeout" env:"DIAL_TIMEOUT"`
	InterCharTimeout time.Duration `yaml:"inter_char_timeout" toml:"inter_char_timeout" env:"INTER_CHAR_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// EngineConfig mirrors the engine options.
type EngineConfig struct {
	RetryLimit         int           `yaml:"retry_limit" toml:"retry_limit" env:"RETRY_LIMIT"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout" toml:"transaction_timeout" env:"TRANSACTION_TIMEOUT"`
	QueueDepth         int           `yaml:"queue_depth" toml:"queue_depth" env:"QUEUE_DEPTH"`
	PollRate           float64       `yaml:"poll_rate" toml:"poll_rate" env:"POLL_RATE"`
	DegradedThreshold  int           `yaml:"degraded_threshold" toml:"degraded_threshold" env:"DEGRADED_THRESHOLD"`
	FaultedThreshold   int           `yaml:"faulted_threshold" toml:"faulted_threshold" env:"FAULTED_THRESHOLD"`
	StalenessWindow    time.Duration `yaml:"staleness_window" toml:"staleness_window" env:"STALENESS_WINDOW"`
	CommandBurst       int           `yaml:"command_burst" toml:"command_burst" env:"COMMAND_BURST"`
	RetryBackoff       time.Duration `yaml:"retry_backoff" toml:"retry_backoff" env:"RETRY_BACKOFF"`
	RetryBackoffMax    time.Duration `yaml:"retry_backoff_max" toml:"retry_backoff_max" env:"RETRY_BACKOFF_MAX"`
	WatchdogTimeout    time.Duration `yaml:"watchdog_timeout" toml:"watchdog_timeout" env:"WATCHDOG_TIMEOUT"`
	OverTemperature    float64       `yaml:"over_temperature" toml:"over_temperature" env:"OVER_TEMPERATURE"`
	CloseTimeout       time.Duration `yaml:"close_timeout" toml:"close_timeout" env:"CLOSE_TIMEOUT"`
	FaultEventBuffer   int           `yaml:"fault_event_buffer" toml:"fault_event_buffer" env:"FAULT_EVENT_BUFFER"`
	StartupSequence    bool          `yaml:"startup_sequence" toml:"startup_sequence" env:"STARTUP_SEQUENCE"`
}

// LogConfig selects the logger backend.
type LogConfig struct {
	Level     string `yaml:"level" toml:"level" env:"LEVEL"`
	Format    string `yaml:"format" toml:"format" env:"FORMAT"`
	AddSource bool   `yaml:"add_source" toml:"add_source" env:"ADD_SOURCE"`
}

// ActuatorConfig registers one actuator.
type ActuatorConfig struct {
	Address protocol.Address `yaml:"address" toml:"address"`
	Model   protocol.Model   `yaml:"model" toml:"model"`
	// PollRate overrides the engine poll rate for this actuator.
	PollRate *float64 `yaml:"poll_rate,omitempty" toml:"poll_rate,omitempty"`
}

// Default returns a configuration carrying the engine defaults, a serial link at the
// default baud rate and JSON logging at info level. It has no actuators.
func Default() *Config {
	return &Config{
		HostID: engine.DefaultHostID,
		Transport: TransportConfig{
			Kind:        TransportSerial,
			Device:      "/dev/ttyUSB0",
			BaudRate:    transport.DefaultBaudRate,
			DialTimeout: 3 * time.Second,
		},
		Engine: EngineConfig{
			RetryLimit:         engine.DefaultRetryLimit,
			TransactionTimeout: engine.DefaultTransactionTimeout,
			QueueDepth:         engine.DefaultQueueDepth,
			PollRate:           engine.DefaultPollRate,
			DegradedThreshold:  engine.DefaultDegradedThreshold,
			FaultedThreshold:   engine.DefaultFaultedThreshold,
			StalenessWindow:    engine.DefaultStalenessWindow,
			CommandBurst:       engine.DefaultCommandBurst,
			RetryBackoff:       engine.DefaultRetryBackoff,
			RetryBackoffMax:    engine.DefaultRetryBackoffMax,
			WatchdogTimeout:    engine.DefaultWatchdogTimeout,
			OverTemperature:    engine.DefaultOverTemperature,
			CloseTimeout:       engine.DefaultCloseTimeout,
			FaultEventBuffer:   engine.DefaultFaultEventBuffer,
			StartupSequence:    true,
		},
		Log: LogConfig{Level: "info", Format: LogJSON},
	}
}

// Load reads path over the defaults, applies environment overrides and validates the
// result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Read is Load without validation, for callers that complete the configuration first.
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}

		if err := cfg.decode(filepath.Ext(path), data); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) decode(ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return err
		}

		return nil
	case ".toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys %v", undecoded)
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// ApplyEnv overrides fields from SERVOBUS_* environment variables. Unset variables leave
// fields untouched.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	return nil
}

// Validate checks the fields the engine options do not cover.
func (c *Config) Validate() error {
	if len(c.Actuators) == 0 {
		return fmt.Errorf("%w: no actuators", ErrInvalid)
	}

	switch c.Transport.Kind {
	case TransportSerial:
		if c.Transport.Device == "" {
			return fmt.Errorf("%w: serial transport needs a device", ErrInvalid)
		}
	case TransportTCP:
		if c.Transport.Address == "" {
			return fmt.Errorf("%w: tcp transport needs an address", ErrInvalid)
		}
	case TransportSocketCAN:
		if c.Transport.Interface == "" {
			return fmt.Errorf("%w: socketcan transport needs an interface", ErrInvalid)
		}
	case TransportSim:
	default:
		return fmt.Errorf("%w: unknown transport kind %q", ErrInvalid, c.Transport.Kind)
	}

	switch c.Log.Format {
	case LogJSON, LogConsole, LogZerolog:
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}

	if _, ok := logger.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.Log.Level)
	}

	return nil
}

// Models returns the registered actuators.
func (c *Config) Models() map[protocol.Address]protocol.Model {
	out := make(map[protocol.Address]protocol.Model, len(c.Actuators))
	for _, a := range c.Actuators {
		out[a.Address] = a.Model
	}

	return out
}

// EngineConfig builds the engine configuration.
func (c *Config) EngineConfig(l logger.Logger) (*engine.Config, error) {
	e := c.Engine
	opts := []engine.Option{
		engine.WithHostID(c.HostID),
		engine.WithRetryLimit(e.RetryLimit),
		engine.WithTransactionTimeout(e.TransactionTimeout),
		engine.WithQueueDepth(e.QueueDepth),
		engine.WithPollRate(e.PollRate),
		engine.WithFaultThresholds(e.DegradedThreshold, e.FaultedThreshold),
		engine.WithStalenessWindow(e.StalenessWindow),
		engine.WithCommandBurst(e.CommandBurst),
		engine.WithRetryBackoff(e.RetryBackoff, e.RetryBackoffMax),
		engine.WithWatchdogTimeout(e.WatchdogTimeout),
		engine.WithOverTemperature(e.OverTemperature),
		engine.WithCloseTimeout(e.CloseTimeout),
		engine.WithFaultEventBuffer(e.FaultEventBuffer),
		engine.WithStartupSequence(e.StartupSequence),
	}

	for _, a := range c.Actuators {
		opts = append(opts, engine.WithActuator(a.Address, a.Model))
		if a.PollRate != nil {
			opts = append(opts, engine.WithAddressPollRate(a.Address, *a.PollRate))
		}
	}

	if l != nil {
		opts = append(opts, engine.WithLogger(l))
	}

	cfg, err := engine.NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return cfg, nil
}

// OpenTransport opens the configured link. The sim kind returns a Mock answered by a Bench
// of healthy actuators, which is also returned; it is nil for every other kind.
func (c *Config) OpenTransport(ctx context.Context, l logger.Logger) (transport.Transport, *transport.Bench, error) {
	t := c.Transport

	var streamOpts []transport.StreamOption
	if t.InterCharTimeout > 0 {
		streamOpts = append(streamOpts, transport.WithInterCharTimeout(t.InterCharTimeout))
	}
	if t.WriteTimeout > 0 {
		streamOpts = append(streamOpts, transport.WithWriteTimeout(t.WriteTimeout))
	}
	if l != nil {
		streamOpts = append(streamOpts, transport.WithLogger(l))
	}

	switch t.Kind {
	case TransportSerial:
		s, err := transport.OpenSerial(t.Device, t.BaudRate, streamOpts...)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case TransportTCP:
		s, err := transport.DialTCP(ctx, t.Address, t.DialTimeout, streamOpts...)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case TransportSocketCAN:
		s, err := transport.OpenSocketCAN(t.Interface, l)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case TransportSim:
		bench := transport.NewBench(protocol.NewCodec(c.HostID, c.Models()))
		return transport.NewMock(bench.Respond), bench, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown transport kind %q", ErrInvalid, t.Kind)
	}
}

// NewLogger builds the configured logger writing to w.
func (c *Config) NewLogger(w io.Writer) logger.Logger {
	level, _ := logger.ParseLevel(c.Log.Level)

	switch c.Log.Format {
	case LogConsole:
		return logger.NewConsole(w, level)
	case LogZerolog:
		return logger.NewZerolog(w, level, false)
	default:
		return logger.NewSlogWithWriter(w, level, c.Log.AddSource)
	}
}
