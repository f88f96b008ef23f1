// servobusctl drives a bus of servo actuators from the command line.
//
// Usage:
//
//	servobusctl [flags] <command> [arguments]
//
// Commands:
//
//	status                         print one snapshot of every actuator
//	monitor                        print snapshots and fault transitions until interrupted
//	enable <addr>                  start the motor driver
//	disable <addr>                 stop the motor driver (--clear-faults to clear latched faults)
//	zero <addr>                    set the current position as mechanical zero
//	set <addr> <position>          send an MIT target (--velocity, --torque, --kp, --kd)
//	param read <addr> <index>      read a parameter (index or name, e.g. vbus)
//	param write <addr> <index> <v> write a float parameter
//
// The bus is described by --config (YAML or TOML) and SERVOBUS_* environment variables;
// flags override both. --simulate runs against simulated actuators.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/arloliu/go-servobus/config"
	"github.com/arloliu/go-servobus/engine"
	"github.com/arloliu/go-servobus/logger"
	"github.com/arloliu/go-servobus/protocol"
)

type options struct {
	configPath  string
	kind        string
	device      string
	baud        int
	address     string
	ifname      string
	actuators   []string
	simulate    bool
	logLevel    string
	logFormat   string
	timeout     time.Duration
	interval    time.Duration
	count       int
	clearFaults bool
	velocity    float64
	torque      float64
	kp          float64
	kd          float64
	noStartup   bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("servobusctl", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "bus description file (.yaml, .yml or .toml)")
	fs.StringVar(&opts.kind, "transport", "", "link kind: serial, tcp, socketcan or sim")
	fs.StringVar(&opts.device, "device", "", "serial device")
	fs.IntVar(&opts.baud, "baud", 0, "serial baud rate")
	fs.StringVar(&opts.address, "address", "", "host:port of a serial-over-TCP bridge")
	fs.StringVar(&opts.ifname, "interface", "", "SocketCAN interface")
	fs.StringSliceVarP(&opts.actuators, "actuator", "a", nil, "actuator as addr:model, e.g. 0x7F:type01 (repeatable)")
	fs.BoolVar(&opts.simulate, "simulate", false, "use simulated actuators")
	fs.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&opts.logFormat, "log-format", "", "json, console or zerolog")
	fs.DurationVar(&opts.timeout, "timeout", 2*time.Second, "deadline for one command")
	fs.DurationVar(&opts.interval, "interval", 250*time.Millisecond, "monitor refresh interval")
	fs.IntVar(&opts.count, "count", 0, "monitor refreshes before exiting (0 runs until interrupted)")
	fs.BoolVar(&opts.clearFaults, "clear-faults", false, "disable: clear latched faults")
	fs.Float64Var(&opts.velocity, "velocity", 0, "set: target velocity in rad/s")
	fs.Float64Var(&opts.torque, "torque", 0, "set: feed-forward torque in Nm")
	fs.Float64Var(&opts.kp, "kp", 0, "set: position gain")
	fs.Float64Var(&opts.kd, "kd", 0, "set: velocity gain")
	fs.BoolVar(&opts.noStartup, "no-startup", false, "skip the actuator start-up and shutdown sequences")
	fs.BoolP("help", "h", false, "show help")

	return fs
}

func run(args []string) error {
	var opts options
	fs := newFlagSet(&opts)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(fs)
			return nil
		}
		return err
	}

	if help, _ := fs.GetBool("help"); help || fs.NArg() == 0 {
		printHelp(fs)
		return nil
	}

	cfg, err := loadConfig(fs, &opts)
	if err != nil {
		return err
	}

	log := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := openEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Error("servobus: close engine", "error", err)
		}
	}()

	cmd := &command{eng: eng, opts: &opts, out: os.Stdout}

	return cmd.dispatch(ctx, fs.Args())
}

// loadConfig layers the file, the environment and the changed flags.
func loadConfig(fs *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg, err := config.Read(opts.configPath)
	if err != nil {
		return nil, err
	}

	if fs.Changed("transport") {
		cfg.Transport.Kind = opts.kind
	}
	if opts.simulate {
		cfg.Transport.Kind = config.TransportSim
	}
	if fs.Changed("device") {
		cfg.Transport.Device = opts.device
	}
	if fs.Changed("baud") {
		cfg.Transport.BaudRate = opts.baud
	}
	if fs.Changed("address") {
		cfg.Transport.Address = opts.address
	}
	if fs.Changed("interface") {
		cfg.Transport.Interface = opts.ifname
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if opts.noStartup {
		cfg.Engine.StartupSequence = false
	}

	for _, entry := range opts.actuators {
		a, err := parseActuator(entry)
		if err != nil {
			return nil, err
		}
		cfg.Actuators = append(cfg.Actuators, a)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func openEngine(ctx context.Context, cfg *config.Config, log logger.Logger) (*engine.Engine, error) {
	ecfg, err := cfg.EngineConfig(log)
	if err != nil {
		return nil, err
	}

	tr, bench, err := cfg.OpenTransport(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("open %s transport: %w", cfg.Transport.Kind, err)
	}
	if bench != nil {
		log.Info("servobus: using simulated actuators", "count", len(cfg.Actuators))
	}

	eng, err := engine.New(ctx, ecfg, tr)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	if err := eng.Open(ctx); err != nil {
		_ = eng.Close()
		return nil, err
	}

	return eng, nil
}

// parseActuator parses "addr:model", e.g. "0x7F:type01" or "12:rs03".
func parseActuator(entry string) (config.ActuatorConfig, error) {
	addrPart, modelPart, ok := strings.Cut(entry, ":")
	if !ok {
		return config.ActuatorConfig{}, fmt.Errorf("actuator %q: want addr:model", entry)
	}

	addr, err := parseAddress(addrPart)
	if err != nil {
		return config.ActuatorConfig{}, err
	}

	model, err := protocol.ParseModel(modelPart)
	if err != nil {
		return config.ActuatorConfig{}, err
	}

	return config.ActuatorConfig{Address: addr, Model: model}, nil
}

func parseAddress(s string) (protocol.Address, error) {
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("address %q: %w", s, err)
	}

	addr := protocol.Address(n)
	if !addr.Valid() {
		return 0, fmt.Errorf("address %s is reserved", addr)
	}

	return addr, nil
}

func printHelp(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `servobusctl drives a bus of servo actuators.

Usage:
  servobusctl [flags] <command> [arguments]

Commands:
  status                          print one snapshot of every actuator
  monitor                         print snapshots and fault transitions until interrupted
  enable <addr>                   start the motor driver
  disable <addr>                  stop the motor driver
  zero <addr>                     set the current position as mechanical zero
  set <addr> <position>           send an MIT target
  param read <addr> <index>       read a parameter (index or name)
  param write <addr> <index> <v>  write a float parameter
  identity <addr>                 read name, bar code and firmware build date
  restart                         reset and re-enable every actuator
  watchdog <min-hz>               stop actuators addressed less often than min-hz

Parameter names: %s

Flags:
%s
Environment variables prefixed with %s override the config file.
`, strings.Join(paramNames(), ", "), fs.FlagUsages(), config.EnvPrefix)
}
