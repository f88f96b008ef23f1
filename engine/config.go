package engine

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/arloliu/go-servobus/logger"
	"github.com/arloliu/go-servobus/protocol"
)

// Defaults for every tunable.
const (
	DefaultRetryLimit         = 2
	DefaultTransactionTimeout = 20 * time.Millisecond
	DefaultQueueDepth         = 64
	DefaultPollRate           = 100.0 // Hz, per actuator
	DefaultDegradedThreshold  = 2
	DefaultFaultedThreshold   = 5
	DefaultStalenessWindow    = 500 * time.Millisecond
	DefaultHostID             = protocol.DebugHostID
	DefaultCommandBurst       = 8
	DefaultRetryBackoff       = 0
	DefaultRetryBackoffMax    = 10 * time.Millisecond
	DefaultWatchdogTimeout    = 0
	DefaultOverTemperature    = 80.0 // °C
	DefaultCloseTimeout       = 3 * time.Second
	DefaultFaultEventBuffer   = 16
)

// Limits enforced by the options.
const (
	MaxRetryLimit         = 16
	MinTransactionTimeout = time.Millisecond
	MaxTransactionTimeout = 5 * time.Second
	MaxQueueDepth         = 1 << 16
	MaxPollRate           = 1000.0
	MinStalenessWindow    = 10 * time.Millisecond
)

// Config holds the engine configuration. Build it with NewConfig.
type Config struct {
	actuators map[protocol.Address]protocol.Model
	pollRates map[protocol.Address]float64

	hostID             uint8
	retryLimit         int
	transactionTimeout time.Duration
	queueDepth         int
	pollRate           float64
	degradedThreshold  int
	faultedThreshold   int
	stalenessWindow    time.Duration
	commandBurst       int
	retryBackoff       time.Duration
	retryBackoffMax    time.Duration
	watchdogTimeout    time.Duration
	overTemperature    float64
	closeTimeout       time.Duration
	faultEventBuffer   int
	startupSequence    bool

	logger logger.Logger
}

// NewConfig creates an engine configuration. At least one actuator must be registered with
// WithActuator or WithActuators.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		actuators:          make(map[protocol.Address]protocol.Model),
		pollRates:          make(map[protocol.Address]float64),
		hostID:             DefaultHostID,
		retryLimit:         DefaultRetryLimit,
		transactionTimeout: DefaultTransactionTimeout,
		queueDepth:         DefaultQueueDepth,
		pollRate:           DefaultPollRate,
		degradedThreshold:  DefaultDegradedThreshold,
		faultedThreshold:   DefaultFaultedThreshold,
		stalenessWindow:    DefaultStalenessWindow,
		commandBurst:       DefaultCommandBurst,
		retryBackoff:       DefaultRetryBackoff,
		retryBackoffMax:    DefaultRetryBackoffMax,
		watchdogTimeout:    DefaultWatchdogTimeout,
		overTemperature:    DefaultOverTemperature,
		closeTimeout:       DefaultCloseTimeout,
		faultEventBuffer:   DefaultFaultEventBuffer,
		startupSequence:    true,
		logger:             logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if len(cfg.actuators) == 0 {
		return nil, errors.New("engine: no actuators configured")
	}

	for addr := range cfg.pollRates {
		if _, ok := cfg.actuators[addr]; !ok {
			return nil, fmt.Errorf("engine: poll rate set for unregistered address %s", addr)
		}
	}

	if cfg.degradedThreshold > cfg.faultedThreshold {
		return nil, fmt.Errorf("engine: degraded threshold %d above faulted threshold %d",
			cfg.degradedThreshold, cfg.faultedThreshold)
	}

	if cfg.retryBackoffMax < cfg.retryBackoff {
		cfg.retryBackoffMax = cfg.retryBackoff
	}

	return cfg, nil
}

// --- Getters ---

// Actuators returns a copy of the registered actuators.
func (cfg *Config) Actuators() map[protocol.Address]protocol.Model { return maps.Clone(cfg.actuators) }

// HostID returns the CAN id the engine sends from.
func (cfg *Config) HostID() uint8 { return cfg.hostID }

// RetryLimit returns the number of retries after a failed first attempt.
func (cfg *Config) RetryLimit() int { return cfg.retryLimit }

// TransactionTimeout returns how long each attempt waits for its reply.
func (cfg *Config) TransactionTimeout() time.Duration { return cfg.transactionTimeout }

// QueueDepth returns the admission bound of the transaction queue.
func (cfg *Config) QueueDepth() int { return cfg.queueDepth }

// PollRate returns the telemetry poll rate of addr in Hz.
func (cfg *Config) PollRate(addr protocol.Address) float64 {
	if hz, ok := cfg.pollRates[addr]; ok {
		return hz
	}

	return cfg.pollRate
}

// DegradedThreshold returns the consecutive failure count that degrades an actuator.
func (cfg *Config) DegradedThreshold() int { return cfg.degradedThreshold }

// FaultedThreshold returns the consecutive failure count that faults an actuator.
func (cfg *Config) FaultedThreshold() int { return cfg.faultedThreshold }

// StalenessWindow returns how long an actuator may go without a successful transaction
// before it is Offline.
func (cfg *Config) StalenessWindow() time.Duration { return cfg.stalenessWindow }

// CommandBurst returns how many consecutive commands may run before a pending poll is
// served. Zero means commands always win.
func (cfg *Config) CommandBurst() int { return cfg.commandBurst }

// RetryBackoff returns the initial and maximum delay before a retry.
func (cfg *Config) RetryBackoff() (time.Duration, time.Duration) {
	return cfg.retryBackoff, cfg.retryBackoffMax
}

// WatchdogTimeout returns the CAN watchdog programmed at start-up. Zero leaves it disabled.
func (cfg *Config) WatchdogTimeout() time.Duration { return cfg.watchdogTimeout }

// OverTemperature returns the temperature above which an actuator is Degraded.
func (cfg *Config) OverTemperature() float64 { return cfg.overTemperature }

// CloseTimeout returns how long Close waits for the worker to finish.
func (cfg *Config) CloseTimeout() time.Duration { return cfg.closeTimeout }

// FaultEventBuffer returns the default subscription buffer size.
func (cfg *Config) FaultEventBuffer() int { return cfg.faultEventBuffer }

// StartupSequence reports whether Open initialises every actuator and Close parks them.
func (cfg *Config) StartupSequence() bool { return cfg.startupSequence }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- Option ---

// Option is a functional option for NewConfig.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithActuator registers an actuator.
func WithActuator(addr protocol.Address, model protocol.Model) Option {
	return optFunc(func(cfg *Config) error {
		if !addr.Valid() {
			return fmt.Errorf("engine: address %s is reserved", addr)
		}
		if _, ok := model.Info(); !ok {
			return fmt.Errorf("engine: address %s has unknown model %s", addr, model)
		}
		if _, dup := cfg.actuators[addr]; dup {
			return fmt.Errorf("engine: address %s registered twice", addr)
		}
		cfg.actuators[addr] = model

		return nil
	})
}

// WithActuators registers several actuators.
func WithActuators(actuators map[protocol.Address]protocol.Model) Option {
	return optFunc(func(cfg *Config) error {
		for addr, model := range actuators {
			if err := WithActuator(addr, model).apply(cfg); err != nil {
				return err
			}
		}

		return nil
	})
}

// WithHostID sets the CAN id the engine sends from.
func WithHostID(id uint8) Option {
	return optFunc(func(cfg *Config) error {
		if id == protocol.BroadcastID || id == 0xFF {
			return fmt.Errorf("engine: host id 0x%02X is reserved", id)
		}
		cfg.hostID = id

		return nil
	})
}

// WithRetryLimit sets the number of retries after a failed first attempt. Range: 0–16.
func WithRetryLimit(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 || n > MaxRetryLimit {
			return fmt.Errorf("engine: retry limit %d out of range [0, %d]", n, MaxRetryLimit)
		}
		cfg.retryLimit = n

		return nil
	})
}

// WithTransactionTimeout sets how long each attempt waits for a reply. Range: 1ms–5s.
func WithTransactionTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinTransactionTimeout || d > MaxTransactionTimeout {
			return fmt.Errorf("engine: transaction timeout %v out of range [%v, %v]",
				d, MinTransactionTimeout, MaxTransactionTimeout)
		}
		cfg.transactionTimeout = d

		return nil
	})
}

// WithQueueDepth sets the admission bound of the transaction queue.
func WithQueueDepth(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxQueueDepth {
			return fmt.Errorf("engine: queue depth %d out of range [1, %d]", n, MaxQueueDepth)
		}
		cfg.queueDepth = n

		return nil
	})
}

// WithPollRate sets the default telemetry poll rate in Hz. Zero disables polling.
func WithPollRate(hz float64) Option {
	return optFunc(func(cfg *Config) error {
		if err := validatePollRate(hz); err != nil {
			return err
		}
		cfg.pollRate = hz

		return nil
	})
}

// WithAddressPollRate overrides the poll rate of one actuator.
func WithAddressPollRate(addr protocol.Address, hz float64) Option {
	return optFunc(func(cfg *Config) error {
		if err := validatePollRate(hz); err != nil {
			return err
		}
		cfg.pollRates[addr] = hz

		return nil
	})
}

// WithFaultThresholds sets the consecutive failure counts for Degraded and Faulted.
func WithFaultThresholds(degraded, faulted int) Option {
	return optFunc(func(cfg *Config) error {
		if degraded < 1 || faulted < degraded {
			return fmt.Errorf("engine: invalid fault thresholds degraded=%d faulted=%d", degraded, faulted)
		}
		cfg.degradedThreshold = degraded
		cfg.faultedThreshold = faulted

		return nil
	})
}

// WithStalenessWindow sets how long an actuator may go without a successful transaction
// before it is Offline.
func WithStalenessWindow(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinStalenessWindow {
			return fmt.Errorf("engine: staleness window %v below minimum %v", d, MinStalenessWindow)
		}
		cfg.stalenessWindow = d

		return nil
	})
}

// WithCommandBurst sets how many consecutive commands may run while polls are pending
// before one poll is served. Zero lets commands always win.
func WithCommandBurst(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 {
			return fmt.Errorf("engine: command burst %d must not be negative", n)
		}
		cfg.commandBurst = n

		return nil
	})
}

// WithRetryBackoff sets the delay before the first retry and the cap it doubles up to.
func WithRetryBackoff(initial, maxDelay time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if initial < 0 || maxDelay < 0 {
			return errors.New("engine: retry backoff must not be negative")
		}
		cfg.retryBackoff = initial
		cfg.retryBackoffMax = maxDelay

		return nil
	})
}

// WithWatchdogTimeout sets the CAN watchdog programmed into every actuator at start-up.
func WithWatchdogTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 || d > protocol.MaxWatchdogTimeout {
			return fmt.Errorf("engine: watchdog timeout %v out of range [0, %v]", d, protocol.MaxWatchdogTimeout)
		}
		cfg.watchdogTimeout = d

		return nil
	})
}

// WithOverTemperature sets the temperature above which an actuator is Degraded. Zero
// disables the check.
func WithOverTemperature(celsius float64) Option {
	return optFunc(func(cfg *Config) error {
		if celsius < 0 {
			return fmt.Errorf("engine: over-temperature %v must not be negative", celsius)
		}
		cfg.overTemperature = celsius

		return nil
	})
}

// WithCloseTimeout sets how long Close waits for the worker to finish.
func WithCloseTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("engine: close timeout must be positive")
		}
		cfg.closeTimeout = d

		return nil
	})
}

// WithFaultEventBuffer sets the default buffer of fault subscriptions.
func WithFaultEventBuffer(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 {
			return errors.New("engine: fault event buffer must be >= 1")
		}
		cfg.faultEventBuffer = n

		return nil
	})
}

// WithStartupSequence enables or disables the actuator initialisation on Open and the
// parking sequence on Close. Enabled by default.
func WithStartupSequence(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.startupSequence = enabled
		return nil
	})
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("engine: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

func validatePollRate(hz float64) error {
	if !(hz >= 0 && hz <= MaxPollRate) {
		return fmt.Errorf("engine: poll rate %v out of range [0, %v]", hz, MaxPollRate)
	}

	return nil
}
