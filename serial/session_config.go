package serial

import (
	"fmt"
	"time"

	"github.com/arloliu/go-pump/logger"
)

// Default session parameters. The defaults match the pump firmware's
// factory serial settings.
const (
	DefaultBaudRate     = 115200
	DefaultReadTimeout  = 2 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// SessionConfig holds all configuration for a bus session.
type SessionConfig struct {
	baudRate     int
	readTimeout  time.Duration
	pollInterval time.Duration
	logger       logger.Logger
}

// NewSessionConfig creates a session configuration with the given functional
// options applied in order; see the With* functions.
func NewSessionConfig(opts ...SessionOption) (*SessionConfig, error) {
	cfg := &SessionConfig{
		baudRate:     DefaultBaudRate,
		readTimeout:  DefaultReadTimeout,
		pollInterval: DefaultPollInterval,
		logger:       logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// --- SessionOption ---

// SessionOption is a functional option for configuring a SessionConfig.
type SessionOption interface {
	apply(*SessionConfig) error
}

type sessionOptFunc func(*SessionConfig) error

func (f sessionOptFunc) apply(cfg *SessionConfig) error { return f(cfg) }

// WithBaudRate sets the serial baud rate. Defaults to 115200.
func WithBaudRate(baud int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if baud <= 0 {
			return fmt.Errorf("serial: invalid baud rate %d", baud)
		}
		cfg.baudRate = baud

		return nil
	})
}

// WithReadTimeout sets the blocking read timeout. A timed-out read returns
// whatever bytes have arrived, possibly none. Defaults to 2 seconds.
func WithReadTimeout(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if d <= 0 {
			return fmt.Errorf("serial: invalid read timeout %v", d)
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithPollInterval sets the interval at which background completion pollers
// read from the bus while a device is moving. Defaults to 250ms.
func WithPollInterval(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if d <= 0 {
			return fmt.Errorf("serial: invalid poll interval %v", d)
		}
		cfg.pollInterval = d

		return nil
	})
}

// WithLogger sets the logger for the session and everything built on it.
func WithLogger(l logger.Logger) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if l == nil {
			return fmt.Errorf("serial: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

// Logger returns the configured logger.
func (cfg *SessionConfig) Logger() logger.Logger {
	return cfg.logger
}
