// Package serial implements the shared transport session for a bus of
// daisy-chained pump devices.
//
// A Session owns one byte stream and serializes all traffic on it: the
// protocol is strictly half-duplex, so a per-bus mutex is held for the full
// duration of each request/response cycle. Background completion pollers
// acquire the same mutex per read attempt and release it between attempts,
// which lets a stop command issued from another goroutine interleave.
//
// Timed-out reads yield a short or empty reply, not an error; whether an
// empty reply is a protocol violation is decided by the caller.
package serial

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/arloliu/go-pump/logger"
)

// ErrSessionClosed indicates an operation on a closed session.
var ErrSessionClosed = errors.New("serial: session closed")

// Port is the byte-stream boundary the session drives. Production code uses
// a physical serial port opened by Open; tests inject in-memory fakes.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Session owns the byte stream to a bus of daisy-chained devices.
type Session struct {
	cfg    *SessionConfig
	logger logger.Logger

	port   Port
	mu     sync.Mutex // serializes request/response cycles on the bus
	closed atomic.Bool

	metrics SessionMetrics
}

// Open opens a physical serial port and wraps it in a Session.
//
// The port is configured with 8 data bits, no parity, two stop bits and no
// software flow control. Input and output buffers are flushed before first
// use; leftover bytes from a previous session otherwise corrupt the first
// reply.
func Open(portName string, opts ...SessionOption) (*Session, error) {
	cfg, err := NewSessionConfig(opts...)
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: cfg.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(cfg.readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serial: set read timeout: %w", err)
	}

	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serial: flush input: %w", err)
	}
	if err := port.ResetOutputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serial: flush output: %w", err)
	}

	cfg.logger.Info("session opened", "port", portName, "baud", cfg.baudRate)

	return newSession(port, cfg), nil
}

// NewSession wraps an already-open byte stream in a Session.
//
// opts default the same way as Open; the read timeout option has no effect
// here since the session does not own the stream's timeout behavior.
func NewSession(port Port, opts ...SessionOption) (*Session, error) {
	cfg, err := NewSessionConfig(opts...)
	if err != nil {
		return nil, err
	}

	return newSession(port, cfg), nil
}

func newSession(port Port, cfg *SessionConfig) *Session {
	return &Session{
		cfg:    cfg,
		logger: cfg.logger,
		port:   port,
	}
}

// Command performs one full request/response cycle under the bus lock.
//
// The outgoing frame is addr + cmd + "\r", where addr is the 2-digit
// zero-padded device address (empty for single-unit buses). Up to maxBytes
// of reply are read, decoded as ASCII with line-feed characters removed.
// A timed-out read yields an empty reply and a nil error.
func (s *Session) Command(addr string, cmd string, maxBytes int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return "", ErrSessionClosed
	}

	frame := []byte(addr + cmd + "\r")
	if _, err := s.port.Write(frame); err != nil {
		return "", fmt.Errorf("serial: write frame: %w", err)
	}

	s.metrics.incFrameSendCount()
	s.metrics.addBytesSent(len(frame))
	s.logger.Debug("frame sent", "frame", string(frame[:len(frame)-1]))

	return s.receive(maxBytes)
}

// Poll performs one read-only cycle under the bus lock.
//
// It is used by background completion pollers: the lock is released as soon
// as the read returns, so other callers can interleave commands between
// poll attempts.
func (s *Session) Poll(maxBytes int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return "", ErrSessionClosed
	}

	s.metrics.incPollCount()

	return s.receive(maxBytes)
}

// Close closes the underlying port. It is idempotent; operations after
// Close fail with ErrSessionClosed.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.logger.Info("session closed")

	return s.port.Close()
}

// IsClosed returns whether the session has been closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Metrics returns the session's transfer counters.
func (s *Session) Metrics() *SessionMetrics {
	return &s.metrics
}

// Logger returns the logger the session was configured with.
func (s *Session) Logger() logger.Logger {
	return s.logger
}

// PollInterval returns the configured completion-poll interval.
func (s *Session) PollInterval() time.Duration {
	return s.cfg.pollInterval
}

// receive reads up to maxBytes, accumulating until the byte budget is met
// or a timed-out (zero-byte) read occurs. Must be called with s.mu held.
func (s *Session) receive(maxBytes int) (string, error) {
	buf := make([]byte, maxBytes)
	total := 0

	for total < maxBytes {
		n, err := s.port.Read(buf[total:])
		if err != nil {
			return "", fmt.Errorf("serial: read reply: %w", err)
		}
		if n == 0 {
			// read timeout; the device sent everything it had
			break
		}
		total += n
	}

	if total == 0 {
		s.metrics.incEmptyReadCount()
		return "", nil
	}

	s.metrics.addBytesRecv(total)

	resp := strings.ReplaceAll(string(buf[:total]), "\n", "")
	s.logger.Debug("reply received", "bytes", total, "reply", resp)

	return resp, nil
}
