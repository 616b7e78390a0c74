package phd

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-pump/pump"
	"github.com/arloliu/go-pump/serial"
)

// scriptPort plays back one canned reply per write. An empty reply buffer
// behaves like a read timeout.
type scriptPort struct {
	mu      sync.Mutex
	writes  []string
	replies []string
	pending []byte
	closed  bool
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.ErrClosedPipe
	}

	p.writes = append(p.writes, string(b))
	if len(p.replies) > 0 {
		p.pending = []byte(p.replies[0])
		p.replies = p.replies[1:]
	}

	return len(b), nil
}

func (p *scriptPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p.pending) == 0 {
		return 0, nil
	}

	n := copy(b, p.pending)
	p.pending = p.pending[n:]

	return n, nil
}

func (p *scriptPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	return nil
}

func (p *scriptPort) queue(replies ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, replies...)
}

func (p *scriptPort) inject(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, data...)
}

func (p *scriptPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

func (p *scriptPort) sentFrames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string{}, p.writes...)
}

func newTestPump(t *testing.T, port *scriptPort) *Pump {
	t.Helper()

	session, err := serial.NewSession(port, serial.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	port.queue("PHD 4.1.0:")
	p, err := NewPump(context.Background(), session)
	require.NoError(t, err)
	require.Equal(t, pump.IdleState, p.State())

	return p
}

func TestNewPump(t *testing.T) {
	t.Run("probe ok", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		require.Equal(t, "00VER\r", port.sentFrames()[0])
		require.Equal(t, "00", p.Address())
		require.Equal(t, DefaultName, p.Name())
	})

	t.Run("options", func(t *testing.T) {
		port := &scriptPort{}
		session, err := serial.NewSession(port)
		require.NoError(t, err)

		port.queue("PHD 4.1.0:")
		p, err := NewPump(context.Background(), session, WithName("left"), WithAddress(2))
		require.NoError(t, err)
		defer p.Close()

		require.Equal(t, "left", p.Name())
		require.Equal(t, "02", p.Address())
		require.Equal(t, "02VER\r", port.sentFrames()[0])
	})

	t.Run("non-PHD reply closes session", func(t *testing.T) {
		port := &scriptPort{}
		session, err := serial.NewSession(port)
		require.NoError(t, err)

		port.queue("Model 33 1.0:")
		_, err = NewPump(context.Background(), session)
		require.ErrorIs(t, err, pump.ErrConnectFailed)
		require.True(t, port.isClosed())
	})

	t.Run("unknown status token", func(t *testing.T) {
		port := &scriptPort{}
		session, err := serial.NewSession(port)
		require.NoError(t, err)

		port.queue("PHD 4.1.0?")
		_, err = NewPump(context.Background(), session)
		require.ErrorIs(t, err, pump.ErrConnectFailed)
	})
}

func TestPumpSetters(t *testing.T) {
	t.Run("set rate per unit command", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		port.queue(":")
		require.NoError(t, p.SetRate(5, "u/m"))
		require.Equal(t, "00ULM5.0000\r", port.sentFrames()[1])

		port.queue(":")
		require.NoError(t, p.SetRate(1.5, "m/h"))
		require.Equal(t, "00MLH1.5000\r", port.sentFrames()[2])
	})

	t.Run("unknown rate unit sends nothing", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		before := len(port.sentFrames())
		require.Error(t, p.SetRate(5, "p/m"))
		require.Len(t, port.sentFrames(), before)
	})

	t.Run("set diameter", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		port.queue(":")
		require.NoError(t, p.SetDiameter(12.5))
		require.Equal(t, "00MMD12.5\r", port.sentFrames()[1])
	})

	t.Run("set target volume in ml only", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		port.queue(":")
		require.NoError(t, p.SetTargetVolume(1.5, "m"))
		require.Equal(t, "00MLT1.5\r", port.sentFrames()[1])

		before := len(port.sentFrames())
		require.Error(t, p.SetTargetVolume(1.5, "u"))
		require.Len(t, port.sentFrames(), before)
	})

	t.Run("busy pump skips setters", func(t *testing.T) {
		port := &scriptPort{}
		session, err := serial.NewSession(port)
		require.NoError(t, err)

		port.queue("PHD 4.1.0>")
		p, err := NewPump(context.Background(), session)
		require.NoError(t, err)
		defer p.Close()

		before := len(port.sentFrames())
		require.NoError(t, p.SetRate(5, "u/m"))
		require.NoError(t, p.SetDiameter(12.5))
		require.Len(t, port.sentFrames(), before)
	})
}

func TestPumpRunLifecycle(t *testing.T) {
	t.Run("infuse to completion", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		port.queue(">")
		require.NoError(t, p.Infuse())
		require.Equal(t, pump.InfusingState, p.State())
		require.Equal(t, "00RUN\r", port.sentFrames()[1])

		port.inject("*")

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, p.WaitIdle(ctx))
		require.Equal(t, pump.IdleState, p.State())
	})

	t.Run("infuse reverses a backwards motor", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		// RUN comes up withdrawing, driver stops and reverses
		port.queue("<", ":", ">")
		require.NoError(t, p.Infuse())
		require.Equal(t, pump.InfusingState, p.State())

		frames := port.sentFrames()
		require.Equal(t, []string{"00RUN\r", "00STP\r", "00REV\r"}, frames[1:4])
	})

	t.Run("withdraw", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		port.queue("<")
		require.NoError(t, p.Withdraw())
		require.Equal(t, pump.WithdrawingState, p.State())
		require.Equal(t, "00REV\r", port.sentFrames()[1])
	})

	t.Run("stop", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		port.queue(">")
		require.NoError(t, p.Infuse())

		port.queue(":")
		require.NoError(t, p.Stop())
		require.Equal(t, pump.IdleState, p.State())
		require.Equal(t, "00STP\r", port.sentFrames()[2])
	})

	t.Run("stop releases poller", func(t *testing.T) {
		port := &scriptPort{}

		// an hour-long interval parks the poller between ticks, so stopping
		// the run must release its goroutine rather than wait for a tick
		session, err := serial.NewSession(port, serial.WithPollInterval(time.Hour))
		require.NoError(t, err)

		port.queue("PHD 4.1.0:")
		p, err := NewPump(context.Background(), session)
		require.NoError(t, err)
		defer p.Close()

		for i := 0; i < 3; i++ {
			port.queue(">")
			require.NoError(t, p.Infuse())
			require.Equal(t, 1, p.taskMgr.TaskCount())

			port.queue(":")
			require.NoError(t, p.Stop())

			require.Eventually(t, func() bool {
				return p.taskMgr.TaskCount() == 0
			}, time.Second, 10*time.Millisecond)
		}
	})

	t.Run("stop failure reported", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		port.queue(">")
		require.NoError(t, p.Infuse())

		// pump keeps reporting infusing after the stop command
		port.queue(">")
		err := p.Stop()
		require.ErrorIs(t, err, pump.ErrNotStopped)
	})
}

func TestPumpQueries(t *testing.T) {
	t.Run("diameter", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		port.queue("12.5000:")
		q, err := p.Diameter()
		require.NoError(t, err)
		require.Equal(t, 12.5, q.Value)
		require.Equal(t, "mm", q.Unit)
	})

	t.Run("rate with range unit", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		port.queue("5.0000:", "ml/h:")
		q, err := p.Rate()
		require.NoError(t, err)
		require.Equal(t, 5.0, q.Value)
		require.Equal(t, "ml/h", q.Unit)

		frames := port.sentFrames()
		require.Equal(t, "00RAT\r", frames[1])
		require.Equal(t, "00RNG\r", frames[2])
	})

	t.Run("volumes", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		port.queue("0.123:")
		q, err := p.InfusedVolume()
		require.NoError(t, err)
		require.Equal(t, 0.123, q.Value)
		require.Equal(t, "ml", q.Unit)

		port.queue("1.5:")
		q, err = p.TargetVolume()
		require.NoError(t, err)
		require.Equal(t, 1.5, q.Value)
		require.Equal(t, "ml", q.Unit)
	})

	t.Run("clear counters", func(t *testing.T) {
		port := &scriptPort{}
		p := newTestPump(t, port)
		defer p.Close()

		port.queue(":", ":")
		require.NoError(t, p.ClearVolume())
		require.NoError(t, p.ClearTargetVolume())

		frames := port.sentFrames()
		require.Equal(t, "00CLV\r", frames[1])
		require.Equal(t, "00CLT\r", frames[2])
	})
}
