package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-pump/logger"
	"github.com/arloliu/go-pump/serial"
)

// ErrAddressInUse indicates that a pump with the same address is already
// registered on the bus.
var ErrAddressInUse = errors.New("chain: address already registered on bus")

// Bus represents a daisy-chained RS-485 pump bus sharing one serial session.
//
// All pumps on the bus are addressed through the same Session; the session's
// internal locking serializes their command/response cycles.
type Bus struct {
	ctx     context.Context
	session *serial.Session
	logger  logger.Logger
	pumps   *xsync.MapOf[string, *Pump]
}

// NewBus creates a Bus on top of an open serial session.
//
// The context bounds the lifetime of all background pollers started by pumps
// on this bus.
func NewBus(ctx context.Context, session *serial.Session) *Bus {
	return &Bus{
		ctx:     ctx,
		session: session,
		logger:  session.Logger(),
		pumps:   xsync.NewMapOf[string, *Pump](),
	}
}

// AddPump probes the device at the given chain address and registers it on
// the bus under name.
//
// The probe sends a version query and verifies that the reply echoes the
// expected address with a recognized status token. On probe failure the
// shared session is closed and ErrConnectFailed is returned, since a
// misbehaving device makes the whole bus unusable.
func (b *Bus) AddPump(address int, name string) (*Pump, error) {
	addr := fmt.Sprintf("%02d", address)
	if _, ok := b.pumps.Load(addr); ok {
		return nil, fmt.Errorf("%w: address %s", ErrAddressInUse, addr)
	}

	p, err := newPump(b.ctx, b.session, addr, name)
	if err != nil {
		return nil, err
	}

	b.pumps.Store(addr, p)
	b.logger.Info("pump registered", "name", name, "address", addr, "state", p.State().String())

	return p, nil
}

// Pump returns the registered pump at the given chain address.
func (b *Bus) Pump(address int) (*Pump, bool) {
	return b.pumps.Load(fmt.Sprintf("%02d", address))
}

// Range iterates over all registered pumps. The iteration order is
// unspecified.
func (b *Bus) Range(fn func(p *Pump) bool) {
	b.pumps.Range(func(_ string, p *Pump) bool {
		return fn(p)
	})
}

// Close shuts down all pump pollers and closes the shared serial session.
func (b *Bus) Close() error {
	b.pumps.Range(func(_ string, p *Pump) bool {
		p.shutdown()
		return true
	})

	return b.session.Close()
}
