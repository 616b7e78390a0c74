package phd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-pump/internal/ascii"
	"github.com/arloliu/go-pump/internal/pool"
	"github.com/arloliu/go-pump/logger"
	"github.com/arloliu/go-pump/pump"
	"github.com/arloliu/go-pump/serial"
	"github.com/arloliu/go-pump/units"
)

// Reply-size budgets, sized from the firmware's worst-case reply lengths.
const (
	replyBytes     = 17
	rateReplyBytes = 19
	pollReplyBytes = 5
)

// settleDelay is how long the motor is given to coast down after a stop
// command before the state is re-checked.
const settleDelay = 100 * time.Millisecond

// rateCommands maps compact rate unit codes to the firmware's dedicated
// rate-set commands. The PHD 2000 has one command per unit instead of a
// unit argument.
var rateCommands = map[string]string{
	"m/m": "MLM",
	"u/m": "ULM",
	"m/h": "MLH",
	"u/h": "ULH",
}

// Pump drives a single Harvard PHD 2000 syringe pump.
//
// Unlike the chained protocol there is no per-command verify cycle; the
// firmware reports its motion state as the last character of every reply,
// and every command re-synchronizes the cached state from that token.
type Pump struct {
	name     string
	addr     string
	session  *serial.Session
	logger   logger.Logger
	stateMgr *pump.StateMgr
	taskMgr  *pump.TaskManager
}

var _ pump.Controller = (*Pump)(nil)

// NewPump probes the pump on the given session and returns a driver for it.
//
// The probe sends a version query and requires a reply identifying PHD
// firmware with a parsable status token. On probe failure the session is
// closed and ErrConnectFailed is returned.
func NewPump(ctx context.Context, session *serial.Session, opts ...Option) (*Pump, error) {
	cfg := newConfig(opts...)

	log := session.Logger().With("pump", cfg.name)
	p := &Pump{
		name:     cfg.name,
		addr:     fmt.Sprintf("%02d", cfg.address),
		session:  session,
		logger:   log,
		stateMgr: pump.NewStateMgr(log),
		taskMgr:  pump.NewTaskManager(ctx, log),
	}

	p.stateMgr.AddHandler(func(prev pump.State, cur pump.State) {
		p.logger.Debug("pump state changed", "prev", prev.String(), "state", cur.String())
	})

	if err := p.probe(); err != nil {
		_ = session.Close()
		return nil, err
	}

	p.logger.Info("pump connected", "address", p.addr)

	return p, nil
}

func (p *Pump) probe() error {
	resp, err := p.session.Command(p.addr, "VER", replyBytes)
	if err != nil {
		return err
	}

	if !strings.Contains(resp, "PHD") {
		return fmt.Errorf("%w: no PHD firmware identification in probe reply %q", pump.ErrConnectFailed, resp)
	}

	if err := p.interpret(resp); err != nil {
		return fmt.Errorf("%w: %s", pump.ErrConnectFailed, err)
	}

	return nil
}

// interpret decodes the status token every reply carries as its last
// character and updates the cached motion state.
func (p *Pump) interpret(resp string) error {
	if resp == "" {
		return fmt.Errorf("%w: empty reply", pump.ErrProtocolViolation)
	}

	state, ok := tokenState(resp[len(resp)-1])
	if !ok {
		return fmt.Errorf("%w: status token %q", pump.ErrUnknownState, resp[len(resp)-1])
	}
	p.stateMgr.Set(state)

	return nil
}

func tokenState(token byte) (pump.State, bool) {
	switch token {
	case ':':
		return pump.IdleState, true
	case '>':
		return pump.InfusingState, true
	case '<':
		return pump.WithdrawingState, true
	case '*':
		return pump.StalledState, true
	}

	return pump.UnknownState, false
}

// command sends one command, reads the reply and re-synchronizes the cached
// state from its status token.
func (p *Pump) command(cmd string, maxBytes int) (string, error) {
	resp, err := p.session.Command(p.addr, cmd, maxBytes)
	if err != nil {
		return "", err
	}

	if err := p.interpret(resp); err != nil {
		return "", err
	}

	return resp, nil
}

// Name returns the human-readable pump name.
func (p *Pump) Name() string { return p.name }

// Address returns the zero-padded two-digit address.
func (p *Pump) Address() string { return p.addr }

// State returns the current pump state.
func (p *Pump) State() pump.State { return p.stateMgr.State() }

// WaitIdle blocks until the pump returns to the idle state or the context
// is canceled.
func (p *Pump) WaitIdle(ctx context.Context) error {
	return p.stateMgr.WaitState(ctx, pump.IdleState)
}

func (p *Pump) guardIdle(op string) bool {
	state := p.stateMgr.State()
	if state.IsMoving() {
		p.logger.Info("pump busy, command skipped", "op", op, "state", state.String())
		return false
	}

	return true
}

// SetDiameter sets the syringe diameter in mm.
func (p *Pump) SetDiameter(diameter float64) error {
	if !p.guardIdle("set diameter") {
		return nil
	}

	_, err := p.command("MMD"+strconv.FormatFloat(diameter, 'f', -1, 64), replyBytes)
	if err != nil {
		return err
	}

	p.logger.Info("diameter set", "diameter_mm", diameter)

	return nil
}

// SetRate sets the flow rate. The unit must be one of the codes "m/m",
// "u/m", "m/h" or "u/h"; the firmware has a dedicated command per unit.
func (p *Pump) SetRate(rate float64, unit string) error {
	if !p.guardIdle("set rate") {
		return nil
	}

	cmd, ok := rateCommands[unit]
	if !ok {
		return fmt.Errorf("%w: %q", units.ErrUnknownUnit, unit)
	}

	_, err := p.command(cmd+fmt.Sprintf("%4.4f", rate), replyBytes)
	if err != nil {
		return err
	}

	p.logger.Info("flow rate set", "rate", rate, "unit", unit)

	return nil
}

// SetTargetVolume sets the target volume after which a run stops by itself.
// The firmware only accepts millilitres, so the unit must be "m".
func (p *Pump) SetTargetVolume(volume float64, unit string) error {
	if !p.guardIdle("set target volume") {
		return nil
	}

	if unit != "m" {
		return fmt.Errorf("%w: target volume unit %q, only \"m\" supported", units.ErrUnknownUnit, unit)
	}

	_, err := p.command("MLT"+strconv.FormatFloat(volume, 'f', -1, 64), replyBytes)
	if err != nil {
		return err
	}

	p.logger.Info("target volume set", "volume_ml", volume)

	return nil
}

// Infuse starts the pump running forwards.
//
// RUN obeys the direction currently set on the pump, so if the reply
// reports withdrawing, the direction is reversed and the run restarted.
func (p *Pump) Infuse() error {
	if !p.guardIdle("infuse") {
		return nil
	}

	if err := p.runMotor("RUN"); err != nil {
		return err
	}

	if p.stateMgr.State() == pump.WithdrawingState {
		if err := p.haltMotor(); err != nil {
			return err
		}
		if err := p.runMotor("REV"); err != nil {
			return err
		}
	}

	p.stateMgr.Set(pump.InfusingState)
	p.startPoller()

	p.logger.Info("run started", "direction", "infuse")

	return nil
}

// Withdraw starts the pump running backwards, mirroring Infuse.
func (p *Pump) Withdraw() error {
	if !p.guardIdle("withdraw") {
		return nil
	}

	if err := p.runMotor("REV"); err != nil {
		return err
	}

	if p.stateMgr.State() == pump.InfusingState {
		if err := p.haltMotor(); err != nil {
			return err
		}
		if err := p.runMotor("RUN"); err != nil {
			return err
		}
	}

	p.stateMgr.Set(pump.WithdrawingState)
	p.startPoller()

	p.logger.Info("run started", "direction", "withdraw")

	return nil
}

// Stop halts the pump, waits for the motor to settle and verifies that it
// actually stopped. A pump still moving after the settle delay reports
// ErrNotStopped.
func (p *Pump) Stop() error {
	if err := p.haltMotor(); err != nil {
		return err
	}

	t := pool.GetTimer(settleDelay)
	<-t.C
	pool.PutTimer(t)

	if p.stateMgr.State().IsMoving() {
		return fmt.Errorf("%w: still %s after stop", pump.ErrNotStopped, p.stateMgr.State().String())
	}

	p.stopPoller()
	p.logger.Info("pump stopped")

	return nil
}

func (p *Pump) runMotor(cmd string) error {
	_, err := p.command(cmd, replyBytes)
	return err
}

func (p *Pump) haltMotor() error {
	_, err := p.command("STP", replyBytes)
	return err
}

// ClearVolume resets the accumulated volume counter.
func (p *Pump) ClearVolume() error {
	_, err := p.command("CLV", replyBytes)
	return err
}

// ClearTargetVolume clears the target volume so runs are unbounded.
func (p *Pump) ClearTargetVolume() error {
	_, err := p.command("CLT", replyBytes)
	return err
}

// Diameter queries the syringe diameter stored on the device.
func (p *Pump) Diameter() (pump.Quantity, error) {
	resp, err := p.command("DIA", replyBytes)
	if err != nil {
		return pump.Quantity{}, err
	}

	return scanNumber(resp, "mm", "diameter")
}

// Rate queries the current flow rate. The unit comes from a separate range
// query, since the rate reply itself carries no unit.
func (p *Pump) Rate() (pump.Quantity, error) {
	resp, err := p.command("RAT", rateReplyBytes)
	if err != nil {
		return pump.Quantity{}, err
	}

	valueStr, ok := ascii.ScanNumber(resp)
	if !ok {
		return pump.Quantity{}, fmt.Errorf("%w: flow rate missing in reply %q", pump.ErrNotFound, resp)
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return pump.Quantity{}, fmt.Errorf("%w: flow rate missing in reply %q", pump.ErrNotFound, resp)
	}

	resp, err = p.command("RNG", replyBytes)
	if err != nil {
		return pump.Quantity{}, err
	}
	if len(resp) < 4 {
		return pump.Quantity{}, fmt.Errorf("%w: short range reply %q", pump.ErrProtocolViolation, resp)
	}

	return pump.Quantity{Value: value, Unit: strings.TrimSpace(resp[:4])}, nil
}

// InfusedVolume queries the accumulated volume. The firmware reports it in
// ml.
func (p *Pump) InfusedVolume() (pump.Quantity, error) {
	resp, err := p.command("VOL", replyBytes)
	if err != nil {
		return pump.Quantity{}, err
	}

	return scanNumber(resp, "ml", "accumulated volume")
}

// TargetVolume queries the configured target volume in ml.
func (p *Pump) TargetVolume() (pump.Quantity, error) {
	resp, err := p.command("TAR", replyBytes)
	if err != nil {
		return pump.Quantity{}, err
	}

	return scanNumber(resp, "ml", "target volume")
}

// Close stops the completion poller and closes the serial session.
func (p *Pump) Close() error {
	p.taskMgr.Stop()
	p.taskMgr.Wait()

	return p.session.Close()
}

func (p *Pump) startPoller() {
	name := "poll-" + p.addr
	_, err := p.taskMgr.StartInterval(name, p.pollOnce, p.session.PollInterval(), false)
	if err != nil {
		p.logger.Error("failed to start completion poller", "error", err)
	}
}

func (p *Pump) stopPoller() {
	// the poller may already have exited on its own
	_ = p.taskMgr.StopInterval("poll-" + p.addr)
}

// pollOnce performs one completion poll; returning false ends the interval
// task. The firmware sends a bare "*" report when a timed run completes.
func (p *Pump) pollOnce() bool {
	if !p.stateMgr.State().IsMoving() {
		return false
	}

	resp, err := p.session.Poll(pollReplyBytes)
	if err != nil {
		p.logger.Error("completion poll failed", "error", err)
		return false
	}

	if strings.Contains(resp, "*") {
		p.stateMgr.ToIdle()
		p.logger.Info("run finished")
		return false
	}

	return true
}

func scanNumber(resp string, unit string, what string) (pump.Quantity, error) {
	valueStr, ok := ascii.ScanNumber(resp)
	if !ok {
		return pump.Quantity{}, fmt.Errorf("%w: %s missing in reply %q", pump.ErrNotFound, what, resp)
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return pump.Quantity{}, fmt.Errorf("%w: %s missing in reply %q", pump.ErrNotFound, what, resp)
	}

	return pump.Quantity{Value: value, Unit: unit}, nil
}
