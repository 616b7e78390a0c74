package chain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/arloliu/go-pump/internal/ascii"
	"github.com/arloliu/go-pump/logger"
	"github.com/arloliu/go-pump/pump"
	"github.com/arloliu/go-pump/serial"
	"github.com/arloliu/go-pump/units"
)

// Reply-size budgets per command, sized from the firmware's worst-case reply
// lengths.
const (
	verReplyBytes      = 17
	confirmReplyBytes  = 7
	diameterSetReply   = 80
	diameterQueryReply = 45
	rateSetReply       = 17
	rateQueryReply     = 150
	svolumeSetReply    = 10
	svolumeQueryReply  = 60
	volumeReplyBytes   = 55
	runReplyBytes      = 55
	wrunReplyBytes     = 85
	stopReplyBytes     = 5
	pollReplyBytes     = 5
)

// runFinishedMarker appears in the asynchronous report a pump emits when a
// timed run completes.
const runFinishedMarker = "T*"

// Minimum and maximum syringe diameter accepted by the firmware, in mm.
const (
	minDiameter = 0.1
	maxDiameter = 35.0
)

// Pump is a single syringe pump on a daisy-chained bus.
//
// All commands share the bus session; each command holds the bus for one
// complete request/response cycle. Mutating commands are ignored with an
// informational log entry while the pump is moving, so a running protocol is
// never disturbed by late configuration.
type Pump struct {
	name     string
	addr     string
	session  *serial.Session
	logger   logger.Logger
	stateMgr *pump.StateMgr
	taskMgr  *pump.TaskManager

	// Confirmed device-side values, populated only after a successful
	// set-then-verify cycle.
	mu            sync.Mutex
	diameter      float64
	diameterSet   bool
	flowRate      pump.Quantity
	flowRateSet   bool
	withdrawRate  pump.Quantity
	wdrawRateSet  bool
	targetVol     pump.Quantity
	targetVolSet  bool
	syringeVol    pump.Quantity
	syringeVolSet bool
}

var _ pump.Controller = (*Pump)(nil)

func newPump(ctx context.Context, session *serial.Session, addr string, name string) (*Pump, error) {
	log := session.Logger().With("pump", name)
	p := &Pump{
		name:     name,
		addr:     addr,
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

	return p, nil
}

// probe queries the firmware version and checks that the reply comes from
// the expected address with a parsable status token.
func (p *Pump) probe() error {
	resp, err := p.session.Command(p.addr, "ver", verReplyBytes)
	if err != nil {
		return err
	}

	if len(resp) < 3 {
		return fmt.Errorf("%w: short probe reply %q", pump.ErrConnectFailed, resp)
	}

	addr, err := strconv.Atoi(resp[0:2])
	if err != nil || fmt.Sprintf("%02d", addr) != p.addr {
		return fmt.Errorf("%w: probe reply from address %q, want %s", pump.ErrConnectFailed, resp[0:2], p.addr)
	}

	state, ok := tokenState(resp[2])
	if !ok {
		return fmt.Errorf("%w: unknown status token %q in probe reply", pump.ErrConnectFailed, resp[2])
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
	}

	return pump.UnknownState, false
}

// Name returns the human-readable pump name.
func (p *Pump) Name() string { return p.name }

// Address returns the zero-padded two-digit chain address.
func (p *Pump) Address() string { return p.addr }

// State returns the current pump state.
func (p *Pump) State() pump.State { return p.stateMgr.State() }

// WaitIdle blocks until the pump returns to the idle state or the context is
// canceled.
func (p *Pump) WaitIdle(ctx context.Context) error {
	return p.stateMgr.WaitState(ctx, pump.IdleState)
}

// guardIdle reports whether a mutating command may proceed. While the pump
// is moving the command is skipped and logged at info level.
func (p *Pump) guardIdle(op string) bool {
	state := p.stateMgr.State()
	if state.IsIdle() || state == pump.UnknownState {
		return true
	}

	p.logger.Info("pump busy, command skipped", "op", op, "state", state.String())

	return false
}

// SetDiameter sets the syringe diameter in mm and verifies the value the
// firmware actually stored.
//
// Out-of-range diameters are rejected locally before any bytes reach the
// bus. A verify mismatch is logged as a warning and the cached diameter
// stays unset.
func (p *Pump) SetDiameter(diameter float64) error {
	if !p.guardIdle("set diameter") {
		return nil
	}

	if diameter < minDiameter || diameter > maxDiameter {
		return fmt.Errorf("%w: diameter %.2f mm outside %.1f-%.1f mm", pump.ErrOutOfRange, diameter, minDiameter, maxDiameter)
	}

	sent := fmt.Sprintf("%.2f", diameter)

	resp, err := p.session.Command(p.addr, "diameter "+sent, diameterSetReply)
	if err != nil {
		return err
	}

	last := lastLine(resp)
	if len(last) < 3 {
		return fmt.Errorf("%w: short diameter reply %q", pump.ErrProtocolViolation, resp)
	}
	if _, ok := tokenState(last[2]); !ok {
		return fmt.Errorf("%w: no status token in diameter reply %q", pump.ErrProtocolViolation, resp)
	}

	resp, err = p.session.Command(p.addr, "diameter", diameterQueryReply)
	if err != nil {
		return err
	}
	if len(resp) < 9 {
		return fmt.Errorf("%w: diameter missing in reply %q", pump.ErrNotFound, resp)
	}

	returned := ascii.TrimNumeric(resp[3:9])
	value, err := strconv.ParseFloat(returned, 64)
	if err != nil {
		return fmt.Errorf("%w: diameter missing in reply %q", pump.ErrNotFound, resp)
	}

	if value != diameter {
		p.logger.Warn("set diameter does not match device value", "sent", diameter, "returned", value)
		return nil
	}

	p.mu.Lock()
	p.diameter = value
	p.diameterSet = true
	p.mu.Unlock()

	p.logger.Info("diameter set", "diameter_mm", value)

	return nil
}

// SetRate sets the infusion flow rate. The unit is a compact rate code such
// as "u/m" for ul/min.
func (p *Pump) SetRate(rate float64, unit string) error {
	return p.setRate("irate", rate, unit)
}

// SetWithdrawRate sets the withdrawal flow rate using the same unit codes as
// SetRate.
func (p *Pump) SetWithdrawRate(rate float64, unit string) error {
	return p.setRate("wrate", rate, unit)
}

func (p *Pump) setRate(cmd string, rate float64, unit string) error {
	if !p.guardIdle(cmd) {
		return nil
	}

	requestedUnit, err := units.CodeToUnit(unit)
	if err != nil {
		return err
	}

	sent := strconv.FormatFloat(rate, 'f', -1, 64)

	resp, err := p.session.Command(p.addr, cmd+" "+sent+" "+unit, rateSetReply)
	if err != nil {
		return err
	}
	if !strings.ContainsAny(resp, ":<>") {
		return fmt.Errorf("%w: no status token in %s reply %q", pump.ErrProtocolViolation, cmd, resp)
	}

	resp, err = p.session.Command(p.addr, cmd, rateQueryReply)
	if err != nil {
		return err
	}
	if strings.Contains(resp, "error") {
		return fmt.Errorf("%w: %s %s %s rejected by device", pump.ErrOutOfRange, cmd, sent, unit)
	}

	// irate verification compares only the volume part of the echoed unit,
	// wrate compares the full rate unit.
	var valueStr, unitStr string
	var ok bool
	if cmd == "wrate" {
		valueStr, unitStr, ok = ascii.ScanRate(resp)
	} else {
		valueStr, unitStr, ok = ascii.ScanQuantity(resp)
	}
	if !ok {
		return fmt.Errorf("%w: flow rate missing in reply %q", pump.ErrNotFound, resp)
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return fmt.Errorf("%w: flow rate missing in reply %q", pump.ErrNotFound, resp)
	}

	converted := units.Convert(value, unitStr, requestedUnit)
	if converted != rate {
		p.logger.Warn("set flow rate does not match device value",
			"cmd", cmd, "sent", rate, "returned", converted, "unit", requestedUnit)
		return nil
	}

	quantity := pump.Quantity{Value: converted, Unit: requestedUnit}

	p.mu.Lock()
	if cmd == "wrate" {
		p.withdrawRate = quantity
		p.wdrawRateSet = true
	} else {
		p.flowRate = quantity
		p.flowRateSet = true
	}
	p.mu.Unlock()

	p.logger.Info("flow rate set", "cmd", cmd, "rate", converted, "unit", requestedUnit)

	return nil
}

// SetTargetVolume sets the target volume for a timed run. The unit is a
// single volume code, one of "m", "u" or "p".
func (p *Pump) SetTargetVolume(volume float64, unit string) error {
	if !p.guardIdle("set target volume") {
		return nil
	}

	requestedUnit, err := units.CodeToUnit(unit + "/m")
	if err != nil {
		return err
	}

	sent := strconv.FormatFloat(volume, 'f', -1, 64)

	resp, err := p.session.Command(p.addr, "tvolume "+sent+" "+unit, confirmReplyBytes)
	if err != nil {
		return err
	}
	if !strings.ContainsAny(resp, ":<>") {
		return fmt.Errorf("%w: no status token in tvolume reply %q", pump.ErrProtocolViolation, resp)
	}

	resp, err = p.session.Command(p.addr, "tvolume", rateQueryReply)
	if err != nil {
		return err
	}
	if strings.Contains(resp, "Target volume not set") {
		return fmt.Errorf("%w: target volume", pump.ErrNotSet)
	}

	valueStr, unitStr, ok := ascii.ScanQuantity(resp)
	if !ok {
		return fmt.Errorf("%w: target volume missing in reply %q", pump.ErrNotFound, resp)
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return fmt.Errorf("%w: target volume missing in reply %q", pump.ErrNotFound, resp)
	}

	converted := units.Convert(value, unitStr+"/min", requestedUnit)
	if converted != volume {
		p.logger.Warn("set target volume does not match device value", "sent", volume, "returned", converted)
		return nil
	}

	p.mu.Lock()
	p.targetVol = pump.Quantity{Value: converted, Unit: unit + "l"}
	p.targetVolSet = true
	p.mu.Unlock()

	p.logger.Info("target volume set", "volume", converted, "unit", unit+"l")

	return nil
}

// SetSyringeVolume declares the syringe capacity in ul.
func (p *Pump) SetSyringeVolume(volume float64) error {
	if !p.guardIdle("set syringe volume") {
		return nil
	}

	sent := strconv.FormatFloat(volume, 'f', -1, 64)

	resp, err := p.session.Command(p.addr, "svolume "+sent+" Ul", svolumeSetReply)
	if err != nil {
		return err
	}
	if !strings.ContainsAny(resp, ":<>") {
		return fmt.Errorf("%w: no status token in svolume reply %q", pump.ErrProtocolViolation, resp)
	}

	quantity, err := p.SyringeVolume()
	if err != nil {
		return err
	}

	if quantity.Value != volume {
		p.logger.Warn("set syringe volume does not match device value", "sent", volume, "returned", quantity.Value)
		return nil
	}

	p.mu.Lock()
	p.syringeVol = quantity
	p.syringeVolSet = true
	p.mu.Unlock()

	p.logger.Info("syringe volume set", "volume", quantity.Value, "unit", quantity.Unit)

	return nil
}

// Infuse starts an infusion run. If the pump is not idle the command is
// skipped with an informational log entry.
//
// On success the pump transitions to the infusing state and a background
// poller watches the bus for the run-finished report.
func (p *Pump) Infuse() error {
	return p.run("irun", runReplyBytes, pump.InfusingState)
}

// Withdraw starts a withdrawal run, mirroring Infuse.
func (p *Pump) Withdraw() error {
	return p.run("wrun", wrunReplyBytes, pump.WithdrawingState)
}

func (p *Pump) run(cmd string, maxBytes int, target pump.State) error {
	if !p.guardIdle(cmd) {
		return nil
	}

	resp, err := p.session.Command(p.addr, cmd, maxBytes)
	if err != nil {
		return err
	}

	if strings.Contains(resp, "Command error") {
		return fmt.Errorf("%w: %s: %s", pump.ErrCommandRejected, cmd, rejectDetail(resp))
	}

	if target == pump.WithdrawingState {
		p.stateMgr.ToWithdrawing()
	} else {
		p.stateMgr.ToInfusing()
	}
	p.startPoller()

	p.logger.Info("run started", "cmd", cmd)

	return nil
}

// Stop halts the pump immediately.
//
// The reply must echo the pump address followed by the idle token; anything
// else indicates a framing problem on the bus.
func (p *Pump) Stop() error {
	resp, err := p.session.Command(p.addr, "stop", stopReplyBytes)
	if err != nil {
		return err
	}

	if !strings.HasPrefix(resp, p.addr+":") {
		return fmt.Errorf("%w: unexpected stop reply %q", pump.ErrProtocolViolation, resp)
	}

	p.stateMgr.ToIdle()
	p.stopPoller()

	p.logger.Info("pump stopped")

	return nil
}

// TargetVolume queries the target volume stored on the device.
func (p *Pump) TargetVolume() (pump.Quantity, error) {
	resp, err := p.session.Command(p.addr, "tvolume", rateQueryReply)
	if err != nil {
		return pump.Quantity{}, err
	}
	if strings.Contains(resp, "Target volume not set") {
		return pump.Quantity{}, fmt.Errorf("%w: target volume", pump.ErrNotSet)
	}

	return scanVolume(resp, "target volume")
}

// SyringeVolume queries the syringe capacity stored on the device.
func (p *Pump) SyringeVolume() (pump.Quantity, error) {
	resp, err := p.session.Command(p.addr, "svolume", svolumeQueryReply)
	if err != nil {
		return pump.Quantity{}, err
	}

	return scanVolume(resp, "syringe volume")
}

// InfusedVolume queries the volume infused since the counter was last
// cleared.
func (p *Pump) InfusedVolume() (pump.Quantity, error) {
	resp, err := p.session.Command(p.addr, "ivolume", volumeReplyBytes)
	if err != nil {
		return pump.Quantity{}, err
	}

	return scanVolume(resp, "infused volume")
}

// WithdrawnVolume queries the volume withdrawn since the counter was last
// cleared.
func (p *Pump) WithdrawnVolume() (pump.Quantity, error) {
	resp, err := p.session.Command(p.addr, "wvolume", volumeReplyBytes)
	if err != nil {
		return pump.Quantity{}, err
	}

	return scanVolume(resp, "withdrawn volume")
}

// ClearInfusedVolume resets the infused-volume counter.
func (p *Pump) ClearInfusedVolume() error {
	_, err := p.session.Command(p.addr, "civolume", confirmReplyBytes)
	return err
}

// ClearWithdrawnVolume resets the withdrawn-volume counter.
func (p *Pump) ClearWithdrawnVolume() error {
	_, err := p.session.Command(p.addr, "cwvolume", confirmReplyBytes)
	return err
}

// ClearTargetVolume clears the target volume so subsequent runs are
// unbounded.
func (p *Pump) ClearTargetVolume() error {
	_, err := p.session.Command(p.addr, "ctvolume", confirmReplyBytes)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.targetVolSet = false
	p.mu.Unlock()

	return nil
}

// ClearVolumes resets both directional volume counters.
func (p *Pump) ClearVolumes() error {
	if err := p.ClearInfusedVolume(); err != nil {
		return err
	}

	return p.ClearWithdrawnVolume()
}

// Diameter returns the last verified syringe diameter in mm.
func (p *Pump) Diameter() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.diameter, p.diameterSet
}

// FlowRate returns the last verified infusion rate.
func (p *Pump) FlowRate() (pump.Quantity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.flowRate, p.flowRateSet
}

// WithdrawRate returns the last verified withdrawal rate.
func (p *Pump) WithdrawRate() (pump.Quantity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.withdrawRate, p.wdrawRateSet
}

// CachedTargetVolume returns the last verified target volume without
// touching the bus.
func (p *Pump) CachedTargetVolume() (pump.Quantity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.targetVol, p.targetVolSet
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
// task.
func (p *Pump) pollOnce() bool {
	if !p.stateMgr.State().IsMoving() {
		return false
	}

	resp, err := p.session.Poll(pollReplyBytes)
	if err != nil {
		p.logger.Error("completion poll failed", "error", err)
		return false
	}

	if strings.Contains(resp, runFinishedMarker) {
		p.stateMgr.ToIdle()
		p.logger.Info("run finished")
		return false
	}

	return true
}

func (p *Pump) shutdown() {
	p.taskMgr.Stop()
	p.taskMgr.Wait()
}

func scanVolume(resp string, what string) (pump.Quantity, error) {
	valueStr, unit, ok := ascii.ScanQuantity(resp)
	if !ok {
		return pump.Quantity{}, fmt.Errorf("%w: %s missing in reply %q", pump.ErrNotFound, what, resp)
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return pump.Quantity{}, fmt.Errorf("%w: %s missing in reply %q", pump.ErrNotFound, what, resp)
	}

	return pump.Quantity{Value: value, Unit: unit}, nil
}

// lastLine returns the last non-empty carriage-return separated line.
func lastLine(resp string) string {
	parts := strings.Split(resp, "\r")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}

	return ""
}

func rejectDetail(resp string) string {
	for _, line := range strings.Split(resp, "\r") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.Contains(line, "Command error") && !strings.ContainsAny(line, ":<>*") {
			return line
		}
	}

	return strings.TrimSpace(resp)
}
