package pump

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-pump/logger"
)

// State represents the motion state of a pump device.
type State uint32

// Pump states as reported by the device status token.
const (
	// UnknownState indicates the device has not been probed yet or its last
	// reply carried no status information.
	UnknownState State = iota
	// IdleState indicates the device is stopped and accepting commands.
	IdleState
	// InfusingState indicates the device is running forwards. It will not
	// accept new commands until it stops.
	InfusingState
	// WithdrawingState indicates the device is running backwards.
	WithdrawingState
	// StalledState indicates the device stalled mid-run (single-unit
	// firmware only).
	StalledState
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case IdleState:
		return "idle"
	case InfusingState:
		return "infusing"
	case WithdrawingState:
		return "withdrawing"
	case StalledState:
		return "stalled"
	default:
		return "unknown"
	}
}

// IsIdle returns if the state is IdleState.
func (s State) IsIdle() bool { return s == IdleState }

// IsMoving returns if the device is running in either direction.
func (s State) IsMoving() bool { return s == InfusingState || s == WithdrawingState }

// StateChangeHandler is invoked when a device's motion state changes.
//
// Note: handlers run synchronously inside the transition; take care with
// long-running implementations.
type StateChangeHandler func(prevState State, newState State)

// StateMgr manages the motion state of one pump device.
//
// It provides thread-safe transitions, change notification, and the ability
// to wait for a desired state. The run transitions are deliberately
// restrictive: a pump only starts moving from IdleState, reflecting that the
// device refuses run commands while busy.
type StateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	handlers []StateChangeHandler
}

// NewStateMgr creates a StateMgr initialized to UnknownState.
//
// It accepts optional StateChangeHandler functions invoked on every state
// change.
func NewStateMgr(l logger.Logger, handlers ...StateChangeHandler) *StateMgr {
	mgr := &StateMgr{
		logger:   l,
		handlers: append([]StateChangeHandler{}, handlers...),
	}
	if mgr.logger == nil {
		mgr.logger = logger.GetLogger()
	}

	mgr.state.Store(uint32(UnknownState))
	mgr.cond = sync.NewCond(&mgr.mu)

	return mgr
}

// State returns the current motion state.
func (mgr *StateMgr) State() State {
	return State(mgr.state.Load())
}

// AddHandler adds one or more StateChangeHandler functions.
func (mgr *StateMgr) AddHandler(handlers ...StateChangeHandler) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.handlers = append(mgr.handlers, handlers...)
}

// Set forces the state to the given value regardless of the current state.
// It is intended for probe results, where the device reports its state
// directly and no transition rule applies.
func (mgr *StateMgr) Set(state State) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	cur := mgr.State()
	if cur == state {
		return
	}

	mgr.setState(state)
	mgr.invokeHandlers(cur, state)
}

// ToIdle transitions to IdleState. Allowed from any state: a stop command
// works regardless of what the device was doing.
func (mgr *StateMgr) ToIdle() {
	mgr.Set(IdleState)
}

// ToInfusing transitions to InfusingState.
//
// Only allowed from IdleState; returns false when the device is not idle,
// matching the device's own refusal to accept run commands while busy.
func (mgr *StateMgr) ToInfusing() bool {
	return mgr.toMoving(InfusingState)
}

// ToWithdrawing transitions to WithdrawingState. Only allowed from IdleState.
func (mgr *StateMgr) ToWithdrawing() bool {
	return mgr.toMoving(WithdrawingState)
}

// ToStalled transitions to StalledState. Only allowed from a moving state.
func (mgr *StateMgr) ToStalled() bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	cur := mgr.State()
	if !cur.IsMoving() {
		return false
	}

	mgr.setState(StalledState)
	mgr.invokeHandlers(cur, StalledState)

	return true
}

// WaitState waits for the state to reach the desired value or until the
// context is done. It returns nil if the desired state is reached, or the
// context error otherwise.
func (mgr *StateMgr) WaitState(ctx context.Context, state State) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		mgr.cond.Broadcast()
	})
	defer stopFunc()

	for mgr.State() != state {
		select {
		case <-ctx.Done():
			mgr.logger.Debug("wait state canceled", "cur_state", mgr.State(), "desired_state", state)
			return ctx.Err()
		default:
			mgr.cond.Wait()
		}
	}

	return nil
}

func (mgr *StateMgr) toMoving(state State) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	cur := mgr.State()
	if !cur.IsIdle() {
		return false
	}

	mgr.setState(state)
	mgr.invokeHandlers(cur, state)

	return true
}

// setState atomically sets the current state and wakes any waiters.
func (mgr *StateMgr) setState(state State) {
	mgr.state.Store(uint32(state))
	mgr.cond.Broadcast()
}

func (mgr *StateMgr) invokeHandlers(prevState State, newState State) {
	for _, handler := range mgr.handlers {
		if handler != nil {
			handler(prevState, newState)
		}
	}
}
