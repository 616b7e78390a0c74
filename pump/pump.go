package pump

import (
	"context"
)

// Quantity is a magnitude paired with the unit string the device reported
// it in, e.g. {12.5, "ul"} or {4.7, "ul/min"}.
type Quantity struct {
	Value float64
	Unit  string
}

// Controller is the capability set shared by both protocol variants.
//
// Implementations own their device state; a sent value is never trusted
// until the device has echoed it back, so accessors for configured values
// report "unset" until a set operation was confirmed.
//
// Mutating operations are guarded: while the device is moving they are
// no-ops that report "busy" through the informational log channel instead
// of failing. Stop is the exception and works from any state.
type Controller interface {
	// Name returns the human-readable device name used in diagnostics.
	Name() string

	// State returns the current motion state.
	State() State

	// SetDiameter sets the syringe diameter in millimetres.
	SetDiameter(diameter float64) error

	// SetRate sets the infusion flow rate. The unit is a compact device
	// code such as "u/m" ([m,u,p] volume over [h,m,s] time).
	SetRate(rate float64, unit string) error

	// SetTargetVolume sets the volume after which a run stops by itself.
	SetTargetVolume(volume float64, unit string) error

	// Infuse starts running forwards and spawns the completion poller.
	Infuse() error

	// Withdraw starts running backwards and spawns the completion poller.
	Withdraw() error

	// Stop halts the device immediately, from any state, and cancels the
	// completion poller.
	Stop() error

	// WaitIdle blocks until the device returns to idle or ctx is done.
	WaitIdle(ctx context.Context) error

	// InfusedVolume queries the volume dispensed so far.
	InfusedVolume() (Quantity, error)

	// TargetVolume queries the configured target volume.
	TargetVolume() (Quantity, error)
}
