// Package chain implements the driver for daisy-chained syringe pumps
// sharing one RS-485 serial bus.
//
// # Addressing
//
// Every command is prefixed with the target pump's zero-padded two-digit
// address and terminated by a carriage return. Replies echo the address
// followed by a status token:
//
//	:  idle
//	>  infusing
//	<  withdrawing
//
// The stalled token "*" belongs to the PHD 2000 dialect; a chained pump
// reporting it is rejected as an unknown status token.
//
// A Bus owns the shared serial.Session and the set of registered pumps.
// AddPump probes the device with a version query before registering it;
// a failed probe closes the session, since an unresponsive or misaddressed
// device leaves the bus in an unknown framing state.
//
// # Set-then-verify
//
// Settable quantities (diameter, flow rates, target volume, syringe volume)
// are written and then immediately read back. Only an exactly matching
// readback populates the pump's cached value; a mismatch is logged as a
// warning and the cache stays unset.
//
// # Run completion
//
// Infuse and Withdraw transition the pump to a moving state and start a
// background poller that watches the bus for the asynchronous "T*" report
// the firmware emits when a timed run completes. WaitIdle can be used to
// block until that happens.
package chain
