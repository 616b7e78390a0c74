// Package phd implements the driver for the Harvard PHD 2000 syringe pump.
//
// The PHD 2000 speaks a terse fixed-command dialect: uppercase three-letter
// commands with the argument appended directly (e.g. "ULM5.0000" sets the
// rate to 5 ul/min), and every reply ends with a status token:
//
//	:  idle
//	>  infusing
//	<  withdrawing
//	*  stalled
//
// The driver re-synchronizes its cached motion state from that trailing
// token on every exchange instead of running a separate verify cycle.
//
// Outgoing frames carry the same zero-padded two-digit address prefix as
// the chained dialect ("00" for the default address), which the PHD 2000
// tolerates on a point-to-point link.
//
// RUN obeys the direction switch on the pump itself, so Infuse and Withdraw
// check the reported direction after starting and reverse the motor when it
// comes up running the wrong way.
//
// A timed run ends with an asynchronous "*" report; a background poller
// watches for it and returns the pump to idle, which unblocks WaitIdle.
package phd
