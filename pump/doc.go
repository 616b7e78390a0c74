// Package pump defines the shared contract for syringe-pump protocol
// drivers: the motion state machine, the error taxonomy, the supervised
// task manager used by background completion pollers, and the Controller
// capability set that every protocol variant implements.
//
// # Protocol Overview
//
// Syringe pumps are driven over a shared serial bus with a strictly
// half-duplex, request/response ASCII protocol. Nearly every reply embeds a
// single status token describing the device's motion state:
//
//   - ':': idle
//   - '>': infusing (running forwards)
//   - '<': withdrawing (running backwards)
//   - '*': stalled (single-unit firmware only)
//
// Any other status character is a protocol violation.
//
// Two grammar variants exist and are implemented in sibling packages:
//
//   - [github.com/arloliu/go-pump/chain]: multiple pumps daisy-chained on
//     one bus, each frame prefixed with a 2-digit device address; set
//     commands are verified by reading the value back.
//   - [github.com/arloliu/go-pump/phd]: a single-unit firmware with bare
//     3-letter mnemonics and the status token as the last reply character.
//
// # Run Completion
//
// A running pump does not proactively report completion and refuses other
// commands mid-run. Drivers therefore spawn a background poller per moving
// device that repeatedly reads from the bus until the variant's completion
// marker appears, then transitions the device back to idle. Pollers are
// supervised by a [TaskManager] so that a stop command or driver teardown
// can cancel and join them.
package pump
