package pump

import "errors"

var (
	// ErrConnectFailed indicates that a device did not answer its probe with
	// a matching address or a recognized status token. This is fatal for the
	// bus session; the shared transport is closed as a result.
	ErrConnectFailed = errors.New("pump: no valid response from device at probe")

	// ErrOutOfRange indicates a value outside the device-accepted bounds
	// (diameter, rate or volume). The caller may retry with a corrected value.
	ErrOutOfRange = errors.New("pump: value out of device range")

	// ErrCommandRejected indicates the device explicitly reported a command
	// error. The wrapped message carries the device's error detail line.
	ErrCommandRejected = errors.New("pump: command rejected by device")

	// ErrProtocolViolation indicates a reply that does not contain an
	// expected status token or does not match the expected reply grammar.
	// Fatal for the operation, not for the session.
	ErrProtocolViolation = errors.New("pump: reply does not match protocol grammar")

	// ErrUnknownState indicates an unrecognized status character in a reply.
	ErrUnknownState = errors.New("pump: unknown device state character")

	// ErrNotFound indicates a queried quantity was absent from the reply.
	ErrNotFound = errors.New("pump: quantity not found in reply")

	// ErrNotSet indicates the device reports the queried quantity was never
	// configured.
	ErrNotSet = errors.New("pump: quantity not set on device")

	// ErrNotStopped indicates the device is still moving after a stop
	// command was acknowledged.
	ErrNotStopped = errors.New("pump: device did not stop")
)
