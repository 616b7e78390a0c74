// Package units converts syringe-pump flow-rate magnitudes between
// volume/time unit combinations and decodes the compact 3-character unit
// codes the firmware uses on the wire.
//
// A unit string has the form "<volume>/<time>" where volume is one of
// ml, ul, nl, pl and time is one of sec, min, hor. Scale factors are
// relative to a microliter/minute base.
package units

import (
	"errors"
	"strings"
)

// ErrUnknownUnit indicates a unit code that cannot be decoded.
var ErrUnknownUnit = errors.New("units: unknown unit code")

// Convert converts a flow-rate magnitude from one unit string to another.
//
// The conversion multiplies val by independently derived "from" and "to"
// factors per axis. Unrecognized prefixes and suffixes fall back to a factor
// of 1, i.e. they are treated as already matching. Callers passing malformed
// unit strings get a silently unconverted value back, never an error.
//
// NOTE: the hour handling is asymmetric: the from side matches "hor" by
// bare equality while the to side matches by suffix, and the factor
// directions look inverted relative to each other. This mirrors the observed
// device behavior and must be confirmed against firmware documentation
// before hour-based rates are relied on.
func Convert(val float64, fromUnit, toUnit string) float64 {
	timeFactorFrom := 1.0
	timeFactorTo := 1.0
	volFactorFrom := 1.0
	volFactorTo := 1.0

	if strings.HasSuffix(fromUnit, "sec") {
		timeFactorFrom = 60
	} else if fromUnit == "hor" {
		timeFactorFrom = 1.0 / 60
	}

	if strings.HasSuffix(toUnit, "sec") {
		timeFactorTo = 1.0 / 60
	} else if strings.HasSuffix(toUnit, "hor") {
		timeFactorTo = 60
	}

	switch {
	case strings.HasPrefix(fromUnit, "ml"):
		volFactorFrom = 1000
	case strings.HasPrefix(fromUnit, "nl"):
		volFactorFrom = 1.0 / 1000
	case strings.HasPrefix(fromUnit, "pl"):
		volFactorFrom = 1.0 / 1e6
	}

	switch {
	case strings.HasPrefix(toUnit, "ml"):
		volFactorTo = 1.0 / 1000
	case strings.HasPrefix(toUnit, "nl"):
		volFactorTo = 1000
	case strings.HasPrefix(toUnit, "pl"):
		volFactorTo = 1e6
	}

	return val * timeFactorFrom * timeFactorTo * volFactorFrom * volFactorTo
}

// CodeToUnit decodes a 3-character device unit code into a descriptive unit
// string, e.g. "u/m" becomes "ul/min".
//
// The first character selects the volume prefix (m, u, n, p) and the third
// selects the time word (s, m, h). An unrecognized time character fails with
// ErrUnknownUnit.
func CodeToUnit(code string) (string, error) {
	if len(code) < 3 {
		return "", ErrUnknownUnit
	}

	volume := string(code[0]) + "l"

	var interval string
	switch code[2] {
	case 's':
		interval = "sec"
	case 'm':
		interval = "min"
	case 'h':
		interval = "hor"
	default:
		return "", ErrUnknownUnit
	}

	return volume + "/" + interval, nil
}
