// Package ascii provides helpers for scanning the fixed-format textual
// replies produced by syringe-pump firmware: padded numeric fields, quantity
// and rate patterns, and status substrings.
package ascii

import (
	"regexp"
	"strings"
)

// quantityRe matches a numeric value followed by a 2-character volume unit
// code, e.g. "12.5 ul". The firmware only reports ml, ul and pl volumes on
// query replies; nl never appears on the wire.
var quantityRe = regexp.MustCompile(`(\d+\.?\d*) ([mup]l)`)

// rateRe matches a numeric value followed by a volume-per-time unit,
// e.g. "12.5 ul/min".
var rateRe = regexp.MustCompile(`(\d+\.?\d*) ([mup]l/[a-z]{1,3})`)

// numberRe matches a bare numeric value with an optional decimal part.
var numberRe = regexp.MustCompile(`(\d+\.?\d*)`)

// TrimNumeric strips padding from a numeric reply field.
//
// The device pads numeric fields with leading zeros and spaces and reports a
// fixed number of decimal places. If a decimal point is present, trailing
// zeros are removed first (this can destroy significant trailing zeros; the
// value is compared numerically downstream, so precision of the textual form
// does not matter). Leading zeros and spaces, then trailing spaces and
// decimal points, are removed afterwards. A field that strips down to
// nothing was all padding around zero and collapses to "0".
func TrimNumeric(s string) string {
	s = strings.Trim(s, " ")
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
	}
	s = strings.TrimLeft(s, "0 ")
	s = strings.TrimRight(s, " .")
	if s == "" {
		return "0"
	}

	return s
}

// ScanQuantity extracts the first value/volume-unit pair from a reply,
// e.g. ("12.5", "ul"). ok is false when no pair is present.
func ScanQuantity(resp string) (value string, unit string, ok bool) {
	m := quantityRe.FindStringSubmatch(resp)
	if m == nil {
		return "", "", false
	}

	return m[1], m[2], true
}

// ScanRate extracts the first value/rate-unit pair from a reply,
// e.g. ("12.5", "ul/min"). ok is false when no pair is present.
func ScanRate(resp string) (value string, unit string, ok bool) {
	m := rateRe.FindStringSubmatch(resp)
	if m == nil {
		return "", "", false
	}

	return m[1], m[2], true
}

// ScanNumber extracts the first bare numeric value from a reply.
// ok is false when the reply carries no number.
func ScanNumber(resp string) (value string, ok bool) {
	m := numberRe.FindStringSubmatch(resp)
	if m == nil {
		return "", false
	}

	return m[1], true
}
