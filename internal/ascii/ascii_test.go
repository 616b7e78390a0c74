package ascii

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrimNumeric(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		input    string
		expected string
	}{
		{"00012.500 ", "12.5"},
		{"0.0", "0"},
		{"   7.00", "7"},
		{"10.00", "10"},
		{"010.20", "10.2"},
		{"0000", "0"},
		{"  35 ", "35"},
		{"0.10", ".1"},
		{"12", "12"},
		{"", "0"},
	}

	for _, tt := range tests {
		require.Equal(tt.expected, TrimNumeric(tt.input), "input: %q", tt.input)
	}
}

func TestScanQuantity(t *testing.T) {
	require := require.New(t)

	t.Run("volume reply", func(t *testing.T) {
		value, unit, ok := ScanQuantity("\r\n10.00 ul\r\n03:")
		require.True(ok)
		require.Equal("10.00", value)
		require.Equal("ul", unit)
	})

	t.Run("millilitre reply", func(t *testing.T) {
		value, unit, ok := ScanQuantity("1.25 ml")
		require.True(ok)
		require.Equal("1.25", value)
		require.Equal("ml", unit)
	})

	t.Run("no quantity", func(t *testing.T) {
		_, _, ok := ScanQuantity("Target volume not set")
		require.False(ok)
	})
}

func TestScanRate(t *testing.T) {
	require := require.New(t)

	t.Run("rate reply", func(t *testing.T) {
		value, unit, ok := ScanRate("\r\n12.5 ul/min\r\n03:")
		require.True(ok)
		require.Equal("12.5", value)
		require.Equal("ul/min", unit)
	})

	t.Run("per second", func(t *testing.T) {
		value, unit, ok := ScanRate("0.50 ml/sec")
		require.True(ok)
		require.Equal("0.50", value)
		require.Equal("ml/sec", unit)
	})

	t.Run("no rate", func(t *testing.T) {
		_, _, ok := ScanRate("Argument error")
		require.False(ok)
	})
}

func TestScanNumber(t *testing.T) {
	require := require.New(t)

	value, ok := ScanNumber("  4.7000 :")
	require.True(ok)
	require.Equal("4.7000", value)

	_, ok = ScanNumber("no digits here")
	require.False(ok)
}
