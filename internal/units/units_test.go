package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"2GB", 2_000_000_000},
		{"512 MB", 512_000_000},
		{"1GiB", 1 << 30},
		{"1024", 1024},
		{" 15GB ", 15_000_000_000},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseMemory(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseMemoryInvalid(t *testing.T) {
	for _, in := range []string{"", "lots", "12 parsecs"} {
		_, err := ParseMemory(in)
		assert.Error(t, err, in)
	}
}

func TestParseTimespan(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"900", 900},
		{"900s", 900},
		{"15min", 900},
		{"2 h", 7200},
		{"1d", 86400},
		{"1h30m", 5400},
		{"1.5min", 90},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseTimespan(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseTimespanInvalid(t *testing.T) {
	for _, in := range []string{"", "soon", "-5s", "5 fortnights"} {
		_, err := ParseTimespan(in)
		assert.Error(t, err, in)
	}
}
