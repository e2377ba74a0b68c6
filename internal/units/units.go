// Package units parses the human-readable resource limits used in actor
// definitions.
package units

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ParseMemory converts a memory string such as "2GB" or "512 MiB" into bytes.
// Decimal units use powers of 1000, binary units powers of 1024; a bare
// number is a byte count.
func ParseMemory(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty memory value")
	}
	n, err := humanize.ParseBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("memory %q out of range", s)
	}
	return int64(n), nil
}

var timeUnits = []struct {
	suffix  string
	seconds float64
}{
	{"min", 60},
	{"s", 1},
	{"h", 3600},
	{"d", 86400},
}

// ParseTimespan converts a timespan such as "900", "15min", "2h" or "1h30m"
// into whole seconds.
func ParseTimespan(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty timespan value")
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return roundSeconds(s, n)
	}
	for _, unit := range timeUnits {
		if !strings.HasSuffix(trimmed, unit.suffix) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(trimmed, unit.suffix))
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			break
		}
		return roundSeconds(s, n*unit.seconds)
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse timespan %q: %w", s, err)
	}
	return roundSeconds(s, d.Seconds())
}

func roundSeconds(raw string, v float64) (int64, error) {
	if v < 0 || math.IsNaN(v) || v > math.MaxInt64 {
		return 0, fmt.Errorf("timespan %q out of range", raw)
	}
	return int64(math.Round(v)), nil
}
