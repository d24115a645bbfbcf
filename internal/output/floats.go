// Package output renders run products: deterministic text tables for
// the spectra and compressed binary dumps of the intermediate source
// and transfer tables. Identical inputs produce byte-identical files,
// so outputs can be diffed and golden-tested directly.
package output

import (
	"math"
	"strconv"
	"strings"
)

// FormatScientific renders a float in fixed-width scientific notation
// with the given number of significant digits. The output is stable
// across platforms: negative zero collapses to zero and NaN/Inf are
// spelled out.
func FormatScientific(f float64, digits int) string {
	if math.IsNaN(f) {
		return "nan"
	}
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if f == 0 {
		f = 0 // normalize -0
	}
	return strconv.FormatFloat(f, 'e', digits-1, 64)
}

// Column pads a formatted value to a fixed width, right aligned, for
// the .dat writers.
func Column(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}
