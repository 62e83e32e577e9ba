// Package units implements the SI-prefix table and unit conversion rules
// used by the Options/Parameter kernel (spec §4.8). The table is a single
// immutable initializer, per the design note warning against ambiguous
// prefixes: "M" and "m" are kept distinct and case is respected end to end.
package units

import (
	"fmt"
	"math"
	"strings"
)

// prefix pairs an SI prefix symbol with its power-of-ten exponent.
// Parsing is longest-prefix-match: sortedPrefixes orders a copy of the
// table by symbol length, descending, so "da" is tried before "d".
type prefix struct {
	Symbol string
	Exp    int
}

// siPrefixes is the fixed SI-prefix table. It is built once here and never
// mutated; lookups scan its length-sorted copy, orderedPrefixes.
var siPrefixes = []prefix{
	{"Y", 24}, {"Z", 21}, {"E", 18}, {"P", 15}, {"T", 12}, {"G", 9},
	{"M", 6}, {"k", 3}, {"h", 2}, {"da", 1},
	{"d", -1}, {"c", -2}, {"m", -3}, {"u", -6}, {"µ", -6},
	{"n", -9}, {"p", -12}, {"f", -15}, {"a", -18}, {"z", -21}, {"y", -24},
}

func sortedPrefixes() []prefix {
	out := make([]prefix, len(siPrefixes))
	copy(out, siPrefixes)
	// Longest symbol first so "da" is not shadowed by a hypothetical "d".
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && len(out[j].Symbol) > len(out[j-1].Symbol); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

var orderedPrefixes = sortedPrefixes()

// Split separates a unit string such as "mV" into its SI prefix exponent
// (0 if none) and base unit ("V"). Matching is case sensitive: "M" (mega)
// and "m" (milli) are never confused.
func Split(unit string) (exp int, base string) {
	for _, p := range orderedPrefixes {
		if strings.HasPrefix(unit, p.Symbol) && len(unit) > len(p.Symbol) {
			return p.Exp, unit[len(p.Symbol):]
		}
	}
	return 0, unit
}

// Convert rescales x from unit `from` to unit `to`. Both units must share
// the same base unit (after stripping any SI prefix); e.g. "mV" -> "V" or
// "kHz" -> "Hz". Converting between differing base units is an error.
func Convert(x float64, from, to string) (float64, error) {
	fromExp, fromBase := Split(from)
	toExp, toBase := Split(to)
	if fromBase != toBase {
		return 0, fmt.Errorf("units: incompatible base units %q and %q", from, to)
	}
	return x * math.Pow(10, float64(fromExp-toExp)), nil
}

// Idempotent reports whether converting x from a to b and back to a
// reproduces x within the given absolute tolerance. Used by the Options
// kernel's round-trip invariant (spec §8).
func Idempotent(x float64, a, b string, tol float64) bool {
	y, err := Convert(x, a, b)
	if err != nil {
		return false
	}
	back, err := Convert(y, b, a)
	if err != nil {
		return false
	}
	return math.Abs(back-x) <= tol
}
