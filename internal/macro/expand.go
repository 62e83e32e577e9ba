package macro

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	"github.com/multiverse-hardware-labs/ephysd/internal/options"
)

// varRef matches a $name placeholder (spec §4.5 "parameter values are
// lazily expanded when passed into procedures using placeholder syntax
// $name").
var varRef = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// randGen matches the two $(rand ...) generator forms (spec §4.5):
// "$(rand min..max unit)" and "$(rand v1,v2,v3 unit)".
var randGen = regexp.MustCompile(`\$\(rand\s+([^)]+)\)`)

// rangeExpr matches a "(start..end..step)unit" range literal (spec §8
// scenario 4: "freq=(100..400..100)Hz").
var rangeExpr = regexp.MustCompile(`\(([-0-9.]+)\.\.([-0-9.]+)\.\.([-0-9.]+)\)(\S*)`)

// ExpandVariables substitutes $name references against vars and resolves
// $(rand ...) generators using rng (math/rand.Rand; pass rand.New with a
// fixed seed for deterministic tests).
func ExpandVariables(block string, vars *options.Options, rng *rand.Rand) (string, error) {
	var outerErr error

	expanded := randGen.ReplaceAllStringFunc(block, func(m string) string {
		inner := randGen.FindStringSubmatch(m)[1]
		s, err := evalRand(inner, rng)
		if err != nil {
			outerErr = err
			return m
		}
		return s
	})
	if outerErr != nil {
		return "", outerErr
	}

	expanded = varRef.ReplaceAllStringFunc(expanded, func(m string) string {
		name := m[1:]
		p, ok := vars.Get(name)
		if !ok {
			return m
		}
		return strings.TrimPrefix(p.FormatAssignment(), name+"=")
	})
	return expanded, nil
}

func evalRand(spec string, rng *rand.Rand) (string, error) {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return "", fmt.Errorf("macro: empty $(rand ...) body")
	}
	unit := ""
	valuePart := spec
	if len(fields) > 1 {
		unit = fields[len(fields)-1]
		valuePart = strings.Join(fields[:len(fields)-1], "")
	}
	if strings.Contains(valuePart, "..") {
		parts := strings.SplitN(valuePart, "..", 2)
		lo, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return "", err
		}
		hi, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return "", err
		}
		v := lo + rng.Float64()*(hi-lo)
		return withUnit(fmt.Sprintf("%g", v), unit), nil
	}
	choices := strings.Split(valuePart, ",")
	for i := range choices {
		choices[i] = strings.TrimSpace(choices[i])
	}
	pick := choices[rng.Intn(len(choices))]
	return withUnit(pick, unit), nil
}

// withUnit joins a numeric literal and a unit with the space ParseAssignment
// requires to recognize the result as a number rather than free text (spec
// §8 scenario 3: "amp = 3.5 mV").
func withUnit(value, unit string) string {
	if unit == "" {
		return value
	}
	return value + " " + unit
}

// ExpandRange finds the first "(start..end..step)unit" range literal in
// block and returns one parameter block per value in the range, in
// declaration order (spec §8 scenario 4). If no range literal is
// present, it returns []string{block} unchanged.
func ExpandRange(block string) ([]string, error) {
	loc := rangeExpr.FindStringSubmatchIndex(block)
	if loc == nil {
		return []string{block}, nil
	}
	m := rangeExpr.FindStringSubmatch(block)
	start, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, err
	}
	end, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return nil, err
	}
	step, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return nil, err
	}
	unit := m[4]
	if step == 0 {
		return nil, fmt.Errorf("macro: range step must be non-zero")
	}

	var values []float64
	if step > 0 {
		for v := start; v <= end+1e-9; v += step {
			values = append(values, v)
		}
	} else {
		for v := start; v >= end-1e-9; v += step {
			values = append(values, v)
		}
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		replacement := withUnit(fmt.Sprintf("%g", v), unit)
		expanded := block[:loc[0]] + replacement + block[loc[1]:]
		rest, err := ExpandRange(expanded)
		if err != nil {
			return nil, err
		}
		out = append(out, rest...)
	}
	return out, nil
}
