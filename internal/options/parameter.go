// Package options implements the typed key/value Parameter kernel (spec
// §3 "Parameter (Options kernel)", §4.8). It is grounded on the original
// RELACS options/parameter.cc tagged-variant design, re-expressed as a Go
// interface set rather than a class hierarchy (design note "Dynamic
// dispatch -> tagged variants + interface set").
package options

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/multiverse-hardware-labs/ephysd/internal/units"
)

// Kind is the tagged-variant discriminator for a Parameter's value.
type Kind int

const (
	Text Kind = iota
	Number
	Integer
	Boolean
	Date
	Time
	Section
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Number:
		return "number"
	case Integer:
		return "integer"
	case Boolean:
		return "boolean"
	case Date:
		return "date"
	case Time:
		return "time"
	case Section:
		return "section"
	default:
		return "unknown"
	}
}

// Flag is a bitset of per-parameter behavior flags.
type Flag uint32

const (
	FlagReadOnly Flag = 1 << iota
	FlagHidden
	FlagChanged // set when the current value differs from Default
	FlagError
)

// Style is a bitset describing how a UI would present the parameter.
// The core never interprets Style; it only carries it through.
type Style uint32

// Activation gates a Parameter's visibility/effect on another Parameter's
// current value, per spec §4.8: "{other = value}". Op is one of
// "=", ">", "<", ">=", "<=" for numeric comparisons, or "|" for a
// pipe-separated set of text alternatives. For numeric comparisons, Value
// may carry a trailing unit separated by a space (e.g. "5 mV"; "5mV"
// does not parse and leaves the activation inactive); it is converted
// against the referenced parameter's internal unit before comparing, so
// Unit only needs setting when Value is a bare number in a unit other
// than the referenced parameter's.
type Activation struct {
	Name  string
	Op    string
	Value string
	Unit  string
}

// numVal holds a numeric value with optional measurement uncertainty, as
// spec §3 requires ("Numbers carry both value and optional uncertainty").
type numVal struct {
	Value       float64
	Uncertainty float64
	HasUncert   bool
}

// Parameter is one entry in an Options kernel: a tagged variant over
// {text, number, integer, boolean, date, time, section}, carrying name,
// request label, units, format, bounds, default, flags, style, and
// activations (spec §3).
type Parameter struct {
	Name    string
	Request string
	Unit        string // internal unit
	OutUnit     string // display unit; defaults to Unit if empty
	Format  string // printf-like format string, e.g. "%5.2f"
	Kind    Kind

	Min, Max, Step float64
	HasRange       bool

	// Values holds one or more entries: multi-valued parameters are
	// ordered sequences (spec §3).
	values   []numVal
	texts    []string
	bools    []bool

	defaultValues []numVal
	defaultTexts  []string
	defaultBools  []bool

	Flags      Flag
	Style      Style
	Activation []Activation
}

// NewNumber builds a single-valued Number parameter with a default.
func NewNumber(name, request, unit string, def float64) *Parameter {
	p := &Parameter{Name: name, Request: request, Unit: unit, OutUnit: unit, Kind: Number, Format: "%g"}
	p.values = []numVal{{Value: def}}
	p.defaultValues = []numVal{{Value: def}}
	return p
}

// NewInteger builds a single-valued Integer parameter with a default.
func NewInteger(name, request, unit string, def int64) *Parameter {
	p := &Parameter{Name: name, Request: request, Unit: unit, OutUnit: unit, Kind: Integer, Format: "%d"}
	p.values = []numVal{{Value: float64(def)}}
	p.defaultValues = []numVal{{Value: float64(def)}}
	return p
}

// NewText builds a single-valued Text parameter with a default.
func NewText(name, request, def string) *Parameter {
	p := &Parameter{Name: name, Request: request, Kind: Text, Format: "%s"}
	p.texts = []string{def}
	p.defaultTexts = []string{def}
	return p
}

// NewBoolean builds a single-valued Boolean parameter with a default.
func NewBoolean(name, request string, def bool) *Parameter {
	p := &Parameter{Name: name, Request: request, Kind: Boolean}
	p.bools = []bool{def}
	p.defaultBools = []bool{def}
	return p
}

// NewSection builds a Section parameter, used only as a grouping node in
// an Options tree; it carries no value of its own.
func NewSection(name, request string) *Parameter {
	return &Parameter{Name: name, Request: request, Kind: Section}
}

// Number returns the first numeric value converted to outUnit, or an
// error if the parameter is not numeric or the units are incompatible.
func (p *Parameter) Number(outUnit string) (float64, error) {
	if p.Kind != Number && p.Kind != Integer {
		return 0, fmt.Errorf("options: parameter %q is not numeric", p.Name)
	}
	if len(p.values) == 0 {
		return 0, fmt.Errorf("options: parameter %q has no value", p.Name)
	}
	if outUnit == "" || outUnit == p.Unit {
		return p.values[0].Value, nil
	}
	return units.Convert(p.values[0].Value, p.Unit, outUnit)
}

// Uncertainty returns the first value's measurement uncertainty
// converted to outUnit, and whether one was ever set (spec §3
// "Numbers carry both value and optional uncertainty"). ok is false
// for a parameter that has no uncertainty, in which case the returned
// value is meaningless.
func (p *Parameter) Uncertainty(outUnit string) (value float64, ok bool, err error) {
	if p.Kind != Number && p.Kind != Integer {
		return 0, false, fmt.Errorf("options: parameter %q is not numeric", p.Name)
	}
	if len(p.values) == 0 || !p.values[0].HasUncert {
		return 0, false, nil
	}
	if outUnit == "" || outUnit == p.Unit {
		return p.values[0].Uncertainty, true, nil
	}
	converted, err := units.Convert(p.values[0].Uncertainty, p.Unit, outUnit)
	if err != nil {
		return 0, false, err
	}
	return converted, true, nil
}

// SetUncertainty attaches a measurement uncertainty to the parameter's
// single value, converting from uncertUnit to the parameter's internal
// Unit (spec §3). If the parameter has no value yet, a zero value is
// created to carry the uncertainty.
func (p *Parameter) SetUncertainty(u float64, uncertUnit string) error {
	if p.Kind != Number && p.Kind != Integer {
		return fmt.Errorf("options: parameter %q is not numeric", p.Name)
	}
	v := u
	if uncertUnit != "" && uncertUnit != p.Unit {
		converted, err := units.Convert(u, uncertUnit, p.Unit)
		if err != nil {
			return err
		}
		v = converted
	}
	if len(p.values) == 0 {
		p.values = []numVal{{}}
	}
	p.values[0].Uncertainty = v
	p.values[0].HasUncert = true
	return nil
}

// SetNumber assigns the parameter's single value, converting from
// valueUnit to the parameter's internal Unit.
func (p *Parameter) SetNumber(x float64, valueUnit string) error {
	if p.Kind != Number && p.Kind != Integer {
		return fmt.Errorf("options: parameter %q is not numeric", p.Name)
	}
	v := x
	if valueUnit != "" && valueUnit != p.Unit {
		converted, err := units.Convert(x, valueUnit, p.Unit)
		if err != nil {
			return err
		}
		v = converted
	}
	if p.HasRange {
		if v < p.Min {
			v = p.Min
		}
		if v > p.Max {
			v = p.Max
		}
	}
	if len(p.values) == 0 {
		p.values = []numVal{{}}
	}
	p.values[0].Value = v
	p.markChanged()
	return nil
}

// Text returns the first text value.
func (p *Parameter) Text() (string, error) {
	if p.Kind != Text {
		return "", fmt.Errorf("options: parameter %q is not text", p.Name)
	}
	if len(p.texts) == 0 {
		return "", nil
	}
	return p.texts[0], nil
}

// SetText assigns the parameter's single text value.
func (p *Parameter) SetText(s string) error {
	if p.Kind != Text {
		return fmt.Errorf("options: parameter %q is not text", p.Name)
	}
	p.texts = []string{s}
	p.markChanged()
	return nil
}

// Bool returns the first boolean value.
func (p *Parameter) Bool() (bool, error) {
	if p.Kind != Boolean {
		return false, fmt.Errorf("options: parameter %q is not boolean", p.Name)
	}
	if len(p.bools) == 0 {
		return false, nil
	}
	return p.bools[0], nil
}

// SetBool assigns the parameter's single boolean value.
func (p *Parameter) SetBool(b bool) error {
	if p.Kind != Boolean {
		return fmt.Errorf("options: parameter %q is not boolean", p.Name)
	}
	p.bools = []bool{b}
	p.markChanged()
	return nil
}

func (p *Parameter) markChanged() {
	if p.isDefault() {
		p.Flags &^= FlagChanged
	} else {
		p.Flags |= FlagChanged
	}
}

func (p *Parameter) isDefault() bool {
	switch p.Kind {
	case Number, Integer:
		if len(p.values) != len(p.defaultValues) {
			return false
		}
		for i := range p.values {
			if p.values[i] != p.defaultValues[i] {
				return false
			}
		}
		return true
	case Text:
		return equalStrings(p.texts, p.defaultTexts)
	case Boolean:
		if len(p.bools) != len(p.defaultBools) {
			return false
		}
		for i := range p.bools {
			if p.bools[i] != p.defaultBools[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of p, used by Options.Snapshot.
func (p *Parameter) Clone() *Parameter {
	c := *p
	c.values = append([]numVal(nil), p.values...)
	c.texts = append([]string(nil), p.texts...)
	c.bools = append([]bool(nil), p.bools...)
	c.defaultValues = append([]numVal(nil), p.defaultValues...)
	c.defaultTexts = append([]string(nil), p.defaultTexts...)
	c.defaultBools = append([]bool(nil), p.defaultBools...)
	c.Activation = append([]Activation(nil), p.Activation...)
	return &c
}

// ParseAssignment parses a "name = value [unit]" string (spec §8 scenario
// 3: `"amp = 3.5 mV"`) and returns the name, the numeric value if parsable,
// the remaining text, and the unit suffix if present.
func ParseAssignment(s string) (name, text, unit string, num float64, isNum bool) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 {
		return strings.TrimSpace(s), "", "", 0, false
	}
	name = strings.TrimSpace(parts[0])
	rhs := strings.TrimSpace(parts[1])
	rhs = unquote(rhs)
	fields := strings.Fields(rhs)
	if len(fields) == 0 {
		return name, "", "", 0, false
	}
	if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
		if len(fields) > 1 {
			unit = strings.Join(fields[1:], "")
		}
		return name, rhs, unit, v, true
	}
	return name, rhs, "", 0, false
}

// splitNumberUnit parses a "value" or "value unit" string such as "5" or
// "5 mV" into its numeric value and trailing unit, the same grammar
// ParseAssignment uses for the right-hand side of an assignment.
func splitNumberUnit(s string) (value float64, unit string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return 0, "", false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, "", false
	}
	if len(fields) > 1 {
		unit = strings.Join(fields[1:], "")
	}
	return v, unit, true
}

// unquote strips a pair of surrounding double quotes, honoring backslash
// escapes inside the quoted string (spec §4.8 "String values support
// escaped quoting").
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		inner := s[1 : len(s)-1]
		inner = strings.ReplaceAll(inner, `\"`, `"`)
		inner = strings.ReplaceAll(inner, `\\`, `\`)
		return inner
	}
	return s
}

// FormatAssignment serializes the parameter as "name=value<unit>" (spec
// §8 scenario 3), collapsing whitespace the way the original writer does.
func (p *Parameter) FormatAssignment() string {
	switch p.Kind {
	case Number, Integer:
		if len(p.values) == 0 {
			return p.Name + "="
		}
		val, unc := p.values[0].Value, p.values[0].Uncertainty
		if p.OutUnit != "" && p.OutUnit != p.Unit {
			if cv, err := units.Convert(val, p.Unit, p.OutUnit); err == nil {
				val = cv
				unc, _ = units.Convert(unc, p.Unit, p.OutUnit)
			}
		}
		v := formatNumber(val, p.Format)
		if p.values[0].HasUncert {
			v += "+-" + formatNumber(unc, p.Format)
		}
		return fmt.Sprintf("%s=%s%s", p.Name, v, p.OutUnit)
	case Text:
		if len(p.texts) == 0 {
			return p.Name + "="
		}
		return fmt.Sprintf("%s=%s", p.Name, quoteIfNeeded(p.texts[0]))
	case Boolean:
		if len(p.bools) == 0 {
			return p.Name + "="
		}
		return fmt.Sprintf("%s=%t", p.Name, p.bools[0])
	default:
		return p.Name
	}
}

func formatNumber(x float64, format string) string {
	if format == "" {
		format = "%g"
	}
	return fmt.Sprintf(format, x)
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return "~"
	}
	if strings.ContainsAny(s, " \t,[]") {
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `"`, `\"`)
		return `"` + s + `"`
	}
	return s
}

// EncodeList encodes a list of strings as "[ v1, v2, v3 ]" with "~" for
// the empty string (spec §4.8).
func EncodeList(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		if v == "" {
			parts[i] = "~"
		} else {
			parts[i] = quoteIfNeeded(v)
		}
	}
	return "[ " + strings.Join(parts, ", ") + " ]"
}

// DecodeList parses a "[ v1, v2, v3 ]" list, mapping "~" back to "".
func DecodeList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("options: not a list: %q", s)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil, nil
	}
	rawParts := strings.Split(inner, ",")
	out := make([]string, len(rawParts))
	for i, part := range rawParts {
		part = strings.TrimSpace(part)
		if part == "~" {
			out[i] = ""
			continue
		}
		out[i] = unquote(part)
	}
	return out, nil
}
