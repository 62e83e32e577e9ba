package options

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/multiverse-hardware-labs/ephysd/internal/units"
)

// Options is a typed key/value store composed of Parameters and nested
// child Options (dotted-path addressing), mutex-protected per owner
// (spec §5 "Options blobs are mutex-protected per owner").
type Options struct {
	mu       sync.Mutex
	name     string
	params   []*Parameter
	index    map[string]int
	children map[string]*Options
	order    []string // child names in insertion order
}

// New creates an empty, named Options blob.
func New(name string) *Options {
	return &Options{
		name:     name,
		index:    make(map[string]int),
		children: make(map[string]*Options),
	}
}

// Name returns the Options blob's own name, used as a path segment when
// nested under a parent.
func (o *Options) Name() string { return o.name }

// Insert adds a Parameter, replacing any existing entry of the same name.
func (o *Options) Insert(p *Parameter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i, ok := o.index[p.Name]; ok {
		o.params[i] = p
		return
	}
	o.index[p.Name] = len(o.params)
	o.params = append(o.params, p)
}

// AddSection creates and inserts a child Options under the given name,
// composing a parent/child hierarchy with dotted-path addressing.
func (o *Options) AddSection(name string) *Options {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.children[name]; ok {
		return c
	}
	c := New(name)
	o.children[name] = c
	o.order = append(o.order, name)
	return c
}

// Get retrieves a Parameter by (possibly dotted) hierarchical name, e.g.
// "stimulus.amplitude" resolves through a child section named "stimulus".
func (o *Options) Get(name string) (*Parameter, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.get(name)
}

func (o *Options) get(name string) (*Parameter, bool) {
	if dot := strings.IndexByte(name, '.'); dot >= 0 {
		childName, rest := name[:dot], name[dot+1:]
		child, ok := o.children[childName]
		if !ok {
			return nil, false
		}
		child.mu.Lock()
		defer child.mu.Unlock()
		return child.get(rest)
	}
	i, ok := o.index[name]
	if !ok {
		return nil, false
	}
	return o.params[i], true
}

// GetByIndex retrieves the i-th Parameter in insertion order at this
// level (no dotted-path traversal).
func (o *Options) GetByIndex(i int) (*Parameter, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i < 0 || i >= len(o.params) {
		return nil, false
	}
	return o.params[i], true
}

// Section resolves a dotted path to a nested Options blob.
func (o *Options) Section(path string) (*Options, bool) {
	o.mu.Lock()
	cur := o
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		next, ok := cur.children[part]
		if !ok {
			o.mu.Unlock()
			return nil, false
		}
		if cur != o {
			cur.mu.Unlock()
		}
		next.mu.Lock()
		cur = next
	}
	if cur == o {
		o.mu.Unlock()
	} else {
		cur.mu.Unlock()
	}
	return cur, true
}

// Assign parses a "name = value [unit]" string and stores it, doing
// type-conversion as needed (spec §4.8 "assign with type-conversion,
// including parse-from-string with unit").
func (o *Options) Assign(assignment string) error {
	name, text, unit, num, isNum := ParseAssignment(assignment)
	p, ok := o.Get(name)
	if !ok {
		return fmt.Errorf("options: no such parameter %q", name)
	}
	switch p.Kind {
	case Number, Integer:
		if !isNum {
			return fmt.Errorf("options: parameter %q expects a number, got %q", name, text)
		}
		return p.SetNumber(num, unit)
	case Text:
		return p.SetText(text)
	case Boolean:
		b, err := strconv.ParseBool(strings.TrimSpace(text))
		if err != nil {
			return fmt.Errorf("options: parameter %q expects a boolean: %w", name, err)
		}
		return p.SetBool(b)
	default:
		return fmt.Errorf("options: parameter %q is not assignable", name)
	}
}

// Iterate calls fn for every Parameter at this level (not recursive) whose
// Flags contains all of requiredFlags (0 matches everything); iteration
// order is insertion order.
func (o *Options) Iterate(requiredFlags Flag, fn func(*Parameter)) {
	o.mu.Lock()
	params := append([]*Parameter(nil), o.params...)
	o.mu.Unlock()
	for _, p := range params {
		if p.Flags&requiredFlags == requiredFlags {
			fn(p)
		}
	}
}

// Snapshot returns a deep copy of the Options tree, usable later with
// Diff to detect changes made since the snapshot (spec §4.8).
func (o *Options) Snapshot() *Options {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := New(o.name)
	for _, p := range o.params {
		clone := p.Clone()
		c.index[clone.Name] = len(c.params)
		c.params = append(c.params, clone)
	}
	for _, name := range o.order {
		c.children[name] = o.children[name].Snapshot()
		c.order = append(c.order, name)
	}
	return c
}

// Diff compares o against a prior snapshot and returns the dotted names
// of every parameter whose value differs, at any depth.
func (o *Options) Diff(snapshot *Options) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var changed []string
	for _, p := range o.params {
		other, ok := snapshot.index[p.Name]
		if !ok || !valuesEqual(p, snapshot.params[other]) {
			changed = append(changed, p.Name)
		}
	}
	for _, name := range o.order {
		childSnap, ok := snapshot.children[name]
		if !ok {
			continue
		}
		for _, sub := range o.children[name].Diff(childSnap) {
			changed = append(changed, name+"."+sub)
		}
	}
	return changed
}

func valuesEqual(a, b *Parameter) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case Number, Integer:
		return equalNumVals(a.values, b.values)
	case Text:
		return equalStrings(a.texts, b.texts)
	case Boolean:
		if len(a.bools) != len(b.bools) {
			return false
		}
		for i := range a.bools {
			if a.bools[i] != b.bools[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func equalNumVals(a, b []numVal) bool {
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

// Active evaluates p's Activation list against this Options blob: a
// parameter is enabled only when every referenced condition matches
// (spec §4.8). Numeric comparisons support =, >, <, >=, <=` with unit
// conversion; text match allows `|`-separated alternatives.
func (o *Options) Active(p *Parameter) bool {
	for _, act := range p.Activation {
		ref, ok := o.Get(act.Name)
		if !ok {
			return false
		}
		if !activationMatches(ref, act) {
			return false
		}
	}
	return true
}

func activationMatches(ref *Parameter, act Activation) bool {
	switch ref.Kind {
	case Number, Integer:
		want, parsedUnit, ok := splitNumberUnit(act.Value)
		if !ok {
			return false
		}
		unit := act.Unit
		if unit == "" {
			unit = parsedUnit
		}
		if unit != "" && unit != ref.Unit {
			converted, err := units.Convert(want, unit, ref.Unit)
			if err != nil {
				return false
			}
			want = converted
		}
		got, err := ref.Number(ref.Unit)
		if err != nil {
			return false
		}
		switch act.Op {
		case "=", "":
			return got == want
		case ">":
			return got > want
		case "<":
			return got < want
		case ">=":
			return got >= want
		case "<=":
			return got <= want
		default:
			return false
		}
	case Text:
		got, err := ref.Text()
		if err != nil {
			return false
		}
		for _, alt := range strings.Split(act.Value, "|") {
			if got == strings.TrimSpace(alt) {
				return true
			}
		}
		return false
	case Boolean:
		got, err := ref.Bool()
		if err != nil {
			return false
		}
		want := strings.EqualFold(strings.TrimSpace(act.Value), "true")
		return got == want
	default:
		return false
	}
}
