package macro

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/multiverse-hardware-labs/ephysd/internal/options"
)

const sampleCfg = `
$ Base: amp=10mV
  repro P1
  message 2 hello

$ Main
  macro Base
  repro Scan: freq=(100..400..100)Hz
  filter Spikes: save
`

type call struct {
	name string
	freq float64
	hasFreq bool
}

type recordingStarter struct {
	calls []call
}

func (r *recordingStarter) StartProcedure(name string, params *options.Options) error {
	c := call{name: name}
	if p, ok := params.Get("freq"); ok {
		v, err := p.Number("Hz")
		if err == nil {
			c.freq = v
			c.hasFreq = true
		}
	}
	r.calls = append(r.calls, c)
	return nil
}

type recordingFilters struct {
	configured []string
	saved      []string
}

func (f *recordingFilters) ConfigureFilter(name string, params *options.Options, save bool) error {
	if save {
		f.saved = append(f.saved, name)
	} else {
		f.configured = append(f.configured, name)
	}
	return nil
}

func (f *recordingFilters) ConfigureDetector(name string, params *options.Options, save bool) error {
	return nil
}

func runSample(t *testing.T) ([]call, []string) {
	t.Helper()
	file, err := ParseFile(strings.NewReader(sampleCfg))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	starter := &recordingStarter{}
	filters := &recordingFilters{}
	ip := NewInterpreter(file, Dispatch{
		Procedures: starter,
		Filters:    filters,
		Rand:       rand.New(rand.NewSource(7)),
	})
	if err := ip.Start("Main"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ip.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ip.Running() {
		t.Fatalf("interpreter did not run to completion")
	}
	return starter.calls, filters.saved
}

// spec §8 scenario 4: "repro Foo: freq=(100..400..100)Hz produces four
// executions of procedure Foo with freq in {100,200,300,400} Hz, in
// declaration order."
func TestMacroRangeExpansionProducesOrderedRuns(t *testing.T) {
	calls, saved := runSample(t)

	var scanFreqs []float64
	for _, c := range calls {
		if c.name == "Scan" {
			if !c.hasFreq {
				t.Fatalf("Scan call missing freq parameter")
			}
			scanFreqs = append(scanFreqs, c.freq)
		}
	}
	want := []float64{100, 200, 300, 400}
	if len(scanFreqs) != len(want) {
		t.Fatalf("got %d Scan runs, want %d: %v", len(scanFreqs), len(want), scanFreqs)
	}
	for i, w := range want {
		if scanFreqs[i] != w {
			t.Errorf("Scan run %d freq=%v, want %v", i, scanFreqs[i], w)
		}
	}

	if len(calls) == 0 || calls[0].name != "P1" {
		t.Fatalf("expected nested macro call to P1 first, got %+v", calls)
	}
	if len(saved) != 1 || saved[0] != "Spikes" {
		t.Fatalf("expected filter Spikes to be saved, got %+v", saved)
	}
}

// spec §8: "Macro execution is idempotent w.r.t. reload" — re-parsing and
// re-running the same macro file from scratch produces the identical
// sequence of procedure calls and parameter bindings.
func TestMacroExecutionIdempotentAcrossReload(t *testing.T) {
	first, firstSaved := runSample(t)
	second, secondSaved := runSample(t)

	if len(first) != len(second) {
		t.Fatalf("call count differs across reload: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("call %d differs across reload: %+v vs %+v", i, first[i], second[i])
		}
	}
	if strings.Join(firstSaved, ",") != strings.Join(secondSaved, ",") {
		t.Errorf("saved filters differ across reload: %v vs %v", firstSaved, secondSaved)
	}
}

func TestMacroSoftBreakResumeAndSkipOne(t *testing.T) {
	file, err := ParseFile(strings.NewReader(sampleCfg))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	starter := &recordingStarter{}
	ip := NewInterpreter(file, Dispatch{Procedures: starter})
	if err := ip.Start("Main"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ip.Pause()
	if err := ip.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ip.Parked() {
		t.Fatalf("expected interpreter to be parked before any command ran")
	}
	if len(starter.calls) != 0 {
		t.Fatalf("expected no calls while parked, got %+v", starter.calls)
	}

	// Skip the "macro Base" command (and therefore all of Base's commands)
	// without executing it, then resume to completion.
	if err := ip.SkipOne(); err != nil {
		t.Fatalf("SkipOne: %v", err)
	}
	if err := ip.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if ip.Running() {
		t.Fatalf("interpreter did not run to completion after resume")
	}
	for _, c := range starter.calls {
		if c.name == "P1" {
			t.Fatalf("P1 should have been skipped along with the macro call, got %+v", starter.calls)
		}
	}
}

func TestExpandRangeNonMatchingBlockPassesThrough(t *testing.T) {
	out, err := ExpandRange("amp=10mV")
	if err != nil {
		t.Fatalf("ExpandRange: %v", err)
	}
	if len(out) != 1 || out[0] != "amp=10mV" {
		t.Fatalf("got %v, want unchanged single-element slice", out)
	}
}

func TestExpandVariablesSubstitutesBoundValue(t *testing.T) {
	vars := options.New("vars")
	vars.Insert(options.NewNumber("amp", "amp", "mV", 10))
	out, err := ExpandVariables("level=$amp", vars, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("ExpandVariables: %v", err)
	}
	if out != "level=10mV" {
		t.Fatalf("got %q, want %q", out, "level=10mV")
	}
}

func TestEvalRandChoiceIsOneOfTheGivenValues(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		s, err := evalRand("1,2,3 Hz", rng)
		if err != nil {
			t.Fatalf("evalRand: %v", err)
		}
		if s != "1 Hz" && s != "2 Hz" && s != "3 Hz" {
			t.Fatalf("evalRand produced %q, want one of 1 Hz/2 Hz/3 Hz", s)
		}
	}
}
