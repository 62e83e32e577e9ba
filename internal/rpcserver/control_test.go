package rpcserver

import (
	"strings"
	"testing"
	"time"

	"github.com/multiverse-hardware-labs/ephysd/internal/macro"
	"github.com/multiverse-hardware-labs/ephysd/internal/options"
)

const sampleCfg = `
$ Main
  repro P1
`

type recordingProcedures struct {
	started []string
}

func (r *recordingProcedures) StartProcedure(name string, params *options.Options) error {
	r.started = append(r.started, name)
	return nil
}

type recordingFilters struct {
	configured []string
	detectors  []string
}

func (f *recordingFilters) ConfigureFilter(name string, params *options.Options, save bool) error {
	f.configured = append(f.configured, name)
	return nil
}

func (f *recordingFilters) ConfigureDetector(name string, params *options.Options, save bool) error {
	f.detectors = append(f.detectors, name)
	return nil
}

type recordingSession struct {
	state string
}

func (s *recordingSession) Start() error   { s.state = "Active"; return nil }
func (s *recordingSession) Save() error    { s.state = "Idle(saved)"; return nil }
func (s *recordingSession) Discard() error { s.state = "Idle(discarded)"; return nil }

func TestControlStartMacroRunsToCompletion(t *testing.T) {
	file, err := macro.ParseFile(strings.NewReader(sampleCfg))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	procs := &recordingProcedures{}
	ip := macro.NewInterpreter(file, macro.Dispatch{Procedures: procs})
	updates := make(chan ClientUpdate, 4)
	c := NewControl(updates)
	c.Macro = ip

	var ok bool
	if err := c.StartMacro(&MacroArgs{Name: "Main"}, &ok); err != nil {
		t.Fatalf("StartMacro: %v", err)
	}
	if !ok {
		t.Fatalf("expected StartMacro to report success")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case u := <-updates:
			if u.Topic == "MACRO_DONE" {
				if len(procs.started) != 1 || procs.started[0] != "P1" {
					t.Fatalf("got %v, want [P1]", procs.started)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for macro to finish")
		}
	}
}

func TestControlStartProcedureForwardsParams(t *testing.T) {
	procs := &recordingProcedures{}
	c := NewControl(nil)
	c.Procedures = procs
	var ok bool
	if err := c.StartProcedure(&ProcedureArgs{Name: "Scan", Params: map[string]string{"freq": "100"}}, &ok); err != nil {
		t.Fatalf("StartProcedure: %v", err)
	}
	if !ok || len(procs.started) != 1 || procs.started[0] != "Scan" {
		t.Fatalf("got ok=%v started=%v", ok, procs.started)
	}
}

func TestControlConfigureFilterAndDetector(t *testing.T) {
	filters := &recordingFilters{}
	c := NewControl(nil)
	c.Filters = filters
	var ok bool
	if err := c.ConfigureFilter(&FilterConfigArgs{Name: "Spikes", Save: true}, &ok); err != nil {
		t.Fatalf("ConfigureFilter: %v", err)
	}
	if !ok || len(filters.configured) != 1 {
		t.Fatalf("got ok=%v configured=%v", ok, filters.configured)
	}
	if err := c.ConfigureFilter(&FilterConfigArgs{Name: "Threshold", Detector: true}, &ok); err != nil {
		t.Fatalf("ConfigureFilter(detector): %v", err)
	}
	if len(filters.detectors) != 1 || filters.detectors[0] != "Threshold" {
		t.Fatalf("got detectors=%v", filters.detectors)
	}
}

func TestControlSessionControlDispatchesByRequest(t *testing.T) {
	sess := &recordingSession{}
	c := NewControl(nil)
	c.Session = sess
	var ok bool

	if err := c.SessionControl(&SessionControlArgs{Request: "start"}, &ok); err != nil {
		t.Fatalf("SessionControl(start): %v", err)
	}
	if sess.state != "Active" {
		t.Fatalf("state=%q, want Active", sess.state)
	}
	if err := c.SessionControl(&SessionControlArgs{Request: "discard"}, &ok); err != nil {
		t.Fatalf("SessionControl(discard): %v", err)
	}
	if sess.state != "Idle(discarded)" {
		t.Fatalf("state=%q, want Idle(discarded)", sess.state)
	}

	err := c.SessionControl(&SessionControlArgs{Request: "bogus"}, &ok)
	if err == nil {
		t.Fatalf("expected error for unknown session request")
	}
}

func TestControlRequestStopWithoutSchedulerErrors(t *testing.T) {
	c := NewControl(nil)
	var ok bool
	if err := c.RequestStop(nil, &ok); err == nil {
		t.Fatalf("expected error with no scheduler configured")
	}
}
