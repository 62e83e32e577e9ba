// Package framework wires the acquisition engine, filter/detector DAG,
// procedure scheduler, macro interpreter, session controller, and
// persistence/publish layers into one aggregate, grounded on design
// note "Global registries -> explicit context: ... should be members
// of a single Framework aggregate passed by reference; no process-wide
// singletons." There is exactly one Framework per running ephysd
// process; it owns every other package's top-level object and is the
// sole thing cmd/ephysd constructs.
package framework

import (
	"bytes"
	"log"
	"os"
	"os/exec"

	"github.com/multiverse-hardware-labs/ephysd/internal/cyclic"
	"github.com/multiverse-hardware-labs/ephysd/internal/daq"
	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
	"github.com/multiverse-hardware-labs/ephysd/internal/filter"
	"github.com/multiverse-hardware-labs/ephysd/internal/macro"
	"github.com/multiverse-hardware-labs/ephysd/internal/options"
	"github.com/multiverse-hardware-labs/ephysd/internal/persist"
	"github.com/multiverse-hardware-labs/ephysd/internal/publish"
	"github.com/multiverse-hardware-labs/ephysd/internal/repro"
	"github.com/multiverse-hardware-labs/ephysd/internal/session"
)

// Config is everything a caller must supply to build a Framework; the
// acquisition hardware layout and the procedure/filter catalogs are
// domain configuration the framework itself does not invent (spec §6
// device naming, §3 Procedure/FilterNode catalogs).
type Config struct {
	MaxSampleRate float64

	InputDevice    string
	InputChannels  []int
	InputUnit      string
	SampleInterval float64
	TraceCapacity  int

	OutputDevice   string
	OutputChannels []int
	Attenuators    map[int]daq.Attenuator

	Nodes      []filter.Node
	Procedures []*repro.Procedure
	MacroFile  *macro.File

	PersistRoot     string
	PersistTemplate string
	// PersistHighWaterMark bounds the stimulus-index persistence queue
	// before it starts dropping the newest descriptor (spec §5
	// back-pressure). Zero uses persist.DefaultHighWaterMark.
	PersistHighWaterMark int

	EventsHostname  string
	StimuliHostname string

	NoSave      bool
	DataPath    string
	DefaultPath string
}

// Framework is the aggregate spec §9's design note calls for: every
// long-lived component a running ephysd needs, reachable from one
// struct instead of package-level state.
type Framework struct {
	Engine  *daq.Engine
	Graph   *filter.Graph
	Driver  *filter.Driver
	Sched   *repro.Scheduler
	Session *session.Session
	Store   *persist.Store
	Publish *publish.Publisher
	Macro   *macro.Interpreter

	procedures map[string]*repro.Procedure

	noSave      bool
	dataPath    string
	defaultPath string
}

// New builds a Framework from cfg: opens the DAQ engine's input/output,
// builds the filter/detector graph over the resulting traces, creates
// the filter driver (StartFilterDriver starts it), validates the
// procedure catalog has a resolvable
// fallback, and wires a macro interpreter over cfg.MacroFile if given.
func New(cfg Config) (*Framework, error) {
	eng := daq.NewEngine(cfg.MaxSampleRate)
	traces, err := eng.OpenInput(cfg.InputDevice, cfg.InputChannels, cfg.InputUnit, cfg.SampleInterval, cfg.TraceCapacity)
	if err != nil {
		return nil, ephyserr.Wrap("framework.New", ephyserr.InvalidDevice, cfg.InputDevice, err)
	}
	if len(cfg.OutputChannels) > 0 {
		if err := eng.OpenOutput(cfg.OutputDevice, cfg.OutputChannels, cfg.Attenuators); err != nil {
			return nil, ephyserr.Wrap("framework.New", ephyserr.InvalidDevice, cfg.OutputDevice, err)
		}
	}

	rawTraces := make(map[string]*cyclic.Trace, len(traces))
	for _, tr := range traces {
		rawTraces[tr.Name] = tr
	}
	graph, err := filter.Build(cfg.Nodes, rawTraces, nil)
	if err != nil {
		return nil, err
	}

	procedures := make(map[string]*repro.Procedure, len(cfg.Procedures))
	for _, p := range cfg.Procedures {
		procedures[p.Name] = p
	}
	if len(cfg.Procedures) > 0 {
		if err := repro.Validate(cfg.Procedures); err != nil {
			return nil, err
		}
	}

	store := persist.NewStore(cfg.PersistRoot, cfg.PersistTemplate)
	if cfg.PersistHighWaterMark > 0 {
		store.SetHighWaterMark(cfg.PersistHighWaterMark)
	}
	sess := session.New(store)

	pub := publish.New()
	if cfg.EventsHostname != "" {
		pub.SetEventsHostname(cfg.EventsHostname)
	}
	if cfg.StimuliHostname != "" {
		pub.SetStimuliHostname(cfg.StimuliHostname)
	}

	fw := &Framework{
		Engine:      eng,
		Graph:       graph,
		Session:     sess,
		Store:       store,
		Publish:     pub,
		procedures:  procedures,
		noSave:      cfg.NoSave,
		dataPath:    cfg.DataPath,
		defaultPath: cfg.DefaultPath,
	}
	fw.Driver = filter.NewDriver(graph, fw.onFilterError)
	fw.Sched = repro.NewScheduler(fw.onTerminate)
	if fb := fallbackOf(cfg.Procedures); fb != nil {
		fw.Sched.SetFallback(fb)
	}

	if cfg.MacroFile != nil {
		fw.Macro = macro.NewInterpreter(cfg.MacroFile, macro.Dispatch{
			Procedures: fw,
			Filters:    fw,
			Sessions:   fw,
			Shell:      fw,
			Message:    fw.onMessage,
			Browse:     fw.onBrowse,
		})
	}
	return fw, nil
}

func fallbackOf(procedures []*repro.Procedure) *repro.Procedure {
	for _, p := range procedures {
		if p.Fallback {
			return p
		}
	}
	return nil
}

func (fw *Framework) onFilterError(node string, err error) {
	log.Printf("framework: filter node %q: %v", node, err)
}

// onTerminate folds a finished procedure's outcome into the active
// session's counters (spec §4.6 "per-session counters").
func (fw *Framework) onTerminate(p *repro.Procedure, o repro.Outcome) {
	fw.Session.RecordOutcome(o == repro.Completed, o == repro.Aborted, o == repro.Failed)
}

func (fw *Framework) onMessage(text string, seconds int) {
	log.Printf("framework: message (%ds): %s", seconds, text)
}

func (fw *Framework) onBrowse(path string) {
	log.Printf("framework: browse %s", path)
}

// StartProcedure implements macro.ProcedureStarter and
// rpcserver.Control's operator-initiated start: it overlays params
// onto the named procedure's persistent Options, starts it, and blocks
// until it terminates (spec §4.5 step 2 "procedure-run").
func (fw *Framework) StartProcedure(name string, params *options.Options) error {
	p, ok := fw.procedures[name]
	if !ok {
		return ephyserr.New("framework.StartProcedure", ephyserr.ConfigSyntax, name, "unknown procedure")
	}
	applyOverrides(p.Options, params)
	if err := fw.Sched.Start(p, repro.PriorityNormal); err != nil {
		return err
	}
	fw.Sched.Wait()
	return nil
}

// ConfigureFilter implements macro.FilterConfigurer's filter branch
// (spec §4.5 "filter-configure / filter-save").
func (fw *Framework) ConfigureFilter(name string, params *options.Options, save bool) error {
	return fw.configureNode(name, params, save)
}

// ConfigureDetector implements macro.FilterConfigurer's detector
// branch; detectors and filters share the same node registry.
func (fw *Framework) ConfigureDetector(name string, params *options.Options, save bool) error {
	return fw.configureNode(name, params, save)
}

func (fw *Framework) configureNode(name string, params *options.Options, save bool) error {
	node, ok := fw.Graph.NodeByName(name)
	if !ok {
		return ephyserr.New("framework.ConfigureFilter", ephyserr.UnknownPlugin, name, "no such filter/detector node")
	}
	cfgNode, ok := node.(filter.Configurable)
	if !ok {
		return ephyserr.New("framework.ConfigureFilter", ephyserr.ConfigSyntax, name, "node does not accept runtime configuration")
	}
	if err := cfgNode.Configure(params); err != nil {
		return ephyserr.Wrap("framework.ConfigureFilter", ephyserr.ConfigSyntax, name, err)
	}
	if save {
		return fw.saveNodeConfig(name, params)
	}
	return nil
}

// saveNodeConfig dumps a node's parameter set to a small text file
// under the active session's base directory, so a filter-save command
// leaves a durable record of what was in effect (spec §4.5
// "filter-save"). Outside an Active session there is nowhere to save
// to, so it is a no-op.
func (fw *Framework) saveNodeConfig(name string, params *options.Options) error {
	if fw.Session.State() != session.Active {
		return nil
	}
	base := fw.Session.BasePath()
	f, err := os.Create(base + "/" + name + ".cfg")
	if err != nil {
		return ephyserr.Wrap("framework.saveNodeConfig", ephyserr.WriteError, name, err)
	}
	var buf bytes.Buffer
	params.Iterate(0, func(p *options.Parameter) {
		buf.WriteString(p.FormatAssignment())
		buf.WriteByte('\n')
	})
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return ephyserr.Wrap("framework.saveNodeConfig", ephyserr.WriteError, name, err)
	}
	fw.Store.TrackFile(f)
	return nil
}

// StartSession implements macro.SessionStarter (spec §4.5
// "start-session").
func (fw *Framework) StartSession() error {
	return fw.Session.Start()
}

// RunShell implements macro.ShellRunner: it runs command through the
// shell with RELACSDATAPATH/RELACSDEFAULTPATH exported (spec §6
// "Environment"). A non-zero exit is logged, not returned as an error,
// matching spec §7 "Shell-command non-zero exits are logged but do not
// abort the macro unless it declares otherwise"; only a failure to
// launch the command at all is returned.
func (fw *Framework) RunShell(command string) (string, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Env = append(os.Environ(),
		"RELACSDATAPATH="+fw.dataPath,
		"RELACSDEFAULTPATH="+fw.defaultPath,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); ok {
			log.Printf("framework: shell command %q exited non-zero: %v", command, runErr)
			return out.String(), nil
		}
		return out.String(), ephyserr.Wrap("framework.RunShell", ephyserr.WriteError, command, runErr)
	}
	return out.String(), nil
}

// applyOverrides copies every value in src onto the matching parameter
// in dst, inserting unrecognized ones (the Options-level analogue of
// macro.overlay, used when the override source is already an Options
// blob rather than a parsed "k=v" text block). It copies typed values
// directly rather than round-tripping through FormatAssignment/Assign,
// since FormatAssignment's no-space "name=valueUnit" output does not
// re-parse as numeric through ParseAssignment (which requires a space
// between value and unit to recognize a number).
func applyOverrides(dst, src *options.Options) {
	src.Iterate(0, func(p *options.Parameter) {
		existing, ok := dst.Get(p.Name)
		if !ok {
			dst.Insert(p.Clone())
			return
		}
		switch p.Kind {
		case options.Number, options.Integer:
			if v, err := p.Number(p.Unit); err == nil {
				_ = existing.SetNumber(v, p.Unit)
			}
		case options.Text:
			if v, err := p.Text(); err == nil {
				_ = existing.SetText(v)
			}
		case options.Boolean:
			if v, err := p.Bool(); err == nil {
				_ = existing.SetBool(v)
			}
		}
	})
}

// StartFilterDriver starts the filter DAG's driver goroutine and
// returns a stop function; callers (cmd/ephysd) are expected to defer
// the stop on shutdown.
func (fw *Framework) StartFilterDriver() (stop func()) {
	go fw.Driver.Run()
	return fw.Driver.Stop
}

// Tick advances the DAQ engine by n frames and wakes the filter driver,
// for simulate-mode operation where no hardware interrupt drives the
// real-time service step (spec §4.2 step 5).
func (fw *Framework) Tick(n int) {
	fw.Engine.Tick(n)
	fw.Driver.Wake()
}

// Close shuts down the DAQ engine, stops the filter driver, and closes
// any open publish sockets. It does not touch the session or its
// storage; callers should Save or Discard an Active session first.
func (fw *Framework) Close() error {
	fw.Driver.Stop()
	fw.Publish.Close()
	return fw.Engine.Close()
}
