package macro

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
	"github.com/multiverse-hardware-labs/ephysd/internal/options"
)

// ProcedureStarter starts a procedure by name with the given parameter
// overlay and blocks until it terminates (spec §4.5 "run-a-procedure-
// with-parameters").
type ProcedureStarter interface {
	StartProcedure(name string, params *options.Options) error
}

// FilterConfigurer configures or saves a filter/detector node's Options
// (spec §4.5 "configure-or-save-filter/detector").
type FilterConfigurer interface {
	ConfigureFilter(name string, params *options.Options, save bool) error
	ConfigureDetector(name string, params *options.Options, save bool) error
}

// SessionStarter begins a new recording session (spec §4.5
// "start-session").
type SessionStarter interface {
	StartSession() error
}

// ShellRunner executes a shell command and returns its captured output
// (spec §4.5 "run-shell").
type ShellRunner interface {
	RunShell(command string) (output string, err error)
}

// Dispatch collects the side-effecting collaborators an Interpreter calls
// into; any field left nil makes the corresponding verb a no-op.
type Dispatch struct {
	Procedures ProcedureStarter
	Filters    FilterConfigurer
	Sessions   SessionStarter
	Shell      ShellRunner
	Message    func(text string, seconds int)
	Browse     func(path string)
	Rand       *rand.Rand
}

// frame is one call-stack entry: a macro, the index of the next command
// to execute within it, and the parameter bindings visible while it runs
// (spec §4.5 "a call stack of (macro, command, bound-variables) frames").
type frame struct {
	macro    *Macro
	cmdIndex int
	vars     *options.Options
}

// Interpreter executes a parsed macro File one command at a time,
// supporting a cooperative soft-break that parks the call stack between
// commands until Resume or SkipOne is called (spec §4.5, §8 "Macro
// execution is idempotent w.r.t. reload"). Run is meant to be driven
// from its own goroutine (the control surface starts one per StartMacro
// call) while Pause/Resume/SkipOne/Running/Parked are called from
// whichever goroutine is handling the triggering RPC, so stack is
// guarded by mu and parked is a lock-free flag the running goroutine
// polls between commands. mu is never held across a command's dispatch
// call, which may block for the duration of an entire procedure run.
type Interpreter struct {
	file *File
	d    Dispatch

	mu    sync.Mutex
	stack []frame

	parked atomic.Bool
}

// NewInterpreter creates an Interpreter over file using d to perform
// side-effecting verbs.
func NewInterpreter(file *File, d Dispatch) *Interpreter {
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewSource(1))
	}
	return &Interpreter{file: file, d: d}
}

// Start pushes macroName onto an empty call stack. It fails if the macro
// is unknown or the stack is not empty.
func (ip *Interpreter) Start(macroName string) error {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if len(ip.stack) != 0 {
		return ephyserr.New("macro.Start", ephyserr.ConfigSyntax, macroName, "interpreter already running")
	}
	m, ok := ip.file.ByName(macroName)
	if !ok {
		return ephyserr.New("macro.Start", ephyserr.ConfigSyntax, macroName, "unknown macro")
	}
	ip.stack = []frame{{macro: m, vars: m.Variables.Snapshot()}}
	return nil
}

// Running reports whether the call stack is non-empty.
func (ip *Interpreter) Running() bool {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return len(ip.stack) != 0
}

// Parked reports whether execution is parked on a soft break, waiting
// for Resume or SkipOne.
func (ip *Interpreter) Parked() bool { return ip.parked.Load() }

// Pause requests a soft break: the interpreter parks after the command
// currently in flight (if any) finishes, before starting the next one.
func (ip *Interpreter) Pause() { ip.parked.Store(true) }

// Resume clears a soft break and runs to completion or the next pause.
func (ip *Interpreter) Resume() error {
	ip.parked.Store(false)
	return ip.Run()
}

// SkipOne advances past the next command without executing it, then
// re-parks (spec §4.5 soft-break "skip one command and remain paused").
func (ip *Interpreter) SkipOne() error {
	if !ip.parked.Load() {
		return ephyserr.New("macro.SkipOne", ephyserr.ConfigSyntax, "", "interpreter is not parked")
	}
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if len(ip.stack) == 0 {
		return nil
	}
	top := &ip.stack[len(ip.stack)-1]
	if top.cmdIndex < len(top.macro.Commands) {
		top.cmdIndex++
	}
	return nil
}

// Run executes commands until the call stack empties or Pause parks it.
func (ip *Interpreter) Run() error {
	for ip.Running() {
		if ip.parked.Load() {
			return nil
		}
		done, err := ip.step()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// step executes exactly one command and reports whether the stack has
// emptied. It holds mu only for the bookkeeping around the shared call
// stack; the command's own dispatch runs unlocked so a long-blocking
// StartProcedure call never stalls a concurrent Pause/Running/Parked
// call from another goroutine.
func (ip *Interpreter) step() (bool, error) {
	ip.mu.Lock()
	if len(ip.stack) == 0 {
		ip.mu.Unlock()
		return true, nil
	}
	topIdx := len(ip.stack) - 1
	if ip.stack[topIdx].cmdIndex >= len(ip.stack[topIdx].macro.Commands) {
		ip.stack = ip.stack[:topIdx]
		done := len(ip.stack) == 0
		ip.mu.Unlock()
		return done, nil
	}
	cmd := ip.stack[topIdx].macro.Commands[ip.stack[topIdx].cmdIndex]
	ip.stack[topIdx].cmdIndex++
	vars := ip.stack[topIdx].vars
	ip.mu.Unlock()

	if !cmd.Enabled {
		return false, nil
	}

	block, err := ExpandVariables(cmd.Params, vars, ip.d.Rand)
	if err != nil {
		return false, ephyserr.Wrap("macro.step", ephyserr.ConfigSyntax, string(cmd.Verb), err)
	}
	variants, err := ExpandRange(block)
	if err != nil {
		return false, ephyserr.Wrap("macro.step", ephyserr.ConfigSyntax, string(cmd.Verb), err)
	}

	switch cmd.Verb {
	case VerbMacro, VerbSwitch:
		called, ok := ip.file.ByName(cmd.Name)
		if !ok {
			return false, ephyserr.New("macro.step", ephyserr.ConfigSyntax, cmd.Name, "unknown macro")
		}
		childVars := called.Variables.Snapshot()
		overlay(childVars, variants[0])
		ip.mu.Lock()
		if cmd.Verb == VerbSwitch {
			ip.stack = []frame{{macro: called, vars: childVars}}
		} else {
			ip.stack = append(ip.stack, frame{macro: called, vars: childVars})
		}
		ip.mu.Unlock()
		return false, nil

	case VerbRepro:
		if ip.d.Procedures == nil {
			return false, nil
		}
		for _, variant := range variants {
			params := vars.Snapshot()
			overlay(params, variant)
			if err := ip.d.Procedures.StartProcedure(cmd.Name, params); err != nil {
				return false, err
			}
		}
		return false, nil

	case VerbFilter, VerbDetector:
		if ip.d.Filters == nil {
			return false, nil
		}
		params := options.New(cmd.Name)
		overlay(params, variants[0])
		if cmd.Verb == VerbFilter {
			return false, ip.d.Filters.ConfigureFilter(cmd.Name, params, cmd.Save)
		}
		return false, ip.d.Filters.ConfigureDetector(cmd.Name, params, cmd.Save)

	case VerbStartSession:
		if ip.d.Sessions == nil {
			return false, nil
		}
		return false, ip.d.Sessions.StartSession()

	case VerbShell:
		if ip.d.Shell == nil {
			return false, nil
		}
		out, err := ip.d.Shell.RunShell(variants[0])
		if out != "" && ip.d.Message != nil {
			ip.d.Message(out, 0)
		}
		return false, err

	case VerbMessage:
		if ip.d.Message != nil {
			ip.d.Message(cmd.Name, cmd.Seconds)
		}
		return false, nil

	case VerbBrowse:
		if ip.d.Browse != nil {
			ip.d.Browse(cmd.Name)
		}
		return false, nil

	default:
		return false, fmt.Errorf("macro: unhandled verb %q", cmd.Verb)
	}
}

// overlay applies a "k=v; k=v" parameter block onto dst, inserting a
// Text or Number parameter for any key dst does not already define.
func overlay(dst *options.Options, block string) {
	for _, assign := range splitParams(strings.TrimSpace(block)) {
		if assign == "" {
			continue
		}
		name, text, unit, num, isNum := options.ParseAssignment(assign)
		if name == "" {
			continue
		}
		if p, ok := dst.Get(name); ok {
			if isNum {
				_ = p.SetNumber(num, unit)
			} else {
				_ = p.SetText(text)
			}
			continue
		}
		if isNum {
			dst.Insert(options.NewNumber(name, name, unit, num))
		} else {
			dst.Insert(options.NewText(name, name, text))
		}
	}
}
