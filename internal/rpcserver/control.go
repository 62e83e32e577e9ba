// Package rpcserver exposes the control surface spec §6 names, grounded
// on dastard's SourceControl (rpc_server.go): one Control struct whose
// exported methods are registered with net/rpc and served over
// net/rpc/jsonrpc, plus a bounded ClientUpdate channel the UI drains
// (design note "the message channel is the RPC call boundary").
package rpcserver

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/multiverse-hardware-labs/ephysd/internal/macro"
	"github.com/multiverse-hardware-labs/ephysd/internal/options"
	"github.com/multiverse-hardware-labs/ephysd/internal/repro"
)

// SessionController is the subset of *session.Session the control
// surface drives; a narrow interface here keeps rpcserver independent
// of persist's Storage wiring.
type SessionController interface {
	Start() error
	Save() error
	Discard() error
}

// ClientUpdate is one message pushed to every connected UI client
// (dastard: clientUpdates chan<- ClientUpdate).
type ClientUpdate struct {
	Topic string
	Value interface{}
}

// ServerStatus is the status Control reports to clients (dastard:
// ServerStatus).
type ServerStatus struct {
	Running      bool
	SessionState string
	MacroRunning bool
}

// Control is the sub-server registered with net/rpc (dastard:
// SourceControl). Any collaborator left nil makes the corresponding
// method return an error saying it is not configured, following
// dastard's `if s.activeSource == nil` guard style.
type Control struct {
	Scheduler  *repro.Scheduler
	Macro      *macro.Interpreter
	Filters    macro.FilterConfigurer
	Procedures macro.ProcedureStarter
	Session    SessionController

	status        atomic.Value
	clientUpdates chan<- ClientUpdate
}

// NewControl creates a Control that publishes ClientUpdates on
// updates, matching dastard's NewSourceControl wiring its
// clientUpdates channel at construction.
func NewControl(updates chan<- ClientUpdate) *Control {
	c := &Control{clientUpdates: updates}
	c.SetStatus(ServerStatus{})
	return c
}

// Status loads the current ServerStatus atomically (dastard: Status()).
func (c *Control) Status() ServerStatus {
	v := c.status.Load()
	if v == nil {
		return ServerStatus{}
	}
	return v.(ServerStatus)
}

// SetStatus stores a ServerStatus atomically (dastard: SetStatus()).
func (c *Control) SetStatus(x ServerStatus) { c.status.Store(x) }

func (c *Control) notify(topic string, value interface{}) {
	if c.clientUpdates == nil {
		return
	}
	select {
	case c.clientUpdates <- ClientUpdate{Topic: topic, Value: value}:
	default:
	}
}

// MacroArgs names the macro StartMacro starts.
type MacroArgs struct {
	Name string
}

// StartMacro starts the named macro running on a fresh goroutine and
// returns immediately (spec §4.5 macro-call dispatch at the top
// level).
func (c *Control) StartMacro(args *MacroArgs, reply *bool) error {
	*reply = false
	if c.Macro == nil {
		return fmt.Errorf("rpcserver: no macro interpreter configured")
	}
	if err := c.Macro.Start(args.Name); err != nil {
		return err
	}
	go func() {
		_ = c.Macro.Run()
		c.notify("MACRO_DONE", args.Name)
	}()
	*reply = true
	c.notify("MACRO_STARTED", args.Name)
	return nil
}

// PauseMacro parks the running macro between commands (spec §4.5
// "Soft break stores the resume position").
func (c *Control) PauseMacro(dummy *string, reply *bool) error {
	*reply = false
	if c.Macro == nil {
		return fmt.Errorf("rpcserver: no macro interpreter configured")
	}
	c.Macro.Pause()
	*reply = true
	return nil
}

// ResumeMacro resumes a parked macro.
func (c *Control) ResumeMacro(dummy *string, reply *bool) error {
	*reply = false
	if c.Macro == nil {
		return fmt.Errorf("rpcserver: no macro interpreter configured")
	}
	if err := c.Macro.Resume(); err != nil {
		return err
	}
	*reply = true
	return nil
}

// SkipOneCommand skips the next parked command without executing it.
func (c *Control) SkipOneCommand(dummy *string, reply *bool) error {
	*reply = false
	if c.Macro == nil {
		return fmt.Errorf("rpcserver: no macro interpreter configured")
	}
	if err := c.Macro.SkipOne(); err != nil {
		return err
	}
	*reply = true
	return nil
}

// RequestStop interrupts the currently running procedure (spec §4.4
// "Running -> Stopping").
func (c *Control) RequestStop(dummy *string, reply *bool) error {
	*reply = false
	if c.Scheduler == nil {
		return fmt.Errorf("rpcserver: no scheduler configured")
	}
	c.Scheduler.RequestStop()
	*reply = true
	return nil
}

// ProcedureArgs starts a procedure directly, bypassing the macro
// interpreter (an operator-initiated run rather than a scripted one).
type ProcedureArgs struct {
	Name   string
	Params map[string]string
}

// StartProcedure requests the scheduler start the named procedure with
// the given parameter overlay (spec §4.4).
func (c *Control) StartProcedure(args *ProcedureArgs, reply *bool) error {
	*reply = false
	if c.Procedures == nil {
		return fmt.Errorf("rpcserver: no procedure starter configured")
	}
	params := options.New(args.Name)
	for k, v := range args.Params {
		overlayAssignment(params, k+"="+v)
	}
	if err := c.Procedures.StartProcedure(args.Name, params); err != nil {
		return err
	}
	*reply = true
	return nil
}

func overlayAssignment(dst *options.Options, assignment string) {
	name, text, unit, num, isNum := options.ParseAssignment(assignment)
	if name == "" {
		return
	}
	if isNum {
		dst.Insert(options.NewNumber(name, name, unit, num))
		return
	}
	dst.Insert(options.NewText(name, name, text))
}

// FilterConfigArgs configures or saves a filter/detector node (spec
// §4.5 "filter-configure / filter-save").
type FilterConfigArgs struct {
	Name     string
	Params   map[string]string
	Save     bool
	Detector bool
}

// ConfigureFilter forwards a configure-or-save request to the named
// filter or detector node.
func (c *Control) ConfigureFilter(args *FilterConfigArgs, reply *bool) error {
	*reply = false
	if c.Filters == nil {
		return fmt.Errorf("rpcserver: no filter configurer configured")
	}
	params := options.New(args.Name)
	for k, v := range args.Params {
		overlayAssignment(params, k+"="+v)
	}
	var err error
	if args.Detector {
		err = c.Filters.ConfigureDetector(args.Name, params, args.Save)
	} else {
		err = c.Filters.ConfigureFilter(args.Name, params, args.Save)
	}
	if err != nil {
		return err
	}
	*reply = true
	return nil
}

// SessionControlArgs is the WriteControl-equivalent for session
// save/discard (SPEC_FULL ambient-stack note).
type SessionControlArgs struct {
	Request string // "START", "SAVE", or "DISCARD"
}

// SessionControl starts, saves, or discards the current session (spec
// §4.6), mirroring dastard's WriteControl request-string dispatch.
func (c *Control) SessionControl(args *SessionControlArgs, reply *bool) error {
	*reply = false
	if c.Session == nil {
		return fmt.Errorf("rpcserver: no session configured")
	}
	var err error
	switch strings.ToUpper(args.Request) {
	case "START":
		err = c.Session.Start()
	case "SAVE":
		err = c.Session.Save()
	case "DISCARD":
		err = c.Session.Discard()
	default:
		return fmt.Errorf("rpcserver: unknown session request %q", args.Request)
	}
	if err != nil {
		return err
	}
	*reply = true
	c.notify("SESSION", args.Request)
	return nil
}

// SendAllStatus pushes the current ServerStatus to clients (dastard:
// SendAllStatus).
func (c *Control) SendAllStatus(dummy *string, reply *bool) error {
	c.notify("STATUS", c.Status())
	*reply = true
	return nil
}
