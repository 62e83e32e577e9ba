// Package repro implements the procedure (RePro) scheduler (spec §3
// Procedure, §4.4): exactly one procedure runs at a time, with
// cooperative preemption, a fallback procedure, and counters reset on
// session boundaries. Grounded on dastard's AnySource run-lifecycle
// (data_source.go Start/RunDoneAdd/RunDoneDone) re-expressed for a
// single-run-at-a-time procedure instead of a continuously running
// source, and on the original RELACS RePro (relacs/repro.h) for the
// sleep/interrupt contract.
package repro

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/multiverse-hardware-labs/ephysd/internal/options"
)

// Outcome is the terminal state a procedure's Main returns (spec §4.4).
type Outcome int

const (
	Completed Outcome = iota
	Aborted
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "Completed"
	case Aborted:
		return "Aborted"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// State is a procedure's scheduling state (spec §4.4).
type State int

const (
	Idle State = iota
	Running
	Stopping
)

// Counters tracks a procedure's run history (spec §3 "run counters").
// Only ResetCounters clears them; starting or stopping a session does
// not.
type Counters struct {
	CompletedRuns int64
	AbortedRuns   int64
	FailedRuns    int64
}

// TotalRuns is completed-or-aborted runs (spec §4.4 totalRuns).
func (c Counters) TotalRuns() int64 { return c.CompletedRuns + c.AbortedRuns }

// AllRuns is every run regardless of outcome (spec §4.4 allRuns).
func (c Counters) AllRuns() int64 { return c.CompletedRuns + c.AbortedRuns + c.FailedRuns }

// Main is the user-supplied procedure logic. It receives a *RunContext
// through which it calls the DAQ engine and blocks on the scheduler's
// wait primitives, and must return one of Completed/Aborted/Failed as
// soon as ctx.Interrupted() is observed (spec §4.4).
type Main func(ctx *RunContext) Outcome

// Procedure is one catalog entry: name, tunable Options, counters, and
// its Main routine (spec §3 Procedure (RePro)).
type Procedure struct {
	Name     string
	Options  *options.Options
	Main     Main
	Fallback bool // spec §4.4 "one procedure is marked fallback"

	mu       sync.Mutex
	state    State
	counters Counters
	lastRun  time.Time
	lastOutcome Outcome
}

// State returns the procedure's current scheduling state.
func (p *Procedure) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Counters returns a snapshot of the procedure's run counters.
func (p *Procedure) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// ResetCounters zeroes the procedure's run counters (spec §4.4 "reset on
// session start/stop").
func (p *Procedure) ResetCounters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters = Counters{}
}

func (p *Procedure) recordOutcome(o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRun = time.Now()
	p.lastOutcome = o
	switch o {
	case Completed:
		p.counters.CompletedRuns++
	case Aborted:
		p.counters.AbortedRuns++
	case Failed:
		p.counters.FailedRuns++
	}
}

// RunContext is handed to a running procedure's Main. It exposes the
// sleep/interrupt contract (spec §4.4) and the no-saving gate (spec §4.4
// "Save gating").
type RunContext struct {
	interrupted atomic.Bool
	wakeCh      chan struct{}
	wakeMu      sync.Mutex

	lastTimestamp time.Time

	noSave atomic.Bool

	// now is a seam for tests; production code should leave it nil and
	// get time.Now.
	now func() time.Time
}

func newRunContext() *RunContext {
	return &RunContext{wakeCh: make(chan struct{}, 1), now: time.Now}
}

func (c *RunContext) clockNow() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Interrupted reports whether a stop has been requested (spec §4.4
// interrupt()): user break, macro jump, shutdown, or a higher-priority
// procedure request.
func (c *RunContext) Interrupted() bool { return c.interrupted.Load() }

// requestInterrupt sets the interrupt flag and releases any sleepWait.
func (c *RunContext) requestInterrupt() {
	c.interrupted.Store(true)
	c.wake()
}

func (c *RunContext) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Sleep suspends for t seconds of real time; on wake it returns true iff
// Interrupted() is now set (spec §4.4 sleep(t)).
func (c *RunContext) Sleep(t time.Duration) bool {
	select {
	case <-c.wakeCh:
	case <-time.After(t):
	}
	c.lastTimestamp = c.clockNow()
	return c.Interrupted()
}

// SleepOn suspends for t seconds measured from the most recent
// TimeStamp() call (spec §4.4 sleepOn(t)).
func (c *RunContext) SleepOn(t time.Duration) bool {
	elapsed := c.clockNow().Sub(c.lastTimestamp)
	remaining := t - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return c.Sleep(remaining)
}

// SleepWait blocks until Wake() is called or the timeout elapses
// (spec §4.4 sleepWait(t); §5 "Timeouts on sleepWait are inclusive upper
// bounds").
func (c *RunContext) SleepWait(timeout time.Duration) bool {
	select {
	case <-c.wakeCh:
	case <-time.After(timeout):
	}
	return c.Interrupted()
}

// Wake releases a SleepWait (spec §4.4 wake()).
func (c *RunContext) Wake() { c.wake() }

// TimeStamp records a steady-clock snapshot for a subsequent SleepOn
// (spec §4.4 timeStamp()).
func (c *RunContext) TimeStamp() { c.lastTimestamp = c.clockNow() }

// NoSaving instructs persistence to ignore this run (spec §4.4 "Save
// gating": "a procedure may call noSaving() before the first write").
func (c *RunContext) NoSaving() { c.noSave.Store(true) }

// SavingDisabled reports whether NoSaving was called during this run.
func (c *RunContext) SavingDisabled() bool { return c.noSave.Load() }
