package repro

import (
	"fmt"
	"sync"

	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
)

// Priority orders competing start requests so a higher-priority request
// can interrupt the currently running procedure (spec §4.4(d)).
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Scheduler runs exactly one Procedure at a time on a dedicated worker
// goroutine (spec §4.4, §5 "Procedure/macro thread"). Grounded on
// dastard's single-owning-struct run lifecycle (data_source.go Start).
type Scheduler struct {
	mu        sync.Mutex
	fallback  *Procedure
	current   *Procedure
	ctx       *RunContext
	runDone   chan Outcome
	onTerminate func(p *Procedure, o Outcome)
}

// NewScheduler creates a Scheduler. onTerminate, if non-nil, is called
// once per run after the procedure's Main returns.
func NewScheduler(onTerminate func(p *Procedure, o Outcome)) *Scheduler {
	return &Scheduler{onTerminate: onTerminate}
}

// SetFallback designates the fallback procedure (spec §4.4 "Fallback")
// that StartFallback starts. The scheduler does not start it on its own
// when a run terminates.
func (s *Scheduler) SetFallback(p *Procedure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = p
}

// Fallback returns the configured fallback procedure, if any.
func (s *Scheduler) Fallback() *Procedure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback
}

// Current returns the procedure currently in the Running state, if any.
func (s *Scheduler) Current() *Procedure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Start transitions a procedure Idle -> Running and runs its Main on a
// new goroutine (spec §4.4 state diagram). It fails with Busy if another
// procedure is already running, unless priority is PriorityHigh, in
// which case the running procedure is interrupted first and Start blocks
// until it terminates.
func (s *Scheduler) Start(p *Procedure, priority Priority) error {
	s.mu.Lock()
	if s.current != nil {
		if priority != PriorityHigh {
			s.mu.Unlock()
			return ephyserr.New("repro.Start", ephyserr.Busy, p.Name, "a procedure is already running")
		}
		s.mu.Unlock()
		s.RequestStop()
		s.Wait()
		s.mu.Lock()
	}

	p.mu.Lock()
	p.state = Running
	p.mu.Unlock()

	ctx := newRunContext()
	s.current = p
	s.ctx = ctx
	done := make(chan Outcome, 1)
	s.runDone = done
	s.mu.Unlock()

	go func() {
		outcome := p.Main(ctx)
		p.mu.Lock()
		p.state = Idle
		p.mu.Unlock()
		p.recordOutcome(outcome)

		s.mu.Lock()
		s.current = nil
		s.ctx = nil
		s.mu.Unlock()

		if s.onTerminate != nil {
			s.onTerminate(p, outcome)
		}
		done <- outcome
	}()
	return nil
}

// RequestStop transitions the running procedure Running -> Stopping by
// setting its interrupt flag and releasing any sleep (spec §4.4, §5
// "Cancellation semantics").
func (s *Scheduler) RequestStop() {
	s.mu.Lock()
	cur, ctx := s.current, s.ctx
	s.mu.Unlock()
	if cur == nil {
		return
	}
	cur.mu.Lock()
	if cur.state == Running {
		cur.state = Stopping
	}
	cur.mu.Unlock()
	if ctx != nil {
		ctx.requestInterrupt()
	}
}

// SoftStop is an alias for RequestStop used by macro "break" commands
// (spec §4.4 transitions: "Running -> Stopping (requestStop, softStop,
// macro break)").
func (s *Scheduler) SoftStop() { s.RequestStop() }

// Wait blocks until the currently running procedure (if any) terminates.
func (s *Scheduler) Wait() Outcome {
	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()
	if done == nil {
		return Completed
	}
	return <-done
}

// StartFallback starts the configured fallback procedure, or returns
// MissingFallback if none is configured (spec §7).
func (s *Scheduler) StartFallback() error {
	fb := s.Fallback()
	if fb == nil {
		return ephyserr.New("repro.StartFallback", ephyserr.MissingFallback, "", "no fallback procedure configured")
	}
	return s.Start(fb, PriorityNormal)
}

// Validate checks that the catalog resolves at least one fallback
// procedure (spec §7 "the system refuses to start unless at least one
// fallback procedure is resolvable").
func Validate(procedures []*Procedure) error {
	for _, p := range procedures {
		if p.Fallback {
			return nil
		}
	}
	return ephyserr.New("repro.Validate", ephyserr.MissingFallback, "",
		fmt.Sprintf("none of %d procedures is marked fallback", len(procedures)))
}
