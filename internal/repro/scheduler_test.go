package repro

import (
	"testing"
	"time"

	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
	"github.com/multiverse-hardware-labs/ephysd/internal/options"
)

func TestSchedulerRunToCompletion(t *testing.T) {
	p := &Procedure{Name: "Baseline", Options: options.New("Baseline"), Main: func(ctx *RunContext) Outcome {
		return Completed
	}}
	s := NewScheduler(nil)
	if err := s.Start(p, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	outcome := s.Wait()
	if outcome != Completed {
		t.Fatalf("outcome=%v, want Completed", outcome)
	}
	if got := p.Counters().CompletedRuns; got != 1 {
		t.Errorf("CompletedRuns=%d, want 1", got)
	}
	if p.State() != Idle {
		t.Errorf("state=%v, want Idle", p.State())
	}
}

func TestSchedulerRefusesConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	p := &Procedure{Name: "Long", Options: options.New("Long"), Main: func(ctx *RunContext) Outcome {
		close(started)
		ctx.SleepWait(time.Second)
		return Aborted
	}}
	s := NewScheduler(nil)
	if err := s.Start(p, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	<-started

	other := &Procedure{Name: "Other", Options: options.New("Other"), Main: func(ctx *RunContext) Outcome { return Completed }}
	err := s.Start(other, PriorityNormal)
	if err == nil {
		t.Fatal("expected Busy error")
	}
	if e, ok := err.(*ephyserr.Error); !ok || e.Kind != ephyserr.Busy {
		t.Fatalf("got %v, want Busy", err)
	}

	s.RequestStop()
	s.Wait()
}

func TestCooperativeCancellationWithinOneSuspension(t *testing.T) {
	// spec §8: "from the moment requestStop is called, the procedure
	// terminates after at most one additional suspension point's timeout."
	p := &Procedure{Name: "Waiter", Options: options.New("Waiter"), Main: func(ctx *RunContext) Outcome {
		for !ctx.Interrupted() {
			if ctx.SleepWait(5 * time.Second) {
				return Aborted
			}
		}
		return Aborted
	}}
	s := NewScheduler(nil)
	if err := s.Start(p, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond) // let Main reach SleepWait
	start := time.Now()
	s.RequestStop()
	outcome := s.Wait()
	elapsed := time.Since(start)
	if outcome != Aborted {
		t.Fatalf("outcome=%v, want Aborted", outcome)
	}
	if elapsed > time.Second {
		t.Fatalf("took %v to terminate after RequestStop, want well under the 5s timeout", elapsed)
	}
}

func TestHighPriorityPreemptsRunning(t *testing.T) {
	started := make(chan struct{})
	low := &Procedure{Name: "Low", Options: options.New("Low"), Main: func(ctx *RunContext) Outcome {
		close(started)
		ctx.SleepWait(5 * time.Second)
		return Aborted
	}}
	s := NewScheduler(nil)
	if err := s.Start(low, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	<-started

	high := &Procedure{Name: "High", Options: options.New("High"), Main: func(ctx *RunContext) Outcome { return Completed }}
	if err := s.Start(high, PriorityHigh); err != nil {
		t.Fatal(err)
	}
	outcome := s.Wait()
	if outcome != Completed {
		t.Fatalf("outcome=%v, want Completed", outcome)
	}
	if got := low.Counters().AbortedRuns; got != 1 {
		t.Errorf("low.AbortedRuns=%d, want 1", got)
	}
}

func TestValidateRequiresFallback(t *testing.T) {
	procs := []*Procedure{
		{Name: "A", Options: options.New("A")},
		{Name: "B", Options: options.New("B")},
	}
	if err := Validate(procs); err == nil {
		t.Fatal("expected MissingFallback error")
	}
	procs[1].Fallback = true
	if err := Validate(procs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
