package builtin

import (
	"testing"
	"time"

	"github.com/multiverse-hardware-labs/ephysd/internal/repro"
)

func TestIdleProcedureIsFallbackAndCompletesOnInterrupt(t *testing.T) {
	p := NewIdleProcedure()
	if !p.Fallback {
		t.Fatalf("expected Idle to be the fallback procedure")
	}

	sched := repro.NewScheduler(nil)
	sched.SetFallback(p)
	if err := sched.StartFallback(); err != nil {
		t.Fatalf("StartFallback: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	sched.RequestStop()

	select {
	case <-done(sched):
	case <-time.After(time.Second):
		t.Fatalf("Idle did not terminate after RequestStop")
	}
}

func done(sched *repro.Scheduler) <-chan repro.Outcome {
	ch := make(chan repro.Outcome, 1)
	go func() { ch <- sched.Wait() }()
	return ch
}
