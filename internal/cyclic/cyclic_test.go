package cyclic

import (
	"testing"

	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
)

func TestTraceWrapAround(t *testing.T) {
	tr := NewTrace("V-1", "V", 1e-4, 4)
	for i := 0; i < 10; i++ {
		tr.Push(float64(i))
	}
	if got, want := tr.Produced(), int64(10); got != want {
		t.Fatalf("Produced()=%d, want %d", got, want)
	}
	if got, want := tr.MinIndex(), int64(6); got != want {
		t.Fatalf("MinIndex()=%d, want %d", got, want)
	}
	data, err := tr.ReadBuffer(6)
	if err != nil {
		t.Fatal(err)
	}
	// Index 6 sits in slot 2 of the 4-slot array, so only the samples up
	// to the physical end of the array (6 and 7) are contiguous.
	want := []float64{6, 7}
	if len(data) != len(want) {
		t.Fatalf("ReadBuffer returned %v, want %v", data, want)
	}
	for i := range want {
		if data[i] != want[i] {
			t.Errorf("data[%d]=%v, want %v", i, data[i], want[i])
		}
	}
}

func TestTraceReadBufferOutOfRange(t *testing.T) {
	tr := NewTrace("V-1", "V", 1e-4, 4)
	for i := 0; i < 10; i++ {
		tr.Push(float64(i))
	}
	_, err := tr.ReadBuffer(0)
	var e *ephyserr.Error
	if err == nil {
		t.Fatal("expected OutOfRange error")
	}
	if !castErr(err, &e) || e.Kind != ephyserr.OutOfRange {
		t.Fatalf("got %v, want OutOfRange", err)
	}
}

func castErr(err error, target **ephyserr.Error) bool {
	e, ok := err.(*ephyserr.Error)
	if ok {
		*target = e
	}
	return ok
}

func TestTraceSignalTimeMonotonic(t *testing.T) {
	tr := NewTrace("V-1", "V", 1e-4, 100)
	tr.SetSignalTime(10)
	tr.SetSignalTime(5)
	if got := tr.SignalTime(); got != 10 {
		t.Errorf("SignalTime()=%d, want 10 (non-decreasing)", got)
	}
	tr.SetSignalTime(20)
	if got := tr.SignalTime(); got != 20 {
		t.Errorf("SignalTime()=%d, want 20", got)
	}
}

func TestTraceFreePreservesTail(t *testing.T) {
	tr := NewTrace("V-1", "V", 1e-4, 8)
	for i := 0; i < 8; i++ {
		tr.Push(float64(i))
	}
	if err := tr.Free(4); err != nil {
		t.Fatal(err)
	}
	data, err := tr.ReadBuffer(tr.MinIndex())
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{4, 5, 6, 7}
	if len(data) != len(want) {
		t.Fatalf("got %v, want %v", data, want)
	}
	for i := range want {
		if data[i] != want[i] {
			t.Errorf("data[%d]=%v, want %v", i, data[i], want[i])
		}
	}
}

func TestEventStreamOrdering(t *testing.T) {
	es := NewEventStream("spikes", "", "")
	if err := es.Push(1.0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := es.Push(2.0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := es.Push(1.5, 0, 0); err == nil {
		t.Error("expected error pushing a non-increasing event time")
	}
	events, err := es.ReadEvents(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestEventStreamFree(t *testing.T) {
	es := NewEventStream("spikes", "", "")
	for i := 1; i <= 5; i++ {
		if err := es.Push(float64(i), 0, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := es.Free(2); err != nil {
		t.Fatal(err)
	}
	if got := es.MinIndex(); got != 3 {
		t.Errorf("MinIndex()=%d, want 3", got)
	}
	events, err := es.ReadEvents(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Time != 4 || events[1].Time != 5 {
		t.Errorf("got %+v, want [4 5]", events)
	}
}
