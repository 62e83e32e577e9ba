package cyclic

import (
	"sync"
	"sync/atomic"

	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
)

// Event is one record in an EventStream: a time plus optional size and
// width (spec §3 EventStream).
type Event struct {
	Time  float64 // seconds
	Size  float64
	Width float64
}

// EventStream is an append-only, time-ordered deque of Events with a
// monotonically growing produced count and signal-time marker analogous
// to Trace (spec §3, §4.1).
type EventStream struct {
	Name      string
	SizeUnit  string
	WidthUnit string

	mu     sync.Mutex
	events []Event
	base   int64 // index of events[0]; advances when Free trims the front

	produced   atomic.Int64
	signalTime atomic.Int64
}

// NewEventStream creates an empty EventStream.
func NewEventStream(name, sizeUnit, widthUnit string) *EventStream {
	return &EventStream{Name: name, SizeUnit: sizeUnit, WidthUnit: widthUnit}
}

// Push appends an event. Events must be strictly time-ordered (spec §3,
// §8); Push returns an error if t does not exceed the last event's time.
func (e *EventStream) Push(t, size, width float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.events); n > 0 && t <= e.events[n-1].Time {
		return ephyserr.New("cyclic.EventStream.Push", ephyserr.InvalidReference, e.Name,
			"event times must be strictly increasing")
	}
	e.events = append(e.events, Event{Time: t, Size: size, Width: width})
	e.produced.Add(1)
	return nil
}

// Produced returns the total number of events ever pushed.
func (e *EventStream) Produced() int64 { return e.produced.Load() }

// MinIndex returns the smallest index that is still accessible.
func (e *EventStream) MinIndex() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.base
}

// CurrentSize returns the number of currently accessible events.
func (e *EventStream) CurrentSize() int64 {
	return e.produced.Load() - e.MinIndex()
}

// SignalTime returns the sticky marker of the most recent stimulus onset,
// expressed as an event index.
func (e *EventStream) SignalTime() int64 { return e.signalTime.Load() }

// SetSignalTime advances the signal-time marker; it never decreases.
func (e *EventStream) SetSignalTime(index int64) {
	for {
		cur := e.signalTime.Load()
		if index <= cur {
			return
		}
		if e.signalTime.CompareAndSwap(cur, index) {
			return
		}
	}
}

// ReadEvents returns the events in [fromIndex, produced).
func (e *EventStream) ReadEvents(fromIndex int64) ([]Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fromIndex < e.base {
		return nil, ephyserr.New("cyclic.EventStream.ReadEvents", ephyserr.OutOfRange, e.Name,
			"requested index below minIndex")
	}
	produced := e.produced.Load()
	if fromIndex >= produced {
		return nil, nil
	}
	start := fromIndex - e.base
	out := make([]Event, produced-fromIndex)
	copy(out, e.events[start:])
	return out, nil
}

// Clear resets the stream to empty; MinIndex returns to 0.
func (e *EventStream) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
	e.base = 0
	e.produced.Store(0)
	e.signalTime.Store(0)
}

// Free trims the front of the deque, retaining only the last n events
// (original CyclicArray.free(n), applied to the event deque).
func (e *EventStream) Free(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < 0 {
		return ephyserr.New("cyclic.EventStream.Free", ephyserr.InvalidReference, e.Name, "invalid free size")
	}
	if len(e.events) <= n {
		return nil
	}
	drop := len(e.events) - n
	e.events = append([]Event(nil), e.events[drop:]...)
	e.base += int64(drop)
	return nil
}
