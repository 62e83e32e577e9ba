// Package cyclic implements the append-only circular sample buffer and
// event deque that back InputTrace and EventStream (spec §3, §4.1).
// Grounded on the original RELACS CyclicArray (numerics/cyclicarray.h):
// produced count never decreases, so indices stay stable across
// wrap-around; readers snapshot (producedCount, signalTime) without
// locking the writer (spec §5 "SPMC... synchronized by atomic produced
// counts only").
package cyclic

import (
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"

	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
)

// Trace is a fixed-capacity circular buffer of floating-point samples
// with a monotonically growing produced count and a sticky signal-time
// marker (spec §3 InputTrace).
type Trace struct {
	Name           string
	Unit           string
	SampleInterval float64 // seconds

	buf      []float64
	capacity int64

	produced   atomic.Int64 // total samples ever written
	signalTime atomic.Int64 // buffer index of most recent stimulus onset
}

// NewTrace allocates a Trace with the given fixed capacity.
func NewTrace(name, unit string, sampleInterval float64, capacity int) *Trace {
	if capacity <= 0 {
		panic("cyclic: capacity must be positive")
	}
	t := &Trace{
		Name:           name,
		Unit:           unit,
		SampleInterval: sampleInterval,
		buf:            make([]float64, capacity),
		capacity:       int64(capacity),
	}
	t.signalTime.Store(0)
	return t
}

// Push appends one sample. If capacity is reached, the oldest element is
// overwritten; the produced count still increments (spec §4.1).
func (t *Trace) Push(v float64) {
	idx := t.produced.Load()
	t.buf[idx%t.capacity] = v
	t.produced.Add(1)
}

// PushAll appends a batch of samples, single-producer fast path.
func (t *Trace) PushAll(vs []float64) {
	for _, v := range vs {
		t.Push(v)
	}
}

// Produced returns the total number of samples ever written.
func (t *Trace) Produced() int64 { return t.produced.Load() }

// MinIndex returns the smallest index that is still accessible: spec
// invariant "accessible range is [producedCount-capacity, producedCount)".
func (t *Trace) MinIndex() int64 {
	p := t.produced.Load()
	if p < t.capacity {
		return 0
	}
	return p - t.capacity
}

// CurrentSize returns the number of currently accessible samples.
func (t *Trace) CurrentSize() int64 {
	return t.produced.Load() - t.MinIndex()
}

// SignalTime returns the sticky marker of the most recent stimulus onset.
func (t *Trace) SignalTime() int64 { return t.signalTime.Load() }

// SetSignalTime advances the signal-time marker; it never decreases
// (spec §3 "sticky marker... never decreases").
func (t *Trace) SetSignalTime(index int64) {
	for {
		cur := t.signalTime.Load()
		if index <= cur {
			return
		}
		if t.signalTime.CompareAndSwap(cur, index) {
			return
		}
	}
}

// ReadBuffer returns a slice view starting at fromIndex and the number of
// samples contiguous up to either the write head or the physical end of
// the backing array, enabling zero-copy persistence and filter input
// (spec §4.1 readBuffer). The returned slice aliases the underlying
// storage and is only valid until the next wrap past fromIndex+len.
func (t *Trace) ReadBuffer(fromIndex int64) ([]float64, error) {
	minIdx := t.MinIndex()
	produced := t.produced.Load()
	if fromIndex < minIdx {
		spew.Dump(struct {
			Trace     string
			FromIndex int64
			MinIndex  int64
			Produced  int64
		}{t.Name, fromIndex, minIdx, produced})
		return nil, ephyserr.New("cyclic.ReadBuffer", ephyserr.OutOfRange, t.Name,
			"requested index below minIndex")
	}
	if fromIndex >= produced {
		return nil, nil
	}
	start := fromIndex % t.capacity
	avail := produced - fromIndex
	toEnd := t.capacity - start
	n := avail
	if n > toEnd {
		n = toEnd
	}
	return t.buf[start : start+n], nil
}

// Clear resets the produced count and signal-time to zero; capacity is
// unchanged (original CyclicArray.clear()).
func (t *Trace) Clear() {
	t.produced.Store(0)
	t.signalTime.Store(0)
}

// Free shrinks the buffer's logical capacity to n, preserving the most
// recent n samples (original CyclicArray.free(n)). It is not safe to call
// concurrently with Push.
func (t *Trace) Free(n int) error {
	if n <= 0 || int64(n) > t.capacity {
		return ephyserr.New("cyclic.Free", ephyserr.InvalidReference, t.Name, "invalid free size")
	}
	produced := t.produced.Load()
	oldMinIdx := t.MinIndex()
	oldCapacity := t.capacity
	newBuf := make([]float64, n)
	start := produced - int64(n)
	if start < oldMinIdx {
		start = oldMinIdx
	}
	for i := start; i < produced; i++ {
		newBuf[i%int64(n)] = t.buf[i%oldCapacity]
	}
	t.buf = newBuf
	t.capacity = int64(n)
	return nil
}

// Capacity returns the trace's fixed capacity.
func (t *Trace) Capacity() int64 { return t.capacity }
