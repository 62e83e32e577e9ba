package persist

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
)

// DefaultHighWaterMark bounds the persistence queue when a Store is
// not given an explicit configured value (spec §5 back-pressure:
// "configurable high-water mark").
const DefaultHighWaterMark = 1024

// StimulusEntry is one row of the stimulus index: for every input trace
// the sample index the stimulus began at, for every event stream the
// next event index, plus amplitude/duration/shape parameters (spec §6
// "Stimulus index file", §4.7 "making every stimulus locatable in O(1)
// when replaying").
type StimulusEntry struct {
	SessionTime time.Duration
	TraceStart  map[string]int64
	EventStart  map[string]int64
	Amplitude   float64
	Duration    time.Duration
	Shape       map[string]float64
	ReproName   string
}

// queueItem is one unit of work for the index's persistence queue:
// either a stimulus row or a section-break marker, kept on the same
// channel so the file preserves arrival order between the two.
type queueItem struct {
	isBreak   bool
	breakName string
	entry     StimulusEntry
}

// Index is the wide, append-only CSV-like stimulus index file, with
// section breaks between procedure runs (spec §4.7, SPEC_FULL
// WriteSectionBreak). It also keeps an in-memory copy so a session
// discard can drop every entry it wrote (spec §8 scenario 6).
//
// WriteStimulus is the producer side of a bounded persistence queue
// (spec §5 "Back-pressure"): rows are handed to a background writer
// goroutine over a channel sized to the configured high-water mark.
// When that queue is already full, the newest descriptor is dropped
// rather than blocking the caller, the run is flagged "incomplete
// save", and a BufferOverflow error is returned. Section breaks share
// the same queue but are never dropped, so a run's breaks always land
// between the right stimuli even when stimuli ahead of them were
// shed by back-pressure.
type Index struct {
	mu      sync.Mutex
	w       *bufio.Writer
	entries []StimulusEntry

	highWaterMark int
	queue         chan queueItem
	wg            sync.WaitGroup
	writeErrMu    sync.Mutex
	writeErr      error

	flagMu     sync.Mutex
	incomplete bool
	dropped    int

	stopOnce sync.Once
}

// NewIndex wraps w as a stimulus index writer with the default
// high-water mark.
func NewIndex(w io.Writer) *Index {
	return NewIndexWithHighWaterMark(w, DefaultHighWaterMark)
}

// NewIndexWithHighWaterMark wraps w as a stimulus index writer whose
// persistence queue holds at most highWaterMark unwritten entries
// before it starts dropping the newest one (spec §5). A non-positive
// value falls back to DefaultHighWaterMark.
func NewIndexWithHighWaterMark(w io.Writer, highWaterMark int) *Index {
	if highWaterMark <= 0 {
		highWaterMark = DefaultHighWaterMark
	}
	ix := &Index{
		w:             bufio.NewWriter(w),
		highWaterMark: highWaterMark,
		queue:         make(chan queueItem, highWaterMark),
	}
	ix.wg.Add(1)
	go ix.drain()
	return ix
}

// drain is the persistence queue's sole consumer: it serializes every
// queued item to the underlying writer in arrival order.
func (ix *Index) drain() {
	defer ix.wg.Done()
	for item := range ix.queue {
		var err error
		if item.isBreak {
			err = ix.writeBreak(item.breakName)
		} else {
			err = ix.writeRow(item.entry)
		}
		if err != nil {
			ix.writeErrMu.Lock()
			if ix.writeErr == nil {
				ix.writeErr = err
			}
			ix.writeErrMu.Unlock()
		}
	}
}

// WriteStimulus enqueues one stimulus row and records it in memory. If
// the persistence queue is already at its high-water mark, the newest
// descriptor is dropped instead of blocking: the affected run is
// flagged "incomplete save" and a BufferOverflow error is returned
// (spec §5 "beyond it, the newest stimulus descriptor is dropped, the
// affected run is flagged 'incomplete save', and a warning is
// surfaced").
func (ix *Index) WriteStimulus(e StimulusEntry) error {
	select {
	case ix.queue <- queueItem{entry: e}:
		ix.mu.Lock()
		ix.entries = append(ix.entries, e)
		ix.mu.Unlock()
		return nil
	default:
		ix.flagMu.Lock()
		ix.incomplete = true
		ix.dropped++
		ix.flagMu.Unlock()
		log.Printf("persist: stimulus index queue at high-water mark (%d); dropping newest stimulus descriptor for repro %q, run flagged incomplete save", ix.highWaterMark, e.ReproName)
		return ephyserr.New("persist.Index.WriteStimulus", ephyserr.BufferOverflow, e.ReproName, "persistence queue at high-water mark, newest stimulus descriptor dropped")
	}
}

// writeRow serializes one entry to the underlying writer, in
// deterministic column order (sorted trace/event names). Only the drain
// goroutine writes to ix.w until stop returns, so no lock is taken here;
// holding ix.mu across a blocking write would stall WriteStimulus.
func (ix *Index) writeRow(e StimulusEntry) error {
	var cells []string
	cells = append(cells, fmt.Sprintf("%d", e.SessionTime.Nanoseconds()))
	for _, name := range sortedKeys(e.TraceStart) {
		cells = append(cells, fmt.Sprintf("%s=%d", name, e.TraceStart[name]))
	}
	for _, name := range sortedKeys(e.EventStart) {
		cells = append(cells, fmt.Sprintf("%s=%d", name, e.EventStart[name]))
	}
	cells = append(cells, fmt.Sprintf("amp=%g", e.Amplitude))
	cells = append(cells, fmt.Sprintf("dur=%d", e.Duration.Nanoseconds()))
	for _, name := range sortedKeys(e.Shape) {
		cells = append(cells, fmt.Sprintf("%s=%g", name, e.Shape[name]))
	}
	_, err := fmt.Fprintln(ix.w, strings.Join(cells, "\t"))
	return err
}

func (ix *Index) writeBreak(reproName string) error {
	_, err := fmt.Fprintf(ix.w, "@@ %s\n", reproName)
	return err
}

// WriteSectionBreak marks the boundary between one procedure run and
// the next (spec §6 "Section breaks between procedure runs"; SPEC_FULL
// pins the API as an explicit call). It shares the stimulus queue so
// it lands in the right place relative to queued stimuli, but unlike
// WriteStimulus it always blocks rather than being dropped by
// back-pressure: losing a section break would misattribute every
// stimulus after it to the wrong run.
func (ix *Index) WriteSectionBreak(reproName string) error {
	ix.queue <- queueItem{isBreak: true, breakName: reproName}
	return nil
}

// Entries returns a copy of every stimulus recorded so far.
func (ix *Index) Entries() []StimulusEntry {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]StimulusEntry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

// IncompleteSave reports whether any stimulus descriptor has been
// dropped by back-pressure since the index was opened (spec §5).
func (ix *Index) IncompleteSave() bool {
	ix.flagMu.Lock()
	defer ix.flagMu.Unlock()
	return ix.incomplete
}

// DroppedCount returns how many stimulus descriptors back-pressure has
// dropped since the index was opened.
func (ix *Index) DroppedCount() int {
	ix.flagMu.Lock()
	defer ix.flagMu.Unlock()
	return ix.dropped
}

// Clear drops every in-memory entry, used when a session is discarded
// (spec §8 scenario 6: "no stimulus entry remains in any global
// index").
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = nil
}

// stop closes the persistence queue and waits for the drain goroutine
// to finish. It is safe to call more than once.
func (ix *Index) stop() {
	ix.stopOnce.Do(func() {
		close(ix.queue)
		ix.wg.Wait()
	})
}

// Flush drains the persistence queue and flushes any buffered output
// to the underlying writer. It must be called before the index is
// discarded so every already-accepted entry is actually written.
func (ix *Index) Flush() error {
	ix.stop()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.w.Flush(); err != nil {
		return err
	}
	ix.writeErrMu.Lock()
	defer ix.writeErrMu.Unlock()
	return ix.writeErr
}

// Close stops the persistence queue's drain goroutine without
// flushing the underlying writer, for the discard path where the file
// is about to be removed anyway.
func (ix *Index) Close() {
	ix.stop()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
