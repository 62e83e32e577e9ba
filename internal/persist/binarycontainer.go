package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/mat"
)

// BinaryContainer is the optional structured binary format (spec §6).
// The header names the traces and event streams; each record is one
// stimulus multi-tag carrying position/extent arrays, {time, delay,
// amplitude, carrier} features and a matrix of trace samples. It does
// not write separate per-trace arrays, per-event-stream tags, or any
// metadata section tree. Grounded on dastard's OFF writer
// (off/off_test.go: CreateFile/WriteHeader/WriteRecord/Flush/Close/
// RecordsWritten/HeaderWritten), adapted from per-pulse TES records to
// per-stimulus multi-tag records, using gonum/mat.Dense to stage each
// record's samples the way the OFF writer stages its matrices.
type BinaryContainer struct {
	path string
	file *os.File
	w    *bufio.Writer

	traceNames []string
	eventNames []string

	headerWritten  bool
	recordsWritten int
}

// NewBinaryContainer creates a container bound to path, naming the
// trace arrays and event tags it will carry. The file is not created on
// disk until CreateFile is called (mirrors the OFF writer's two-step
// open).
func NewBinaryContainer(path string, traceNames, eventNames []string) *BinaryContainer {
	return &BinaryContainer{path: path, traceNames: traceNames, eventNames: eventNames}
}

// CreateFile opens the backing file for writing, truncating any
// existing content.
func (c *BinaryContainer) CreateFile() error {
	f, err := os.Create(c.path)
	if err != nil {
		return err
	}
	c.file = f
	c.w = bufio.NewWriter(f)
	return nil
}

const binaryContainerMagic = "EPHY-BC1"

// WriteHeader writes the file magic and the trace/event name tables
// exactly once. No metadata section is written.
func (c *BinaryContainer) WriteHeader() error {
	if c.headerWritten {
		return fmt.Errorf("persist: header already written for %s", c.path)
	}
	if _, err := io.WriteString(c.w, binaryContainerMagic); err != nil {
		return err
	}
	if err := writeStringTable(c.w, c.traceNames); err != nil {
		return err
	}
	if err := writeStringTable(c.w, c.eventNames); err != nil {
		return err
	}
	c.headerWritten = true
	return nil
}

func writeStringTable(w io.Writer, names []string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(names))); err != nil {
		return err
	}
	for _, n := range names {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(n))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, n); err != nil {
			return err
		}
	}
	return nil
}

// StimulusRecord is one multi-tag record spanning the traces and event
// streams a stimulus touched (spec §6 "one multi-tag spanning stimuli
// with position and extent arrays, plus features {time, delay,
// amplitude, carrier}").
type StimulusRecord struct {
	Position []int64 // per named trace/event, the start index
	Extent   []int64 // per named trace/event, the sample/event count
	Time     float64
	Delay    float64
	Amplitude float64
	Carrier   float64
	// Samples holds one row per trace, staged as a gonum matrix the way
	// the OFF writer stages its basis projection before flattening to
	// disk.
	Samples *mat.Dense
}

// WriteRecord appends one StimulusRecord. It fails if the header has
// not yet been written, or if Position/Extent don't cover exactly
// len(traceNames)+len(eventNames) entries.
func (c *BinaryContainer) WriteRecord(r StimulusRecord) error {
	if !c.headerWritten {
		return fmt.Errorf("persist: header not yet written for %s", c.path)
	}
	want := len(c.traceNames) + len(c.eventNames)
	if len(r.Position) != want || len(r.Extent) != want {
		return fmt.Errorf("persist: record has %d/%d position/extent entries, want %d", len(r.Position), len(r.Extent), want)
	}
	for _, v := range r.Position {
		if err := binary.Write(c.w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for _, v := range r.Extent {
		if err := binary.Write(c.w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for _, v := range []float64{r.Time, r.Delay, r.Amplitude, r.Carrier} {
		if err := binary.Write(c.w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	rows, cols := 0, 0
	if r.Samples != nil {
		rows, cols = r.Samples.Dims()
	}
	if err := binary.Write(c.w, binary.LittleEndian, uint32(rows)); err != nil {
		return err
	}
	if err := binary.Write(c.w, binary.LittleEndian, uint32(cols)); err != nil {
		return err
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if err := binary.Write(c.w, binary.LittleEndian, r.Samples.At(i, j)); err != nil {
				return err
			}
		}
	}
	c.recordsWritten++
	return nil
}

// Flush flushes buffered output to disk.
func (c *BinaryContainer) Flush() error { return c.w.Flush() }

// Close flushes and closes the backing file.
func (c *BinaryContainer) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.file.Close()
}

// RecordsWritten returns the number of stimulus records written so far.
func (c *BinaryContainer) RecordsWritten() int { return c.recordsWritten }

// HeaderWritten reports whether WriteHeader has been called.
func (c *BinaryContainer) HeaderWritten() bool { return c.headerWritten }
