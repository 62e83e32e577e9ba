package persist

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
	"gonum.org/v1/gonum/mat"
)

func TestFormatTemplateExpandsStrftimeSubset(t *testing.T) {
	tm := time.Date(2026, 7, 31, 9, 5, 3, 0, time.UTC)
	got := FormatTemplate("%Y%m%d", tm)
	if got != "20260731" {
		t.Fatalf("got %q, want %q", got, "20260731")
	}
}

func TestAllocateDirectoryIncrementsOnCollision(t *testing.T) {
	root := t.TempDir()
	tm := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	first, err := AllocateDirectory(root, "%Y%m%d", tm)
	if err != nil {
		t.Fatalf("AllocateDirectory: %v", err)
	}
	second, err := AllocateDirectory(root, "%Y%m%d", tm)
	if err != nil {
		t.Fatalf("AllocateDirectory: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct directories, got %q twice", first)
	}
	if filepath.Dir(first) != filepath.Dir(second) {
		t.Fatalf("expected same day directory, got %q and %q", first, second)
	}
	if _, err := os.Stat(first); err != nil {
		t.Fatalf("expected %q to exist: %v", first, err)
	}
	if _, err := os.Stat(second); err != nil {
		t.Fatalf("expected %q to exist: %v", second, err)
	}
}

func TestTableWriterHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	cols := []Column{
		{Label: "t", Unit: "s", Width: 8, Precision: 3, Conv: 'g'},
		{Label: "v", Unit: "mV", Width: 8, Precision: 2, Conv: 'f'},
	}
	tw, err := NewTableWriter(&buf, []MetaLine{{Key: "amp", Value: "3.5mV"}}, cols)
	if err != nil {
		t.Fatalf("NewTableWriter: %v", err)
	}
	if err := tw.WriteRow(Row{Values: []float64{0.001, 1.25}}); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	if err := tw.WriteRow(Row{Missing: []bool{true, false}, Values: []float64{0, 2.0}}); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	if err := tw.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "# amp: 3.5mV") {
		t.Errorf("missing metadata line in output:\n%s", out)
	}
	if !strings.Contains(out, "#Key") {
		t.Errorf("missing Key marker in output:\n%s", out)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	last := lines[len(lines)-1]
	if !strings.Contains(last, "-") {
		t.Errorf("expected missing-value marker in last row, got %q", last)
	}
}

func TestIndexWriteAndSectionBreakAndClear(t *testing.T) {
	var buf bytes.Buffer
	ix := NewIndex(&buf)
	err := ix.WriteStimulus(StimulusEntry{
		SessionTime: 10 * time.Millisecond,
		TraceStart:  map[string]int64{"trace0": 200},
		EventStart:  map[string]int64{"spikes": 3},
		Amplitude:   1.5,
		Duration:    100 * time.Millisecond,
		ReproName:   "Scan",
	})
	if err != nil {
		t.Fatalf("WriteStimulus: %v", err)
	}
	if err := ix.WriteSectionBreak("Scan"); err != nil {
		t.Fatalf("WriteSectionBreak: %v", err)
	}
	if len(ix.Entries()) != 1 {
		t.Fatalf("got %d entries, want 1", len(ix.Entries()))
	}
	if err := ix.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !strings.Contains(buf.String(), "trace0=200") {
		t.Errorf("missing trace start index in output:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "@@ Scan") {
		t.Errorf("missing section break marker in output:\n%s", buf.String())
	}

	ix.Clear()
	if len(ix.Entries()) != 0 {
		t.Fatalf("expected Entries to be empty after Clear, got %d", len(ix.Entries()))
	}
}

// spec §5 back-pressure: past the high-water mark the newest stimulus
// descriptor is dropped, the run is flagged incomplete, and a
// BufferOverflow error is returned rather than blocking the caller.
func TestIndexDropsNewestStimulusPastHighWaterMark(t *testing.T) {
	// Block the drain goroutine inside its first write by routing it
	// through an unread io.Pipe: the row is made larger than bufio's
	// internal buffer so bufio writes straight through to the pipe
	// instead of just buffering it, and that write then blocks forever
	// since nothing reads from pr.
	pr, pw := io.Pipe()
	defer pr.Close()
	defer pw.Close()

	ix := NewIndexWithHighWaterMark(pw, 1)
	if ix.IncompleteSave() {
		t.Fatalf("expected IncompleteSave=false before any drop")
	}

	big := StimulusEntry{Shape: map[string]float64{strings.Repeat("x", 8192): 1.0}}
	if err := ix.WriteStimulus(big); err != nil {
		t.Fatalf("priming WriteStimulus: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let drain dequeue it and block on the pipe write

	var lastErr error
	for i := 0; i < 8; i++ {
		lastErr = ix.WriteStimulus(StimulusEntry{ReproName: fmt.Sprintf("Scan%d", i)})
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatalf("expected a BufferOverflow error once the queue saturated")
	}
	e, ok := lastErr.(*ephyserr.Error)
	if !ok || e.Kind != ephyserr.BufferOverflow {
		t.Fatalf("got %v, want a BufferOverflow error", lastErr)
	}
	if !ix.IncompleteSave() {
		t.Fatalf("expected IncompleteSave=true after a drop")
	}
	if ix.DroppedCount() < 1 {
		t.Fatalf("expected DroppedCount >= 1, got %d", ix.DroppedCount())
	}
}

func TestBinaryContainerHeaderAndRecordLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.bc")
	c := NewBinaryContainer(path, []string{"trace0"}, []string{"spikes"})
	if err := c.CreateFile(); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if c.HeaderWritten() {
		t.Fatalf("HeaderWritten should be false before WriteHeader")
	}
	if err := c.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if !c.HeaderWritten() {
		t.Fatalf("HeaderWritten should be true after WriteHeader")
	}
	if err := c.WriteHeader(); err == nil {
		t.Fatalf("expected error writing header twice")
	}

	samples := mat.NewDense(1, 3, []float64{0.1, 0.2, 0.3})
	err := c.WriteRecord(StimulusRecord{
		Position: []int64{200, 3},
		Extent:   []int64{100, 1},
		Time:     0.01,
		Amplitude: 1.5,
		Samples:  samples,
	})
	if err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if c.RecordsWritten() != 1 {
		t.Fatalf("RecordsWritten=%d, want 1", c.RecordsWritten())
	}
	badErr := c.WriteRecord(StimulusRecord{Position: []int64{1}, Extent: []int64{1}})
	if badErr == nil {
		t.Fatalf("expected error for wrong position/extent length")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected non-empty file")
	}
}

// spec §8 scenario 6: session discard removes the base directory and
// every file created for that session; no stimulus entry remains in
// any index.
func TestStoreDiscardRemovesDirectoryAndClearsIndex(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, "%Y%m%d")
	base, err := store.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Index().WriteStimulus(StimulusEntry{TraceStart: map[string]int64{"trace0": 5}}); err != nil {
		t.Fatalf("WriteStimulus: %v", err)
	}

	traceFile, err := os.Create(filepath.Join(base, "trace0.dat"))
	if err != nil {
		t.Fatalf("create trace file: %v", err)
	}
	store.TrackFile(traceFile)

	if err := store.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(base); !os.IsNotExist(err) {
		t.Fatalf("expected base directory %q to be removed, stat err=%v", base, err)
	}
	if store.BasePath() != "" {
		t.Fatalf("expected empty BasePath after Discard")
	}
}

func TestStoreFinalizeKeepsFiles(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, "%Y%m%d")
	base, err := store.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := os.Stat(base); err != nil {
		t.Fatalf("expected base directory to survive Finalize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "stimuli.idx")); err != nil {
		t.Fatalf("expected stimulus index file to survive Finalize: %v", err)
	}
}
