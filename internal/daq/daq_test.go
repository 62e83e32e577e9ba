package daq

import (
	"math"
	"testing"
	"time"

	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
)

// TestDelayedSingleChannelOutput implements spec §8 scenario 1.
func TestDelayedSingleChannelOutput(t *testing.T) {
	const sampleRate = 20000.0
	sampleInterval := 1.0 / sampleRate

	e := NewEngine(sampleRate)
	traces, err := e.OpenInput("ai", []int{0}, "V", sampleInterval, 1<<16)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.OpenOutput("ao", []int{0}, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.BindLoopback(0, traces[0].Name); err != nil {
		t.Fatal(err)
	}
	if err := e.StartInput(); err != nil {
		t.Fatal(err)
	}

	n := int(0.1 / sampleInterval) // 100 ms
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = math.Sin(2 * math.Pi * 1000 * float64(i) * sampleInterval)
	}

	desc, err := e.Write(OutData{
		Trace:          "ao-0",
		Channel:        0,
		SampleInterval: sampleInterval,
		Samples:        samples,
		Delay:          50 * time.Millisecond,
		Trigger:        TriggerNow,
		SetSignalTime:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	wantOnset := int64(0.05 / sampleInterval) // 1000
	if got := traces[0].SignalTime(); got != wantOnset {
		t.Fatalf("SignalTime()=%d, want %d", got, wantOnset)
	}
	if got := desc.StartIndex["ai-0"]; got != wantOnset {
		t.Fatalf("StartIndex[ai-0]=%d, want %d", got, wantOnset)
	}

	e.Tick(int(wantOnset) + 1)

	data, err := traces[0].ReadBuffer(wantOnset)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("no data at onset")
	}
	if math.Abs(data[0]) > 1e-9 {
		t.Errorf("sample at onset = %v, want ~0 (start of sine)", data[0])
	}
}

// TestIntensityClipping implements spec §8 scenario 2.
func TestIntensityClipping(t *testing.T) {
	e := NewEngine(20000)
	if _, err := e.OpenInput("ai", []int{0}, "V", 1.0/20000, 1024); err != nil {
		t.Fatal(err)
	}
	atten := &LinearAttenuator{Reference: 1.0, MinDBVal: -20, MaxDBVal: 80}
	if err := e.OpenOutput("ao", []int{0}, map[int]Attenuator{0: atten}); err != nil {
		t.Fatal(err)
	}

	desc, err := e.Write(OutData{
		Trace:          "ao-0",
		Channel:        0,
		SampleInterval: 1.0 / 20000,
		Samples:        []float64{0, 0, 0},
		Intensity:      math.Pow(10, 200.0/20), // requests +200 dB equivalent intensity
	})
	if err == nil {
		t.Fatal("expected Overflow error")
	}
	var ee *ephyserr.Error
	if e2, ok := err.(*ephyserr.Error); ok {
		ee = e2
	}
	if ee == nil || ee.Kind != ephyserr.Overflow {
		t.Fatalf("got %v, want Overflow", err)
	}
	wantIntensity, _ := atten.Intensity(80, 0)
	if math.Abs(desc.Amplitude-wantIntensity) > 1e-9 {
		t.Errorf("clipped amplitude=%v, want %v", desc.Amplitude, wantIntensity)
	}
}

func TestAttenuatorInverse(t *testing.T) {
	atten := &LinearAttenuator{Reference: 1.0, MinDBVal: -40, MaxDBVal: 40}
	for _, intensity := range []float64{0.01, 0.5, 1, 2, 50} {
		db, code := atten.Decibel(intensity, 0)
		if code != AttenOK {
			continue
		}
		back, code2 := atten.Intensity(db, 0)
		if code2 != AttenOK {
			t.Fatalf("Intensity(%v) code=%v", db, code2)
		}
		if math.Abs(back-intensity)/intensity > 1e-9 {
			t.Errorf("round trip intensity=%v -> db=%v -> %v", intensity, db, back)
		}
	}
}

func TestWriteZeroCancelsInFlight(t *testing.T) {
	e := NewEngine(1000)
	if _, err := e.OpenInput("ai", []int{0}, "V", 1e-3, 256); err != nil {
		t.Fatal(err)
	}
	if err := e.OpenOutput("ao", []int{0}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Write(OutData{Trace: "ao-0", Channel: 0, SampleInterval: 1e-3, Samples: []float64{1, 1, 1, 1, 1}}); err != nil {
		t.Fatal(err)
	}
	if err := e.WriteZero(0); err != nil {
		t.Fatal(err)
	}
	oc := e.channels[0]
	if len(oc.pending) != 1 || len(oc.pending[0].volts) != 1 || oc.pending[0].volts[0] != 0 {
		t.Fatalf("WriteZero did not replace pending queue: %+v", oc.pending)
	}
}

func TestWriteRejectsUnknownChannel(t *testing.T) {
	e := NewEngine(1000)
	if err := e.OpenOutput("ao", []int{0}, nil); err != nil {
		t.Fatal(err)
	}
	_, err := e.Write(OutData{Trace: "ao-1", Channel: 7, SampleInterval: 1e-3, Samples: []float64{1}})
	if err == nil {
		t.Fatal("expected InvalidChannel error")
	}
}
