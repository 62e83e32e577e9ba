package daq

import (
	"time"

	"github.com/multiverse-hardware-labs/ephysd/internal/options"
)

// TriggerSource selects when an output signal's first sample is released
// to the hardware (spec §4.2): either immediately, or on the device's
// hardware-trigger line so multiple channels can start on the same tick
// (spec §4.2 "Ordering": grouped trigger via an instruction list).
type TriggerSource int

const (
	TriggerNow TriggerSource = iota
	TriggerHardware
)

// OutData describes one contiguous output signal to be written to a
// channel (spec §4.2).
type OutData struct {
	Trace         string // output trace id/name
	Channel       int
	SampleInterval float64 // seconds
	Samples       []float64 // requested, in physical units (volts)
	Intensity     float64   // requested amplitude/intensity
	CarrierFreq   float64   // optional, for frequency-dependent attenuators
	MinRange      float64
	MaxRange      float64
	Delay         time.Duration
	Trigger       TriggerSource
	SetSignalTime bool // whether to stamp input trace signalTime at onset
	Shape         *options.Options // free-form Options blob describing the stimulus shape
}

// OutList is a group of OutData to be started on the same hardware tick
// (spec §4.2 "grouped trigger").
type OutList []OutData

// StimulusDescriptor captures the emitted signal and its indices into
// every input buffer and event stream at emission (spec §3).
type StimulusDescriptor struct {
	Trace           string
	StartIndex      map[string]int64 // per InputTrace: start-sample index at emission
	StartEventIndex map[string]int64 // per EventStream: start-event index at emission
	Duration        time.Duration
	SampleInterval  float64
	Amplitude       float64
	Shape           *options.Options
	Delay           time.Duration

	pending bool // true until hardware confirms the first sample played
}

// Pending reports whether the hardware has not yet confirmed playback of
// the descriptor's first sample.
func (d *StimulusDescriptor) Pending() bool { return d.pending }
