package daq

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/multiverse-hardware-labs/ephysd/internal/cyclic"
	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
)

// AttenKey addresses an attenuator as (ao-device-name, channel), per
// spec §6 "Device naming".
type AttenKey struct {
	Device  string
	Channel int
}

// enqueuedWrite is one write waiting to be serviced on its output
// channel's FIFO queue (spec §4.2 "Ordering: for a single output channel,
// writes are serialized in FIFO order").
type enqueuedWrite struct {
	onsetFrame int64
	volts      []float64 // requested samples, physical units, for loopback
	descriptor *StimulusDescriptor
	groupID    int64
}

// outputChannel holds one channel's pending-write FIFO and its converter
// and attenuator bindings.
type outputChannel struct {
	mu        sync.Mutex
	pending   []*enqueuedWrite
	converter *Converter
	attenKey  AttenKey
	loopTrace string // input trace name this channel loops back to, if any (simulate/test only)
}

// Engine is the DAQ engine (spec §4.2): it owns the input traces, the
// output channel registry, and the real-time service step. Grounded on
// dastard's AnySource (data_source.go): a single owning struct with an
// explicit Start/Stop lifecycle rather than a class hierarchy.
type Engine struct {
	mu sync.Mutex

	inputDevice  string
	outputDevice string
	inputs       map[string]*cyclic.Trace
	channels     map[int]*outputChannel
	attenuators  map[AttenKey]Attenuator
	chanList     []int
	maxSampleRate float64

	frame   atomic.Int64 // shared acquisition-frame clock
	running atomic.Bool

	erroneous map[string]bool // trace name -> marked erroneous by a device failure

	groupSeq atomic.Int64
}

// NewEngine constructs an empty, unopened Engine.
func NewEngine(maxSampleRate float64) *Engine {
	return &Engine{
		inputs:      make(map[string]*cyclic.Trace),
		channels:    make(map[int]*outputChannel),
		attenuators: make(map[AttenKey]Attenuator),
		erroneous:   make(map[string]bool),
		maxSampleRate: maxSampleRate,
	}
}

// OpenInput declares the input device and its channels, allocating one
// circular Trace per channel (spec §4.2 openInput).
func (e *Engine) OpenInput(device string, channels []int, unit string, sampleInterval float64, capacity int) ([]*cyclic.Trace, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputDevice = device
	traces := make([]*cyclic.Trace, 0, len(channels))
	for _, ch := range channels {
		name := fmt.Sprintf("%s-%d", device, ch)
		tr := cyclic.NewTrace(name, unit, sampleInterval, capacity)
		e.inputs[name] = tr
		traces = append(traces, tr)
	}
	return traces, nil
}

// OpenOutput declares the output device, its channels, and the
// attenuator bound to each channel, if any (spec §4.2 openOutput).
func (e *Engine) OpenOutput(device string, channels []int, attenuators map[int]Attenuator) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputDevice = device
	for _, ch := range channels {
		oc := &outputChannel{
			converter: &Converter{Coeffs: []float64{0, 32767}, MinData: -32768, MaxData: 32767},
			attenKey:  AttenKey{Device: device, Channel: ch},
		}
		e.channels[ch] = oc
		e.chanList = append(e.chanList, ch)
		if a, ok := attenuators[ch]; ok {
			e.attenuators[oc.attenKey] = a
		}
	}
	return nil
}

// SetConverter overrides a channel's default converter, which scales
// volts by 32767 and clips to the int16 range.
func (e *Engine) SetConverter(channel int, c *Converter) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	oc, ok := e.channels[channel]
	if !ok {
		return ephyserr.New("daq.SetConverter", ephyserr.InvalidChannel, "", fmt.Sprintf("channel %d not open", channel))
	}
	oc.converter = c
	return nil
}

// BindLoopback wires an output channel directly to an input trace, for
// simulate/test use: Tick() deposits the channel's playing waveform into
// that trace instead of the zero sample it pushes to every other trace.
func (e *Engine) BindLoopback(channel int, traceName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	oc, ok := e.channels[channel]
	if !ok {
		return ephyserr.New("daq.BindLoopback", ephyserr.InvalidChannel, "", fmt.Sprintf("channel %d not open", channel))
	}
	oc.loopTrace = traceName
	return nil
}

// StartInput marks the engine running. The real-time service step is
// driven by repeated calls to Tick; the engine has no hardware interrupt
// handler (spec §4.2 step 5).
func (e *Engine) StartInput() error {
	if !e.running.CompareAndSwap(false, true) {
		return ephyserr.New("daq.StartInput", ephyserr.Busy, "", "already running")
	}
	return nil
}

// Running reports whether the engine has been started.
func (e *Engine) Running() bool { return e.running.Load() }

// StopOutput clears every channel's pending-write queue (spec §4.2
// stopOutput).
func (e *Engine) StopOutput() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, oc := range e.channels {
		oc.mu.Lock()
		oc.pending = nil
		oc.mu.Unlock()
	}
	return nil
}

// Close stops input and releases all traces and channels (spec §4.2
// close).
func (e *Engine) Close() error {
	e.running.Store(false)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs = make(map[string]*cyclic.Trace)
	e.channels = make(map[int]*outputChannel)
	return nil
}

// Frame returns the engine's current acquisition-frame index.
func (e *Engine) Frame() int64 { return e.frame.Load() }

// Trace looks up a previously opened input trace by name.
func (e *Engine) Trace(name string) (*cyclic.Trace, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.inputs[name]
	return tr, ok
}

// MarkErroneous flags a trace as erroneous after a device failure (spec
// §4.2 "Failure semantics"). It only logs and records the flag that
// Erroneous reports; no channel is reset or resynchronized, and other
// traces and channels are left untouched.
func (e *Engine) MarkErroneous(trace string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.erroneous[trace] {
		log.Printf("daq: trace %q marked erroneous after device failure", trace)
		if tr, ok := e.inputs[trace]; ok {
			spew.Dump(tr)
		}
	}
	e.erroneous[trace] = true
}

// Erroneous reports whether a trace has been marked erroneous.
func (e *Engine) Erroneous(trace string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.erroneous[trace]
}

// validate checks the static preconditions on a requested output signal
// (spec §4.2 step 1).
func (e *Engine) validate(out *OutData) error {
	if len(out.Samples) == 0 || out.SampleInterval <= 0 {
		return ephyserr.New("daq.Write", ephyserr.InvalidSampleRate, "", "duration must be > 0")
	}
	if 1.0/out.SampleInterval > e.maxSampleRate {
		return ephyserr.New("daq.Write", ephyserr.InvalidSampleRate, "", "sample rate exceeds device max")
	}
	if _, ok := e.channels[out.Channel]; !ok {
		return ephyserr.New("daq.Write", ephyserr.InvalidChannel, "", fmt.Sprintf("channel %d not in chanlist", out.Channel))
	}
	return nil
}

// Write validates, quantizes, attenuates, and enqueues one output signal,
// returning its StimulusDescriptor (spec §4.2 algorithm, steps 1-4).
func (e *Engine) Write(out OutData) (*StimulusDescriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validate(&out); err != nil {
		return nil, err
	}
	oc := e.channels[out.Channel]

	achievedIntensity := out.Intensity
	if atten, ok := e.attenuators[oc.attenKey]; ok {
		db, code := atten.Decibel(out.Intensity, out.CarrierFreq)
		achieved, _ := atten.Intensity(db, out.CarrierFreq)
		achievedIntensity = achieved
		switch code {
		case AttenOverflow:
			return &StimulusDescriptor{Amplitude: achieved}, ephyserr.New("daq.Write", ephyserr.Overflow, "", fmt.Sprintf("intensity clipped to %v", achieved))
		case AttenUnderflow:
			return &StimulusDescriptor{Amplitude: achieved}, ephyserr.New("daq.Write", ephyserr.Underflow, "", fmt.Sprintf("intensity clipped to %v", achieved))
		case AttenIntensityOverflow:
			return nil, ephyserr.New("daq.Write", ephyserr.IntensityOverflow, "", "requested intensity unreachable")
		case AttenIntensityUnderflow:
			return nil, ephyserr.New("daq.Write", ephyserr.IntensityUnderflow, "", "requested intensity unreachable")
		case AttenIntensityError:
			return nil, ephyserr.New("daq.Write", ephyserr.IntensityError, "", "invalid intensity")
		}
	}

	// Step 2: quantize (the quantized raw samples are what would be sent
	// to hardware; kept for completeness even though this simulate-mode
	// engine loops back the physical-unit samples directly).
	_ = oc.converter.QuantizeAll(out.Samples)

	delaySamples := int64(0)
	if out.Delay > 0 {
		delaySamples = int64(out.Delay.Seconds() / out.SampleInterval)
	}
	onset := e.frame.Load() + delaySamples

	desc := &StimulusDescriptor{
		Trace:           out.Trace,
		StartIndex:      make(map[string]int64, len(e.inputs)),
		StartEventIndex: make(map[string]int64),
		Duration:        durationOf(out),
		SampleInterval:  out.SampleInterval,
		Amplitude:       achievedIntensity,
		Shape:           out.Shape,
		Delay:           out.Delay,
		pending:         out.Trigger == TriggerHardware,
	}
	for name, tr := range e.inputs {
		desc.StartIndex[name] = onset
		if out.SetSignalTime {
			tr.SetSignalTime(onset)
		}
	}

	ew := &enqueuedWrite{onsetFrame: onset, volts: out.Samples, descriptor: desc}
	oc.mu.Lock()
	oc.pending = append(oc.pending, ew)
	oc.mu.Unlock()

	return desc, nil
}

func durationOf(out OutData) time.Duration {
	return time.Duration(float64(len(out.Samples)) * out.SampleInterval * float64(time.Second))
}

// WriteMulti enqueues a group of writes that must start on the same
// hardware tick (spec §4.2 "grouped trigger").
func (e *Engine) WriteMulti(outs OutList) ([]*StimulusDescriptor, error) {
	group := e.groupSeq.Add(1)
	descs := make([]*StimulusDescriptor, 0, len(outs))
	for _, out := range outs {
		d, err := e.Write(out)
		if err != nil {
			return descs, err
		}
		e.mu.Lock()
		if oc, ok := e.channels[out.Channel]; ok {
			oc.mu.Lock()
			if n := len(oc.pending); n > 0 {
				oc.pending[n-1].groupID = group
			}
			oc.mu.Unlock()
		}
		e.mu.Unlock()
		descs = append(descs, d)
	}
	return descs, nil
}

// WriteZero immediately emits a single-sample zero on the given output
// channel, cancelling any in-flight output there (spec §4.2
// writeZero).
func (e *Engine) WriteZero(channel int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	oc, ok := e.channels[channel]
	if !ok {
		return ephyserr.New("daq.WriteZero", ephyserr.InvalidChannel, "", fmt.Sprintf("channel %d not open", channel))
	}
	oc.mu.Lock()
	oc.pending = []*enqueuedWrite{{onsetFrame: e.frame.Load(), volts: []float64{0}}}
	oc.mu.Unlock()
	return nil
}

// Tick advances the engine's acquisition clock by n frames, simulating
// the real-time service step (spec §4.2 step 5): for every input trace
// not receiving a loopback sample this frame, push 0; for every output
// channel with an active or about-to-start pending write, push its next
// volts-unit sample into its bound loopback trace, if any.
func (e *Engine) Tick(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < n; i++ {
		frame := e.frame.Load()
		played := make(map[string]bool)
		for _, oc := range e.channels {
			oc.mu.Lock()
			for len(oc.pending) > 0 {
				w := oc.pending[0]
				if w.onsetFrame > frame {
					break
				}
				offset := frame - w.onsetFrame
				if offset >= int64(len(w.volts)) {
					oc.pending = oc.pending[1:]
					continue
				}
				if offset == 0 && w.descriptor != nil {
					w.descriptor.pending = false
				}
				if oc.loopTrace != "" {
					if tr, ok := e.inputs[oc.loopTrace]; ok {
						tr.Push(w.volts[offset])
						played[oc.loopTrace] = true
					}
				}
				break
			}
			oc.mu.Unlock()
		}
		for name, tr := range e.inputs {
			if !played[name] {
				tr.Push(0)
			}
		}
		e.frame.Add(1)
	}
}
