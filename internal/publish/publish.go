// Package publish broadcasts events and stimuli over ZMQ pub/sub
// sockets, grounded on dastard's DataPublisher (publish_data.go):
// one Channeler per topic, a binary header-plus-payload message
// framing built with encoding/binary, and explicit Set*/Has*/Remove*
// lifecycle methods rather than a single always-on socket.
package publish

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"

	czmq "github.com/zeromq/goczmq"

	"github.com/multiverse-hardware-labs/ephysd/internal/persist"
)

// Publisher owns the optional event and stimulus pub sockets. Any
// Channeler left nil is simply not published to (dastard's "any
// methods that are non-nil will be used" pattern, expressed here as
// nil-checked fields instead of nil methods).
type Publisher struct {
	events  *czmq.Channeler
	stimuli *czmq.Channeler
}

// New creates an empty Publisher with neither socket open.
func New() *Publisher { return &Publisher{} }

// HasEvents reports whether the event socket is open.
func (p *Publisher) HasEvents() bool { return p.events != nil }

// HasStimuli reports whether the stimulus socket is open.
func (p *Publisher) HasStimuli() bool { return p.stimuli != nil }

// SetEventsHostname opens the event-publish socket on hostname (e.g.
// "tcp://*:5560"), panicking if one is already open (dastard:
// SetPubRecordsWithHostname "don't set this twice! Destroy first!").
func (p *Publisher) SetEventsHostname(hostname string) {
	if p.events != nil {
		panic("publish: events socket already open, call Close first")
	}
	p.events = czmq.NewPubChanneler(hostname)
}

// SetStimuliHostname opens the stimulus-publish socket on hostname.
func (p *Publisher) SetStimuliHostname(hostname string) {
	if p.stimuli != nil {
		panic("publish: stimuli socket already open, call Close first")
	}
	p.stimuli = czmq.NewPubChanneler(hostname)
}

// Close destroys any open sockets.
func (p *Publisher) Close() {
	if p.events != nil {
		p.events.Destroy()
		p.events = nil
	}
	if p.stimuli != nil {
		p.stimuli.Destroy()
		p.stimuli = nil
	}
}

// PublishEvent broadcasts one event-stream detection (spec §4.3
// detector output) if the event socket is open.
func (p *Publisher) PublishEvent(streamName string, index int64, timestamp time.Duration) {
	if !p.HasEvents() {
		return
	}
	p.events.SendChan <- messageEvent(streamName, index, timestamp)
}

// PublishStimulus broadcasts one stimulus index entry (spec §4.7) if
// the stimulus socket is open.
func (p *Publisher) PublishStimulus(e persist.StimulusEntry) {
	if !p.HasStimuli() {
		return
	}
	p.stimuli.SendChan <- messageStimulus(e)
}

// messageEvent builds a one-frame message: a fixed-plus-name header,
// following dastard's messageRecords framing style of one binary.Write
// call per field (publish_data.go).
func messageEvent(streamName string, index int64, timestamp time.Duration) [][]byte {
	const headerVersion = uint8(0)
	header := new(bytes.Buffer)
	binary.Write(header, binary.LittleEndian, headerVersion)
	binary.Write(header, binary.LittleEndian, uint32(len(streamName)))
	header.WriteString(streamName)
	binary.Write(header, binary.LittleEndian, index)
	binary.Write(header, binary.LittleEndian, int64(timestamp))
	return [][]byte{header.Bytes()}
}

// messageStimulus builds a header frame (repro name, session time,
// amplitude, duration) followed by a payload frame listing each named
// trace/event start index, sorted for determinism.
func messageStimulus(e persist.StimulusEntry) [][]byte {
	const headerVersion = uint8(0)
	header := new(bytes.Buffer)
	binary.Write(header, binary.LittleEndian, headerVersion)
	binary.Write(header, binary.LittleEndian, uint32(len(e.ReproName)))
	header.WriteString(e.ReproName)
	binary.Write(header, binary.LittleEndian, int64(e.SessionTime))
	binary.Write(header, binary.LittleEndian, e.Amplitude)
	binary.Write(header, binary.LittleEndian, int64(e.Duration))

	payload := new(bytes.Buffer)
	writeIndexTable(payload, e.TraceStart)
	writeIndexTable(payload, e.EventStart)
	return [][]byte{header.Bytes(), payload.Bytes()}
}

func writeIndexTable(buf *bytes.Buffer, table map[string]int64) {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	binary.Write(buf, binary.LittleEndian, uint32(len(names)))
	for _, name := range names {
		binary.Write(buf, binary.LittleEndian, uint32(len(name)))
		buf.WriteString(name)
		binary.Write(buf, binary.LittleEndian, table[name])
	}
}
