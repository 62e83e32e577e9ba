// Package filter implements the Filter/Detector DAG (spec §3 FilterNode,
// §4.3): a directed acyclic graph of transforms from input traces and
// event streams to derived traces and event streams, re-evaluated
// incrementally as new samples arrive. Grounded on the original RELACS
// Filter (relacs/filter.h)'s {SingleAnalogFilter, MultipleAnalogFilter,
// ...EventDetector} type enum, re-expressed as a Go interface set per
// design note "Dynamic dispatch -> tagged variants + interface set".
package filter

import (
	"time"

	"github.com/multiverse-hardware-labs/ephysd/internal/cyclic"
	"github.com/multiverse-hardware-labs/ephysd/internal/options"
)

// Role is the tagged variant over the original Filter::FilterType values,
// collapsed to the four capabilities spec §3 names.
type Role int

const (
	AnalogFilter Role = iota
	EventFilter
	AnalogDetector
	EventDetector
)

// Multiplicity distinguishes single- from multi-trace nodes (spec §3
// "{single, multi}").
type Multiplicity int

const (
	Single Multiplicity = iota
	Multi
)

// Capability is a bitset describing what a node transforms/produces
// (spec §4.3 "mode flags").
type Capability uint8

const (
	TransformsAnalog Capability = 1 << iota
	TransformsEvents
	ProducesAnalog
	ProducesEvents
)

// Bindings resolves a node's declared input/output names to the store
// objects that back them, filled in at graph-build time (spec §3
// "Filters... hold weak references to trace/event stores by name or
// index, resolved at init time").
type Bindings struct {
	InputTraces  map[string]*cyclic.Trace
	InputEvents  map[string]*cyclic.EventStream
	OutputTraces map[string]*cyclic.Trace
	OutputEvents map[string]*cyclic.EventStream
}

// Node is the common interface every DAG element implements: construct
// once, Init with bindings, then Process repeatedly as new input
// arrives, then Close (spec §3 "Lifecycle").
type Node interface {
	// Name identifies the node in the graph and in config commands.
	Name() string
	// Role and Capabilities describe what kind of node this is, read
	// during graph build rather than probed via dynamic type (design
	// note).
	Role() Role
	Capabilities() Capability
	// InputNames/OutputNames declare the trace/event names this node
	// consumes/produces, used to topologically order the graph.
	InputNames() []string
	OutputNames() []string

	// Init binds the node to its resolved inputs/outputs.
	Init(Bindings) error
	// Process is called whenever new input samples are available; it
	// receives the highest index the node has already consumed and
	// returns the new consumed index after appending to its outputs.
	// No node may retain pointers into input buffers across calls
	// (spec §4.3).
	Process(consumed int64) (newConsumed int64, err error)
	// AutoConfigure lets the node calibrate itself from a window of
	// already-collected data (spec §4.3); during the call the node is
	// the sole accessor of its referenced buffers.
	AutoConfigure(tStart, tEnd time.Duration) error
	// Close releases any node-private state.
	Close() error
}

// Configurable is implemented by nodes whose parameters the macro
// interpreter's "filter <name>: k=v" / "detector <name>: k=v" commands
// can overlay (spec §4.5 "configure-or-save-filter/detector"). A node
// that does not implement it simply cannot be reconfigured at runtime.
type Configurable interface {
	Configure(params *options.Options) error
}
