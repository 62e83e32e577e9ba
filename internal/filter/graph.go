package filter

import (
	"fmt"

	"github.com/multiverse-hardware-labs/ephysd/internal/cyclic"
	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
)

// Graph is the built, topologically-ordered Filter/Detector DAG (spec
// §4.3 "At graph build time the framework topologically orders nodes by
// producer/consumer dependency; a cycle is a fatal error").
type Graph struct {
	Order []Node

	traces map[string]*cyclic.Trace
	events map[string]*cyclic.EventStream

	consumed map[string]int64 // per-node highest consumed index
}

// Build resolves producer/consumer dependencies among nodes and raw
// sources, topologically sorts them, and binds every node's inputs and
// outputs. rawTraces/rawEvents are the pre-existing DAQ/detector stores a
// node may consume without another node producing them.
func Build(nodes []Node, rawTraces map[string]*cyclic.Trace, rawEvents map[string]*cyclic.EventStream) (*Graph, error) {
	producerOf := make(map[string]Node)
	for _, n := range nodes {
		for _, out := range n.OutputNames() {
			if existing, ok := producerOf[out]; ok {
				return nil, ephyserr.New("filter.Build", ephyserr.ConfigSyntax, out,
					fmt.Sprintf("output %q produced by both %q and %q", out, existing.Name(), n.Name()))
			}
			producerOf[out] = n
		}
	}

	// Build adjacency: edge n1 -> n2 if n1 produces something n2 consumes.
	adj := make(map[string][]string)
	indeg := make(map[string]int)
	byName := make(map[string]Node)
	for _, n := range nodes {
		byName[n.Name()] = n
		indeg[n.Name()] = 0
	}
	for _, n := range nodes {
		for _, in := range n.InputNames() {
			if prod, ok := producerOf[in]; ok && prod.Name() != n.Name() {
				adj[prod.Name()] = append(adj[prod.Name()], n.Name())
				indeg[n.Name()]++
			}
		}
	}

	// Kahn's algorithm, stable: process in original declaration order
	// among ties so the graph's ordering is deterministic.
	var order []Node
	remaining := indeg
	visited := make(map[string]bool)
	for len(order) < len(nodes) {
		progressed := false
		for _, n := range nodes {
			if visited[n.Name()] {
				continue
			}
			if remaining[n.Name()] == 0 {
				order = append(order, n)
				visited[n.Name()] = true
				for _, succ := range adj[n.Name()] {
					remaining[succ]--
				}
				progressed = true
			}
		}
		if !progressed {
			return nil, ephyserr.New("filter.Build", ephyserr.ConfigSyntax, "", "cycle detected in filter/detector graph")
		}
	}

	g := &Graph{
		Order:    order,
		traces:   make(map[string]*cyclic.Trace),
		events:   make(map[string]*cyclic.EventStream),
		consumed: make(map[string]int64),
	}
	for name, tr := range rawTraces {
		g.traces[name] = tr
	}
	for name, es := range rawEvents {
		g.events[name] = es
	}

	for _, n := range order {
		b := Bindings{
			InputTraces:  make(map[string]*cyclic.Trace),
			InputEvents:  make(map[string]*cyclic.EventStream),
			OutputTraces: make(map[string]*cyclic.Trace),
			OutputEvents: make(map[string]*cyclic.EventStream),
		}
		for _, in := range n.InputNames() {
			if tr, ok := g.traces[in]; ok {
				b.InputTraces[in] = tr
			} else if es, ok := g.events[in]; ok {
				b.InputEvents[in] = es
			} else {
				return nil, ephyserr.New("filter.Build", ephyserr.InvalidReference, in,
					fmt.Sprintf("node %q: no producer for input %q", n.Name(), in))
			}
		}
		for _, out := range n.OutputNames() {
			if n.Capabilities()&ProducesEvents != 0 {
				es := cyclic.NewEventStream(out, "", "")
				g.events[out] = es
				b.OutputEvents[out] = es
			} else {
				tr := cyclic.NewTrace(out, "", 0, defaultCapacity)
				g.traces[out] = tr
				b.OutputTraces[out] = tr
			}
		}
		if err := n.Init(b); err != nil {
			return nil, ephyserr.Wrap("filter.Build", ephyserr.ConfigSyntax, n.Name(), err)
		}
		g.consumed[n.Name()] = 0
	}
	return g, nil
}

const defaultCapacity = 1 << 20

// Trace returns a trace by name, whether raw or produced by a node.
func (g *Graph) Trace(name string) (*cyclic.Trace, bool) {
	t, ok := g.traces[name]
	return t, ok
}

// EventStream returns an event stream by name, whether raw or produced.
func (g *Graph) EventStream(name string) (*cyclic.EventStream, bool) {
	e, ok := g.events[name]
	return e, ok
}

// NodeByName looks up a node by its declared Name, for the macro
// interpreter's filter/detector configure commands.
func (g *Graph) NodeByName(name string) (Node, bool) {
	for _, n := range g.Order {
		if n.Name() == name {
			return n, true
		}
	}
	return nil, false
}
