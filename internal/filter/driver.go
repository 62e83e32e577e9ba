package filter

import (
	"sync"
	"time"
)

// Driver runs the filter thread: a single goroutine, woken whenever raw
// input advances, that steps every node in topological order (spec §4.3
// "Execution").
type Driver struct {
	graph *Graph
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
	step  sync.Mutex // serializes stepAll against AutoConfigureNode (spec §4.3 "writer quiesced")

	onError func(node string, err error)
}

// NewDriver creates a Driver bound to g. onError, if non-nil, is invoked
// whenever a node's Process returns an error; the driver otherwise keeps
// running (a single filter's failure does not halt the rest of the DAG's
// progress on the next wake).
func NewDriver(g *Graph, onError func(node string, err error)) *Driver {
	return &Driver{
		graph:   g,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onError: onError,
	}
}

// Wake signals the driver that raw input has advanced (spec §4.3 "woken
// whenever raw input advances"). Non-blocking: if a wake is already
// pending, this is a no-op.
func (d *Driver) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives the DAG until Stop is called. It is meant to run in its own
// goroutine (spec §5 "Filter thread").
func (d *Driver) Run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
			d.stepAll()
		}
	}
}

// Stop terminates Run.
func (d *Driver) Stop() {
	d.once.Do(func() { close(d.done) })
}

// stepAll runs one pass over every node in topological order, passing
// each the contiguous slice of newly available input (spec §4.3
// "Execution").
func (d *Driver) stepAll() {
	d.step.Lock()
	defer d.step.Unlock()
	for _, n := range d.graph.Order {
		consumed := d.graph.consumed[n.Name()]
		newConsumed, err := n.Process(consumed)
		if err != nil {
			if d.onError != nil {
				d.onError(n.Name(), err)
			}
			continue
		}
		d.graph.consumed[n.Name()] = newConsumed
	}
}

// AutoConfigureNode invokes a named node's AutoConfigure while holding
// the driver quiesced for that node (spec §4.3 "Auto-configure": "the
// node is the sole accessor of its referenced buffers (writer
// quiesced)"). It is meant to be called from the macro interpreter.
func (d *Driver) AutoConfigureNode(name string, tStart, tEnd time.Duration) error {
	d.step.Lock()
	defer d.step.Unlock()
	for _, n := range d.graph.Order {
		if n.Name() == name {
			return n.AutoConfigure(tStart, tEnd)
		}
	}
	return nil
}
