// Package graph assembles a processing graph from a topology: it creates
// every node and container (registry), hands out on-request input ports
// (allocator), links every statically known port pair (wiring) and tears the
// whole thing down exactly once.
//
// Assembly runs single-threaded on the control goroutine before the graph
// plays. After playing starts the node table is read-only; dynamic links are
// the resolver's business.
package graph

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/e7canasta/ipcam-mixer/internal/engine"
	"github.com/e7canasta/ipcam-mixer/internal/topology"
	"go.uber.org/multierr"
)

// Graph is an assembled processing graph.
type Graph struct {
	topo *topology.Topology
	root engine.Graph

	nodes      map[string]engine.Node
	containers map[string]engine.Container
	allocators map[string]*Allocator

	requested bool
	wired     bool

	lifeMu       sync.Mutex // serializes Interrupt with the start of Teardown
	tornDown     bool
	teardownOnce sync.Once
	teardownErr  error
}

// Name returns the top-level graph name.
func (g *Graph) Name() string {
	return g.root.Name()
}

// Topology returns the topology the graph was built from.
func (g *Graph) Topology() *topology.Topology {
	return g.topo
}

// Node returns a node created by the registry.
func (g *Graph) Node(name string) (engine.Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Container returns a container created by the registry.
func (g *Graph) Container(name string) (engine.Container, bool) {
	c, ok := g.containers[name]
	return c, ok
}

// Allocator returns the request-port allocator of an on-request node.
func (g *Graph) Allocator(node string) (*Allocator, bool) {
	a, ok := g.allocators[node]
	return a, ok
}

// SetState forwards to the engine. Entering PLAYING seals every allocator
// first, so a request racing the transition is rejected rather than left
// without a destination.
func (g *Graph) SetState(state engine.State) (engine.StateChange, error) {
	if state == engine.StatePlaying {
		for _, a := range g.allocators {
			a.Seal()
		}
	}
	return g.root.SetState(state)
}

// PopEvent blocks until the next control-plane event.
func (g *Graph) PopEvent() *engine.Event {
	return g.root.PopEvent()
}

// Interrupt asks the engine for a graceful end-of-stream. It is a no-op
// once teardown has started.
func (g *Graph) Interrupt() {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()
	if g.tornDown {
		return
	}
	g.root.Interrupt()
}

// Teardown drives the graph to NULL, returns every requested port and
// releases the graph. Only the first call does anything; later calls return
// the first call's result.
func (g *Graph) Teardown() error {
	g.teardownOnce.Do(func() {
		g.lifeMu.Lock()
		g.tornDown = true
		g.lifeMu.Unlock()

		var err error
		if _, stateErr := g.root.SetState(engine.StateNull); stateErr != nil {
			err = multierr.Append(err, fmt.Errorf("set %s to NULL: %w", g.Name(), stateErr))
		}
		for _, a := range g.allocators {
			a.Seal()
			err = multierr.Append(err, a.ReleaseAll())
		}
		g.root.Release()
		g.teardownErr = err

		slog.Debug("graph: torn down",
			"graph", g.Name(),
			"nodes", len(g.nodes),
			"containers", len(g.containers),
			"error", err,
		)
	})
	return g.teardownErr
}
