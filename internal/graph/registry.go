package graph

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/ipcam-mixer/internal/engine"
	"github.com/e7canasta/ipcam-mixer/internal/metrics"
	"github.com/e7canasta/ipcam-mixer/internal/topology"
)

// CreateNodes validates topo and instantiates the graph, every container and
// every node, applies property bags and groups nodes into their containers.
//
// Fail-fast: the first node that cannot be created aborts assembly with a
// *SetupError naming its kind and name, and whatever was already created is
// released. No partial Graph is ever returned.
func CreateNodes(eng engine.Engine, topo *topology.Topology) (*Graph, error) {
	if err := topo.Validate(); err != nil {
		return nil, &SetupError{Err: err}
	}

	root, err := eng.NewGraph(topo.Name)
	if err != nil {
		return nil, &SetupError{Kind: "graph", Name: topo.Name, Err: err}
	}
	if root == nil {
		return nil, &SetupError{Kind: "graph", Name: topo.Name, Err: fmt.Errorf("engine returned nil")}
	}

	g := &Graph{
		topo:       topo,
		root:       root,
		nodes:      make(map[string]engine.Node, len(topo.Nodes)),
		containers: make(map[string]engine.Container, len(topo.Containers)),
		allocators: make(map[string]*Allocator),
	}

	abort := func(err error) (*Graph, error) {
		root.Release()
		slog.Error("graph: node registry failed", "graph", topo.Name, "error", err)
		return nil, err
	}

	for _, spec := range topo.Nodes {
		node, err := eng.NewNode(spec.Kind, spec.Name)
		if err == nil && node == nil {
			err = fmt.Errorf("engine returned nil")
		}
		metrics.IncNodeCreated(spec.Kind, err == nil)
		if err != nil {
			return abort(&SetupError{Kind: spec.Kind, Name: spec.Name, Err: err})
		}
		g.nodes[spec.Name] = node

		for _, prop := range spec.Properties {
			if err := node.SetProperty(prop.Key, prop.Value); err != nil {
				return abort(&SetupError{
					Kind: spec.Kind,
					Name: spec.Name,
					Err:  fmt.Errorf("property %q: %w", prop.Key, err),
				})
			}
		}

		if topology.CapabilitiesOf(spec.Kind).Has(topology.OnRequestConsumer) {
			g.allocators[spec.Name] = NewAllocator(node, spec.MaxRequestPorts)
		}
	}

	owned := make(map[string]bool)
	for _, cs := range topo.Containers {
		c, err := eng.NewContainer(cs.Name)
		if err == nil && c == nil {
			err = fmt.Errorf("engine returned nil")
		}
		if err != nil {
			return abort(&SetupError{Kind: "container", Name: cs.Name, Err: err})
		}
		children := make([]engine.Node, 0, len(cs.Nodes))
		for _, name := range cs.Nodes {
			children = append(children, g.nodes[name])
			owned[name] = true
		}
		if err := c.Add(children...); err != nil {
			return abort(&SetupError{Kind: "container", Name: cs.Name, Err: err})
		}
		g.containers[cs.Name] = c
	}

	top := make([]engine.Node, 0, len(topo.Containers)+len(topo.Nodes))
	for _, cs := range topo.Containers {
		top = append(top, g.containers[cs.Name])
	}
	for _, spec := range topo.Nodes {
		if !owned[spec.Name] {
			top = append(top, g.nodes[spec.Name])
		}
	}
	if err := root.Add(top...); err != nil {
		return abort(&SetupError{Kind: "graph", Name: topo.Name, Err: err})
	}

	slog.Info("graph: nodes created",
		"graph", topo.Name,
		"nodes", len(g.nodes),
		"containers", len(g.containers),
		"request_nodes", len(g.allocators),
	)
	return g, nil
}
