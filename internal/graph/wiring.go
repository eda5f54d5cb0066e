package graph

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/ipcam-mixer/internal/metrics"
)

// RequestInputPorts performs every on-request allocation the topology
// declares, in order, before any branch is linked.
func (g *Graph) RequestInputPorts() error {
	if g.requested {
		return fmt.Errorf("graph: input ports already requested")
	}
	g.requested = true

	for _, r := range g.topo.Requests {
		a, ok := g.allocators[r.Node]
		if !ok {
			return &PortAllocationError{Node: r.Node, Template: r.Template, Branch: r.Branch, Reason: ReasonUnavailable,
				Err: fmt.Errorf("node has no allocator")}
		}
		name, err := a.Request(r.Branch, r.Template)
		if err != nil {
			slog.Error("graph: input port request failed", "node", r.Node, "branch", r.Branch, "error", err)
			return err
		}
		slog.Info("graph: input port requested", "node", r.Node, "branch", r.Branch, "port", name)
	}
	return nil
}

// LinkStatic links every statically known port pair in declaration order.
// Ports that only exist after negotiation are never touched here.
//
// The first failing link aborts with a *LinkError naming the port pair; the
// graph is left releasable but must not be played.
func (g *Graph) LinkStatic() error {
	if g.wired {
		return ErrAlreadyWired
	}
	g.wired = true

	for _, l := range g.topo.Links {
		src := g.nodes[l.Src]
		dst := g.nodes[l.Dst]

		dstPort := l.DstPort
		if l.DstBranch != "" {
			a, ok := g.allocators[l.Dst]
			if !ok {
				return &LinkError{Src: l.Src, SrcPort: l.SrcPort, Dst: l.Dst, DstPort: "<" + l.DstBranch + ">", Err: ErrNoRequestedPort}
			}
			name, ok := a.PortName(l.DstBranch)
			if !ok {
				return &LinkError{Src: l.Src, SrcPort: l.SrcPort, Dst: l.Dst, DstPort: "<" + l.DstBranch + ">", Err: ErrNoRequestedPort}
			}
			dstPort = name
		}

		err := src.LinkPads(l.SrcPort, dst, dstPort)
		metrics.IncStaticLink(err == nil)
		if err != nil {
			linkErr := &LinkError{Src: l.Src, SrcPort: l.SrcPort, Dst: l.Dst, DstPort: dstPort, Err: err}
			slog.Error("graph: static link failed", "error", linkErr)
			return linkErr
		}

		slog.Debug("graph: static link",
			"src", l.Src+"."+l.SrcPort,
			"dst", l.Dst+"."+dstPort,
		)
	}

	slog.Info("graph: static links made", "graph", g.Name(), "links", len(g.topo.Links))
	return nil
}
