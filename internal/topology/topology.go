// Package topology describes the processing graph to build: which nodes exist,
// how they are grouped into containers, which links are static, which input
// ports must be requested, and which links are resolved once a producer
// announces its output ports.
package topology

import (
	"errors"
	"fmt"
)

// Capability describes how a node kind exposes its ports.
type Capability uint8

const (
	// StaticProducer nodes have output ports from creation.
	StaticProducer Capability = 1 << iota
	// StaticConsumer nodes have input ports from creation.
	StaticConsumer
	// DynamicProducer nodes create output ports after negotiation.
	DynamicProducer
	// OnRequestConsumer nodes hand out input ports on request.
	OnRequestConsumer
)

// Has reports whether c includes all of other.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// String returns the capability names joined with "|"
func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	names := []struct {
		c    Capability
		name string
	}{
		{StaticProducer, "static-producer"},
		{StaticConsumer, "static-consumer"},
		{DynamicProducer, "dynamic-producer"},
		{OnRequestConsumer, "on-request-consumer"},
	}
	out := ""
	for _, n := range names {
		if c.Has(n.c) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

// Node kinds used by the built-in topologies.
const (
	KindRTSPSource   = "rtspsrc"
	KindDepayloader  = "rtph264depay"
	KindDecoder      = "decodebin"
	KindConverter    = "videoconvert"
	KindSink         = "autovideosink"
	KindOverlay      = "textoverlay"
	KindTestSource   = "videotestsrc"
	KindCompositor   = "compositor"
	CompositorInputs = "sink_%u"
)

var capabilities = map[string]Capability{
	KindRTSPSource:  DynamicProducer,
	KindDepayloader: StaticConsumer | StaticProducer,
	KindDecoder:     StaticConsumer | DynamicProducer,
	KindConverter:   StaticConsumer | StaticProducer,
	KindSink:        StaticConsumer,
	KindOverlay:     StaticConsumer | StaticProducer,
	KindTestSource:  StaticProducer,
	KindCompositor:  OnRequestConsumer | StaticProducer,
}

// CapabilitiesOf returns the fixed capability set of a node kind.
func CapabilitiesOf(kind string) Capability {
	return capabilities[kind]
}

// Property is one entry of a node's property bag.
type Property struct {
	Key   string
	Value any
}

// NodeSpec declares one node.
type NodeSpec struct {
	Kind       string
	Name       string
	Properties []Property

	// MaxRequestPorts bounds on-request allocations (OnRequestConsumer only).
	MaxRequestPorts int
}

// ContainerSpec groups nodes into one container.
type ContainerSpec struct {
	Name  string
	Nodes []string
}

// RequestSpec asks Node for one fresh input port from Template on behalf of
// an upstream Branch.
type RequestSpec struct {
	Node     string
	Template string
	Branch   string
}

// LinkSpec is a statically known link. When DstBranch is set, the destination
// port is the one requested for that branch.
type LinkSpec struct {
	Src       string
	SrcPort   string
	Dst       string
	DstPort   string
	DstBranch string
}

// String returns "src.port->dst.port"
func (l LinkSpec) String() string {
	dst := l.DstPort
	if l.DstBranch != "" {
		dst = "<" + l.DstBranch + ">"
	}
	return fmt.Sprintf("%s.%s->%s.%s", l.Src, l.SrcPort, l.Dst, dst)
}

// RouteSpec is a link resolved at runtime: when Producer announces an output
// port whose media type starts with one of Accept, it is linked to the input
// port of Consumer that Role maps to.
type RouteSpec struct {
	Producer string
	Consumer string
	Role     string
	Accept   []string
	Branch   string
}

// Topology is the full graph description.
type Topology struct {
	Name       string
	Nodes      []NodeSpec
	Containers []ContainerSpec
	Requests   []RequestSpec
	Links      []LinkSpec
	Routes     []RouteSpec
}

// Node returns the spec of a declared node.
func (t *Topology) Node(name string) (NodeSpec, bool) {
	for _, n := range t.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Branches returns the distinct branch names in declaration order.
func (t *Topology) Branches() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(b string) {
		if b != "" && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	for _, r := range t.Requests {
		add(r.Branch)
	}
	for _, r := range t.Routes {
		add(r.Branch)
	}
	return out
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("topology: invalid")

// Validate checks the structural invariants the registry relies on: unique
// names, every reference resolves to a declared node, each node belongs to at
// most one container, and links/requests/routes use nodes with the matching
// capability.
func (t *Topology) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: graph name is required", ErrInvalid)
	}
	if len(t.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalid)
	}

	names := make(map[string]NodeSpec, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.Name == "" || n.Kind == "" {
			return fmt.Errorf("%w: node needs kind and name (%q/%q)", ErrInvalid, n.Kind, n.Name)
		}
		if n.Name == t.Name {
			return fmt.Errorf("%w: node %q shadows the graph name", ErrInvalid, n.Name)
		}
		if _, dup := names[n.Name]; dup {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalid, n.Name)
		}
		names[n.Name] = n
	}

	owner := make(map[string]string)
	for _, c := range t.Containers {
		if _, clash := names[c.Name]; clash || c.Name == t.Name || c.Name == "" {
			return fmt.Errorf("%w: bad container name %q", ErrInvalid, c.Name)
		}
		for _, n := range c.Nodes {
			if _, ok := names[n]; !ok {
				return fmt.Errorf("%w: container %s references unknown node %q", ErrInvalid, c.Name, n)
			}
			if prev, taken := owner[n]; taken {
				return fmt.Errorf("%w: node %q in containers %s and %s", ErrInvalid, n, prev, c.Name)
			}
			owner[n] = c.Name
		}
	}

	branches := make(map[string]bool)
	for _, r := range t.Requests {
		n, ok := names[r.Node]
		if !ok {
			return fmt.Errorf("%w: request on unknown node %q", ErrInvalid, r.Node)
		}
		if !CapabilitiesOf(n.Kind).Has(OnRequestConsumer) {
			return fmt.Errorf("%w: %s (%s) does not hand out request ports", ErrInvalid, n.Name, n.Kind)
		}
		if r.Branch == "" || branches[r.Branch] {
			return fmt.Errorf("%w: request branch %q empty or duplicated", ErrInvalid, r.Branch)
		}
		branches[r.Branch] = true
	}

	for _, l := range t.Links {
		src, ok := names[l.Src]
		if !ok {
			return fmt.Errorf("%w: link %s: unknown source", ErrInvalid, l)
		}
		if _, ok := names[l.Dst]; !ok {
			return fmt.Errorf("%w: link %s: unknown destination", ErrInvalid, l)
		}
		if !CapabilitiesOf(src.Kind).Has(StaticProducer) {
			return fmt.Errorf("%w: link %s: %s has no static output", ErrInvalid, l, src.Kind)
		}
		if l.DstBranch != "" && !branches[l.DstBranch] {
			return fmt.Errorf("%w: link %s: branch %q has no request", ErrInvalid, l, l.DstBranch)
		}
		if l.DstBranch == "" && l.DstPort == "" {
			return fmt.Errorf("%w: link %s: destination port missing", ErrInvalid, l)
		}
	}

	for _, r := range t.Routes {
		p, ok := names[r.Producer]
		if !ok {
			return fmt.Errorf("%w: route from unknown producer %q", ErrInvalid, r.Producer)
		}
		if !CapabilitiesOf(p.Kind).Has(DynamicProducer) {
			return fmt.Errorf("%w: route producer %s (%s) never announces ports", ErrInvalid, p.Name, p.Kind)
		}
		if _, ok := names[r.Consumer]; !ok {
			return fmt.Errorf("%w: route to unknown consumer %q", ErrInvalid, r.Consumer)
		}
		if r.Role == "" || len(r.Accept) == 0 {
			return fmt.Errorf("%w: route %s->%s needs a role and accepted types", ErrInvalid, r.Producer, r.Consumer)
		}
	}

	return nil
}
