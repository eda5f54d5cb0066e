// Package engine defines the boundary between the graph assembly core and the
// multimedia engine that actually moves buffers.
//
// The core never talks to GStreamer directly. It creates nodes, links ports,
// registers port-added callbacks and pops bus events through these interfaces.
// internal/gstengine implements them on go-gst; internal/enginetest implements
// them in memory for tests.
//
// Engine initialization (gst_init and friends) is a precondition of every
// Engine implementation: once an Engine value exists, node creation is safe.
package engine

import "errors"

var (
	// ErrUnknownKind is returned by NewNode when no factory exists for a kind.
	ErrUnknownKind = errors.New("engine: unknown node kind")

	// ErrNoSuchPort is returned when a static port name does not exist on a node.
	ErrNoSuchPort = errors.New("engine: no such port")

	// ErrPortLinked is returned when linking a port that already has a peer.
	ErrPortLinked = errors.New("engine: port already linked")

	// ErrNoDescriptor is returned when a port has not negotiated a type yet.
	ErrNoDescriptor = errors.New("engine: port has no negotiated descriptor")
)

// Engine creates the processing nodes, containers and the top-level graph.
type Engine interface {
	// NewGraph creates the top-level container owning the control-plane queue.
	NewGraph(name string) (Graph, error)

	// NewContainer creates an empty container (bin).
	NewContainer(name string) (Container, error)

	// NewNode instantiates a node by factory kind with the given stable name.
	// A nil node is never returned together with a nil error.
	NewNode(kind, name string) (Node, error)
}

// Node is an opaque unit of work with typed input and output ports.
type Node interface {
	// Name returns the stable name, unique within the owning container.
	Name() string

	// Kind returns the factory kind the node was created from.
	Kind() string

	// SetProperty sets one entry of the node's property bag.
	SetProperty(key string, value any) error

	// StaticPort returns a port that exists from node creation.
	StaticPort(name string) (Port, error)

	// RequestPort allocates a fresh on-request port from a pad template
	// (e.g. "sink_%u"). The returned port carries the engine-assigned name.
	RequestPort(template string) (Port, error)

	// ReleaseRequestPort returns a port obtained from RequestPort.
	ReleaseRequestPort(p Port) error

	// LinkPads links srcPort on this node to dstPort on dst. Both ports must
	// be resolvable by name at call time (static or already requested).
	LinkPads(srcPort string, dst Node, dstPort string) error

	// OnPortAdded registers fn for the node's "new output port" event. fn is
	// invoked on an engine thread, never on the caller's goroutine.
	OnPortAdded(fn func(Port)) error
}

// Container is a node that owns child nodes and is addressable as one node.
type Container interface {
	Node

	// Add transfers ownership of nodes to the container.
	Add(nodes ...Node) error
}

// Graph is the top-level container plus its single control-plane queue.
type Graph interface {
	Container

	// SetState asks the engine to move the graph to state.
	SetState(state State) (StateChange, error)

	// PopEvent blocks until the next control-plane event is available.
	// It returns nil only once the graph has been released.
	PopEvent() *Event

	// Interrupt asks the graph to finish gracefully: an end-of-stream event
	// eventually arrives on the queue.
	Interrupt()

	// Release drops every reference the graph holds to nodes and ports.
	Release()
}

// Port is a named attachment point on a node.
type Port interface {
	Name() string
	Direction() Direction

	// Owner returns the stable name of the node the port belongs to.
	Owner() string

	IsLinked() bool

	// Link binds this output port to sink.
	Link(sink Port) error

	// Descriptor acquires the negotiated content descriptor. Callers own the
	// returned value and must Release it.
	Descriptor() (Descriptor, error)

	// Release drops the caller's reference to a transient port handle.
	Release()
}

// Descriptor is the negotiated type of data flowing through a port.
type Descriptor interface {
	// MediaType returns the identifier of the first structure, e.g.
	// "application/x-rtp" or "video/x-raw".
	MediaType() string

	Release()
}
