// Package enginetest provides an in-memory engine.Engine for tests.
//
// It knows the static and on-request ports of the node kinds the topologies
// use, records every link attempt, counts descriptor acquire/release pairs and
// lets tests announce dynamic ports (from any goroutine, as an engine thread
// would) and script control-plane events.
package enginetest

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/ipcam-mixer/internal/engine"
)

type kindSpec struct {
	inputs  []string
	outputs []string
	request string // on-request input template, empty if none
}

var kinds = map[string]kindSpec{
	"rtspsrc":       {},
	"rtph264depay":  {inputs: []string{"sink"}, outputs: []string{"src"}},
	"decodebin":     {inputs: []string{"sink"}},
	"videoconvert":  {inputs: []string{"sink"}, outputs: []string{"src"}},
	"autovideosink": {inputs: []string{"sink"}},
	"textoverlay":   {inputs: []string{"video_sink", "text_sink"}, outputs: []string{"src"}},
	"videotestsrc":  {outputs: []string{"src"}},
	"compositor":    {outputs: []string{"src"}, request: "sink_%u"},
}

// LinkCall records one link attempt, successful or not.
type LinkCall struct {
	Src     string
	SrcPort string
	Dst     string
	DstPort string
	Static  bool
	Err     error
}

func (c LinkCall) String() string {
	return fmt.Sprintf("%s.%s->%s.%s", c.Src, c.SrcPort, c.Dst, c.DstPort)
}

// Option configures an Engine.
type Option func(*Engine)

// WithFailingKind makes NewNode fail for kind.
func WithFailingKind(kind string) Option {
	return func(e *Engine) { e.failKinds[kind] = true }
}

// WithFailingLink makes every link attempt between the two ports fail.
func WithFailingLink(src, srcPort, dst, dstPort string) Option {
	return func(e *Engine) {
		e.failLinks[linkKey(src, srcPort, dst, dstPort)] = true
	}
}

// WithRequestLimit caps the number of on-request ports a kind hands out.
func WithRequestLimit(kind string, n int) Option {
	return func(e *Engine) { e.requestLimits[kind] = n }
}

// WithStateChange sets the answer to SetState(StatePlaying).
func WithStateChange(result engine.StateChange) Option {
	return func(e *Engine) { e.playResult = result }
}

// Engine is an in-memory engine.Engine.
type Engine struct {
	mu            sync.Mutex
	failKinds     map[string]bool
	failLinks     map[string]bool
	requestLimits map[string]int
	playResult    engine.StateChange

	nodes       map[string]*Node
	createCalls []string
	linkCalls   []LinkCall
	graph       *Graph

	descAcquired atomic.Int64
	descReleased atomic.Int64
	portReleases atomic.Int64
}

var _ engine.Engine = (*Engine)(nil)

// New creates an in-memory engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		failKinds:     make(map[string]bool),
		failLinks:     make(map[string]bool),
		requestLimits: make(map[string]int),
		playResult:    engine.StateChangeAsync,
		nodes:         make(map[string]*Node),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewGraph implements engine.Engine.
func (e *Engine) NewGraph(name string) (engine.Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.graph != nil {
		return nil, fmt.Errorf("enginetest: graph %q already exists", e.graph.name)
	}
	g := &Graph{
		Container: Container{Node: e.newNodeLocked("pipeline", name, kindSpec{})},
		events:    make(chan *engine.Event, 64),
		done:      make(chan struct{}),
	}
	e.graph = g
	return g, nil
}

// NewContainer implements engine.Engine.
func (e *Engine) NewContainer(name string) (engine.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &Container{Node: e.newNodeLocked("bin", name, kindSpec{})}, nil
}

// NewNode implements engine.Engine.
func (e *Engine) NewNode(kind, name string) (engine.Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.createCalls = append(e.createCalls, kind)
	spec, ok := kinds[kind]
	if !ok || e.failKinds[kind] {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownKind, kind)
	}
	return e.newNodeLocked(kind, name, spec), nil
}

func (e *Engine) newNodeLocked(kind, name string, spec kindSpec) *Node {
	n := &Node{
		eng:   e,
		name:  name,
		kind:  kind,
		spec:  spec,
		props: make(map[string]any),
		ports: make(map[string]*Port),
	}
	for _, p := range spec.inputs {
		n.ports[p] = &Port{eng: e, name: p, dir: engine.DirectionInput, owner: n}
	}
	for _, p := range spec.outputs {
		n.ports[p] = &Port{eng: e, name: p, dir: engine.DirectionOutput, owner: n}
	}
	e.nodes[name] = n
	return n
}

// Node returns a created node by name, or nil.
func (e *Engine) Node(name string) *Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodes[name]
}

// Graph returns the created graph, or nil.
func (e *Engine) Graph() *Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph
}

// CreateCalls returns the kinds passed to NewNode, in order.
func (e *Engine) CreateCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.createCalls...)
}

// LinkCalls returns every link attempt, in order.
func (e *Engine) LinkCalls() []LinkCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LinkCall(nil), e.linkCalls...)
}

// DynamicLinkCalls returns the link attempts made through Port.Link.
func (e *Engine) DynamicLinkCalls() []LinkCall {
	var out []LinkCall
	for _, c := range e.LinkCalls() {
		if !c.Static {
			out = append(out, c)
		}
	}
	return out
}

// Descriptors returns how many descriptors were acquired and released.
func (e *Engine) Descriptors() (acquired, released int64) {
	return e.descAcquired.Load(), e.descReleased.Load()
}

// PortReleases returns how many transient port handles were released.
func (e *Engine) PortReleases() int64 {
	return e.portReleases.Load()
}

// Announce creates a dynamic output port on producer with the given
// negotiated media type and fires the node's port-added callbacks on the
// calling goroutine.
func (e *Engine) Announce(producer, portName, mediaType string) (*Port, error) {
	e.mu.Lock()
	n, ok := e.nodes[producer]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("enginetest: no node %q", producer)
	}
	if _, exists := n.ports[portName]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("enginetest: port %s.%s exists", producer, portName)
	}
	p := &Port{eng: e, name: portName, dir: engine.DirectionOutput, owner: n, mediaType: mediaType}
	n.ports[portName] = p
	callbacks := append([]func(engine.Port){}, n.callbacks...)
	e.mu.Unlock()

	for _, cb := range callbacks {
		cb(p)
	}
	return p, nil
}

func (e *Engine) link(src, dst *Port, static bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	call := LinkCall{
		Src:     src.owner.name,
		SrcPort: src.name,
		Dst:     dst.owner.name,
		DstPort: dst.name,
		Static:  static,
	}
	switch {
	case src.dir != engine.DirectionOutput || dst.dir != engine.DirectionInput:
		call.Err = fmt.Errorf("enginetest: wrong direction %s", call)
	case src.peer != nil || dst.peer != nil:
		call.Err = fmt.Errorf("%w: %s", engine.ErrPortLinked, call)
	case e.failLinks[linkKey(call.Src, call.SrcPort, call.Dst, call.DstPort)]:
		call.Err = fmt.Errorf("enginetest: incompatible %s", call)
	default:
		src.peer = dst
		dst.peer = src
	}
	e.linkCalls = append(e.linkCalls, call)
	return call.Err
}

func linkKey(src, srcPort, dst, dstPort string) string {
	return src + "." + srcPort + "->" + dst + "." + dstPort
}

// Node is an in-memory engine.Node.
type Node struct {
	eng       *Engine
	name      string
	kind      string
	spec      kindSpec
	props     map[string]any
	ports     map[string]*Port
	callbacks []func(engine.Port)
	parent    string
	nextReq   int
	requested int
}

var _ engine.Node = (*Node)(nil)

func (n *Node) Name() string { return n.name }
func (n *Node) Kind() string { return n.kind }

func (n *Node) SetProperty(key string, value any) error {
	n.eng.mu.Lock()
	defer n.eng.mu.Unlock()
	n.props[key] = value
	return nil
}

// Property returns a previously set property.
func (n *Node) Property(key string) (any, bool) {
	n.eng.mu.Lock()
	defer n.eng.mu.Unlock()
	v, ok := n.props[key]
	return v, ok
}

// Parent returns the name of the owning container.
func (n *Node) Parent() string {
	n.eng.mu.Lock()
	defer n.eng.mu.Unlock()
	return n.parent
}

// OutstandingRequestPorts returns requested ports not yet released.
func (n *Node) OutstandingRequestPorts() int {
	n.eng.mu.Lock()
	defer n.eng.mu.Unlock()
	return n.requested
}

// Callbacks returns the number of registered port-added callbacks.
func (n *Node) Callbacks() int {
	n.eng.mu.Lock()
	defer n.eng.mu.Unlock()
	return len(n.callbacks)
}

func (n *Node) StaticPort(name string) (engine.Port, error) {
	n.eng.mu.Lock()
	defer n.eng.mu.Unlock()
	p, ok := n.ports[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", engine.ErrNoSuchPort, n.name, name)
	}
	return p, nil
}

func (n *Node) RequestPort(template string) (engine.Port, error) {
	n.eng.mu.Lock()
	defer n.eng.mu.Unlock()

	if n.spec.request == "" || n.spec.request != template {
		return nil, fmt.Errorf("enginetest: %s has no request template %q", n.name, template)
	}
	if limit, ok := n.eng.requestLimits[n.kind]; ok && n.requested >= limit {
		return nil, fmt.Errorf("enginetest: %s request limit %d reached", n.name, limit)
	}
	name := strings.Replace(template, "%u", strconv.Itoa(n.nextReq), 1)
	n.nextReq++
	n.requested++
	p := &Port{eng: n.eng, name: name, dir: engine.DirectionInput, owner: n, request: true}
	n.ports[name] = p
	return p, nil
}

func (n *Node) ReleaseRequestPort(p engine.Port) error {
	n.eng.mu.Lock()
	defer n.eng.mu.Unlock()

	port, ok := n.ports[p.Name()]
	if !ok || !port.request {
		return fmt.Errorf("enginetest: %s.%s is not a request port", n.name, p.Name())
	}
	if port.peer != nil {
		port.peer.peer = nil
		port.peer = nil
	}
	delete(n.ports, port.name)
	n.requested--
	return nil
}

func (n *Node) LinkPads(srcPort string, dst engine.Node, dstPort string) error {
	d, ok := dst.(*Node)
	if !ok {
		if c, isContainer := dst.(*Container); isContainer {
			d = c.Node
		} else {
			return fmt.Errorf("enginetest: foreign node %T", dst)
		}
	}
	src, err := n.StaticPort(srcPort)
	if err != nil {
		return err
	}
	sink, err := d.StaticPort(dstPort)
	if err != nil {
		return err
	}
	return n.eng.link(src.(*Port), sink.(*Port), true)
}

func (n *Node) OnPortAdded(fn func(engine.Port)) error {
	n.eng.mu.Lock()
	defer n.eng.mu.Unlock()
	n.callbacks = append(n.callbacks, fn)
	return nil
}

// Container is an in-memory engine.Container.
type Container struct {
	*Node
	children []string
}

var _ engine.Container = (*Container)(nil)

func (c *Container) Add(nodes ...engine.Node) error {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()

	for _, node := range nodes {
		var n *Node
		switch v := node.(type) {
		case *Node:
			n = v
		case *Container:
			n = v.Node
		default:
			return fmt.Errorf("enginetest: foreign node %T", node)
		}
		if n.parent != "" {
			return fmt.Errorf("enginetest: %s already owned by %s", n.name, n.parent)
		}
		n.parent = c.name
		c.children = append(c.children, n.name)
	}
	return nil
}

// Children returns the names of the nodes added to the container.
func (c *Container) Children() []string {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	return append([]string(nil), c.children...)
}

// Graph is an in-memory engine.Graph with a scriptable event queue.
type Graph struct {
	Container

	events chan *engine.Event

	stateMu   sync.Mutex
	states    []engine.State
	interrupt atomic.Int64
	released  atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

var _ engine.Graph = (*Graph)(nil)

func (g *Graph) SetState(state engine.State) (engine.StateChange, error) {
	g.stateMu.Lock()
	g.states = append(g.states, state)
	g.stateMu.Unlock()

	if state == engine.StatePlaying && g.eng.playResult == engine.StateChangeFailure {
		return engine.StateChangeFailure, fmt.Errorf("enginetest: %s refused PLAYING", g.name)
	}
	if state == engine.StatePlaying {
		return g.eng.playResult, nil
	}
	return engine.StateChangeSuccess, nil
}

// States returns every state requested through SetState.
func (g *Graph) States() []engine.State {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return append([]engine.State(nil), g.states...)
}

func (g *Graph) PopEvent() *engine.Event {
	select {
	case ev := <-g.events:
		return ev
	case <-g.done:
		return nil
	}
}

// Push queues an event for PopEvent.
func (g *Graph) Push(ev engine.Event) {
	g.events <- &ev
}

// PushStateChanged queues a state-changed event from the graph itself.
func (g *Graph) PushStateChanged(from, to engine.State) {
	g.Push(engine.Event{Kind: engine.EventStateChanged, Source: g.name, OldState: from, NewState: to})
}

// PushEOS queues an end-of-stream event.
func (g *Graph) PushEOS() {
	g.Push(engine.Event{Kind: engine.EventEOS, Source: g.name})
}

// PushError queues an error event from source.
func (g *Graph) PushError(source, message, debug string) {
	g.Push(engine.Event{Kind: engine.EventError, Source: source, Message: message, Debug: debug})
}

func (g *Graph) Interrupt() {
	g.interrupt.Add(1)
	g.PushEOS()
}

// Interrupts returns the number of Interrupt calls.
func (g *Graph) Interrupts() int64 {
	return g.interrupt.Load()
}

func (g *Graph) Release() {
	g.released.Add(1)
	g.closeOnce.Do(func() { close(g.done) })
}

// Released returns how many times Release was called.
func (g *Graph) Released() int64 {
	return g.released.Load()
}

// Port is an in-memory engine.Port.
type Port struct {
	eng       *Engine
	name      string
	dir       engine.Direction
	owner     *Node
	peer      *Port
	mediaType string
	request   bool
}

var _ engine.Port = (*Port)(nil)

func (p *Port) Name() string                { return p.name }
func (p *Port) Direction() engine.Direction { return p.dir }
func (p *Port) Owner() string               { return p.owner.name }

func (p *Port) IsLinked() bool {
	p.eng.mu.Lock()
	defer p.eng.mu.Unlock()
	return p.peer != nil
}

// Peer returns "node.port" of the linked peer, or "".
func (p *Port) Peer() string {
	p.eng.mu.Lock()
	defer p.eng.mu.Unlock()
	if p.peer == nil {
		return ""
	}
	return p.peer.owner.name + "." + p.peer.name
}

func (p *Port) Link(sink engine.Port) error {
	s, ok := sink.(*Port)
	if !ok {
		return fmt.Errorf("enginetest: foreign port %T", sink)
	}
	return p.eng.link(p, s, false)
}

func (p *Port) Descriptor() (engine.Descriptor, error) {
	if p.mediaType == "" {
		return nil, fmt.Errorf("%w: %s.%s", engine.ErrNoDescriptor, p.owner.name, p.name)
	}
	p.eng.descAcquired.Add(1)
	return &descriptor{eng: p.eng, mediaType: p.mediaType}, nil
}

func (p *Port) Release() {
	p.eng.portReleases.Add(1)
}

type descriptor struct {
	eng       *Engine
	mediaType string
	once      sync.Once
}

func (d *descriptor) MediaType() string { return d.mediaType }

func (d *descriptor) Release() {
	d.once.Do(func() { d.eng.descReleased.Add(1) })
}
