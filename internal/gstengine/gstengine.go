// Package gstengine implements engine.Engine on GStreamer through go-gst.
//
// Nodes are elements created by factory name, containers are bins and the
// graph is a pipeline. Dynamic ports arrive through the "pad-added" signal on
// GStreamer streaming threads. Element, pad and caps references are owned by
// go-gst finalizers; releasing here means setting NULL and dropping the Go
// references.
package gstengine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-glib/glib"
	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/ipcam-mixer/internal/engine"
)

// busPollInterval bounds how long PopEvent waits on the bus before checking
// whether the graph was released.
const busPollInterval = 100 * time.Millisecond

var initOnce sync.Once

// Engine creates GStreamer elements.
type Engine struct{}

var _ engine.Engine = (*Engine)(nil)

// New initializes GStreamer (once per process) and returns an Engine.
func New() *Engine {
	initOnce.Do(func() {
		gst.Init(nil)
		slog.Debug("gstengine: gstreamer initialized")
	})
	return &Engine{}
}

// Available reports whether GStreamer can create a trivial element.
func (e *Engine) Available() error {
	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("gstengine: GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}

// NewGraph implements engine.Engine.
func (e *Engine) NewGraph(name string) (engine.Graph, error) {
	pipeline, err := gst.NewPipeline(name)
	if err != nil {
		return nil, fmt.Errorf("gstengine: create pipeline %q: %w", name, err)
	}
	return &Graph{
		Container: Container{node: newNode(pipeline.Element, "pipeline", name), bin: pipeline.Bin},
		pipeline:  pipeline,
		done:      make(chan struct{}),
	}, nil
}

// NewContainer implements engine.Engine.
func (e *Engine) NewContainer(name string) (engine.Container, error) {
	bin := gst.NewBin(name)
	if bin == nil {
		return nil, fmt.Errorf("gstengine: create bin %q", name)
	}
	return &Container{node: newNode(bin.Element, "bin", name), bin: bin}, nil
}

// NewNode implements engine.Engine.
func (e *Engine) NewNode(kind, name string) (engine.Node, error) {
	elem, err := gst.NewElementWithName(kind, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", engine.ErrUnknownKind, kind, err)
	}
	if elem == nil {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownKind, kind)
	}
	return newNode(elem, kind, name), nil
}

type elementer interface {
	element() *gst.Element
}

// node wraps one element. The name is cached because the element may already
// be finalized when logs refer to it.
type node struct {
	elem *gst.Element
	kind string
	name string

	mu      sync.Mutex
	handles []glib.SignalHandle
}

var _ engine.Node = (*node)(nil)

func newNode(elem *gst.Element, kind, name string) *node {
	return &node{elem: elem, kind: kind, name: name}
}

func (n *node) element() *gst.Element { return n.elem }

func (n *node) Name() string { return n.name }
func (n *node) Kind() string { return n.kind }

func (n *node) SetProperty(key string, value any) error {
	if err := n.elem.SetProperty(key, value); err != nil {
		return fmt.Errorf("gstengine: %s.%s: %w", n.name, key, err)
	}
	return nil
}

func (n *node) StaticPort(name string) (engine.Port, error) {
	pad := n.elem.GetStaticPad(name)
	if pad == nil {
		return nil, fmt.Errorf("%w: %s.%s", engine.ErrNoSuchPort, n.name, name)
	}
	return &port{pad: pad, owner: n.name}, nil
}

func (n *node) RequestPort(template string) (engine.Port, error) {
	pad := n.elem.GetRequestPad(template)
	if pad == nil {
		return nil, fmt.Errorf("gstengine: %s refused request pad %q", n.name, template)
	}
	return &port{pad: pad, owner: n.name}, nil
}

func (n *node) ReleaseRequestPort(p engine.Port) error {
	gp, ok := p.(*port)
	if !ok {
		return fmt.Errorf("gstengine: foreign port %T", p)
	}
	n.elem.ReleaseRequestPad(gp.pad)
	return nil
}

func (n *node) LinkPads(srcPort string, dst engine.Node, dstPort string) error {
	d, ok := dst.(elementer)
	if !ok {
		return fmt.Errorf("gstengine: foreign node %T", dst)
	}
	if err := n.elem.LinkPads(srcPort, d.element(), dstPort); err != nil {
		return fmt.Errorf("gstengine: link %s.%s -> %s.%s: %w", n.name, srcPort, dst.Name(), dstPort, err)
	}
	return nil
}

func (n *node) OnPortAdded(fn func(engine.Port)) error {
	owner := n.name
	handle, err := n.elem.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		fn(&port{pad: pad, owner: owner})
	})
	if err != nil {
		return fmt.Errorf("gstengine: connect pad-added on %s: %w", n.name, err)
	}
	n.mu.Lock()
	n.handles = append(n.handles, handle)
	n.mu.Unlock()
	return nil
}

func (n *node) disconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, h := range n.handles {
		n.elem.HandlerDisconnect(h)
	}
	n.handles = nil
}

// Container wraps a bin.
type Container struct {
	*node
	bin *gst.Bin

	children []*node
}

var _ engine.Container = (*Container)(nil)

func (c *Container) Add(nodes ...engine.Node) error {
	for _, child := range nodes {
		var n *node
		switch v := child.(type) {
		case *node:
			n = v
		case *Container:
			n = v.node
		default:
			return fmt.Errorf("gstengine: foreign node %T", child)
		}
		if err := c.bin.Add(n.elem); err != nil {
			return fmt.Errorf("gstengine: add %s to %s: %w", n.name, c.name, err)
		}
		c.children = append(c.children, n)
		if sub, ok := child.(*Container); ok {
			c.children = append(c.children, sub.children...)
		}
	}
	return nil
}

// Graph wraps the pipeline and its bus.
type Graph struct {
	Container
	pipeline *gst.Pipeline

	done        chan struct{}
	releaseOnce sync.Once
}

var _ engine.Graph = (*Graph)(nil)

func (g *Graph) SetState(state engine.State) (engine.StateChange, error) {
	if err := g.pipeline.SetState(toGstState(state)); err != nil {
		return engine.StateChangeFailure, fmt.Errorf("gstengine: %s to %s: %w", g.name, state, err)
	}
	return engine.StateChangeSuccess, nil
}

// PopEvent polls the pipeline bus until an error, end-of-stream or
// state-changed message arrives, or the graph is released. Other message
// types are dropped here.
func (g *Graph) PopEvent() *engine.Event {
	bus := g.pipeline.GetPipelineBus()
	for {
		select {
		case <-g.done:
			return nil
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			ev := &engine.Event{Kind: engine.EventError, Source: msg.Source()}
			if gerr != nil {
				ev.Message = gerr.Error()
				ev.Debug = gerr.DebugString()
			}
			return ev

		case gst.MessageEOS:
			return &engine.Event{Kind: engine.EventEOS, Source: msg.Source()}

		case gst.MessageStateChanged:
			old, new := msg.ParseStateChanged()
			return &engine.Event{
				Kind:     engine.EventStateChanged,
				Source:   msg.Source(),
				OldState: fromGstState(old),
				NewState: fromGstState(new),
			}
		}
	}
}

// Interrupt sends an EOS event into the pipeline. Sources forward it
// downstream and the sinks post EOS on the bus once every branch drained.
func (g *Graph) Interrupt() {
	if !g.pipeline.SendEvent(gst.NewEOSEvent()) {
		slog.Warn("gstengine: pipeline did not accept EOS event", "graph", g.name)
	}
}

// Release disconnects every pad-added handler and drops the pipeline. The
// caller is expected to have set the graph to NULL.
func (g *Graph) Release() {
	g.releaseOnce.Do(func() {
		close(g.done)
		for _, c := range g.children {
			c.disconnect()
		}
		g.children = nil
		g.node.disconnect()
		slog.Debug("gstengine: pipeline released", "graph", g.name)
	})
}

// port wraps a pad.
type port struct {
	pad   *gst.Pad
	owner string
}

var _ engine.Port = (*port)(nil)

func (p *port) Name() string  { return p.pad.GetName() }
func (p *port) Owner() string { return p.owner }

func (p *port) Direction() engine.Direction {
	switch p.pad.GetDirection() {
	case gst.PadDirectionSource:
		return engine.DirectionOutput
	case gst.PadDirectionSink:
		return engine.DirectionInput
	default:
		return engine.DirectionUnknown
	}
}

func (p *port) IsLinked() bool { return p.pad.IsLinked() }

func (p *port) Link(sink engine.Port) error {
	s, ok := sink.(*port)
	if !ok {
		return fmt.Errorf("gstengine: foreign port %T", sink)
	}
	if ret := p.pad.Link(s.pad); ret != gst.PadLinkOK {
		if ret == gst.PadLinkWasLinked {
			return fmt.Errorf("%w: %s.%s", engine.ErrPortLinked, p.owner, p.Name())
		}
		return fmt.Errorf("gstengine: link %s.%s -> %s.%s: %s", p.owner, p.Name(), s.owner, s.Name(), ret.String())
	}
	return nil
}

func (p *port) Descriptor() (engine.Descriptor, error) {
	caps := p.pad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		return nil, fmt.Errorf("%w: %s.%s", engine.ErrNoDescriptor, p.owner, p.Name())
	}
	st := caps.GetStructureAt(0)
	if st == nil {
		return nil, fmt.Errorf("%w: %s.%s", engine.ErrNoDescriptor, p.owner, p.Name())
	}
	return &descriptor{caps: caps, mediaType: st.Name()}, nil
}

func (p *port) Release() { p.pad = nil }

type descriptor struct {
	caps      *gst.Caps
	mediaType string
}

func (d *descriptor) MediaType() string { return d.mediaType }
func (d *descriptor) Release()          { d.caps = nil }

func toGstState(s engine.State) gst.State {
	switch s {
	case engine.StateNull:
		return gst.StateNull
	case engine.StateReady:
		return gst.StateReady
	case engine.StatePaused:
		return gst.StatePaused
	case engine.StatePlaying:
		return gst.StatePlaying
	default:
		return gst.VoidPending
	}
}

func fromGstState(s gst.State) engine.State {
	switch s {
	case gst.StateNull:
		return engine.StateNull
	case gst.StateReady:
		return engine.StateReady
	case gst.StatePaused:
		return engine.StatePaused
	case gst.StatePlaying:
		return engine.StatePlaying
	default:
		return engine.StateVoidPending
	}
}
