// Package resolver links ports that only exist after the engine has
// negotiated stream content.
//
// Every route of a topology becomes one pair entry. When a producer announces
// a new output port, the handler inspects its negotiated media type and, if
// the route accepts it, links it to the consumer input the route's role maps
// to. Handlers run on engine streaming threads. Pairs that target the same
// consumer input share that input's mutex, held across the check-link-set
// sequence, so an input is linked at most once no matter how announcements
// from one or several producers interleave.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/e7canasta/ipcam-mixer/internal/engine"
	"github.com/e7canasta/ipcam-mixer/internal/metrics"
	"github.com/e7canasta/ipcam-mixer/internal/notify"
	"github.com/e7canasta/ipcam-mixer/internal/topology"
)

// Announcement outcomes, as counted in metrics.
const (
	outcomeLinked        = "linked"
	outcomeRejected      = "rejected"
	outcomeAlreadyLinked = "already_linked"
	outcomeLinkFailed    = "link_failed"
)

// Nodes looks up created nodes by stable name. *graph.Graph satisfies it.
type Nodes interface {
	Node(name string) (engine.Node, bool)
}

// input is one consumer input port. Its mutex guards the state of every pair
// routed to it.
type input struct {
	consumer string
	port     string
	mu       sync.Mutex
	sink     engine.Port
}

func (in *input) String() string {
	return in.consumer + "." + in.port
}

type pair struct {
	key    Key
	route  topology.RouteSpec
	in     *input
	linked chan struct{}

	state     State // guarded by in.mu
	closeOnce sync.Once
}

func (p *pair) markSatisfied() {
	p.closeOnce.Do(func() { close(p.linked) })
}

// Resolver owns the pair table of one graph.
type Resolver struct {
	pub        notify.Publisher
	byProducer map[string]*pair
	pairs      []*pair

	registerOnce sync.Once
}

// New builds the pair table from topo's routes. Every route role must be
// known to roles; a producer may own at most one route.
func New(topo *topology.Topology, roles *Roles, pub notify.Publisher) (*Resolver, error) {
	if roles == nil {
		roles = DefaultRoles()
	}
	if pub == nil {
		pub = notify.Discard
	}

	r := &Resolver{
		pub:        pub,
		byProducer: make(map[string]*pair, len(topo.Routes)),
	}
	inputs := make(map[string]*input)
	for _, route := range topo.Routes {
		portName, ok := roles.Port(route.Role)
		if !ok {
			return nil, fmt.Errorf("resolver: route %s->%s: unknown role %q", route.Producer, route.Consumer, route.Role)
		}
		if _, dup := r.byProducer[route.Producer]; dup {
			return nil, fmt.Errorf("resolver: producer %q has more than one route", route.Producer)
		}
		in, ok := inputs[route.Consumer+"."+portName]
		if !ok {
			in = &input{consumer: route.Consumer, port: portName}
			inputs[in.String()] = in
		}
		p := &pair{
			key:    Key{Producer: route.Producer, Consumer: route.Consumer},
			route:  route,
			in:     in,
			linked: make(chan struct{}),
		}
		r.byProducer[route.Producer] = p
		r.pairs = append(r.pairs, p)
	}
	return r, nil
}

// Register resolves each consumer input and hooks the port-added event of
// each producer. It must run before the graph starts playing.
func (r *Resolver) Register(nodes Nodes) error {
	err := fmt.Errorf("resolver: already registered")
	r.registerOnce.Do(func() {
		err = r.register(nodes)
	})
	return err
}

func (r *Resolver) register(nodes Nodes) error {
	for _, p := range r.pairs {
		producer, ok := nodes.Node(p.key.Producer)
		if !ok {
			return fmt.Errorf("resolver: no producer node %q", p.key.Producer)
		}
		consumer, ok := nodes.Node(p.key.Consumer)
		if !ok {
			return fmt.Errorf("resolver: no consumer node %q", p.key.Consumer)
		}
		if p.in.sink == nil {
			sink, err := consumer.StaticPort(p.in.port)
			if err != nil {
				return fmt.Errorf("resolver: %s: %w", p.key, err)
			}
			p.in.sink = sink
		}

		if err := producer.OnPortAdded(func(port engine.Port) {
			r.handle(p, port)
		}); err != nil {
			return fmt.Errorf("resolver: hook %s: %w", p.key.Producer, err)
		}

		slog.Debug("resolver: route registered",
			"pair", p.key.String(),
			"role", p.route.Role,
			"input", p.in.String(),
			"accept", p.route.Accept,
		)
	}
	return nil
}

// handle runs on an engine thread for every port producer announces.
func (r *Resolver) handle(p *pair, port engine.Port) {
	defer port.Release()

	slog.Info("resolver: received new port",
		"port", port.Name(),
		"producer", port.Owner(),
	)

	p.in.mu.Lock()
	defer p.in.mu.Unlock()

	if p.in.sink.IsLinked() {
		r.alreadyLinked(p, port)
		return
	}

	p.state = StateNegotiating

	mediaType := ""
	desc, err := port.Descriptor()
	if err != nil {
		slog.Warn("resolver: no negotiated type on announced port",
			"pair", p.key.String(),
			"port", port.Name(),
			"error", err,
		)
	} else {
		mediaType = desc.MediaType()
		desc.Release()
	}

	if !accepts(p.route.Accept, mediaType) {
		p.state = StateRejected
		mismatch := &NegotiationMismatch{
			Producer:  p.key.Producer,
			Port:      port.Name(),
			MediaType: mediaType,
			Accept:    p.route.Accept,
		}
		metrics.IncPortAnnouncement(p.key.Producer, outcomeRejected)
		slog.Info("resolver: port type not in range of interest, ignoring",
			"pair", p.key.String(),
			"port", port.Name(),
			"media_type", mediaType,
		)
		r.pub.Publish(notify.Notification{
			Kind:    notify.KindPortRejected,
			Subject: p.key.String(),
			Detail:  mismatch.Error(),
			Attrs:   map[string]string{"port": port.Name(), "media_type": mediaType},
		})
		return
	}

	if err := port.Link(p.in.sink); err != nil {
		if errors.Is(err, engine.ErrPortLinked) {
			r.alreadyLinked(p, port)
			return
		}
		p.state = StateAwaitingPort
		metrics.IncPortAnnouncement(p.key.Producer, outcomeLinkFailed)
		slog.Error("resolver: link failed",
			"pair", p.key.String(),
			"port", port.Name(),
			"media_type", mediaType,
			"error", err,
		)
		r.pub.Publish(notify.Notification{
			Kind:    notify.KindLinkFailed,
			Subject: p.key.String(),
			Detail:  err.Error(),
			Attrs:   map[string]string{"port": port.Name(), "media_type": mediaType},
		})
		return
	}

	p.state = StateLinked
	p.markSatisfied()
	metrics.IncPortAnnouncement(p.key.Producer, outcomeLinked)
	slog.Info("resolver: link succeeded",
		"pair", p.key.String(),
		"port", port.Name(),
		"input", p.in.String(),
		"media_type", mediaType,
	)
	r.pub.Publish(notify.Notification{
		Kind:    notify.KindPortLinked,
		Subject: p.key.String(),
		Attrs:   map[string]string{"port": port.Name(), "input": p.in.port, "media_type": mediaType},
	})
}

// alreadyLinked records that the pair's input has an upstream it did not
// create through port. Caller holds p.in.mu.
func (r *Resolver) alreadyLinked(p *pair, port engine.Port) {
	if p.state != StateLinked {
		p.state = StateAlreadyLinked
	}
	p.markSatisfied()
	metrics.IncPortAnnouncement(p.key.Producer, outcomeAlreadyLinked)
	slog.Info("resolver: consumer already linked, ignoring",
		"pair", p.key.String(),
		"port", port.Name(),
		"input", p.in.String(),
	)
}

func accepts(prefixes []string, mediaType string) bool {
	if mediaType == "" {
		return false
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	return false
}

// Keys returns every pair key in route declaration order.
func (r *Resolver) Keys() []Key {
	keys := make([]Key, 0, len(r.pairs))
	for _, p := range r.pairs {
		keys = append(keys, p.key)
	}
	return keys
}

// State returns the current state of one pair.
func (r *Resolver) State(key Key) (State, bool) {
	p, ok := r.byProducer[key.Producer]
	if !ok || p.key != key {
		return 0, false
	}
	p.in.mu.Lock()
	defer p.in.mu.Unlock()
	return p.state, true
}

// Snapshot returns the state of every pair keyed by "producer->consumer".
func (r *Resolver) Snapshot() map[string]State {
	out := make(map[string]State, len(r.pairs))
	for _, p := range r.pairs {
		p.in.mu.Lock()
		out[p.key.String()] = p.state
		p.in.mu.Unlock()
	}
	return out
}

// Linked returns a channel closed once the pair's consumer input has an
// upstream. It returns nil for an unknown key.
func (r *Resolver) Linked(key Key) <-chan struct{} {
	p, ok := r.byProducer[key.Producer]
	if !ok || p.key != key {
		return nil
	}
	return p.linked
}

// AllLinked reports whether every pair is satisfied.
func (r *Resolver) AllLinked() bool {
	for _, p := range r.pairs {
		p.in.mu.Lock()
		ok := p.state.satisfied()
		p.in.mu.Unlock()
		if !ok {
			return false
		}
	}
	return true
}

// Wait blocks until every pair is satisfied or ctx ends.
func (r *Resolver) Wait(ctx context.Context) error {
	for _, p := range r.pairs {
		select {
		case <-p.linked:
		case <-ctx.Done():
			return fmt.Errorf("resolver: waiting for %s: %w", p.key, ctx.Err())
		}
	}
	return nil
}
