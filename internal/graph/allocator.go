package graph

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/e7canasta/ipcam-mixer/internal/engine"
	"github.com/e7canasta/ipcam-mixer/internal/metrics"
	"go.uber.org/multierr"
)

// Allocator hands out on-request input ports of one multi-input node, one per
// upstream branch, and remembers the engine-assigned name of each so the
// static wiring step can address it.
type Allocator struct {
	node engine.Node
	max  int

	mu     sync.Mutex
	ports  map[string]engine.Port
	order  []string
	sealed bool
}

// NewAllocator creates an allocator for node. max <= 0 means unbounded.
func NewAllocator(node engine.Node, max int) *Allocator {
	return &Allocator{
		node:  node,
		max:   max,
		ports: make(map[string]engine.Port),
	}
}

// Request allocates one fresh port from template for branch and returns its
// name. It fails when the node's declared maximum is reached, when branch
// already has a port, or once the graph is playing.
func (a *Allocator) Request(branch, template string) (string, error) {
	fail := func(reason AllocReason, err error) (string, error) {
		metrics.IncRequestPortFailure(a.node.Name(), string(reason))
		return "", &PortAllocationError{
			Node:     a.node.Name(),
			Template: template,
			Branch:   branch,
			Reason:   reason,
			Err:      err,
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return fail(ReasonTooLate, nil)
	}
	if _, dup := a.ports[branch]; dup {
		return fail(ReasonDuplicate, nil)
	}
	if a.max > 0 && len(a.ports) >= a.max {
		return fail(ReasonExhausted, fmt.Errorf("maximum of %d inputs reached", a.max))
	}

	port, err := a.node.RequestPort(template)
	if err != nil {
		return fail(ReasonUnavailable, err)
	}

	a.ports[branch] = port
	a.order = append(a.order, branch)
	metrics.SetRequestPorts(a.node.Name(), len(a.ports))

	slog.Debug("graph: request port allocated",
		"node", a.node.Name(),
		"template", template,
		"branch", branch,
		"port", port.Name(),
	)
	return port.Name(), nil
}

// PortName returns the name of the port requested for branch.
func (a *Allocator) PortName(branch string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.ports[branch]
	if !ok {
		return "", false
	}
	return p.Name(), true
}

// Len returns the number of ports currently allocated.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ports)
}

// Seal rejects every later Request. Called when the graph starts playing.
func (a *Allocator) Seal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
}

// ReleaseAll returns every allocated port to the node, newest first.
func (a *Allocator) ReleaseAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	for i := len(a.order) - 1; i >= 0; i-- {
		branch := a.order[i]
		if relErr := a.node.ReleaseRequestPort(a.ports[branch]); relErr != nil {
			err = multierr.Append(err, fmt.Errorf("release %s port for %q: %w", a.node.Name(), branch, relErr))
		}
		delete(a.ports, branch)
	}
	a.order = nil
	metrics.SetRequestPorts(a.node.Name(), 0)
	return err
}
