package resolver

import (
	"sync"

	"github.com/e7canasta/ipcam-mixer/internal/topology"
)

// Roles maps a consumer role to the name of the input port a dynamic link
// lands on. New consumer kinds register their port name here; the resolver
// never hard-codes port names.
type Roles struct {
	mu    sync.RWMutex
	ports map[string]string
}

// DefaultRoles returns the role table for the built-in topologies.
func DefaultRoles() *Roles {
	r := &Roles{ports: make(map[string]string)}
	r.Register(topology.RoleRelay, "sink")
	r.Register(topology.RoleRender, "sink")
	r.Register(topology.RoleOverlay, "video_sink")
	return r
}

// Register maps role to port, replacing any previous mapping.
func (r *Roles) Register(role, port string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ports == nil {
		r.ports = make(map[string]string)
	}
	r.ports[role] = port
}

// Port returns the input port name for role.
func (r *Roles) Port(role string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ports[role]
	return p, ok
}
