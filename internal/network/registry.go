package network

import (
	"sync"

	"guardian-node/internal/custody"
)

// Registry maps guardian ids to the network address their client listens on.
type Registry struct {
	mu    sync.RWMutex
	addrs map[string]string
}

// NewRegistry creates a registry seeded with addrs.
func NewRegistry(addrs map[string]string) *Registry {
	r := &Registry{addrs: make(map[string]string, len(addrs))}
	for id, addr := range addrs {
		r.addrs[id] = addr
	}
	return r
}

func (r *Registry) Register(guardianID, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[guardianID] = address
}

func (r *Registry) Deregister(guardianID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.addrs, guardianID)
}

func (r *Registry) Get(guardianID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addrs[guardianID]
	return addr, ok
}

// RegisterGroup adds the endpoints carried on a group record. Configured addresses win.
func (r *Registry) RegisterGroup(g *custody.Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range g.Guardians {
		if _, known := r.addrs[m.ID]; !known && m.Endpoint != "" {
			r.addrs[m.ID] = m.Endpoint
		}
	}
}
